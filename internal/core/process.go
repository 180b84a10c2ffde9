package core

import (
	"fmt"

	"BorrowEngine/internal/event"
)

// Short names used for envelopes and metric labels.
const (
	eventTypeTradeAction = event.EventTypeTradeAction
	eventTypePairParams  = event.EventTypePairParamsUpdate
	eventTypeGroupParams = event.EventTypeGroupParamsUpdate
	eventTypeBlockTick   = event.EventTypeBlockTick
)

// ProcessEvent applies one inbound event: deduplicate, dispatch to the
// matching entry point, mark processed. Duplicate deliveries are dropped
// silently; every other failure aborts the event in full.
func (e *Engine) ProcessEvent(evt event.Event) error {
	return e.apply(evt, false)
}

// Replay applies one event from the persisted log during warm restart.
// Replayed events are in the event log by definition, so the dedup check
// would classify every one of them as a duplicate and restore nothing;
// replay skips the check but still marks keys processed, so live deliveries
// of the same events dedup afterwards.
func (e *Engine) Replay(evt event.Event) error {
	return e.apply(evt, true)
}

func (e *Engine) apply(evt event.Event, replay bool) error {
	eventType := evt.EventType().String()
	idemKey := evt.IdempotencyKey()

	if !replay && e.idempotency != nil && e.idempotency.IsDuplicate(eventType, idemKey) {
		e.reject(eventType, "duplicate")
		return nil
	}

	var err error
	switch ev := evt.(type) {
	case *event.BlockTick:
		e.advanceBlock(ev, idemKey)

	case *event.TradeAction:
		err = e.handleTradeAction(ev.Caller, ev.Trader, ev.PairIndex, ev.TradeIndex,
			ev.PositionSize, ev.Open, ev.Long, idemKey)

	case *event.PairParamsUpdate:
		params := make([]PairParams, len(ev.Params))
		for i, p := range ev.Params {
			params[i] = PairParams{
				GroupIndex:  p.GroupIndex,
				FeePerBlock: p.FeePerBlock,
				FeeExponent: p.FeeExponent,
				MaxOi:       p.MaxOi,
			}
		}
		err = e.setPairParamsArray(ev.Caller, ev.Indices, params, idemKey)

	case *event.GroupParamsUpdate:
		params := make([]GroupParams, len(ev.Params))
		for i, p := range ev.Params {
			params[i] = GroupParams{
				FeePerBlock: p.FeePerBlock,
				MaxOi:       p.MaxOi,
				FeeExponent: p.FeeExponent,
			}
		}
		err = e.setGroupParamsArray(ev.Caller, ev.Indices, params, idemKey)

	default:
		return fmt.Errorf("unknown event type: %T", evt)
	}

	if err != nil {
		return err
	}

	if e.idempotency != nil {
		e.idempotency.MarkProcessed(eventType, idemKey)
	}
	if e.metrics != nil {
		e.metrics.EventsApplied.WithLabelValues(eventType).Inc()
	}
	return nil
}

// advanceBlock moves the watermark clock forward when the injected clock
// supports it. Ticks never rewind; stale ticks are no-ops but still logged
// to the event stream so the block history is complete.
func (e *Engine) advanceBlock(ev *event.BlockTick, idemKey string) {
	type advancer interface{ Advance(uint64) bool }
	if clock, ok := e.clock.(advancer); ok {
		if clock.Advance(ev.BlockNumber) {
			e.log.Debug().Uint64("block", ev.BlockNumber).Msg("block advanced")
		}
	}

	e.mu.Lock()
	e.emit(eventTypeBlockTick, idemKey, ev.BlockNumber, nil)
	e.mu.Unlock()
}

// emit sends the operation's envelope and touched entities to the
// persistence channel. Blocking send: the engine stalls rather than dropping
// a write. Callers hold e.mu.
func (e *Engine) emit(kind event.EventType, idemKey string, block uint64, delta *EntityDelta) {
	seq := e.sequence
	e.sequence++

	if e.persistChan == nil {
		return
	}

	if idemKey == "" {
		// Direct method call, not an ingested event.
		idemKey = fmt.Sprintf("%s:direct:%d", kind, seq)
	}

	e.persistChan <- Output{
		Envelope: &event.Envelope{
			Sequence:       seq,
			IdempotencyKey: idemKey,
			EventType:      kind,
			Block:          block,
		},
		Delta: delta,
	}
}

// CurrentSequence returns the next envelope sequence to be assigned.
func (e *Engine) CurrentSequence() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sequence
}
