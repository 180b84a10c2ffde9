package event

import (
	"fmt"

	"github.com/google/uuid"
)

// TradeAction notifies the engine that the trading flow opened or closed a
// leveraged position. Sent exactly once per open and once per close.
type TradeAction struct {
	ActionID     uuid.UUID
	Caller       string // producer identity, checked against the callbacks capability
	Trader       uuid.UUID
	PairIndex    uint32
	TradeIndex   uint32
	PositionSize uint64 // collateral * leverage, collateral precision
	Open         bool
	Long         bool
	BlockNumber  uint64
}

func (e *TradeAction) EventType() EventType { return EventTypeTradeAction }
func (e *TradeAction) Block() uint64        { return e.BlockNumber }

func (e *TradeAction) IdempotencyKey() string {
	verb := "close"
	if e.Open {
		verb = "open"
	}
	return fmt.Sprintf("trade:%s:%s", verb, e.ActionID)
}
