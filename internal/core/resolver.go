package core

import (
	"fmt"
	"time"

	fpmath "BorrowEngine/internal/math"
	"BorrowEngine/internal/state"

	"github.com/google/uuid"
)

// BorrowingFeeInput identifies an open trade and its size for fee queries.
type BorrowingFeeInput struct {
	Trader     uuid.UUID
	PairIndex  uint32
	TradeIndex uint32
	Long       bool
	Collateral uint64 // collateral precision
	Leverage   uint64
}

// LiqPriceInput extends a fee query with the trade's open price
// (precision-scaled).
type LiqPriceInput struct {
	BorrowingFeeInput
	OpenPrice uint64
}

// GetTradeBorrowingFee computes the total borrowing fee a trade owes at the
// current block by replaying the pair's transition log against the trade's
// open-time snapshot. Read-only: pending accumulator values are computed in
// place, nothing is written back.
func (e *Engine) GetTradeBorrowingFee(in BorrowingFeeInput) (uint64, error) {
	start := time.Now()
	defer func() {
		if e.metrics != nil {
			e.metrics.FeeQueryDuration.Observe(time.Since(start).Seconds())
		}
	}()

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tradeBorrowingFee(in, e.clock.CurrentBlock())
}

// GetTradeLiquidationPrice feeds the trade's accrued borrowing fee into the
// injected liquidation-price formula.
func (e *Engine) GetTradeLiquidationPrice(in LiqPriceInput) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	fee, err := e.tradeBorrowingFee(in.BorrowingFeeInput, e.clock.CurrentBlock())
	if err != nil {
		return 0, err
	}
	return e.liqPrice(in.OpenPrice, in.Long, in.Collateral, in.Leverage, fee), nil
}

func (e *Engine) tradeBorrowingFee(in BorrowingFeeInput, currentBlock uint64) (uint64, error) {
	pair, ok := e.reg.Pair(in.PairIndex)
	if !ok {
		return 0, fmt.Errorf("unknown pair %d: %w", in.PairIndex, ErrInvalidParameter)
	}

	key := state.PositionKey{Trader: in.Trader, PairIndex: in.PairIndex, TradeIndex: in.TradeIndex}
	initial, ok := e.reg.InitialAccFees(key)
	if !ok {
		return 0, fmt.Errorf("trade %s pair %d index %d has no recorded open: %w",
			in.Trader, in.PairIndex, in.TradeIndex, ErrInvalidParameter)
	}

	accDelta := e.accFeeDelta(in.PairIndex, pair, initial, in.Long, currentBlock)
	return fpmath.TradeFee(in.Collateral, in.Leverage, accDelta), nil
}

// accFeeDelta integrates the per-unit fee owed since the trade opened.
//
// The pair's transition log is walked newest to oldest. Each log entry opens
// a membership segment; the segment's group and pair deltas come from the
// NEXT entry's frozen prevGroup/pair snapshots (they hold the accumulator
// values at the instant the pair left this segment's group), or from live
// pending values for the newest segment. The segment whose entry predates
// the trade's open block is the boundary: its deltas start from the trade's
// own initial snapshot instead of the entry's, and the walk stops there.
// Each segment contributes max(groupDelta, pairDelta), so reassigning a pair
// to a cheaper tier mid-trade never lowers the bill.
func (e *Engine) accFeeDelta(pairIndex uint32, pair *state.Pair, initial state.InitialAccFees, long bool, currentBlock uint64) uint64 {
	pairAccLong, pairAccShort := e.pendingPairAccFees(pairIndex, pair, currentBlock)
	pairAcc := sideOf(pairAccLong, pairAccShort, long)

	log := pair.Groups
	if len(log) == 0 {
		// Always ungrouped: the pair's own accrual is the whole fee.
		return fpmath.SubSaturatingU64(pairAcc, initial.AccPairFee)
	}

	var total uint64
	for i := len(log) - 1; i >= 0; i-- {
		entry := log[i]
		beforeOpen := entry.Block < initial.Block

		var groupStart, pairStart uint64
		if beforeOpen {
			groupStart, pairStart = initial.AccGroupFee, initial.AccPairFee
		} else {
			groupStart, pairStart = entry.InitialAccFee(long), entry.PairAccFee(long)
		}

		var groupEnd, pairEnd uint64
		if i == len(log)-1 {
			groupEnd = e.pendingGroupAccFee(entry.GroupIndex, long, currentBlock)
			pairEnd = pairAcc
		} else {
			next := log[i+1]
			if next.Block <= initial.Block {
				// Segment ended before the trade opened; nothing further
				// back can contribute either.
				break
			}
			groupEnd = next.PrevGroupAccFee(long)
			pairEnd = next.PairAccFee(long)
		}

		groupDelta := fpmath.SubSaturatingU64(groupEnd, groupStart)
		pairDelta := fpmath.SubSaturatingU64(pairEnd, pairStart)
		total = fpmath.AddSaturatingU64(total, max(groupDelta, pairDelta))

		if beforeOpen {
			// Boundary segment consumed; earlier history predates the trade.
			return total
		}
	}

	// The trade opened before the pair first joined a group: the ungrouped
	// prefix accrues at the pair's own rate only.
	if log[0].Block > initial.Block {
		prefix := fpmath.SubSaturatingU64(log[0].PairAccFee(long), initial.AccPairFee)
		total = fpmath.AddSaturatingU64(total, prefix)
	}

	return total
}
