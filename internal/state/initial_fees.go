package state

import "github.com/google/uuid"

// PositionKey identifies one open trade's fee context.
type PositionKey struct {
	Trader     uuid.UUID
	PairIndex  uint32
	TradeIndex uint32
}

// InitialAccFees freezes the pair's and its then-current group's accumulator
// values (for the trade's side) at the block the trade opened. Written once
// per open; never mutated afterwards.
type InitialAccFees struct {
	AccPairFee  uint64
	AccGroupFee uint64
	Block       uint64
}
