package state

// Group is a risk tier sharing a fee rate and an open-interest cap across its
// member pairs. Index 0 is the reserved "ungrouped" bucket: its OI counters
// never move (adjustments skip it) and its cap is never enforced.
type Group struct {
	FeePerBlock         uint64 // precision-scaled %, accrued per block at full utilization
	MaxOi               uint64 // precision-scaled; 0 disables accrual and the cap
	AccFeeLong          uint64
	AccFeeShort         uint64
	AccLastUpdatedBlock uint64
	OiLong              uint64 // precision-scaled, bounded by math.MaxStoredOi
	OiShort             uint64
	FeeExponent         uint64 // [1,3]
}

// AccFee returns the accumulator for one side.
func (g *Group) AccFee(long bool) uint64 {
	if long {
		return g.AccFeeLong
	}
	return g.AccFeeShort
}

// Oi returns the open-interest counter for one side.
func (g *Group) Oi(long bool) uint64 {
	if long {
		return g.OiLong
	}
	return g.OiShort
}
