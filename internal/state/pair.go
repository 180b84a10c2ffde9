package state

// PairGroup is one entry of a pair's transition log: a frozen snapshot taken
// at the block the pair entered GroupIndex. It captures the incoming group's
// accumulators, the outgoing group's accumulators, and the pair's own
// accumulators at that instant. Entries are immutable once appended.
type PairGroup struct {
	GroupIndex uint32
	Block      uint64

	// Incoming group's accumulators at the transition block
	InitialAccFeeLong  uint64
	InitialAccFeeShort uint64

	// Outgoing group's accumulators at the transition block
	PrevGroupAccFeeLong  uint64
	PrevGroupAccFeeShort uint64

	// Pair's own accumulators at the transition block
	PairAccFeeLong  uint64
	PairAccFeeShort uint64
}

func (pg PairGroup) InitialAccFee(long bool) uint64 {
	if long {
		return pg.InitialAccFeeLong
	}
	return pg.InitialAccFeeShort
}

func (pg PairGroup) PrevGroupAccFee(long bool) uint64 {
	if long {
		return pg.PrevGroupAccFeeLong
	}
	return pg.PrevGroupAccFeeShort
}

func (pg PairGroup) PairAccFee(long bool) uint64 {
	if long {
		return pg.PairAccFeeLong
	}
	return pg.PairAccFeeShort
}

// Pair is a tradable instrument with its own accrual parameters and an
// append-only history of group memberships. An empty Groups slice means the
// pair has been in group 0 since creation; otherwise the last entry is the
// current membership.
type Pair struct {
	FeePerBlock         uint64
	FeeExponent         uint64
	AccFeeLong          uint64
	AccFeeShort         uint64
	AccLastUpdatedBlock uint64
	MaxOi               uint64
	Groups              []PairGroup
}

// CurrentGroupIndex returns the pair's current group, 0 when ungrouped.
func (p *Pair) CurrentGroupIndex() uint32 {
	if len(p.Groups) == 0 {
		return 0
	}
	return p.Groups[len(p.Groups)-1].GroupIndex
}

// AccFee returns the accumulator for one side.
func (p *Pair) AccFee(long bool) uint64 {
	if long {
		return p.AccFeeLong
	}
	return p.AccFeeShort
}

// CloneGroups returns a copy of the transition log safe to hand to readers.
func (p *Pair) CloneGroups() []PairGroup {
	if len(p.Groups) == 0 {
		return nil
	}
	out := make([]PairGroup, len(p.Groups))
	copy(out, p.Groups)
	return out
}
