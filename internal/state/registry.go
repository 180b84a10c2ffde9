package state

// Registry owns all pair, group, and per-trade fee state. Records are dense,
// index-addressed, created implicitly on first write and never deleted. The
// registry does no locking: the core engine is its single writer and guards
// every access.
type Registry struct {
	pairs       []*Pair
	groups      []*Group
	initialFees map[PositionKey]InitialAccFees
}

func NewRegistry() *Registry {
	return &Registry{
		// Group 0 (the ungrouped bucket) always exists.
		groups:      []*Group{{}},
		initialFees: make(map[PositionKey]InitialAccFees),
	}
}

// EnsurePair returns the pair at index, growing the dense table with zero
// records as needed.
func (r *Registry) EnsurePair(index uint32) *Pair {
	for uint32(len(r.pairs)) <= index {
		r.pairs = append(r.pairs, &Pair{})
	}
	return r.pairs[index]
}

// Pair returns the pair at index if it exists.
func (r *Registry) Pair(index uint32) (*Pair, bool) {
	if index >= uint32(len(r.pairs)) {
		return nil, false
	}
	return r.pairs[index], true
}

// EnsureGroup returns the group at index, growing the dense table with zero
// records as needed.
func (r *Registry) EnsureGroup(index uint32) *Group {
	for uint32(len(r.groups)) <= index {
		r.groups = append(r.groups, &Group{})
	}
	return r.groups[index]
}

// Group returns the group at index if it exists.
func (r *Registry) Group(index uint32) (*Group, bool) {
	if index >= uint32(len(r.groups)) {
		return nil, false
	}
	return r.groups[index], true
}

func (r *Registry) PairCount() uint32  { return uint32(len(r.pairs)) }
func (r *Registry) GroupCount() uint32 { return uint32(len(r.groups)) }

// AppendPairGroup appends a transition record to a pair's log. The caller
// guarantees the block ordering invariant; appending a record whose block is
// not strictly greater than the last entry's is a programming error and the
// record is refused.
func (r *Registry) AppendPairGroup(pairIndex uint32, pg PairGroup) bool {
	pair := r.EnsurePair(pairIndex)
	if n := len(pair.Groups); n > 0 && pg.Block <= pair.Groups[n-1].Block {
		return false
	}
	pair.Groups = append(pair.Groups, pg)
	return true
}

// SetInitialAccFees records a trade's open-time accumulator snapshot.
func (r *Registry) SetInitialAccFees(key PositionKey, fees InitialAccFees) {
	r.initialFees[key] = fees
}

// DeleteInitialAccFees releases a trade's open-time snapshot so the
// (trader, pair, trade) slot can be reused by a later open.
func (r *Registry) DeleteInitialAccFees(key PositionKey) {
	delete(r.initialFees, key)
}

// InitialAccFees returns a trade's open-time snapshot.
func (r *Registry) InitialAccFees(key PositionKey) (InitialAccFees, bool) {
	fees, ok := r.initialFees[key]
	return fees, ok
}

// --- Snapshot support (warm restart) ---

// Snapshot captures a deep copy of all registry state.
type Snapshot struct {
	Pairs       []Pair
	Groups      []Group
	InitialFees map[PositionKey]InitialAccFees
}

func (r *Registry) Snapshot() *Snapshot {
	snap := &Snapshot{
		Pairs:       make([]Pair, len(r.pairs)),
		Groups:      make([]Group, len(r.groups)),
		InitialFees: make(map[PositionKey]InitialAccFees, len(r.initialFees)),
	}
	for i, p := range r.pairs {
		cp := *p
		cp.Groups = p.CloneGroups()
		snap.Pairs[i] = cp
	}
	for i, g := range r.groups {
		snap.Groups[i] = *g
	}
	for k, v := range r.initialFees {
		snap.InitialFees[k] = v
	}
	return snap
}

// Restore replaces all registry state with the snapshot's contents.
func (r *Registry) Restore(snap *Snapshot) {
	r.pairs = make([]*Pair, len(snap.Pairs))
	for i := range snap.Pairs {
		cp := snap.Pairs[i]
		cp.Groups = append([]PairGroup(nil), snap.Pairs[i].Groups...)
		r.pairs[i] = &cp
	}
	r.groups = make([]*Group, len(snap.Groups))
	for i := range snap.Groups {
		cp := snap.Groups[i]
		r.groups[i] = &cp
	}
	if len(r.groups) == 0 {
		r.groups = []*Group{{}}
	}
	r.initialFees = make(map[PositionKey]InitialAccFees, len(snap.InitialFees))
	for k, v := range snap.InitialFees {
		r.initialFees[k] = v
	}
}
