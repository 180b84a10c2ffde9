package core

import (
	"BorrowEngine/internal/event"
	"BorrowEngine/internal/state"
)

// Transition is one appended transition-log entry, addressed by pair.
type Transition struct {
	PairIndex uint32
	Entry     state.PairGroup
}

// InitialFeeEntry is one recorded open-time fee snapshot.
type InitialFeeEntry struct {
	Key  state.PositionKey
	Fees state.InitialAccFees
}

// PairDelta is a pair's post-commit value plus its current group, resolved
// before the transition log is stripped. Consumers must not reach back into
// the engine for it: the engine blocks on the persist channel while holding
// its mutex, so a consumer that calls an accessor mid-drain deadlocks.
type PairDelta struct {
	state.Pair
	GroupIndex uint32
}

// EntityDelta is the set of entities an operation touched, captured after the
// operation committed. The persistence worker upserts pairs/groups and
// appends transitions and initial fees.
type EntityDelta struct {
	Block       uint64
	Pairs       map[uint32]PairDelta
	Groups      map[uint32]state.Group
	Transitions []Transition
	InitialFees []InitialFeeEntry
}

func newEntityDelta(block uint64) *EntityDelta {
	return &EntityDelta{
		Block:  block,
		Pairs:  make(map[uint32]PairDelta),
		Groups: make(map[uint32]state.Group),
	}
}

// touchPair records the pair's post-commit value (transition log excluded;
// log entries travel separately as Transitions).
func (d *EntityDelta) touchPair(index uint32, p *state.Pair) {
	cp := *p
	groupIndex := p.CurrentGroupIndex()
	cp.Groups = nil
	d.Pairs[index] = PairDelta{Pair: cp, GroupIndex: groupIndex}
}

func (d *EntityDelta) touchGroup(index uint32, g *state.Group) {
	d.Groups[index] = *g
}

// Output is what the engine emits per applied operation: the event-log
// envelope plus the touched entities. Sent blocking on the persist channel —
// if the persistence worker falls behind, the engine stalls rather than
// losing writes.
type Output struct {
	Envelope *event.Envelope
	Delta    *EntityDelta
}
