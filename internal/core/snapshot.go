package core

import "BorrowEngine/internal/state"

// SnapshotState is the serializable engine state for warm restart.
type SnapshotState struct {
	Sequence int64
	Block    uint64
	Registry *state.Snapshot
}

// CreateSnapshotState captures the engine's full state.
func (e *Engine) CreateSnapshotState() *SnapshotState {
	e.mu.Lock()
	defer e.mu.Unlock()

	return &SnapshotState{
		Sequence: e.sequence,
		Block:    e.clock.CurrentBlock(),
		Registry: e.reg.Snapshot(),
	}
}

// RestoreFromSnapshot replaces the engine's state with a snapshot's
// contents. On warm restart, restore first, then replay the event log from
// the snapshot's sequence.
func (e *Engine) RestoreFromSnapshot(snap *SnapshotState) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.sequence = snap.Sequence
	e.reg.Restore(snap.Registry)

	type advancer interface{ Advance(uint64) bool }
	if clock, ok := e.clock.(advancer); ok {
		clock.Advance(snap.Block)
	}
}
