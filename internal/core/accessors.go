package core

import (
	"fmt"

	"BorrowEngine/internal/state"
)

// GetPair returns a copy of the pair record including its transition log.
func (e *Engine) GetPair(index uint32) (state.Pair, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	pair, ok := e.reg.Pair(index)
	if !ok {
		return state.Pair{}, false
	}
	cp := *pair
	cp.Groups = pair.CloneGroups()
	return cp, true
}

// GetAllPairs returns copies of every pair record, index-ordered.
func (e *Engine) GetAllPairs() []state.Pair {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]state.Pair, 0, e.reg.PairCount())
	for i := uint32(0); i < e.reg.PairCount(); i++ {
		pair, _ := e.reg.Pair(i)
		cp := *pair
		cp.Groups = pair.CloneGroups()
		out = append(out, cp)
	}
	return out
}

// GetGroup returns a copy of the group record.
func (e *Engine) GetGroup(index uint32) (state.Group, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	group, ok := e.reg.Group(index)
	if !ok {
		return state.Group{}, false
	}
	return *group, true
}

// GetGroups returns copies of the requested groups. Any unknown index fails
// the whole read.
func (e *Engine) GetGroups(indices []uint32) ([]state.Group, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]state.Group, 0, len(indices))
	for _, idx := range indices {
		group, ok := e.reg.Group(idx)
		if !ok {
			return nil, fmt.Errorf("unknown group %d: %w", idx, ErrInvalidParameter)
		}
		out = append(out, *group)
	}
	return out, nil
}

// GetPairMaxOi returns the pair's open-interest cap, zero for unknown pairs.
func (e *Engine) GetPairMaxOi(index uint32) uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	pair, ok := e.reg.Pair(index)
	if !ok {
		return 0
	}
	return pair.MaxOi
}

// GetPairGroupHistory returns a copy of the pair's transition log.
func (e *Engine) GetPairGroupHistory(index uint32) []state.PairGroup {
	e.mu.Lock()
	defer e.mu.Unlock()

	pair, ok := e.reg.Pair(index)
	if !ok {
		return nil
	}
	return pair.CloneGroups()
}

// GetInitialAccFees returns a trade's open-time accumulator snapshot.
func (e *Engine) GetInitialAccFees(key state.PositionKey) (state.InitialAccFees, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.reg.InitialAccFees(key)
}

// GetPairPendingAccFees returns the pair's accumulators as they would stand
// if settled at the current block, without writing them back.
func (e *Engine) GetPairPendingAccFees(index uint32) (accFeeLong, accFeeShort uint64, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	pair, ok := e.reg.Pair(index)
	if !ok {
		return 0, 0, fmt.Errorf("unknown pair %d: %w", index, ErrInvalidParameter)
	}
	accFeeLong, accFeeShort = e.pendingPairAccFees(index, pair, e.clock.CurrentBlock())
	return accFeeLong, accFeeShort, nil
}

// GetGroupPendingAccFees returns the group's accumulators as they would
// stand if settled at the current block, without writing them back.
func (e *Engine) GetGroupPendingAccFees(index uint32) (accFeeLong, accFeeShort uint64, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	group, ok := e.reg.Group(index)
	if !ok {
		return 0, 0, fmt.Errorf("unknown group %d: %w", index, ErrInvalidParameter)
	}
	accFeeLong, accFeeShort = e.pendingGroupAccFees(group, e.clock.CurrentBlock())
	return accFeeLong, accFeeShort, nil
}
