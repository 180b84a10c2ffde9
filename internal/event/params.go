package event

import (
	"fmt"

	"github.com/google/uuid"
)

// PairParamsPayload carries one pair's new accrual parameters.
type PairParamsPayload struct {
	GroupIndex  uint32
	FeePerBlock uint64 // precision-scaled
	FeeExponent uint64
	MaxOi       uint64 // precision-scaled
}

// PairParamsUpdate sets accrual parameters for one or more pairs. Indices and
// Params must be the same length; the whole update is applied or refused as a
// unit. A single-pair update is a batch of one.
type PairParamsUpdate struct {
	UpdateID    uuid.UUID
	Caller      string // checked against the manager capability
	Indices     []uint32
	Params      []PairParamsPayload
	BlockNumber uint64
}

func (e *PairParamsUpdate) EventType() EventType { return EventTypePairParamsUpdate }
func (e *PairParamsUpdate) Block() uint64        { return e.BlockNumber }

func (e *PairParamsUpdate) IdempotencyKey() string {
	return fmt.Sprintf("pair_params:%s", e.UpdateID)
}

// GroupParamsPayload carries one group's new accrual parameters.
type GroupParamsPayload struct {
	FeePerBlock uint64
	MaxOi       uint64
	FeeExponent uint64
}

// GroupParamsUpdate sets accrual parameters for one or more groups.
// Group index 0 is reserved and may not be configured.
type GroupParamsUpdate struct {
	UpdateID    uuid.UUID
	Caller      string
	Indices     []uint32
	Params      []GroupParamsPayload
	BlockNumber uint64
}

func (e *GroupParamsUpdate) EventType() EventType { return EventTypeGroupParamsUpdate }
func (e *GroupParamsUpdate) Block() uint64        { return e.BlockNumber }

func (e *GroupParamsUpdate) IdempotencyKey() string {
	return fmt.Sprintf("group_params:%s", e.UpdateID)
}
