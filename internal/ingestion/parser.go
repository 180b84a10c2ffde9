package ingestion

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"BorrowEngine/internal/event"
)

// ParseRawEvent converts a raw message (JSON bytes plus the subject's event
// type) into a typed event.Event ready for the engine.
func ParseRawEvent(raw RawEvent, eventType string) (event.Event, error) {
	switch eventType {
	case "TradeAction":
		return parseTradeAction(raw.Data)
	case "PairParamsUpdate":
		return parsePairParamsUpdate(raw.Data)
	case "GroupParamsUpdate":
		return parseGroupParamsUpdate(raw.Data)
	case "BlockTick":
		return parseBlockTick(raw.Data)
	default:
		return nil, fmt.Errorf("unknown event type: %s", eventType)
	}
}

// --- JSON wire formats ---
// Field names are snake_case to match upstream producers. Amounts are
// decimal-scaled integers encoded as JSON numbers.

type tradeActionJSON struct {
	ActionID     string `json:"action_id"`
	Caller       string `json:"caller"`
	Trader       string `json:"trader"`
	PairIndex    uint32 `json:"pair_index"`
	TradeIndex   uint32 `json:"trade_index"`
	PositionSize uint64 `json:"position_size"`
	Open         bool   `json:"open"`
	Long         bool   `json:"long"`
	BlockNumber  uint64 `json:"block_number"`
}

func parseTradeAction(data []byte) (*event.TradeAction, error) {
	var j tradeActionJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse TradeAction: %w", err)
	}

	actionID, err := uuid.Parse(j.ActionID)
	if err != nil {
		return nil, fmt.Errorf("parse action_id: %w", err)
	}
	trader, err := uuid.Parse(j.Trader)
	if err != nil {
		return nil, fmt.Errorf("parse trader: %w", err)
	}

	return &event.TradeAction{
		ActionID:     actionID,
		Caller:       j.Caller,
		Trader:       trader,
		PairIndex:    j.PairIndex,
		TradeIndex:   j.TradeIndex,
		PositionSize: j.PositionSize,
		Open:         j.Open,
		Long:         j.Long,
		BlockNumber:  j.BlockNumber,
	}, nil
}

type pairParamsJSON struct {
	GroupIndex  uint32 `json:"group_index"`
	FeePerBlock uint64 `json:"fee_per_block"`
	FeeExponent uint64 `json:"fee_exponent"`
	MaxOi       uint64 `json:"max_oi"`
}

type pairParamsUpdateJSON struct {
	UpdateID    string           `json:"update_id"`
	Caller      string           `json:"caller"`
	Indices     []uint32         `json:"indices"`
	Params      []pairParamsJSON `json:"params"`
	BlockNumber uint64           `json:"block_number"`
}

func parsePairParamsUpdate(data []byte) (*event.PairParamsUpdate, error) {
	var j pairParamsUpdateJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse PairParamsUpdate: %w", err)
	}

	updateID, err := uuid.Parse(j.UpdateID)
	if err != nil {
		return nil, fmt.Errorf("parse update_id: %w", err)
	}

	params := make([]event.PairParamsPayload, len(j.Params))
	for i, p := range j.Params {
		params[i] = event.PairParamsPayload{
			GroupIndex:  p.GroupIndex,
			FeePerBlock: p.FeePerBlock,
			FeeExponent: p.FeeExponent,
			MaxOi:       p.MaxOi,
		}
	}

	return &event.PairParamsUpdate{
		UpdateID:    updateID,
		Caller:      j.Caller,
		Indices:     j.Indices,
		Params:      params,
		BlockNumber: j.BlockNumber,
	}, nil
}

type groupParamsJSON struct {
	FeePerBlock uint64 `json:"fee_per_block"`
	MaxOi       uint64 `json:"max_oi"`
	FeeExponent uint64 `json:"fee_exponent"`
}

type groupParamsUpdateJSON struct {
	UpdateID    string            `json:"update_id"`
	Caller      string            `json:"caller"`
	Indices     []uint32          `json:"indices"`
	Params      []groupParamsJSON `json:"params"`
	BlockNumber uint64            `json:"block_number"`
}

func parseGroupParamsUpdate(data []byte) (*event.GroupParamsUpdate, error) {
	var j groupParamsUpdateJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse GroupParamsUpdate: %w", err)
	}

	updateID, err := uuid.Parse(j.UpdateID)
	if err != nil {
		return nil, fmt.Errorf("parse update_id: %w", err)
	}

	params := make([]event.GroupParamsPayload, len(j.Params))
	for i, p := range j.Params {
		params[i] = event.GroupParamsPayload{
			FeePerBlock: p.FeePerBlock,
			MaxOi:       p.MaxOi,
			FeeExponent: p.FeeExponent,
		}
	}

	return &event.GroupParamsUpdate{
		UpdateID:    updateID,
		Caller:      j.Caller,
		Indices:     j.Indices,
		Params:      params,
		BlockNumber: j.BlockNumber,
	}, nil
}

type blockTickJSON struct {
	BlockNumber uint64 `json:"block_number"`
}

func parseBlockTick(data []byte) (*event.BlockTick, error) {
	var j blockTickJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse BlockTick: %w", err)
	}
	return &event.BlockTick{BlockNumber: j.BlockNumber}, nil
}
