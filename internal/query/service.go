package query

import (
	"fmt"

	"github.com/google/uuid"

	"BorrowEngine/internal/core"
	"BorrowEngine/internal/state"
)

// Service is the read-only query surface over the live engine. Every
// response carries the block it was computed at; accumulator values are
// pending ones, advanced to that block without being written back.
type Service struct {
	engine *core.Engine
	clock  core.BlockClock
}

func NewService(engine *core.Engine, clock core.BlockClock) *Service {
	return &Service{engine: engine, clock: clock}
}

// Pairs returns every known pair, transition logs excluded.
func (s *Service) Pairs() []PairResponse {
	block := s.clock.CurrentBlock()
	pairs := s.engine.GetAllPairs()

	out := make([]PairResponse, len(pairs))
	for i := range pairs {
		out[i] = s.pairResponse(uint32(i), &pairs[i], block, false)
	}
	return out
}

// Pair returns one pair with its full transition log.
func (s *Service) Pair(index uint32) (PairResponse, error) {
	pair, ok := s.engine.GetPair(index)
	if !ok {
		return PairResponse{}, fmt.Errorf("unknown pair %d: %w", index, core.ErrInvalidParameter)
	}
	return s.pairResponse(index, &pair, s.clock.CurrentBlock(), true), nil
}

func (s *Service) pairResponse(index uint32, pair *state.Pair, block uint64, withLog bool) PairResponse {
	accLong, accShort := pair.AccFeeLong, pair.AccFeeShort
	if pendLong, pendShort, err := s.engine.GetPairPendingAccFees(index); err == nil {
		accLong, accShort = pendLong, pendShort
	}

	resp := PairResponse{
		PairIndex:           index,
		GroupIndex:          pair.CurrentGroupIndex(),
		FeePerBlock:         pair.FeePerBlock,
		FeeExponent:         pair.FeeExponent,
		MaxOi:               pair.MaxOi,
		AccFeeLong:          accLong,
		AccFeeShort:         accShort,
		AccLastUpdatedBlock: pair.AccLastUpdatedBlock,
		AsOfBlock:           block,
	}

	if withLog {
		history := s.engine.GetPairGroupHistory(index)
		resp.Transitions = make([]TransitionResponse, len(history))
		for i, e := range history {
			resp.Transitions[i] = TransitionResponse{
				GroupIndex:           e.GroupIndex,
				Block:                e.Block,
				InitialAccFeeLong:    e.InitialAccFeeLong,
				InitialAccFeeShort:   e.InitialAccFeeShort,
				PrevGroupAccFeeLong:  e.PrevGroupAccFeeLong,
				PrevGroupAccFeeShort: e.PrevGroupAccFeeShort,
				PairAccFeeLong:       e.PairAccFeeLong,
				PairAccFeeShort:      e.PairAccFeeShort,
			}
		}
	}

	return resp
}

// Group returns one group with stored and pending accumulators.
func (s *Service) Group(index uint32) (GroupResponse, error) {
	group, ok := s.engine.GetGroup(index)
	if !ok {
		return GroupResponse{}, fmt.Errorf("unknown group %d: %w", index, core.ErrInvalidParameter)
	}

	pendLong, pendShort := group.AccFeeLong, group.AccFeeShort
	if l, sh, err := s.engine.GetGroupPendingAccFees(index); err == nil {
		pendLong, pendShort = l, sh
	}

	return GroupResponse{
		GroupIndex:          index,
		FeePerBlock:         group.FeePerBlock,
		MaxOi:               group.MaxOi,
		FeeExponent:         group.FeeExponent,
		AccFeeLong:          group.AccFeeLong,
		AccFeeShort:         group.AccFeeShort,
		AccLastUpdatedBlock: group.AccLastUpdatedBlock,
		OiLong:              group.OiLong,
		OiShort:             group.OiShort,
		PendingAccFeeLong:   pendLong,
		PendingAccFeeShort:  pendShort,
		AsOfBlock:           s.clock.CurrentBlock(),
	}, nil
}

// TradeFee returns a trade's accrued borrowing fee.
func (s *Service) TradeFee(trader uuid.UUID, pairIndex, tradeIndex uint32, long bool, collateral, leverage uint64) (FeeResponse, error) {
	fee, err := s.engine.GetTradeBorrowingFee(core.BorrowingFeeInput{
		Trader:     trader,
		PairIndex:  pairIndex,
		TradeIndex: tradeIndex,
		Long:       long,
		Collateral: collateral,
		Leverage:   leverage,
	})
	if err != nil {
		return FeeResponse{}, err
	}

	return FeeResponse{
		Trader:       trader,
		PairIndex:    pairIndex,
		TradeIndex:   tradeIndex,
		Long:         long,
		BorrowingFee: fee,
		AsOfBlock:    s.clock.CurrentBlock(),
	}, nil
}

// TradeLiqPrice returns a trade's liquidation price with the accrued
// borrowing fee folded in.
func (s *Service) TradeLiqPrice(trader uuid.UUID, pairIndex, tradeIndex uint32, long bool, collateral, leverage, openPrice uint64) (LiqPriceResponse, error) {
	in := core.BorrowingFeeInput{
		Trader:     trader,
		PairIndex:  pairIndex,
		TradeIndex: tradeIndex,
		Long:       long,
		Collateral: collateral,
		Leverage:   leverage,
	}

	fee, err := s.engine.GetTradeBorrowingFee(in)
	if err != nil {
		return LiqPriceResponse{}, err
	}
	liqPrice, err := s.engine.GetTradeLiquidationPrice(core.LiqPriceInput{
		BorrowingFeeInput: in,
		OpenPrice:         openPrice,
	})
	if err != nil {
		return LiqPriceResponse{}, err
	}

	return LiqPriceResponse{
		Trader:           trader,
		PairIndex:        pairIndex,
		TradeIndex:       tradeIndex,
		Long:             long,
		OpenPrice:        openPrice,
		LiquidationPrice: liqPrice,
		BorrowingFee:     fee,
		AsOfBlock:        s.clock.CurrentBlock(),
	}, nil
}

// InitialFees returns a trade's open-time snapshot.
func (s *Service) InitialFees(trader uuid.UUID, pairIndex, tradeIndex uint32) (InitialFeesResponse, error) {
	key := state.PositionKey{Trader: trader, PairIndex: pairIndex, TradeIndex: tradeIndex}
	fees, ok := s.engine.GetInitialAccFees(key)
	if !ok {
		return InitialFeesResponse{}, fmt.Errorf("trade %s pair %d index %d has no recorded open: %w",
			trader, pairIndex, tradeIndex, core.ErrInvalidParameter)
	}

	return InitialFeesResponse{
		Trader:      trader,
		PairIndex:   pairIndex,
		TradeIndex:  tradeIndex,
		AccPairFee:  fees.AccPairFee,
		AccGroupFee: fees.AccGroupFee,
		Block:       fees.Block,
	}, nil
}
