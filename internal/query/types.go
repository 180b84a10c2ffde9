package query

import "github.com/google/uuid"

// PairResponse is one pair's parameters and accumulator state. Accumulator
// values are pending ones, advanced to the as-of block.
type PairResponse struct {
	PairIndex           uint32                `json:"pair_index"`
	GroupIndex          uint32                `json:"group_index"`
	FeePerBlock         uint64                `json:"fee_per_block"`
	FeeExponent         uint64                `json:"fee_exponent"`
	MaxOi               uint64                `json:"max_oi"`
	AccFeeLong          uint64                `json:"acc_fee_long"`
	AccFeeShort         uint64                `json:"acc_fee_short"`
	AccLastUpdatedBlock uint64                `json:"acc_last_updated_block"`
	Transitions         []TransitionResponse  `json:"transitions,omitempty"`
	AsOfBlock           uint64                `json:"as_of_block"`
}

// TransitionResponse is one transition-log entry.
type TransitionResponse struct {
	GroupIndex           uint32 `json:"group_index"`
	Block                uint64 `json:"block"`
	InitialAccFeeLong    uint64 `json:"initial_acc_fee_long"`
	InitialAccFeeShort   uint64 `json:"initial_acc_fee_short"`
	PrevGroupAccFeeLong  uint64 `json:"prev_group_acc_fee_long"`
	PrevGroupAccFeeShort uint64 `json:"prev_group_acc_fee_short"`
	PairAccFeeLong       uint64 `json:"pair_acc_fee_long"`
	PairAccFeeShort      uint64 `json:"pair_acc_fee_short"`
}

// GroupResponse is one group's parameters, accumulators, and open interest.
type GroupResponse struct {
	GroupIndex          uint32 `json:"group_index"`
	FeePerBlock         uint64 `json:"fee_per_block"`
	MaxOi               uint64 `json:"max_oi"`
	FeeExponent         uint64 `json:"fee_exponent"`
	AccFeeLong          uint64 `json:"acc_fee_long"`
	AccFeeShort         uint64 `json:"acc_fee_short"`
	AccLastUpdatedBlock uint64 `json:"acc_last_updated_block"`
	OiLong              uint64 `json:"oi_long"`
	OiShort             uint64 `json:"oi_short"`
	PendingAccFeeLong   uint64 `json:"pending_acc_fee_long"`
	PendingAccFeeShort  uint64 `json:"pending_acc_fee_short"`
	AsOfBlock           uint64 `json:"as_of_block"`
}

// FeeResponse is a trade's accrued borrowing fee in collateral precision.
type FeeResponse struct {
	Trader       uuid.UUID `json:"trader"`
	PairIndex    uint32    `json:"pair_index"`
	TradeIndex   uint32    `json:"trade_index"`
	Long         bool      `json:"long"`
	BorrowingFee uint64    `json:"borrowing_fee"`
	AsOfBlock    uint64    `json:"as_of_block"`
}

// LiqPriceResponse is a trade's projected liquidation price.
type LiqPriceResponse struct {
	Trader           uuid.UUID `json:"trader"`
	PairIndex        uint32    `json:"pair_index"`
	TradeIndex       uint32    `json:"trade_index"`
	Long             bool      `json:"long"`
	OpenPrice        uint64    `json:"open_price"`
	LiquidationPrice uint64    `json:"liquidation_price"`
	BorrowingFee     uint64    `json:"borrowing_fee"`
	AsOfBlock        uint64    `json:"as_of_block"`
}

// InitialFeesResponse is a trade's open-time accumulator snapshot.
type InitialFeesResponse struct {
	Trader      uuid.UUID `json:"trader"`
	PairIndex   uint32    `json:"pair_index"`
	TradeIndex  uint32    `json:"trade_index"`
	AccPairFee  uint64    `json:"acc_pair_fee"`
	AccGroupFee uint64    `json:"acc_group_fee"`
	Block       uint64    `json:"block"`
}
