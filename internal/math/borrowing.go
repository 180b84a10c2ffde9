package math

import "math/big"

// PendingAccFeesInput carries everything the rate model needs to advance an
// entity's accumulators from accLastUpdatedBlock to currentBlock.
// All fixed-point fields use PrecisionConfig.Scale.
type PendingAccFeesInput struct {
	AccFeeLong  uint64
	AccFeeShort uint64
	OiLong      uint64
	OiShort     uint64
	FeePerBlock uint64 // fee %, precision-scaled, accrued per block at full utilization
	CurrentBlock        uint64
	AccLastUpdatedBlock uint64
	MaxOi       uint64 // precision-scaled; 0 means utilization is undefined (no accrual)
	FeeExponent uint64 // utilization curve shape, valid range [1,3]
	Long        bool   // side the caller wants the delta for
}

// RateModel is the pluggable per-block accrual curve. Implementations must be
// pure, deterministic, and monotonic in currentBlock - accLastUpdatedBlock.
// Returns the advanced accumulators and the delta for the requested side.
type RateModel func(in PendingAccFeesInput) (accFeeLong, accFeeShort, sideDelta uint64)

// PendingAccFees is the reference rate model: each side accrues
//
//	feePerBlock * elapsedBlocks * (oiSide / maxOi)^feeExponent
//
// with the utilization ratio carried at PrecisionConfig.Scale and clamped to 1.
// Inputs outside the contract (maxOi == 0, exponent == 0, rewound clock)
// yield a zero delta rather than an error; the engine validates parameters at
// its boundaries.
func PendingAccFees(in PendingAccFeesInput) (uint64, uint64, uint64) {
	if in.CurrentBlock <= in.AccLastUpdatedBlock {
		return in.AccFeeLong, in.AccFeeShort, 0
	}

	elapsed := in.CurrentBlock - in.AccLastUpdatedBlock

	deltaLong := sideAccDelta(in.OiLong, in.MaxOi, in.FeePerBlock, elapsed, in.FeeExponent)
	deltaShort := sideAccDelta(in.OiShort, in.MaxOi, in.FeePerBlock, elapsed, in.FeeExponent)

	accFeeLong := AddSaturatingU64(in.AccFeeLong, deltaLong)
	accFeeShort := AddSaturatingU64(in.AccFeeShort, deltaShort)

	sideDelta := deltaLong
	if !in.Long {
		sideDelta = deltaShort
	}

	return accFeeLong, accFeeShort, sideDelta
}

// sideAccDelta computes feePerBlock * elapsed * util^exp / P^exp where
// util = min(oi * P / maxOi, P).
func sideAccDelta(oi, maxOi, feePerBlock, elapsed, exponent uint64) uint64 {
	if oi == 0 || maxOi == 0 || feePerBlock == 0 || elapsed == 0 || exponent == 0 {
		return 0
	}

	precision := PrecisionConfig.Scale

	util := MulDivU64(oi, precision, maxOi)
	if util > precision {
		util = precision
	}

	num := getInt128()
	tmp := getInt128()
	num.SetUint64(feePerBlock)
	tmp.SetUint64(elapsed)
	num.Mul(num, tmp)

	scale := getInt128().SetUint64(precision)
	tmp.SetUint64(util)
	for i := uint64(0); i < exponent; i++ {
		num.Mul(num, tmp)
		num.Quo(num, scale)
	}

	result := uint64(0)
	if num.IsUint64() {
		result = num.Uint64()
	} else {
		result = ^uint64(0)
	}

	putInt128(num)
	putInt128(tmp)
	putInt128(scale)

	return result
}

// TradeFee converts an accumulator delta into a collateral-denominated fee:
//
//	collateral * leverage * accDelta / P / 100
//
// The / 100 folds out the percent-denominated feePerBlock. Result is in
// collateral precision, rounded down.
func TradeFee(collateral, leverage, accDelta uint64) uint64 {
	num := getInt128()
	tmp := getInt128()
	num.SetUint64(collateral)
	tmp.SetUint64(leverage)
	num.Mul(num, tmp)
	tmp.SetUint64(accDelta)
	num.Mul(num, tmp)

	tmp.SetUint64(PrecisionConfig.Scale)
	num.Quo(num, tmp)
	tmp.SetUint64(100)
	num.Quo(num, tmp)

	result := uint64(0)
	if num.IsUint64() {
		result = num.Uint64()
	} else {
		result = ^uint64(0)
	}

	putInt128(num)
	putInt128(tmp)

	return result
}

// LiqPriceFormula computes a liquidation price from a position's open price,
// side, collateral (collateral precision), leverage, and accrued borrowing
// fee (collateral precision). Pure; injectable so the venue can swap the
// liquidation threshold curve.
type LiqPriceFormula func(openPrice uint64, long bool, collateral, leverage, borrowingFee uint64) uint64

// LiqThresholdPercent is the fraction of collateral that may be consumed by
// losses plus fees before liquidation (reference formula).
const LiqThresholdPercent = 90

// LiquidationPrice is the reference formula:
//
//	distance = openPrice * (collateral * 90% - fee) / collateral / leverage
//	long:  openPrice - distance
//	short: openPrice + distance
//
// distance goes negative once fees exceed the threshold, which moves the
// liquidation price past the open price. Floors at zero.
func LiquidationPrice(openPrice uint64, long bool, collateral, leverage, borrowingFee uint64) uint64 {
	if collateral == 0 || leverage == 0 {
		return 0
	}

	threshold := new(big.Int).SetUint64(collateral)
	threshold.Mul(threshold, big.NewInt(LiqThresholdPercent))
	threshold.Quo(threshold, big.NewInt(100))
	threshold.Sub(threshold, new(big.Int).SetUint64(borrowingFee))

	distance := new(big.Int).SetUint64(openPrice)
	distance.Mul(distance, threshold)
	distance.Quo(distance, new(big.Int).SetUint64(collateral))
	distance.Quo(distance, new(big.Int).SetUint64(leverage))

	price := new(big.Int).SetUint64(openPrice)
	if long {
		price.Sub(price, distance)
	} else {
		price.Add(price, distance)
	}

	if price.Sign() < 0 {
		return 0
	}
	if !price.IsUint64() {
		return ^uint64(0)
	}
	return price.Uint64()
}
