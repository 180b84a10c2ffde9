package math

import (
	stdmath "math"
	"math/big"
	"sync"
)

// DecimalConfig defines fixed-point precision
type DecimalConfig struct {
	DecimalPrecision int    // Number of decimal places
	Scale            uint64 // 10^DecimalPrecision
}

var (
	// Standard configs
	PrecisionConfig  = DecimalConfig{DecimalPrecision: 10, Scale: 10_000_000_000} // internal accumulator/OI/price precision
	CollateralConfig = DecimalConfig{DecimalPrecision: 6, Scale: 1_000_000}       // 0.000001 (stablecoin collateral)
)

// MaxStoredOi is the storage bound for a single open-interest counter.
// Leaves headroom so oiLong + oiShort always fits a uint64; adjustments
// that would exceed the bound must be rejected by the caller.
const MaxStoredOi uint64 = 1 << 62

// Int128 is a pooled big.Int for intermediate calculations
var int128Pool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getInt128() *big.Int {
	return int128Pool.Get().(*big.Int)
}

func putInt128(v *big.Int) {
	v.SetInt64(0) // Clear before returning to pool
	int128Pool.Put(v)
}

// MulDivU64 computes a * b / denom using int128 intermediates, rounding down.
// The result saturates at MaxUint64 rather than wrapping.
func MulDivU64(a, b, denom uint64) uint64 {
	if denom == 0 {
		return 0
	}

	num := getInt128()
	tmp := getInt128()
	num.SetUint64(a)
	tmp.SetUint64(b)
	num.Mul(num, tmp)
	tmp.SetUint64(denom)
	num.Quo(num, tmp)

	result := uint64(stdmath.MaxUint64)
	if num.IsUint64() {
		result = num.Uint64()
	}

	putInt128(num)
	putInt128(tmp)

	return result
}

// AddCheckedU64 returns a + b, reporting false on uint64 overflow or when the
// sum exceeds bound.
func AddCheckedU64(a, b, bound uint64) (uint64, bool) {
	sum := a + b
	if sum < a || sum > bound {
		return 0, false
	}
	return sum, true
}

// SubSaturatingU64 returns a - b, clamping at zero instead of underflowing.
// Rounding drift between open and close adjustments must never produce a
// negative counter.
func SubSaturatingU64(a, b uint64) uint64 {
	if b >= a {
		return 0
	}
	return a - b
}

// AddSaturatingU64 returns a + b, clamping at MaxUint64.
func AddSaturatingU64(a, b uint64) uint64 {
	sum := a + b
	if sum < a {
		return stdmath.MaxUint64
	}
	return sum
}

// Rescale converts v between two fixed-point scales, rounding down.
func Rescale(v uint64, from, to DecimalConfig) uint64 {
	if from.Scale == to.Scale {
		return v
	}
	return MulDivU64(v, to.Scale, from.Scale)
}
