// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package btcunit provides a set of types for dealing with coin amounts, fee
// rates and transaction sizes.
package btcunit

import (
	"log/slog"
	"math"
	"math/big"

	"github.com/btcsuite/btcd/btcutil"
)

const (
	// kilo is a generic multiplier for kilo units.
	kilo = 1000

	// floatStringPrecision is the number of decimal places to use when
	// converting a fee rate to a string. Three places keep rates such as
	// 1 sat/kvb (0.001 sat/vb) from being rounded to zero.
	floatStringPrecision = 3
)

var (
	// ZeroSatPerVByte is a fee rate of 0 sat/vb.
	ZeroSatPerVByte = NewSatPerVByte(0)

	// ZeroSatPerKVByte is a fee rate of 0 sat/kvb.
	ZeroSatPerKVByte = NewSatPerKVByte(0)
)

// baseFeeRate stores the canonical representation of a fee rate, which is
// satoshis per kilo-vbyte expressed as an exact rational so that conversions
// between units never lose precision.
type baseFeeRate struct {
	satsPerKVB *big.Rat
}

// newBaseFeeRate creates a new baseFeeRate with the given numerator and
// denominator. A zero denominator yields a zero fee rate.
func newBaseFeeRate(numerator btcutil.Amount, denominator uint64) baseFeeRate {
	if denominator == 0 {
		return baseFeeRate{satsPerKVB: big.NewRat(0, 1)}
	}

	return baseFeeRate{satsPerKVB: big.NewRat(
		int64(numerator), safeUint64ToInt64(denominator),
	)}
}

// ToSatPerVByte converts the fee rate to sat/vb.
func (f baseFeeRate) ToSatPerVByte() SatPerVByte {
	return SatPerVByte{f}
}

// ToSatPerKVByte converts the fee rate to sat/kvb.
func (f baseFeeRate) ToSatPerKVByte() SatPerKVByte {
	return SatPerKVByte{f}
}

// FeeForVByte calculates the fee resulting from this fee rate and the given
// size in vbytes. The result is rounded down to the nearest satoshi.
func (f baseFeeRate) FeeForVByte(vb VByte) btcutil.Amount {
	fee := big.NewRat(0, 1)
	fee.Mul(f.satsPerKVB, big.NewRat(safeUint64ToInt64(vb.vbytes), kilo))

	quotient := big.NewInt(0)
	quotient.Div(fee.Num(), fee.Denom())

	return btcutil.Amount(quotient.Int64())
}

// FeeForVByteRoundUp calculates the fee resulting from this fee rate and the
// given size in vbytes, rounding any fractional satoshi up.
func (f baseFeeRate) FeeForVByteRoundUp(vb VByte) btcutil.Amount {
	fee := big.NewRat(0, 1)
	fee.Mul(f.satsPerKVB, big.NewRat(safeUint64ToInt64(vb.vbytes), kilo))

	// Ceiling division: (numerator + denominator - 1) / denominator.
	numerator, denominator := fee.Num(), fee.Denom()

	result := big.NewInt(0)
	result.Add(numerator, denominator)
	result.Sub(result, big.NewInt(1))
	result.Div(result, denominator)

	return btcutil.Amount(result.Int64())
}

// SatsPerKVB returns the fee rate as whole satoshis per kilo-vbyte, rounded
// down. This is the unit expected by the txrules helpers.
func (f baseFeeRate) SatsPerKVB() btcutil.Amount {
	quotient := big.NewInt(0)
	quotient.Div(f.satsPerKVB.Num(), f.satsPerKVB.Denom())

	return btcutil.Amount(quotient.Int64())
}

// IsZero returns true for a zero fee rate, including the zero value of the
// fee rate types.
func (f baseFeeRate) IsZero() bool {
	return f.satsPerKVB == nil || f.satsPerKVB.Sign() == 0
}

// cmp compares two fee rates.
func (f baseFeeRate) cmp(other baseFeeRate) int {
	return f.satsPerKVB.Cmp(other.satsPerKVB)
}

// SatPerVByte represents a fee rate in sat/vbyte.
type SatPerVByte struct {
	baseFeeRate
}

// NewSatPerVByte creates a new fee rate in sat/vb.
func NewSatPerVByte(rate btcutil.Amount) SatPerVByte {
	return CalcSatPerVByte(rate, NewVByte(1))
}

// CalcSatPerVByte calculates the fee rate in sat/vb for a given fee and size.
func CalcSatPerVByte(fee btcutil.Amount, vb VByte) SatPerVByte {
	return SatPerVByte{newBaseFeeRate(fee*kilo, vb.vbytes)}
}

// String returns a human-readable string of the fee rate.
func (s SatPerVByte) String() string {
	perVB := big.NewRat(0, 1)
	perVB.Mul(s.satsPerKVB, big.NewRat(1, kilo))

	return perVB.FloatString(floatStringPrecision) + " sat/vb"
}

// Equal returns true if the fee rate is equal to the other fee rate.
func (s SatPerVByte) Equal(other SatPerVByte) bool {
	return s.cmp(other.baseFeeRate) == 0
}

// SatPerKVByte represents a fee rate in sat/kvb, the unit used by the
// daemon's paytxfee and relay fee settings.
type SatPerKVByte struct {
	baseFeeRate
}

// NewSatPerKVByte creates a new fee rate in sat/kvb.
func NewSatPerKVByte(rate btcutil.Amount) SatPerKVByte {
	return SatPerKVByte{newBaseFeeRate(rate, 1)}
}

// CalcSatPerKVByte calculates the fee rate in sat/kvb for a given fee and
// size.
func CalcSatPerKVByte(fee btcutil.Amount, vb VByte) SatPerKVByte {
	return SatPerKVByte{newBaseFeeRate(fee*kilo, vb.vbytes)}
}

// String returns a human-readable string of the fee rate.
func (s SatPerKVByte) String() string {
	return s.satsPerKVB.FloatString(floatStringPrecision) + " sat/kvb"
}

// Equal returns true if the fee rate is equal to the other fee rate.
func (s SatPerKVByte) Equal(other SatPerKVByte) bool {
	return s.cmp(other.baseFeeRate) == 0
}

// GreaterThan returns true if the fee rate is greater than the other fee rate.
func (s SatPerKVByte) GreaterThan(other SatPerKVByte) bool {
	return s.cmp(other.baseFeeRate) > 0
}

// LessThanOrEqual returns true if the fee rate is less than or equal to the
// other fee rate.
func (s SatPerKVByte) LessThanOrEqual(other SatPerKVByte) bool {
	return s.cmp(other.baseFeeRate) <= 0
}

// safeUint64ToInt64 converts a uint64 to an int64, capping at math.MaxInt64.
// The values converted here are transaction sizes, which consensus limits
// keep far below the cap.
func safeUint64ToInt64(u uint64) int64 {
	if u > math.MaxInt64 {
		slog.Warn("Capping uint64 value to math.MaxInt64",
			slog.Uint64("old", u), slog.Int64("new", math.MaxInt64))

		return math.MaxInt64
	}

	return int64(u)
}
