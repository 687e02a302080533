package btcunit

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/shopspring/decimal"
)

// coinDecimals is the number of decimal places of one whole coin.
const coinDecimals = 8

var (
	// ErrAmountPrecision is returned when an amount string carries more
	// decimal places than a satoshi can represent.
	ErrAmountPrecision = errors.New("amount has more than 8 decimal places")

	// ErrAmountRange is returned when an amount is negative or larger
	// than the maximum money supply.
	ErrAmountRange = errors.New("amount out of range")
)

// ParseAmount parses a decimal coin amount such as "1.5" or "0.00001" into
// satoshis. Parsing is exact, no float rounding is involved.
func ParseAmount(s string) (btcutil.Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", s, err)
	}

	sats := d.Shift(coinDecimals)
	if !sats.Equal(sats.Truncate(0)) {
		return 0, fmt.Errorf("%w: %s", ErrAmountPrecision, s)
	}

	if sats.IsNegative() ||
		sats.GreaterThan(decimal.NewFromInt(btcutil.MaxSatoshi)) {

		return 0, fmt.Errorf("%w: %s", ErrAmountRange, s)
	}

	return btcutil.Amount(sats.IntPart()), nil
}

// AmountFromCoins converts a floating point coin value as returned in JSON-RPC
// results into satoshis. The value is first rendered through its shortest
// decimal representation so that values like 0.1 map to exactly 10000000
// satoshis.
func AmountFromCoins(f float64) (btcutil.Amount, error) {
	d := decimal.NewFromFloat(f).Shift(coinDecimals).Round(0)
	if d.IsNegative() ||
		d.GreaterThan(decimal.NewFromInt(btcutil.MaxSatoshi)) {

		return 0, fmt.Errorf("%w: %v", ErrAmountRange, f)
	}

	return btcutil.Amount(d.IntPart()), nil
}

// FormatAmount renders an amount as a fixed eight decimal coin string, e.g.
// "1.50000000".
func FormatAmount(a btcutil.Amount) string {
	return decimal.New(int64(a), -coinDecimals).StringFixed(coinDecimals)
}
