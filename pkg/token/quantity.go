package token

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	ErrEmptyQuantity    = errors.New("quantity is empty")
	ErrNegativeQuantity = errors.New("quantity is negative")
	ErrTooPrecise       = errors.New("quantity is finer than the smallest unit")
)

// ParseQuantity converts user-entered decimal text (whole tokens, e.g. "1.5")
// into the smallest unit. Zero is accepted here; callers that trade reject it.
func ParseQuantity(text string) (*big.Int, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyQuantity
	}

	d, err := decimal.NewFromString(text)
	if err != nil {
		return nil, fmt.Errorf("invalid quantity %q: %w", text, err)
	}
	if d.IsNegative() {
		return nil, ErrNegativeQuantity
	}

	units := d.Shift(Decimals)
	if !units.Equal(units.Truncate(0)) {
		return nil, ErrTooPrecise
	}
	return units.BigInt(), nil
}

// FormatUnits renders a smallest-unit amount as decimal text without trailing zeros.
func FormatUnits(amount *big.Int) string {
	if amount == nil {
		return "0"
	}
	return decimal.NewFromBigInt(amount, -Decimals).String()
}

// FormatPrice mirrors the display rules of the trading UI: zero as "0",
// very small values in scientific notation, everything else with at most 8 decimals.
func FormatPrice(price *big.Int) string {
	if price == nil || price.Sign() == 0 {
		return "0"
	}
	d := decimal.NewFromBigInt(price, -Decimals)
	if d.LessThan(decimal.New(1, -8)) {
		f, _ := d.Float64()
		return fmt.Sprintf("%.2e", f)
	}
	return d.Round(8).String()
}
