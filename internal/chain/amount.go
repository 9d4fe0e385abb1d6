package chain

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var ErrInvalidAmount = errors.New("invalid amount")

// ParseAmount parses a positive integer amount in the minimal denom.
func ParseAmount(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	if !d.IsInteger() || !d.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: %q must be a positive integer", ErrInvalidAmount, s)
	}
	return d, nil
}

// FormatAmount renders a raw integer amount with the given number of decimals,
// e.g. FormatAmount("1500000", 6) == "1.500000". Unparseable input renders as zero.
func FormatAmount(raw string, decimals int32) string {
	d, err := decimal.NewFromString(raw)
	if err != nil {
		d = decimal.Zero
	}
	return d.Shift(-decimals).StringFixed(decimals)
}
