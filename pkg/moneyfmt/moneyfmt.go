// Package moneyfmt formats decimal.Decimal monetary values for logs, alerts,
// and bus event payloads.
package moneyfmt

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Money formats amount to exactly 2 decimal places with a currency suffix,
// e.g. "1234.50 USDT".
func Money(amount decimal.Decimal, currency string) string {
	return fmt.Sprintf("%s %s", amount.StringFixed(2), currency)
}

// Signed formats amount with an explicit "+" for non-negative values, the
// convention used for PnL display.
func Signed(amount decimal.Decimal) string {
	if amount.IsNegative() {
		return amount.StringFixed(2)
	}
	return "+" + amount.StringFixed(2)
}

// Percent renders a fraction (0.1 == 10%) as a percentage string with two
// decimal places, e.g. "10.00%".
func Percent(fraction decimal.Decimal) string {
	return fraction.Mul(decimal.NewFromInt(100)).StringFixed(2) + "%"
}

// BasisPoints renders a fraction as basis points, e.g. 0.0025 -> "25 bps".
func BasisPoints(fraction decimal.Decimal) string {
	bps := fraction.Mul(decimal.NewFromInt(10000)).StringFixed(0)
	return bps + " bps"
}
