// Package money provides decimal amount helpers scaled to a currency's
// minor-unit precision.
package money

import (
	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
)

// DefaultPrecision is used when a currency code cannot be resolved.
const DefaultPrecision int32 = 2

// Precision returns the minor-unit digit count for an ISO 4217 code.
func Precision(code string) int32 {
	unit, err := currency.ParseISO(code)
	if err != nil {
		return DefaultPrecision
	}
	scale, _ := currency.Standard.Rounding(unit)
	return int32(scale)
}

// Round scales an amount to the currency precision using half-up rounding.
func Round(amount decimal.Decimal, code string) decimal.Decimal {
	return amount.Round(Precision(code))
}

// Equal reports whether two amounts are equal at the currency precision.
func Equal(a, b decimal.Decimal, code string) bool {
	p := Precision(code)
	return a.Round(p).Equal(b.Round(p))
}

// Sum adds amounts without intermediate rounding.
func Sum(amounts ...decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, a := range amounts {
		total = total.Add(a)
	}
	return total
}

// IsNegative reports whether the amount is below zero.
func IsNegative(a decimal.Decimal) bool {
	return a.Sign() < 0
}

// IsPositive reports whether the amount is above zero.
func IsPositive(a decimal.Decimal) bool {
	return a.Sign() > 0
}
