package domain

import (
	"github.com/shopspring/decimal"
)

// Amounts and balances are fixed-point decimals carried as strings on the
// wire. shopspring/decimal already marshals to a quoted string and accepts
// either form on unmarshal, so models embed decimal.Decimal directly; the
// helpers here are small sum and sign checks over them.

// Zero is the zero amount.
func Zero() decimal.Decimal {
	return decimal.Zero
}

// SumAmounts returns the sum of the given amounts.
func SumAmounts(amounts []decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, a := range amounts {
		total = total.Add(a)
	}
	return total
}

// IsNegative reports whether a is strictly below zero.
func IsNegative(a decimal.Decimal) bool {
	return a.Sign() < 0
}

// IsPositive reports whether a is strictly above zero.
func IsPositive(a decimal.Decimal) bool {
	return a.Sign() > 0
}
