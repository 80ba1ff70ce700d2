// Package rounding holds the two rounding policies used across the system.
// Stock quantities round half away from zero; currency amounts round half to even.
// The two must not be mixed.
package rounding

import "github.com/shopspring/decimal"

const places = 2

// Quantity rounds a stock quantity to 2 decimals, half away from zero.
func Quantity(d decimal.Decimal) decimal.Decimal {
	return d.Round(places)
}

// Add returns round(a+b) under the quantity policy.
func Add(a, b decimal.Decimal) decimal.Decimal {
	return Quantity(a.Add(b))
}

// Sub returns round(a-b) under the quantity policy.
func Sub(a, b decimal.Decimal) decimal.Decimal {
	return Quantity(a.Sub(b))
}

// Bank rounds a currency amount to 2 decimals, half to even.
func Bank(d decimal.Decimal) decimal.Decimal {
	return d.RoundBank(places)
}

// BankFloat applies Bank to the shortest decimal representation of x,
// so 10.005 is treated as exactly 10.005 rather than its binary neighbour.
func BankFloat(x float64) float64 {
	f, _ := Bank(decimal.NewFromFloat(x)).Float64()
	return f
}
