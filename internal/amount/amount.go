// Package amount parses and formats monetary amounts carried by proposals
// and arbitration decisions.
//
// Amounts travel as decimal strings ("30.00") and are compared as big.Int in
// minor units (1.00 = 100 units). The engine never moves money, so there is
// no currency field: amounts are in the order's currency.
package amount

import (
	"math/big"
	"strings"
)

// Decimals is the number of fraction digits kept.
const Decimals = 2

// maxUnits bounds amounts to what NUMERIC(14,2) can store.
var maxUnits, _ = new(big.Int).SetString("99999999999999", 10)

// Parse converts a decimal string (e.g. "30.5") to minor units (3050).
// Returns (nil, false) on invalid input.
//
// Rules:
//   - Empty strings, signs and whitespace are rejected
//   - At most one decimal point, with digits on at least one side
//   - More than two fraction digits are rejected, not truncated
func Parse(s string) (*big.Int, bool) {
	if s == "" {
		return nil, false
	}

	whole, frac, hasDot := strings.Cut(s, ".")
	if strings.Contains(frac, ".") {
		return nil, false
	}
	if whole == "" && frac == "" {
		return nil, false
	}
	if hasDot && frac == "" {
		return nil, false
	}
	if len(frac) > Decimals {
		return nil, false
	}
	if !digits(whole) || !digits(frac) {
		return nil, false
	}

	for len(frac) < Decimals {
		frac += "0"
	}

	result, ok := new(big.Int).SetString(whole+frac, 10)
	if !ok || result.Cmp(maxUnits) > 0 {
		return nil, false
	}
	return result, true
}

// Format converts minor units to a decimal string with exactly two fraction
// digits (e.g. "30.00").
func Format(units *big.Int) string {
	if units == nil {
		return "0.00"
	}
	neg := units.Sign() < 0
	s := new(big.Int).Abs(units).String()
	for len(s) < Decimals+1 {
		s = "0" + s
	}
	point := len(s) - Decimals
	result := s[:point] + "." + s[point:]
	if neg {
		result = "-" + result
	}
	return result
}

// Normalize parses s and returns its canonical two-digit form.
func Normalize(s string) (string, bool) {
	v, ok := Parse(s)
	if !ok {
		return "", false
	}
	return Format(v), true
}

// IsPositive reports whether s parses to a strictly positive amount.
func IsPositive(s string) bool {
	v, ok := Parse(s)
	return ok && v.Sign() > 0
}

// IsZero reports whether s parses to zero.
func IsZero(s string) bool {
	v, ok := Parse(s)
	return ok && v.Sign() == 0
}

func digits(s string) bool {
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
