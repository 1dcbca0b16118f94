// Package core provides the debt tracking domain model and the snapshot
// replay engine that derives running balances from monthly payment history.
package core

import (
	"math"
	"strconv"
	"strings"
)

// ParseAmount converts a user-entered decimal string to a float64 amount.
//
// It accepts both dot (12.34) and comma (12,34) decimal separators and an
// optional leading sign. Returns ErrInvalidAmount for anything that is not a
// finite decimal number.
func ParseAmount(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, ErrInvalidAmount
	}
	// Normalize decimal comma to dot
	s = strings.ReplaceAll(s, ",", ".")
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, ErrInvalidAmount
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, ErrInvalidAmount
	}
	return v, nil
}

// ApproxEqual reports whether a and b differ by less than Epsilon.
func ApproxEqual(a, b float64) bool {
	return math.Abs(a-b) < Epsilon
}

// Round2 rounds an amount to two decimal places, half away from zero.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}
