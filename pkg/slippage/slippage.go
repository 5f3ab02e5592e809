// Package slippage computes minimum-output floors for bounded-tolerance
// transfers. The arithmetic is exact integer arithmetic: the floor is never
// rounded up, so the guard never promises more than can be delivered.
package slippage

import (
	"errors"
	"fmt"
)

const (
	// BipsDenominator is the number of basis points in 100%.
	BipsDenominator = 10_000

	// MaxToleranceBips caps tolerance at 5%.
	MaxToleranceBips = 500

	// DefaultToleranceBips is applied when a request carries no explicit
	// tolerance.
	DefaultToleranceBips = 50
)

var (
	// ErrAmountNotPositive is returned when the expected amount is zero or
	// negative.
	ErrAmountNotPositive = errors.New("slippage: expected amount must be positive")

	// ErrToleranceNegative is returned for negative tolerance values.
	ErrToleranceNegative = errors.New("slippage: tolerance must be non-negative")
)

// ToleranceError reports a tolerance above the allowed maximum.
type ToleranceError struct {
	Bips int64
}

func (e *ToleranceError) Error() string {
	return fmt.Sprintf("slippage: tolerance %d bips exceeds maximum %d", e.Bips, MaxToleranceBips)
}

// MinAmountOut converts an expected output amount and a tolerance in basis
// points into the minimum acceptable output:
//
//	floor = expected * (10000 - bips) / 10000
//
// using truncating division. The remainder is dropped, never rounded up.
func MinAmountOut(expected int64, toleranceBips int64) (uint64, error) {
	if expected <= 0 {
		return 0, ErrAmountNotPositive
	}
	if toleranceBips < 0 {
		return 0, ErrToleranceNegative
	}
	if toleranceBips > MaxToleranceBips {
		return 0, &ToleranceError{Bips: toleranceBips}
	}

	// Split the multiplication so amounts near the int64 ceiling cannot
	// overflow: expected*(d-b)/d == q*(d-b) + r*(d-b)/d for expected = q*d+r.
	keep := BipsDenominator - toleranceBips
	q, r := expected/BipsDenominator, expected%BipsDenominator
	floor := q*keep + r*keep/BipsDenominator
	return uint64(floor), nil
}
