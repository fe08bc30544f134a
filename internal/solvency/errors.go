package solvency

import (
	"errors"
	"fmt"
)

// Domain errors. They are returned, never panicked, and are matched with
// errors.Is after wrapping.
var (
	// ErrMissingMarketData is returned when a referenced market has no price
	// or liquidity data. A missing price is never defaulted.
	ErrMissingMarketData = errors.New("solvency: missing market data")

	// ErrInsufficientLiquidity is returned when a requested borrow exceeds the
	// market's available liquidity. The caller may retry with less.
	ErrInsufficientLiquidity = errors.New("solvency: insufficient market liquidity")

	// ErrInsufficientCollateral is returned when a withdrawal, borrow or
	// liquidation needs more collateral than the account holds.
	ErrInsufficientCollateral = errors.New("solvency: insufficient collateral")

	// ErrDegenerateInput is returned for negative amounts, out-of-range
	// fractions and similar upstream data bugs.
	ErrDegenerateInput = errors.New("solvency: degenerate input")

	// ErrInvalidParams is returned by NewEngine for an inconsistent
	// parameter set.
	ErrInvalidParams = errors.New("solvency: invalid engine parameters")
)

// InvariantViolation is the panic value used when an internal invariant
// breaks (for example a negative aggregated total). It signals a programming
// error and is deliberately not an error value callers branch on.
type InvariantViolation struct {
	Msg string
}

func (v InvariantViolation) Error() string {
	return "solvency: invariant violated: " + v.Msg
}

func invariant(ok bool, format string, args ...any) {
	if !ok {
		panic(InvariantViolation{Msg: fmt.Sprintf(format, args...)})
	}
}

func degenerate(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrDegenerateInput, fmt.Sprintf(format, args...))
}
