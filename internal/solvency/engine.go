// Package solvency implements the solvency and liquidation-risk engine: it
// reduces an account's positions into USD aggregates, derives health factor,
// LTV and liquidation margin, sizes safe borrows and withdrawals, previews
// hypothetical actions, ranks at-risk debt and sizes liquidation trades.
//
// The engine is stateless and deterministic. Every method takes its inputs
// explicitly and returns a new value; nothing is cached or mutated between
// calls. All monetary values are shopspring/decimal.
package solvency

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/dorkfi/risk-engine/internal/model"
)

// AmountScale is the number of decimal places token amounts are rounded down
// to when the engine produces a maximum amount.
const AmountScale int32 = 12

var (
	one     = decimal.NewFromInt(1)
	hundred = decimal.NewFromInt(100)
)

// Params are the protocol-level constants the engine applies.
type Params struct {
	// DisplayCap is the health factor reported for accounts without debt and
	// the ceiling applied to the displayed health factor.
	DisplayCap decimal.Decimal

	// DefaultLiquidationThreshold stands in for the value-weighted threshold
	// when an account has no collateral.
	DefaultLiquidationThreshold decimal.Decimal

	// SafetyBuffer is the fraction (0.001 = 0.1%) shaved off liquidity-bound
	// amounts to absorb price and accrual drift before settlement.
	SafetyBuffer decimal.Decimal

	// CloseFactor is the maximum fraction of a debt one liquidation may repay.
	CloseFactor decimal.Decimal

	// LiquidationBonus is the fraction of the repaid value paid to the
	// liquidator on top, in collateral.
	LiquidationBonus decimal.Decimal

	Tiers TierTable
}

// DefaultParams returns the protocol defaults.
func DefaultParams() Params {
	return Params{
		DisplayCap:                  decimal.NewFromInt(3),
		DefaultLiquidationThreshold: decimal.RequireFromString("0.85"),
		SafetyBuffer:                decimal.RequireFromString("0.001"),
		CloseFactor:                 decimal.RequireFromString("0.5"),
		LiquidationBonus:            decimal.RequireFromString("0.05"),
		Tiers:                       DefaultTiers(),
	}
}

// Validate checks the parameter set for internal consistency.
func (p Params) Validate() error {
	if err := p.Tiers.Validate(); err != nil {
		return err
	}
	if p.DisplayCap.LessThanOrEqual(p.Tiers.Moderate) {
		return fmt.Errorf("%w: display cap %s must exceed the moderate tier bound %s",
			ErrInvalidParams, p.DisplayCap, p.Tiers.Moderate)
	}
	if !isFraction(p.DefaultLiquidationThreshold) {
		return fmt.Errorf("%w: default liquidation threshold %s not in [0,1]",
			ErrInvalidParams, p.DefaultLiquidationThreshold)
	}
	if p.SafetyBuffer.IsNegative() || p.SafetyBuffer.GreaterThanOrEqual(one) {
		return fmt.Errorf("%w: safety buffer %s not in [0,1)", ErrInvalidParams, p.SafetyBuffer)
	}
	if !p.CloseFactor.IsPositive() || p.CloseFactor.GreaterThan(one) {
		return fmt.Errorf("%w: close factor %s not in (0,1]", ErrInvalidParams, p.CloseFactor)
	}
	if !isFraction(p.LiquidationBonus) {
		return fmt.Errorf("%w: liquidation bonus %s not in [0,1]", ErrInvalidParams, p.LiquidationBonus)
	}
	return nil
}

// Engine evaluates account solvency under a fixed parameter set.
// It holds no mutable state and is safe for concurrent use.
type Engine struct {
	p Params
}

// NewEngine creates an engine after validating p.
func NewEngine(p Params) (*Engine, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &Engine{p: p}, nil
}

// Params returns the parameters the engine was built with.
func (e *Engine) Params() Params {
	return e.p
}

// Evaluate aggregates ps and derives its health metrics in one call.
func (e *Engine) Evaluate(ps model.PositionSet) (model.AggregateResult, model.HealthMetrics, error) {
	agg, err := e.Aggregate(ps)
	if err != nil {
		return model.AggregateResult{}, model.HealthMetrics{}, err
	}
	return agg, e.Health(agg), nil
}

func isFraction(v decimal.Decimal) bool {
	return !v.IsNegative() && v.LessThanOrEqual(one)
}

func maxZero(v decimal.Decimal) decimal.Decimal {
	if v.IsNegative() {
		return decimal.Zero
	}
	return v
}
