package solvency

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/dorkfi/risk-engine/internal/model"
)

// TierTable holds the upper (inclusive) health-factor bound of each risk
// tier. Everything above Moderate is safe.
type TierTable struct {
	Liquidatable decimal.Decimal
	Danger       decimal.Decimal
	Moderate     decimal.Decimal
}

// DefaultTiers is the canonical table: ≤1.0 liquidatable, (1.0,1.1] danger,
// (1.1,1.5] moderate, >1.5 safe.
func DefaultTiers() TierTable {
	return TierTable{
		Liquidatable: decimal.NewFromInt(1),
		Danger:       decimal.RequireFromString("1.1"),
		Moderate:     decimal.RequireFromString("1.5"),
	}
}

// Validate requires strictly ascending, positive bounds.
func (t TierTable) Validate() error {
	if !t.Liquidatable.IsPositive() ||
		!t.Danger.GreaterThan(t.Liquidatable) ||
		!t.Moderate.GreaterThan(t.Danger) {
		return fmt.Errorf("%w: tier bounds must ascend (got %s, %s, %s)",
			ErrInvalidParams, t.Liquidatable, t.Danger, t.Moderate)
	}
	return nil
}

// Classify maps a health factor onto a tier.
func (t TierTable) Classify(hf decimal.Decimal) model.RiskTier {
	switch {
	case hf.LessThanOrEqual(t.Liquidatable):
		return model.TierLiquidatable
	case hf.LessThanOrEqual(t.Danger):
		return model.TierDanger
	case hf.LessThanOrEqual(t.Moderate):
		return model.TierModerate
	default:
		return model.TierSafe
	}
}

// Classify returns the account's risk tier. Every tier in the engine is
// computed here.
func (e *Engine) Classify(m model.HealthMetrics) model.RiskTier {
	return e.p.Tiers.Classify(m.HealthFactor)
}
