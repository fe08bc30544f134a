package solvency

import (
	"github.com/shopspring/decimal"

	"github.com/dorkfi/risk-engine/internal/model"
)

// Health derives health factor, LTV and liquidation margin from agg.
//
//	no debt, collateral      → DisplayCap
//	debt, no collateral      → 0
//	neither                  → DisplayCap, NoPosition set
//	otherwise                → min(DisplayCap, weightedCollateral / totalDebt)
//
// HealthFactorRaw carries the uncapped ratio. For accounts without debt it
// equals DisplayCap, since there is nothing to rank.
func (e *Engine) Health(agg model.AggregateResult) model.HealthMetrics {
	var m model.HealthMetrics

	collateral := agg.TotalCollateralUSD
	debt := agg.TotalDebtUSD

	switch {
	case debt.IsZero() && collateral.IsZero():
		m.HealthFactor = e.p.DisplayCap
		m.HealthFactorRaw = e.p.DisplayCap
		m.NoPosition = true
	case debt.IsZero():
		m.HealthFactor = e.p.DisplayCap
		m.HealthFactorRaw = e.p.DisplayCap
	case collateral.IsZero():
		m.HealthFactor = decimal.Zero
		m.HealthFactorRaw = decimal.Zero
	default:
		m.HealthFactorRaw = agg.WeightedCollateralUSD.Div(debt)
		m.HealthFactor = decimal.Min(e.p.DisplayCap, m.HealthFactorRaw)
	}

	m.LTV = decimal.Zero
	if collateral.IsPositive() {
		m.LTV = debt.Div(collateral)
	}

	margin := agg.WeightedLiquidationThreshold.Mul(hundred).Sub(m.LTV.Mul(hundred))
	m.LiquidationMarginPct = maxZero(margin)

	return m
}
