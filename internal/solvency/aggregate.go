package solvency

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/dorkfi/risk-engine/internal/model"
)

// Aggregate reduces ps into USD totals:
//
//	totalCollateralUSD           = Σ amount*price            (collateral, amount > 0)
//	weightedCollateralUSD        = Σ amount*price*CF         (same set)
//	totalDebtUSD                 = Σ amount*price            (debt)
//	weightedLiquidationThreshold = Σ value*LT / totalCollateralUSD
//
// The threshold falls back to DefaultLiquidationThreshold when there is no
// collateral. Aggregate is total over valid input, including the empty set.
func (e *Engine) Aggregate(ps model.PositionSet) (model.AggregateResult, error) {
	var total, weighted, thresholdSum, debt decimal.Decimal

	for _, p := range ps.Collateral() {
		if err := validatePosition("collateral", p); err != nil {
			return model.AggregateResult{}, err
		}
		if !p.Amount.IsPositive() {
			continue
		}
		v := p.ValueUSD()
		total = total.Add(v)
		weighted = weighted.Add(v.Mul(p.CollateralFactor))
		thresholdSum = thresholdSum.Add(v.Mul(p.LiquidationThreshold))
	}

	for _, p := range ps.Debt() {
		if err := validatePosition("debt", p); err != nil {
			return model.AggregateResult{}, err
		}
		debt = debt.Add(p.ValueUSD())
	}

	invariant(!total.IsNegative(), "total collateral %s is negative", total)
	invariant(!debt.IsNegative(), "total debt %s is negative", debt)
	invariant(weighted.LessThanOrEqual(total),
		"weighted collateral %s exceeds total collateral %s", weighted, total)

	threshold := e.p.DefaultLiquidationThreshold
	if total.IsPositive() {
		threshold = thresholdSum.Div(total)
	}

	return model.AggregateResult{
		TotalCollateralUSD:           total,
		WeightedCollateralUSD:        weighted,
		TotalDebtUSD:                 debt,
		WeightedLiquidationThreshold: threshold,
	}, nil
}

// validatePosition rejects negative amounts and prices, out-of-range
// fractions, and a held position without a price.
func validatePosition(side string, p model.Position) error {
	if p.MarketID == "" {
		return degenerate("%s position without market id", side)
	}
	if p.Amount.IsNegative() {
		return degenerate("%s amount %s in %s is negative", side, p.Amount, p.MarketID)
	}
	if p.PriceUSD.IsNegative() {
		return degenerate("%s price %s in %s is negative", side, p.PriceUSD, p.MarketID)
	}
	if p.Amount.IsPositive() && p.PriceUSD.IsZero() {
		return fmt.Errorf("%w: no price for %s market %s", ErrMissingMarketData, side, p.MarketID)
	}
	if !isFraction(p.CollateralFactor) {
		return degenerate("collateral factor %s in %s not in [0,1]", p.CollateralFactor, p.MarketID)
	}
	if !isFraction(p.LiquidationThreshold) {
		return degenerate("liquidation threshold %s in %s not in [0,1]", p.LiquidationThreshold, p.MarketID)
	}
	return nil
}

// ValidateMarket checks that m carries usable price and liquidity data.
func ValidateMarket(m model.MarketState) error {
	if m.MarketID == "" {
		return fmt.Errorf("%w: market without id", ErrMissingMarketData)
	}
	if !m.PriceUSD.IsPositive() {
		if m.PriceUSD.IsNegative() {
			return degenerate("price %s in %s is negative", m.PriceUSD, m.MarketID)
		}
		return fmt.Errorf("%w: no price for market %s", ErrMissingMarketData, m.MarketID)
	}
	if m.TotalDeposits.IsNegative() || m.TotalBorrows.IsNegative() {
		return degenerate("negative totals in %s (deposits %s, borrows %s)",
			m.MarketID, m.TotalDeposits, m.TotalBorrows)
	}
	if !isFraction(m.CollateralFactor) {
		return degenerate("collateral factor %s in %s not in [0,1]", m.CollateralFactor, m.MarketID)
	}
	if !isFraction(m.LiquidationThreshold) {
		return degenerate("liquidation threshold %s in %s not in [0,1]", m.LiquidationThreshold, m.MarketID)
	}
	return nil
}
