package solvency

import (
	"fmt"
	"sort"

	"github.com/dorkfi/risk-engine/internal/model"
)

// Rank scores each debt position of ps by its marginal contribution to
// liquidation risk:
//
//	riskScore = (positionValueUSD / totalCollateralUSD) * (1 / healthFactorRaw)
//
// The uncapped health factor is used so that two already-unsafe accounts keep
// their relative order. Debt held against no collateral is marked
// Uncollateralized, scored by its value, and sorts ahead of every finite score.
func (e *Engine) Rank(ps model.PositionSet, m model.HealthMetrics) ([]model.RankedDebtPosition, error) {
	agg, err := e.Aggregate(ps)
	if err != nil {
		return nil, err
	}
	out := e.rank(ps, agg, m)
	sortRanked(out)
	return out, nil
}

// RankAccounts evaluates and ranks the debt of every account into a single
// list ordered the same way as Rank.
func (e *Engine) RankAccounts(accounts []model.AccountSnapshot) ([]model.RankedDebtPosition, error) {
	var out []model.RankedDebtPosition
	for _, a := range accounts {
		agg, m, err := e.Evaluate(a.Positions)
		if err != nil {
			return nil, fmt.Errorf("account %s: %w", a.AccountID, err)
		}
		out = append(out, e.rank(a.Positions, agg, m)...)
	}
	sortRanked(out)
	return out, nil
}

func (e *Engine) rank(ps model.PositionSet, agg model.AggregateResult, m model.HealthMetrics) []model.RankedDebtPosition {
	tier := e.Classify(m)
	uncollateralized := agg.TotalCollateralUSD.IsZero() || m.HealthFactorRaw.IsZero()

	var out []model.RankedDebtPosition
	for _, p := range ps.Debt() {
		if !p.Amount.IsPositive() {
			continue
		}
		value := p.ValueUSD()
		r := model.RankedDebtPosition{
			AccountID:        ps.AccountID(),
			MarketID:         p.MarketID,
			Symbol:           p.Symbol,
			PositionValueUSD: value,
			HealthFactorRaw:  m.HealthFactorRaw,
			Uncollateralized: uncollateralized,
			Tier:             tier,
		}
		if uncollateralized {
			r.RiskScore = value
		} else {
			r.RiskScore = value.Div(agg.TotalCollateralUSD).Div(m.HealthFactorRaw)
		}
		out = append(out, r)
	}
	return out
}

// sortRanked orders by uncollateralized first, then risk score and position
// value descending, then market and account id ascending.
func sortRanked(rs []model.RankedDebtPosition) {
	sort.SliceStable(rs, func(i, j int) bool {
		a, b := rs[i], rs[j]
		if a.Uncollateralized != b.Uncollateralized {
			return a.Uncollateralized
		}
		if c := a.RiskScore.Cmp(b.RiskScore); c != 0 {
			return c > 0
		}
		if c := a.PositionValueUSD.Cmp(b.PositionValueUSD); c != 0 {
			return c > 0
		}
		if a.MarketID != b.MarketID {
			return a.MarketID < b.MarketID
		}
		return a.AccountID < b.AccountID
	})
}
