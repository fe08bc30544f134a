package solvency

import (
	"fmt"

	"github.com/dorkfi/risk-engine/internal/model"
)

// ProjectSet applies deltas in order to a copy of ps and returns the copy.
// ps itself is never modified.
//
// Deposits and borrows into a market the account does not hold need
// Delta.Market to describe the new position. Withdrawing more than the
// deposited balance fails with ErrInsufficientCollateral; repaying more than
// the outstanding debt clears it.
func (e *Engine) ProjectSet(ps model.PositionSet, deltas ...model.Delta) (model.PositionSet, error) {
	collateral := ps.Collateral()
	debt := ps.Debt()

	for _, d := range deltas {
		if d.MarketID == "" {
			return model.PositionSet{}, degenerate("%s delta without market id", d.Kind)
		}
		if d.Amount.IsNegative() {
			return model.PositionSet{}, degenerate("%s amount %s is negative", d.Kind, d.Amount)
		}

		var err error
		switch d.Kind {
		case model.DeltaDeposit:
			collateral, err = addTo(collateral, d)
		case model.DeltaBorrow:
			debt, err = addTo(debt, d)
		case model.DeltaWithdraw:
			i := indexOf(collateral, d.MarketID)
			if i < 0 || collateral[i].Amount.LessThan(d.Amount) {
				held := "0"
				if i >= 0 {
					held = collateral[i].Amount.String()
				}
				return model.PositionSet{}, fmt.Errorf("%w: withdraw %s from %s, balance %s",
					ErrInsufficientCollateral, d.Amount, d.MarketID, held)
			}
			collateral[i].Amount = collateral[i].Amount.Sub(d.Amount)
		case model.DeltaRepay:
			i := indexOf(debt, d.MarketID)
			if i < 0 || !debt[i].Amount.IsPositive() {
				return model.PositionSet{}, degenerate("repay in %s without outstanding debt", d.MarketID)
			}
			debt[i].Amount = maxZero(debt[i].Amount.Sub(d.Amount))
		default:
			return model.PositionSet{}, degenerate("unknown delta kind %q", d.Kind)
		}
		if err != nil {
			return model.PositionSet{}, err
		}
	}

	return model.NewPositionSet(ps.AccountID(), collateral, debt), nil
}

// Project returns the health metrics ps would have after deltas. Calling it
// twice with the same arguments yields identical output.
func (e *Engine) Project(ps model.PositionSet, deltas ...model.Delta) (model.HealthMetrics, error) {
	projected, err := e.ProjectSet(ps, deltas...)
	if err != nil {
		return model.HealthMetrics{}, err
	}
	_, m, err := e.Evaluate(projected)
	return m, err
}

// Preview applies deltas the way execution would. Each delta naming a market
// in markets carries that market's state, and every borrow must pass
// CheckBorrow against the set as projected by the deltas before it. It
// returns the final projected set.
func (e *Engine) Preview(ps model.PositionSet, markets map[string]model.MarketState, deltas ...model.Delta) (model.PositionSet, error) {
	projected := ps
	for _, d := range deltas {
		if m, ok := markets[d.MarketID]; ok {
			d.Market = &m
		}
		if d.Kind == model.DeltaBorrow {
			if d.Market == nil {
				return model.PositionSet{}, fmt.Errorf("%w: borrow from unknown market %s",
					ErrMissingMarketData, d.MarketID)
			}
			agg, err := e.Aggregate(projected)
			if err != nil {
				return model.PositionSet{}, err
			}
			if err := e.CheckBorrow(agg, *d.Market, d.Amount); err != nil {
				return model.PositionSet{}, err
			}
		}

		var err error
		projected, err = e.ProjectSet(projected, d)
		if err != nil {
			return model.PositionSet{}, err
		}
	}
	return projected, nil
}

func addTo(ps []model.Position, d model.Delta) ([]model.Position, error) {
	if i := indexOf(ps, d.MarketID); i >= 0 {
		ps[i].Amount = ps[i].Amount.Add(d.Amount)
		return ps, nil
	}
	if d.Market == nil {
		return nil, fmt.Errorf("%w: %s opens a position in %s without market state",
			ErrMissingMarketData, d.Kind, d.MarketID)
	}
	if d.Market.MarketID != d.MarketID {
		return nil, degenerate("%s delta for %s carries market state for %s", d.Kind, d.MarketID, d.Market.MarketID)
	}
	if err := ValidateMarket(*d.Market); err != nil {
		return nil, err
	}
	return append(ps, model.Position{
		MarketID:             d.Market.MarketID,
		Symbol:               d.Market.Symbol,
		Amount:               d.Amount,
		PriceUSD:             d.Market.PriceUSD,
		CollateralFactor:     d.Market.CollateralFactor,
		LiquidationThreshold: d.Market.LiquidationThreshold,
	}), nil
}

func indexOf(ps []model.Position, marketID string) int {
	for i, p := range ps {
		if p.MarketID == marketID {
			return i
		}
	}
	return -1
}
