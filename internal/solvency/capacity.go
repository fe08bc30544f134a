package solvency

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/dorkfi/risk-engine/internal/model"
)

// withdrawVerifySteps bounds how many times MaxWithdraw shaves one unit in the
// last place off its candidate before giving up and returning zero.
const withdrawVerifySteps = 4

// MaxBorrow returns the largest additional amount of market's token the
// account can borrow:
//
//	min(max(0, weightedCollateral - totalDebt) / price, availableLiquidity * (1 - buffer))
//
// rounded down to AmountScale. A market without a price is an error, never a
// silent zero.
func (e *Engine) MaxBorrow(agg model.AggregateResult, market model.MarketState, buffer decimal.Decimal) (decimal.Decimal, error) {
	if err := validateCapacityInputs(agg, market, buffer); err != nil {
		return decimal.Zero, err
	}

	headroomUSD := maxZero(agg.WeightedCollateralUSD.Sub(agg.TotalDebtUSD))
	byCollateral := headroomUSD.Div(market.PriceUSD)

	liquidity, _ := market.AvailableLiquidity()
	byLiquidity := liquidity.Mul(one.Sub(buffer))

	return floorAmount(decimal.Min(byCollateral, byLiquidity)), nil
}

// MaxWithdraw returns the largest amount of market's token the account can
// withdraw from its collateral. It is bounded by the deposited balance, by the
// buffered market liquidity and, when the account has debt, by the collateral
// headroom. The candidate is verified against a projected position set so the
// withdrawal never leaves an indebted account below a health factor of 1.
func (e *Engine) MaxWithdraw(ps model.PositionSet, market model.MarketState, buffer decimal.Decimal) (decimal.Decimal, error) {
	agg, err := e.Aggregate(ps)
	if err != nil {
		return decimal.Zero, err
	}
	if err := validateCapacityInputs(agg, market, buffer); err != nil {
		return decimal.Zero, err
	}

	pos, ok := ps.CollateralIn(market.MarketID)
	if !ok || !pos.Amount.IsPositive() {
		return decimal.Zero, nil
	}

	liquidity, _ := market.AvailableLiquidity()
	amount := decimal.Min(pos.Amount, liquidity.Mul(one.Sub(buffer)))

	hasDebt := agg.TotalDebtUSD.IsPositive()
	if hasDebt {
		unitWeight := pos.PriceUSD.Mul(pos.CollateralFactor)
		if unitWeight.IsPositive() {
			headroomUSD := maxZero(agg.WeightedCollateralUSD.Sub(agg.TotalDebtUSD))
			amount = decimal.Min(amount, headroomUSD.Div(unitWeight))
		}
	}

	amount = floorAmount(amount)
	if !hasDebt || amount.IsZero() {
		return amount, nil
	}

	ulp := decimal.New(1, -AmountScale)
	for i := 0; i <= withdrawVerifySteps && amount.IsPositive(); i++ {
		m, err := e.Project(ps, model.Delta{Kind: model.DeltaWithdraw, MarketID: market.MarketID, Amount: amount})
		if err != nil {
			return decimal.Zero, err
		}
		if m.HealthFactorRaw.GreaterThanOrEqual(one) {
			return amount, nil
		}
		amount = maxZero(amount.Sub(ulp))
	}
	return decimal.Zero, nil
}

// CheckBorrow validates a concrete borrow of amount tokens from market. It
// returns ErrInsufficientLiquidity when the market cannot fund it and
// ErrInsufficientCollateral when the account's headroom cannot cover it.
func (e *Engine) CheckBorrow(agg model.AggregateResult, market model.MarketState, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return degenerate("borrow amount %s is negative", amount)
	}
	if err := validateCapacityInputs(agg, market, decimal.Zero); err != nil {
		return err
	}

	liquidity, _ := market.AvailableLiquidity()
	if amount.GreaterThan(liquidity) {
		return fmt.Errorf("%w: borrow of %s %s exceeds available %s",
			ErrInsufficientLiquidity, amount, market.MarketID, liquidity)
	}

	headroomUSD := maxZero(agg.WeightedCollateralUSD.Sub(agg.TotalDebtUSD))
	if need := amount.Mul(market.PriceUSD); need.GreaterThan(headroomUSD) {
		return fmt.Errorf("%w: borrow needs $%s of headroom, account has $%s",
			ErrInsufficientCollateral, need, headroomUSD)
	}
	return nil
}

func validateCapacityInputs(agg model.AggregateResult, market model.MarketState, buffer decimal.Decimal) error {
	if buffer.IsNegative() || buffer.GreaterThanOrEqual(one) {
		return degenerate("safety buffer %s not in [0,1)", buffer)
	}
	if agg.TotalCollateralUSD.IsNegative() || agg.WeightedCollateralUSD.IsNegative() || agg.TotalDebtUSD.IsNegative() {
		return degenerate("aggregate has negative totals")
	}
	return ValidateMarket(market)
}

// floorAmount clamps v at zero and rounds it down to AmountScale places.
func floorAmount(v decimal.Decimal) decimal.Decimal {
	return maxZero(v).Truncate(AmountScale)
}
