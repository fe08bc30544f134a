package solvency

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/dorkfi/risk-engine/internal/model"
)

// SizeLiquidation bounds a liquidator's trade against one account:
//
//	repayUSD         = min(requested, debtValue * closeFactor, collateralValue)
//	bonusUSD         = repayUSD * bonusRate
//	collateralAmount = (repayUSD + bonusUSD) / collateralPrice
//
// debtValue is the account's debt in the repay market and collateralValue its
// collateral in the seized market. The projected LTV comes from applying the
// repay and the seizure to a copy of the positions. Token amounts are rounded
// down to AmountScale places. Sizing fails with
// ErrInsufficientCollateral when the payout exceeds the collateral held.
//
// The returned plan has no ID; callers assign one per attempt.
func (e *Engine) SizeLiquidation(req model.LiquidationRequest) (model.LiquidationPlan, error) {
	closeFactor := e.p.CloseFactor
	if req.CloseFactor.Valid {
		closeFactor = req.CloseFactor.Decimal
	}
	bonusRate := e.p.LiquidationBonus
	if req.BonusRate.Valid {
		bonusRate = req.BonusRate.Decimal
	}
	if !closeFactor.IsPositive() || closeFactor.GreaterThan(one) {
		return model.LiquidationPlan{}, degenerate("close factor %s not in (0,1]", closeFactor)
	}
	if !isFraction(bonusRate) {
		return model.LiquidationPlan{}, degenerate("bonus rate %s not in [0,1]", bonusRate)
	}
	if !req.RequestedRepayUSD.IsPositive() {
		return model.LiquidationPlan{}, degenerate("requested repay %s must be positive", req.RequestedRepayUSD)
	}

	ps := req.Positions
	_, current, err := e.Evaluate(ps)
	if err != nil {
		return model.LiquidationPlan{}, err
	}

	debt, ok := ps.DebtIn(req.RepayMarketID)
	if !ok || !debt.Amount.IsPositive() {
		return model.LiquidationPlan{}, degenerate("account %s has no debt in %s", ps.AccountID(), req.RepayMarketID)
	}
	coll, ok := ps.CollateralIn(req.CollateralMarketID)
	if !ok || !coll.Amount.IsPositive() {
		return model.LiquidationPlan{}, fmt.Errorf("%w: account %s holds no collateral in %s",
			ErrInsufficientCollateral, ps.AccountID(), req.CollateralMarketID)
	}

	targetDebtUSD := debt.ValueUSD()
	repayUSD := decimal.Min(req.RequestedRepayUSD, targetDebtUSD.Mul(closeFactor), coll.ValueUSD())
	bonusUSD := repayUSD.Mul(bonusRate)
	collateralAmount := quoteAmount(repayUSD.Add(bonusUSD), coll.PriceUSD)

	if collateralAmount.GreaterThan(coll.Amount) {
		return model.LiquidationPlan{}, fmt.Errorf("%w: payout of %s %s exceeds balance %s",
			ErrInsufficientCollateral, collateralAmount, req.CollateralMarketID, coll.Amount)
	}

	repayAmount := quoteAmount(repayUSD, debt.PriceUSD)
	projected, err := e.Project(ps,
		model.Delta{Kind: model.DeltaRepay, MarketID: req.RepayMarketID, Amount: repayAmount},
		model.Delta{Kind: model.DeltaWithdraw, MarketID: req.CollateralMarketID, Amount: collateralAmount},
	)
	if err != nil {
		return model.LiquidationPlan{}, err
	}

	return model.LiquidationPlan{
		AccountID:          ps.AccountID(),
		RepayUSD:           repayUSD,
		RepayMarketID:      req.RepayMarketID,
		RepayAmount:        repayAmount,
		CollateralMarketID: req.CollateralMarketID,
		CollateralAmount:   collateralAmount,
		BonusUSD:           bonusUSD,
		ProjectedLTV:       projected.LTV,
		Eligible:           e.Classify(current) == model.TierLiquidatable,
	}, nil
}

// quoteAmount converts a USD value into tokens at price, truncated to
// AmountScale places so a payout never exceeds the balance it was bounded by.
func quoteAmount(usd, price decimal.Decimal) decimal.Decimal {
	q, _ := usd.QuoRem(price, AmountScale)
	return q
}
