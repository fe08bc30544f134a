// Package model defines the core domain types shared across the risk engine.
// All monetary values use shopspring/decimal.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Position is one collateral or debt holding of an account in a single market.
// Fractions (CollateralFactor, LiquidationThreshold) are in [0, 1].
type Position struct {
	MarketID             string          `json:"market_id" yaml:"market_id"`
	Symbol               string          `json:"symbol" yaml:"symbol"`
	Amount               decimal.Decimal `json:"amount" yaml:"amount"`
	PriceUSD             decimal.Decimal `json:"price_usd" yaml:"price_usd"`
	CollateralFactor     decimal.Decimal `json:"collateral_factor" yaml:"collateral_factor"`
	LiquidationThreshold decimal.Decimal `json:"liquidation_threshold" yaml:"liquidation_threshold"`
}

// ValueUSD returns amount * priceUSD.
func (p Position) ValueUSD() decimal.Decimal {
	return p.Amount.Mul(p.PriceUSD)
}

// PositionSet holds one account's positions at one instant. It is immutable:
// the constructor and the accessors copy, so no caller can mutate a set that
// another caller holds.
type PositionSet struct {
	accountID  string
	collateral []Position
	debt       []Position
}

// NewPositionSet builds a PositionSet from copies of the given slices.
func NewPositionSet(accountID string, collateral, debt []Position) PositionSet {
	return PositionSet{
		accountID:  accountID,
		collateral: clonePositions(collateral),
		debt:       clonePositions(debt),
	}
}

// AccountID identifies the account the positions belong to.
func (s PositionSet) AccountID() string { return s.accountID }

// Collateral returns a copy of the collateral positions.
func (s PositionSet) Collateral() []Position { return clonePositions(s.collateral) }

// Debt returns a copy of the debt positions.
func (s PositionSet) Debt() []Position { return clonePositions(s.debt) }

// IsEmpty reports whether the set has neither collateral nor debt entries.
func (s PositionSet) IsEmpty() bool {
	return len(s.collateral) == 0 && len(s.debt) == 0
}

// CollateralIn returns the collateral position for marketID, if any.
func (s PositionSet) CollateralIn(marketID string) (Position, bool) {
	return find(s.collateral, marketID)
}

// DebtIn returns the debt position for marketID, if any.
func (s PositionSet) DebtIn(marketID string) (Position, bool) {
	return find(s.debt, marketID)
}

func find(ps []Position, marketID string) (Position, bool) {
	for _, p := range ps {
		if p.MarketID == marketID {
			return p, true
		}
	}
	return Position{}, false
}

func clonePositions(ps []Position) []Position {
	if len(ps) == 0 {
		return nil
	}
	out := make([]Position, len(ps))
	copy(out, ps)
	return out
}

// MarketState is the externally sourced state of one lending market.
type MarketState struct {
	MarketID             string          `json:"market_id" yaml:"market_id" db:"market_id"`
	Symbol               string          `json:"symbol" yaml:"symbol" db:"symbol"`
	TotalDeposits        decimal.Decimal `json:"total_deposits" yaml:"total_deposits" db:"total_deposits"`
	TotalBorrows         decimal.Decimal `json:"total_borrows" yaml:"total_borrows" db:"total_borrows"`
	PriceUSD             decimal.Decimal `json:"price_usd" yaml:"price_usd" db:"price_usd"`
	CollateralFactor     decimal.Decimal `json:"collateral_factor" yaml:"collateral_factor" db:"collateral_factor"`
	LiquidationThreshold decimal.Decimal `json:"liquidation_threshold" yaml:"liquidation_threshold" db:"liquidation_threshold"`
	SupplyRate           decimal.Decimal `json:"supply_rate" yaml:"supply_rate" db:"supply_rate"`
	BorrowRate           decimal.Decimal `json:"borrow_rate" yaml:"borrow_rate" db:"borrow_rate"`
	UpdatedAt            time.Time       `json:"updated_at" yaml:"updated_at" db:"updated_at"`
}

// AvailableLiquidity returns totalDeposits - totalBorrows. A negative
// difference is clamped to zero and reported through clamped, since it means
// the upstream data is inconsistent.
func (m MarketState) AvailableLiquidity() (liquidity decimal.Decimal, clamped bool) {
	liquidity = m.TotalDeposits.Sub(m.TotalBorrows)
	if liquidity.IsNegative() {
		return decimal.Zero, true
	}
	return liquidity, false
}

// Utilization returns totalBorrows / totalDeposits, or zero for an empty
// market.
func (m MarketState) Utilization() decimal.Decimal {
	if !m.TotalDeposits.IsPositive() {
		return decimal.Zero
	}
	return m.TotalBorrows.Div(m.TotalDeposits)
}

// Balance is the per-account, per-market balance reported by the balance
// source, already scaled from atomic units to human-readable units.
type Balance struct {
	AccountID       string          `json:"account_id" yaml:"account_id" db:"account_id"`
	MarketID        string          `json:"market_id" yaml:"market_id" db:"market_id"`
	DepositBalance  decimal.Decimal `json:"deposit_balance" yaml:"deposit_balance" db:"deposit_balance"`
	DebtBalance     decimal.Decimal `json:"debt_balance" yaml:"debt_balance" db:"debt_balance"`
	AccruedInterest decimal.Decimal `json:"accrued_interest" yaml:"accrued_interest" db:"accrued_interest"`
	UpdatedAt       time.Time       `json:"updated_at" yaml:"updated_at" db:"updated_at"`
}

// AggregateResult is the reduction of a PositionSet into USD totals.
// Invariant: WeightedCollateralUSD <= TotalCollateralUSD.
type AggregateResult struct {
	TotalCollateralUSD           decimal.Decimal `json:"total_collateral_usd"`
	WeightedCollateralUSD        decimal.Decimal `json:"weighted_collateral_usd"`
	TotalDebtUSD                 decimal.Decimal `json:"total_debt_usd"`
	WeightedLiquidationThreshold decimal.Decimal `json:"weighted_liquidation_threshold"`
}

// HealthMetrics is derived from an AggregateResult on every call.
// HealthFactor is display-capped; HealthFactorRaw keeps the uncapped ratio
// used for ranking.
type HealthMetrics struct {
	HealthFactor         decimal.Decimal `json:"health_factor"`
	HealthFactorRaw      decimal.Decimal `json:"health_factor_raw"`
	LTV                  decimal.Decimal `json:"ltv"`
	LiquidationMarginPct decimal.Decimal `json:"liquidation_margin_pct"`
	// NoPosition is set when the account has neither collateral nor debt.
	// HealthFactor is still DISPLAY_CAP so comparisons stay well-defined.
	NoPosition bool `json:"no_position"`
}

// RiskTier classifies an account by health factor.
type RiskTier string

const (
	TierLiquidatable RiskTier = "liquidatable"
	TierDanger       RiskTier = "danger"
	TierModerate     RiskTier = "moderate"
	TierSafe         RiskTier = "safe"
)

// Severity orders tiers from safest (0) to liquidatable (3).
func (t RiskTier) Severity() int {
	switch t {
	case TierLiquidatable:
		return 3
	case TierDanger:
		return 2
	case TierModerate:
		return 1
	default:
		return 0
	}
}

// RankedDebtPosition is one debt position with its marginal liquidation-risk
// score.
type RankedDebtPosition struct {
	AccountID        string          `json:"account_id"`
	MarketID         string          `json:"market_id"`
	Symbol           string          `json:"symbol"`
	PositionValueUSD decimal.Decimal `json:"position_value_usd"`
	HealthFactorRaw  decimal.Decimal `json:"health_factor_raw"`
	RiskScore        decimal.Decimal `json:"risk_score"`
	// Uncollateralized marks debt held against zero collateral (raw health
	// factor 0). Such positions outrank every finite score.
	Uncollateralized bool     `json:"uncollateralized"`
	Tier             RiskTier `json:"tier"`
}

// AccountSnapshot pairs an account's positions for cross-account ranking.
type AccountSnapshot struct {
	AccountID string
	Positions PositionSet
}

// DeltaKind is the kind of hypothetical action applied by the what-if
// simulator.
type DeltaKind string

const (
	DeltaDeposit  DeltaKind = "deposit"
	DeltaBorrow   DeltaKind = "borrow"
	DeltaWithdraw DeltaKind = "withdraw"
	DeltaRepay    DeltaKind = "repay"
)

// Delta is a hypothetical action on one market. Market is only consulted when
// the delta opens a position that does not yet exist (a first deposit or a
// first borrow).
type Delta struct {
	Kind     DeltaKind       `json:"kind"`
	MarketID string          `json:"market_id"`
	Amount   decimal.Decimal `json:"amount"`
	Market   *MarketState    `json:"-"`
}

// LiquidationRequest describes a liquidator's intended trade against one
// account. CloseFactor and BonusRate fall back to the engine defaults only
// when unset; a set zero bonus means no bonus.
type LiquidationRequest struct {
	Positions          PositionSet
	RepayMarketID      string
	CollateralMarketID string
	RequestedRepayUSD  decimal.Decimal
	CloseFactor        decimal.NullDecimal
	BonusRate          decimal.NullDecimal
}

// LiquidationPlan is a bounded liquidation trade. It is produced once per
// liquidation attempt and must not be reused across trades.
type LiquidationPlan struct {
	ID                 string          `json:"id,omitempty"`
	AccountID          string          `json:"account_id"`
	RepayUSD           decimal.Decimal `json:"repay_usd"`
	RepayMarketID      string          `json:"repay_market_id"`
	RepayAmount        decimal.Decimal `json:"repay_amount"`
	CollateralMarketID string          `json:"collateral_market_id"`
	CollateralAmount   decimal.Decimal `json:"collateral_amount"`
	BonusUSD           decimal.Decimal `json:"bonus_usd"`
	ProjectedLTV       decimal.Decimal `json:"projected_ltv"`
	// Eligible reports whether the account was liquidatable (raw health
	// factor <= 1) when the plan was sized.
	Eligible bool `json:"eligible"`
}
