package solvency

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/dorkfi/risk-engine/internal/model"
)

// d is a test helper for creating decimals from float64.
func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := NewEngine(DefaultParams())
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return e
}

func coll(market string, amount, price, cf, lt float64) model.Position {
	return model.Position{
		MarketID:             market,
		Symbol:               market,
		Amount:               d(amount),
		PriceUSD:             d(price),
		CollateralFactor:     d(cf),
		LiquidationThreshold: d(lt),
	}
}

func debt(market string, amount, price float64) model.Position {
	return model.Position{
		MarketID:             market,
		Symbol:               market,
		Amount:               d(amount),
		PriceUSD:             d(price),
		CollateralFactor:     d(0.8),
		LiquidationThreshold: d(0.85),
	}
}

func mkt(id string, deposits, borrows, price float64) model.MarketState {
	return model.MarketState{
		MarketID:             id,
		Symbol:               id,
		TotalDeposits:        d(deposits),
		TotalBorrows:         d(borrows),
		PriceUSD:             d(price),
		CollateralFactor:     d(0.8),
		LiquidationThreshold: d(0.85),
	}
}

func set(collateral []model.Position, debts ...model.Position) model.PositionSet {
	return model.NewPositionSet("acct-1", collateral, debts)
}

// --- Params ---

func TestNewEngine_Defaults(t *testing.T) {
	e := newTestEngine(t)
	if !e.Params().DisplayCap.Equal(d(3)) {
		t.Errorf("expected display cap 3, got %s", e.Params().DisplayCap)
	}
}

func TestNewEngine_InvalidParams(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Params)
	}{
		{"tiers not ascending", func(p *Params) { p.Tiers.Danger = d(0.9) }},
		{"cap below moderate", func(p *Params) { p.DisplayCap = d(1.2) }},
		{"default threshold above one", func(p *Params) { p.DefaultLiquidationThreshold = d(1.1) }},
		{"buffer of one", func(p *Params) { p.SafetyBuffer = d(1) }},
		{"zero close factor", func(p *Params) { p.CloseFactor = decimal.Zero }},
		{"negative bonus", func(p *Params) { p.LiquidationBonus = d(-0.01) }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p := DefaultParams()
			tc.mutate(&p)
			if _, err := NewEngine(p); !errors.Is(err, ErrInvalidParams) {
				t.Errorf("expected ErrInvalidParams, got %v", err)
			}
		})
	}
}

// --- Worked examples ---

func TestExample1_ModerateAccount(t *testing.T) {
	e := newTestEngine(t)
	ps := set([]model.Position{coll("VOI", 1000, 0.5, 0.8, 0.85)}, debt("USDC", 300, 1))

	agg, m, err := e.Evaluate(ps)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !agg.WeightedCollateralUSD.Equal(d(400)) {
		t.Errorf("expected weighted collateral 400, got %s", agg.WeightedCollateralUSD)
	}
	want := d(400).Div(d(300))
	if !m.HealthFactor.Equal(want) {
		t.Errorf("expected health factor %s, got %s", want, m.HealthFactor)
	}
	if !m.LTV.Equal(d(0.6)) {
		t.Errorf("expected ltv 0.6, got %s", m.LTV)
	}
	if !m.LiquidationMarginPct.Equal(d(25)) {
		t.Errorf("expected margin 25, got %s", m.LiquidationMarginPct)
	}
	if tier := e.Classify(m); tier != model.TierModerate {
		t.Errorf("expected moderate, got %s", tier)
	}
}

func TestExample2_NoDebtIsDisplayCap(t *testing.T) {
	e := newTestEngine(t)
	ps := set([]model.Position{coll("ETH", 1, 2000, 0.8, 0.85)})

	_, m, err := e.Evaluate(ps)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !m.HealthFactor.Equal(d(3)) {
		t.Errorf("expected health factor 3, got %s", m.HealthFactor)
	}
	if m.NoPosition {
		t.Error("account with collateral must not be flagged NoPosition")
	}
	if tier := e.Classify(m); tier != model.TierSafe {
		t.Errorf("expected safe, got %s", tier)
	}
}

func TestExample3_DebtWithoutCollateral(t *testing.T) {
	e := newTestEngine(t)
	ps := set(nil, debt("USDC", 100, 1))

	_, m, err := e.Evaluate(ps)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !m.HealthFactor.IsZero() || !m.HealthFactorRaw.IsZero() {
		t.Errorf("expected health factor 0, got %s (raw %s)", m.HealthFactor, m.HealthFactorRaw)
	}
	if !m.LTV.IsZero() {
		t.Errorf("expected ltv 0 without collateral, got %s", m.LTV)
	}
	if tier := e.Classify(m); tier != model.TierLiquidatable {
		t.Errorf("expected liquidatable, got %s", tier)
	}
}

func TestExample4_LiquidationSizing(t *testing.T) {
	e := newTestEngine(t)
	ps := set([]model.Position{coll("ETH", 0.4, 2000, 0.8, 0.85)}, debt("USDC", 1000, 1))

	plan, err := e.SizeLiquidation(model.LiquidationRequest{
		Positions:          ps,
		RepayMarketID:      "USDC",
		CollateralMarketID: "ETH",
		RequestedRepayUSD:  d(600),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !plan.RepayUSD.Equal(d(500)) {
		t.Errorf("expected repay 500, got %s", plan.RepayUSD)
	}
	if !plan.BonusUSD.Equal(d(25)) {
		t.Errorf("expected bonus 25, got %s", plan.BonusUSD)
	}
	if !plan.CollateralAmount.Equal(d(525).Div(d(2000))) {
		t.Errorf("expected collateral 0.2625, got %s", plan.CollateralAmount)
	}
	if !plan.RepayAmount.Equal(d(500)) {
		t.Errorf("expected repay amount 500, got %s", plan.RepayAmount)
	}
	// 500 debt against 0.1375 ETH ($275) remaining.
	if want := d(500).Div(d(275)); !plan.ProjectedLTV.Equal(want) {
		t.Errorf("expected projected ltv %s, got %s", want, plan.ProjectedLTV)
	}
	if !plan.Eligible {
		t.Error("health factor 0.64 should be eligible for liquidation")
	}
}

func TestExample5_MaxBorrowLiquidityBound(t *testing.T) {
	e := newTestEngine(t)
	agg := model.AggregateResult{
		TotalCollateralUSD:           d(250),
		WeightedCollateralUSD:        d(200),
		TotalDebtUSD:                 decimal.Zero,
		WeightedLiquidationThreshold: d(0.85),
	}

	got, err := e.MaxBorrow(agg, mkt("USDC", 150, 0, 1), d(0.001))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.Equal(d(149.85)) {
		t.Errorf("expected 149.85, got %s", got)
	}
}
