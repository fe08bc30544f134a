package market

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/dorkfi/risk-engine/internal/model"
	"github.com/dorkfi/risk-engine/internal/solvency"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func testIndex() Index {
	return NewIndex([]model.MarketState{
		{MarketID: "USDC", Symbol: "USDC", PriceUSD: d(1), CollateralFactor: d(0.8), LiquidationThreshold: d(0.85), TotalDeposits: d(1000)},
		{MarketID: "VOI", Symbol: "VOI", PriceUSD: d(0.5), CollateralFactor: d(0.8), LiquidationThreshold: d(0.85), TotalDeposits: d(5000)},
	})
}

func TestValidateID_Valid(t *testing.T) {
	for _, id := range []string{"USDC", "voi-mainnet", "0xab12cd", "ASA:31566704", "acct_1.a"} {
		if err := ValidateID("market", id); err != nil {
			t.Errorf("unexpected error for %q: %v", id, err)
		}
	}
}

func TestValidateID_Invalid(t *testing.T) {
	for _, id := range []string{"", "-leading", "has space", "slash/inside", "semi;colon"} {
		if err := ValidateID("market", id); !errors.Is(err, ErrInvalidID) {
			t.Errorf("expected ErrInvalidID for %q, got %v", id, err)
		}
	}
}

func TestBuildPositionSet(t *testing.T) {
	ps, err := BuildPositionSet("alice", []model.Balance{
		{AccountID: "alice", MarketID: "VOI", DepositBalance: d(1000)},
		{AccountID: "alice", MarketID: "USDC", DebtBalance: d(290), AccruedInterest: d(10)},
	}, testIndex())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if ps.AccountID() != "alice" {
		t.Errorf("expected account alice, got %s", ps.AccountID())
	}
	c, ok := ps.CollateralIn("VOI")
	if !ok || !c.Amount.Equal(d(1000)) || !c.PriceUSD.Equal(d(0.5)) {
		t.Errorf("unexpected collateral %+v", c)
	}
	debt, ok := ps.DebtIn("USDC")
	if !ok || !debt.Amount.Equal(d(300)) {
		t.Errorf("expected 300 owed including interest, got %+v", debt)
	}
	if _, ok := ps.CollateralIn("USDC"); ok {
		t.Error("zero deposit must not create collateral")
	}
}

func TestBuildPositionSet_UnknownMarket(t *testing.T) {
	_, err := BuildPositionSet("alice", []model.Balance{
		{AccountID: "alice", MarketID: "BTC", DepositBalance: d(1)},
	}, testIndex())
	if !errors.Is(err, solvency.ErrMissingMarketData) {
		t.Errorf("expected ErrMissingMarketData, got %v", err)
	}
}

func TestBuildPositionSet_SkipsEmptyBalanceInUnknownMarket(t *testing.T) {
	ps, err := BuildPositionSet("alice", []model.Balance{
		{AccountID: "alice", MarketID: "BTC"},
	}, testIndex())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ps.IsEmpty() {
		t.Error("expected empty position set")
	}
}

func TestBuildPositionSet_NegativeBalance(t *testing.T) {
	_, err := BuildPositionSet("alice", []model.Balance{
		{AccountID: "alice", MarketID: "USDC", DebtBalance: d(10), AccruedInterest: d(-20)},
	}, testIndex())
	if !errors.Is(err, solvency.ErrDegenerateInput) {
		t.Errorf("expected ErrDegenerateInput, got %v", err)
	}
}

func TestDescribe(t *testing.T) {
	v := Describe("voi", model.MarketState{MarketID: "USDC", TotalDeposits: d(200), TotalBorrows: d(50)})
	if !v.AvailableLiquidity.Equal(d(150)) || !v.Utilization.Equal(d(0.25)) || v.LiquidityClamped {
		t.Errorf("unexpected view %+v", v)
	}

	v = Describe("voi", model.MarketState{MarketID: "BAD", TotalDeposits: d(100), TotalBorrows: d(150)})
	if !v.LiquidityClamped || !v.AvailableLiquidity.IsZero() {
		t.Errorf("expected clamped zero liquidity, got %+v", v)
	}
}
