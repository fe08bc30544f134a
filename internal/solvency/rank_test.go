package solvency

import (
	"errors"
	"testing"

	"github.com/dorkfi/risk-engine/internal/model"
)

func TestRank_SortedByScore(t *testing.T) {
	e := newTestEngine(t)
	ps := set(
		[]model.Position{coll("VOI", 1000, 0.5, 0.8, 0.85)},
		debt("DAI", 100, 1), debt("USDC", 300, 1),
	)
	_, m, err := e.Evaluate(ps)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ranked, err := e.Rank(ps, m)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ranked) != 2 {
		t.Fatalf("expected 2 positions, got %d", len(ranked))
	}
	if ranked[0].MarketID != "USDC" {
		t.Errorf("expected USDC first, got %s", ranked[0].MarketID)
	}
	// hf_raw = 400/400 = 1, total collateral 500.
	if !ranked[0].RiskScore.Equal(d(0.6)) || !ranked[1].RiskScore.Equal(d(0.2)) {
		t.Errorf("unexpected scores %s, %s", ranked[0].RiskScore, ranked[1].RiskScore)
	}
	for i := 1; i < len(ranked); i++ {
		if ranked[i].RiskScore.GreaterThan(ranked[i-1].RiskScore) {
			t.Errorf("rank not non-increasing at %d", i)
		}
	}
	if ranked[0].Tier != model.TierLiquidatable {
		t.Errorf("expected tier liquidatable at hf 1, got %s", ranked[0].Tier)
	}
}

func TestRank_TieBreakIsDeterministic(t *testing.T) {
	e := newTestEngine(t)
	collateral := []model.Position{coll("ETH", 1, 2000, 0.8, 0.85)}

	forward := set(collateral, debt("USDT", 100, 1), debt("DAI", 100, 1), debt("USDC", 100, 1))
	reverse := set(collateral, debt("USDC", 100, 1), debt("DAI", 100, 1), debt("USDT", 100, 1))

	var orders [2][]string
	for i, ps := range []model.PositionSet{forward, reverse} {
		_, m, _ := e.Evaluate(ps)
		ranked, err := e.Rank(ps, m)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		for _, r := range ranked {
			orders[i] = append(orders[i], r.MarketID)
		}
	}
	want := []string{"DAI", "USDC", "USDT"}
	for i := range want {
		if orders[0][i] != want[i] || orders[1][i] != want[i] {
			t.Fatalf("expected %v for both orders, got %v and %v", want, orders[0], orders[1])
		}
	}
}

func TestRank_UsesUncappedHealthFactor(t *testing.T) {
	e := newTestEngine(t)
	// Both accounts have the same debt; the deeper underwater one must rank
	// first even though both display the same tier.
	shallow := model.NewPositionSet("shallow", []model.Position{coll("ETH", 1, 1000, 0.9, 0.9)}, []model.Position{debt("USDC", 1000, 1)})
	deep := model.NewPositionSet("deep", []model.Position{coll("ETH", 1, 1000, 0.5, 0.6)}, []model.Position{debt("USDC", 1000, 1)})

	ranked, err := e.RankAccounts([]model.AccountSnapshot{
		{AccountID: "shallow", Positions: shallow},
		{AccountID: "deep", Positions: deep},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ranked) != 2 || ranked[0].AccountID != "deep" {
		t.Fatalf("expected deep first, got %+v", ranked)
	}
}

func TestRankAccounts_UncollateralizedFirst(t *testing.T) {
	e := newTestEngine(t)
	bare := model.NewPositionSet("bare", nil, []model.Position{debt("USDC", 10, 1)})
	risky := model.NewPositionSet("risky", []model.Position{coll("ETH", 1, 100, 0.1, 0.2)}, []model.Position{debt("USDC", 5000, 1)})
	healthy := model.NewPositionSet("healthy", []model.Position{coll("ETH", 10, 2000, 0.8, 0.85)}, nil)

	ranked, err := e.RankAccounts([]model.AccountSnapshot{
		{AccountID: "risky", Positions: risky},
		{AccountID: "healthy", Positions: healthy},
		{AccountID: "bare", Positions: bare},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ranked) != 2 {
		t.Fatalf("expected 2 debt positions, got %d", len(ranked))
	}
	if ranked[0].AccountID != "bare" || !ranked[0].Uncollateralized {
		t.Errorf("expected uncollateralized account first, got %+v", ranked[0])
	}
	if ranked[1].AccountID != "risky" || ranked[1].Uncollateralized {
		t.Errorf("expected risky second, got %+v", ranked[1])
	}
}

func TestRankAccounts_PropagatesAccountError(t *testing.T) {
	e := newTestEngine(t)
	broken := model.NewPositionSet("broken", []model.Position{coll("ETH", 1, 0, 0.8, 0.85)}, nil)

	_, err := e.RankAccounts([]model.AccountSnapshot{{AccountID: "broken", Positions: broken}})
	if !errors.Is(err, ErrMissingMarketData) {
		t.Errorf("expected ErrMissingMarketData, got %v", err)
	}
}
