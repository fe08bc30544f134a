package store

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dorkfi/risk-engine/internal/model"
)

func TestMemoryStore_Markets(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.UpsertMarket(ctx, "voi", model.MarketState{MarketID: "USDC", PriceUSD: decimal.NewFromInt(1)}))
	require.NoError(t, s.UpsertMarket(ctx, "voi", model.MarketState{MarketID: "ETH", PriceUSD: decimal.NewFromInt(2000)}))
	require.NoError(t, s.UpsertMarket(ctx, "algo", model.MarketState{MarketID: "ETH", PriceUSD: decimal.NewFromInt(1999)}))

	m, err := s.GetMarket(ctx, "voi", "ETH")
	require.NoError(t, err)
	assert.True(t, m.PriceUSD.Equal(decimal.NewFromInt(2000)), "networks are isolated")

	_, err = s.GetMarket(ctx, "voi", "BTC")
	assert.ErrorIs(t, err, ErrNotFound)

	list, err := s.ListMarkets(ctx, "voi")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "ETH", list[0].MarketID)

	require.NoError(t, s.UpsertMarket(ctx, "voi", model.MarketState{MarketID: "ETH", PriceUSD: decimal.NewFromInt(2100)}))
	m, _ = s.GetMarket(ctx, "voi", "ETH")
	assert.True(t, m.PriceUSD.Equal(decimal.NewFromInt(2100)), "upsert replaces")

	assert.Error(t, s.UpsertMarket(ctx, "voi", model.MarketState{}))
}

func TestMemoryStore_Balances(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.UpsertBalance(ctx, "voi", model.Balance{AccountID: "bob", MarketID: "USDC", DebtBalance: decimal.NewFromInt(10)}))
	require.NoError(t, s.UpsertBalance(ctx, "voi", model.Balance{AccountID: "alice", MarketID: "USDC", DepositBalance: decimal.NewFromInt(5)}))
	require.NoError(t, s.UpsertBalance(ctx, "voi", model.Balance{AccountID: "alice", MarketID: "ETH", DepositBalance: decimal.NewFromInt(1)}))

	bs, err := s.GetBalances(ctx, "voi", "alice")
	require.NoError(t, err)
	require.Len(t, bs, 2)
	assert.Equal(t, "ETH", bs[0].MarketID)

	none, err := s.GetBalances(ctx, "voi", "carol")
	require.NoError(t, err)
	assert.Empty(t, none)

	ids, err := s.ListAccounts(ctx, "voi")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, ids)

	ids, err = s.ListAccounts(ctx, "algo")
	require.NoError(t, err)
	assert.Empty(t, ids)
}
