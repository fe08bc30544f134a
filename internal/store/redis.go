package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dorkfi/risk-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) UpsertMarket(ctx context.Context, network string, m model.MarketState) error {
	if err := s.primary.UpsertMarket(ctx, network, m); err != nil {
		return err
	}
	s.invalidate(ctx, marketKey(network, m.MarketID))
	return nil
}

func (s *CachedStore) UpsertBalance(ctx context.Context, network string, b model.Balance) error {
	if err := s.primary.UpsertBalance(ctx, network, b); err != nil {
		return err
	}
	s.invalidate(ctx, balancesKey(network, b.AccountID))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetMarket(ctx context.Context, network, marketID string) (model.MarketState, error) {
	var m model.MarketState
	if s.load(ctx, marketKey(network, marketID), &m) {
		return m, nil
	}

	m, err := s.primary.GetMarket(ctx, network, marketID)
	if err != nil {
		return model.MarketState{}, err
	}
	s.save(ctx, marketKey(network, marketID), m)
	return m, nil
}

func (s *CachedStore) GetBalances(ctx context.Context, network, accountID string) ([]model.Balance, error) {
	var balances []model.Balance
	if s.load(ctx, balancesKey(network, accountID), &balances) {
		return balances, nil
	}

	balances, err := s.primary.GetBalances(ctx, network, accountID)
	if err != nil {
		return nil, err
	}
	s.save(ctx, balancesKey(network, accountID), balances)
	return balances, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListMarkets(ctx context.Context, network string) ([]model.MarketState, error) {
	return s.primary.ListMarkets(ctx, network)
}

func (s *CachedStore) ListAccounts(ctx context.Context, network string) ([]string, error) {
	return s.primary.ListAccounts(ctx, network)
}

// --- Cache helpers ---

func (s *CachedStore) load(ctx context.Context, key string, dst any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

func (s *CachedStore) save(ctx context.Context, key string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := s.rdb.Set(ctx, key, data, s.ttl).Err(); err != nil {
		slog.Warn("redis cache write failed", "key", key, "error", err)
	}
}

// invalidate drops key. A failed delete would leave a stale price or
// balance for up to ttl, so it is logged.
func (s *CachedStore) invalidate(ctx context.Context, key string) {
	if err := s.rdb.Del(ctx, key).Err(); err != nil {
		slog.Error("redis cache invalidation failed", "key", key, "error", err)
	}
}

func marketKey(network, id string) string { return fmt.Sprintf("market:%s:%s", network, id) }
func balancesKey(network, account string) string { return fmt.Sprintf("balances:%s:%s", network, account) }
