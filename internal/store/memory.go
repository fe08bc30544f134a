package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/dorkfi/risk-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu       sync.RWMutex
	markets  map[string]map[string]model.MarketState        // network → market
	balances map[string]map[string]map[string]model.Balance // network → account → market
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		markets:  make(map[string]map[string]model.MarketState),
		balances: make(map[string]map[string]map[string]model.Balance),
	}
}

func (s *MemoryStore) UpsertMarket(_ context.Context, network string, m model.MarketState) error {
	if m.MarketID == "" {
		return fmt.Errorf("store: market id required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	byID, ok := s.markets[network]
	if !ok {
		byID = make(map[string]model.MarketState)
		s.markets[network] = byID
	}
	byID[m.MarketID] = m
	return nil
}

func (s *MemoryStore) GetMarket(_ context.Context, network, marketID string) (model.MarketState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.markets[network][marketID]
	if !ok {
		return model.MarketState{}, fmt.Errorf("%w: market %s on %s", ErrNotFound, marketID, network)
	}
	return m, nil
}

func (s *MemoryStore) ListMarkets(_ context.Context, network string) ([]model.MarketState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	markets := make([]model.MarketState, 0, len(s.markets[network]))
	for _, m := range s.markets[network] {
		markets = append(markets, m)
	}
	sort.Slice(markets, func(i, j int) bool { return markets[i].MarketID < markets[j].MarketID })
	return markets, nil
}

func (s *MemoryStore) UpsertBalance(_ context.Context, network string, b model.Balance) error {
	if b.AccountID == "" || b.MarketID == "" {
		return fmt.Errorf("store: account and market id required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	accounts, ok := s.balances[network]
	if !ok {
		accounts = make(map[string]map[string]model.Balance)
		s.balances[network] = accounts
	}
	byMarket, ok := accounts[b.AccountID]
	if !ok {
		byMarket = make(map[string]model.Balance)
		accounts[b.AccountID] = byMarket
	}
	byMarket[b.MarketID] = b
	return nil
}

func (s *MemoryStore) GetBalances(_ context.Context, network, accountID string) ([]model.Balance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byMarket := s.balances[network][accountID]
	result := make([]model.Balance, 0, len(byMarket))
	for _, b := range byMarket {
		result = append(result, b)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].MarketID < result[j].MarketID })
	return result, nil
}

func (s *MemoryStore) ListAccounts(_ context.Context, network string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.balances[network]))
	for id := range s.balances[network] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}
