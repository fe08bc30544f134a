// Package store defines the persistence interface for market state and
// account balances, the two data sources the risk engine consumes.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
//
// Every call is scoped by network: the same market or account id on two
// networks refers to unrelated data.
package store

import (
	"context"
	"errors"

	"github.com/dorkfi/risk-engine/internal/model"
)

// ErrNotFound is returned when a market does not exist on a network.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Market data source ---

	// UpsertMarket creates or replaces a market's state.
	UpsertMarket(ctx context.Context, network string, m model.MarketState) error

	// GetMarket retrieves one market. Unknown markets return ErrNotFound.
	GetMarket(ctx context.Context, network, marketID string) (model.MarketState, error)

	// ListMarkets returns every market on network ordered by market id.
	ListMarkets(ctx context.Context, network string) ([]model.MarketState, error)

	// --- Balance source ---

	// UpsertBalance creates or replaces an account's balance in one market.
	UpsertBalance(ctx context.Context, network string, b model.Balance) error

	// GetBalances returns an account's balances ordered by market id. An
	// account without balances yields an empty slice, not an error.
	GetBalances(ctx context.Context, network, accountID string) ([]model.Balance, error)

	// ListAccounts returns the ids of accounts holding any balance on network.
	ListAccounts(ctx context.Context, network string) ([]string, error)
}
