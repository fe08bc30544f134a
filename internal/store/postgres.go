package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/dorkfi/risk-engine/internal/model"
)

// Schema creates the tables PostgresStore reads and writes. All monetary
// values are stored as NUMERIC for exact decimal precision.
const Schema = `
CREATE TABLE IF NOT EXISTS markets (
	network               TEXT        NOT NULL,
	market_id             TEXT        NOT NULL,
	symbol                TEXT        NOT NULL DEFAULT '',
	total_deposits        NUMERIC     NOT NULL DEFAULT 0,
	total_borrows         NUMERIC     NOT NULL DEFAULT 0,
	price_usd             NUMERIC     NOT NULL DEFAULT 0,
	collateral_factor     NUMERIC     NOT NULL DEFAULT 0,
	liquidation_threshold NUMERIC     NOT NULL DEFAULT 0,
	supply_rate           NUMERIC     NOT NULL DEFAULT 0,
	borrow_rate           NUMERIC     NOT NULL DEFAULT 0,
	updated_at            TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (network, market_id)
);

CREATE TABLE IF NOT EXISTS balances (
	network          TEXT        NOT NULL,
	account_id       TEXT        NOT NULL,
	market_id        TEXT        NOT NULL,
	deposit_balance  NUMERIC     NOT NULL DEFAULT 0,
	debt_balance     NUMERIC     NOT NULL DEFAULT 0,
	accrued_interest NUMERIC     NOT NULL DEFAULT 0,
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (network, account_id, market_id)
);
`

// PostgresStore implements Store using PostgreSQL as the source of truth.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// EnsureSchema applies Schema. It is idempotent.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpsertMarket(ctx context.Context, network string, m model.MarketState) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO markets (network, market_id, symbol, total_deposits, total_borrows, price_usd,
		                      collateral_factor, liquidation_threshold, supply_rate, borrow_rate, updated_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10::NUMERIC, $11)
		 ON CONFLICT (network, market_id) DO UPDATE SET
		     symbol = EXCLUDED.symbol,
		     total_deposits = EXCLUDED.total_deposits,
		     total_borrows = EXCLUDED.total_borrows,
		     price_usd = EXCLUDED.price_usd,
		     collateral_factor = EXCLUDED.collateral_factor,
		     liquidation_threshold = EXCLUDED.liquidation_threshold,
		     supply_rate = EXCLUDED.supply_rate,
		     borrow_rate = EXCLUDED.borrow_rate,
		     updated_at = EXCLUDED.updated_at`,
		network, m.MarketID, m.Symbol,
		m.TotalDeposits.String(), m.TotalBorrows.String(), m.PriceUSD.String(),
		m.CollateralFactor.String(), m.LiquidationThreshold.String(),
		m.SupplyRate.String(), m.BorrowRate.String(),
		m.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert market %s: %w", m.MarketID, err)
	}
	return nil
}

const marketColumns = `market_id, symbol,
	total_deposits::TEXT, total_borrows::TEXT, price_usd::TEXT,
	collateral_factor::TEXT, liquidation_threshold::TEXT,
	supply_rate::TEXT, borrow_rate::TEXT, updated_at`

func (s *PostgresStore) GetMarket(ctx context.Context, network, marketID string) (model.MarketState, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+marketColumns+` FROM markets WHERE network = $1 AND market_id = $2`,
		network, marketID)

	m, err := scanMarket(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.MarketState{}, fmt.Errorf("%w: market %s on %s", ErrNotFound, marketID, network)
	}
	if err != nil {
		return model.MarketState{}, fmt.Errorf("get market %s: %w", marketID, err)
	}
	return m, nil
}

func (s *PostgresStore) ListMarkets(ctx context.Context, network string) ([]model.MarketState, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+marketColumns+` FROM markets WHERE network = $1 ORDER BY market_id`, network)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var markets []model.MarketState
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, err
		}
		markets = append(markets, m)
	}
	return markets, rows.Err()
}

func (s *PostgresStore) UpsertBalance(ctx context.Context, network string, b model.Balance) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO balances (network, account_id, market_id, deposit_balance, debt_balance, accrued_interest, updated_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7)
		 ON CONFLICT (network, account_id, market_id) DO UPDATE SET
		     deposit_balance = EXCLUDED.deposit_balance,
		     debt_balance = EXCLUDED.debt_balance,
		     accrued_interest = EXCLUDED.accrued_interest,
		     updated_at = EXCLUDED.updated_at`,
		network, b.AccountID, b.MarketID,
		b.DepositBalance.String(), b.DebtBalance.String(), b.AccruedInterest.String(),
		b.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert balance %s/%s: %w", b.AccountID, b.MarketID, err)
	}
	return nil
}

func (s *PostgresStore) GetBalances(ctx context.Context, network, accountID string) ([]model.Balance, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT account_id, market_id,
		        deposit_balance::TEXT, debt_balance::TEXT, accrued_interest::TEXT, updated_at
		 FROM balances WHERE network = $1 AND account_id = $2 ORDER BY market_id`,
		network, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	balances := []model.Balance{}
	for rows.Next() {
		var b model.Balance
		var deposit, debt, accrued string
		if err := rows.Scan(&b.AccountID, &b.MarketID, &deposit, &debt, &accrued, &b.UpdatedAt); err != nil {
			return nil, err
		}
		if err := parseDecimals(
			[]string{deposit, debt, accrued},
			[]*decimal.Decimal{&b.DepositBalance, &b.DebtBalance, &b.AccruedInterest},
		); err != nil {
			return nil, fmt.Errorf("balance %s/%s: %w", accountID, b.MarketID, err)
		}
		balances = append(balances, b)
	}
	return balances, rows.Err()
}

func (s *PostgresStore) ListAccounts(ctx context.Context, network string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT account_id FROM balances WHERE network = $1 ORDER BY account_id`, network)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// rowScanner is satisfied by both pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMarket(row rowScanner) (model.MarketState, error) {
	var m model.MarketState
	var deposits, borrows, price, cf, lt, supply, borrow string

	if err := row.Scan(&m.MarketID, &m.Symbol,
		&deposits, &borrows, &price,
		&cf, &lt,
		&supply, &borrow, &m.UpdatedAt); err != nil {
		return model.MarketState{}, err
	}

	err := parseDecimals(
		[]string{deposits, borrows, price, cf, lt, supply, borrow},
		[]*decimal.Decimal{
			&m.TotalDeposits, &m.TotalBorrows, &m.PriceUSD,
			&m.CollateralFactor, &m.LiquidationThreshold,
			&m.SupplyRate, &m.BorrowRate,
		},
	)
	if err != nil {
		return model.MarketState{}, fmt.Errorf("market %s: %w", m.MarketID, err)
	}
	return m, nil
}

// parseDecimals parses NUMERIC text columns. A corrupt value is an error
// rather than a silent zero price.
func parseDecimals(src []string, dst []*decimal.Decimal) error {
	for i, s := range src {
		v, err := decimal.NewFromString(s)
		if err != nil {
			return fmt.Errorf("parse numeric %q: %w", s, err)
		}
		*dst[i] = v
	}
	return nil
}
