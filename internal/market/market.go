// Package market validates network, market and account identifiers and
// converts the market-data and balance sources into engine positions.
package market

import (
	"errors"
	"fmt"
	"log/slog"
	"regexp"

	"github.com/shopspring/decimal"

	"github.com/dorkfi/risk-engine/internal/metrics"
	"github.com/dorkfi/risk-engine/internal/model"
	"github.com/dorkfi/risk-engine/internal/solvency"
)

// idRegex matches network, market and account identifiers: an alphanumeric
// first character followed by up to 127 of [A-Za-z0-9._:-].
// Example: USDC, voi-mainnet, 0xab12cd, ASA:31566704
var idRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:-]{0,127}$`)

var ErrInvalidID = errors.New("market: invalid identifier")

// ValidateID checks that id is a well-formed identifier. kind names the id
// in the error ("network", "market", "account").
func ValidateID(kind, id string) error {
	if !idRegex.MatchString(id) {
		return fmt.Errorf("%w: %s %q", ErrInvalidID, kind, id)
	}
	return nil
}

// Index maps market id to its state.
type Index map[string]model.MarketState

// NewIndex indexes markets by id. A later duplicate replaces an earlier one.
func NewIndex(markets []model.MarketState) Index {
	idx := make(Index, len(markets))
	for _, m := range markets {
		idx[m.MarketID] = m
	}
	return idx
}

// BuildPositionSet converts an account's balances into a PositionSet priced
// from idx. Deposits become collateral; debt balance plus accrued interest
// becomes debt. Balances that are entirely zero are skipped, and a non-zero
// balance in a market missing from idx fails with
// solvency.ErrMissingMarketData rather than defaulting a price.
func BuildPositionSet(accountID string, balances []model.Balance, idx Index) (model.PositionSet, error) {
	var collateral, debt []model.Position

	for _, b := range balances {
		if b.DepositBalance.IsNegative() || b.DebtBalance.IsNegative() || b.AccruedInterest.IsNegative() {
			return model.PositionSet{}, fmt.Errorf("%w: negative balance for %s in %s",
				solvency.ErrDegenerateInput, accountID, b.MarketID)
		}
		owed := b.DebtBalance.Add(b.AccruedInterest)
		if b.DepositBalance.IsZero() && owed.IsZero() {
			continue
		}

		m, ok := idx[b.MarketID]
		if !ok {
			return model.PositionSet{}, fmt.Errorf("%w: account %s holds %s but the market is unknown",
				solvency.ErrMissingMarketData, accountID, b.MarketID)
		}

		if b.DepositBalance.IsPositive() {
			collateral = append(collateral, positionFor(m, b.DepositBalance))
		}
		if owed.IsPositive() {
			debt = append(debt, positionFor(m, owed))
		}
	}

	return model.NewPositionSet(accountID, collateral, debt), nil
}

func positionFor(m model.MarketState, amount decimal.Decimal) model.Position {
	return model.Position{
		MarketID:             m.MarketID,
		Symbol:               m.Symbol,
		Amount:               amount,
		PriceUSD:             m.PriceUSD,
		CollateralFactor:     m.CollateralFactor,
		LiquidationThreshold: m.LiquidationThreshold,
	}
}

// View is a market as reported to consumers: its state plus derived
// liquidity and utilization.
type View struct {
	model.MarketState
	AvailableLiquidity decimal.Decimal `json:"available_liquidity"`
	Utilization        decimal.Decimal `json:"utilization"`
	LiquidityClamped   bool            `json:"liquidity_clamped,omitempty"`
}

// Describe derives the View of m. Negative liquidity means the upstream data
// is inconsistent; it is clamped, flagged, logged and counted.
func Describe(network string, m model.MarketState) View {
	liquidity, clamped := m.AvailableLiquidity()
	if clamped {
		slog.Error("market reports more borrows than deposits; liquidity clamped to zero",
			"network", network,
			"market_id", m.MarketID,
			"total_deposits", m.TotalDeposits.String(),
			"total_borrows", m.TotalBorrows.String(),
		)
		metrics.LiquidityClamped.WithLabelValues(network, m.MarketID).Inc()
	}
	return View{
		MarketState:        m,
		AvailableLiquidity: liquidity,
		Utilization:        m.Utilization(),
		LiquidityClamped:   clamped,
	}
}
