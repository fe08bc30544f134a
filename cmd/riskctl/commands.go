package main

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/dorkfi/risk-engine/internal/api"
	"github.com/dorkfi/risk-engine/internal/market"
	"github.com/dorkfi/risk-engine/internal/model"
)

const (
	accountKey          = "account"
	marketKey           = "market"
	bufferKey           = "buffer"
	deltaKey            = "delta"
	minTierKey          = "min-tier"
	repayMarketKey      = "repay-market"
	collateralMarketKey = "collateral-market"
	amountKey           = "amount"
	closeFactorKey      = "close-factor"
	bonusKey            = "bonus"
)

func healthCommand() *cobra.Command {
	c := &cobra.Command{
		Use:   "health",
		Short: "Prints an account's health factor, LTV and risk tier",
		RunE:  healthFunc,
	}
	c.Flags().String(accountKey, "", "Account to evaluate (required)")
	return c
}

func healthFunc(c *cobra.Command, _ []string) error {
	engine, snap, err := setup(c)
	if err != nil {
		return err
	}
	accountID, _ := c.Flags().GetString(accountKey)
	ps, err := snap.positions(accountID)
	if err != nil {
		return err
	}
	agg, m, err := engine.Evaluate(ps)
	if err != nil {
		return err
	}
	return printJSON(c, api.HealthReport{
		Network:    snap.Network,
		AccountID:  accountID,
		Aggregate:  agg,
		Metrics:    m,
		Tier:       engine.Classify(m),
		Collateral: ps.Collateral(),
		Debt:       ps.Debt(),
	})
}

func capacityCommand() *cobra.Command {
	c := &cobra.Command{
		Use:   "capacity",
		Short: "Prints the maximum safe borrow and withdraw for one market",
		RunE:  capacityFunc,
	}
	flags := c.Flags()
	flags.String(accountKey, "", "Account to evaluate (required)")
	flags.String(marketKey, "", "Market to borrow from or withdraw from (required)")
	flags.String(bufferKey, "", "Safety buffer fraction; the configured buffer when empty")
	return c
}

func capacityFunc(c *cobra.Command, _ []string) error {
	engine, snap, err := setup(c)
	if err != nil {
		return err
	}
	flags := c.Flags()
	accountID, _ := flags.GetString(accountKey)
	marketID, _ := flags.GetString(marketKey)

	buffer := engine.Params().SafetyBuffer
	if raw, _ := flags.GetString(bufferKey); raw != "" {
		if buffer, err = decimal.NewFromString(raw); err != nil {
			return fmt.Errorf("invalid --%s: %w", bufferKey, err)
		}
	}

	target, ok := snap.index()[marketID]
	if !ok {
		return fmt.Errorf("market %q not in snapshot", marketID)
	}
	ps, err := snap.positions(accountID)
	if err != nil {
		return err
	}
	agg, err := engine.Aggregate(ps)
	if err != nil {
		return err
	}
	maxBorrow, err := engine.MaxBorrow(agg, target, buffer)
	if err != nil {
		return err
	}
	maxWithdraw, err := engine.MaxWithdraw(ps, target, buffer)
	if err != nil {
		return err
	}
	return printJSON(c, api.CapacityReport{
		Network:      snap.Network,
		AccountID:    accountID,
		MarketID:     marketID,
		MaxBorrow:    maxBorrow,
		MaxWithdraw:  maxWithdraw,
		SafetyBuffer: buffer,
		Market:       market.Describe(snap.Network, target),
	})
}

func simulateCommand() *cobra.Command {
	c := &cobra.Command{
		Use:   "simulate",
		Short: "Previews health after hypothetical deposits, borrows, withdrawals and repayments",
		Example: "  riskctl simulate -s snapshot.yaml --account alice " +
			"--delta deposit:ETH:0.5 --delta borrow:USDC:200",
		RunE: simulateFunc,
	}
	flags := c.Flags()
	flags.String(accountKey, "", "Account to evaluate (required)")
	flags.StringArray(deltaKey, nil, "Delta as kind:market:amount, applied in order (repeatable)")
	return c
}

func simulateFunc(c *cobra.Command, _ []string) error {
	engine, snap, err := setup(c)
	if err != nil {
		return err
	}
	flags := c.Flags()
	accountID, _ := flags.GetString(accountKey)
	raw, _ := flags.GetStringArray(deltaKey)
	if len(raw) == 0 {
		return fmt.Errorf("at least one --%s is required", deltaKey)
	}
	deltas := make([]model.Delta, 0, len(raw))
	for _, r := range raw {
		d, err := parseDelta(r)
		if err != nil {
			return err
		}
		deltas = append(deltas, d)
	}

	ps, err := snap.positions(accountID)
	if err != nil {
		return err
	}
	_, current, err := engine.Evaluate(ps)
	if err != nil {
		return err
	}
	projected, err := engine.Preview(ps, snap.index(), deltas...)
	if err != nil {
		return err
	}
	_, after, err := engine.Evaluate(projected)
	if err != nil {
		return err
	}
	return printJSON(c, api.SimulateResponse{
		Network:       snap.Network,
		AccountID:     accountID,
		Current:       current,
		CurrentTier:   engine.Classify(current),
		Projected:     after,
		ProjectedTier: engine.Classify(after),
	})
}

// parseDelta parses kind:market:amount.
func parseDelta(s string) (model.Delta, error) {
	parts := strings.Split(s, ":")
	if len(parts) < 3 {
		return model.Delta{}, fmt.Errorf("delta %q: want kind:market:amount", s)
	}
	// Market ids may themselves contain colons (ASA:31566704).
	kind := parts[0]
	amountRaw := parts[len(parts)-1]
	marketID := strings.Join(parts[1:len(parts)-1], ":")

	amount, err := decimal.NewFromString(amountRaw)
	if err != nil {
		return model.Delta{}, fmt.Errorf("delta %q: invalid amount: %w", s, err)
	}
	return model.Delta{Kind: model.DeltaKind(kind), MarketID: marketID, Amount: amount}, nil
}

func rankCommand() *cobra.Command {
	c := &cobra.Command{
		Use:   "rank",
		Short: "Ranks every debt position in the snapshot by liquidation risk",
		RunE:  rankFunc,
	}
	c.Flags().String(minTierKey, "", "Drop positions of accounts safer than this tier")
	return c
}

func rankFunc(c *cobra.Command, _ []string) error {
	engine, snap, err := setup(c)
	if err != nil {
		return err
	}
	minSeverity := 0
	if raw, _ := c.Flags().GetString(minTierKey); raw != "" {
		tier := model.RiskTier(raw)
		if tier != model.TierSafe && tier.Severity() == 0 {
			return fmt.Errorf("unknown tier %q", raw)
		}
		minSeverity = tier.Severity()
	}

	resp := api.AtRiskResponse{Network: snap.Network, Skipped: []api.SkippedAccount{}}
	var snapshots []model.AccountSnapshot
	for _, id := range snap.accounts() {
		ps, err := snap.positions(id)
		if err == nil {
			_, _, err = engine.Evaluate(ps)
		}
		if err != nil {
			resp.Skipped = append(resp.Skipped, api.SkippedAccount{AccountID: id, Error: err.Error()})
			continue
		}
		snapshots = append(snapshots, model.AccountSnapshot{AccountID: id, Positions: ps})
	}

	ranked, err := engine.RankAccounts(snapshots)
	if err != nil {
		return err
	}
	resp.Accounts = len(snapshots)
	resp.Positions = []model.RankedDebtPosition{}
	for _, p := range ranked {
		if p.Tier.Severity() >= minSeverity {
			resp.Positions = append(resp.Positions, p)
		}
	}
	return printJSON(c, resp)
}

func liquidateCommand() *cobra.Command {
	c := &cobra.Command{
		Use:   "liquidate",
		Short: "Sizes a liquidation of one account",
		RunE:  liquidateFunc,
	}
	flags := c.Flags()
	flags.String(accountKey, "", "Account to liquidate (required)")
	flags.String(repayMarketKey, "", "Market of the debt being repaid (required)")
	flags.String(collateralMarketKey, "", "Market of the collateral being seized (required)")
	flags.String(amountKey, "", "Requested repay amount in USD (required)")
	flags.String(closeFactorKey, "", "Close factor override; the configured close factor when unset")
	flags.String(bonusKey, "", "Liquidation bonus override; the configured bonus when unset")
	return c
}

func liquidateFunc(c *cobra.Command, _ []string) error {
	engine, snap, err := setup(c)
	if err != nil {
		return err
	}
	flags := c.Flags()
	accountID, _ := flags.GetString(accountKey)
	repayMarket, _ := flags.GetString(repayMarketKey)
	collateralMarket, _ := flags.GetString(collateralMarketKey)

	amount, err := decimalFlag(c, amountKey)
	if err != nil {
		return err
	}
	closeFactor, err := overrideFlag(c, closeFactorKey)
	if err != nil {
		return err
	}
	bonus, err := overrideFlag(c, bonusKey)
	if err != nil {
		return err
	}

	ps, err := snap.positions(accountID)
	if err != nil {
		return err
	}
	plan, err := engine.SizeLiquidation(model.LiquidationRequest{
		Positions:          ps,
		RepayMarketID:      repayMarket,
		CollateralMarketID: collateralMarket,
		RequestedRepayUSD:  amount,
		CloseFactor:        closeFactor,
		BonusRate:          bonus,
	})
	if err != nil {
		return err
	}
	plan.ID = uuid.New().String()
	return printJSON(c, plan)
}

// decimalFlag reads a decimal string flag. Unset flags read as zero.
func decimalFlag(c *cobra.Command, key string) (decimal.Decimal, error) {
	raw, err := c.Flags().GetString(key)
	if err != nil || raw == "" {
		return decimal.Zero, err
	}
	v, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid --%s: %w", key, err)
	}
	return v, nil
}

// overrideFlag reads an optional decimal flag. An unset flag is invalid so
// the engine default applies; an explicit zero stays zero.
func overrideFlag(c *cobra.Command, key string) (decimal.NullDecimal, error) {
	if !c.Flags().Changed(key) {
		return decimal.NullDecimal{}, nil
	}
	v, err := decimalFlag(c, key)
	if err != nil {
		return decimal.NullDecimal{}, err
	}
	return decimal.NewNullDecimal(v), nil
}
