package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dorkfi/risk-engine/internal/api"
	"github.com/dorkfi/risk-engine/internal/model"
)

const testSnapshot = `
network: voi-mainnet
markets:
  - market_id: VOI
    symbol: VOI
    price_usd: 0.5
    collateral_factor: 0.8
    liquidation_threshold: 0.85
    total_deposits: 10000
  - market_id: USDC
    symbol: USDC
    price_usd: 1
    collateral_factor: 0.8
    liquidation_threshold: 0.85
    total_deposits: 10000
    total_borrows: 1300
  - market_id: ETH
    symbol: ETH
    price_usd: 2000
    collateral_factor: 0.8
    liquidation_threshold: 0.85
    total_deposits: 100
balances:
  - account_id: alice
    market_id: VOI
    deposit_balance: 1000
  - account_id: alice
    market_id: USDC
    debt_balance: 300
  - account_id: carol
    market_id: ETH
    deposit_balance: 0.4
  - account_id: carol
    market_id: USDC
    debt_balance: 990
    accrued_interest: 10
`

func writeSnapshot(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "snapshot.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testSnapshot), 0o600))
	return path
}

func run(t *testing.T, args ...string) ([]byte, error) {
	t.Helper()
	var out bytes.Buffer
	c := rootCommand()
	c.SetOut(&out)
	c.SetErr(&bytes.Buffer{})
	c.SetArgs(args)
	err := c.Execute()
	return out.Bytes(), err
}

func TestHealthCommand(t *testing.T) {
	out, err := run(t, "-s", writeSnapshot(t), "health", "--account", "alice")
	require.NoError(t, err)

	var report api.HealthReport
	require.NoError(t, json.Unmarshal(out, &report))
	assert.True(t, report.Metrics.HealthFactor.Equal(decimal.NewFromInt(400).Div(decimal.NewFromInt(300))))
	assert.Equal(t, model.TierModerate, report.Tier)
	assert.Equal(t, "voi-mainnet", report.Network)
}

func TestCapacityCommand(t *testing.T) {
	out, err := run(t, "-s", writeSnapshot(t), "capacity", "--account", "alice", "--market", "USDC")
	require.NoError(t, err)

	var report api.CapacityReport
	require.NoError(t, json.Unmarshal(out, &report))
	assert.True(t, report.MaxBorrow.Equal(decimal.NewFromInt(100)), "headroom bound, got %s", report.MaxBorrow)

	_, err = run(t, "-s", writeSnapshot(t), "capacity", "--account", "alice", "--market", "BTC")
	assert.Error(t, err)
}

func TestSimulateCommand(t *testing.T) {
	out, err := run(t, "-s", writeSnapshot(t), "simulate", "--account", "alice",
		"--delta", "deposit:ETH:0.1", "--delta", "borrow:USDC:200")
	require.NoError(t, err)

	var resp api.SimulateResponse
	require.NoError(t, json.Unmarshal(out, &resp))
	assert.True(t, resp.Projected.HealthFactor.Equal(decimal.NewFromInt(560).Div(decimal.NewFromInt(500))))

	_, err = run(t, "-s", writeSnapshot(t), "simulate", "--account", "alice", "--delta", "borrow:USDC:200")
	assert.Error(t, err, "borrow beyond headroom must fail")

	_, err = run(t, "-s", writeSnapshot(t), "simulate", "--account", "alice")
	assert.Error(t, err)
}

func TestParseDelta(t *testing.T) {
	d, err := parseDelta("withdraw:ASA:31566704:2.5")
	require.NoError(t, err)
	assert.Equal(t, model.DeltaWithdraw, d.Kind)
	assert.Equal(t, "ASA:31566704", d.MarketID)
	assert.True(t, d.Amount.Equal(decimal.RequireFromString("2.5")))

	_, err = parseDelta("borrow:USDC")
	assert.Error(t, err)
	_, err = parseDelta("borrow:USDC:lots")
	assert.Error(t, err)
}

func TestRankCommand(t *testing.T) {
	out, err := run(t, "-s", writeSnapshot(t), "rank")
	require.NoError(t, err)

	var resp api.AtRiskResponse
	require.NoError(t, json.Unmarshal(out, &resp))
	require.Len(t, resp.Positions, 2)
	assert.Equal(t, "carol", resp.Positions[0].AccountID)
	assert.Equal(t, 2, resp.Accounts)

	out, err = run(t, "-s", writeSnapshot(t), "rank", "--min-tier", "liquidatable")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(out, &resp))
	assert.Len(t, resp.Positions, 1)
}

func TestLiquidateCommand(t *testing.T) {
	out, err := run(t, "-s", writeSnapshot(t), "liquidate",
		"--account", "carol", "--repay-market", "USDC", "--collateral-market", "ETH", "--amount", "600")
	require.NoError(t, err)

	var plan model.LiquidationPlan
	require.NoError(t, json.Unmarshal(out, &plan))
	assert.NotEmpty(t, plan.ID)
	assert.True(t, plan.RepayUSD.Equal(decimal.NewFromInt(500)))
	assert.True(t, plan.Eligible)
	assert.True(t, plan.BonusUSD.Equal(decimal.NewFromInt(25)))

	out, err = run(t, "-s", writeSnapshot(t), "liquidate",
		"--account", "carol", "--repay-market", "USDC", "--collateral-market", "ETH", "--amount", "100", "--bonus", "0")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(out, &plan))
	assert.True(t, plan.BonusUSD.IsZero(), "explicit zero bonus, got %s", plan.BonusUSD)
}

func TestMissingSnapshot(t *testing.T) {
	_, err := run(t, "health", "--account", "alice")
	assert.Error(t, err)
}
