// Package api exposes the risk engine over HTTP and WebSocket: account
// health, borrow/withdraw capacity, what-if previews, at-risk rankings and
// liquidation plans.
//
// Handlers load market and balance data from the store, hand it to the
// engine and return the engine's output. Every recomputation runs under the
// staleness guard, so when one client fires several requests for the same
// account and market only the newest one is answered.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/dorkfi/risk-engine/internal/cache"
	"github.com/dorkfi/risk-engine/internal/market"
	"github.com/dorkfi/risk-engine/internal/metrics"
	"github.com/dorkfi/risk-engine/internal/model"
	"github.com/dorkfi/risk-engine/internal/solvency"
	"github.com/dorkfi/risk-engine/internal/staleness"
	"github.com/dorkfi/risk-engine/internal/store"
)

const (
	defaultCacheSize   = 1024
	defaultScanWorkers = 8
	defaultAtRiskLimit = 100
	maxAtRiskLimit     = 1000
)

// RequestKey scopes the staleness guard: one client, one account and market
// on one network, one operation.
type RequestKey struct {
	Client  string
	Network string
	Account string
	Market  string
	Op      string
}

// Options configures a Service. Zero values select defaults.
type Options struct {
	CacheSize int
	CacheTTL  time.Duration
	// AllowNetwork restricts the networks served. Nil allows any.
	AllowNetwork func(network string) bool
	// ScanWorkers bounds concurrent balance fetches in the at-risk scan.
	ScanWorkers int
}

// Service handles risk queries. The engine is stateless; the guard and the
// result caches are the only mutable state and are safe for concurrent use.
type Service struct {
	store         store.Store
	engine        *solvency.Engine
	guard         *staleness.Guard[RequestKey]
	healthCache   *cache.ResultCache[HealthReport]
	capacityCache *cache.ResultCache[CapacityReport]
	wsHub         *WSHub // optional WebSocket hub for health pushes
	allowNetwork  func(string) bool
	scanWorkers   int
}

// NewService creates a new risk service.
// Pass nil for hub if WebSocket broadcasting is not needed.
func NewService(st store.Store, engine *solvency.Engine, hub *WSHub, opts Options) (*Service, error) {
	size := opts.CacheSize
	if size <= 0 {
		size = defaultCacheSize
	}
	healthCache, err := cache.New[HealthReport](size, opts.CacheTTL)
	if err != nil {
		return nil, err
	}
	capacityCache, err := cache.New[CapacityReport](size, opts.CacheTTL)
	if err != nil {
		return nil, err
	}
	allow := opts.AllowNetwork
	if allow == nil {
		allow = func(string) bool { return true }
	}
	workers := opts.ScanWorkers
	if workers <= 0 {
		workers = defaultScanWorkers
	}
	return &Service{
		store:         st,
		engine:        engine,
		guard:         staleness.NewGuard[RequestKey](),
		healthCache:   healthCache,
		capacityCache: capacityCache,
		wsHub:         hub,
		allowNetwork:  allow,
		scanWorkers:   workers,
	}, nil
}

// Register mounts the network-scoped routes on r.
func (s *Service) Register(r chi.Router) {
	r.Route("/networks/{network}", func(r chi.Router) {
		r.Use(s.requireNetwork)

		// Market data and balance sources.
		r.Get("/markets", s.ListMarkets)
		r.Post("/markets", s.UpsertMarket)
		r.Post("/balances", s.UpsertBalance)

		// Account risk.
		r.Get("/accounts/{accountID}/health", s.GetHealth)
		r.Get("/accounts/{accountID}/capacity/{marketID}", s.GetCapacity)
		r.Post("/accounts/{accountID}/simulate", s.Simulate)
		r.Get("/accounts/{accountID}/risk", s.GetRisk)

		// Liquidator views.
		r.Get("/at-risk", s.AtRisk)
		r.Post("/liquidations/plan", s.PlanLiquidation)
	})
}

// --- Request/Response types ---

// HealthReport is the response of GET .../health.
type HealthReport struct {
	Network    string                `json:"network"`
	AccountID  string                `json:"account_id"`
	Aggregate  model.AggregateResult `json:"aggregate"`
	Metrics    model.HealthMetrics   `json:"metrics"`
	Tier       model.RiskTier        `json:"tier"`
	Collateral []model.Position      `json:"collateral"`
	Debt       []model.Position      `json:"debt"`
}

// CapacityReport is the response of GET .../capacity/{marketID}.
type CapacityReport struct {
	Network      string          `json:"network"`
	AccountID    string          `json:"account_id"`
	MarketID     string          `json:"market_id"`
	MaxBorrow    decimal.Decimal `json:"max_borrow"`
	MaxWithdraw  decimal.Decimal `json:"max_withdraw"`
	SafetyBuffer decimal.Decimal `json:"safety_buffer"`
	Market       market.View     `json:"market"`
}

// SimulateRequest is the JSON body for POST .../simulate. Deltas apply in
// order; each borrow is checked against liquidity and headroom as of the
// deltas before it.
type SimulateRequest struct {
	Deltas []model.Delta `json:"deltas"`
}

// SimulateResponse compares current and projected health.
type SimulateResponse struct {
	Network       string              `json:"network"`
	AccountID     string              `json:"account_id"`
	Current       model.HealthMetrics `json:"current"`
	CurrentTier   model.RiskTier      `json:"current_tier"`
	Projected     model.HealthMetrics `json:"projected"`
	ProjectedTier model.RiskTier      `json:"projected_tier"`
}

// RiskReport is the response of GET .../risk.
type RiskReport struct {
	Network         string                     `json:"network"`
	AccountID       string                     `json:"account_id"`
	Tier            model.RiskTier             `json:"tier"`
	HealthFactorRaw decimal.Decimal            `json:"health_factor_raw"`
	Positions       []model.RankedDebtPosition `json:"positions"`
}

// SkippedAccount is an account the at-risk scan could not evaluate.
type SkippedAccount struct {
	AccountID string `json:"account_id"`
	Error     string `json:"error"`
}

// AtRiskResponse is the response of GET .../at-risk.
type AtRiskResponse struct {
	Network   string                     `json:"network"`
	Accounts  int                        `json:"accounts"`
	Positions []model.RankedDebtPosition `json:"positions"`
	Skipped   []SkippedAccount           `json:"skipped"`
}

// LiquidationPlanRequest is the JSON body for POST .../liquidations/plan.
// An absent or null close_factor or bonus_rate selects the engine default.
type LiquidationPlanRequest struct {
	AccountID          string              `json:"account_id"`
	RepayMarketID      string              `json:"repay_market_id"`
	CollateralMarketID string              `json:"collateral_market_id"`
	RequestedRepayUSD  decimal.Decimal     `json:"requested_repay_usd"`
	CloseFactor        decimal.NullDecimal `json:"close_factor"`
	BonusRate          decimal.NullDecimal `json:"bonus_rate"`
}

// --- HTTP Handlers: data sources ---

// ListMarkets handles GET /api/v1/networks/{network}/markets
func (s *Service) ListMarkets(w http.ResponseWriter, r *http.Request) {
	network := chi.URLParam(r, "network")

	markets, err := s.store.ListMarkets(r.Context(), network)
	if err != nil {
		s.writeFailure(w, network, "list_markets", err)
		return
	}

	views := make([]market.View, 0, len(markets))
	for _, m := range markets {
		views = append(views, market.Describe(network, m))
	}
	writeJSON(w, http.StatusOK, views)
}

// UpsertMarket handles POST /api/v1/networks/{network}/markets
func (s *Service) UpsertMarket(w http.ResponseWriter, r *http.Request) {
	network := chi.URLParam(r, "network")

	var m model.MarketState
	if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := market.ValidateID("market", m.MarketID); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := solvency.ValidateMarket(m); err != nil {
		s.writeFailure(w, network, "upsert_market", err)
		return
	}
	if m.UpdatedAt.IsZero() {
		m.UpdatedAt = time.Now().UTC()
	}

	if err := s.store.UpsertMarket(r.Context(), network, m); err != nil {
		s.writeFailure(w, network, "upsert_market", err)
		return
	}
	s.healthCache.InvalidateMarket(network, m.MarketID)
	s.capacityCache.InvalidateMarket(network, m.MarketID)

	slog.Info("market updated",
		"network", network,
		"market_id", m.MarketID,
		"price_usd", m.PriceUSD.String(),
		"total_deposits", m.TotalDeposits.String(),
		"total_borrows", m.TotalBorrows.String(),
	)

	writeJSON(w, http.StatusOK, market.Describe(network, m))
}

// UpsertBalance handles POST /api/v1/networks/{network}/balances
func (s *Service) UpsertBalance(w http.ResponseWriter, r *http.Request) {
	network := chi.URLParam(r, "network")

	var b model.Balance
	if err := json.NewDecoder(r.Body).Decode(&b); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := market.ValidateID("account", b.AccountID); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := market.ValidateID("market", b.MarketID); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if b.DepositBalance.IsNegative() || b.DebtBalance.IsNegative() || b.AccruedInterest.IsNegative() {
		s.writeFailure(w, network, "upsert_balance",
			fmt.Errorf("%w: negative balance for %s in %s", solvency.ErrDegenerateInput, b.AccountID, b.MarketID))
		return
	}
	if b.UpdatedAt.IsZero() {
		b.UpdatedAt = time.Now().UTC()
	}

	if err := s.store.UpsertBalance(r.Context(), network, b); err != nil {
		s.writeFailure(w, network, "upsert_balance", err)
		return
	}
	s.healthCache.InvalidateAccount(network, b.AccountID)
	s.capacityCache.InvalidateAccount(network, b.AccountID)

	writeJSON(w, http.StatusOK, b)
}

// --- HTTP Handlers: account risk ---

// GetHealth handles GET /api/v1/networks/{network}/accounts/{accountID}/health
func (s *Service) GetHealth(w http.ResponseWriter, r *http.Request) {
	network, accountID, ok := accountParams(w, r)
	if !ok {
		return
	}

	report, err := guarded(s, r, "health", accountID, "",
		func(ctx context.Context) (HealthReport, error) {
			return s.computeHealth(ctx, network, accountID)
		},
		s.publishHealth,
	)
	if err != nil {
		s.writeFailure(w, network, "health", err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// GetCapacity handles GET /api/v1/networks/{network}/accounts/{accountID}/capacity/{marketID}
// The optional ?buffer= query overrides the configured safety buffer.
func (s *Service) GetCapacity(w http.ResponseWriter, r *http.Request) {
	network, accountID, ok := accountParams(w, r)
	if !ok {
		return
	}
	marketID := chi.URLParam(r, "marketID")
	if err := market.ValidateID("market", marketID); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	buffer := s.engine.Params().SafetyBuffer
	if raw := r.URL.Query().Get("buffer"); raw != "" {
		v, err := decimal.NewFromString(raw)
		if err != nil {
			writeError(w, "buffer must be a decimal fraction", http.StatusBadRequest)
			return
		}
		buffer = v
	}

	report, err := guarded(s, r, "capacity", accountID, marketID,
		func(ctx context.Context) (CapacityReport, error) {
			return s.computeCapacity(ctx, network, accountID, marketID, buffer)
		},
		nil,
	)
	if err != nil {
		s.writeFailure(w, network, "capacity", err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// Simulate handles POST /api/v1/networks/{network}/accounts/{accountID}/simulate
func (s *Service) Simulate(w http.ResponseWriter, r *http.Request) {
	network, accountID, ok := accountParams(w, r)
	if !ok {
		return
	}

	var req SimulateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if len(req.Deltas) == 0 {
		writeError(w, "at least one delta is required", http.StatusBadRequest)
		return
	}

	resp, err := guarded(s, r, "simulate", accountID, "",
		func(ctx context.Context) (SimulateResponse, error) {
			return s.simulate(ctx, network, accountID, req.Deltas)
		},
		nil,
	)
	if err != nil {
		s.writeFailure(w, network, "simulate", err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetRisk handles GET /api/v1/networks/{network}/accounts/{accountID}/risk
func (s *Service) GetRisk(w http.ResponseWriter, r *http.Request) {
	network, accountID, ok := accountParams(w, r)
	if !ok {
		return
	}

	report, err := guarded(s, r, "risk", accountID, "",
		func(ctx context.Context) (RiskReport, error) {
			in, err := s.loadAccount(ctx, network, accountID)
			if err != nil {
				return RiskReport{}, err
			}
			_, m, err := s.engine.Evaluate(in.positions)
			if err != nil {
				return RiskReport{}, err
			}
			ranked, err := s.engine.Rank(in.positions, m)
			if err != nil {
				return RiskReport{}, err
			}
			if ranked == nil {
				ranked = []model.RankedDebtPosition{}
			}
			return RiskReport{
				Network:         network,
				AccountID:       accountID,
				Tier:            s.engine.Classify(m),
				HealthFactorRaw: m.HealthFactorRaw,
				Positions:       ranked,
			}, nil
		},
		nil,
	)
	if err != nil {
		s.writeFailure(w, network, "risk", err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// --- HTTP Handlers: liquidator views ---

// AtRisk handles GET /api/v1/networks/{network}/at-risk
// Optional query: ?min_tier=danger to drop safer accounts, ?limit=N.
func (s *Service) AtRisk(w http.ResponseWriter, r *http.Request) {
	network := chi.URLParam(r, "network")

	minSeverity := 0
	if raw := r.URL.Query().Get("min_tier"); raw != "" {
		tier := model.RiskTier(raw)
		if tier != model.TierSafe && tier.Severity() == 0 {
			writeError(w, "unknown tier: "+raw, http.StatusBadRequest)
			return
		}
		minSeverity = tier.Severity()
	}
	limit := defaultAtRiskLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = min(n, maxAtRiskLimit)
	}

	resp, err := guarded(s, r, "at_risk", "", "",
		func(ctx context.Context) (AtRiskResponse, error) {
			return s.scanNetwork(ctx, network)
		},
		nil,
	)
	if err != nil {
		s.writeFailure(w, network, "at_risk", err)
		return
	}

	filtered := make([]model.RankedDebtPosition, 0, len(resp.Positions))
	for _, p := range resp.Positions {
		if p.Tier.Severity() < minSeverity {
			continue
		}
		filtered = append(filtered, p)
		if len(filtered) == limit {
			break
		}
	}
	resp.Positions = filtered
	writeJSON(w, http.StatusOK, resp)
}

// PlanLiquidation handles POST /api/v1/networks/{network}/liquidations/plan
// Each call sizes a fresh plan with its own id; plans are never reused.
func (s *Service) PlanLiquidation(w http.ResponseWriter, r *http.Request) {
	network := chi.URLParam(r, "network")

	var req LiquidationPlanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	for kind, id := range map[string]string{
		"account":           req.AccountID,
		"repay market":      req.RepayMarketID,
		"collateral market": req.CollateralMarketID,
	} {
		if err := market.ValidateID(kind, id); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	plan, err := guarded(s, r, "liquidate", req.AccountID, req.CollateralMarketID,
		func(ctx context.Context) (model.LiquidationPlan, error) {
			in, err := s.loadAccount(ctx, network, req.AccountID)
			if err != nil {
				return model.LiquidationPlan{}, err
			}
			plan, err := s.engine.SizeLiquidation(model.LiquidationRequest{
				Positions:          in.positions,
				RepayMarketID:      req.RepayMarketID,
				CollateralMarketID: req.CollateralMarketID,
				RequestedRepayUSD:  req.RequestedRepayUSD,
				CloseFactor:        req.CloseFactor,
				BonusRate:          req.BonusRate,
			})
			if err != nil {
				return model.LiquidationPlan{}, err
			}
			plan.ID = uuid.New().String()
			return plan, nil
		},
		nil,
	)
	if err != nil {
		s.writeFailure(w, network, "liquidate", err)
		return
	}

	metrics.LiquidationPlans.WithLabelValues(strconv.FormatBool(plan.Eligible)).Inc()
	slog.Info("liquidation plan sized",
		"plan_id", plan.ID,
		"network", network,
		"account_id", plan.AccountID,
		"repay_usd", plan.RepayUSD.String(),
		"collateral_market_id", plan.CollateralMarketID,
		"collateral_amount", plan.CollateralAmount.String(),
		"eligible", plan.Eligible,
	)

	writeJSON(w, http.StatusOK, plan)
}

// --- Computation ---

// accountInputs is one consistent snapshot of an account and its markets.
type accountInputs struct {
	positions model.PositionSet
	markets   market.Index
}

// referenced returns the states of the markets the account holds, in
// position order, for input hashing.
func (in accountInputs) referenced() []model.MarketState {
	seen := make(map[string]bool)
	var out []model.MarketState
	add := func(ps []model.Position) {
		for _, p := range ps {
			if seen[p.MarketID] {
				continue
			}
			seen[p.MarketID] = true
			out = append(out, in.markets[p.MarketID])
		}
	}
	add(in.positions.Collateral())
	add(in.positions.Debt())
	return out
}

// loadAccount fetches market state and balances concurrently and converts
// them into a position set.
func (s *Service) loadAccount(ctx context.Context, network, accountID string) (accountInputs, error) {
	var markets []model.MarketState
	var balances []model.Balance

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		markets, err = s.store.ListMarkets(gctx, network)
		return err
	})
	g.Go(func() error {
		var err error
		balances, err = s.store.GetBalances(gctx, network, accountID)
		return err
	})
	if err := g.Wait(); err != nil {
		return accountInputs{}, err
	}

	idx := market.NewIndex(markets)
	ps, err := market.BuildPositionSet(accountID, balances, idx)
	if err != nil {
		return accountInputs{}, err
	}
	return accountInputs{positions: ps, markets: idx}, nil
}

func (s *Service) computeHealth(ctx context.Context, network, accountID string) (HealthReport, error) {
	in, err := s.loadAccount(ctx, network, accountID)
	if err != nil {
		return HealthReport{}, err
	}

	key := cache.Key{
		AccountID: accountID,
		NetworkID: network,
		Op:        "health",
		InputHash: cache.HashInputs(in.positions, in.referenced()),
	}
	if report, ok := s.healthCache.Get(key); ok {
		metrics.CacheLookups.WithLabelValues("hit").Inc()
		return report, nil
	}
	metrics.CacheLookups.WithLabelValues("miss").Inc()

	agg, m, err := s.engine.Evaluate(in.positions)
	if err != nil {
		return HealthReport{}, err
	}
	report := HealthReport{
		Network:    network,
		AccountID:  accountID,
		Aggregate:  agg,
		Metrics:    m,
		Tier:       s.engine.Classify(m),
		Collateral: nonNil(in.positions.Collateral()),
		Debt:       nonNil(in.positions.Debt()),
	}
	s.healthCache.Put(key, report)
	return report, nil
}

func (s *Service) computeCapacity(ctx context.Context, network, accountID, marketID string, buffer decimal.Decimal) (CapacityReport, error) {
	in, err := s.loadAccount(ctx, network, accountID)
	if err != nil {
		return CapacityReport{}, err
	}
	target, ok := in.markets[marketID]
	if !ok {
		return CapacityReport{}, fmt.Errorf("%w: market %s on %s", store.ErrNotFound, marketID, network)
	}
	view := market.Describe(network, target)

	key := cache.Key{
		AccountID: accountID,
		MarketID:  marketID,
		NetworkID: network,
		Op:        "capacity",
		InputHash: cache.HashInputs(in.positions, append(in.referenced(), target), buffer.String()),
	}
	if report, ok := s.capacityCache.Get(key); ok {
		metrics.CacheLookups.WithLabelValues("hit").Inc()
		return report, nil
	}
	metrics.CacheLookups.WithLabelValues("miss").Inc()

	agg, err := s.engine.Aggregate(in.positions)
	if err != nil {
		return CapacityReport{}, err
	}
	maxBorrow, err := s.engine.MaxBorrow(agg, target, buffer)
	if err != nil {
		return CapacityReport{}, err
	}
	maxWithdraw, err := s.engine.MaxWithdraw(in.positions, target, buffer)
	if err != nil {
		return CapacityReport{}, err
	}

	report := CapacityReport{
		Network:      network,
		AccountID:    accountID,
		MarketID:     marketID,
		MaxBorrow:    maxBorrow,
		MaxWithdraw:  maxWithdraw,
		SafetyBuffer: buffer,
		Market:       view,
	}
	s.capacityCache.Put(key, report)
	return report, nil
}

func (s *Service) simulate(ctx context.Context, network, accountID string, deltas []model.Delta) (SimulateResponse, error) {
	in, err := s.loadAccount(ctx, network, accountID)
	if err != nil {
		return SimulateResponse{}, err
	}
	_, current, err := s.engine.Evaluate(in.positions)
	if err != nil {
		return SimulateResponse{}, err
	}

	projected, err := s.engine.Preview(in.positions, in.markets, deltas...)
	if err != nil {
		return SimulateResponse{}, err
	}
	_, after, err := s.engine.Evaluate(projected)
	if err != nil {
		return SimulateResponse{}, err
	}
	return SimulateResponse{
		Network:       network,
		AccountID:     accountID,
		Current:       current,
		CurrentTier:   s.engine.Classify(current),
		Projected:     after,
		ProjectedTier: s.engine.Classify(after),
	}, nil
}

// scanNetwork ranks the debt of every account on network. Accounts whose
// data cannot be evaluated are reported as skipped rather than failing the
// whole scan; store errors still fail it.
func (s *Service) scanNetwork(ctx context.Context, network string) (AtRiskResponse, error) {
	markets, err := s.store.ListMarkets(ctx, network)
	if err != nil {
		return AtRiskResponse{}, err
	}
	idx := market.NewIndex(markets)

	ids, err := s.store.ListAccounts(ctx, network)
	if err != nil {
		return AtRiskResponse{}, err
	}

	snapshots := make([]model.AccountSnapshot, len(ids))
	buildErrs := make([]error, len(ids))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.scanWorkers)
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			balances, err := s.store.GetBalances(gctx, network, id)
			if err != nil {
				return fmt.Errorf("balances for %s: %w", id, err)
			}
			ps, err := market.BuildPositionSet(id, balances, idx)
			if err != nil {
				buildErrs[i] = err
				return nil
			}
			snapshots[i] = model.AccountSnapshot{AccountID: id, Positions: ps}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return AtRiskResponse{}, err
	}

	resp := AtRiskResponse{Network: network, Skipped: []SkippedAccount{}}
	tiers := make(map[model.RiskTier]int)
	var valid []model.AccountSnapshot

	for i, snap := range snapshots {
		err := buildErrs[i]
		if err == nil {
			var m model.HealthMetrics
			if _, m, err = s.engine.Evaluate(snap.Positions); err == nil {
				tiers[s.engine.Classify(m)]++
				valid = append(valid, snap)
				continue
			}
		}
		slog.Warn("account skipped in at-risk scan", "network", network, "account_id", ids[i], "err", err)
		resp.Skipped = append(resp.Skipped, SkippedAccount{AccountID: ids[i], Error: err.Error()})
	}

	ranked, err := s.engine.RankAccounts(valid)
	if err != nil {
		return AtRiskResponse{}, err
	}
	for _, t := range []model.RiskTier{model.TierLiquidatable, model.TierDanger, model.TierModerate, model.TierSafe} {
		metrics.AccountsByTier.WithLabelValues(network, string(t)).Set(float64(tiers[t]))
	}

	resp.Accounts = len(valid)
	resp.Positions = nonNil(ranked)
	return resp, nil
}

func (s *Service) publishHealth(report HealthReport) {
	if s.wsHub == nil {
		return
	}
	s.wsHub.Broadcast(WSMessage{
		Type:         "health_updated",
		Network:      report.Network,
		AccountID:    report.AccountID,
		HealthFactor: report.Metrics.HealthFactor.String(),
		LTV:          report.Metrics.LTV.String(),
		Tier:         string(report.Tier),
	})
}

// guarded runs fetch under the staleness guard for this client's request key
// and records latency and outcome.
func guarded[T any](s *Service, r *http.Request, op, accountID, marketID string, fetch func(context.Context) (T, error), publish func(T)) (T, error) {
	key := RequestKey{
		Client:  clientID(r),
		Network: chi.URLParam(r, "network"),
		Account: accountID,
		Market:  marketID,
		Op:      op,
	}

	start := time.Now()
	v, err := staleness.Do(r.Context(), s.guard, key, fetch, publish)
	metrics.EvaluationLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	metrics.Evaluations.WithLabelValues(op, outcome(err)).Inc()
	return v, err
}

// --- Helpers ---

// requireNetwork rejects malformed and unserved networks.
func (s *Service) requireNetwork(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		network := chi.URLParam(r, "network")
		if err := market.ValidateID("network", network); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		if !s.allowNetwork(network) {
			writeError(w, "unknown network: "+network, http.StatusNotFound)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func accountParams(w http.ResponseWriter, r *http.Request) (network, accountID string, ok bool) {
	network = chi.URLParam(r, "network")
	accountID = chi.URLParam(r, "accountID")
	if err := market.ValidateID("account", accountID); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return "", "", false
	}
	return network, accountID, true
}

// clientID identifies the requesting UI session. Dashboards send
// X-Client-ID; otherwise the remote address stands in.
func clientID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-Client-ID")); id != "" {
		return id
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, staleness.ErrStaleResult):
		return "stale"
	case errors.Is(err, solvency.ErrMissingMarketData):
		return "missing_market_data"
	case errors.Is(err, solvency.ErrInsufficientLiquidity):
		return "insufficient_liquidity"
	case errors.Is(err, solvency.ErrInsufficientCollateral):
		return "insufficient_collateral"
	case errors.Is(err, solvency.ErrDegenerateInput):
		return "degenerate_input"
	case errors.Is(err, store.ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}

// writeFailure maps an error onto an HTTP status. Degenerate input means an
// upstream data bug and is logged at error level.
func (s *Service) writeFailure(w http.ResponseWriter, network, op string, err error) {
	switch {
	case errors.Is(err, staleness.ErrStaleResult):
		metrics.StaleResults.WithLabelValues(op).Inc()
		writeJSON(w, http.StatusConflict, map[string]any{"error": err.Error(), "stale": true})
	case errors.Is(err, store.ErrNotFound):
		writeError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, solvency.ErrMissingMarketData):
		writeError(w, err.Error(), http.StatusUnprocessableEntity)
	case errors.Is(err, solvency.ErrInsufficientLiquidity),
		errors.Is(err, solvency.ErrInsufficientCollateral):
		writeError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, solvency.ErrDegenerateInput):
		slog.Error("degenerate input rejected", "network", network, "op", op, "err", err)
		metrics.DegenerateInputs.WithLabelValues(network).Inc()
		writeError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, market.ErrInvalidID):
		writeError(w, err.Error(), http.StatusBadRequest)
	default:
		slog.Error("request failed", "network", network, "op", op, "err", err)
		writeError(w, "internal error", http.StatusInternalServerError)
	}
}

func nonNil[T any](v []T) []T {
	if v == nil {
		return []T{}
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
