// Package metrics provides Prometheus instrumentation for the risk engine.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Evaluations counts engine computations, partitioned by operation and
	// outcome (ok, or the error kind).
	Evaluations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "riskengine_evaluations_total",
		Help: "Total engine computations by operation and outcome",
	}, []string{"op", "outcome"})

	// EvaluationLatency includes the store fetch that precedes the engine call.
	EvaluationLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "riskengine_evaluation_latency_seconds",
		Help:    "Fetch plus computation latency in seconds",
		Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"op"})

	// StaleResults counts recomputations dropped because a newer request for
	// the same key arrived first.
	StaleResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "riskengine_stale_results_total",
		Help: "Results discarded by the staleness guard",
	}, []string{"op"})

	// LiquidityClamped counts markets reported with more borrows than deposits.
	LiquidityClamped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "riskengine_liquidity_clamped_total",
		Help: "Markets whose available liquidity was negative and clamped to zero",
	}, []string{"network", "market_id"})

	// DegenerateInputs counts upstream data bugs rejected by the engine.
	DegenerateInputs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "riskengine_degenerate_inputs_total",
		Help: "Computations rejected for degenerate input",
	}, []string{"network"})

	// CacheLookups counts result-cache lookups by result (hit, miss).
	CacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "riskengine_cache_lookups_total",
		Help: "Result cache lookups",
	}, []string{"result"})

	// AccountsByTier tracks the last ranked population per network and tier.
	AccountsByTier = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "riskengine_accounts_by_tier",
		Help: "Accounts per risk tier in the latest at-risk scan",
	}, []string{"network", "tier"})

	// LiquidationPlans counts sized liquidation plans by eligibility.
	LiquidationPlans = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "riskengine_liquidation_plans_total",
		Help: "Liquidation plans sized",
	}, []string{"eligible"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "riskengine_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "riskengine_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "riskengine_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Route pattern, not the raw path, keeps account ids out of labels.
		path := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			path = rc.RoutePattern()
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack lets WebSocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
