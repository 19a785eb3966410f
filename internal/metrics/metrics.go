package metrics

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus metrics of the supervisor.
type Metrics struct {
	ReconcilePasses   *prometheus.CounterVec // labels: result=ok|error
	ReconcileDur      prometheus.Histogram
	ResidualRows      prometheus.Gauge
	StrayRows         prometheus.Gauge
	StrayRefreshFails prometheus.Counter
	ConservationFails prometheus.Counter
	TotalEquity       prometheus.Gauge

	TradesTotal *prometheus.CounterVec // labels: outcome
	FXLookups   *prometheus.CounterVec // labels: source
	AlertsTotal prometheus.Counter

	QueueDepth prometheus.Gauge

	// Redis circuit breaker
	RedisCircuitBreakerState prometheus.Gauge // 0=closed, 1=open, 2=half-open
	RedisCircuitBreakerTrips prometheus.Counter
	RedisHeldUpdates         prometheus.Counter

	MarketState prometheus.Gauge // 0=closed, 1=open
}

// NewMetrics creates the metrics and registers them with reg. A nil reg
// registers with the default Prometheus registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		ReconcilePasses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "supervisor_reconcile_passes_total",
			Help: "Reconciliation passes by result",
		}, []string{"result"}),
		ReconcileDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "supervisor_reconcile_duration_seconds",
			Help:    "Reconciliation pass latency including market data",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		ResidualRows: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "supervisor_residual_rows",
			Help: "Unattributed residual rows emitted by the last pass",
		}),
		StrayRows: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "supervisor_stray_rows",
			Help: "Attributed rows the broker no longer reports",
		}),
		StrayRefreshFails: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "supervisor_stray_refresh_failures_total",
			Help: "Stray rows whose market data refresh failed",
		}),
		ConservationFails: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "supervisor_conservation_failures_total",
			Help: "Passes whose merged totals did not match the broker",
		}),
		TotalEquity: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "supervisor_total_equity",
			Help: "Account equity in base currency at the last pass",
		}),

		TradesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "supervisor_trades_total",
			Help: "Processed fills by outcome",
		}, []string{"outcome"}),
		FXLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "supervisor_fx_lookups_total",
			Help: "FX rate resolutions by source",
		}, []string{"source"}),
		AlertsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "supervisor_alerts_total",
			Help: "Operator alerts raised",
		}),

		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "supervisor_queue_depth",
			Help: "Events waiting in the supervisor queue",
		}),

		RedisCircuitBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "supervisor_redis_circuit_breaker_state",
			Help: "Redis circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		RedisCircuitBreakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "supervisor_redis_circuit_breaker_trips_total",
			Help: "Times the Redis circuit breaker tripped open",
		}),
		RedisHeldUpdates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "supervisor_redis_held_updates_total",
			Help: "Portfolio updates held while the Redis circuit was open",
		}),

		MarketState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "supervisor_market_state",
			Help: "Market session state (0=closed, 1=open)",
		}),
	}

	reg.MustRegister(
		m.ReconcilePasses,
		m.ReconcileDur,
		m.ResidualRows,
		m.StrayRows,
		m.StrayRefreshFails,
		m.ConservationFails,
		m.TotalEquity,
		m.TradesTotal,
		m.FXLookups,
		m.AlertsTotal,
		m.QueueDepth,
		m.RedisCircuitBreakerState,
		m.RedisCircuitBreakerTrips,
		m.RedisHeldUpdates,
		m.MarketState,
	)
	return m
}

// PassStats is what one reconciliation pass reports.
type PassStats struct {
	Residuals int
	Strays    int
	Failed    int
	Equity    float64
	Took      time.Duration
	Err       error
}

// ObserveReconcile records one reconciliation pass.
func (m *Metrics) ObserveReconcile(s PassStats) {
	result := "ok"
	if s.Err != nil {
		result = "error"
	}
	m.ReconcilePasses.WithLabelValues(result).Inc()
	m.ReconcileDur.Observe(s.Took.Seconds())
	if s.Err != nil {
		return
	}
	m.ResidualRows.Set(float64(s.Residuals))
	m.StrayRows.Set(float64(s.Strays))
	m.StrayRefreshFails.Add(float64(s.Failed))
	if s.Equity > 0 {
		m.TotalEquity.Set(s.Equity)
	}
}

// BreakerTransition records a Redis circuit breaker state change.
func (m *Metrics) BreakerTransition(to int) {
	m.RedisCircuitBreakerState.Set(float64(to))
	if to == 1 {
		m.RedisCircuitBreakerTrips.Inc()
	}
}

// SetMarketOpen records the market session state.
func (m *Metrics) SetMarketOpen(open bool) {
	if open {
		m.MarketState.Set(1)
		return
	}
	m.MarketState.Set(0)
}

// Probe checks one dependency.
type Probe func(ctx context.Context) error

type componentStatus struct {
	OK        bool    `json:"ok"`
	LatencyMs float64 `json:"latency_ms"`
	Error     string  `json:"error,omitempty"`
}

// HealthStatus tracks dependency liveness and the last reconciliation.
type HealthStatus struct {
	mu sync.RWMutex

	probes        map[string]Probe
	components    map[string]componentStatus
	lastReconcile time.Time
	lastError     string
	lastCheckAt   time.Time
	startedAt     time.Time
	now           func() time.Time
}

// NewHealthStatus returns an empty health status.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{
		probes:     make(map[string]Probe),
		components: make(map[string]componentStatus),
		startedAt:  time.Now(),
		now:        time.Now,
	}
}

// Register adds a named dependency probe, e.g. "store" or "redis".
func (h *HealthStatus) Register(name string, p Probe) {
	h.mu.Lock()
	h.probes[name] = p
	h.mu.Unlock()
}

// SetReconciled records the outcome of the last reconciliation pass.
func (h *HealthStatus) SetReconciled(at time.Time, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err != nil {
		h.lastError = err.Error()
		return
	}
	h.lastReconcile = at
	h.lastError = ""
}

// Check runs every probe once.
func (h *HealthStatus) Check(ctx context.Context) {
	h.mu.RLock()
	probes := make(map[string]Probe, len(h.probes))
	for n, p := range h.probes {
		probes[n] = p
	}
	h.mu.RUnlock()

	results := make(map[string]componentStatus, len(probes))
	for name, probe := range probes {
		start := h.now()
		err := probe(ctx)
		st := componentStatus{OK: err == nil, LatencyMs: float64(h.now().Sub(start).Microseconds()) / 1000.0}
		if err != nil {
			st.Error = err.Error()
		}
		results[name] = st
	}

	h.mu.Lock()
	for n, st := range results {
		h.components[n] = st
	}
	h.lastCheckAt = h.now()
	h.mu.Unlock()
}

// StartLivenessChecker runs the probes periodically until ctx is done.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				h.Check(probeCtx)
				cancel()
			}
		}
	}()
}

// ServeHTTP handles the /healthz endpoint. Any failing component degrades
// the status; all failing is unhealthy.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	failing := 0
	names := make([]string, 0, len(h.components))
	for n, st := range h.components {
		names = append(names, n)
		if !st.OK {
			failing++
		}
	}
	sort.Strings(names)

	overall := "healthy"
	code := http.StatusOK
	if failing > 0 || h.lastError != "" {
		overall = "degraded"
		code = http.StatusServiceUnavailable
	}
	if failing > 0 && failing == len(h.components) {
		overall = "unhealthy"
	}

	lastReconcile := ""
	if !h.lastReconcile.IsZero() {
		lastReconcile = h.lastReconcile.Format(time.RFC3339)
	}

	status := struct {
		Status        string                     `json:"status"`
		Uptime        string                     `json:"uptime"`
		Components    map[string]componentStatus `json:"components"`
		LastReconcile string                     `json:"last_reconcile"`
		LastError     string                     `json:"last_error,omitempty"`
		LastCheckAt   string                     `json:"last_check_at"`
	}{
		Status:        overall,
		Uptime:        h.now().Sub(h.startedAt).Round(time.Second).String(),
		Components:    h.components,
		LastReconcile: lastReconcile,
		LastError:     h.lastError,
		LastCheckAt:   h.lastCheckAt.Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	if code != http.StatusOK {
		w.WriteHeader(code)
	}
	_ = json.NewEncoder(w).Encode(status)
}

// Server runs an HTTP server exposing /metrics and /healthz.
type Server struct {
	health *HealthStatus
	addr   string
	srv    *http.Server
}

// NewServer creates a metrics and health server. gatherer nil serves the
// default registry.
func NewServer(addr string, health *HealthStatus, gatherer prometheus.Gatherer) *Server {
	handler := promhttp.Handler()
	if gatherer != nil {
		handler = promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	mux.Handle("/healthz", health)

	return &Server{
		health: health,
		addr:   addr,
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Handler returns the server's HTTP handler.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		slog.Info("metrics server listening", slog.String("addr", s.addr))
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error("metrics server error", slog.String("error", err.Error()))
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
