// Package metrics exposes Prometheus instrumentation for ingestion runs.
package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"moex-ingest/internal/resilience"
)

// Metrics holds all Prometheus metrics of the pipeline.
type Metrics struct {
	RunsTotal       *prometheus.CounterVec // labels: status
	RunDuration     prometheus.Histogram
	StocksUpserted  prometheus.Counter
	CandlesInserted prometheus.Counter
	DividendsAdded  prometheus.Counter
	JobFailures     *prometheus.CounterVec // labels: kind
	Retries         *prometheus.CounterVec // labels: op
	RequestDuration *prometheus.HistogramVec
	LastSuccess     prometheus.Gauge

	gatherer prometheus.Gatherer
}

// New registers and returns all metrics on reg. A nil reg uses a fresh
// registry so several instances can coexist in tests.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	m := &Metrics{
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "moexingest_runs_total",
			Help: "Ingestion runs by terminal status",
		}, []string{"status"}),
		RunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "moexingest_run_duration_seconds",
			Help:    "Wall time of a full ingestion run",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		}),
		StocksUpserted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "moexingest_stocks_upserted_total",
			Help: "Stock records written",
		}),
		CandlesInserted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "moexingest_candles_inserted_total",
			Help: "Candle rows inserted",
		}),
		DividendsAdded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "moexingest_dividends_inserted_total",
			Help: "Dividend rows inserted",
		}),
		JobFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "moexingest_job_failures_total",
			Help: "Failed per-ticker sub-jobs",
		}, []string{"kind"}),
		Retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "moexingest_retries_total",
			Help: "Provider call retries",
		}, []string{"op"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "moexingest_provider_request_duration_seconds",
			Help:    "Latency of provider requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"op", "code"}),
		LastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "moexingest_last_success_timestamp_seconds",
			Help: "Unix time of the last run that was not a hard failure",
		}),
		gatherer: reg,
	}

	reg.MustRegister(
		m.RunsTotal,
		m.RunDuration,
		m.StocksUpserted,
		m.CandlesInserted,
		m.DividendsAdded,
		m.JobFailures,
		m.Retries,
		m.RequestDuration,
		m.LastSuccess,
	)
	return m
}

// ObserveRequest records one provider request. Its signature matches
// moex.RequestObserver.
func (m *Metrics) ObserveRequest(op string, status int, d time.Duration, err error) {
	code := "error"
	if status != 0 {
		code = http.StatusText(status)
		if code == "" {
			code = "unknown"
		}
	} else if err == nil {
		code = "ok"
	}
	m.RequestDuration.WithLabelValues(op, code).Observe(d.Seconds())
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// HealthStatus tracks the outcome of the latest run for /healthz.
type HealthStatus struct {
	mu sync.RWMutex

	StartedAt   time.Time `json:"started_at"`
	LastRunID   string    `json:"last_run_id"`
	LastStatus  string    `json:"last_status"`
	LastRunAt   time.Time `json:"last_run_at"`
	LastError   string    `json:"last_error,omitempty"`
	NextRunAt   time.Time `json:"next_run_at"`
	RunsStarted int       `json:"runs_started"`

	breaker func() resilience.CircuitBreakerStats
}

// BreakerHealth is the /healthz view of the provider circuit breaker.
type BreakerHealth struct {
	State           resilience.CircuitState `json:"state"`
	Requests        int64                   `json:"requests"`
	Rejected        int64                   `json:"rejected"`
	FailureRate     float64                 `json:"failure_rate_pct"`
	LastStateChange time.Time               `json:"last_state_change"`
}

// NewHealthStatus returns a default health status.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{StartedAt: time.Now()}
}

// RecordRun stores the outcome of a run.
func (h *HealthStatus) RecordRun(id, status string, at time.Time, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.LastRunID = id
	h.LastStatus = status
	h.LastRunAt = at
	h.LastError = ""
	if err != nil {
		h.LastError = err.Error()
	}
	h.RunsStarted++
}

// SetBreakerSource reports the provider circuit breaker on /healthz. An open
// circuit marks the service degraded.
func (h *HealthStatus) SetBreakerSource(fn func() resilience.CircuitBreakerStats) {
	h.mu.Lock()
	h.breaker = fn
	h.mu.Unlock()
}

// SetNextRun records when the scheduler fires next.
func (h *HealthStatus) SetNextRun(t time.Time) {
	h.mu.Lock()
	h.NextRunAt = t
	h.mu.Unlock()
}

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	httpCode := http.StatusOK
	overall := "healthy"
	if h.LastStatus == "failed" {
		overall = "degraded"
		httpCode = http.StatusServiceUnavailable
	}

	var breaker *BreakerHealth
	if h.breaker != nil {
		stats := h.breaker()
		breaker = &BreakerHealth{
			State:           stats.State,
			Requests:        stats.TotalRequests,
			Rejected:        stats.TotalRejected,
			FailureRate:     stats.FailureRate(),
			LastStateChange: stats.LastStateChange,
		}
		if stats.State == resilience.CircuitOpen {
			overall = "degraded"
			httpCode = http.StatusServiceUnavailable
		}
	}

	body := struct {
		Status  string         `json:"status"`
		Uptime  string         `json:"uptime"`
		Breaker *BreakerHealth `json:"provider_breaker,omitempty"`
		*HealthStatus
	}{
		Status:       overall,
		Uptime:       time.Since(h.StartedAt).Round(time.Second).String(),
		Breaker:      breaker,
		HealthStatus: h,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpCode)
	_ = json.NewEncoder(w).Encode(body)
}

// Server runs an HTTP server exposing /metrics and /healthz.
type Server struct {
	addr   string
	srv    *http.Server
	logger zerolog.Logger
}

// NewServer creates a metrics and health server.
func NewServer(addr string, m *Metrics, health *HealthStatus, logger zerolog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.Handle("/healthz", health)

	return &Server{
		addr:   addr,
		logger: logger.With().Str("component", "metrics").Logger(),
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		s.logger.Info().Str("addr", s.addr).Msg("Metrics server listening")
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Metrics server error")
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
