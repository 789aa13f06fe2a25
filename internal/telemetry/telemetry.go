// Package telemetry tracks orchestration metrics: attempts, retries,
// validation outcomes and latency, exposed both as a prometheus scrape
// surface and as an in-memory snapshot for the API.
package telemetry

import (
	"log"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/quorumhq/quorum/config"
)

// Telemetry provides monitoring for the orchestrator pipeline.
type Telemetry struct {
	config config.TelemetryConfig
	logger *log.Logger

	mu      sync.RWMutex
	metrics metricsState

	attemptsTotal   *prometheus.CounterVec
	retriesTotal    *prometheus.CounterVec
	validationTotal *prometheus.CounterVec
	attemptSeconds  *prometheus.HistogramVec
	queriesTotal    prometheus.Counter
}

type metricsState struct {
	totalQueries      int64
	cancelledQueries  int64
	attemptsByService map[string]int64
	successByService  map[string]int64
	retriesByService  map[string]int64
	attemptTimeTotals map[string]time.Duration
}

// Snapshot is a point-in-time copy of the collected metrics.
type Snapshot struct {
	TotalQueries       int64                    `json:"total_queries"`
	CancelledQueries   int64                    `json:"cancelled_queries"`
	AttemptsByService  map[string]int64         `json:"attempts_by_service"`
	SuccessByService   map[string]int64         `json:"success_by_service"`
	RetriesByService   map[string]int64         `json:"retries_by_service"`
	AvgAttemptDuration map[string]time.Duration `json:"avg_attempt_duration"`
}

// New creates a telemetry instance registered on the default prometheus
// registry.
func New(cfg config.TelemetryConfig) *Telemetry {
	return NewWithRegistry(cfg, prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a telemetry instance on a caller-supplied registry;
// tests use this to avoid duplicate-registration panics.
func NewWithRegistry(cfg config.TelemetryConfig, reg prometheus.Registerer) *Telemetry {
	t := &Telemetry{
		config: cfg,
		logger: log.New(log.Writer(), "[TELEMETRY] ", log.LstdFlags),
		metrics: metricsState{
			attemptsByService: make(map[string]int64),
			successByService:  make(map[string]int64),
			retriesByService:  make(map[string]int64),
			attemptTimeTotals: make(map[string]time.Duration),
		},
		attemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quorum_attempts_total",
			Help: "Service attempts by terminal status.",
		}, []string{"service", "status"}),
		retriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quorum_retries_total",
			Help: "Retry dispatches by reason.",
		}, []string{"service", "reason"}),
		validationTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quorum_validation_total",
			Help: "Rubric validation outcomes.",
		}, []string{"service", "outcome"}),
		attemptSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "quorum_attempt_duration_seconds",
			Help:    "Wall time of service attempts.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		}, []string{"service"}),
		queriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quorum_queries_total",
			Help: "Dispatched query requests.",
		}),
	}
	if cfg.Enabled && reg != nil {
		reg.MustRegister(t.attemptsTotal, t.retriesTotal, t.validationTotal, t.attemptSeconds, t.queriesTotal)
	}
	return t
}

// RecordQuery counts a dispatched query request.
func (t *Telemetry) RecordQuery() {
	t.mu.Lock()
	t.metrics.totalQueries++
	t.mu.Unlock()
	t.queriesTotal.Inc()
}

// RecordCancellation counts a user-cancelled query.
func (t *Telemetry) RecordCancellation() {
	t.mu.Lock()
	t.metrics.cancelledQueries++
	t.mu.Unlock()
}

// RecordAttempt records one finished attempt.
func (t *Telemetry) RecordAttempt(service, status string, duration time.Duration, succeeded bool) {
	t.mu.Lock()
	t.metrics.attemptsByService[service]++
	t.metrics.attemptTimeTotals[service] += duration
	if succeeded {
		t.metrics.successByService[service]++
	}
	t.mu.Unlock()

	t.attemptsTotal.WithLabelValues(service, status).Inc()
	t.attemptSeconds.WithLabelValues(service).Observe(duration.Seconds())

	if t.config.PeriodicLogs {
		t.logger.Printf("attempt %s status=%s duration=%v", service, status, duration)
	}
}

// RecordRetry records a granted retry dispatch.
func (t *Telemetry) RecordRetry(service, reason string) {
	t.mu.Lock()
	t.metrics.retriesByService[service]++
	t.mu.Unlock()
	t.retriesTotal.WithLabelValues(service, reason).Inc()
}

// RecordValidation records a rubric check outcome.
func (t *Telemetry) RecordValidation(service string, passed bool) {
	outcome := "failed"
	if passed {
		outcome = "passed"
	}
	t.validationTotal.WithLabelValues(service, outcome).Inc()
}

// GetMetrics returns a copy of the in-memory counters.
func (t *Telemetry) GetMetrics() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	snap := Snapshot{
		TotalQueries:       t.metrics.totalQueries,
		CancelledQueries:   t.metrics.cancelledQueries,
		AttemptsByService:  make(map[string]int64, len(t.metrics.attemptsByService)),
		SuccessByService:   make(map[string]int64, len(t.metrics.successByService)),
		RetriesByService:   make(map[string]int64, len(t.metrics.retriesByService)),
		AvgAttemptDuration: make(map[string]time.Duration, len(t.metrics.attemptTimeTotals)),
	}
	for k, v := range t.metrics.attemptsByService {
		snap.AttemptsByService[k] = v
	}
	for k, v := range t.metrics.successByService {
		snap.SuccessByService[k] = v
	}
	for k, v := range t.metrics.retriesByService {
		snap.RetriesByService[k] = v
	}
	for k, total := range t.metrics.attemptTimeTotals {
		if n := t.metrics.attemptsByService[k]; n > 0 {
			snap.AvgAttemptDuration[k] = total / time.Duration(n)
		}
	}
	return snap
}
