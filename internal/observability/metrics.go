// Package observability provides Prometheus metrics for the gateway.
package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects gateway metrics:
//   - outbound call outcomes and latency per endpoint
//   - cache hit/miss counts per named cache
//   - circuit breaker transitions
//   - rate limit rejections
//   - retry counts
//
// Every pipeline call also appends a CallRecord to an in-process ring so
// tests and the activity report can correlate calls without scraping.
type Metrics struct {
	// CallCounter counts outbound calls.
	// Labels: endpoint, status (success|error), error_kind
	CallCounter *prometheus.CounterVec

	// CallDuration measures outbound call latency in seconds.
	// Labels: endpoint
	CallDuration *prometheus.HistogramVec

	// CacheCounter counts cache lookups.
	// Labels: cache (rag|ollama|scraper|general), result (hit|miss)
	CacheCounter *prometheus.CounterVec

	// CircuitTransitions counts breaker state changes.
	// Labels: endpoint, to (open|half-open|closed)
	CircuitTransitions *prometheus.CounterVec

	// RateLimitRejections counts calls rejected by the limiter.
	// Labels: endpoint
	RateLimitRejections *prometheus.CounterVec

	// RetryCounter counts retry attempts beyond the first.
	// Labels: endpoint
	RetryCounter *prometheus.CounterVec

	mu      sync.Mutex
	records []CallRecord
	maxRecs int
}

// CallRecord is the per-call sample emitted by the middleware pipeline.
type CallRecord struct {
	Endpoint   string
	DurationMS float64
	Success    bool
	ErrorKind  string
	CacheHit   bool
	Retries    int
}

// NewMetrics creates and registers all gateway metrics. A nil registerer
// uses the Prometheus default registry; tests pass their own.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		CallCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jrvsgw_calls_total",
				Help: "Total outbound calls by endpoint, status, and error kind",
			},
			[]string{"endpoint", "status", "error_kind"},
		),

		CallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "jrvsgw_call_duration_seconds",
				Help:    "Duration of outbound calls in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"endpoint"},
		),

		CacheCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jrvsgw_cache_lookups_total",
				Help: "Cache lookups by named cache and result",
			},
			[]string{"cache", "result"},
		),

		CircuitTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jrvsgw_circuit_transitions_total",
				Help: "Circuit breaker transitions by endpoint and target state",
			},
			[]string{"endpoint", "to"},
		),

		RateLimitRejections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jrvsgw_ratelimit_rejections_total",
				Help: "Calls rejected by the rate limiter",
			},
			[]string{"endpoint"},
		),

		RetryCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "jrvsgw_retries_total",
				Help: "Retry attempts beyond the first, by endpoint",
			},
			[]string{"endpoint"},
		),

		maxRecs: 4096,
	}
}

// RecordCall records one completed pipeline call.
func (m *Metrics) RecordCall(rec CallRecord) {
	status := "success"
	kind := ""
	if !rec.Success {
		status = "error"
		kind = rec.ErrorKind
	}
	m.CallCounter.WithLabelValues(rec.Endpoint, status, kind).Inc()
	m.CallDuration.WithLabelValues(rec.Endpoint).Observe(rec.DurationMS / 1000)
	if rec.Retries > 0 {
		m.RetryCounter.WithLabelValues(rec.Endpoint).Add(float64(rec.Retries))
	}

	m.mu.Lock()
	m.records = append(m.records, rec)
	if len(m.records) > m.maxRecs {
		m.records = m.records[len(m.records)-m.maxRecs:]
	}
	m.mu.Unlock()
}

// RecordCacheLookup records one cache hit or miss.
func (m *Metrics) RecordCacheLookup(cache string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheCounter.WithLabelValues(cache, result).Inc()
}

// RecordCircuitTransition records one breaker state change.
func (m *Metrics) RecordCircuitTransition(endpoint, to string) {
	m.CircuitTransitions.WithLabelValues(endpoint, to).Inc()
}

// RecordRateLimitRejection records one rejected call.
func (m *Metrics) RecordRateLimitRejection(endpoint string) {
	m.RateLimitRejections.WithLabelValues(endpoint).Inc()
}

// Records returns a copy of the recent call records.
func (m *Metrics) Records() []CallRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]CallRecord, len(m.records))
	copy(out, m.records)
	return out
}
