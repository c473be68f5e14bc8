// Package gateway owns the process-wide middleware state (circuit
// breakers, bulkheads, caches, rate limiters, metrics) and composes them
// into the call pipeline every outbound interaction goes through.
package gateway

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jrvs-ai/gateway/internal/infra"
	"github.com/jrvs-ai/gateway/internal/observability"
)

// Bulkhead class names.
const (
	BulkheadLLM       = "llm"
	BulkheadEmbedding = "embedding"
	BulkheadTool      = "tool"
)

// Config holds middleware defaults. Zero values use the documented
// defaults.
type Config struct {
	// RatePerMinute is the steady-state rate per (endpoint, client).
	RatePerMinute float64
	// RateBurst is the burst capacity per bucket.
	RateBurst int
	// RateLimitEnabled toggles the rate-limit stage.
	RateLimitEnabled bool
	// CacheEnabled toggles the cache stage.
	CacheEnabled bool

	Breaker infra.CircuitBreakerConfig
	Retry   infra.RetryConfig
	// RetryOverrides maps endpoint keys to endpoint-specific retry policy.
	RetryOverrides map[string]infra.RetryConfig

	// Bulkheads maps class name to concurrency cap.
	Bulkheads map[string]int

	Caches infra.CacheSetConfig

	// DefaultTimeout applies to calls that carry no explicit deadline.
	DefaultTimeout time.Duration

	// Registerer receives the Prometheus metrics (nil = default registry).
	Registerer prometheus.Registerer
}

// Gateway is the shared context behind every outbound call. Tests build a
// fresh one per case; the process has exactly one.
type Gateway struct {
	breakers *infra.CircuitBreakerRegistry
	pool     *infra.SemaphorePool
	caches   *infra.CacheSet
	limiter  *infra.RateLimiter
	metrics  *observability.Metrics
	shutdown *infra.ShutdownCoordinator
	logger   *slog.Logger

	retryDefault   infra.RetryConfig
	retryOverrides map[string]infra.RetryConfig
	defaultTimeout time.Duration
	rateEnabled    bool
	cacheEnabled   bool
}

// New creates a gateway context.
func New(cfg Config, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "gateway")

	if cfg.RatePerMinute <= 0 {
		cfg.RatePerMinute = 60
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 10
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 120 * time.Second
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = infra.DefaultRetryConfig()
	}

	metrics := observability.NewMetrics(cfg.Registerer)

	breakerCfg := cfg.Breaker
	userTransition := breakerCfg.OnStateChange
	breakerCfg.OnStateChange = func(name, from, to string) {
		metrics.RecordCircuitTransition(name, to)
		logger.Warn("circuit state change", "endpoint", name, "from", from, "to", to)
		if userTransition != nil {
			userTransition(name, from, to)
		}
	}

	ratePerSec := cfg.RatePerMinute / 60
	burst := cfg.RateBurst

	g := &Gateway{
		breakers: infra.NewCircuitBreakerRegistry(breakerCfg),
		pool:     infra.NewSemaphorePool(8),
		caches:   infra.NewCacheSet(cfg.Caches),
		limiter: infra.NewRateLimiter(func(endpoint string) *infra.TokenBucket {
			return infra.NewTokenBucket(ratePerSec, burst)
		}),
		metrics:        metrics,
		shutdown:       infra.NewShutdownCoordinator(10*time.Second, 30*time.Second, logger),
		logger:         logger,
		retryDefault:   cfg.Retry,
		retryOverrides: cfg.RetryOverrides,
		defaultTimeout: cfg.DefaultTimeout,
		rateEnabled:    cfg.RateLimitEnabled,
		cacheEnabled:   cfg.CacheEnabled,
	}

	// Configure keeps the first size it sees, so explicit overrides go
	// in ahead of the class defaults.
	for class, max := range cfg.Bulkheads {
		g.pool.Configure(class, max)
	}
	g.pool.Configure(BulkheadLLM, 10)
	g.pool.Configure(BulkheadEmbedding, 5)
	g.pool.Configure(BulkheadTool, 8)

	g.shutdown.RegisterFunc("stop-caches", infra.PhaseCleanup, func(ctx context.Context) error {
		g.caches.Stop()
		return nil
	})

	return g
}

// Metrics returns the gateway metrics.
func (g *Gateway) Metrics() *observability.Metrics { return g.metrics }

// Caches returns the named cache set.
func (g *Gateway) Caches() *infra.CacheSet { return g.caches }

// Breakers returns the circuit breaker registry.
func (g *Gateway) Breakers() *infra.CircuitBreakerRegistry { return g.breakers }

// Shutdown returns the shutdown coordinator.
func (g *Gateway) Shutdown() *infra.ShutdownCoordinator { return g.shutdown }

// retryFor returns the retry policy for an endpoint.
func (g *Gateway) retryFor(endpoint string) infra.RetryConfig {
	if cfg, ok := g.retryOverrides[endpoint]; ok {
		return cfg
	}
	return g.retryDefault
}
