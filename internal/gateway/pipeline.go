package gateway

import (
	"context"
	"time"

	"github.com/jrvs-ai/gateway/internal/infra"
	"github.com/jrvs-ai/gateway/internal/observability"
)

// CallFunc is the narrow callable the middleware wraps. Transport and LLM
// clients are ordinary callees behind this signature, never
// middleware-aware.
type CallFunc func(ctx context.Context) (any, error)

// CallRequest describes one outbound call to the pipeline.
type CallRequest struct {
	// Endpoint is the middleware state key (e.g. "llm.generate",
	// "tool:memory.store").
	Endpoint string

	// Client identifies the caller for rate limiting ("" = "local").
	Client string

	// BulkheadClass selects the concurrency gate (defaults to
	// BulkheadTool).
	BulkheadClass string

	// Timeout is the per-call deadline (0 = gateway default).
	Timeout time.Duration

	// CacheName selects a named cache; empty means the call is not
	// cacheable. CacheKey must be a pure function of the call's inputs.
	CacheName string
	CacheKey  string
	CacheTTL  time.Duration

	// RetryIf overrides retryability classification for this call.
	RetryIf func(error) bool

	// Fn is the underlying call.
	Fn CallFunc
}

// Call runs one request through the middleware chain, outer to inner:
// RateLimit, Bulkhead, CircuitBreaker, Retry, Timeout, Cache, Fn. A cache
// hit short-circuits ahead of the whole chain.
func (g *Gateway) Call(ctx context.Context, req CallRequest) (any, error) {
	start := time.Now()
	rec := observability.CallRecord{Endpoint: req.Endpoint}

	finish := func(val any, err error) (any, error) {
		rec.DurationMS = float64(time.Since(start).Microseconds()) / 1000
		rec.Success = err == nil
		if err != nil {
			rec.ErrorKind = string(KindOf(err))
		}
		g.metrics.RecordCall(rec)
		return val, err
	}

	if req.Client == "" {
		req.Client = "local"
	}
	if req.BulkheadClass == "" {
		req.BulkheadClass = BulkheadTool
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = g.defaultTimeout
	}

	cacheable := g.cacheEnabled && req.CacheName != "" && req.CacheKey != ""
	if cacheable {
		cache := g.caches.Get(req.CacheName)
		if val, ok := cache.Get(req.CacheKey); ok {
			g.metrics.RecordCacheLookup(req.CacheName, true)
			rec.CacheHit = true
			return finish(val, nil)
		}
		g.metrics.RecordCacheLookup(req.CacheName, false)
	}

	// Rate limit: fail fast, no state change.
	if g.rateEnabled {
		if err := g.limiter.Acquire(req.Endpoint, req.Client); err != nil {
			g.metrics.RecordRateLimitRejection(req.Endpoint)
			return finish(nil, err)
		}
	}

	// Bulkhead: bounded acquisition under the call's overall deadline.
	acquireCtx, cancelAcquire := context.WithTimeout(ctx, timeout)
	sem := g.pool.Get(req.BulkheadClass)
	if err := sem.Acquire(acquireCtx); err != nil {
		cancelAcquire()
		return finish(nil, err)
	}
	cancelAcquire()
	defer sem.Release()

	// Circuit breaker admission.
	breaker := g.breakers.Get(req.Endpoint)
	if err := breaker.Allow(); err != nil {
		return finish(nil, err)
	}

	retryCfg := g.retryFor(req.Endpoint)
	if req.RetryIf != nil {
		retryCfg.RetryIf = req.RetryIf
	}

	val, result := infra.Retry(ctx, retryCfg, func(ctx context.Context) (any, error) {
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return req.Fn(attemptCtx)
	})
	rec.Retries = result.Attempts - 1
	breaker.Record(result.LastError)

	if result.LastError != nil {
		return finish(nil, result.LastError)
	}

	if cacheable {
		ttl := req.CacheTTL
		cache := g.caches.Get(req.CacheName)
		if ttl > 0 {
			cache.SetWithTTL(req.CacheKey, val, ttl)
		} else {
			cache.Set(req.CacheKey, val)
		}
	}

	return finish(val, nil)
}
