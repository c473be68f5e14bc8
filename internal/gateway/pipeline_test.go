package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jrvs-ai/gateway/internal/infra"
)

func testGateway(t *testing.T, cfg Config) *Gateway {
	t.Helper()
	cfg.Registerer = prometheus.NewRegistry()
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = infra.RetryConfig{MaxAttempts: 1, BaseDelay: time.Millisecond, Multiplier: 2, MaxDelay: time.Millisecond}
	}
	g := New(cfg, nil)
	t.Cleanup(func() { g.Caches().Stop() })
	return g
}

func TestCall_Success(t *testing.T) {
	g := testGateway(t, Config{})

	val, err := g.Call(context.Background(), CallRequest{
		Endpoint: "tool:filesystem.read_file",
		Fn: func(ctx context.Context) (any, error) {
			return "content", nil
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if val != "content" {
		t.Errorf("expected content, got %v", val)
	}
}

func TestCall_EmitsMetricRecord(t *testing.T) {
	g := testGateway(t, Config{})

	_, _ = g.Call(context.Background(), CallRequest{
		Endpoint: "tool:memory.store",
		Fn:       func(ctx context.Context) (any, error) { return nil, errors.New("boom") },
	})

	recs := g.Metrics().Records()
	if len(recs) != 1 {
		t.Fatalf("expected 1 record, got %d", len(recs))
	}
	if recs[0].Endpoint != "tool:memory.store" || recs[0].Success {
		t.Errorf("unexpected record %+v", recs[0])
	}
	if recs[0].ErrorKind == "" {
		t.Error("expected error kind on failed call")
	}
}

func TestCall_CacheHitShortCircuits(t *testing.T) {
	g := testGateway(t, Config{CacheEnabled: true})

	calls := 0
	req := CallRequest{
		Endpoint:  "tool:scraper.fetch",
		CacheName: infra.CacheScraper,
		CacheKey:  "https://example.com",
		Fn: func(ctx context.Context) (any, error) {
			calls++
			return "page", nil
		},
	}

	for i := 0; i < 3; i++ {
		val, err := g.Call(context.Background(), req)
		if err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
		if val != "page" {
			t.Errorf("call %d: expected identical cached value, got %v", i, val)
		}
	}
	if calls != 1 {
		t.Errorf("expected 1 underlying call, got %d", calls)
	}

	recs := g.Metrics().Records()
	if !recs[1].CacheHit || !recs[2].CacheHit {
		t.Error("expected cache hits recorded on repeat calls")
	}
}

func TestCall_CacheDisabled(t *testing.T) {
	g := testGateway(t, Config{CacheEnabled: false})

	calls := 0
	req := CallRequest{
		Endpoint:  "tool:scraper.fetch",
		CacheName: infra.CacheScraper,
		CacheKey:  "k",
		Fn:        func(ctx context.Context) (any, error) { calls++; return "v", nil },
	}
	_, _ = g.Call(context.Background(), req)
	_, _ = g.Call(context.Background(), req)
	if calls != 2 {
		t.Errorf("expected cache bypass, got %d calls", calls)
	}
}

func TestCall_CircuitTripsAndFailsFast(t *testing.T) {
	g := testGateway(t, Config{
		Breaker: infra.CircuitBreakerConfig{FailureThreshold: 5, RecoveryTimeout: time.Hour},
	})

	boom := errors.New("protocol error")
	for i := 0; i < 5; i++ {
		_, err := g.Call(context.Background(), CallRequest{
			Endpoint: "tool:memory.store",
			Fn:       func(ctx context.Context) (any, error) { return nil, boom },
		})
		if !errors.Is(err, boom) {
			t.Fatalf("call %d: expected underlying error, got %v", i+1, err)
		}
	}

	// 6th call must fail fast without invoking Fn.
	invoked := false
	start := time.Now()
	_, err := g.Call(context.Background(), CallRequest{
		Endpoint: "tool:memory.store",
		Fn:       func(ctx context.Context) (any, error) { invoked = true; return nil, nil },
	})
	if KindOf(err) != KindCircuitOpen {
		t.Errorf("expected circuit_open kind, got %v (%v)", KindOf(err), err)
	}
	if invoked {
		t.Error("underlying call invoked while circuit open")
	}
	if elapsed := time.Since(start); elapsed > 10*time.Millisecond {
		t.Errorf("open-circuit rejection took %v", elapsed)
	}

	// Distinct endpoint is unaffected.
	if _, err := g.Call(context.Background(), CallRequest{
		Endpoint: "tool:filesystem.read_file",
		Fn:       func(ctx context.Context) (any, error) { return "ok", nil },
	}); err != nil {
		t.Errorf("unrelated endpoint failed: %v", err)
	}
}

func TestCall_RateLimitExceeded(t *testing.T) {
	g := testGateway(t, Config{
		RateLimitEnabled: true,
		RatePerMinute:    60,
		RateBurst:        10,
	})

	fn := func(ctx context.Context) (any, error) { return "ok", nil }
	for i := 0; i < 10; i++ {
		if _, err := g.Call(context.Background(), CallRequest{Endpoint: "llm.generate", Fn: fn}); err != nil {
			t.Fatalf("request %d rejected: %v", i+1, err)
		}
	}

	_, err := g.Call(context.Background(), CallRequest{Endpoint: "llm.generate", Fn: fn})
	if KindOf(err) != KindRateLimit {
		t.Errorf("expected rate_limit kind for request 11, got %v", KindOf(err))
	}

	// After ~1.1s one token has refilled.
	time.Sleep(1100 * time.Millisecond)
	if _, err := g.Call(context.Background(), CallRequest{Endpoint: "llm.generate", Fn: fn}); err != nil {
		t.Errorf("expected refilled token, got %v", err)
	}
}

func TestCall_RetriesOnRetryableError(t *testing.T) {
	g := testGateway(t, Config{
		Retry: infra.RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, Multiplier: 2, MaxDelay: 5 * time.Millisecond},
	})

	calls := 0
	val, err := g.Call(context.Background(), CallRequest{
		Endpoint: "llm.generate",
		Fn: func(ctx context.Context) (any, error) {
			calls++
			if calls < 3 {
				return nil, errors.New("connection refused")
			}
			return "answer", nil
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if val != "answer" || calls != 3 {
		t.Errorf("expected success on attempt 3, got %v after %d calls", val, calls)
	}

	recs := g.Metrics().Records()
	if recs[len(recs)-1].Retries != 2 {
		t.Errorf("expected 2 retries recorded, got %d", recs[len(recs)-1].Retries)
	}
}

func TestCall_RetryIfSkipsNonRetryable(t *testing.T) {
	g := testGateway(t, Config{
		Retry: infra.RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, Multiplier: 2, MaxDelay: 5 * time.Millisecond},
	})

	calls := 0
	_, _ = g.Call(context.Background(), CallRequest{
		Endpoint: "llm.generate",
		RetryIf:  func(err error) bool { return false },
		Fn: func(ctx context.Context) (any, error) {
			calls++
			return nil, errors.New("bad request")
		},
	})
	if calls != 1 {
		t.Errorf("expected no retries, got %d calls", calls)
	}
}

func TestCall_TimeoutAppliesPerAttempt(t *testing.T) {
	g := testGateway(t, Config{})

	_, err := g.Call(context.Background(), CallRequest{
		Endpoint: "tool:slow_tool.run",
		Timeout:  20 * time.Millisecond,
		RetryIf:  func(err error) bool { return false },
		Fn: func(ctx context.Context) (any, error) {
			select {
			case <-time.After(time.Second):
				return "too late", nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	})
	if KindOf(err) != KindTimeout {
		t.Errorf("expected timeout kind, got %v (%v)", KindOf(err), err)
	}
}

func TestCall_RetriesTimedOutAttemptWhenPolicyAllows(t *testing.T) {
	g := testGateway(t, Config{
		Retry: infra.RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, Multiplier: 2, MaxDelay: time.Millisecond},
	})

	attempts := 0
	val, err := g.Call(context.Background(), CallRequest{
		Endpoint:      "llm.generate",
		BulkheadClass: BulkheadLLM,
		Timeout:       20 * time.Millisecond,
		RetryIf:       func(err error) bool { return errors.Is(err, context.DeadlineExceeded) },
		Fn: func(ctx context.Context) (any, error) {
			attempts++
			if attempts == 1 {
				<-ctx.Done()
				return nil, ctx.Err()
			}
			return "ok", nil
		},
	})
	if err != nil || val != "ok" {
		t.Fatalf("expected success after retrying a timed-out attempt, got %v (%v)", val, err)
	}
	if attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", attempts)
	}
}

func TestCall_BulkheadExhaustion(t *testing.T) {
	g := testGateway(t, Config{Bulkheads: map[string]int{"tiny": 1}})

	release := make(chan struct{})
	go func() {
		_, _ = g.Call(context.Background(), CallRequest{
			Endpoint:      "tool:slow_tool.run",
			BulkheadClass: "tiny",
			Fn: func(ctx context.Context) (any, error) {
				<-release
				return nil, nil
			},
		})
	}()
	time.Sleep(20 * time.Millisecond)

	_, err := g.Call(context.Background(), CallRequest{
		Endpoint:      "tool:slow_tool.run",
		BulkheadClass: "tiny",
		Timeout:       20 * time.Millisecond,
		Fn:            func(ctx context.Context) (any, error) { return nil, nil },
	})
	close(release)

	if KindOf(err) != KindResourceExhausted {
		t.Errorf("expected resource_exhausted kind, got %v (%v)", KindOf(err), err)
	}
}
