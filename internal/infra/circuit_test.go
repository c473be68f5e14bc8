package infra

import (
	"errors"
	"testing"
	"time"
)

func TestCircuitBreaker_InitialState(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{})

	if cb.State() != CircuitClosed {
		t.Errorf("expected initial state closed, got %s", cb.State())
	}
}

func TestCircuitBreaker_StaysClosedOnSuccess(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 3})

	for i := 0; i < 10; i++ {
		if err := cb.Execute(func() error { return nil }); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	if cb.State() != CircuitClosed {
		t.Errorf("expected state closed, got %s", cb.State())
	}
}

func TestCircuitBreaker_OpensAtThreshold(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 5})
	testErr := errors.New("boom")

	for i := 0; i < 4; i++ {
		_ = cb.Execute(func() error { return testErr })
		if cb.State() != CircuitClosed {
			t.Fatalf("opened early after %d failures", i+1)
		}
	}

	_ = cb.Execute(func() error { return testErr })
	if cb.State() != CircuitOpen {
		t.Errorf("expected open after 5 failures, got %s", cb.State())
	}
}

func TestCircuitBreaker_RejectsWhenOpen(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 1,
		RecoveryTimeout:  time.Hour,
	})

	_ = cb.Execute(func() error { return errors.New("boom") })

	called := false
	err := cb.Execute(func() error { called = true; return nil })
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("expected ErrCircuitOpen, got %v", err)
	}
	if called {
		t.Error("underlying function was invoked while open")
	}
}

func TestCircuitBreaker_HalfOpenSingleProbe(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 1,
		RecoveryTimeout:  10 * time.Millisecond,
	})

	_ = cb.Execute(func() error { return errors.New("boom") })
	time.Sleep(20 * time.Millisecond)

	// First probe is admitted.
	if err := cb.Allow(); err != nil {
		t.Fatalf("probe rejected: %v", err)
	}
	// Second caller during the probe is not.
	if err := cb.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("expected second probe rejected, got %v", err)
	}

	cb.Record(nil)
	if cb.State() != CircuitClosed {
		t.Errorf("expected closed after probe success, got %s", cb.State())
	}
}

func TestCircuitBreaker_ProbeFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 1,
		RecoveryTimeout:  10 * time.Millisecond,
	})

	_ = cb.Execute(func() error { return errors.New("boom") })
	time.Sleep(20 * time.Millisecond)

	err := cb.Execute(func() error { return errors.New("still down") })
	if err == nil {
		t.Fatal("expected probe error")
	}

	if err := cb.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("expected open after failed probe, got %v", err)
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1, RecoveryTimeout: time.Hour})
	_ = cb.Execute(func() error { return errors.New("boom") })

	cb.Reset()
	if cb.State() != CircuitClosed {
		t.Errorf("expected closed after reset, got %s", cb.State())
	}
}

func TestCircuitBreaker_StateChangeCallback(t *testing.T) {
	changes := make(chan string, 4)
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:             "tool:memory.store",
		FailureThreshold: 1,
		RecoveryTimeout:  time.Hour,
		OnStateChange: func(name, from, to string) {
			changes <- from + "->" + to
		},
	})

	_ = cb.Execute(func() error { return errors.New("boom") })

	select {
	case change := <-changes:
		if change != "closed->open" {
			t.Errorf("unexpected transition %q", change)
		}
	case <-time.After(time.Second):
		t.Fatal("no state change reported")
	}
}

func TestCircuitBreakerRegistry_SharedPerEndpoint(t *testing.T) {
	r := NewCircuitBreakerRegistry(CircuitBreakerConfig{FailureThreshold: 2})

	a := r.Get("tool:memory.store")
	b := r.Get("tool:memory.store")
	if a != b {
		t.Error("expected same breaker for same endpoint")
	}
	if c := r.Get("llm.generate"); c == a {
		t.Error("expected distinct breakers for distinct endpoints")
	}
}

func TestCircuitBreakerRegistry_OpenCircuits(t *testing.T) {
	r := NewCircuitBreakerRegistry(CircuitBreakerConfig{FailureThreshold: 1, RecoveryTimeout: time.Hour})

	_ = r.Get("a").Execute(func() error { return errors.New("boom") })
	_ = r.Get("b").Execute(func() error { return nil })

	open := r.OpenCircuits()
	if len(open) != 1 || open[0] != "a" {
		t.Errorf("expected [a], got %v", open)
	}
}
