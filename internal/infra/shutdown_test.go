package infra

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestShutdownCoordinator_RunsHandlersInPhaseOrder(t *testing.T) {
	c := NewShutdownCoordinator(time.Second, 5*time.Second, nil)

	var order []string
	c.RegisterFunc("flush-logs", PhaseCleanup, func(ctx context.Context) error {
		order = append(order, "cleanup")
		return nil
	})
	c.RegisterFunc("stop-agent", PhaseServices, func(ctx context.Context) error {
		order = append(order, "services")
		return nil
	})
	c.RegisterFunc("reject-new-work", PhasePreShutdown, func(ctx context.Context) error {
		order = append(order, "pre")
		return nil
	})

	results := c.Shutdown()
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}

	want := []string{"pre", "services", "cleanup"}
	for i, phase := range want {
		if order[i] != phase {
			t.Errorf("position %d: expected %s, got %s", i, phase, order[i])
		}
	}
}

func TestShutdownCoordinator_HandlerTimeout(t *testing.T) {
	c := NewShutdownCoordinator(20*time.Millisecond, time.Second, nil)

	c.RegisterFunc("stuck", PhaseServices, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	c.RegisterFunc("next", PhaseConnections, func(ctx context.Context) error {
		return nil
	})

	start := time.Now()
	results := c.Shutdown()
	if time.Since(start) > 500*time.Millisecond {
		t.Error("shutdown waited past the handler deadline")
	}

	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].Err == nil {
		t.Error("expected stuck handler to report a deadline error")
	}
	if results[1].Err != nil {
		t.Errorf("later phase should still run, got %v", results[1].Err)
	}
}

func TestShutdownCoordinator_HandlerErrorDoesNotStopShutdown(t *testing.T) {
	c := NewShutdownCoordinator(time.Second, 5*time.Second, nil)

	var ran atomic.Bool
	c.RegisterFunc("failing", PhaseServices, func(ctx context.Context) error {
		return errors.New("boom")
	})
	c.RegisterFunc("after", PhaseCleanup, func(ctx context.Context) error {
		ran.Store(true)
		return nil
	})

	c.Shutdown()
	if !ran.Load() {
		t.Error("cleanup phase skipped after earlier error")
	}
}

func TestShutdownCoordinator_Idempotent(t *testing.T) {
	c := NewShutdownCoordinator(time.Second, 5*time.Second, nil)

	var calls atomic.Int32
	c.RegisterFunc("once", PhaseCleanup, func(ctx context.Context) error {
		calls.Add(1)
		return nil
	})

	c.Shutdown()
	c.Shutdown()
	if calls.Load() != 1 {
		t.Errorf("expected handler to run once, ran %d times", calls.Load())
	}
}

func TestShutdownCoordinator_DoneSignal(t *testing.T) {
	c := NewShutdownCoordinator(time.Second, 5*time.Second, nil)

	select {
	case <-c.Done():
		t.Fatal("done closed before shutdown")
	default:
	}

	c.Shutdown()

	select {
	case <-c.Done():
	default:
		t.Error("done not closed after shutdown")
	}
	if !c.IsShuttingDown() {
		t.Error("IsShuttingDown false after shutdown")
	}
}
