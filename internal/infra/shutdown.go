package infra

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

// ShutdownPhase orders cleanup work. Earlier phases run first.
type ShutdownPhase int

const (
	// PhasePreShutdown stops accepting new work.
	PhasePreShutdown ShutdownPhase = iota
	// PhaseServices stops background services (agent, sweeps).
	PhaseServices
	// PhaseConnections closes external bindings (tool servers, LLM client).
	PhaseConnections
	// PhaseCleanup flushes logs, reports, and metrics.
	PhaseCleanup
	phaseCount
)

func (p ShutdownPhase) String() string {
	switch p {
	case PhasePreShutdown:
		return "pre-shutdown"
	case PhaseServices:
		return "services"
	case PhaseConnections:
		return "connections"
	case PhaseCleanup:
		return "cleanup"
	default:
		return fmt.Sprintf("phase-%d", p)
	}
}

// ShutdownFunc performs one piece of cleanup. The context carries the
// handler's deadline.
type ShutdownFunc func(ctx context.Context) error

// ShutdownHandler is one registered cleanup task.
type ShutdownHandler struct {
	Name    string
	Phase   ShutdownPhase
	Func    ShutdownFunc
	Timeout time.Duration // 0 = per-handler default
}

// ShutdownResult records how one handler finished.
type ShutdownResult struct {
	Name     string
	Phase    ShutdownPhase
	Duration time.Duration
	Err      error
}

// ShutdownCoordinator runs registered cleanup tasks in phase order with a
// per-handler deadline and an overall hard cap. A handler exceeding its
// deadline is abandoned, not waited for.
type ShutdownCoordinator struct {
	mu             sync.Mutex
	handlers       [phaseCount][]ShutdownHandler
	handlerTimeout time.Duration
	hardCap        time.Duration
	logger         *slog.Logger
	once           sync.Once
	doneCh         chan struct{}
	shuttingDown   atomic.Bool
}

// NewShutdownCoordinator creates a coordinator. handlerTimeout defaults to
// 10s, hardCap to 30s.
func NewShutdownCoordinator(handlerTimeout, hardCap time.Duration, logger *slog.Logger) *ShutdownCoordinator {
	if handlerTimeout <= 0 {
		handlerTimeout = 10 * time.Second
	}
	if hardCap <= 0 {
		hardCap = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ShutdownCoordinator{
		handlerTimeout: handlerTimeout,
		hardCap:        hardCap,
		logger:         logger.With("component", "shutdown"),
		doneCh:         make(chan struct{}),
	}
}

// Register adds a cleanup handler.
func (c *ShutdownCoordinator) Register(handler ShutdownHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if handler.Phase < 0 || handler.Phase >= phaseCount {
		handler.Phase = PhaseCleanup
	}
	c.handlers[handler.Phase] = append(c.handlers[handler.Phase], handler)
}

// RegisterFunc registers a plain function in the given phase.
func (c *ShutdownCoordinator) RegisterFunc(name string, phase ShutdownPhase, fn ShutdownFunc) {
	c.Register(ShutdownHandler{Name: name, Phase: phase, Func: fn})
}

// OnSignal arms SIGINT/SIGTERM handling. The returned channel closes when
// shutdown (triggered by a signal) has finished.
func (c *ShutdownCoordinator) OnSignal(signals ...os.Signal) <-chan struct{} {
	if len(signals) == 0 {
		signals = []os.Signal{syscall.SIGINT, syscall.SIGTERM}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, signals...)

	done := make(chan struct{})
	go func() {
		sig := <-sigCh
		c.logger.Info("received shutdown signal", "signal", sig.String())
		c.Shutdown()
		close(done)
	}()
	return done
}

// Shutdown runs all registered handlers. It returns within the hard cap
// regardless of handler progress and is safe to call more than once.
func (c *ShutdownCoordinator) Shutdown() []ShutdownResult {
	var results []ShutdownResult

	c.once.Do(func() {
		c.shuttingDown.Store(true)
		close(c.doneCh)

		c.logger.Info("starting graceful shutdown")
		start := time.Now()

		ctx, cancel := context.WithTimeout(context.Background(), c.hardCap)
		defer cancel()

		for phase := ShutdownPhase(0); phase < phaseCount; phase++ {
			c.mu.Lock()
			handlers := c.handlers[phase]
			c.mu.Unlock()

			if len(handlers) == 0 {
				continue
			}

			phaseResults := c.runPhase(ctx, handlers)
			results = append(results, phaseResults...)

			if ctx.Err() != nil {
				c.logger.Warn("shutdown hard cap reached", "phase", phase.String())
				break
			}
		}

		c.logger.Info("graceful shutdown complete", "duration", time.Since(start))
	})

	return results
}

// runPhase runs all handlers of one phase concurrently.
func (c *ShutdownCoordinator) runPhase(ctx context.Context, handlers []ShutdownHandler) []ShutdownResult {
	results := make([]ShutdownResult, len(handlers))
	var wg sync.WaitGroup

	for i, handler := range handlers {
		wg.Add(1)
		go func(idx int, h ShutdownHandler) {
			defer wg.Done()
			results[idx] = c.runHandler(ctx, h)
		}(i, handler)
	}

	wg.Wait()
	return results
}

func (c *ShutdownCoordinator) runHandler(ctx context.Context, handler ShutdownHandler) ShutdownResult {
	result := ShutdownResult{Name: handler.Name, Phase: handler.Phase}
	start := time.Now()

	timeout := handler.Timeout
	if timeout <= 0 {
		timeout = c.handlerTimeout
	}
	handlerCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- handler.Func(handlerCtx)
	}()

	select {
	case err := <-done:
		result.Duration = time.Since(start)
		result.Err = err
		if err != nil {
			c.logger.Warn("shutdown handler error",
				"handler", handler.Name, "phase", handler.Phase.String(), "error", err)
		}
	case <-handlerCtx.Done():
		result.Duration = time.Since(start)
		result.Err = handlerCtx.Err()
		c.logger.Warn("shutdown handler timed out",
			"handler", handler.Name, "phase", handler.Phase.String(), "timeout", timeout)
	}

	return result
}

// IsShuttingDown reports whether shutdown has begun.
func (c *ShutdownCoordinator) IsShuttingDown() bool {
	return c.shuttingDown.Load()
}

// Done returns a channel closed when shutdown begins.
func (c *ShutdownCoordinator) Done() <-chan struct{} {
	return c.doneCh
}
