package infra

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// RetryConfig configures retry behavior for one endpoint.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts including the first.
	MaxAttempts int

	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration

	// Multiplier scales the delay after each failed attempt.
	Multiplier float64

	// MaxDelay caps the delay between retries.
	MaxDelay time.Duration

	// JitterFraction adds randomness to delays (0.0-1.0).
	JitterFraction float64

	// RetryIf decides whether an error is retryable, including
	// attempt-level deadline errors. Nil retries everything except
	// context errors and permanent-wrapped errors.
	RetryIf func(error) bool
}

// DefaultRetryConfig returns the gateway-wide retry defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		BaseDelay:      time.Second,
		Multiplier:     2,
		MaxDelay:       60 * time.Second,
		JitterFraction: 0.1,
	}
}

// RetryResult describes how a retried operation went.
type RetryResult struct {
	Attempts      int
	TotalDuration time.Duration
	LastError     error
}

// Retry executes fn until it succeeds, is deemed non-retryable, or the
// attempt budget is exhausted. The context is honored both between attempts
// and by fn itself.
func Retry[T any](ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) (T, error)) (T, RetryResult) {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = 2
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 60 * time.Second
	}

	var zero T
	result := RetryResult{}
	start := time.Now()

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		result.Attempts = attempt

		if ctx.Err() != nil {
			result.LastError = ctx.Err()
			result.TotalDuration = time.Since(start)
			return zero, result
		}

		val, err := fn(ctx)
		if err == nil {
			result.LastError = nil
			result.TotalDuration = time.Since(start)
			return val, result
		}
		result.LastError = err

		if !shouldRetry(cfg, err) || attempt == cfg.MaxAttempts {
			break
		}

		select {
		case <-time.After(backoffDelay(cfg, attempt)):
		case <-ctx.Done():
			result.LastError = ctx.Err()
			result.TotalDuration = time.Since(start)
			return zero, result
		}
	}

	result.TotalDuration = time.Since(start)
	return zero, result
}

// shouldRetry classifies one failed attempt. Cancellation and permanent
// errors always stop the loop; a deadline error may be the attempt's own
// timeout rather than the caller's, so the predicate gets to see it (the
// loop's ctx.Err() check covers the outer context being done).
func shouldRetry(cfg RetryConfig, err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if IsPermanent(err) {
		return false
	}
	if cfg.RetryIf != nil {
		return cfg.RetryIf(err)
	}
	return !errors.Is(err, context.DeadlineExceeded)
}

// backoffDelay computes base * multiplier^(attempt-1), capped and jittered.
func backoffDelay(cfg RetryConfig, attempt int) time.Duration {
	delay := time.Duration(float64(cfg.BaseDelay) * math.Pow(cfg.Multiplier, float64(attempt-1)))
	if delay > cfg.MaxDelay {
		delay = cfg.MaxDelay
	}
	if cfg.JitterFraction > 0 {
		jitter := float64(delay) * cfg.JitterFraction
		delay = time.Duration(float64(delay) + (rand.Float64()*2-1)*jitter)
		if delay < 0 {
			delay = 0
		}
	}
	return delay
}

// PermanentError marks an error as non-retryable.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }

func (e *PermanentError) Unwrap() error { return e.Err }

// AsPermanent wraps err so the retry loop gives up immediately.
func AsPermanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err was marked non-retryable.
func IsPermanent(err error) bool {
	var permanent *PermanentError
	return errors.As(err, &permanent)
}
