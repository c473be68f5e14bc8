package gateway

import (
	"context"
	"errors"

	"github.com/jrvs-ai/gateway/internal/infra"
)

// Kind is the stable error-kind tag surfaced to users. Diagnostic detail
// stays in logs; callers branch on kinds, never on wrapped concrete types.
type Kind string

const (
	KindConfig            Kind = "config"
	KindSpawn             Kind = "spawn"
	KindHandshake         Kind = "handshake"
	KindTransport         Kind = "transport"
	KindProtocol          Kind = "protocol"
	KindTimeout           Kind = "timeout"
	KindRateLimit         Kind = "rate_limit"
	KindCircuitOpen       Kind = "circuit_open"
	KindResourceExhausted Kind = "resource_exhausted"
	KindLLMUnavailable    Kind = "llm_unavailable"
	KindCancelled         Kind = "cancelled"
	KindNotFound          Kind = "not_found"
	KindInvalid           Kind = "invalid"
	KindInternal          Kind = "internal"
)

// Kinder is implemented by errors that carry their own kind tag. Boundary
// packages (mcp, llm) implement it so this package never imports them.
type Kinder interface {
	ErrorKind() string
}

// KindOf maps any error to its kind tag.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}

	var k Kinder
	if errors.As(err, &k) {
		return Kind(k.ErrorKind())
	}

	switch {
	case errors.Is(err, infra.ErrCircuitOpen):
		return KindCircuitOpen
	case errors.Is(err, infra.ErrRateLimitExceeded):
		return KindRateLimit
	case errors.Is(err, infra.ErrResourceExhausted):
		return KindResourceExhausted
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, context.Canceled):
		return KindCancelled
	}
	return KindInternal
}

// KindError attaches a kind tag to an error.
type KindError struct {
	Kind Kind
	Err  error
}

func (e *KindError) Error() string { return string(e.Kind) + ": " + e.Err.Error() }

func (e *KindError) Unwrap() error { return e.Err }

func (e *KindError) ErrorKind() string { return string(e.Kind) }

// WithKind wraps err with an explicit kind tag.
func WithKind(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &KindError{Kind: kind, Err: err}
}
