package mcp

import (
	"context"
	"errors"
	"fmt"
)

// Transport-level sentinel errors. Each carries its error kind so the
// gateway pipeline can classify without importing this package.
var (
	// ErrNotConnected is returned for calls on a session that never
	// connected or has been closed.
	ErrNotConnected = &transportError{msg: "not connected"}

	// ErrConnectionLost is delivered to every pending call when the
	// child process exits or its pipe breaks.
	ErrConnectionLost = &transportError{msg: "connection lost"}

	// ErrBackpressure is returned when the outbound write queue is full.
	// The caller failed fast instead of blocking on a stuck server.
	ErrBackpressure = &transportError{msg: "write queue full"}

	// ErrTransportClosed is returned for calls racing a graceful close.
	ErrTransportClosed = &transportError{msg: "transport closed"}
)

type transportError struct {
	msg string
}

func (e *transportError) Error() string     { return e.msg }
func (e *transportError) ErrorKind() string { return "transport" }

// SpawnError reports a failure to start the server process.
type SpawnError struct {
	Server string
	Err    error
}

func (e *SpawnError) Error() string     { return fmt.Sprintf("spawn %s: %v", e.Server, e.Err) }
func (e *SpawnError) Unwrap() error     { return e.Err }
func (e *SpawnError) ErrorKind() string { return "spawn" }

// HandshakeError reports a failed initialize exchange.
type HandshakeError struct {
	Server string
	Err    error
}

func (e *HandshakeError) Error() string     { return fmt.Sprintf("handshake %s: %v", e.Server, e.Err) }
func (e *HandshakeError) Unwrap() error     { return e.Err }
func (e *HandshakeError) ErrorKind() string { return "handshake" }

// RPCError is a JSON-RPC error response. The session stays healthy; only
// this call failed.
type RPCError struct {
	Code    int
	Message string
}

func (e *RPCError) Error() string     { return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message) }
func (e *RPCError) ErrorKind() string { return "protocol" }

// retryableToolError reports whether a failed tool call is worth
// retrying. RPC errors are deterministic and backpressure means the
// server is stuck. A timed-out or cancelled call may still have executed
// server-side; tools are not assumed idempotent, so replaying is not
// safe either.
func retryableToolError(err error) bool {
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return false
	}
	if errors.Is(err, ErrBackpressure) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}
