package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

const (
	// maxFrameSize bounds a single newline-delimited frame. Anything
	// larger indicates a misbehaving server, not a legitimate result.
	maxFrameSize = 10 << 20

	// writeQueueDepth bounds the outbound queue. A full queue means the
	// server stopped consuming stdin; callers fail fast instead of
	// piling up.
	writeQueueDepth = 256

	defaultCallTimeout = 30 * time.Second
	killGrace          = 5 * time.Second
)

// StdioTransport drives one child process and frames JSON-RPC 2.0
// messages over its stdin/stdout, one JSON object per line.
type StdioTransport struct {
	name   string
	spec   ServerSpec
	logger *slog.Logger

	process *exec.Cmd
	stdin   io.WriteCloser

	pending   map[int64]chan *JSONRPCResponse
	pendingMu sync.Mutex
	writeQ    chan []byte
	events    chan *JSONRPCNotification
	nextID    atomic.Int64

	connected atomic.Bool
	stopChan  chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// NewStdioTransport creates a transport for one server spec. Connect
// must be called before use.
func NewStdioTransport(name string, spec ServerSpec, logger *slog.Logger) *StdioTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &StdioTransport{
		name:     name,
		spec:     spec,
		logger:   logger.With("mcp_server", name, "transport", "stdio"),
		pending:  make(map[int64]chan *JSONRPCResponse),
		writeQ:   make(chan []byte, writeQueueDepth),
		events:   make(chan *JSONRPCNotification, 100),
		stopChan: make(chan struct{}),
	}
}

// Connect spawns the child process and starts the reader, writer, and
// stderr tasks.
func (t *StdioTransport) Connect(ctx context.Context) error {
	if t.spec.Command == "" {
		return &SpawnError{Server: t.name, Err: fmt.Errorf("command is required")}
	}

	t.process = exec.Command(t.spec.Command, t.spec.Args...)
	t.process.Env = os.Environ()
	for k, v := range t.spec.Env {
		t.process.Env = append(t.process.Env, k+"="+v)
	}

	stdin, err := t.process.StdinPipe()
	if err != nil {
		return &SpawnError{Server: t.name, Err: fmt.Errorf("stdin pipe: %w", err)}
	}
	t.stdin = stdin

	stdout, err := t.process.StdoutPipe()
	if err != nil {
		return &SpawnError{Server: t.name, Err: fmt.Errorf("stdout pipe: %w", err)}
	}
	stderr, _ := t.process.StderrPipe()

	if err := t.process.Start(); err != nil {
		return &SpawnError{Server: t.name, Err: err}
	}

	t.connected.Store(true)
	t.logger.Info("started server process",
		"command", t.spec.Command,
		"pid", t.process.Process.Pid)

	t.wg.Add(2)
	go t.readLoop(stdout)
	go t.writeLoop()

	if stderr != nil {
		t.wg.Add(1)
		go t.forwardStderr(stderr)
	}

	return nil
}

// Call sends a request and waits for the matching response. The context
// bounds the wait; callers that bring no deadline fall back to the
// spec's CallTimeout. On expiry the pending entry is removed and a late
// reply is logged and dropped by the reader.
func (t *StdioTransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if !t.connected.Load() {
		return nil, ErrNotConnected
	}

	id := t.nextID.Add(1)
	req := JSONRPCRequest{JSONRPC: "2.0", ID: id, Method: method}
	if params != nil {
		paramsJSON, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		req.Params = paramsJSON
	}
	frame, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	respChan := make(chan *JSONRPCResponse, 1)
	t.pendingMu.Lock()
	t.pending[id] = respChan
	t.pendingMu.Unlock()
	defer func() {
		t.pendingMu.Lock()
		delete(t.pending, id)
		t.pendingMu.Unlock()
	}()

	select {
	case t.writeQ <- append(frame, '\n'):
	case <-t.stopChan:
		return nil, ErrTransportClosed
	default:
		return nil, ErrBackpressure
	}

	// The internal timer only guards callers without a deadline of
	// their own; a context deadline always wins, longer or shorter.
	var fallback <-chan time.Time
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		timeout := t.spec.CallTimeout
		if timeout <= 0 {
			timeout = defaultCallTimeout
		}
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		fallback = timer.C
	}

	select {
	case resp := <-respChan:
		if resp == nil {
			return nil, ErrConnectionLost
		}
		if resp.Error != nil {
			return nil, &RPCError{Code: resp.Error.Code, Message: resp.Error.Message}
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-fallback:
		return nil, context.DeadlineExceeded
	case <-t.stopChan:
		return nil, ErrTransportClosed
	}
}

// Notify sends a notification; no response is expected.
func (t *StdioTransport) Notify(ctx context.Context, method string, params any) error {
	if !t.connected.Load() {
		return ErrNotConnected
	}

	notif := JSONRPCNotification{JSONRPC: "2.0", Method: method}
	if params != nil {
		paramsJSON, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshal params: %w", err)
		}
		notif.Params = paramsJSON
	}
	frame, _ := json.Marshal(notif)

	select {
	case t.writeQ <- append(frame, '\n'):
		return nil
	case <-t.stopChan:
		return ErrTransportClosed
	default:
		return ErrBackpressure
	}
}

// Events returns the server-originated notification channel.
func (t *StdioTransport) Events() <-chan *JSONRPCNotification {
	return t.events
}

// Connected reports whether the session is live.
func (t *StdioTransport) Connected() bool {
	return t.connected.Load()
}

// Close shuts the session down: stop accepting new calls, wait up to
// grace for in-flight calls to drain, terminate the child, and escalate
// to SIGKILL if it ignores SIGTERM.
func (t *StdioTransport) Close(grace time.Duration) error {
	t.stopOnce.Do(func() {
		t.connected.Store(false)

		deadline := time.Now().Add(grace)
		for t.pendingCount() > 0 && time.Now().Before(deadline) {
			time.Sleep(50 * time.Millisecond)
		}

		close(t.stopChan)
		if t.stdin != nil {
			t.stdin.Close()
		}

		if t.process != nil && t.process.Process != nil {
			done := make(chan struct{})
			go func() {
				t.process.Wait()
				close(done)
			}()

			t.process.Process.Signal(syscall.SIGTERM)
			select {
			case <-done:
			case <-time.After(killGrace):
				t.logger.Warn("server ignored SIGTERM, killing")
				t.process.Process.Kill()
				<-done
			}
		}

		t.wg.Wait()
	})
	return nil
}

func (t *StdioTransport) pendingCount() int {
	t.pendingMu.Lock()
	defer t.pendingMu.Unlock()
	return len(t.pending)
}

// connectionLost marks the session closed and fails every pending call.
func (t *StdioTransport) connectionLost() {
	if !t.connected.CompareAndSwap(true, false) {
		return
	}

	t.pendingMu.Lock()
	n := len(t.pending)
	for id, ch := range t.pending {
		close(ch)
		delete(t.pending, id)
	}
	t.pendingMu.Unlock()

	if n > 0 {
		t.logger.Warn("connection lost with pending calls", "pending", n)
	}
}

// writeLoop is the single producer to the child's stdin. FIFO order is
// a protocol requirement; a broken pipe cascades as connection loss.
func (t *StdioTransport) writeLoop() {
	defer t.wg.Done()

	for {
		select {
		case frame := <-t.writeQ:
			if _, err := t.stdin.Write(frame); err != nil {
				t.logger.Error("write failed", "error", err)
				t.connectionLost()
				return
			}
		case <-t.stopChan:
			return
		}
	}
}

// readLoop reads newline-delimited frames until EOF. EOF means the
// child exited; every pending call fails with connection-lost.
func (t *StdioTransport) readLoop(stdout io.Reader) {
	defer t.wg.Done()
	defer t.connectionLost()

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxFrameSize)

	for scanner.Scan() {
		select {
		case <-t.stopChan:
			return
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		t.processFrame(line)
	}

	if err := scanner.Err(); err != nil {
		t.logger.Error("stdout read error", "error", err)
	}
}

// processFrame dispatches one inbound frame: a response to its pending
// call, or a notification to the events channel. Parse errors are
// logged and the stream continues.
func (t *StdioTransport) processFrame(line []byte) {
	var resp JSONRPCResponse
	if err := json.Unmarshal(line, &resp); err != nil {
		t.logger.Warn("unparseable frame", "error", err)
		return
	}

	if resp.ID != nil {
		id, ok := responseID(resp.ID)
		if !ok {
			t.logger.Warn("unexpected response id type", "id", resp.ID)
			return
		}

		t.pendingMu.Lock()
		ch, found := t.pending[id]
		if found {
			delete(t.pending, id)
		}
		t.pendingMu.Unlock()

		if !found {
			t.logger.Debug("late response dropped", "id", id)
			return
		}
		ch <- &resp
		return
	}

	var notif JSONRPCNotification
	if err := json.Unmarshal(line, &notif); err == nil && notif.Method != "" {
		select {
		case t.events <- &notif:
		default:
			t.logger.Warn("notification channel full, dropping", "method", notif.Method)
		}
	}
}

// responseID normalizes a JSON response id to the int64 the client
// allocated.
func responseID(v any) (int64, bool) {
	switch id := v.(type) {
	case float64:
		return int64(id), true
	case int64:
		return id, true
	case int:
		return int64(id), true
	case json.Number:
		n, err := id.Int64()
		return n, err == nil
	default:
		return 0, false
	}
}

// forwardStderr forwards the child's stderr to debug logs.
func (t *StdioTransport) forwardStderr(stderr io.Reader) {
	defer t.wg.Done()

	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		select {
		case <-t.stopChan:
			return
		default:
		}
		if line := scanner.Text(); line != "" {
			t.logger.Debug("server stderr", "message", line)
		}
	}
}
