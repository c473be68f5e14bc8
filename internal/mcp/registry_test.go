package mcp

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jrvs-ai/gateway/internal/gateway"
	"github.com/jrvs-ai/gateway/internal/infra"
)

func testRegistry(t *testing.T, specs, disabled map[string]ServerSpec) *Registry {
	t.Helper()
	gw := gateway.New(gateway.Config{
		Retry:      infra.RetryConfig{MaxAttempts: 1, BaseDelay: time.Millisecond, Multiplier: 2, MaxDelay: time.Millisecond},
		Registerer: prometheus.NewRegistry(),
	}, nil)
	r := NewRegistry(specs, disabled, gw, nil)
	t.Cleanup(func() {
		r.Shutdown(time.Second)
		gw.Caches().Stop()
	})
	return r
}

func fakeSpec(script string) ServerSpec {
	return ServerSpec{
		Command:     "sh",
		Args:        []string{"-c", script},
		Description: "scripted test server",
		CallTimeout: 5 * time.Second,
	}
}

func TestRegistry_ConnectAllPartialFailure(t *testing.T) {
	r := testRegistry(t, map[string]ServerSpec{
		"good": fakeSpec(fakeServerScript + `cat >/dev/null`),
		"bad":  {Command: "/nonexistent/binary"},
	}, nil)

	if ready := r.ConnectAll(context.Background()); ready != 1 {
		t.Fatalf("expected 1 ready server, got %d", ready)
	}

	if _, ok := r.Client("good"); !ok {
		t.Error("good server missing from ready set")
	}
	if _, ok := r.Client("bad"); ok {
		t.Error("failed server present in ready set")
	}
}

func TestRegistry_ListServersIncludesDisabled(t *testing.T) {
	r := testRegistry(t,
		map[string]ServerSpec{"good": fakeSpec(fakeServerScript + `cat >/dev/null`)},
		map[string]ServerSpec{"staged": {Command: "x", Description: "awaiting credentials"}},
	)
	r.ConnectAll(context.Background())

	statuses := r.ListServers()
	if len(statuses) != 2 {
		t.Fatalf("expected 2 statuses, got %d", len(statuses))
	}

	byName := map[string]ServerStatus{}
	for _, s := range statuses {
		byName[s.Name] = s
	}
	if s := byName["good"]; !s.Ready || s.ToolCount != 1 {
		t.Errorf("unexpected good status %+v", s)
	}
	if s, ok := byName["staged (disabled)"]; !ok || s.Ready {
		t.Errorf("unexpected disabled status %+v", s)
	}
}

func TestRegistry_ListToolsUnion(t *testing.T) {
	r := testRegistry(t, map[string]ServerSpec{
		"a": fakeSpec(fakeServerScript + `cat >/dev/null`),
		"b": fakeSpec(fakeServerScript + `cat >/dev/null`),
	}, nil)
	r.ConnectAll(context.Background())

	catalog, err := r.ListTools("")
	if err != nil {
		t.Fatalf("list tools: %v", err)
	}
	if len(catalog) != 2 {
		t.Fatalf("expected union of 2 tools, got %d", len(catalog))
	}
	// Union is sorted by server name.
	if catalog[0].Server != "a" || catalog[1].Server != "b" {
		t.Errorf("unexpected order %+v", catalog)
	}

	only, err := r.ListTools("a")
	if err != nil {
		t.Fatalf("list tools for a: %v", err)
	}
	if len(only) != 1 || only[0].Server != "a" {
		t.Errorf("unexpected per-server catalog %+v", only)
	}

	if _, err := r.ListTools("unknown"); gateway.KindOf(err) != gateway.KindNotFound {
		t.Errorf("expected not_found for unknown server, got %v", err)
	}
}

func TestRegistry_SearchTools(t *testing.T) {
	r := testRegistry(t, map[string]ServerSpec{
		"a": fakeSpec(fakeServerScript + `cat >/dev/null`),
	}, nil)
	r.ConnectAll(context.Background())

	if matches := r.SearchTools("ECHO"); len(matches) != 1 {
		t.Errorf("expected case-insensitive name match, got %+v", matches)
	}
	if matches := r.SearchTools("text back"); len(matches) != 1 {
		t.Errorf("expected description match, got %+v", matches)
	}
	if matches := r.SearchTools("zzz"); len(matches) != 0 {
		t.Errorf("expected no match, got %+v", matches)
	}
}

func TestRegistry_CallToolThroughPipeline(t *testing.T) {
	r := testRegistry(t, map[string]ServerSpec{
		"a": fakeSpec(fakeServerScript + `read line
echo '{"jsonrpc":"2.0","id":3,"result":{"content":[{"type":"text","text":"done"}]}}'`),
	}, nil)
	r.ConnectAll(context.Background())

	result, err := r.CallTool(context.Background(), "a", "echo", map[string]any{"text": "done"}, 5*time.Second)
	if err != nil {
		t.Fatalf("call tool: %v", err)
	}
	if result.Text() != "done" {
		t.Errorf("expected done, got %q", result.Text())
	}
}

func TestRegistry_CallToolCacheableServedFromCache(t *testing.T) {
	gw := gateway.New(gateway.Config{
		Retry:        infra.RetryConfig{MaxAttempts: 1, BaseDelay: time.Millisecond, Multiplier: 2, MaxDelay: time.Millisecond},
		CacheEnabled: true,
		Registerer:   prometheus.NewRegistry(),
	}, nil)

	// The script answers exactly one tools/call; a second round-trip
	// would hang until the timeout.
	spec := fakeSpec(fakeServerScript + `read line
echo '{"jsonrpc":"2.0","id":3,"result":{"content":[{"type":"text","text":"cached"}]}}'
cat >/dev/null`)
	spec.CacheableTools = []string{"echo"}

	r := NewRegistry(map[string]ServerSpec{"a": spec}, nil, gw, nil)
	t.Cleanup(func() {
		r.Shutdown(time.Second)
		gw.Caches().Stop()
	})
	r.ConnectAll(context.Background())

	args := map[string]any{"text": "cached"}
	first, err := r.CallTool(context.Background(), "a", "echo", args, 5*time.Second)
	if err != nil {
		t.Fatalf("first call: %v", err)
	}

	second, err := r.CallTool(context.Background(), "a", "echo", args, 500*time.Millisecond)
	if err != nil {
		t.Fatalf("second call not served from cache: %v", err)
	}
	if second.Text() != first.Text() {
		t.Errorf("cache returned different result: %q vs %q", second.Text(), first.Text())
	}

	recs := gw.Metrics().Records()
	if len(recs) != 2 || !recs[1].CacheHit {
		t.Errorf("expected second record to be a cache hit: %+v", recs)
	}

	// Different arguments miss the cache and time out against the now
	// silent server.
	if _, err := r.CallTool(context.Background(), "a", "echo", map[string]any{"text": "other"}, 200*time.Millisecond); err == nil {
		t.Error("expected distinct arguments to bypass the cached entry")
	}
}

func TestRegistry_CallToolUnknown(t *testing.T) {
	r := testRegistry(t, map[string]ServerSpec{
		"a": fakeSpec(fakeServerScript + `cat >/dev/null`),
	}, nil)
	r.ConnectAll(context.Background())

	if _, err := r.CallTool(context.Background(), "nope", "echo", nil, time.Second); gateway.KindOf(err) != gateway.KindNotFound {
		t.Errorf("expected not_found for unknown server, got %v", err)
	}
	if _, err := r.CallTool(context.Background(), "a", "nope", nil, time.Second); gateway.KindOf(err) != gateway.KindNotFound {
		t.Errorf("expected not_found for unknown tool, got %v", err)
	}
}

func TestRetryableToolError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"rpc error", &RPCError{Code: ErrCodeInvalidParams, Message: "bad"}, false},
		{"backpressure", ErrBackpressure, false},
		{"attempt timeout", context.DeadlineExceeded, false},
		{"cancelled", context.Canceled, false},
		{"connection lost", ErrConnectionLost, true},
		{"other", errors.New("pipe broke"), true},
	}
	for _, tc := range cases {
		if got := retryableToolError(tc.err); got != tc.want {
			t.Errorf("%s: retryable = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestRegistry_Reconnect(t *testing.T) {
	r := testRegistry(t, map[string]ServerSpec{
		"a": fakeSpec(fakeServerScript + `cat >/dev/null`),
	}, nil)
	r.ConnectAll(context.Background())

	if err := r.Reconnect(context.Background(), "a"); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	client, ok := r.Client("a")
	if !ok || !client.Connected() {
		t.Error("server not ready after reconnect")
	}

	if err := r.Reconnect(context.Background(), "missing"); gateway.KindOf(err) != gateway.KindNotFound {
		t.Errorf("expected not_found for unconfigured server, got %v", err)
	}
}

func TestRegistry_ShutdownClearsReadySet(t *testing.T) {
	r := testRegistry(t, map[string]ServerSpec{
		"a": fakeSpec(fakeServerScript + `cat >/dev/null`),
	}, nil)
	r.ConnectAll(context.Background())

	r.Shutdown(time.Second)
	if _, ok := r.Client("a"); ok {
		t.Error("client still present after shutdown")
	}
}
