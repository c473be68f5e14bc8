package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jrvs-ai/gateway/internal/gateway"
	"github.com/jrvs-ai/gateway/internal/infra"
)

const defaultDisconnectGrace = 5 * time.Second

// Registry owns the full set of server sessions and multiplexes tool
// calls across them. Every outbound tool call goes through the gateway
// pipeline under the endpoint key "tool:<server>.<tool>".
type Registry struct {
	specs    map[string]ServerSpec
	disabled map[string]ServerSpec
	gw       *gateway.Gateway
	logger   *slog.Logger

	mu      sync.RWMutex
	clients map[string]*Client
}

// NewRegistry creates a registry over the given server specs. Disabled
// specs are carried for listing but never connected.
func NewRegistry(specs, disabled map[string]ServerSpec, gw *gateway.Gateway, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		specs:    specs,
		disabled: disabled,
		gw:       gw,
		logger:   logger.With("component", "mcp"),
		clients:  make(map[string]*Client),
	}
}

// ConnectAll establishes sessions to every enabled server in parallel.
// Per-server failures are logged and skipped; partial connectivity is a
// normal state. Returns the number of ready sessions.
func (r *Registry) ConnectAll(ctx context.Context) int {
	var wg sync.WaitGroup
	for name, spec := range r.specs {
		wg.Add(1)
		go func(name string, spec ServerSpec) {
			defer wg.Done()

			client := NewClient(name, spec, r.logger)
			if err := client.Connect(ctx); err != nil {
				r.logger.Error("server connect failed", "server", name, "error", err)
				return
			}

			r.mu.Lock()
			r.clients[name] = client
			r.mu.Unlock()
		}(name, spec)
	}
	wg.Wait()

	r.mu.RLock()
	ready := len(r.clients)
	r.mu.RUnlock()
	r.logger.Info("servers connected", "ready", ready, "configured", len(r.specs))
	return ready
}

// Reconnect tears down and re-establishes one session, refreshing its
// catalog entry.
func (r *Registry) Reconnect(ctx context.Context, name string) error {
	spec, ok := r.specs[name]
	if !ok {
		return gateway.WithKind(gateway.KindNotFound, fmt.Errorf("server %q not configured", name))
	}

	r.mu.Lock()
	if old, exists := r.clients[name]; exists {
		delete(r.clients, name)
		r.mu.Unlock()
		old.Close(defaultDisconnectGrace)
	} else {
		r.mu.Unlock()
	}

	client := NewClient(name, spec, r.logger)
	if err := client.Connect(ctx); err != nil {
		return err
	}

	r.mu.Lock()
	r.clients[name] = client
	r.mu.Unlock()
	return nil
}

// Client returns the live session for a server.
func (r *Registry) Client(name string) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[name]
	return c, ok
}

// ListServers returns the status of every configured server, enabled
// and disabled, sorted by name.
func (r *Registry) ListServers() []ServerStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	statuses := make([]ServerStatus, 0, len(r.specs)+len(r.disabled))
	for name, spec := range r.specs {
		status := ServerStatus{Name: name, Description: spec.Description}
		if client, ok := r.clients[name]; ok {
			status.Ready = client.Connected()
			status.ToolCount = len(client.Tools())
		}
		statuses = append(statuses, status)
	}
	for name, spec := range r.disabled {
		statuses = append(statuses, ServerStatus{
			Name:        name + " (disabled)",
			Description: spec.Description,
		})
	}

	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Name < statuses[j].Name })
	return statuses
}

// ListTools returns the catalog for one server, or the union across all
// ready servers when server is empty.
func (r *Registry) ListTools(server string) ([]ToolDescriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if server != "" {
		client, ok := r.clients[server]
		if !ok {
			return nil, gateway.WithKind(gateway.KindNotFound, fmt.Errorf("server %q not connected", server))
		}
		return describeTools(server, client.Tools()), nil
	}

	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	sort.Strings(names)

	var catalog []ToolDescriptor
	for _, name := range names {
		catalog = append(catalog, describeTools(name, r.clients[name].Tools())...)
	}
	return catalog, nil
}

// SearchTools returns catalog entries whose name or description contains
// the query, case-insensitive.
func (r *Registry) SearchTools(query string) []ToolDescriptor {
	catalog, _ := r.ListTools("")
	query = strings.ToLower(query)

	var matches []ToolDescriptor
	for _, td := range catalog {
		if strings.Contains(strings.ToLower(td.Name), query) ||
			strings.Contains(strings.ToLower(td.Description), query) {
			matches = append(matches, td)
		}
	}
	return matches
}

// FindTool resolves a qualified (server, tool) pair against the catalog.
func (r *Registry) FindTool(server, tool string) (*Tool, bool) {
	client, ok := r.Client(server)
	if !ok {
		return nil, false
	}
	return client.Tool(tool)
}

// CallTool invokes a tool through the gateway pipeline: rate limit,
// bulkhead, circuit breaker, retry, and timeout all apply under the
// endpoint key "tool:<server>.<tool>". Tools the server spec marks
// cacheable are additionally served from the result cache.
func (r *Registry) CallTool(ctx context.Context, server, tool string, args map[string]any, timeout time.Duration) (*ToolResult, error) {
	client, ok := r.Client(server)
	if !ok {
		return nil, gateway.WithKind(gateway.KindNotFound, fmt.Errorf("server %q not connected", server))
	}
	if _, ok := client.Tool(tool); !ok {
		return nil, gateway.WithKind(gateway.KindNotFound, fmt.Errorf("tool %q not found on server %q", tool, server))
	}

	req := gateway.CallRequest{
		Endpoint:      "tool:" + server + "." + tool,
		BulkheadClass: gateway.BulkheadTool,
		Timeout:       timeout,
		RetryIf:       retryableToolError,
		Fn: func(ctx context.Context) (any, error) {
			return client.CallTool(ctx, tool, args)
		},
	}
	if cacheableTool(client.Spec(), tool) {
		if key, ok := toolCacheKey(server, tool, args); ok {
			req.CacheName = infra.CacheGeneral
			req.CacheKey = key
		}
	}

	val, err := r.gw.Call(ctx, req)
	if err != nil {
		return nil, err
	}
	return val.(*ToolResult), nil
}

func cacheableTool(spec ServerSpec, tool string) bool {
	for _, name := range spec.CacheableTools {
		if name == tool {
			return true
		}
	}
	return false
}

// toolCacheKey derives a cache key from the qualified tool name and its
// arguments. json.Marshal sorts map keys, so equal argument maps yield
// equal keys.
func toolCacheKey(server, tool string, args map[string]any) (string, bool) {
	blob, err := json.Marshal(args)
	if err != nil {
		return "", false
	}
	return server + "." + tool + ":" + string(blob), true
}

// Shutdown disconnects every session in parallel within the grace
// window.
func (r *Registry) Shutdown(grace time.Duration) {
	if grace <= 0 {
		grace = defaultDisconnectGrace
	}

	r.mu.Lock()
	clients := r.clients
	r.clients = make(map[string]*Client)
	r.mu.Unlock()

	var wg sync.WaitGroup
	for name, client := range clients {
		wg.Add(1)
		go func(name string, client *Client) {
			defer wg.Done()
			if err := client.Close(grace); err != nil {
				r.logger.Error("disconnect failed", "server", name, "error", err)
			}
		}(name, client)
	}
	wg.Wait()
	r.logger.Info("all servers disconnected")
}

func describeTools(server string, tools []*Tool) []ToolDescriptor {
	out := make([]ToolDescriptor, 0, len(tools))
	for _, t := range tools {
		out = append(out, ToolDescriptor{
			Server:      server,
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}
	return out
}
