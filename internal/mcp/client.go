package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const defaultHandshakeTimeout = 10 * time.Second

// Client is an MCP client connected to a single server. It owns the
// transport and caches the server's tool catalog.
type Client struct {
	name      string
	spec      ServerSpec
	transport *StdioTransport
	logger    *slog.Logger

	mu         sync.RWMutex
	tools      []*Tool
	serverInfo ServerInfo
}

// NewClient creates a client for one server spec.
func NewClient(name string, spec ServerSpec, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		name:      name,
		spec:      spec,
		transport: NewStdioTransport(name, spec, logger),
		logger:    logger.With("mcp_server", name),
	}
}

// Connect spawns the server and performs the initialize handshake:
// initialize request, notifications/initialized, then an initial
// tools/list to populate the catalog.
func (c *Client) Connect(ctx context.Context) error {
	timeout := c.spec.HandshakeTimeout
	if timeout <= 0 {
		timeout = defaultHandshakeTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := c.transport.Connect(ctx); err != nil {
		return err
	}

	result, err := c.transport.Call(ctx, "initialize", map[string]any{
		"protocolVersion": ProtocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    "jrvsgw",
			"version": "1.0.0",
		},
	})
	if err != nil {
		c.transport.Close(0)
		return &HandshakeError{Server: c.name, Err: err}
	}

	var initResult InitializeResult
	if err := json.Unmarshal(result, &initResult); err != nil {
		c.transport.Close(0)
		return &HandshakeError{Server: c.name, Err: fmt.Errorf("parse initialize result: %w", err)}
	}

	c.mu.Lock()
	c.serverInfo = initResult.ServerInfo
	c.mu.Unlock()

	c.logger.Info("connected",
		"name", initResult.ServerInfo.Name,
		"version", initResult.ServerInfo.Version,
		"protocol", initResult.ProtocolVersion)

	if err := c.transport.Notify(ctx, "notifications/initialized", nil); err != nil {
		c.logger.Warn("initialized notification failed", "error", err)
	}

	if err := c.RefreshTools(ctx); err != nil {
		c.logger.Warn("initial tools/list failed", "error", err)
	}

	return nil
}

// Close disconnects with the given drain grace.
func (c *Client) Close(grace time.Duration) error {
	return c.transport.Close(grace)
}

// Connected reports whether the session is live.
func (c *Client) Connected() bool {
	return c.transport.Connected()
}

// ServerInfo returns the connected server's identity.
func (c *Client) ServerInfo() ServerInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverInfo
}

// Spec returns the launch spec.
func (c *Client) Spec() ServerSpec {
	return c.spec
}

// RefreshTools re-fetches the tool catalog. The cached catalog only
// changes here or on disconnect, never silently.
func (c *Client) RefreshTools(ctx context.Context) error {
	result, err := c.transport.Call(ctx, "tools/list", nil)
	if err != nil {
		return err
	}

	var resp ListToolsResult
	if err := json.Unmarshal(result, &resp); err != nil {
		return fmt.Errorf("parse tools/list result: %w", err)
	}

	c.mu.Lock()
	c.tools = resp.Tools
	c.mu.Unlock()

	c.logger.Debug("refreshed tools", "count", len(resp.Tools))
	return nil
}

// Tools returns the cached tool catalog.
func (c *Client) Tools() []*Tool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tools
}

// Tool returns the cached definition of one tool.
func (c *Client) Tool(name string) (*Tool, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, t := range c.tools {
		if t.Name == name {
			return t, true
		}
	}
	return nil, false
}

// CallTool invokes one tool on the server.
func (c *Client) CallTool(ctx context.Context, name string, arguments map[string]any) (*ToolResult, error) {
	params := CallToolParams{Name: name}
	if arguments != nil {
		argsJSON, err := json.Marshal(arguments)
		if err != nil {
			return nil, fmt.Errorf("marshal arguments: %w", err)
		}
		params.Arguments = argsJSON
	}

	result, err := c.transport.Call(ctx, "tools/call", params)
	if err != nil {
		return nil, err
	}

	var callResult ToolResult
	if err := json.Unmarshal(result, &callResult); err != nil {
		return nil, fmt.Errorf("parse tools/call result: %w", err)
	}
	return &callResult, nil
}

// Events returns server-originated notifications.
func (c *Client) Events() <-chan *JSONRPCNotification {
	return c.transport.Events()
}
