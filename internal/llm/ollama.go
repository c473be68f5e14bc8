// Package llm couples the gateway to a local Ollama instance behind a
// minimal interface: list models, switch the default model, generate.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/jrvs-ai/gateway/internal/gateway"
	"github.com/jrvs-ai/gateway/internal/infra"
)

const (
	defaultBaseURL = "http://localhost:11434"
	modelsCacheTTL = 60 * time.Second
	modelsCacheKey = "tags"
)

// Config configures the Ollama client.
type Config struct {
	BaseURL      string
	DefaultModel string
	Timeout      time.Duration
}

// Client talks to one Ollama instance. All calls route through the
// gateway pipeline under the "llm.generate" and "llm.tags" endpoints.
type Client struct {
	gw      *gateway.Gateway
	baseURL string
	timeout time.Duration

	mu         sync.RWMutex
	model      string
	httpClient *http.Client
}

// ModelInfo describes one installed model.
type ModelInfo struct {
	Name       string    `json:"name"`
	Size       int64     `json:"size"`
	ModifiedAt time.Time `json:"modified_at"`
}

// GenerateRequest is one generation call. Model empty means the current
// default.
type GenerateRequest struct {
	Prompt  string
	System  string
	Context string
	Model   string
	Options map[string]any
}

// NewClient creates an Ollama client.
func NewClient(cfg Config, gw *gateway.Gateway) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Client{
		gw:         gw,
		baseURL:    baseURL,
		timeout:    timeout,
		model:      strings.TrimSpace(cfg.DefaultModel),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Close releases the connection pool.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.httpClient.CloseIdleConnections()
}

// CurrentModel returns the process-wide default model.
func (c *Client) CurrentModel() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.model
}

// ListModels returns the installed models, cached for 60 seconds.
func (c *Client) ListModels(ctx context.Context) ([]ModelInfo, error) {
	val, err := c.gw.Call(ctx, gateway.CallRequest{
		Endpoint:      "llm.tags",
		BulkheadClass: gateway.BulkheadLLM,
		Timeout:       c.timeout,
		CacheName:     infra.CacheOllama,
		CacheKey:      modelsCacheKey,
		CacheTTL:      modelsCacheTTL,
		RetryIf:       Retryable,
		Fn: func(ctx context.Context) (any, error) {
			return c.fetchModels(ctx)
		},
	})
	if err != nil {
		return nil, err
	}
	return val.([]ModelInfo), nil
}

// SwitchModel validates the requested model against the installed set
// and updates the process-wide default. A unique prefix of an installed
// model name is accepted; the candidate is probed with a one-token
// generation before committing.
func (c *Client) SwitchModel(ctx context.Context, name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", gateway.WithKind(gateway.KindInvalid, errors.New("model name is required"))
	}

	models, err := c.ListModels(ctx)
	if err != nil {
		return "", err
	}

	resolved, err := resolveModel(name, models)
	if err != nil {
		return "", err
	}

	// Probe before committing: a listed model can still fail to load.
	_, err = c.Generate(ctx, GenerateRequest{
		Prompt:  "Hi",
		Model:   resolved,
		Options: map[string]any{"num_predict": 1},
	})
	if err != nil {
		return "", fmt.Errorf("probe %s: %w", resolved, err)
	}

	c.mu.Lock()
	c.model = resolved
	c.mu.Unlock()
	return resolved, nil
}

// resolveModel matches a requested name against the installed set:
// exact match first, then a unique prefix.
func resolveModel(name string, models []ModelInfo) (string, error) {
	var prefixMatches []string
	for _, m := range models {
		if m.Name == name {
			return m.Name, nil
		}
		if strings.HasPrefix(m.Name, name) {
			prefixMatches = append(prefixMatches, m.Name)
		}
	}

	switch len(prefixMatches) {
	case 1:
		return prefixMatches[0], nil
	case 0:
		return "", gateway.WithKind(gateway.KindNotFound, fmt.Errorf("model %q not installed", name))
	default:
		return "", gateway.WithKind(gateway.KindInvalid,
			fmt.Errorf("model %q is ambiguous: %s", name, strings.Join(prefixMatches, ", ")))
	}
}

// Generate submits one non-streaming generation and returns the full
// text. The prompt is composed from the optional system preamble, the
// optional retrieved context in a fenced block, and the user prompt.
func (c *Client) Generate(ctx context.Context, req GenerateRequest) (string, error) {
	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = c.CurrentModel()
	}
	if model == "" {
		return "", gateway.WithKind(gateway.KindInvalid, errors.New("no model configured"))
	}

	prompt := composePrompt(req)

	val, err := c.gw.Call(ctx, gateway.CallRequest{
		Endpoint:      "llm.generate",
		BulkheadClass: gateway.BulkheadLLM,
		Timeout:       c.timeout,
		RetryIf:       Retryable,
		Fn: func(ctx context.Context) (any, error) {
			return c.generate(ctx, model, prompt, req.Options)
		},
	})
	if err != nil {
		return "", err
	}
	return val.(string), nil
}

// composePrompt builds the single composite prompt.
func composePrompt(req GenerateRequest) string {
	var b strings.Builder
	if req.System != "" {
		b.WriteString(req.System)
		b.WriteString("\n\n")
	}
	if req.Context != "" {
		b.WriteString("Relevant context:\n```\n")
		b.WriteString(req.Context)
		b.WriteString("\n```\n\n")
	}
	b.WriteString(req.Prompt)
	return b.String()
}

type generateRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	Stream  bool           `json:"stream"`
	Options map[string]any `json:"options,omitempty"`
}

type generateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
	Error    string `json:"error"`
}

type tagsResponse struct {
	Models []ModelInfo `json:"models"`
}

func (c *Client) generate(ctx context.Context, model, prompt string, options map[string]any) (string, error) {
	body, err := json.Marshal(generateRequest{
		Model:   model,
		Prompt:  prompt,
		Stream:  false,
		Options: options,
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	data, err := c.post(ctx, "/api/generate", body)
	if err != nil {
		return "", err
	}

	var resp generateResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if resp.Error != "" {
		return "", &APIError{Status: http.StatusInternalServerError, Message: resp.Error}
	}
	return resp.Response, nil
}

func (c *Client) fetchModels(ctx context.Context) ([]ModelInfo, error) {
	data, err := c.get(ctx, "/api/tags")
	if err != nil {
		return nil, err
	}

	var resp tagsResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("decode tags: %w", err)
	}
	return resp.Models, nil
}

func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	return c.do(req)
}

func (c *Client) post(ctx context.Context, path string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	c.mu.RLock()
	client := c.httpClient
	c.mu.RUnlock()

	resp, err := client.Do(req)
	if err != nil {
		c.invalidatePool()
		return nil, gateway.WithKind(gateway.KindLLMUnavailable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, gateway.WithKind(gateway.KindLLMUnavailable, err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, &APIError{
			Status:  resp.StatusCode,
			Message: strings.TrimSpace(string(data)),
		}
	}
	return data, nil
}

// invalidatePool discards the connection pool after a connection-level
// failure so the next call dials fresh.
func (c *Client) invalidatePool() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.httpClient.CloseIdleConnections()
	c.httpClient = &http.Client{Timeout: c.timeout}
}

// APIError is a non-2xx response from Ollama.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("ollama status %d: %s", e.Status, e.Message)
}

// ErrorKind classifies server faults as LLM unavailability and client
// faults as invalid requests.
func (e *APIError) ErrorKind() string {
	if e.Status >= 500 {
		return "llm_unavailable"
	}
	return "invalid"
}

// Retryable reports whether an Ollama failure is transient: connection
// errors, deadlines, and 5xx responses retry; 4xx responses do not.
func Retryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status >= 500
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var kindErr *gateway.KindError
	if errors.As(err, &kindErr) {
		return kindErr.Kind == gateway.KindLLMUnavailable
	}
	return false
}
