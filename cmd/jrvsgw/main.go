// Package main provides the CLI entry point for jrvsgw, a local-first
// AI agent gateway.
//
// jrvsgw multiplexes stdio MCP tool servers behind a resilience
// pipeline (circuit breaker, retry, timeout, bulkhead, cache, rate
// limit) and couples them to a local Ollama instance through a
// single-turn planning agent.
//
// # Basic Usage
//
// Start an interactive chat session:
//
//	jrvsgw chat
//
// Inspect configured servers and tools:
//
//	jrvsgw servers
//	jrvsgw tools --server filesystem
//
// Call a tool directly:
//
//	jrvsgw call filesystem read_file --args '{"path": "notes.txt"}'
//
// # Environment Variables
//
//   - OLLAMA_BASE_URL: Ollama endpoint (default: http://localhost:11434)
//   - OLLAMA_DEFAULT_MODEL: model used when the config names none
//   - JRVS_LOG_LEVEL: debug | info | warn | error
//   - JRVS_LOG_FILE: log destination (default: stderr)
//   - JRVS_WORKSPACE: root directory tool servers operate under
//   - JRVS_RATELIMIT_PER_MINUTE, JRVS_RATELIMIT_BURST
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/jrvs-ai/gateway/internal/config"
	"github.com/jrvs-ai/gateway/internal/gateway"
	"github.com/jrvs-ai/gateway/internal/infra"
	"github.com/jrvs-ai/gateway/internal/llm"
	"github.com/jrvs-ai/gateway/internal/mcp"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var (
	configPath   string
	manifestPath string
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "jrvsgw",
		Short: "jrvsgw - local-first AI agent gateway",
		Long: `jrvsgw multiplexes MCP tool servers behind a resilience pipeline
and couples them to a local Ollama instance through a planning agent.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "gateway.yaml", "Path to the settings file")
	rootCmd.PersistentFlags().StringVar(&manifestPath, "manifest", "mcp_gateway/client_config.json", "Path to the MCP server manifest")

	rootCmd.AddCommand(
		buildChatCmd(),
		buildServersCmd(),
		buildToolsCmd(),
		buildCallCmd(),
		buildModelsCmd(),
	)
	return rootCmd
}

// app bundles the wired components behind every command.
type app struct {
	settings *config.Settings
	gw       *gateway.Gateway
	registry *mcp.Registry
	llm      *llm.Client
	logger   *slog.Logger
}

// newApp loads configuration and wires the gateway, registry, and LLM
// client. It does not connect servers; callers decide that.
func newApp() (*app, error) {
	settings, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logOut := io.Writer(os.Stderr)
	if settings.LogFile != "" {
		f, err := os.OpenFile(settings.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		logOut = f
	}
	logger := slog.New(slog.NewTextHandler(logOut, &slog.HandlerOptions{
		Level: parseLevel(settings.LogLevel),
	}))
	slog.SetDefault(logger)

	manifest, err := config.LoadManifest(manifestPath, settings.Workspace)
	if err != nil {
		return nil, err
	}

	gw := gateway.New(gatewayConfig(settings), logger)
	registry := mcp.NewRegistry(manifest.MCPServers, manifest.Disabled, gw, logger)
	llmClient := llm.NewClient(llm.Config{
		BaseURL:      settings.Ollama.BaseURL,
		DefaultModel: settings.Ollama.DefaultModel,
		Timeout:      settings.OllamaTimeout(),
	}, gw)

	return &app{
		settings: settings,
		gw:       gw,
		registry: registry,
		llm:      llmClient,
		logger:   logger,
	}, nil
}

// connect establishes server sessions and arranges teardown through
// the shutdown coordinator.
func (a *app) connect(ctx context.Context) {
	a.registry.ConnectAll(ctx)
	a.gw.Shutdown().RegisterFunc("disconnect-servers", infra.PhaseConnections, func(ctx context.Context) error {
		a.registry.Shutdown(5 * time.Second)
		return nil
	})
	a.gw.Shutdown().RegisterFunc("close-llm", infra.PhaseServices, func(ctx context.Context) error {
		a.llm.Close()
		return nil
	})
}

func (a *app) shutdown() {
	a.gw.Shutdown().Shutdown()
}

func gatewayConfig(s *config.Settings) gateway.Config {
	return gateway.Config{
		RatePerMinute:    s.RateLimit.PerMinute,
		RateBurst:        s.RateLimit.Burst,
		RateLimitEnabled: s.RateLimit.Enabled,
		CacheEnabled:     s.Cache.Enabled,
		Breaker: infra.CircuitBreakerConfig{
			FailureThreshold: s.Resilience.FailureThreshold,
			RecoveryTimeout:  s.RecoveryTimeout(),
		},
		Retry:          retryConfig(s.Resilience.Retry),
		RetryOverrides: retryOverrides(s.Resilience.Endpoints),
		DefaultTimeout: s.OllamaTimeout(),
	}
}

func retryConfig(rs config.RetrySettings) infra.RetryConfig {
	cfg := infra.DefaultRetryConfig()
	if rs.MaxAttempts > 0 {
		cfg.MaxAttempts = rs.MaxAttempts
	}
	if rs.BaseDelaySecs > 0 {
		cfg.BaseDelay = time.Duration(rs.BaseDelaySecs * float64(time.Second))
	}
	if rs.Multiplier > 0 {
		cfg.Multiplier = rs.Multiplier
	}
	if rs.MaxDelaySecs > 0 {
		cfg.MaxDelay = time.Duration(rs.MaxDelaySecs * float64(time.Second))
	}
	if rs.JitterFraction > 0 {
		cfg.JitterFraction = rs.JitterFraction
	}
	return cfg
}

func retryOverrides(endpoints map[string]config.RetrySettings) map[string]infra.RetryConfig {
	if len(endpoints) == 0 {
		return nil
	}
	out := make(map[string]infra.RetryConfig, len(endpoints))
	for endpoint, rs := range endpoints {
		out[endpoint] = retryConfig(rs)
	}
	return out
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func buildServersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "servers",
		Short: "List configured MCP servers and their status",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			a.connect(cmd.Context())
			defer a.shutdown()

			for _, s := range a.registry.ListServers() {
				state := "down"
				if s.Ready {
					state = fmt.Sprintf("ready (%d tools)", s.ToolCount)
				}
				fmt.Printf("%-24s %-18s %s\n", s.Name, state, s.Description)
			}
			return nil
		},
	}
}

func buildToolsCmd() *cobra.Command {
	var server, search string
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "List or search tools across connected servers",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			a.connect(cmd.Context())
			defer a.shutdown()

			var catalog []mcp.ToolDescriptor
			if search != "" {
				catalog = a.registry.SearchTools(search)
			} else {
				catalog, err = a.registry.ListTools(server)
				if err != nil {
					return err
				}
			}
			for _, td := range catalog {
				fmt.Printf("%s.%s\n    %s\n", td.Server, td.Name, td.Description)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&server, "server", "", "Limit to one server")
	cmd.Flags().StringVar(&search, "search", "", "Substring match on name or description")
	return cmd
}

func buildCallCmd() *cobra.Command {
	var argsJSON string
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "call <server> <tool>",
		Short: "Call one tool directly",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			a.connect(cmd.Context())
			defer a.shutdown()

			var toolArgs map[string]any
			if argsJSON != "" {
				if err := json.Unmarshal([]byte(argsJSON), &toolArgs); err != nil {
					return fmt.Errorf("parse --args: %w", err)
				}
			}

			result, err := a.registry.CallTool(cmd.Context(), args[0], args[1], toolArgs, timeout)
			if err != nil {
				return err
			}
			if result.IsError {
				return fmt.Errorf("tool reported error: %s", result.Text())
			}
			fmt.Println(result.Text())
			return nil
		},
	}
	cmd.Flags().StringVar(&argsJSON, "args", "", "Tool arguments as a JSON object")
	cmd.Flags().DurationVar(&timeout, "timeout", 60*time.Second, "Per-call timeout")
	return cmd
}

func buildModelsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List installed Ollama models",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.shutdown()

			models, err := a.llm.ListModels(cmd.Context())
			if err != nil {
				return err
			}
			current := a.llm.CurrentModel()
			for _, m := range models {
				marker := " "
				if m.Name == current {
					marker = "*"
				}
				fmt.Printf("%s %-32s %6.1f GB\n", marker, m.Name, float64(m.Size)/1e9)
			}
			return nil
		},
	}
}
