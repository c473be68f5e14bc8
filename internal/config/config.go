// Package config loads the gateway settings file (YAML) and the MCP
// server manifest (JSON), applying environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Settings is the gateway.yaml document. Zero values fall back to the
// documented defaults.
type Settings struct {
	LogLevel string `yaml:"log_level"`
	// LogFile is an optional log destination; empty logs to stderr.
	LogFile string `yaml:"log_file"`
	// Workspace is the root directory tool servers operate under.
	Workspace string `yaml:"workspace"`

	Ollama struct {
		BaseURL        string `yaml:"base_url"`
		DefaultModel   string `yaml:"default_model"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
	} `yaml:"ollama"`

	RateLimit struct {
		Enabled   bool    `yaml:"enabled"`
		PerMinute float64 `yaml:"per_minute"`
		Burst     int     `yaml:"burst"`
	} `yaml:"ratelimit"`

	Cache struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"cache"`

	Resilience struct {
		FailureThreshold       int `yaml:"failure_threshold"`
		RecoveryTimeoutSeconds int `yaml:"recovery_timeout_seconds"`

		Retry RetrySettings `yaml:"retry"`
		// Endpoints maps endpoint keys (e.g. "llm.generate",
		// "tool:web.fetch") to per-endpoint retry policy.
		Endpoints map[string]RetrySettings `yaml:"endpoints"`
	} `yaml:"resilience"`

	Agent struct {
		ToolTimeoutSeconds int    `yaml:"tool_timeout_seconds"`
		ActivityDir        string `yaml:"activity_dir"`
		SystemPrompt       string `yaml:"system_prompt"`
	} `yaml:"agent"`
}

// RetrySettings is a retry policy in file form.
type RetrySettings struct {
	MaxAttempts     int     `yaml:"max_attempts"`
	BaseDelaySecs   float64 `yaml:"base_delay_seconds"`
	Multiplier      float64 `yaml:"multiplier"`
	MaxDelaySecs    float64 `yaml:"max_delay_seconds"`
	JitterFraction  float64 `yaml:"jitter_fraction"`
}

// Defaults returns the built-in settings.
func Defaults() *Settings {
	s := &Settings{}
	s.LogLevel = "info"
	s.Workspace = "."
	s.Ollama.BaseURL = "http://localhost:11434"
	s.Ollama.TimeoutSeconds = 120
	s.RateLimit.Enabled = true
	s.RateLimit.PerMinute = 60
	s.RateLimit.Burst = 10
	s.Cache.Enabled = true
	s.Resilience.FailureThreshold = 5
	s.Resilience.RecoveryTimeoutSeconds = 60
	s.Resilience.Retry = RetrySettings{
		MaxAttempts:    3,
		BaseDelaySecs:  1,
		Multiplier:     2,
		MaxDelaySecs:   60,
		JitterFraction: 0.1,
	}
	s.Agent.ToolTimeoutSeconds = 60
	s.Agent.ActivityDir = "activity"
	return s
}

// Load reads settings from path, starting from defaults. A missing
// file is not an error; environment overrides apply last.
func Load(path string) (*Settings, error) {
	s := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// Defaults only.
		case err != nil:
			return nil, fmt.Errorf("read settings: %w", err)
		default:
			if err := yaml.Unmarshal(data, s); err != nil {
				return nil, fmt.Errorf("parse settings: %w", err)
			}
		}
	}

	s.applyEnv()
	return s, nil
}

// applyEnv applies the JRVS_<SECTION>_<KEY> overrides, plus the
// conventional OLLAMA_* variables.
func (s *Settings) applyEnv() {
	if v := os.Getenv("OLLAMA_BASE_URL"); v != "" {
		s.Ollama.BaseURL = v
	}
	if v := os.Getenv("OLLAMA_DEFAULT_MODEL"); v != "" {
		s.Ollama.DefaultModel = v
	}
	if v := os.Getenv("JRVS_LOG_LEVEL"); v != "" {
		s.LogLevel = v
	}
	if v := os.Getenv("JRVS_LOG_FILE"); v != "" {
		s.LogFile = v
	}
	if v := os.Getenv("JRVS_WORKSPACE"); v != "" {
		s.Workspace = v
	}
	if v := os.Getenv("JRVS_RATELIMIT_PER_MINUTE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			s.RateLimit.PerMinute = f
		}
	}
	if v := os.Getenv("JRVS_RATELIMIT_BURST"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			s.RateLimit.Burst = n
		}
	}
	if v := os.Getenv("JRVS_RATELIMIT_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			s.RateLimit.Enabled = b
		}
	}
	if v := os.Getenv("JRVS_CACHE_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			s.Cache.Enabled = b
		}
	}
	if v := os.Getenv("JRVS_AGENT_ACTIVITY_DIR"); v != "" {
		s.Agent.ActivityDir = v
	}
}

// OllamaTimeout returns the Ollama timeout as a duration.
func (s *Settings) OllamaTimeout() time.Duration {
	return time.Duration(s.Ollama.TimeoutSeconds) * time.Second
}

// ToolTimeout returns the per-tool-call timeout as a duration.
func (s *Settings) ToolTimeout() time.Duration {
	return time.Duration(s.Agent.ToolTimeoutSeconds) * time.Second
}

// RecoveryTimeout returns the breaker recovery window as a duration.
func (s *Settings) RecoveryTimeout() time.Duration {
	return time.Duration(s.Resilience.RecoveryTimeoutSeconds) * time.Second
}
