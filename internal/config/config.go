// Package config loads the mesh configuration: defaults, then an
// optional JSON5 file, then environment overrides. Secrets (the
// Postgres DSN, the webhook secret, the Redis URL) come from the
// environment only and are never written to the config file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/titanous/json5"
)

// Config is the root configuration for the agentmesh node.
type Config struct {
	Node      NodeConfig      `json:"node"`
	Gateway   GatewayConfig   `json:"gateway"`
	Circuit   CircuitConfig   `json:"circuit"`
	RateLimit RateLimitConfig `json:"rate_limit"`
	Channel   ChannelConfig   `json:"channel"`
	Webhook   WebhookConfig   `json:"webhook"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Database  DatabaseConfig  `json:"database,omitempty"`
	Bus       BusConfig       `json:"bus,omitempty"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
}

// NodeConfig identifies this node on the mesh.
type NodeConfig struct {
	AgentID string `json:"agent_id"`
	Name    string `json:"name,omitempty"`
}

// GatewayConfig configures the HTTP surface.
type GatewayConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
	// Per-IP sliding-window request caps, per minute.
	RateLimitGet      int `json:"rate_limit_get"`
	RateLimitMutation int `json:"rate_limit_mutation"`
}

// CircuitConfig tunes the per-target circuit breakers.
type CircuitConfig struct {
	FailureThreshold int           `json:"failure_threshold"`
	ResetTimeout     time.Duration `json:"-"`
	ResetTimeoutMS   int           `json:"reset_timeout_ms"`
	SuccessThreshold int           `json:"success_threshold"`
}

// RateLimitConfig tunes the per-sender sliding window.
type RateLimitConfig struct {
	PerMinute int `json:"per_minute"`
}

// ChannelConfig tunes peer channels.
type ChannelConfig struct {
	MaxTokens      int           `json:"max_tokens"`
	RefillRate     float64       `json:"refill_rate"`
	MaxHistorySize int           `json:"max_history_size"`
	AckTimeout     time.Duration `json:"-"`
	AckTimeoutSec  int           `json:"ack_timeout_sec"`
}

// WebhookConfig configures external-event ingress. The secret comes
// from AGENTMESH_WEBHOOK_SECRET only.
type WebhookConfig struct {
	Secret             string        `json:"-"`
	MinTriggerInterval time.Duration `json:"-"`
	MinTriggerSec      int           `json:"min_trigger_interval_sec"`
}

// SchedulerConfig tunes the cron scheduler.
type SchedulerConfig struct {
	Enabled         bool `json:"enabled"`
	TickIntervalSec int  `json:"tick_interval_sec"`
}

// DatabaseConfig selects the store backend.
// PostgresDSN is NEVER read from the config file (secret) — only from
// env AGENTMESH_POSTGRES_DSN. Mode is "standalone" (default, SQLite) or
// "managed" (Postgres).
type DatabaseConfig struct {
	PostgresDSN string `json:"-"`
	Mode        string `json:"mode,omitempty"`
	SQLitePath  string `json:"sqlite_path,omitempty"`
}

// IsManagedMode reports whether the node runs against Postgres.
func (c *Config) IsManagedMode() bool {
	return c.Database.Mode == "managed" && c.Database.PostgresDSN != ""
}

// BusConfig configures the shared message bus. RedisURL comes from env
// AGENTMESH_REDIS_URL only; empty means the in-memory bus.
type BusConfig struct {
	RedisURL string `json:"-"`
}

// TelemetryConfig configures the optional OTLP trace exporter.
type TelemetryConfig struct {
	Enabled  bool   `json:"enabled,omitempty"`
	Endpoint string `json:"-"` // from env OTEL_EXPORTER_OTLP_ENDPOINT only
	Insecure bool   `json:"insecure,omitempty"`
}

// Default returns a Config with the documented defaults.
func Default() *Config {
	return &Config{
		Node: NodeConfig{AgentID: "agent-local"},
		Gateway: GatewayConfig{
			Host:              "0.0.0.0",
			Port:              8080,
			RateLimitGet:      120,
			RateLimitMutation: 30,
		},
		Circuit: CircuitConfig{
			FailureThreshold: 5,
			ResetTimeout:     30 * time.Second,
			SuccessThreshold: 2,
		},
		RateLimit: RateLimitConfig{PerMinute: 10},
		Channel: ChannelConfig{
			MaxTokens:      10,
			RefillRate:     1,
			MaxHistorySize: 100,
			AckTimeout:     30 * time.Second,
		},
		Webhook:   WebhookConfig{MinTriggerInterval: time.Minute},
		Scheduler: SchedulerConfig{Enabled: true, TickIntervalSec: 60},
		Database:  DatabaseConfig{Mode: "standalone", SQLitePath: "agentmesh.db"},
	}
}

// Load reads path (JSON5), falling back to defaults when the file does
// not exist, then applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.normalize()
	cfg.applyEnvOverrides()
	return cfg, nil
}

// normalize converts file-level integer fields into durations and
// restores defaults for non-positive values.
func (c *Config) normalize() {
	d := Default()
	if c.Circuit.ResetTimeoutMS > 0 {
		c.Circuit.ResetTimeout = time.Duration(c.Circuit.ResetTimeoutMS) * time.Millisecond
	} else if c.Circuit.ResetTimeout <= 0 {
		c.Circuit.ResetTimeout = d.Circuit.ResetTimeout
	}
	if c.Circuit.FailureThreshold <= 0 {
		c.Circuit.FailureThreshold = d.Circuit.FailureThreshold
	}
	if c.Circuit.SuccessThreshold <= 0 {
		c.Circuit.SuccessThreshold = d.Circuit.SuccessThreshold
	}
	if c.RateLimit.PerMinute <= 0 {
		c.RateLimit.PerMinute = d.RateLimit.PerMinute
	}
	if c.Gateway.RateLimitGet <= 0 {
		c.Gateway.RateLimitGet = d.Gateway.RateLimitGet
	}
	if c.Gateway.RateLimitMutation <= 0 {
		c.Gateway.RateLimitMutation = d.Gateway.RateLimitMutation
	}
	if c.Channel.AckTimeoutSec > 0 {
		c.Channel.AckTimeout = time.Duration(c.Channel.AckTimeoutSec) * time.Second
	} else if c.Channel.AckTimeout <= 0 {
		c.Channel.AckTimeout = d.Channel.AckTimeout
	}
	if c.Channel.MaxTokens <= 0 {
		c.Channel.MaxTokens = d.Channel.MaxTokens
	}
	if c.Channel.RefillRate <= 0 {
		c.Channel.RefillRate = d.Channel.RefillRate
	}
	if c.Channel.MaxHistorySize <= 0 {
		c.Channel.MaxHistorySize = d.Channel.MaxHistorySize
	}
	if c.Webhook.MinTriggerSec > 0 {
		c.Webhook.MinTriggerInterval = time.Duration(c.Webhook.MinTriggerSec) * time.Second
	} else if c.Webhook.MinTriggerInterval <= 0 {
		c.Webhook.MinTriggerInterval = d.Webhook.MinTriggerInterval
	}
	if c.Scheduler.TickIntervalSec <= 0 {
		c.Scheduler.TickIntervalSec = d.Scheduler.TickIntervalSec
	}
}

// applyEnvOverrides applies environment variables over the loaded
// config. Invalid or non-positive numeric values leave the current
// value untouched.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				*dst = n
			}
		}
	}

	envStr("AGENTMESH_AGENT_ID", &c.Node.AgentID)
	envStr("AGENTMESH_HOST", &c.Gateway.Host)
	envInt("AGENTMESH_PORT", &c.Gateway.Port)

	envInt("AGENT_CB_FAILURE_THRESHOLD", &c.Circuit.FailureThreshold)
	envInt("AGENT_CB_SUCCESS_THRESHOLD", &c.Circuit.SuccessThreshold)
	if v := os.Getenv("AGENT_CB_RESET_TIMEOUT_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			c.Circuit.ResetTimeout = time.Duration(ms) * time.Millisecond
		}
	}
	envInt("AGENT_RATE_LIMIT_PER_MIN", &c.RateLimit.PerMinute)

	envInt("RATE_LIMIT_GET", &c.Gateway.RateLimitGet)
	envInt("RATE_LIMIT_MUTATION", &c.Gateway.RateLimitMutation)

	envStr("AGENTMESH_WEBHOOK_SECRET", &c.Webhook.Secret)
	envStr("AGENTMESH_POSTGRES_DSN", &c.Database.PostgresDSN)
	envStr("AGENTMESH_SQLITE_PATH", &c.Database.SQLitePath)
	if v := os.Getenv("AGENTMESH_DB_MODE"); v == "standalone" || v == "managed" {
		c.Database.Mode = v
	}
	envStr("AGENTMESH_REDIS_URL", &c.Bus.RedisURL)

	envStr("OTEL_EXPORTER_OTLP_ENDPOINT", &c.Telemetry.Endpoint)
	if c.Telemetry.Endpoint != "" {
		c.Telemetry.Enabled = true
	}
	if v := os.Getenv("AGENTMESH_TELEMETRY_INSECURE"); v != "" {
		c.Telemetry.Insecure = v == "true" || v == "1"
	}
}
