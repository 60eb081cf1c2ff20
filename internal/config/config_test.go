package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Circuit.FailureThreshold != 5 || cfg.Circuit.ResetTimeout != 30*time.Second {
		t.Fatalf("circuit = %+v", cfg.Circuit)
	}
	if cfg.Gateway.RateLimitGet != 120 || cfg.Gateway.RateLimitMutation != 30 {
		t.Fatalf("gateway = %+v", cfg.Gateway)
	}
	if cfg.RateLimit.PerMinute != 10 {
		t.Fatalf("rate limit = %+v", cfg.RateLimit)
	}
}

func TestLoad_JSON5File(t *testing.T) {
	path := writeConfig(t, `{
		// mesh node settings
		node: { agent_id: "agent-7" },
		circuit: { failure_threshold: 3, reset_timeout_ms: 5000 },
		rate_limit: { per_minute: 25 },
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Node.AgentID != "agent-7" {
		t.Fatalf("agent id = %q", cfg.Node.AgentID)
	}
	if cfg.Circuit.FailureThreshold != 3 || cfg.Circuit.ResetTimeout != 5*time.Second {
		t.Fatalf("circuit = %+v", cfg.Circuit)
	}
	if cfg.RateLimit.PerMinute != 25 {
		t.Fatalf("rate limit = %+v", cfg.RateLimit)
	}
	// Untouched sections keep their defaults.
	if cfg.Channel.MaxTokens != 10 {
		t.Fatalf("channel = %+v", cfg.Channel)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("AGENT_CB_FAILURE_THRESHOLD", "7")
	t.Setenv("AGENT_CB_RESET_TIMEOUT_MS", "1500")
	t.Setenv("AGENT_RATE_LIMIT_PER_MIN", "42")
	t.Setenv("AGENTMESH_WEBHOOK_SECRET", "hook-secret")
	t.Setenv("AGENTMESH_POSTGRES_DSN", "postgres://localhost/mesh")
	t.Setenv("AGENTMESH_DB_MODE", "managed")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Circuit.FailureThreshold != 7 || cfg.Circuit.ResetTimeout != 1500*time.Millisecond {
		t.Fatalf("circuit = %+v", cfg.Circuit)
	}
	if cfg.RateLimit.PerMinute != 42 {
		t.Fatalf("rate limit = %+v", cfg.RateLimit)
	}
	if cfg.Webhook.Secret != "hook-secret" {
		t.Fatal("webhook secret not applied")
	}
	if !cfg.IsManagedMode() {
		t.Fatalf("managed mode not detected: %+v", cfg.Database)
	}
}

func TestLoad_InvalidEnvValuesIgnored(t *testing.T) {
	t.Setenv("AGENT_CB_FAILURE_THRESHOLD", "not-a-number")
	t.Setenv("AGENT_RATE_LIMIT_PER_MIN", "-5")
	t.Setenv("RATE_LIMIT_GET", "0")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Circuit.FailureThreshold != 5 || cfg.RateLimit.PerMinute != 10 || cfg.Gateway.RateLimitGet != 120 {
		t.Fatalf("invalid env values overrode defaults: %+v", cfg)
	}
}

func TestLoad_OTLPEndpointEnablesTelemetry(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4318")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.Telemetry.Enabled || cfg.Telemetry.Endpoint != "localhost:4318" {
		t.Fatalf("telemetry = %+v", cfg.Telemetry)
	}
}

func TestLoad_MalformedFile(t *testing.T) {
	path := writeConfig(t, `{ node: `)
	if _, err := Load(path); err == nil {
		t.Fatal("malformed config loaded without error")
	}
}
