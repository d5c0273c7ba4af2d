// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML loading, defaults, env var expansion, and duration parsing

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	path := writeConfig(t, `
server:
  http_addr: "127.0.0.1:9090"

instances:
  worker_command: ["/opt/worker/bin/core", "--quiet"]
  bridge_command: ["/opt/bridge/bin/host-bridge"]
  workspace_root: "/srv/workspaces"
  data_root: "/srv/data"
  start_attempts: 3
  extra_env:
    - "NODE_ENV=production"

terminal:
  shell: "/bin/sh"
  buffer_chunks: 50

database:
  path: ":memory:"

provider:
  openrouter_api_key: "sk-test"

logging:
  level: "debug"
  format: "json"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.Server.HTTPAddr != "127.0.0.1:9090" {
		t.Errorf("Server.HTTPAddr = %q, want %q", cfg.Server.HTTPAddr, "127.0.0.1:9090")
	}
	if got := strings.Join(cfg.Instances.WorkerCommand, " "); got != "/opt/worker/bin/core --quiet" {
		t.Errorf("Instances.WorkerCommand = %q", got)
	}
	if cfg.Instances.StartAttempts != 3 {
		t.Errorf("Instances.StartAttempts = %d, want 3", cfg.Instances.StartAttempts)
	}
	if len(cfg.Instances.ExtraEnv) != 1 || cfg.Instances.ExtraEnv[0] != "NODE_ENV=production" {
		t.Errorf("Instances.ExtraEnv = %v", cfg.Instances.ExtraEnv)
	}
	if cfg.Terminal.Shell != "/bin/sh" {
		t.Errorf("Terminal.Shell = %q, want /bin/sh", cfg.Terminal.Shell)
	}
	if cfg.Terminal.BufferChunks != 50 {
		t.Errorf("Terminal.BufferChunks = %d, want 50", cfg.Terminal.BufferChunks)
	}
	if cfg.Database.Path != ":memory:" {
		t.Errorf("Database.Path = %q", cfg.Database.Path)
	}
	if cfg.Provider.OpenRouterAPIKey != "sk-test" {
		t.Errorf("Provider.OpenRouterAPIKey = %q", cfg.Provider.OpenRouterAPIKey)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("Logging = %+v", cfg.Logging)
	}

	// Unset fields keep their defaults
	if cfg.Instances.WorkerReadyTimeout != 60*time.Second {
		t.Errorf("Instances.WorkerReadyTimeout = %v, want 60s", cfg.Instances.WorkerReadyTimeout)
	}
	if cfg.Shutdown.Timeout != 30*time.Second {
		t.Errorf("Shutdown.Timeout = %v, want 30s", cfg.Shutdown.Timeout)
	}
	if cfg.Provider.ModelID != "openai/gpt-4" {
		t.Errorf("Provider.ModelID = %q, want openai/gpt-4", cfg.Provider.ModelID)
	}
	if dir := cfg.Instances.ResolveWorkerDir(); dir != "/opt/worker/bin" {
		t.Errorf("ResolveWorkerDir() = %q, want /opt/worker/bin", dir)
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("SANDBOXD_TEST_KEY", "sk-from-env")
	t.Setenv("SANDBOXD_TEST_ROOT", "/tmp/ws")

	path := writeConfig(t, `
instances:
  workspace_root: "${SANDBOXD_TEST_ROOT}"
provider:
  openrouter_api_key: "${SANDBOXD_TEST_KEY}"
  model_id: "${SANDBOXD_TEST_UNSET_VAR}"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	if cfg.Instances.WorkspaceRoot != "/tmp/ws" {
		t.Errorf("Instances.WorkspaceRoot = %q, want /tmp/ws", cfg.Instances.WorkspaceRoot)
	}
	if cfg.Provider.OpenRouterAPIKey != "sk-from-env" {
		t.Errorf("Provider.OpenRouterAPIKey = %q", cfg.Provider.OpenRouterAPIKey)
	}
	if cfg.Provider.ModelID != "" {
		t.Errorf("Provider.ModelID = %q, want empty for unset var", cfg.Provider.ModelID)
	}
}

func TestLoad_DurationParsing(t *testing.T) {
	path := writeConfig(t, `
instances:
  bridge_ready_timeout: "5s"
  bridge_ready_interval: "100ms"
  worker_ready_timeout: "2m"
  worker_ready_interval: "250ms"
  health_check_timeout: "750ms"
  idle_timeout: "1h"
terminal:
  grace_period: "3s"
shutdown:
  timeout: "10s"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	tests := []struct {
		name string
		got  time.Duration
		want time.Duration
	}{
		{"BridgeReadyTimeout", cfg.Instances.BridgeReadyTimeout, 5 * time.Second},
		{"BridgeReadyInterval", cfg.Instances.BridgeReadyInterval, 100 * time.Millisecond},
		{"WorkerReadyTimeout", cfg.Instances.WorkerReadyTimeout, 2 * time.Minute},
		{"WorkerReadyInterval", cfg.Instances.WorkerReadyInterval, 250 * time.Millisecond},
		{"HealthCheckTimeout", cfg.Instances.HealthCheckTimeout, 750 * time.Millisecond},
		{"IdleTimeout", cfg.Instances.IdleTimeout, time.Hour},
		{"GracePeriod", cfg.Terminal.GracePeriod, 3 * time.Second},
		{"ShutdownTimeout", cfg.Shutdown.Timeout, 10 * time.Second},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
		}
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Fatal("Load() should return error for missing file")
	}
}

func TestLoadOrDefault_MissingFile(t *testing.T) {
	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("LoadOrDefault() returned error: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config does not validate: %v", err)
	}
	if cfg.Instances.BridgeReadyTimeout != 30*time.Second {
		t.Errorf("BridgeReadyTimeout = %v, want 30s", cfg.Instances.BridgeReadyTimeout)
	}
	if cfg.Terminal.GracePeriod != 2*time.Second {
		t.Errorf("GracePeriod = %v, want 2s", cfg.Terminal.GracePeriod)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeConfig(t, "server:\n  http_addr: [unclosed\n")
	if _, err := Load(path); err == nil {
		t.Fatal("Load() should return error for invalid YAML")
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	path := writeConfig(t, `
instances:
  worker_ready_timeout: "soon"
`)
	_, err := Load(path)
	if err == nil {
		t.Fatal("Load() should return error for invalid duration")
	}
	if !strings.Contains(err.Error(), "worker_ready_timeout") {
		t.Errorf("error should name the field, got: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"empty http addr", func(c *Config) { c.Server.HTTPAddr = "" }, "server.http_addr"},
		{"no worker command", func(c *Config) { c.Instances.WorkerCommand = nil }, "instances.worker_command"},
		{"no bridge command", func(c *Config) { c.Instances.BridgeCommand = []string{""} }, "instances.bridge_command"},
		{"no workspace root", func(c *Config) { c.Instances.WorkspaceRoot = "" }, "instances.workspace_root"},
		{"no data root", func(c *Config) { c.Instances.DataRoot = "" }, "instances.data_root"},
		{"zero attempts", func(c *Config) { c.Instances.StartAttempts = 0 }, "instances.start_attempts"},
		{"negative idle", func(c *Config) { c.Instances.IdleTimeout = -time.Second }, "instances.idle_timeout"},
		{"zero shutdown timeout", func(c *Config) { c.Shutdown.Timeout = 0 }, "shutdown.timeout"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate() should fail")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("SANDBOXD_A", "alpha")
	got := expandEnvVars("x=${SANDBOXD_A} y=${SANDBOXD_NOT_SET_EVER}")
	if got != "x=alpha y=" {
		t.Errorf("expandEnvVars() = %q", got)
	}
}

func TestPath(t *testing.T) {
	t.Setenv("SANDBOXD_CONFIG", "/etc/sandboxd.yaml")
	if got := Path(); got != "/etc/sandboxd.yaml" {
		t.Errorf("Path() = %q, want env override", got)
	}

	t.Setenv("SANDBOXD_CONFIG", "")
	t.Setenv("XDG_CONFIG_HOME", "/xdg")
	if got := Path(); got != "/xdg/sandboxd/config.yaml" {
		t.Errorf("Path() = %q, want XDG location", got)
	}
}
