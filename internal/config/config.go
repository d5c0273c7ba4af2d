// ABOUTME: Configuration loading and parsing for sandboxd
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete sandboxd configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Instances InstancesConfig `yaml:"instances"`
	Terminal  TerminalConfig  `yaml:"terminal"`
	Shutdown  ShutdownConfig  `yaml:"shutdown"`
	Database  DatabaseConfig  `yaml:"database"`
	Provider  ProviderConfig  `yaml:"provider"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds the listen address for the relay and health endpoints
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// InstancesConfig describes how instance process pairs are launched and watched
type InstancesConfig struct {
	// WorkerCommand is the argv prefix for the core worker. Port flags are appended.
	WorkerCommand []string `yaml:"worker_command"`
	// WorkerDir is the worker's working directory. Defaults to the directory of WorkerCommand[0].
	WorkerDir     string   `yaml:"worker_dir"`
	BridgeCommand []string `yaml:"bridge_command"`
	WorkspaceRoot string   `yaml:"workspace_root"`
	DataRoot      string   `yaml:"data_root"`
	StartAttempts int      `yaml:"start_attempts"`
	ExtraEnv      []string `yaml:"extra_env"`

	BridgeReadyTimeout  time.Duration `yaml:"-"`
	BridgeReadyInterval time.Duration `yaml:"-"`
	WorkerReadyTimeout  time.Duration `yaml:"-"`
	WorkerReadyInterval time.Duration `yaml:"-"`
	HealthCheckTimeout  time.Duration `yaml:"-"`
	IdleTimeout         time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	BridgeReadyTimeoutRaw  string `yaml:"bridge_ready_timeout"`
	BridgeReadyIntervalRaw string `yaml:"bridge_ready_interval"`
	WorkerReadyTimeoutRaw  string `yaml:"worker_ready_timeout"`
	WorkerReadyIntervalRaw string `yaml:"worker_ready_interval"`
	HealthCheckTimeoutRaw  string `yaml:"health_check_timeout"`
	IdleTimeoutRaw         string `yaml:"idle_timeout"`
}

// TerminalConfig holds interactive shell settings
type TerminalConfig struct {
	Shell        string        `yaml:"shell"`
	BufferChunks int           `yaml:"buffer_chunks"`
	GracePeriod  time.Duration `yaml:"-"`

	GracePeriodRaw string `yaml:"grace_period"`
}

// ShutdownConfig bounds how long cleanup hooks may run
type ShutdownConfig struct {
	Timeout    time.Duration `yaml:"-"`
	TimeoutRaw string        `yaml:"timeout"`
}

// DatabaseConfig holds the instance ledger location. Empty disables the ledger.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// ProviderConfig holds fallback model provider settings pushed to workers
type ProviderConfig struct {
	OpenRouterAPIKey string `yaml:"openrouter_api_key"`
	ModelID          string `yaml:"model_id"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a configuration that runs with no file present.
func Default() *Config {
	home, _ := os.UserHomeDir()
	base := filepath.Join(home, ".sandboxd")

	shell := os.Getenv("SHELL")
	if shell == "" {
		shell = "/bin/bash"
	}

	return &Config{
		Server: ServerConfig{HTTPAddr: "127.0.0.1:8080"},
		Instances: InstancesConfig{
			WorkerCommand:       []string{"stub-worker"},
			BridgeCommand:       []string{"stub-worker"},
			WorkspaceRoot:       filepath.Join(base, "workspaces"),
			DataRoot:            filepath.Join(base, "data"),
			StartAttempts:       2,
			BridgeReadyTimeout:  30 * time.Second,
			BridgeReadyInterval: 500 * time.Millisecond,
			WorkerReadyTimeout:  60 * time.Second,
			WorkerReadyInterval: time.Second,
			HealthCheckTimeout:  2 * time.Second,
		},
		Terminal: TerminalConfig{
			Shell:        shell,
			BufferChunks: 1000,
			GracePeriod:  2 * time.Second,
		},
		Shutdown: ShutdownConfig{Timeout: 30 * time.Second},
		Database: DatabaseConfig{Path: filepath.Join(base, "ledger.db")},
		Provider: ProviderConfig{ModelID: "openai/gpt-4"},
		Logging:  LoggingConfig{Level: "info", Format: "text"},
	}
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Fields the file leaves out keep their Default values.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expandedData), cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault loads path, falling back to Default when the file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}
	if len(c.Instances.WorkerCommand) == 0 || c.Instances.WorkerCommand[0] == "" {
		return fmt.Errorf("instances.worker_command is required")
	}
	if len(c.Instances.BridgeCommand) == 0 || c.Instances.BridgeCommand[0] == "" {
		return fmt.Errorf("instances.bridge_command is required")
	}
	if c.Instances.WorkspaceRoot == "" {
		return fmt.Errorf("instances.workspace_root is required")
	}
	if c.Instances.DataRoot == "" {
		return fmt.Errorf("instances.data_root is required")
	}
	if c.Instances.StartAttempts < 1 {
		return fmt.Errorf("instances.start_attempts must be at least 1")
	}
	if c.Instances.BridgeReadyInterval <= 0 || c.Instances.WorkerReadyInterval <= 0 {
		return fmt.Errorf("instances ready intervals must be positive")
	}
	if c.Instances.IdleTimeout < 0 {
		return fmt.Errorf("instances.idle_timeout must not be negative")
	}
	if c.Terminal.Shell == "" {
		return fmt.Errorf("terminal.shell is required")
	}
	if c.Shutdown.Timeout <= 0 {
		return fmt.Errorf("shutdown.timeout must be positive")
	}
	return nil
}

// ResolveWorkerDir returns the worker's working directory.
func (c *InstancesConfig) ResolveWorkerDir() string {
	if c.WorkerDir != "" {
		return c.WorkerDir
	}
	if len(c.WorkerCommand) > 0 && filepath.IsAbs(c.WorkerCommand[0]) {
		return filepath.Dir(c.WorkerCommand[0])
	}
	return ""
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"bridge_ready_timeout", cfg.Instances.BridgeReadyTimeoutRaw, &cfg.Instances.BridgeReadyTimeout},
		{"bridge_ready_interval", cfg.Instances.BridgeReadyIntervalRaw, &cfg.Instances.BridgeReadyInterval},
		{"worker_ready_timeout", cfg.Instances.WorkerReadyTimeoutRaw, &cfg.Instances.WorkerReadyTimeout},
		{"worker_ready_interval", cfg.Instances.WorkerReadyIntervalRaw, &cfg.Instances.WorkerReadyInterval},
		{"health_check_timeout", cfg.Instances.HealthCheckTimeoutRaw, &cfg.Instances.HealthCheckTimeout},
		{"idle_timeout", cfg.Instances.IdleTimeoutRaw, &cfg.Instances.IdleTimeout},
		{"grace_period", cfg.Terminal.GracePeriodRaw, &cfg.Terminal.GracePeriod},
		{"timeout", cfg.Shutdown.TimeoutRaw, &cfg.Shutdown.Timeout},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	return nil
}

// Path returns the config file location: SANDBOXD_CONFIG, then
// $XDG_CONFIG_HOME/sandboxd/config.yaml, then ~/.config/sandboxd/config.yaml.
func Path() string {
	if p := os.Getenv("SANDBOXD_CONFIG"); p != "" {
		return p
	}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "sandboxd", "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".config", "sandboxd", "config.yaml")
}
