package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Hard ceilings that configuration can never exceed.
const (
	MaxLogLinesCeiling = 10000
	DefaultMaxLogLines = 3000
	DefaultOutputBytes = 10 * 1024 * 1024
)

// Execution runtimes.
const (
	RuntimeDirect = "direct"
	RuntimeDocker = "docker"
)

// Config holds all workbench configuration.
type Config struct {
	// WorkspaceRootPattern is the directory under which per-project
	// workspaces live; a workspace root is <pattern>/<project-name>.
	WorkspaceRootPattern string `yaml:"workspace_root_pattern"`

	// Execution settings
	Execution ExecutionConfig `yaml:"execution"`

	// Dev server supervisor
	DevServer DevServerConfig `yaml:"devserver"`

	// Auto-repair loop
	Repair RepairConfig `yaml:"repair"`

	// HTTP tool boundary
	API APIConfig `yaml:"api"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// ExecutionConfig configures the bounded executor.
type ExecutionConfig struct {
	DefaultTimeoutMs int64 `yaml:"default_timeout_ms"`
	MaxOutputBytes   int64 `yaml:"max_output_bytes"`
	KillGraceMs      int64 `yaml:"kill_grace_ms"`

	// Environment variables passed through to commands
	AllowedEnvVars []string `yaml:"allowed_env_vars"`

	// Runtime selects where commands run: "direct" on the host, or "docker"
	// inside the container named by the workspace handle.
	Runtime       string `yaml:"runtime"`
	ContainerRoot string `yaml:"container_root"`
}

// DevServerConfig configures the dev server supervisor.
type DevServerConfig struct {
	Command         string   `yaml:"command"`
	Port            int      `yaml:"port"`
	CooldownMs      int64    `yaml:"cooldown_ms"`
	MaxRestarts     int      `yaml:"max_restarts"`
	MaxLogLines     int      `yaml:"max_log_lines"`
	Watch           []string `yaml:"watch"`
	WatchDebounceMs int64    `yaml:"watch_debounce_ms"`
}

// RepairConfig configures the auto-repair loop.
type RepairConfig struct {
	MaxAttempts int `yaml:"max_attempts"`
}

// APIConfig configures the HTTP listener.
type APIConfig struct {
	Listen string `yaml:"listen"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level      string          `yaml:"level"`  // debug, info, warn, error
	Format     string          `yaml:"format"` // json, text
	Categories map[string]bool `yaml:"categories,omitempty"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		WorkspaceRootPattern: "/workspaces",

		Execution: ExecutionConfig{
			DefaultTimeoutMs: 30000,
			MaxOutputBytes:   DefaultOutputBytes,
			KillGraceMs:      2000,
			AllowedEnvVars:   []string{"PATH", "HOME", "LANG", "LC_ALL", "NODE_ENV", "TERM"},
			Runtime:          RuntimeDirect,
			ContainerRoot:    "/workspace",
		},

		DevServer: DevServerConfig{
			Command:         "npm run dev",
			Port:            3000,
			CooldownMs:      10000,
			MaxRestarts:     5,
			MaxLogLines:     DefaultMaxLogLines,
			Watch:           []string{"package.json"},
			WatchDebounceMs: 500,
		},

		Repair: RepairConfig{
			MaxAttempts: 3,
		},

		API: APIConfig{
			Listen: "127.0.0.1:8088",
		},

		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Return defaults if config file doesn't exist
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if root := os.Getenv("WORKBENCH_ROOT"); root != "" {
		c.WorkspaceRootPattern = root
	}
	if cmd := os.Getenv("WORKBENCH_DEV_COMMAND"); cmd != "" {
		c.DevServer.Command = cmd
	}
	if v, ok := envInt64("WORKBENCH_COOLDOWN_MS"); ok {
		c.DevServer.CooldownMs = v
	}
	if v, ok := envInt64("WORKBENCH_MAX_RESTARTS"); ok {
		c.DevServer.MaxRestarts = int(v)
	}
	if v, ok := envInt64("WORKBENCH_TIMEOUT_MS"); ok {
		c.Execution.DefaultTimeoutMs = v
	}
	if level := os.Getenv("WORKBENCH_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
}

func envInt64(key string) (int64, bool) {
	raw := os.Getenv(key)
	if raw == "" {
		return 0, false
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// Validate validates the configuration and clamps values to hard ceilings.
func (c *Config) Validate() error {
	if c.WorkspaceRootPattern == "" {
		return fmt.Errorf("workspace_root_pattern must be set")
	}
	if !filepath.IsAbs(c.WorkspaceRootPattern) {
		return fmt.Errorf("workspace_root_pattern must be absolute, got %q", c.WorkspaceRootPattern)
	}
	if c.Execution.DefaultTimeoutMs <= 0 {
		return fmt.Errorf("execution.default_timeout_ms must be > 0")
	}
	if c.Execution.MaxOutputBytes <= 0 {
		return fmt.Errorf("execution.max_output_bytes must be > 0")
	}
	switch c.Execution.Runtime {
	case "":
		c.Execution.Runtime = RuntimeDirect
	case RuntimeDirect, RuntimeDocker:
	default:
		return fmt.Errorf("execution.runtime must be %q or %q, got %q", RuntimeDirect, RuntimeDocker, c.Execution.Runtime)
	}
	if c.DevServer.CooldownMs < 0 {
		return fmt.Errorf("devserver.cooldown_ms must be >= 0")
	}
	if c.DevServer.MaxRestarts < 1 {
		return fmt.Errorf("devserver.max_restarts must be >= 1")
	}
	if c.Repair.MaxAttempts < 1 {
		return fmt.Errorf("repair.max_attempts must be >= 1")
	}

	if c.DevServer.MaxLogLines <= 0 {
		c.DevServer.MaxLogLines = DefaultMaxLogLines
	}
	if c.DevServer.MaxLogLines > MaxLogLinesCeiling {
		c.DevServer.MaxLogLines = MaxLogLinesCeiling
	}
	return nil
}

// GetDefaultTimeout returns the default execution timeout as a duration.
func (c *Config) GetDefaultTimeout() time.Duration {
	return time.Duration(c.Execution.DefaultTimeoutMs) * time.Millisecond
}

// GetKillGrace returns the SIGTERM to SIGKILL grace delay.
func (c *Config) GetKillGrace() time.Duration {
	if c.Execution.KillGraceMs <= 0 {
		return 2 * time.Second
	}
	return time.Duration(c.Execution.KillGraceMs) * time.Millisecond
}

// GetCooldown returns the restart cooldown as a duration.
func (c *Config) GetCooldown() time.Duration {
	return time.Duration(c.DevServer.CooldownMs) * time.Millisecond
}

// GetWatchDebounce returns the watcher debounce interval.
func (c *Config) GetWatchDebounce() time.Duration {
	if c.DevServer.WatchDebounceMs <= 0 {
		return 500 * time.Millisecond
	}
	return time.Duration(c.DevServer.WatchDebounceMs) * time.Millisecond
}
