// Package config provides configuration loading and management for the
// assembly line orchestrator. Recognized keys follow spec.md §6:
// HANDOFF_DIR, AGENT_ID, BUS_PATH, REPO_PATH, the heartbeat/poll intervals,
// and the per-complexity defaults for cost ceiling, global timeout, max
// rebuttals, and max review cycles.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete orchestrator configuration.
type Config struct {
	// HandoffDir is the base directory for the contract, the transition log,
	// and the sandbox (§6 HANDOFF_DIR).
	HandoffDir string `yaml:"handoff_dir"`

	// AgentID is this process's identity on the bus (§6 AGENT_ID).
	AgentID string `yaml:"agent_id"`

	// BusPath is the path to the durable bus store (§6 BUS_PATH). Defaults
	// to "<HandoffDir>/bus" when empty.
	BusPath string `yaml:"bus_path"`

	// RepoPath is the Git working tree the Checkpoint Layer owns (§4.7:
	// "the Git working tree is owned by the Listener; workers never touch
	// it directly"). Distinct from HandoffDir, which only holds the
	// contract, the transition log, and the sandbox.
	RepoPath string `yaml:"repo_path"`

	// SandboxPath is the Sandbox & Draft Gate's writable root. Defaults to
	// "<HandoffDir>/sandbox" when empty.
	SandboxPath string `yaml:"sandbox_path"`

	Intervals IntervalsConfig `yaml:"intervals"`
	Defaults  DefaultsConfig  `yaml:"defaults"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Workers   WorkersConfig   `yaml:"workers"`
}

// WorkersConfig names the subprocess command line for each Worker Broker
// Contract role (spec.md §4.9). An empty Command leaves that role
// unconfigured — the Broker returns ErrRoleNotConfigured for it rather than
// failing startup, since not every deployment runs every role.
type WorkersConfig struct {
	Implementer       WorkerCommand `yaml:"implementer"`
	LocalReviewer     WorkerCommand `yaml:"local_reviewer"`
	Judge             WorkerCommand `yaml:"judge"`
	ProposalValidator WorkerCommand `yaml:"proposal_validator"`
	ConflictResolver  WorkerCommand `yaml:"conflict_resolver"`
}

// WorkerCommand is one role's subprocess invocation: argv[0] plus fixed
// arguments. The broker subprocess adapter appends nothing beyond this and
// talks to the process over stdin/stdout JSON.
type WorkerCommand struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
}

// Configured reports whether a command line was given for this role.
func (w WorkerCommand) Configured() bool { return w.Command != "" }

// IntervalsConfig configures the Listener's heartbeat and poll cadence.
type IntervalsConfig struct {
	HeartbeatSeconds int `yaml:"heartbeat_seconds"`
	PollSeconds      int `yaml:"poll_seconds"`
}

// DefaultsConfig holds the complexity-independent overrides named in §6
// (COST_CEILING_USD_DEFAULT, GLOBAL_TIMEOUT_HOURS_DEFAULT,
// MAX_REBUTTALS_DEFAULT, MAX_REVIEW_CYCLES_DEFAULT). They are loaded and
// merged like every other key, but nothing outside this package reads
// them: contract limits always come from the complexity table in
// vocabulary/limits.
type DefaultsConfig struct {
	CostCeilingUSD     float64 `yaml:"cost_ceiling_usd"`
	GlobalTimeoutHours float64 `yaml:"global_timeout_hours"`
	MaxRebuttals       int     `yaml:"max_rebuttals"`
	MaxReviewCycles    int     `yaml:"max_review_cycles"`
}

// MetricsConfig configures the optional /metrics and /healthz endpoints.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		HandoffDir: "./.assemblyline",
		AgentID:    "floor_manager",
		RepoPath:   ".",
		Intervals: IntervalsConfig{
			HeartbeatSeconds: 30,
			PollSeconds:      5,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    "127.0.0.1:9090",
		},
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	var errs []string
	if c.HandoffDir == "" {
		errs = append(errs, "handoff_dir is required")
	}
	if c.AgentID == "" {
		errs = append(errs, "agent_id is required")
	}
	if c.Intervals.HeartbeatSeconds <= 0 {
		errs = append(errs, "intervals.heartbeat_seconds must be positive")
	}
	if c.Intervals.PollSeconds <= 0 {
		errs = append(errs, "intervals.poll_seconds must be positive")
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %v", errs)
	}
	return nil
}

// BusStorePath resolves BusPath, defaulting to "<HandoffDir>/bus".
func (c *Config) BusStorePath() string {
	if c.BusPath != "" {
		return c.BusPath
	}
	return filepath.Join(c.HandoffDir, "bus")
}

// SandboxDir resolves SandboxPath, defaulting to "<HandoffDir>/sandbox".
func (c *Config) SandboxDir() string {
	if c.SandboxPath != "" {
		return c.SandboxPath
	}
	return filepath.Join(c.HandoffDir, "sandbox")
}

// HeartbeatInterval returns the configured heartbeat cadence as a Duration.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Intervals.HeartbeatSeconds) * time.Second
}

// PollInterval returns the configured poll cadence as a Duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Intervals.PollSeconds) * time.Second
}

// LoadFromFile loads configuration from a YAML file, starting from defaults
// so unspecified keys keep their default value.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	return cfg, nil
}

// SaveToFile writes the configuration as YAML, creating parent directories
// as needed.
func (c *Config) SaveToFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

// Merge overlays other onto c; non-zero fields in other take precedence.
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}
	if other.HandoffDir != "" {
		c.HandoffDir = other.HandoffDir
	}
	if other.AgentID != "" {
		c.AgentID = other.AgentID
	}
	if other.BusPath != "" {
		c.BusPath = other.BusPath
	}
	if other.RepoPath != "" {
		c.RepoPath = other.RepoPath
	}
	if other.SandboxPath != "" {
		c.SandboxPath = other.SandboxPath
	}
	for _, w := range [][2]*WorkerCommand{
		{&c.Workers.Implementer, &other.Workers.Implementer},
		{&c.Workers.LocalReviewer, &other.Workers.LocalReviewer},
		{&c.Workers.Judge, &other.Workers.Judge},
		{&c.Workers.ProposalValidator, &other.Workers.ProposalValidator},
		{&c.Workers.ConflictResolver, &other.Workers.ConflictResolver},
	} {
		if w[1].Configured() {
			*w[0] = *w[1]
		}
	}
	if other.Intervals.HeartbeatSeconds != 0 {
		c.Intervals.HeartbeatSeconds = other.Intervals.HeartbeatSeconds
	}
	if other.Intervals.PollSeconds != 0 {
		c.Intervals.PollSeconds = other.Intervals.PollSeconds
	}
	if other.Defaults.CostCeilingUSD != 0 {
		c.Defaults.CostCeilingUSD = other.Defaults.CostCeilingUSD
	}
	if other.Defaults.GlobalTimeoutHours != 0 {
		c.Defaults.GlobalTimeoutHours = other.Defaults.GlobalTimeoutHours
	}
	if other.Defaults.MaxRebuttals != 0 {
		c.Defaults.MaxRebuttals = other.Defaults.MaxRebuttals
	}
	if other.Defaults.MaxReviewCycles != 0 {
		c.Defaults.MaxReviewCycles = other.Defaults.MaxReviewCycles
	}
	if other.Metrics.Addr != "" {
		c.Metrics.Addr = other.Metrics.Addr
	}
	if other.Metrics.Enabled {
		c.Metrics.Enabled = true
	}
}

// applyEnv applies the §6 environment variables on top of c, following
// the same non-zero-wins precedence as Merge.
func (c *Config) applyEnv(getenv func(string) string) {
	if v := getenv("HANDOFF_DIR"); v != "" {
		c.HandoffDir = v
	}
	if v := getenv("AGENT_ID"); v != "" {
		c.AgentID = v
	}
	if v := getenv("BUS_PATH"); v != "" {
		c.BusPath = v
	}
	if v := getenv("REPO_PATH"); v != "" {
		c.RepoPath = v
	}
	if v := getenv("HEARTBEAT_INTERVAL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Intervals.HeartbeatSeconds = n
		}
	}
	if v := getenv("POLL_INTERVAL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Intervals.PollSeconds = n
		}
	}
	if v := getenv("COST_CEILING_USD_DEFAULT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Defaults.CostCeilingUSD = f
		}
	}
	if v := getenv("GLOBAL_TIMEOUT_HOURS_DEFAULT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Defaults.GlobalTimeoutHours = f
		}
	}
	if v := getenv("MAX_REBUTTALS_DEFAULT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Defaults.MaxRebuttals = n
		}
	}
	if v := getenv("MAX_REVIEW_CYCLES_DEFAULT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Defaults.MaxReviewCycles = n
		}
	}
}
