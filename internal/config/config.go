// Package config loads the daemon's read-only view of the agent registry,
// complexity routing, and operational knobs from .fuel/config.yaml, an
// optional .fuel/.env overlay, and CLI flags, in that precedence order.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// AgentSpec describes how to launch one registered agent.
type AgentSpec struct {
	Executable string   `yaml:"executable"`
	Args       []string `yaml:"args"`
	Env        []string `yaml:"env"`
	Model      string   `yaml:"model"`
	Cap        int      `yaml:"cap"`
}

// Config is the daemon's read-only configuration snapshot. A new Config is
// constructed on load or reload; components hold the pointer they were
// constructed with for the duration of one operation and never mutate it.
type Config struct {
	StateDir string `yaml:"-"`
	Port     int    `yaml:"port"`

	Agents            map[string]AgentSpec `yaml:"agents"`
	ComplexityToAgent  map[string]string   `yaml:"complexity_to_agent"`
	Primary           string               `yaml:"primary"`
	Review            string               `yaml:"review"`
	MaxAttempts       int                  `yaml:"max_attempts"`

	TickBudget        time.Duration `yaml:"tick_budget"`
	SnapshotInterval  time.Duration `yaml:"snapshot_interval"`
	CleanupInterval   time.Duration `yaml:"cleanup_interval"`
	ShutdownGrace     time.Duration `yaml:"shutdown_grace"`
	KillGrace         time.Duration `yaml:"kill_grace"`

	LogLevel string `yaml:"log_level"`

	Logger *slog.Logger `yaml:"-"`
}

// Defaults, mirroring the sibling constants idiom used throughout this
// codebase for daemon configuration.
const (
	DefaultPort             = 7777
	DefaultMaxAttempts      = 3
	DefaultTickBudget       = 100 * time.Millisecond
	DefaultSnapshotInterval = 5 * time.Second
	DefaultCleanupInterval  = 30 * time.Second
	DefaultShutdownGrace    = 10 * time.Second
	DefaultKillGrace        = 2 * time.Second
	DefaultLogLevel         = "info"
	DefaultStateDirName     = ".fuel"
)

// ApplyDefaults fills zero-valued fields with the package defaults.
func (c *Config) ApplyDefaults() {
	if c.StateDir == "" {
		c.StateDir = DefaultStateDirName
	}
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.Agents == nil {
		c.Agents = map[string]AgentSpec{}
	}
	if c.ComplexityToAgent == nil {
		c.ComplexityToAgent = map[string]string{}
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.TickBudget == 0 {
		c.TickBudget = DefaultTickBudget
	}
	if c.SnapshotInterval == 0 {
		c.SnapshotInterval = DefaultSnapshotInterval
	}
	if c.CleanupInterval == 0 {
		c.CleanupInterval = DefaultCleanupInterval
	}
	if c.ShutdownGrace == 0 {
		c.ShutdownGrace = DefaultShutdownGrace
	}
	if c.KillGrace == 0 {
		c.KillGrace = DefaultKillGrace
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Validate checks the loaded configuration is internally consistent.
func (c *Config) Validate() error {
	var problems []string
	if c.Port <= 0 || c.Port > 65535 {
		problems = append(problems, fmt.Sprintf("port %d out of range", c.Port))
	}
	if c.Primary == "" {
		problems = append(problems, "primary agent must be set")
	} else if _, ok := c.Agents[c.Primary]; !ok {
		problems = append(problems, fmt.Sprintf("primary agent %q is not registered", c.Primary))
	}
	if c.Review != "" {
		if _, ok := c.Agents[c.Review]; !ok {
			problems = append(problems, fmt.Sprintf("review agent %q is not registered", c.Review))
		}
	}
	for complexity, agent := range c.ComplexityToAgent {
		if _, ok := c.Agents[agent]; !ok {
			problems = append(problems, fmt.Sprintf("complexity %q routes to unregistered agent %q", complexity, agent))
		}
	}
	for name, spec := range c.Agents {
		if spec.Executable == "" {
			problems = append(problems, fmt.Sprintf("agent %q has no executable", name))
		}
		if spec.Cap < 0 {
			problems = append(problems, fmt.Sprintf("agent %q has negative cap", name))
		}
	}
	switch c.LogLevel {
	case "error", "warn", "info", "debug":
	default:
		problems = append(problems, fmt.Sprintf("invalid log level %q", c.LogLevel))
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %v", problems)
	}
	return nil
}

// AgentForComplexity resolves the complexity -> agent map, falling back to
// Primary.
func (c *Config) AgentForComplexity(complexity string) string {
	if agent, ok := c.ComplexityToAgent[complexity]; ok && agent != "" {
		return agent
	}
	return c.Primary
}

// Cap returns the per-agent concurrency cap, defaulting to 1 for a
// registered agent with no explicit cap set.
func (c *Config) Cap(agent string) int {
	spec, ok := c.Agents[agent]
	if !ok {
		return 0
	}
	if spec.Cap <= 0 {
		return 1
	}
	return spec.Cap
}

// Load reads defaults, then an optional .env overlay, then the YAML file at
// path, applying CLI-set fields (passed in via into) as the final,
// highest-priority layer.
func Load(path string, into *Config) (*Config, error) {
	cfg := &Config{}
	if into != nil {
		*cfg = *into
	}

	file, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err == nil {
		var fromFile Config
		if err := yaml.Unmarshal(file, &fromFile); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
		mergeConfig(&fromFile, cfg)
	}

	envPath := filepath.Join(filepath.Dir(path), ".env")
	if _, err := os.Stat(envPath); err == nil {
		if vars, err := godotenv.Read(envPath); err == nil {
			applyEnvOverlay(cfg, vars)
		}
	}

	cfg.ApplyDefaults()
	return cfg, nil
}

// applyEnvOverlay overlays recognized environment keys onto cfg, only where
// cfg does not already carry a CLI-set or YAML value.
func applyEnvOverlay(cfg *Config, vars map[string]string) {
	if cfg.StateDir == "" {
		if v, ok := vars["FUEL_STATE_DIR"]; ok {
			cfg.StateDir = v
		}
	}
	if cfg.LogLevel == "" {
		if v, ok := vars["FUEL_LOG_LEVEL"]; ok {
			cfg.LogLevel = v
		}
	}
}

// mergeConfig copies every zero-valued field of dst from src; fields already
// set on dst (by a CLI flag) take priority.
func mergeConfig(src, dst *Config) {
	if dst.Port == 0 {
		dst.Port = src.Port
	}
	if dst.Agents == nil {
		dst.Agents = src.Agents
	}
	if dst.ComplexityToAgent == nil {
		dst.ComplexityToAgent = src.ComplexityToAgent
	}
	if dst.Primary == "" {
		dst.Primary = src.Primary
	}
	if dst.Review == "" {
		dst.Review = src.Review
	}
	if dst.MaxAttempts == 0 {
		dst.MaxAttempts = src.MaxAttempts
	}
	if dst.TickBudget == 0 {
		dst.TickBudget = src.TickBudget
	}
	if dst.SnapshotInterval == 0 {
		dst.SnapshotInterval = src.SnapshotInterval
	}
	if dst.CleanupInterval == 0 {
		dst.CleanupInterval = src.CleanupInterval
	}
	if dst.ShutdownGrace == 0 {
		dst.ShutdownGrace = src.ShutdownGrace
	}
	if dst.KillGrace == 0 {
		dst.KillGrace = src.KillGrace
	}
	if dst.LogLevel == "" {
		dst.LogLevel = src.LogLevel
	}
}
