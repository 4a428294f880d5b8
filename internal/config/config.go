// Package config provides configuration types, defaults, and persistence
// for the clusterd control plane.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/zjrosen/clusterd/internal/clusterstate"
)

// MemberConfig describes one configured cluster member.
type MemberConfig struct {
	Address string `mapstructure:"address"`
	Local   bool   `mapstructure:"local"`
}

// FencingConfig controls the auto-fence policy and the timers that drive
// AddressStatus transitions (spec.md §6, §9 open question on configurable
// timeouts).
type FencingConfig struct {
	AutoFence      bool          `mapstructure:"auto_fence"`
	TickTimeout    time.Duration `mapstructure:"tick_timeout"`
	CommandTimeout time.Duration `mapstructure:"command_timeout"`
	SynchroTimeout time.Duration `mapstructure:"synchro_timeout"`
}

// PlacementConfig selects and parameterizes get_address.
type PlacementConfig struct {
	Strategy string `mapstructure:"strategy"` // "config", "less_loaded", "most_loaded"
}

// AuditConfig controls the optional status-history sink.
type AuditConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	DSN     string `mapstructure:"dsn"` // sqlite DSN, default under config dir
}

// TracingConfig controls optional OpenTelemetry span export for the loop
// and dispatch paths.
type TracingConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	Exporter     string  `mapstructure:"exporter"` // "none", "stdout", "otlp"
	OTLPEndpoint string  `mapstructure:"otlp_endpoint"`
	SampleRate   float64 `mapstructure:"sample_rate"`
}

// Config holds all configuration options for clusterd.
type Config struct {
	Members   []MemberConfig  `mapstructure:"members"`
	RulesFile string          `mapstructure:"rules_file" yaml:"rules_file"`
	Fencing   FencingConfig   `mapstructure:"fencing"`
	Placement PlacementConfig `mapstructure:"placement"`
	Audit     AuditConfig     `mapstructure:"audit"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
	APIAddr   string          `mapstructure:"api_addr"`
}

// LocalAddress returns the address of the member marked local, or "" if
// none is configured that way.
func (c Config) LocalAddress() clusterstate.Address {
	for _, m := range c.Members {
		if m.Local {
			return clusterstate.Address(m.Address)
		}
	}
	return ""
}

// Addresses returns every configured member address.
func (c Config) Addresses() []clusterstate.Address {
	out := make([]clusterstate.Address, 0, len(c.Members))
	for _, m := range c.Members {
		out = append(out, clusterstate.Address(m.Address))
	}
	return out
}

// PlacementStrategy parses Placement.Strategy, defaulting to CONFIG.
func (c Config) PlacementStrategy() clusterstate.PlacementStrategy {
	switch c.Placement.Strategy {
	case "less_loaded":
		return clusterstate.PlacementLessLoaded
	case "most_loaded":
		return clusterstate.PlacementMostLoaded
	default:
		return clusterstate.PlacementConfig
	}
}

// Defaults returns a Config with sensible default values (spec.md §6).
func Defaults() Config {
	return Config{
		Fencing: FencingConfig{
			AutoFence:      false,
			TickTimeout:    10 * time.Second,
			CommandTimeout: 5 * time.Second,
			SynchroTimeout: 15 * time.Second,
		},
		Placement: PlacementConfig{
			Strategy: "config",
		},
		Audit: AuditConfig{
			Enabled: false,
			DSN:     DefaultAuditDSN(),
		},
		Tracing: TracingConfig{
			Enabled:    false,
			Exporter:   "none",
			SampleRate: 1.0,
		},
		APIAddr: "localhost:9001",
	}
}

// DefaultAuditDSN returns ~/.config/clusterd/audit.db, or "" if the home
// directory cannot be resolved.
func DefaultAuditDSN() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "clusterd", "audit.db")
}

// Validate checks the loaded configuration for internal consistency.
func Validate(c Config) error {
	if len(c.Members) == 0 {
		return fmt.Errorf("members: at least one cluster member is required")
	}

	localCount := 0
	seen := make(map[string]bool)
	for i, m := range c.Members {
		if m.Address == "" {
			return fmt.Errorf("members[%d]: address is required", i)
		}
		if seen[m.Address] {
			return fmt.Errorf("members[%d]: duplicate address %q", i, m.Address)
		}
		seen[m.Address] = true
		if m.Local {
			localCount++
		}
	}
	if localCount != 1 {
		return fmt.Errorf("members: exactly one member must be marked local, found %d", localCount)
	}

	switch c.Placement.Strategy {
	case "", "config", "less_loaded", "most_loaded":
	default:
		return fmt.Errorf("placement.strategy must be one of config, less_loaded, most_loaded, got %q", c.Placement.Strategy)
	}

	if c.Fencing.TickTimeout <= 0 {
		return fmt.Errorf("fencing.tick_timeout must be positive")
	}
	if c.Fencing.CommandTimeout <= 0 {
		return fmt.Errorf("fencing.command_timeout must be positive")
	}

	switch c.Tracing.Exporter {
	case "", "none", "stdout", "otlp":
	default:
		return fmt.Errorf("tracing.exporter must be one of none, stdout, otlp, got %q", c.Tracing.Exporter)
	}
	if c.Tracing.Enabled && c.Tracing.Exporter == "otlp" && c.Tracing.OTLPEndpoint == "" {
		return fmt.Errorf("tracing.otlp_endpoint is required when exporter is otlp")
	}

	return nil
}

// DefaultConfigTemplate returns the default config as a YAML string with
// explanatory comments, written on first run.
func DefaultConfigTemplate() string {
	return `# clusterd configuration

# Cluster membership. Exactly one member must be marked local: true.
members:
  - address: 127.0.0.1:9100
    local: true
  # - address: 10.0.0.2:9100

# Path to the rule file describing applications, processes, and their
# start/stop sequences and placement rules.
rules_file: rules.yaml

fencing:
  # If true, an unresponsive or unauthorized peer is isolated rather than
  # merely marked silent.
  auto_fence: false
  tick_timeout: 10s
  command_timeout: 5s
  synchro_timeout: 15s

placement:
  # config (static order), less_loaded, most_loaded
  strategy: config

audit:
  enabled: false
  # dsn: ~/.config/clusterd/audit.db

tracing:
  enabled: false
  exporter: none
  # otlp_endpoint: localhost:4317
  sample_rate: 1.0

api_addr: localhost:9001
`
}

// WriteDefaultConfig creates a config file at the given path with default
// settings and comments, creating the parent directory if needed.
func WriteDefaultConfig(configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(configPath, []byte(DefaultConfigTemplate()), 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}
