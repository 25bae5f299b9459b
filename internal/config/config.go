// Package config provides the MCPower configuration schema and loading.
//
// Configuration is file-based (mcpower.yaml) with environment overrides
// under the MCPOWER_ prefix. The wrapper is spawned by an MCP client, so
// everything has a sensible default: an empty config file is valid and
// produces a fail-closed proxy (no policy URL means every inspection
// synthesizes a block verdict).
package config

import (
	"os"
	"path/filepath"

	"github.com/mcpower-security/mcpower/internal/domain/policy"
)

// Config is the top-level MCPower configuration.
type Config struct {
	// LogLevel sets the minimum log level written to stderr.
	// Valid values: "debug", "info", "warn", "error". Defaults to "info".
	// MCPOWER_DEBUG=1 overrides to "debug".
	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"omitempty,oneof=debug info warn warning error"`

	// Workspace overrides workspace root resolution.
	Workspace WorkspaceConfig `yaml:"workspace" mapstructure:"workspace"`

	// Policy configures the remote policy service and local pre-filter rules.
	Policy PolicyConfig `yaml:"policy" mapstructure:"policy"`

	// Dialog configures the external confirmation helper.
	Dialog DialogConfig `yaml:"dialog" mapstructure:"dialog"`

	// Audit configures the audit trail sinks.
	Audit AuditConfig `yaml:"audit" mapstructure:"audit"`

	// Metrics configures the optional Prometheus listener.
	Metrics MetricsConfig `yaml:"metrics" mapstructure:"metrics"`
}

// WorkspaceConfig overrides workspace root detection.
type WorkspaceConfig struct {
	// Root, when set, wins over roots observed from the MCP client and over
	// the process working directory.
	Root string `yaml:"root" mapstructure:"root"`
}

// PolicyConfig configures the policy service client.
type PolicyConfig struct {
	// URL is the policy service base URL. When empty, every inspection
	// fails closed with a block verdict.
	URL string `yaml:"url" mapstructure:"url" validate:"omitempty,url"`

	// Token is the opaque bearer token sent with every request.
	// Empty disables the Authorization header.
	Token string `yaml:"token" mapstructure:"token"`

	// Timeout is the per-request deadline (e.g. "15s"). Defaults to "15s".
	Timeout string `yaml:"timeout" mapstructure:"timeout" validate:"omitempty"`

	// LocalRules are CEL pre-filter rules evaluated before the remote call.
	// A matching allow rule skips the API call; a matching block rule
	// denies without one.
	LocalRules []policy.LocalRule `yaml:"local_rules" mapstructure:"local_rules" validate:"omitempty,dive"`
}

// DialogConfig configures the confirmation dialog helper.
type DialogConfig struct {
	// Command is the helper argv. Empty means no helper: confirmation
	// prompts auto-deny.
	Command []string `yaml:"command" mapstructure:"command"`

	// Timeout is how long the user has to answer (e.g. "60s").
	// Defaults to "60s"; expiry counts as a block.
	Timeout string `yaml:"timeout" mapstructure:"timeout" validate:"omitempty"`
}

// AuditConfig configures the audit trail persistence.
type AuditConfig struct {
	// Dir is the directory for the JSONL audit files.
	// Defaults to ~/.mcpower/audit.
	Dir string `yaml:"dir" mapstructure:"dir"`

	// SQLitePath enables the SQLite sink alongside JSONL when set.
	SQLitePath string `yaml:"sqlite_path" mapstructure:"sqlite_path"`

	// RetentionDays is the number of days to keep audit files. Defaults to 7.
	RetentionDays int `yaml:"retention_days" mapstructure:"retention_days" validate:"omitempty,min=1"`

	// MaxFileSizeMB is the size cap per audit file before rotation.
	// Defaults to 100.
	MaxFileSizeMB int `yaml:"max_file_size_mb" mapstructure:"max_file_size_mb" validate:"omitempty,min=1"`
}

// MetricsConfig configures the optional localhost /metrics listener.
type MetricsConfig struct {
	// Addr is the listen address (e.g. "127.0.0.1:9464"). Empty disables
	// the listener. MCPOWER_METRICS_ADDR overrides.
	Addr string `yaml:"addr" mapstructure:"addr" validate:"omitempty,hostname_port"`
}

// SetDefaults applies default values for optional fields.
func (c *Config) SetDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Policy.Timeout == "" {
		c.Policy.Timeout = "15s"
	}
	if c.Dialog.Timeout == "" {
		c.Dialog.Timeout = "60s"
	}
	if c.Audit.Dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			c.Audit.Dir = filepath.Join(home, ".mcpower", "audit")
		}
	}
	if c.Audit.RetentionDays == 0 {
		c.Audit.RetentionDays = 7
	}
	if c.Audit.MaxFileSizeMB == 0 {
		c.Audit.MaxFileSizeMB = 100
	}
}
