package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// InitViper initializes Viper with the configuration file and environment
// variables. If configFile is empty, it searches for mcpower.yaml/.yml in
// standard locations. The search requires an explicit YAML extension so the
// binary itself (same base name, no extension) is never matched.
func InitViper(configFile string) {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else if found := findConfigFile(); found != "" {
		viper.SetConfigFile(found)
	} else {
		// No config file found in any standard location. Set name/type
		// without search paths so ReadInConfig returns
		// ConfigFileNotFoundError (handled gracefully by callers).
		viper.SetConfigName("mcpower")
		viper.SetConfigType("yaml")
	}

	// Environment variable support: MCPOWER_POLICY_URL etc.
	viper.SetEnvPrefix("MCPOWER")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	bindNestedEnvKeys()
}

// findConfigFile searches standard locations for an mcpower config file
// with an explicit YAML extension (.yaml or .yml).
func findConfigFile() string {
	home, _ := os.UserHomeDir()
	paths := []string{
		".",
		filepath.Join(home, ".mcpower"),
		"/etc/mcpower",
	}
	return findConfigFileInPaths(paths)
}

// findConfigFileInPaths returns the first mcpower.yaml or .yml found in the
// given directories, or empty string.
func findConfigFileInPaths(paths []string) string {
	for _, dir := range paths {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, "mcpower"+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// bindNestedEnvKeys binds nested config keys for environment variable
// support. Example: MCPOWER_POLICY_URL overrides policy.url.
func bindNestedEnvKeys() {
	_ = viper.BindEnv("log_level")

	_ = viper.BindEnv("workspace.root")

	_ = viper.BindEnv("policy.url")
	_ = viper.BindEnv("policy.token")
	_ = viper.BindEnv("policy.timeout")
	// Note: policy.local_rules is an array; use the config file.

	_ = viper.BindEnv("dialog.timeout")
	// Note: dialog.command is an array; use the config file.

	_ = viper.BindEnv("audit.dir")
	_ = viper.BindEnv("audit.sqlite_path")
	_ = viper.BindEnv("audit.retention_days")
	_ = viper.BindEnv("audit.max_file_size_mb")

	_ = viper.BindEnv("metrics.addr")
}

// LoadConfig reads the configuration file, applies environment overrides and
// defaults, validates, and returns the Config. A missing config file is not
// an error; environment-only operation is supported.
func LoadConfig() (*Config, error) {
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// ConfigFileUsed returns the path of the loaded configuration file, or an
// empty string in environment-only mode.
func ConfigFileUsed() string {
	return viper.ConfigFileUsed()
}
