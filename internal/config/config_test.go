package config

import (
	"path/filepath"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"

	"github.com/mcpower-security/mcpower/internal/domain/policy"
)

func TestConfig_SetDefaults(t *testing.T) {
	t.Parallel()

	var cfg Config
	cfg.SetDefaults()

	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "info")
	}
	if cfg.Policy.Timeout != "15s" {
		t.Errorf("Policy.Timeout = %q, want %q", cfg.Policy.Timeout, "15s")
	}
	if cfg.Dialog.Timeout != "60s" {
		t.Errorf("Dialog.Timeout = %q, want %q", cfg.Dialog.Timeout, "60s")
	}
	if cfg.Audit.Dir == "" {
		t.Error("Audit.Dir should default under the home directory")
	}
	if cfg.Audit.RetentionDays != 7 {
		t.Errorf("Audit.RetentionDays = %d, want 7", cfg.Audit.RetentionDays)
	}
	if cfg.Audit.MaxFileSizeMB != 100 {
		t.Errorf("Audit.MaxFileSizeMB = %d, want 100", cfg.Audit.MaxFileSizeMB)
	}
}

func TestConfig_SetDefaults_PreservesExistingValues(t *testing.T) {
	t.Parallel()

	cfg := Config{
		LogLevel: "debug",
		Policy:   PolicyConfig{Timeout: "5s"},
		Audit:    AuditConfig{Dir: "/var/log/mcpower", RetentionDays: 30},
	}
	cfg.SetDefaults()

	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "debug")
	}
	if cfg.Policy.Timeout != "5s" {
		t.Errorf("Policy.Timeout = %q, want %q", cfg.Policy.Timeout, "5s")
	}
	if cfg.Audit.Dir != "/var/log/mcpower" {
		t.Errorf("Audit.Dir = %q, want %q", cfg.Audit.Dir, "/var/log/mcpower")
	}
	if cfg.Audit.RetentionDays != 30 {
		t.Errorf("Audit.RetentionDays = %d, want 30", cfg.Audit.RetentionDays)
	}
}

func TestFindConfigFileInPaths(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	if found := findConfigFileInPaths([]string{dir}); found != "" {
		t.Errorf("expected no match in empty dir, got %q", found)
	}

	path := filepath.Join(dir, "mcpower.yaml")
	writeTestFile(t, path, "log_level: info\n")
	if found := findConfigFileInPaths([]string{dir}); found != path {
		t.Errorf("found = %q, want %q", found, path)
	}
}

func TestFindConfigFileInPaths_YMLExtension(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "mcpower.yml")
	writeTestFile(t, path, "log_level: info\n")
	if found := findConfigFileInPaths([]string{dir}); found != path {
		t.Errorf("found = %q, want %q", found, path)
	}
}

func TestConfig_YAMLRoundTrip(t *testing.T) {
	t.Parallel()

	in := Config{
		LogLevel:  "debug",
		Workspace: WorkspaceConfig{Root: "/workspace"},
		Policy: PolicyConfig{
			URL:     "https://policy.example.com",
			Timeout: "10s",
			LocalRules: []policy.LocalRule{
				{Name: "block-rm", Expr: `arguments.command.contains("rm -rf")`, Decision: "block", Severity: "critical"},
			},
		},
		Audit:   AuditConfig{SQLitePath: "/tmp/audit.db", RetentionDays: 14},
		Metrics: MetricsConfig{Addr: "127.0.0.1:9464"},
	}

	data, err := yaml.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	// Keys must match the documented mcpower.yaml surface.
	for _, key := range []string{"log_level:", "local_rules:", "sqlite_path:", "retention_days:"} {
		if !strings.Contains(string(data), key) {
			t.Errorf("marshaled config missing key %q:\n%s", key, data)
		}
	}

	var out Config
	if err := yaml.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Policy.URL != in.Policy.URL {
		t.Errorf("Policy.URL = %q, want %q", out.Policy.URL, in.Policy.URL)
	}
	if len(out.Policy.LocalRules) != 1 || out.Policy.LocalRules[0].Name != "block-rm" {
		t.Errorf("LocalRules = %+v, want the block-rm rule", out.Policy.LocalRules)
	}
	if out.Metrics.Addr != in.Metrics.Addr {
		t.Errorf("Metrics.Addr = %q, want %q", out.Metrics.Addr, in.Metrics.Addr)
	}
}

func TestConfig_Validate_Empty(t *testing.T) {
	t.Parallel()

	var cfg Config
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		t.Errorf("empty config with defaults should validate, got %v", err)
	}
}

func TestConfig_Validate_BadURL(t *testing.T) {
	t.Parallel()

	cfg := Config{Policy: PolicyConfig{URL: "not a url"}}
	cfg.SetDefaults()
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error for malformed policy url")
	}
	if !strings.Contains(err.Error(), "url") {
		t.Errorf("error should name the url field, got %v", err)
	}
}

func TestConfig_Validate_TokenWithoutURL(t *testing.T) {
	t.Parallel()

	cfg := Config{Policy: PolicyConfig{Token: "tok-123"}}
	cfg.SetDefaults()
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for token without url")
	}
}

func TestConfig_Validate_BadTimeout(t *testing.T) {
	t.Parallel()

	cfg := Config{Policy: PolicyConfig{Timeout: "soon"}}
	cfg.SetDefaults()
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error for unparseable timeout")
	}
	if !strings.Contains(err.Error(), "policy.timeout") {
		t.Errorf("error should name policy.timeout, got %v", err)
	}
}

func TestConfig_Validate_LocalRules(t *testing.T) {
	t.Parallel()

	cfg := Config{
		Policy: PolicyConfig{
			LocalRules: []policy.LocalRule{
				{Name: "allow-list", Expr: `tool == "tools/list"`, Decision: "allow"},
				{Name: "block-rm", Expr: `arguments.command.contains("rm -rf")`, Decision: "block", Severity: "critical"},
			},
		},
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		t.Errorf("valid local rules should pass, got %v", err)
	}
}

func TestConfig_Validate_DuplicateRuleName(t *testing.T) {
	t.Parallel()

	cfg := Config{
		Policy: PolicyConfig{
			LocalRules: []policy.LocalRule{
				{Name: "dup", Expr: "true", Decision: "allow"},
				{Name: "dup", Expr: "false", Decision: "block"},
			},
		},
	}
	cfg.SetDefaults()
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error for duplicate rule names")
	}
	if !strings.Contains(err.Error(), "dup") {
		t.Errorf("error should name the duplicate rule, got %v", err)
	}
}

func TestConfig_Validate_BadRuleDecision(t *testing.T) {
	t.Parallel()

	cfg := Config{
		Policy: PolicyConfig{
			LocalRules: []policy.LocalRule{
				{Name: "weird", Expr: "true", Decision: "maybe"},
			},
		},
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for unknown rule decision")
	}
}
