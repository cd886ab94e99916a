package agentexec

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/zhangyunhao116/agentexec/policy"
)

func TestDefaultConfigValid(t *testing.T) {
	for name, cfg := range map[string]*Config{
		"default":     DefaultConfig(),
		"development": DevelopmentConfig(),
		"ci":          CIConfig(),
	} {
		if err := cfg.Validate(); err != nil {
			t.Errorf("%s: Validate() = %v", name, err)
		}
	}
}

func TestDefaultConfigValues(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.DefaultTimeout != 120*time.Second || cfg.MaxTimeout != 600*time.Second {
		t.Errorf("timeouts = %v/%v, want 2m0s/10m0s", cfg.DefaultTimeout, cfg.MaxTimeout)
	}
	if cfg.MaxOutputBytes != 30000 {
		t.Errorf("MaxOutputBytes = %d, want 30000", cfg.MaxOutputBytes)
	}
	if cfg.Background.MaxShells != 10 {
		t.Errorf("Background.MaxShells = %d, want 10", cfg.Background.MaxShells)
	}
	if cfg.Background.OutputLimit != 1<<20 || cfg.Background.MaxOutputLimit != 16<<20 {
		t.Errorf("background output limits = %d/%d", cfg.Background.OutputLimit, cfg.Background.MaxOutputLimit)
	}
	if cfg.Background.DefaultMaxRuntime != 30*time.Minute || cfg.Background.MaxRuntime != 2*time.Hour {
		t.Errorf("background runtimes = %v/%v", cfg.Background.DefaultMaxRuntime, cfg.Background.MaxRuntime)
	}
	if cfg.GracePeriod != 2*time.Second {
		t.Errorf("GracePeriod = %v, want 2s", cfg.GracePeriod)
	}
	if cfg.Audit.Capacity != 1000 {
		t.Errorf("Audit.Capacity = %d, want 1000", cfg.Audit.Capacity)
	}
	if !CIConfig().Sandbox.Locked {
		t.Error("CIConfig should lock the sandbox")
	}
	if !DevelopmentConfig().Network.PermitsAny() {
		t.Error("DevelopmentConfig should keep host networking")
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		want   string
	}{
		{"zero default timeout", func(c *Config) { c.DefaultTimeout = 0 }, "DefaultTimeout"},
		{"default above max", func(c *Config) { c.DefaultTimeout = time.Hour }, "exceeds MaxTimeout"},
		{"zero output", func(c *Config) { c.MaxOutputBytes = 0 }, "MaxOutputBytes"},
		{"negative grace", func(c *Config) { c.GracePeriod = -1 }, "GracePeriod"},
		{"relative shell", func(c *Config) { c.Sandbox.Shell = "sh" }, "absolute path"},
		{"null shell", func(c *Config) { c.Sandbox.Shell = "/bin/\x00sh" }, "null bytes"},
		{"zero shells", func(c *Config) { c.Background.MaxShells = 0 }, "Background.MaxShells"},
		{"output above max", func(c *Config) { c.Background.OutputLimit = 32 << 20 }, "exceeds MaxOutputLimit"},
		{"runtime above max", func(c *Config) { c.Background.DefaultMaxRuntime = 3 * time.Hour }, "exceeds MaxRuntime"},
		{"zero audit", func(c *Config) { c.Audit.Capacity = 0 }, "Audit.Capacity"},
		{"negative mirror size", func(c *Config) { c.Audit.MirrorMaxSizeMB = -1 }, "MirrorMaxSizeMB"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if !errors.Is(err, ErrConfigInvalid) {
				t.Fatalf("Validate() = %v, want ErrConfigInvalid", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() = %q, want it to mention %q", err, tt.want)
			}
		})
	}
}

func TestConfigValidateCollectsAllErrors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxOutputBytes = 0
	cfg.Audit.Capacity = 0
	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() = nil")
	}
	if !strings.Contains(err.Error(), "MaxOutputBytes") || !strings.Contains(err.Error(), "Audit.Capacity") {
		t.Errorf("Validate() = %q, want both problems", err)
	}
}

func TestParseConfig(t *testing.T) {
	data := []byte(`
default_timeout_ms: 5000
max_timeout_ms: 60000
max_output_bytes: 4096
grace_period_ms: 500
sandbox:
  locked: true
  shell: /bin/bash
background:
  max_shells: 3
  output_limit_bytes: 2048
  max_runtime_ms: 600000
  default_max_runtime_ms: 60000
audit:
  capacity: 50
  mirror_path: /var/log/agentexec/audit.jsonl
filesystem:
  default: deny
  allow:
    - pattern: /work
      ops: read|write|execute
  deny:
    - pattern: /work/secrets/**
network:
  default: deny
  allow_domains: ["*.example.com"]
  allow_ports: [443]
  requests_per_minute: 30
`)
	cfg, err := ParseConfig(data)
	if err != nil {
		t.Fatalf("ParseConfig() error: %v", err)
	}
	if cfg.DefaultTimeout != 5*time.Second || cfg.MaxTimeout != time.Minute {
		t.Errorf("timeouts = %v/%v", cfg.DefaultTimeout, cfg.MaxTimeout)
	}
	if cfg.MaxOutputBytes != 4096 || cfg.GracePeriod != 500*time.Millisecond {
		t.Errorf("MaxOutputBytes = %d GracePeriod = %v", cfg.MaxOutputBytes, cfg.GracePeriod)
	}
	if !cfg.Sandbox.Locked || cfg.Sandbox.Shell != "/bin/bash" {
		t.Errorf("Sandbox = %+v", cfg.Sandbox)
	}
	want := BackgroundConfig{
		MaxShells:         3,
		OutputLimit:       2048,
		MaxOutputLimit:    16 << 20,
		DefaultMaxRuntime: time.Minute,
		MaxRuntime:        10 * time.Minute,
	}
	if cfg.Background != want {
		t.Errorf("Background = %+v, want %+v", cfg.Background, want)
	}
	if cfg.Audit.Capacity != 50 || cfg.Audit.MirrorPath != "/var/log/agentexec/audit.jsonl" {
		t.Errorf("Audit = %+v", cfg.Audit)
	}
	if cfg.Filesystem == nil || cfg.Filesystem.Default() != policy.Deny {
		t.Fatalf("Filesystem = %v", cfg.Filesystem)
	}
	if len(cfg.Filesystem.AllowRules()) != 1 || len(cfg.Filesystem.DenyRules()) != 1 {
		t.Errorf("rules = %v / %v", cfg.Filesystem.AllowRules(), cfg.Filesystem.DenyRules())
	}
	if cfg.Network == nil {
		t.Fatal("Network = nil")
	}
	if !cfg.Network.Allows("api.example.com", 443, "tcp") || cfg.Network.Allows("api.example.com", 80, "tcp") {
		t.Error("network rules not applied")
	}
	if cfg.Network.RequestsPerMinute() != 30 {
		t.Errorf("RequestsPerMinute = %d, want 30", cfg.Network.RequestsPerMinute())
	}
}

func TestParseConfigEmptyKeepsDefaults(t *testing.T) {
	cfg, err := ParseConfig(nil)
	if err != nil {
		t.Fatalf("ParseConfig(nil) error: %v", err)
	}
	def := DefaultConfig()
	if cfg.DefaultTimeout != def.DefaultTimeout || cfg.Background != def.Background || cfg.Audit != def.Audit {
		t.Errorf("empty document changed defaults: %+v", cfg)
	}
	if cfg.Filesystem != nil || cfg.Network != nil {
		t.Error("empty document should leave policies nil")
	}
}

func TestParseConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"unknown key", "default_timeout: 5"},
		{"bad yaml", "max_output_bytes: [1"},
		{"invalid value", "max_output_bytes: -1"},
		{"bad action", "filesystem:\n  default: maybe"},
		{"bad ops", "filesystem:\n  allow:\n    - pattern: /x\n      ops: fly"},
		{"bad port", "network:\n  allow_ports: [70000]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseConfig([]byte(tt.data))
			if !errors.Is(err, ErrConfigInvalid) {
				t.Errorf("ParseConfig() = %v, want ErrConfigInvalid", err)
			}
		})
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agentexec.yaml")
	if err := os.WriteFile(path, []byte("max_output_bytes: 1234\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error: %v", err)
	}
	if cfg.MaxOutputBytes != 1234 {
		t.Errorf("MaxOutputBytes = %d, want 1234", cfg.MaxOutputBytes)
	}

	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("LoadConfig(missing) = %v, want os.ErrNotExist", err)
	}
}
