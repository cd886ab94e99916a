package agentexec

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zhangyunhao116/agentexec/policy"
)

// fileConfig is the YAML form of Config. Durations are milliseconds and
// sizes are bytes.
type fileConfig struct {
	DefaultTimeoutMS int64 `yaml:"default_timeout_ms"`
	MaxTimeoutMS     int64 `yaml:"max_timeout_ms"`
	MaxOutputBytes   int   `yaml:"max_output_bytes"`
	GracePeriodMS    int64 `yaml:"grace_period_ms"`

	Sandbox struct {
		Locked bool   `yaml:"locked"`
		Shell  string `yaml:"shell"`
	} `yaml:"sandbox"`

	Background struct {
		MaxShells           int   `yaml:"max_shells"`
		OutputLimitBytes    int   `yaml:"output_limit_bytes"`
		MaxOutputLimitBytes int   `yaml:"max_output_limit_bytes"`
		DefaultMaxRuntimeMS int64 `yaml:"default_max_runtime_ms"`
		MaxRuntimeMS        int64 `yaml:"max_runtime_ms"`
	} `yaml:"background"`

	Audit struct {
		Capacity         int    `yaml:"capacity"`
		MirrorPath       string `yaml:"mirror_path"`
		MirrorMaxSizeMB  int    `yaml:"mirror_max_size_mb"`
		MirrorMaxBackups int    `yaml:"mirror_max_backups"`
	} `yaml:"audit"`

	Filesystem *fileFilesystem `yaml:"filesystem"`
	Network    *fileNetwork    `yaml:"network"`
}

type fileFilesystem struct {
	Default string     `yaml:"default"`
	Allow   []fileRule `yaml:"allow"`
	Deny    []fileRule `yaml:"deny"`
}

type fileRule struct {
	Pattern string `yaml:"pattern"`
	// Ops is an operation set such as "read|write"; empty means all.
	Ops string `yaml:"ops"`
}

type fileNetwork struct {
	Default string `yaml:"default"`

	policy.NetworkRules `yaml:",inline"`
}

func ms(d time.Duration) int64 { return d.Milliseconds() }

func fromMS(v int64) time.Duration { return time.Duration(v) * time.Millisecond }

// ParseConfig reads a YAML document into a Config. Keys that are absent
// keep the DefaultConfig value; unknown keys are an error. The result is
// validated.
func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	fc := toFileConfig(cfg)

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&fc); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %v", ErrConfigInvalid, err)
	}

	cfg.DefaultTimeout = fromMS(fc.DefaultTimeoutMS)
	cfg.MaxTimeout = fromMS(fc.MaxTimeoutMS)
	cfg.MaxOutputBytes = fc.MaxOutputBytes
	cfg.GracePeriod = fromMS(fc.GracePeriodMS)
	cfg.Sandbox.Locked = fc.Sandbox.Locked
	cfg.Sandbox.Shell = fc.Sandbox.Shell
	cfg.Background = BackgroundConfig{
		MaxShells:         fc.Background.MaxShells,
		OutputLimit:       fc.Background.OutputLimitBytes,
		MaxOutputLimit:    fc.Background.MaxOutputLimitBytes,
		DefaultMaxRuntime: fromMS(fc.Background.DefaultMaxRuntimeMS),
		MaxRuntime:        fromMS(fc.Background.MaxRuntimeMS),
	}
	cfg.Audit = AuditConfig{
		Capacity:         fc.Audit.Capacity,
		MirrorPath:       fc.Audit.MirrorPath,
		MirrorMaxSizeMB:  fc.Audit.MirrorMaxSizeMB,
		MirrorMaxBackups: fc.Audit.MirrorMaxBackups,
	}

	var errs []error
	if fc.Filesystem != nil {
		fsp, err := fc.Filesystem.policy()
		if err != nil {
			errs = append(errs, fmt.Errorf("filesystem: %w", err))
		}
		cfg.Filesystem = fsp
	}
	if fc.Network != nil {
		np, err := fc.Network.policy()
		if err != nil {
			errs = append(errs, fmt.Errorf("network: %w", err))
		}
		cfg.Network = np
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("%w: %w", ErrConfigInvalid, errors.Join(errs...))
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadConfig reads and parses the YAML file at path.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("agentexec: read config: %w", err)
	}
	return ParseConfig(data)
}

func toFileConfig(cfg *Config) fileConfig {
	var fc fileConfig
	fc.DefaultTimeoutMS = ms(cfg.DefaultTimeout)
	fc.MaxTimeoutMS = ms(cfg.MaxTimeout)
	fc.MaxOutputBytes = cfg.MaxOutputBytes
	fc.GracePeriodMS = ms(cfg.GracePeriod)
	fc.Sandbox.Locked = cfg.Sandbox.Locked
	fc.Sandbox.Shell = cfg.Sandbox.Shell
	fc.Background.MaxShells = cfg.Background.MaxShells
	fc.Background.OutputLimitBytes = cfg.Background.OutputLimit
	fc.Background.MaxOutputLimitBytes = cfg.Background.MaxOutputLimit
	fc.Background.DefaultMaxRuntimeMS = ms(cfg.Background.DefaultMaxRuntime)
	fc.Background.MaxRuntimeMS = ms(cfg.Background.MaxRuntime)
	fc.Audit.Capacity = cfg.Audit.Capacity
	fc.Audit.MirrorPath = cfg.Audit.MirrorPath
	fc.Audit.MirrorMaxSizeMB = cfg.Audit.MirrorMaxSizeMB
	fc.Audit.MirrorMaxBackups = cfg.Audit.MirrorMaxBackups
	return fc
}

func (f *fileFilesystem) policy() (*policy.FilesystemPolicy, error) {
	def, err := policy.ParseAction(f.Default)
	if err != nil {
		return nil, err
	}
	allow, err := parseRules(f.Allow)
	if err != nil {
		return nil, err
	}
	deny, err := parseRules(f.Deny)
	if err != nil {
		return nil, err
	}
	return policy.NewFilesystemPolicy(def, allow, deny)
}

func parseRules(in []fileRule) ([]policy.PathRule, error) {
	out := make([]policy.PathRule, 0, len(in))
	for _, r := range in {
		var ops policy.Operation
		if r.Ops != "" {
			var err error
			if ops, err = policy.ParseOperation(r.Ops); err != nil {
				return nil, err
			}
		}
		out = append(out, policy.PathRule{Pattern: r.Pattern, Ops: ops})
	}
	return out, nil
}

func (f *fileNetwork) policy() (*policy.NetworkPolicy, error) {
	def, err := policy.ParseAction(f.Default)
	if err != nil {
		return nil, err
	}
	rules := f.NetworkRules
	rules.Default = def
	return policy.NewNetworkPolicy(rules)
}
