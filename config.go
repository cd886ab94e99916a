package agentexec

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/zhangyunhao116/agentexec/audit"
	"github.com/zhangyunhao116/agentexec/background"
	"github.com/zhangyunhao116/agentexec/internal/pathutil"
	"github.com/zhangyunhao116/agentexec/policy"
)

const (
	defaultTimeout        = 120 * time.Second
	defaultMaxTimeout     = 600 * time.Second
	defaultMaxOutputBytes = 30000
	defaultShell          = "/bin/sh"
)

// SandboxConfig controls how commands are isolated.
type SandboxConfig struct {
	// Locked forbids requests from disabling the sandbox. A locked manager
	// ignores Request.DisableSandbox. UpdateConfig cannot clear the lock.
	Locked bool

	// Shell is the absolute path of the shell that runs command text.
	// If empty, /bin/sh is used.
	Shell string
}

// BackgroundConfig bounds background shells.
type BackgroundConfig struct {
	// MaxShells is the number of shells tracked at once.
	MaxShells int

	// OutputLimit is the default per-shell output ceiling in bytes, and
	// MaxOutputLimit the largest ceiling a request may ask for.
	OutputLimit    int
	MaxOutputLimit int

	// DefaultMaxRuntime applies when a request sets none; MaxRuntime caps
	// every request.
	DefaultMaxRuntime time.Duration
	MaxRuntime        time.Duration
}

// AuditConfig configures the audit trail.
type AuditConfig struct {
	// Capacity is the number of most recent records retained in memory.
	Capacity int

	// MirrorPath, when set, receives every record as JSON lines. The file
	// rotates at MirrorMaxSizeMB and keeps MirrorMaxBackups old files.
	MirrorPath       string
	MirrorMaxSizeMB  int
	MirrorMaxBackups int
}

// Config holds the complete configuration for a Manager.
type Config struct {
	// DefaultTimeout applies to foreground runs that request none.
	// MaxTimeout caps every requested timeout.
	DefaultTimeout time.Duration
	MaxTimeout     time.Duration

	// MaxOutputBytes caps the combined foreground output. Longer output
	// keeps its head and tail around a truncation marker.
	MaxOutputBytes int

	// GracePeriod is the time between the graceful and the forceful
	// termination signal.
	GracePeriod time.Duration

	Sandbox    SandboxConfig
	Background BackgroundConfig
	Audit      AuditConfig

	// PolicyLock is consulted on every call in addition to Sandbox.Locked.
	// It lets an administrator lock the sandbox from outside the process
	// configuration. Only the function given to NewManager is used;
	// UpdateConfig does not replace it. It must be safe for concurrent use.
	PolicyLock func() bool

	// Filesystem is the policy applied to working directories and used to
	// derive sandbox mounts. If nil, each call uses
	// policy.DefaultFilesystemPolicy for its own working directory.
	Filesystem *policy.FilesystemPolicy

	// Network decides whether the sandbox keeps host networking. If nil,
	// policy.DefaultNetworkPolicy is used and the network is unshared.
	// A policy that allows some traffic but restricts it is enforced by a
	// local HTTP proxy that commands reach through HTTP_PROXY and
	// HTTPS_PROXY. Clients that ignore those variables are not filtered.
	Network *policy.NetworkPolicy

	// Classifier screens commands. If nil, DefaultClassifier is used.
	Classifier Classifier

	// Logger is the structured logger for operational messages such as
	// sandbox fallback, blocked commands and escalated terminations.
	// If nil, slog.Default() is used.
	Logger *slog.Logger

	// MetricsRegisterer receives the manager's collectors. If nil, metrics
	// are kept on a private registry.
	MetricsRegisterer prometheus.Registerer
}

// DefaultConfig returns a Config with the documented defaults: sandboxed
// execution, a 120 s default and 600 s maximum timeout, a 30000 byte
// foreground output cap and ten background shells.
func DefaultConfig() *Config {
	return &Config{
		DefaultTimeout: defaultTimeout,
		MaxTimeout:     defaultMaxTimeout,
		MaxOutputBytes: defaultMaxOutputBytes,
		GracePeriod:    background.DefaultGracePeriod,
		Sandbox: SandboxConfig{
			Shell: defaultShell,
		},
		Background: BackgroundConfig{
			MaxShells:         background.DefaultMaxShells,
			OutputLimit:       background.DefaultOutputLimit,
			MaxOutputLimit:    background.DefaultMaxOutputLimit,
			DefaultMaxRuntime: background.DefaultDefaultMaxRuntime,
			MaxRuntime:        background.DefaultMaxRuntime,
		},
		Audit: AuditConfig{
			Capacity: audit.DefaultCapacity,
		},
	}
}

// DevelopmentConfig returns a Config suitable for local development.
// Requests may disable the sandbox and sandboxed commands keep host
// networking.
func DevelopmentConfig() *Config {
	cfg := DefaultConfig()
	cfg.Network, _ = policy.NewNetworkPolicy(policy.NetworkRules{Default: policy.Allow})
	return cfg
}

// CIConfig returns a Config for CI/CD environments. The sandbox is locked
// on and the network is unshared.
func CIConfig() *Config {
	cfg := DefaultConfig()
	cfg.Sandbox.Locked = true
	cfg.Network = policy.DefaultNetworkPolicy()
	return cfg
}

// Validate checks the configuration for errors and returns a descriptive error
// if any field is invalid. The returned error wraps ErrConfigInvalid.
func (c *Config) Validate() error {
	var errs []string

	if c.DefaultTimeout <= 0 {
		errs = append(errs, "DefaultTimeout: must be > 0")
	}
	if c.MaxTimeout <= 0 {
		errs = append(errs, "MaxTimeout: must be > 0")
	}
	if c.DefaultTimeout > 0 && c.MaxTimeout > 0 && c.DefaultTimeout > c.MaxTimeout {
		errs = append(errs, fmt.Sprintf("DefaultTimeout: %v exceeds MaxTimeout %v", c.DefaultTimeout, c.MaxTimeout))
	}
	if c.MaxOutputBytes <= 0 {
		errs = append(errs, "MaxOutputBytes: must be > 0")
	}
	if c.GracePeriod < 0 {
		errs = append(errs, "GracePeriod: must be >= 0")
	}

	if c.Sandbox.Shell != "" {
		if pathutil.ContainsNullByte(c.Sandbox.Shell) {
			errs = append(errs, "Sandbox.Shell: must not contain null bytes")
		} else if !filepath.IsAbs(c.Sandbox.Shell) {
			errs = append(errs, fmt.Sprintf("Sandbox.Shell: %q must be an absolute path", c.Sandbox.Shell))
		}
	}

	errs = c.validateBackground(errs)

	if c.Audit.Capacity <= 0 {
		errs = append(errs, "Audit.Capacity: must be > 0")
	}
	if c.Audit.MirrorMaxSizeMB < 0 {
		errs = append(errs, "Audit.MirrorMaxSizeMB: must be >= 0")
	}
	if c.Audit.MirrorMaxBackups < 0 {
		errs = append(errs, "Audit.MirrorMaxBackups: must be >= 0")
	}
	if pathutil.ContainsNullByte(c.Audit.MirrorPath) {
		errs = append(errs, "Audit.MirrorPath: must not contain null bytes")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrConfigInvalid, strings.Join(errs, "; "))
	}

	return nil
}

// validateBackground checks background limits and appends any validation
// errors to errs.
func (c *Config) validateBackground(errs []string) []string {
	b := &c.Background
	if b.MaxShells <= 0 {
		errs = append(errs, "Background.MaxShells: must be > 0")
	}
	if b.OutputLimit <= 0 {
		errs = append(errs, "Background.OutputLimit: must be > 0")
	}
	if b.MaxOutputLimit <= 0 {
		errs = append(errs, "Background.MaxOutputLimit: must be > 0")
	}
	if b.OutputLimit > 0 && b.MaxOutputLimit > 0 && b.OutputLimit > b.MaxOutputLimit {
		errs = append(errs, fmt.Sprintf("Background.OutputLimit: %d exceeds MaxOutputLimit %d", b.OutputLimit, b.MaxOutputLimit))
	}
	if b.DefaultMaxRuntime <= 0 {
		errs = append(errs, "Background.DefaultMaxRuntime: must be > 0")
	}
	if b.MaxRuntime <= 0 {
		errs = append(errs, "Background.MaxRuntime: must be > 0")
	}
	if b.DefaultMaxRuntime > 0 && b.MaxRuntime > 0 && b.DefaultMaxRuntime > b.MaxRuntime {
		errs = append(errs, fmt.Sprintf("Background.DefaultMaxRuntime: %v exceeds MaxRuntime %v", b.DefaultMaxRuntime, b.MaxRuntime))
	}
	return errs
}

// deepCopyConfig returns a copy of cfg. Policies are immutable and, like
// the Classifier, PolicyLock, Logger and MetricsRegisterer, are shared by
// reference.
func deepCopyConfig(cfg *Config) Config {
	return *cfg
}

// shell returns the configured shell or the default.
func (c *Config) shell() string {
	if c.Sandbox.Shell != "" {
		return c.Sandbox.Shell
	}
	return defaultShell
}
