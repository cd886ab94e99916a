package agentexec

import (
	"context"
	"log/slog"
	"regexp"

	"github.com/zhangyunhao116/agentexec/audit"
	"github.com/zhangyunhao116/agentexec/background"
	"github.com/zhangyunhao116/agentexec/sandbox"
)

// ShellOutput is the result of a consuming background read.
type ShellOutput = background.Output

// ShellSummary describes a background shell without consuming its output.
type ShellSummary = background.Summary

// Manager screens, sandboxes and runs commands.
// Use NewManager to create an instance with a specific configuration.
//
// Implementations must be safe for concurrent use by multiple goroutines.
type Manager interface {
	// Run executes req. A blocked request returns a StatusBlocked result
	// together with a *PolicyViolationError. Every other outcome, including
	// a command that could not be started, is reported in the Result with a
	// nil error. A Background request returns a StatusBackground result
	// carrying the shell ID.
	Run(ctx context.Context, req Request) (*Result, error)

	// Exec runs command in the foreground with per-call options.
	Exec(ctx context.Context, command string, opts ...Option) (*Result, error)

	// Check screens a command without executing it.
	Check(ctx context.Context, command string) (ClassifyResult, error)

	// SandboxInvocation returns the bwrap invocation Run would use for req,
	// or nil when req would run unsandboxed.
	SandboxInvocation(req Request) (*sandbox.Invocation, error)

	// SpawnBackground registers req as a background shell and returns its
	// ID. A full registry returns a *CapacityError.
	SpawnBackground(ctx context.Context, req Request) (string, error)

	// ReadBackgroundOutput returns and clears the output accumulated since
	// the previous read. With a non-nil filter only matching lines are
	// returned. A terminal shell is removed by the read that observes it.
	ReadBackgroundOutput(id string, filter *regexp.Regexp) (ShellOutput, error)

	// KillBackground terminates a shell and removes it. It reports false
	// if no shell has the ID.
	KillBackground(id string) bool

	// ListBackground describes every tracked shell, sorted by ID.
	ListBackground() []ShellSummary

	// AuditRecords returns the retained audit records matching f, oldest
	// first.
	AuditRecords(f audit.Filter) []audit.Record

	// AuditStats aggregates the retained audit records.
	AuditStats() audit.Stats

	// SandboxAvailable reports whether bwrap is usable on this host.
	SandboxAvailable() bool

	// UpdateConfig validates cfg and applies it to subsequent calls.
	// Background and audit limits keep the values the manager was created
	// with, and a sandbox lock set at creation cannot be cleared.
	UpdateConfig(cfg *Config) error

	// Close kills every background shell and releases the audit mirror.
	// After Close, all subsequent calls return ErrManagerClosed.
	Close() error
}

// Exec is a convenience function that creates a temporary manager,
// executes the command, and cleans up. It uses DefaultConfig.
func Exec(ctx context.Context, command string, opts ...Option) (*Result, error) {
	mgr, err := NewManager(DefaultConfig())
	if err != nil {
		return nil, err
	}
	defer func() { logCleanupErr(mgr.Close()) }()
	return mgr.Exec(ctx, command, opts...)
}

// Check screens a command with the default classifier.
func Check(command string) ClassifyResult {
	return DefaultClassifier().Classify(command)
}

// NewManager creates a new Manager with the given configuration.
// The configuration is validated and copied before the manager is created.
// An unusable sandbox is not an error: commands then run directly and
// their results report Sandboxed == false.
func NewManager(cfg *Config) (Manager, error) {
	return newManager(cfg)
}

// logCleanupErr logs cleanup errors using the default logger.
// Convenience functions don't have access to the manager's configured
// logger, so we use slog.Debug as a best-effort.
func logCleanupErr(err error) {
	if err != nil {
		slog.Debug("agentexec: cleanup error", "err", err)
	}
}
