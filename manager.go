package agentexec

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"sync"

	"github.com/zhangyunhao116/agentexec/audit"
	"github.com/zhangyunhao116/agentexec/background"
	"github.com/zhangyunhao116/agentexec/internal/clock"
	"github.com/zhangyunhao116/agentexec/policy"
	"github.com/zhangyunhao116/agentexec/process"
	"github.com/zhangyunhao116/agentexec/proxy"
)

// detectSandboxFn returns the bwrap detector. It defaults to a
// process-wide memoized detector and can be overridden in tests.
var detectSandboxFn = defaultDetector

// startFn starts a process. It can be overridden in tests to count or
// fail spawns.
var startFn background.StartFunc = process.Start

// manager is the core Manager implementation. It owns the background
// registry and the audit log; everything else is read from a config
// snapshot taken at the start of each call.
type manager struct {
	mu     sync.RWMutex
	closed bool
	cfg    *Config

	// policyLock is Config.PolicyLock as given to NewManager.
	policyLock func() bool

	logger   *slog.Logger
	clock    clock.Clock
	detector detector
	start    background.StartFunc
	registry *background.Registry
	audit    *audit.Log
	metrics  *metrics
	netProxy *networkProxy
}

// newManager creates a new Manager with the given configuration.
// It validates the config, fills in defaults, detects the sandbox and
// creates the background registry and audit log.
func newManager(cfg *Config) (*manager, error) {
	return newManagerWithClock(cfg, clock.Real())
}

func newManagerWithClock(cfg *Config, clk clock.Clock) (*manager, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: config must not be nil", ErrConfigInvalid)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// Work on a copy so later caller mutations do not leak in.
	cfgCopy := deepCopyConfig(cfg)
	if cfgCopy.Classifier == nil {
		cfgCopy.Classifier = DefaultClassifier()
	}
	if cfgCopy.Sandbox.Shell == "" {
		cfgCopy.Sandbox.Shell = defaultShell
	}

	// Check that the configured shell exists on the filesystem.
	if _, err := os.Stat(cfgCopy.Sandbox.Shell); err != nil {
		return nil, fmt.Errorf("%w: shell %q does not exist: %w", ErrConfigInvalid, cfgCopy.Sandbox.Shell, err)
	}

	logger := cfgCopy.Logger
	if logger == nil {
		logger = slog.Default()
	}

	met, err := newMetrics(cfgCopy.MetricsRegisterer)
	if err != nil {
		return nil, fmt.Errorf("agentexec: register metrics: %w", err)
	}

	m := &manager{
		cfg:        &cfgCopy,
		policyLock: cfgCopy.PolicyLock,
		logger:     logger,
		clock:      clk,
		detector:   detectSandboxFn(),
		start:      startFn,
		metrics:    met,
	}
	m.netProxy = &networkProxy{
		logger: logger,
		onDecision: func(_ proxy.Request, d policy.Decision) {
			met.networkDecision(d.Allowed)
		},
	}
	m.audit = audit.New(audit.Options{
		Capacity:         cfgCopy.Audit.Capacity,
		MirrorPath:       cfgCopy.Audit.MirrorPath,
		MirrorMaxSizeMB:  cfgCopy.Audit.MirrorMaxSizeMB,
		MirrorMaxBackups: cfgCopy.Audit.MirrorMaxBackups,
		Logger:           logger,
		Clock:            clk,
	})
	m.registry = background.NewRegistry(background.Config{
		MaxShells:         cfgCopy.Background.MaxShells,
		DefaultMaxRuntime: cfgCopy.Background.DefaultMaxRuntime,
		MaxRuntime:        cfgCopy.Background.MaxRuntime,
		GracePeriod:       cfgCopy.GracePeriod,
		OutputLimit:       cfgCopy.Background.OutputLimit,
		MaxOutputLimit:    cfgCopy.Background.MaxOutputLimit,
		Clock:             clk,
		Logger:            logger,
		Start:             m.start,
		OnTerminal:        m.shellFinished,
	})

	if !m.detector.Available() {
		logger.Warn("sandbox unavailable, commands will run without sandboxing", "reason", m.detector.Reason())
	}
	return m, nil
}

// snapshotConfig returns a copy of the current configuration.
func (m *manager) snapshotConfig() (Config, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return Config{}, ErrManagerClosed
	}
	return *m.cfg, nil
}

// locked reports whether requests may not disable the sandbox. It is
// evaluated on every call.
func (m *manager) locked(cfg *Config) bool {
	return cfg.Sandbox.Locked || (m.policyLock != nil && m.policyLock())
}

func (m *manager) Exec(ctx context.Context, command string, opts ...Option) (*Result, error) {
	req := Request{Command: command}
	for _, o := range opts {
		o(&req)
	}
	return m.Run(ctx, req)
}

func (m *manager) Check(_ context.Context, command string) (ClassifyResult, error) {
	cfg, err := m.snapshotConfig()
	if err != nil {
		return ClassifyResult{}, err
	}
	return cfg.Classifier.Classify(command), nil
}

func (m *manager) SandboxAvailable() bool {
	return m.detector.Available()
}

func (m *manager) SpawnBackground(ctx context.Context, req Request) (string, error) {
	req.Background = true
	res, err := m.Run(ctx, req)
	if err != nil {
		return "", err
	}
	if res.Status != StatusBackground {
		return "", res.Err
	}
	return res.ShellID, nil
}

func (m *manager) ReadBackgroundOutput(id string, filter *regexp.Regexp) (ShellOutput, error) {
	if _, err := m.snapshotConfig(); err != nil {
		return ShellOutput{}, err
	}
	return m.registry.ReadOutput(id, filter)
}

func (m *manager) KillBackground(id string) bool {
	return m.registry.Kill(id)
}

func (m *manager) ListBackground() []ShellSummary {
	return m.registry.List()
}

func (m *manager) AuditRecords(f audit.Filter) []audit.Record {
	return m.audit.Records(f)
}

func (m *manager) AuditStats() audit.Stats {
	return m.audit.Stats()
}

func (m *manager) UpdateConfig(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("%w: config must not be nil", ErrConfigInvalid)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	cfgCopy := deepCopyConfig(cfg)
	if cfgCopy.Classifier == nil {
		cfgCopy.Classifier = DefaultClassifier()
	}
	if cfgCopy.Sandbox.Shell == "" {
		cfgCopy.Sandbox.Shell = defaultShell
	}
	if _, err := os.Stat(cfgCopy.Sandbox.Shell); err != nil {
		return fmt.Errorf("%w: shell %q does not exist: %w", ErrConfigInvalid, cfgCopy.Sandbox.Shell, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrManagerClosed
	}

	// The lock only ever tightens.
	cfgCopy.Sandbox.Locked = cfgCopy.Sandbox.Locked || m.cfg.Sandbox.Locked
	cfgCopy.PolicyLock = m.policyLock
	// Limits of long-lived components stay as created.
	cfgCopy.Background = m.cfg.Background
	cfgCopy.Audit = m.cfg.Audit
	cfgCopy.MetricsRegisterer = m.cfg.MetricsRegisterer
	m.cfg = &cfgCopy
	return nil
}

func (m *manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	// Outside the lock: terminal shells are audited from OnTerminal.
	m.registry.Close()
	m.netProxy.close()
	return m.audit.Close()
}

// shellFinished audits and counts a background shell that reached a
// terminal status.
func (m *manager) shellFinished(s background.Summary) {
	status := shellStatus(s)
	m.audit.Append(audit.Record{
		Command:     s.Command,
		WorkingDir:  s.WorkingDir,
		Sandboxed:   s.Sandboxed,
		Success:     status == StatusSuccess,
		Status:      string(status),
		ExitCode:    s.ExitCode,
		Duration:    s.Elapsed,
		OutputBytes: s.OutputBytes,
		Background:  true,
		ShellID:     s.ID,
		Reason:      s.Reason,
	})
	m.metrics.shells.Dec()
	m.metrics.finished(modeBackground, status, s.Elapsed)
	m.logger.Debug("background shell finished", "shell_id", s.ID, "status", status, "exit_code", s.ExitCode)
}

func shellStatus(s background.Summary) Status {
	switch s.Outcome {
	case background.OutcomeTimedOut:
		return StatusTimedOut
	case background.OutcomeKilled:
		return StatusKilled
	case background.OutcomeExited:
		if s.ExitCode == 0 {
			return StatusSuccess
		}
	}
	return StatusFailure
}

// errRegistryClosed maps a registry closed underneath a call to the
// manager's own error.
func errRegistryClosed(err error) error {
	if errors.Is(err, background.ErrClosed) {
		return ErrManagerClosed
	}
	return err
}
