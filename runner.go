package agentexec

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/zhangyunhao116/agentexec/audit"
	"github.com/zhangyunhao116/agentexec/background"
	"github.com/zhangyunhao116/agentexec/internal/envutil"
	"github.com/zhangyunhao116/agentexec/internal/pathutil"
	"github.com/zhangyunhao116/agentexec/policy"
	"github.com/zhangyunhao116/agentexec/process"
	"github.com/zhangyunhao116/agentexec/sandbox"
)

// detector reports whether bwrap can be used. *sandbox.Detector
// implements it.
type detector interface {
	Available() bool
	Path() string
	Reason() string
}

var defaultDetector = sync.OnceValue(func() detector { return sandbox.NewDetector() })

// userHomeDir is overridden in tests.
var userHomeDir = os.UserHomeDir

// prepared is a screened request ready to spawn.
type prepared struct {
	req       Request
	command   string
	dir       string
	warning   string
	sandboxed bool
	spec      process.Spec
	inv       *sandbox.Invocation
}

func (m *manager) Run(ctx context.Context, req Request) (*Result, error) {
	cfg, err := m.snapshotConfig()
	if err != nil {
		return nil, err
	}
	p, err := m.prepare(&cfg, req.clone())
	if err != nil {
		var pv *PolicyViolationError
		if errors.As(err, &pv) {
			return m.block(req, p, pv), err
		}
		return nil, err
	}
	if p.req.Background {
		return m.spawnBackground(p)
	}
	return m.runForeground(ctx, &cfg, p), nil
}

func (m *manager) SandboxInvocation(req Request) (*sandbox.Invocation, error) {
	cfg, err := m.snapshotConfig()
	if err != nil {
		return nil, err
	}
	p, err := m.prepare(&cfg, req.clone())
	if err != nil {
		return nil, err
	}
	return p.inv, nil
}

// prepare screens req, checks its working directory against the
// filesystem policy and builds the process spec. A rejected request
// returns a *PolicyViolationError and a prepared value describing it.
func (m *manager) prepare(cfg *Config, req Request) (*prepared, error) {
	command := strings.TrimSpace(req.Command)
	if command == "" {
		return nil, ErrEmptyCommand
	}
	p := &prepared{req: req, command: command}

	verdict := cfg.Classifier.Classify(command)
	if verdict.Blocked {
		return p, &PolicyViolationError{
			Command: command,
			Kind:    ViolationCommand,
			Reason:  verdict.Reason,
			Rule:    verdict.Rule,
		}
	}
	if verdict.Warning != "" {
		p.warning = verdict.Warning
		m.logger.Info("command matched warn rule", "command", command, "rule", verdict.Rule, "warning", verdict.Warning)
	}

	dir := req.WorkingDir
	if dir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("agentexec: working directory: %w", err)
		}
		dir = wd
	}
	dir, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("agentexec: working directory: %w", err)
	}
	p.dir = dir

	env := envutil.Overlay(os.Environ(), req.Env)
	// A request may move the temporary directory; the sandbox must make
	// that one writable.
	tmp := os.TempDir()
	if v, ok := envutil.GetEnv(env, "TMPDIR"); ok && filepath.IsAbs(v) {
		tmp = filepath.Clean(v)
	}
	home, err := userHomeDir()
	if err != nil {
		home = tmp // fallback
	}
	fsp := cfg.Filesystem
	if fsp == nil {
		if fsp, err = policy.DefaultFilesystemPolicy(home, dir, tmp); err != nil {
			return nil, fmt.Errorf("agentexec: default filesystem policy: %w", err)
		}
	}
	if d := fsp.Evaluate(dir, policy.OpRead|policy.OpExecute); !d.Allowed {
		return p, &PolicyViolationError{
			Command: command,
			Kind:    ViolationFilesystem,
			Reason:  fmt.Sprintf("working directory %s: %s", dir, d.Reason),
			Rule:    d.Rule,
		}
	}

	network := cfg.Network
	if network == nil {
		network = policy.DefaultNetworkPolicy()
	}
	proxyEnv, err := m.netProxy.envFor(network)
	if err != nil {
		return nil, err
	}
	if len(proxyEnv) > 0 {
		env = envutil.Overlay(env, proxyEnv)
	}
	shellArgv := []string{cfg.shell(), "-c", command}

	wantSandbox := !req.DisableSandbox
	if req.DisableSandbox && m.locked(cfg) {
		m.logger.Info("sandbox is locked, ignoring request to disable it", "command", command)
		wantSandbox = true
	}
	if wantSandbox && !m.detector.Available() {
		m.logger.Warn("sandbox unavailable, running without sandboxing", "command", command, "reason", m.detector.Reason())
		wantSandbox = false
	}
	if !wantSandbox {
		p.spec = process.Spec{Argv: shellArgv, Dir: dir, Env: env}
		return p, nil
	}

	opts, err := sandbox.FromPolicy(fsp, network, sandbox.Layout{WorkDir: dir, TempDir: tmp, Home: home})
	if err != nil {
		return nil, fmt.Errorf("agentexec: sandbox options: %w", err)
	}
	if opts.Env == nil {
		opts.Env = make(map[string]string, len(req.Env)+len(proxyEnv))
	}
	maps.Copy(opts.Env, req.Env)
	maps.Copy(opts.Env, proxyEnv)
	opts.Command = shellArgv
	inv, err := sandbox.NewInvocation(m.detector.Path(), opts)
	if err != nil {
		return nil, fmt.Errorf("agentexec: sandbox invocation: %w", err)
	}
	p.inv = inv
	p.sandboxed = true
	p.spec = process.Spec{Argv: inv.Argv(), Dir: dir, Env: env}
	return p, nil
}

// block records a rejected request. Nothing has been spawned.
func (m *manager) block(req Request, p *prepared, pv *PolicyViolationError) *Result {
	m.logger.Warn("command blocked", "command", pv.Command, "kind", pv.Kind, "rule", pv.Rule, "reason", pv.Reason)
	res := &Result{
		Status:   StatusBlocked,
		ExitCode: -1,
		Reason:   "blocked by security policy: " + pv.Reason,
		Err:      pv,
	}
	m.audit.Append(audit.Record{
		Command:    pv.Command,
		WorkingDir: p.dir,
		Status:     audit.StatusBlocked,
		ExitCode:   -1,
		Background: req.Background,
		Reason:     res.Reason,
	})
	m.metrics.rejected(pv.Kind)
	mode := modeForeground
	if req.Background {
		mode = modeBackground
	}
	m.metrics.finished(mode, StatusBlocked, 0)
	return res
}

// spawnFailed records a process that could not be started.
func (m *manager) spawnFailed(p *prepared, mode string, err error) *Result {
	m.logger.Warn("command could not be started", "command", p.command, "error", err)
	reason := err.Error()
	if p.dir != "" {
		if missing := pathutil.FindFirstNonExistent(p.dir); missing != "" {
			reason = fmt.Sprintf("%s (working directory %s: %s does not exist)", reason, p.dir, missing)
		}
	}
	res := &Result{
		Status:    StatusSpawnFailed,
		ExitCode:  -1,
		Sandboxed: p.sandboxed,
		Warning:   p.warning,
		Reason:    reason,
		Err:       &SpawnError{Command: p.command, Err: err},
	}
	m.audit.Append(audit.Record{
		Command:    p.command,
		WorkingDir: p.dir,
		Sandboxed:  p.sandboxed,
		Status:     audit.StatusSpawnFailed,
		ExitCode:   -1,
		Background: mode == modeBackground,
		Reason:     res.Reason,
	})
	m.metrics.finished(mode, StatusSpawnFailed, 0)
	return res
}

// Foreground termination causes. The first one to happen wins.
const (
	causeNone = iota
	causeTimeout
	causeCancel
)

func (m *manager) runForeground(ctx context.Context, cfg *Config, p *prepared) *Result {
	timeout := p.req.Timeout
	if timeout <= 0 {
		timeout = cfg.DefaultTimeout
	}
	timeout = min(timeout, cfg.MaxTimeout)

	started := m.clock.Now()
	proc, err := m.start(p.spec)
	if err != nil {
		return m.spawnFailed(p, modeForeground, err)
	}
	term := proc.NewTerminator(m.clock, cfg.GracePeriod)

	var (
		causeMu sync.Mutex
		cause   = causeNone
	)
	stopWith := func(c int) {
		causeMu.Lock()
		first := cause == causeNone
		if first {
			cause = c
		}
		causeMu.Unlock()
		if first {
			term.Terminate()
		}
	}
	timer := m.clock.AfterFunc(timeout, func() { stopWith(causeTimeout) })
	stopCtx := context.AfterFunc(ctx, func() { stopWith(causeCancel) })

	stdout := newCapture(cfg.MaxOutputBytes)
	stderr := newCapture(cfg.MaxOutputBytes)
	for c := range proc.Output() {
		if c.Stream == process.Stderr {
			stderr.Write(c.Data)
		} else {
			stdout.Write(c.Data)
		}
	}
	<-proc.Done()
	timer.Stop()
	stopCtx()
	exit := proc.Exit()
	elapsed := m.clock.Now().Sub(started)

	output, size, truncated := combineOutput(stdout, stderr, cfg.MaxOutputBytes)
	res := &Result{
		ExitCode:    exit.Code,
		Output:      output,
		OutputBytes: size,
		Truncated:   truncated,
		Sandboxed:   p.sandboxed,
		Duration:    elapsed,
		Warning:     p.warning,
	}

	causeMu.Lock()
	ended := cause
	causeMu.Unlock()
	switch {
	case ended == causeTimeout:
		res.Status = StatusTimedOut
		res.Reason = fmt.Sprintf("timed out after %v", timeout)
		m.logger.Info("command timed out", "command", p.command, "timeout", timeout, "escalated", term.Escalated())
	case ended == causeCancel:
		res.Status = StatusKilled
		res.Reason = fmt.Sprintf("cancelled: %v", context.Cause(ctx))
	case exit.Err != nil:
		res.Status = StatusFailure
		res.Reason = exit.Err.Error()
	case exit.Code == 0:
		res.Status = StatusSuccess
	default:
		res.Status = StatusFailure
	}
	if term.Escalated() {
		m.logger.Warn("command ignored the graceful signal and was killed", "command", p.command, "pid", proc.Pid())
	}

	m.audit.Append(audit.Record{
		Command:     p.command,
		WorkingDir:  p.dir,
		Sandboxed:   p.sandboxed,
		Success:     res.Status == StatusSuccess,
		Status:      string(res.Status),
		ExitCode:    res.ExitCode,
		Duration:    elapsed,
		OutputBytes: int64(size),
		Reason:      res.Reason,
	})
	m.metrics.finished(modeForeground, res.Status, elapsed)
	return res
}

func (m *manager) spawnBackground(p *prepared) (*Result, error) {
	// Counted before the spawn so a shell that exits at once cannot be
	// decremented first.
	m.metrics.shells.Inc()
	id, err := m.registry.Spawn(background.SpawnRequest{
		Command:     p.command,
		Spec:        p.spec,
		WorkingDir:  p.dir,
		Sandboxed:   p.sandboxed,
		MaxRuntime:  p.req.MaxRuntime,
		OutputLimit: p.req.OutputLimit,
	})
	if err != nil {
		m.metrics.shells.Dec()
		if errors.Is(err, background.ErrCapacityExceeded) || errors.Is(err, background.ErrClosed) {
			return nil, errRegistryClosed(err)
		}
		return m.spawnFailed(p, modeBackground, err), nil
	}
	return &Result{
		Status:    StatusBackground,
		ExitCode:  -1,
		Sandboxed: p.sandboxed,
		Warning:   p.warning,
		ShellID:   id,
	}, nil
}
