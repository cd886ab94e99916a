// Package background tracks long-running shells: it enforces a ceiling on
// concurrent shells and on each shell's runtime, buffers their output up
// to a byte limit and hands it out through consuming reads.
package background

import (
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/zhangyunhao116/agentexec/internal/clock"
	"github.com/zhangyunhao116/agentexec/process"
)

var (
	// ErrShellNotFound is returned for an unknown or already removed ID.
	ErrShellNotFound = errors.New("background: shell not found")

	// ErrCapacityExceeded is wrapped by CapacityError.
	ErrCapacityExceeded = errors.New("background: too many concurrent shells")

	// ErrClosed is returned by Spawn after Close.
	ErrClosed = errors.New("background: registry closed")
)

// CapacityError reports a Spawn rejected because the registry is full.
type CapacityError struct {
	Limit  int
	Active int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("background: %d of %d shells running; kill or wait for one before spawning another", e.Active, e.Limit)
}

func (e *CapacityError) Unwrap() error { return ErrCapacityExceeded }

// Status is the lifecycle status of a shell.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Outcome says how a terminal shell ended.
type Outcome string

const (
	OutcomeNone         Outcome = ""
	OutcomeExited       Outcome = "exited"
	OutcomeTimedOut     Outcome = "timed-out"
	OutcomeKilled       Outcome = "killed"
	OutcomeFailedToWait Outcome = "failed-to-wait"
)

// StartFunc starts a process. Tests replace it to count or fake spawns.
type StartFunc func(process.Spec) (*process.Process, error)

// Config configures a Registry. Zero durations and limits take the
// package defaults.
type Config struct {
	MaxShells         int
	DefaultMaxRuntime time.Duration
	MaxRuntime        time.Duration
	GracePeriod       time.Duration

	// OutputLimit is the per-shell output ceiling used when a request
	// does not set one; requests may raise it up to MaxOutputLimit.
	OutputLimit    int
	MaxOutputLimit int

	Clock  clock.Clock
	Logger *slog.Logger
	Start  StartFunc

	// OnTerminal is called exactly once per shell, after it reaches a
	// terminal status, from the goroutine that supervised it. It must not
	// call Close.
	OnTerminal func(Summary)
}

const (
	DefaultMaxShells         = 10
	DefaultDefaultMaxRuntime = 30 * time.Minute
	DefaultMaxRuntime        = 2 * time.Hour
	DefaultOutputLimit       = 1 << 20
	DefaultMaxOutputLimit    = 16 << 20
	DefaultGracePeriod       = 2 * time.Second
)

// SpawnRequest describes a shell to start.
type SpawnRequest struct {
	// Command is the original command text, kept for listing and audit.
	Command string
	// Spec is what actually runs, sandboxed or not.
	Spec process.Spec
	// WorkingDir is recorded in summaries.
	WorkingDir string
	Sandboxed  bool
	// MaxRuntime of zero takes the default; larger values are clamped.
	MaxRuntime time.Duration
	// OutputLimit of zero takes the default; larger values are clamped.
	OutputLimit int
}

// Summary describes a shell without consuming its output.
type Summary struct {
	ID           string
	Command      string
	WorkingDir   string
	Status       Status
	Outcome      Outcome
	ExitCode     int
	StartedAt    time.Time
	Elapsed      time.Duration
	MaxRuntime   time.Duration
	OutputBytes  int64
	DroppedBytes int64
	Sandboxed    bool
	// Reason explains a failed-to-wait outcome.
	Reason string
}

// Output is the result of a consuming read.
type Output struct {
	ID      string
	Text    string
	Status  Status
	Outcome Outcome
	// ExitCode is meaningful once Status is not running.
	ExitCode int
	Elapsed  time.Duration
	// Removed reports that the shell was terminal and has been dropped
	// from the registry by this read.
	Removed bool
}

type shell struct {
	id         string
	command    string
	workingDir string
	sandboxed  bool
	startedAt  time.Time
	maxRuntime time.Duration

	proc    *process.Process
	term    *process.Terminator
	timer   *clock.Timer
	out     *accumulator
	status  Status
	outcome Outcome
	code    int
	endedAt time.Time
	reason  string

	timedOut bool
	killed   bool
}

// Registry is a set of background shells keyed by ID. One mutex guards
// the map and every shell's mutable state.
type Registry struct {
	cfg    Config
	clock  clock.Clock
	logger *slog.Logger
	start  StartFunc
	newID  func() string

	mu      sync.Mutex
	shells  map[string]*shell
	pending int
	closed  bool

	wg sync.WaitGroup
}

// NewRegistry returns an empty Registry.
func NewRegistry(cfg Config) *Registry {
	if cfg.MaxShells <= 0 {
		cfg.MaxShells = DefaultMaxShells
	}
	if cfg.DefaultMaxRuntime <= 0 {
		cfg.DefaultMaxRuntime = DefaultDefaultMaxRuntime
	}
	if cfg.MaxRuntime <= 0 {
		cfg.MaxRuntime = DefaultMaxRuntime
	}
	if cfg.DefaultMaxRuntime > cfg.MaxRuntime {
		cfg.DefaultMaxRuntime = cfg.MaxRuntime
	}
	if cfg.OutputLimit <= 0 {
		cfg.OutputLimit = DefaultOutputLimit
	}
	if cfg.MaxOutputLimit <= 0 {
		cfg.MaxOutputLimit = max(DefaultMaxOutputLimit, cfg.OutputLimit)
	}
	if cfg.OutputLimit > cfg.MaxOutputLimit {
		cfg.OutputLimit = cfg.MaxOutputLimit
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	r := &Registry{
		cfg:    cfg,
		clock:  cfg.Clock,
		logger: cfg.Logger,
		start:  cfg.Start,
		newID:  func() string { return ulid.Make().String() },
		shells: make(map[string]*shell),
	}
	if r.clock == nil {
		r.clock = clock.Real()
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.start == nil {
		r.start = process.Start
	}
	return r
}

// Limit returns the maximum number of concurrent shells.
func (r *Registry) Limit() int { return r.cfg.MaxShells }

// Spawn starts req and returns its ID. When the registry is full it first
// drops terminal shells; if it is still full it returns a *CapacityError.
func (r *Registry) Spawn(req SpawnRequest) (string, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return "", ErrClosed
	}
	if len(r.shells)+r.pending >= r.cfg.MaxShells {
		r.cleanupLocked()
	}
	if active := len(r.shells) + r.pending; active >= r.cfg.MaxShells {
		r.mu.Unlock()
		r.logger.Warn("background shell rejected: at capacity", "limit", r.cfg.MaxShells, "command", req.Command)
		return "", &CapacityError{Limit: r.cfg.MaxShells, Active: active}
	}
	// The supervisor is counted before unlocking so that Close waits for a
	// shell that is still starting.
	r.pending++
	r.wg.Add(1)
	r.mu.Unlock()

	proc, err := r.start(req.Spec)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending--
	if err != nil {
		r.wg.Done()
		return "", fmt.Errorf("background: start %q: %w", req.Command, err)
	}

	maxRuntime := req.MaxRuntime
	if maxRuntime <= 0 {
		maxRuntime = r.cfg.DefaultMaxRuntime
	}
	maxRuntime = min(maxRuntime, r.cfg.MaxRuntime)
	limit := req.OutputLimit
	if limit <= 0 {
		limit = r.cfg.OutputLimit
	}
	limit = min(limit, r.cfg.MaxOutputLimit)

	sh := &shell{
		id:         r.newID(),
		command:    req.Command,
		workingDir: req.WorkingDir,
		sandboxed:  req.Sandboxed,
		startedAt:  r.clock.Now(),
		maxRuntime: maxRuntime,
		proc:       proc,
		term:       proc.NewTerminator(r.clock, r.cfg.GracePeriod),
		out:        newAccumulator(limit),
		status:     StatusRunning,
	}
	r.shells[sh.id] = sh
	if r.closed {
		// Close ran while we were starting; do not leak the process.
		delete(r.shells, sh.id)
		sh.killed = true
		sh.term.Terminate()
	} else {
		sh.timer = r.clock.AfterFunc(maxRuntime, func() { r.expire(sh) })
	}

	go r.supervise(sh)
	return sh.id, nil
}

func (r *Registry) expire(sh *shell) {
	r.mu.Lock()
	if sh.status != StatusRunning || sh.killed {
		r.mu.Unlock()
		return
	}
	sh.timedOut = true
	r.mu.Unlock()
	r.logger.Info("background shell reached max runtime", "shell_id", sh.id, "max_runtime", sh.maxRuntime)
	sh.term.Terminate()
}

// supervise feeds the accumulator and finalizes the shell.
func (r *Registry) supervise(sh *shell) {
	defer r.wg.Done()
	for c := range sh.proc.Output() {
		r.mu.Lock()
		sh.out.write(c.Data)
		r.mu.Unlock()
	}
	<-sh.proc.Done()
	exit := sh.proc.Exit()

	r.mu.Lock()
	if sh.timer != nil {
		sh.timer.Stop()
	}
	sh.endedAt = r.clock.Now()
	sh.code = exit.Code
	switch {
	case sh.killed:
		sh.outcome = OutcomeKilled
	case sh.timedOut:
		sh.outcome = OutcomeTimedOut
	case exit.Err != nil:
		sh.outcome = OutcomeFailedToWait
		sh.reason = exit.Err.Error()
	default:
		sh.outcome = OutcomeExited
	}
	if sh.outcome == OutcomeExited && exit.Code == 0 {
		sh.status = StatusCompleted
	} else {
		sh.status = StatusFailed
	}
	summary := sh.summaryLocked(r.clock.Now())
	r.mu.Unlock()

	if r.cfg.OnTerminal != nil {
		r.cfg.OnTerminal(summary)
	}
}

func (sh *shell) summaryLocked(now time.Time) Summary {
	end := now
	if sh.status != StatusRunning {
		end = sh.endedAt
	}
	return Summary{
		ID:           sh.id,
		Command:      sh.command,
		WorkingDir:   sh.workingDir,
		Status:       sh.status,
		Outcome:      sh.outcome,
		ExitCode:     sh.code,
		StartedAt:    sh.startedAt,
		Elapsed:      end.Sub(sh.startedAt),
		MaxRuntime:   sh.maxRuntime,
		OutputBytes:  sh.out.received,
		DroppedBytes: sh.out.dropped,
		Sandboxed:    sh.sandboxed,
		Reason:       sh.reason,
	}
}

// ReadOutput returns the output accumulated since the previous read and
// clears it. With a filter only matching lines are returned, but the whole
// buffer is still consumed. A shell observed in a terminal status is
// removed by the read.
func (r *Registry) ReadOutput(id string, filter *regexp.Regexp) (Output, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sh, ok := r.shells[id]
	if !ok {
		return Output{}, fmt.Errorf("%w: %s", ErrShellNotFound, id)
	}
	text := string(sh.out.take())
	if filter != nil {
		text = filterLines(text, filter)
	}
	now := r.clock.Now()
	s := sh.summaryLocked(now)
	out := Output{
		ID:       id,
		Text:     text,
		Status:   s.Status,
		Outcome:  s.Outcome,
		ExitCode: s.ExitCode,
		Elapsed:  s.Elapsed,
	}
	if sh.status != StatusRunning {
		delete(r.shells, id)
		out.Removed = true
	}
	return out, nil
}

func filterLines(text string, re *regexp.Regexp) string {
	if text == "" {
		return ""
	}
	lines := strings.SplitAfter(text, "\n")
	var b strings.Builder
	for _, l := range lines {
		if l == "" {
			continue
		}
		if re.MatchString(strings.TrimSuffix(l, "\n")) {
			b.WriteString(l)
		}
	}
	return b.String()
}

// Kill starts termination of id and removes it from the registry. It
// returns false when id is unknown.
func (r *Registry) Kill(id string) bool {
	r.mu.Lock()
	sh, ok := r.shells[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.shells, id)
	running := sh.status == StatusRunning
	if running {
		sh.killed = true
	}
	r.mu.Unlock()

	if running {
		r.logger.Info("killing background shell", "shell_id", id, "command", sh.command)
		sh.term.Terminate()
	}
	return true
}

// List returns every tracked shell ordered by ID, which is creation order.
func (r *Registry) List() []Summary {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clock.Now()
	out := make([]Summary, 0, len(r.shells))
	for _, sh := range r.shells {
		out = append(out, sh.summaryLocked(now))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of tracked shells.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.shells)
}

// CleanupCompleted drops every terminal shell, read or not, and returns
// how many were removed.
func (r *Registry) CleanupCompleted() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cleanupLocked()
}

func (r *Registry) cleanupLocked() int {
	n := 0
	for id, sh := range r.shells {
		if sh.status != StatusRunning {
			delete(r.shells, id)
			n++
		}
	}
	return n
}

// Close terminates every running shell, forgets all shells and waits for
// their supervisors to finish. Spawn fails afterwards.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.wg.Wait()
		return
	}
	r.closed = true
	var running []*shell
	for id, sh := range r.shells {
		if sh.status == StatusRunning {
			sh.killed = true
			running = append(running, sh)
		}
		delete(r.shells, id)
	}
	r.mu.Unlock()

	for _, sh := range running {
		sh.term.Terminate()
	}
	r.wg.Wait()
}
