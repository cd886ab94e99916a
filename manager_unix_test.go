//go:build unix

package agentexec

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/zhangyunhao116/agentexec/audit"
	"github.com/zhangyunhao116/agentexec/background"
	"github.com/zhangyunhao116/agentexec/policy"
	"github.com/zhangyunhao116/agentexec/process"
	"github.com/zhangyunhao116/agentexec/sandbox"
)

// withDetector replaces the sandbox detector for the duration of the test.
func withDetector(t *testing.T, d detector) {
	t.Helper()
	orig := detectSandboxFn
	detectSandboxFn = func() detector { return d }
	t.Cleanup(func() { detectSandboxFn = orig })
}

// withStart replaces the process starter for the duration of the test.
func withStart(t *testing.T, fn background.StartFunc) {
	t.Helper()
	orig := startFn
	startFn = fn
	t.Cleanup(func() { startFn = orig })
}

// spawnSpy counts starts and records their specs. When fail is set it
// returns an error instead of starting anything.
type spawnSpy struct {
	mu    sync.Mutex
	specs []process.Spec
	fail  error
	count atomic.Int32
}

func (s *spawnSpy) start(spec process.Spec) (*process.Process, error) {
	s.count.Add(1)
	s.mu.Lock()
	s.specs = append(s.specs, spec)
	s.mu.Unlock()
	if s.fail != nil {
		return nil, s.fail
	}
	return process.Start(spec)
}

func (s *spawnSpy) last() process.Spec {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.specs) == 0 {
		return process.Spec{}
	}
	return s.specs[len(s.specs)-1]
}

// newTestManager returns a manager that never finds bwrap.
func newTestManager(t *testing.T, cfg *Config) *manager {
	t.Helper()
	return newTestManagerWith(t, cfg, sandbox.StaticDetector(false, "", "disabled in tests"))
}

func newTestManagerWith(t *testing.T, cfg *Config, d detector) *manager {
	t.Helper()
	withDetector(t, d)
	if cfg == nil {
		cfg = DefaultConfig()
	}
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	m, err := newManager(cfg)
	if err != nil {
		t.Fatalf("newManager() error: %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestExecEcho(t *testing.T) {
	m := newTestManager(t, nil)

	res, err := m.Exec(context.Background(), "echo hello", WithWorkingDir(t.TempDir()))
	if err != nil {
		t.Fatalf("Exec() error: %v", err)
	}
	if res.Status != StatusSuccess || !res.Success() {
		t.Fatalf("Status = %v (%s), want success", res.Status, res.Reason)
	}
	if !strings.Contains(res.Output, "hello") {
		t.Errorf("Output = %q, want it to contain hello", res.Output)
	}
	if res.ExitCode != 0 || res.Sandboxed || res.Truncated {
		t.Errorf("unexpected result %+v", res)
	}
	if res.OutputBytes != len("hello\n") {
		t.Errorf("OutputBytes = %d, want %d", res.OutputBytes, len("hello\n"))
	}

	recs := m.AuditRecords(audit.Filter{})
	if len(recs) != 1 {
		t.Fatalf("got %d audit records, want 1", len(recs))
	}
	if r := recs[0]; !r.Success || r.Status != audit.StatusSuccess || r.Command != "echo hello" || r.Background {
		t.Errorf("audit record = %+v", r)
	}
}

func TestExecTimeout(t *testing.T) {
	m := newTestManager(t, nil)

	res, err := m.Exec(context.Background(), "sleep 5", WithTimeout(1000*time.Millisecond))
	if err != nil {
		t.Fatalf("Exec() error: %v", err)
	}
	if res.Status != StatusTimedOut || res.Success() {
		t.Fatalf("Status = %v, want timed-out", res.Status)
	}
	if res.Duration < 900*time.Millisecond || res.Duration > 3*time.Second {
		t.Errorf("Duration = %v, want about 1s", res.Duration)
	}
	if !strings.Contains(res.Reason, "timed out") {
		t.Errorf("Reason = %q", res.Reason)
	}
	recs := m.AuditRecords(audit.Filter{Status: audit.StatusTimedOut})
	if len(recs) != 1 || recs[0].Success {
		t.Errorf("timed-out audit records = %+v", recs)
	}
}

func TestExecTimeoutEscalates(t *testing.T) {
	cfg := DefaultConfig()
	cfg.GracePeriod = 300 * time.Millisecond
	m := newTestManager(t, cfg)

	start := time.Now()
	res, err := m.Exec(context.Background(), "trap '' TERM; sleep 5", WithTimeout(200*time.Millisecond))
	if err != nil {
		t.Fatalf("Exec() error: %v", err)
	}
	if res.Status != StatusTimedOut {
		t.Fatalf("Status = %v, want timed-out", res.Status)
	}
	if d := time.Since(start); d > 3*time.Second {
		t.Errorf("took %v, want about timeout + grace period", d)
	}
}

func TestExecTimeoutKillsDescendants(t *testing.T) {
	cfg := DefaultConfig()
	cfg.GracePeriod = 300 * time.Millisecond
	m := newTestManager(t, cfg)
	pidfile := filepath.Join(t.TempDir(), "pid")

	start := time.Now()
	res, err := m.Exec(context.Background(),
		"(trap '' TERM; exec sleep 30) & echo $! > "+pidfile+"; wait",
		WithTimeout(300*time.Millisecond))
	if err != nil {
		t.Fatalf("Exec() error: %v", err)
	}
	if res.Status != StatusTimedOut {
		t.Fatalf("Status = %v, want timed-out", res.Status)
	}
	if d := time.Since(start); d > 1500*time.Millisecond {
		t.Errorf("took %v, want about timeout + grace period", d)
	}

	data, err := os.ReadFile(pidfile)
	if err != nil {
		t.Fatal(err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		t.Fatalf("pid file %q: %v", data, err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for syscall.Kill(pid, 0) == nil {
		if time.Now().After(deadline) {
			syscall.Kill(pid, syscall.SIGKILL)
			t.Fatalf("descendant %d survived the timeout", pid)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestExecTimeoutClamped(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DefaultTimeout = 200 * time.Millisecond
	cfg.MaxTimeout = 200 * time.Millisecond
	m := newTestManager(t, cfg)

	res, err := m.Exec(context.Background(), "sleep 5", WithTimeout(time.Hour))
	if err != nil {
		t.Fatalf("Exec() error: %v", err)
	}
	if res.Status != StatusTimedOut || res.Duration > 3*time.Second {
		t.Errorf("Status = %v Duration = %v, want timed-out quickly", res.Status, res.Duration)
	}
}

func TestExecBlockedNeverSpawns(t *testing.T) {
	spy := &spawnSpy{}
	withStart(t, spy.start)
	m := newTestManager(t, nil)

	for _, cmd := range []string{"rm -rf /", "mkfs.ext4 /dev/sda1", ":(){ :|:& };:", "dd if=/dev/zero of=/dev/sda"} {
		res, err := m.Exec(context.Background(), cmd)
		if !errors.Is(err, ErrPolicyViolation) {
			t.Fatalf("Exec(%q) error = %v, want ErrPolicyViolation", cmd, err)
		}
		var pv *PolicyViolationError
		if !errors.As(err, &pv) || pv.Kind != ViolationCommand || pv.Rule == "" {
			t.Errorf("Exec(%q) error = %#v, want a command violation", cmd, err)
		}
		if res == nil || res.Status != StatusBlocked || res.Success() {
			t.Fatalf("Exec(%q) result = %+v, want blocked", cmd, res)
		}
		if !strings.Contains(res.Reason, "security policy") {
			t.Errorf("Reason = %q, want it to mention the security block", res.Reason)
		}
	}
	if n := spy.count.Load(); n != 0 {
		t.Errorf("spawned %d processes for blocked commands", n)
	}

	recs := m.AuditRecords(audit.Filter{})
	if len(recs) != 4 {
		t.Fatalf("got %d audit records, want 4", len(recs))
	}
	for _, r := range recs {
		if r.Status != audit.StatusBlocked || r.Success || r.Duration != 0 {
			t.Errorf("audit record = %+v, want a blocked record with no spawn", r)
		}
	}
	if st := m.AuditStats(); st.Blocked != 4 || st.Total != 4 {
		t.Errorf("stats = %+v", st)
	}
}

func TestExecWarningStillRuns(t *testing.T) {
	m := newTestManager(t, nil)
	dir := t.TempDir()

	res, err := m.Exec(context.Background(), "rm -rf "+filepath.Join(dir, "nothing"), WithWorkingDir(dir))
	if err != nil {
		t.Fatalf("Exec() error: %v", err)
	}
	if res.Status != StatusSuccess || res.Warning == "" {
		t.Errorf("result = %+v, want success with a warning", res)
	}
}

func TestExecWorkingDirDenied(t *testing.T) {
	allowed := t.TempDir()
	other := t.TempDir()
	fsp, err := policy.NewFilesystemPolicy(policy.Deny, []policy.PathRule{{Pattern: allowed}}, nil)
	if err != nil {
		t.Fatal(err)
	}
	spy := &spawnSpy{}
	withStart(t, spy.start)
	cfg := DefaultConfig()
	cfg.Filesystem = fsp
	m := newTestManager(t, cfg)

	res, err := m.Exec(context.Background(), "pwd", WithWorkingDir(other))
	var pv *PolicyViolationError
	if !errors.As(err, &pv) || pv.Kind != ViolationFilesystem {
		t.Fatalf("Exec() error = %v, want a filesystem violation", err)
	}
	if res.Status != StatusBlocked || spy.count.Load() != 0 {
		t.Errorf("result = %+v spawns = %d", res, spy.count.Load())
	}

	res, err = m.Exec(context.Background(), "pwd", WithWorkingDir(allowed))
	if err != nil || res.Status != StatusSuccess {
		t.Errorf("allowed dir: result = %+v err = %v", res, err)
	}
}

func TestExecStdoutAndStderr(t *testing.T) {
	m := newTestManager(t, nil)

	res, err := m.Exec(context.Background(), "echo out; echo err 1>&2; exit 3")
	if err != nil {
		t.Fatalf("Exec() error: %v", err)
	}
	if res.Status != StatusFailure || res.ExitCode != 3 {
		t.Errorf("Status = %v ExitCode = %d, want failure 3", res.Status, res.ExitCode)
	}
	if want := "out\n\nSTDERR:\nerr\n"; res.Output != want {
		t.Errorf("Output = %q, want %q", res.Output, want)
	}
}

func TestExecEnvOverlay(t *testing.T) {
	m := newTestManager(t, nil)

	res, err := m.Exec(context.Background(), `printf %s "$AGENTEXEC_TEST_VAR"`, WithEnv("AGENTEXEC_TEST_VAR", "overlay"))
	if err != nil {
		t.Fatalf("Exec() error: %v", err)
	}
	if res.Output != "overlay" {
		t.Errorf("Output = %q, want %q", res.Output, "overlay")
	}
}

func TestExecTruncatesHeadAndTail(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxOutputBytes = 100
	m := newTestManager(t, cfg)

	script := `i=0; while [ $i -lt 50 ]; do echo 0123456789abcdefghi; i=$((i+1)); done`
	res, err := m.Exec(context.Background(), script)
	if err != nil {
		t.Fatalf("Exec() error: %v", err)
	}
	if !res.Truncated || res.OutputBytes != 1000 {
		t.Fatalf("Truncated = %v OutputBytes = %d, want true 1000", res.Truncated, res.OutputBytes)
	}
	if !strings.Contains(res.Output, "[900 bytes truncated]") {
		t.Errorf("Output = %q, want a truncation marker", res.Output)
	}
	if !strings.HasPrefix(res.Output, "0123456789") || !strings.HasSuffix(res.Output, "abcdefghi\n") {
		t.Errorf("Output = %q, want head and tail kept", res.Output)
	}
}

func TestExecSpawnFailure(t *testing.T) {
	m := newTestManager(t, nil)
	missing := filepath.Join(t.TempDir(), "missing")

	res, err := m.Exec(context.Background(), "echo hi", WithWorkingDir(filepath.Join(missing, "deeper")))
	if err != nil {
		t.Fatalf("Exec() error = %v, want nil", err)
	}
	if res.Status != StatusSpawnFailed || res.ExitCode != -1 {
		t.Fatalf("result = %+v, want spawn-failed", res)
	}
	var se *SpawnError
	if !errors.Is(res.Err, ErrSpawnFailed) || !errors.As(res.Err, &se) || se.Command != "echo hi" {
		t.Errorf("Err = %v, want a *SpawnError", res.Err)
	}
	if want := missing + " does not exist"; !strings.Contains(res.Reason, want) {
		t.Errorf("Reason = %q, want it to contain %q", res.Reason, want)
	}
	recs := m.AuditRecords(audit.Filter{Status: audit.StatusSpawnFailed})
	if len(recs) != 1 {
		t.Errorf("got %d spawn-failed records, want 1", len(recs))
	}
}

func TestExecContextCancelKills(t *testing.T) {
	m := newTestManager(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(200*time.Millisecond, cancel)

	res, err := m.Exec(ctx, "sleep 5")
	if err != nil {
		t.Fatalf("Exec() error: %v", err)
	}
	if res.Status != StatusKilled {
		t.Errorf("Status = %v, want killed", res.Status)
	}
	if res.Duration > 3*time.Second {
		t.Errorf("Duration = %v", res.Duration)
	}
}

func TestExecEmptyCommand(t *testing.T) {
	m := newTestManager(t, nil)
	res, err := m.Exec(context.Background(), "   ")
	if !errors.Is(err, ErrEmptyCommand) || res != nil {
		t.Errorf("Exec(blank) = %v, %v; want nil, ErrEmptyCommand", res, err)
	}
}

func TestSandboxFallback(t *testing.T) {
	spy := &spawnSpy{}
	withStart(t, spy.start)
	m := newTestManager(t, nil)

	res, err := m.Exec(context.Background(), "echo fallback")
	if err != nil {
		t.Fatalf("Exec() error: %v", err)
	}
	if res.Sandboxed || res.Status != StatusSuccess {
		t.Errorf("result = %+v, want an unsandboxed success", res)
	}
	if argv := spy.last().Argv; len(argv) == 0 || argv[0] != defaultShell {
		t.Errorf("argv = %q, want a direct shell", argv)
	}
	if m.SandboxAvailable() {
		t.Error("SandboxAvailable() = true")
	}
}

func TestSandboxLock(t *testing.T) {
	const bwrap = "/opt/test/bwrap"
	spy := &spawnSpy{fail: errors.New("spy: not started")}
	withStart(t, spy.start)

	var adminLock atomic.Bool
	cfg := DefaultConfig()
	cfg.PolicyLock = adminLock.Load
	m := newTestManagerWith(t, cfg, sandbox.StaticDetector(true, bwrap, ""))
	dir := t.TempDir()

	run := func() (*Result, []string) {
		t.Helper()
		res, err := m.Run(context.Background(), Request{Command: "echo x", DisableSandbox: true, WorkingDir: dir})
		if err != nil {
			t.Fatalf("Run() error: %v", err)
		}
		return res, spy.last().Argv
	}

	res, argv := run()
	if res.Sandboxed || argv[0] != defaultShell {
		t.Errorf("unlocked: sandboxed = %v argv = %q, want direct execution", res.Sandboxed, argv)
	}

	adminLock.Store(true)
	res, argv = run()
	if !res.Sandboxed || argv[0] != bwrap {
		t.Errorf("admin lock: sandboxed = %v argv = %q, want bwrap", res.Sandboxed, argv)
	}
	if res.Status != StatusSpawnFailed {
		t.Errorf("Status = %v, want spawn-failed from the spy", res.Status)
	}
	if tail := argv[len(argv)-4:]; !slices.Equal(tail, []string{"--", defaultShell, "-c", "echo x"}) {
		t.Errorf("argv tail = %q", tail)
	}
	if !slices.Contains(argv, "--unshare-net") {
		t.Errorf("argv = %q, want the network unshared by default", argv)
	}

	adminLock.Store(false)
	locked := DefaultConfig()
	locked.Sandbox.Locked = true
	if err := m.UpdateConfig(locked); err != nil {
		t.Fatal(err)
	}
	if res, argv = run(); !res.Sandboxed || argv[0] != bwrap {
		t.Errorf("config lock: sandboxed = %v argv = %q", res.Sandboxed, argv)
	}

	// A later update cannot clear the lock.
	if err := m.UpdateConfig(DefaultConfig()); err != nil {
		t.Fatal(err)
	}
	if res, argv = run(); !res.Sandboxed || argv[0] != bwrap {
		t.Errorf("after unlock attempt: sandboxed = %v argv = %q", res.Sandboxed, argv)
	}
}

func TestSandboxInvocation(t *testing.T) {
	m := newTestManagerWith(t, nil, sandbox.StaticDetector(true, "/usr/bin/bwrap", ""))
	dir := t.TempDir()

	req := Request{Command: "make test", WorkingDir: dir, Env: map[string]string{"CI": "1"}}
	inv, err := m.SandboxInvocation(req)
	if err != nil {
		t.Fatalf("SandboxInvocation() error: %v", err)
	}
	if inv == nil || inv.Path != "/usr/bin/bwrap" {
		t.Fatalf("invocation = %+v", inv)
	}
	again, err := m.SandboxInvocation(req)
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(inv.Args, again.Args) {
		t.Errorf("invocation is not deterministic:\n%q\n%q", inv.Args, again.Args)
	}
	s := inv.String()
	for _, want := range []string{"--ro-bind / /", "--chdir", "--setenv CI 1", "--die-with-parent"} {
		if !strings.Contains(s, want) {
			t.Errorf("invocation %s missing %q", s, want)
		}
	}

	if _, err := m.SandboxInvocation(Request{Command: "rm -rf /"}); !errors.Is(err, ErrPolicyViolation) {
		t.Errorf("blocked command error = %v", err)
	}
	if n := len(m.AuditRecords(audit.Filter{})); n != 0 {
		t.Errorf("SandboxInvocation wrote %d audit records", n)
	}
}

func TestSandboxInvocationRequestTempDir(t *testing.T) {
	m := newTestManagerWith(t, nil, sandbox.StaticDetector(true, "/usr/bin/bwrap", ""))
	scratch := filepath.Join(t.TempDir(), "scratch")
	if err := os.Mkdir(scratch, 0o755); err != nil {
		t.Fatal(err)
	}
	scratch, err := filepath.EvalSymlinks(scratch)
	if err != nil {
		t.Fatal(err)
	}
	hasBind := func(args []string) bool {
		for i := 0; i+2 < len(args); i++ {
			if args[i] == "--bind" && args[i+1] == scratch && args[i+2] == scratch {
				return true
			}
		}
		return false
	}

	for _, tt := range []struct {
		name string
		env  map[string]string
		want bool
	}{
		{"request TMPDIR", map[string]string{"TMPDIR": scratch}, true},
		{"relative TMPDIR ignored", map[string]string{"TMPDIR": "scratch"}, false},
		{"no TMPDIR", nil, false},
	} {
		t.Run(tt.name, func(t *testing.T) {
			inv, err := m.SandboxInvocation(Request{Command: "true", WorkingDir: t.TempDir(), Env: tt.env})
			if err != nil {
				t.Fatal(err)
			}
			if got := hasBind(inv.Args); got != tt.want {
				t.Errorf("writable bind of %s = %v, want %v: %q", scratch, got, tt.want, inv.Args)
			}
		})
	}
}

func TestBackgroundThroughManager(t *testing.T) {
	m := newTestManager(t, nil)

	id, err := m.SpawnBackground(context.Background(), Request{Command: "echo bg; echo more"})
	if err != nil {
		t.Fatalf("SpawnBackground() error: %v", err)
	}
	if len(id) != 26 {
		t.Errorf("id %q is not a ULID", id)
	}

	var text strings.Builder
	deadline := time.Now().Add(10 * time.Second)
	for {
		out, err := m.ReadBackgroundOutput(id, nil)
		if err != nil {
			t.Fatalf("ReadBackgroundOutput() error: %v", err)
		}
		text.WriteString(out.Text)
		if out.Removed {
			if out.Status != background.StatusCompleted || out.ExitCode != 0 {
				t.Errorf("final output = %+v", out)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("shell never finished")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if text.String() != "bg\nmore\n" {
		t.Errorf("text = %q", text.String())
	}
	if _, err := m.ReadBackgroundOutput(id, nil); !errors.Is(err, ErrShellNotFound) {
		t.Errorf("read after removal = %v, want ErrShellNotFound", err)
	}

	if err := m.Close(); err != nil {
		t.Fatal(err)
	}
	recs := m.AuditRecords(audit.Filter{Background: ptr(true)})
	if len(recs) != 1 || recs[0].ShellID != id || recs[0].Status != audit.StatusSuccess {
		t.Errorf("background audit records = %+v", recs)
	}
}

func TestBackgroundCapacity(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Background.MaxShells = 2
	cfg.GracePeriod = 200 * time.Millisecond
	m := newTestManager(t, cfg)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 2; i++ {
		id, err := m.SpawnBackground(ctx, Request{Command: "sleep 30"})
		if err != nil {
			t.Fatalf("spawn %d: %v", i, err)
		}
		ids = append(ids, id)
	}
	_, err := m.SpawnBackground(ctx, Request{Command: "sleep 30"})
	var ce *CapacityError
	if !errors.As(err, &ce) || !errors.Is(err, ErrCapacityExceeded) || ce.Limit != 2 {
		t.Fatalf("third spawn error = %v, want a capacity error", err)
	}

	if !m.KillBackground(ids[0]) {
		t.Fatal("KillBackground() = false")
	}
	if _, err := m.SpawnBackground(ctx, Request{Command: "sleep 30"}); err != nil {
		t.Errorf("spawn after kill: %v", err)
	}
	if n := len(m.ListBackground()); n != 2 {
		t.Errorf("ListBackground() has %d shells, want 2", n)
	}

	if err := m.Close(); err != nil {
		t.Fatal(err)
	}
	if st := m.AuditStats(); st.Killed != 3 || st.Background != 3 {
		t.Errorf("stats after close = %+v, want 3 killed background records", st)
	}
}

func TestBackgroundBlocked(t *testing.T) {
	spy := &spawnSpy{}
	withStart(t, spy.start)
	m := newTestManager(t, nil)

	res, err := m.Run(context.Background(), Request{Command: "rm -rf /", Background: true})
	if !errors.Is(err, ErrPolicyViolation) || res.Status != StatusBlocked {
		t.Fatalf("Run() = %+v, %v", res, err)
	}
	if spy.count.Load() != 0 || len(m.ListBackground()) != 0 {
		t.Error("blocked background command was spawned")
	}
	if recs := m.AuditRecords(audit.Filter{}); len(recs) != 1 || !recs[0].Background {
		t.Errorf("audit records = %+v", recs)
	}
}

func TestManagerClosed(t *testing.T) {
	m := newTestManager(t, nil)
	if err := m.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Errorf("second Close() = %v, want nil", err)
	}
	if _, err := m.Exec(context.Background(), "echo hi"); !errors.Is(err, ErrManagerClosed) {
		t.Errorf("Exec after Close = %v", err)
	}
	if _, err := m.Check(context.Background(), "echo hi"); !errors.Is(err, ErrManagerClosed) {
		t.Errorf("Check after Close = %v", err)
	}
	if _, err := m.SpawnBackground(context.Background(), Request{Command: "echo hi"}); !errors.Is(err, ErrManagerClosed) {
		t.Errorf("SpawnBackground after Close = %v", err)
	}
	if err := m.UpdateConfig(DefaultConfig()); !errors.Is(err, ErrManagerClosed) {
		t.Errorf("UpdateConfig after Close = %v", err)
	}
}

func TestNewManagerErrors(t *testing.T) {
	if _, err := NewManager(nil); !errors.Is(err, ErrConfigInvalid) {
		t.Errorf("NewManager(nil) = %v", err)
	}
	cfg := DefaultConfig()
	cfg.Sandbox.Shell = "/nonexistent/shell"
	if _, err := NewManager(cfg); !errors.Is(err, ErrConfigInvalid) {
		t.Errorf("NewManager(missing shell) = %v", err)
	}
}

func TestConfigCopiedOnCreate(t *testing.T) {
	cfg := DefaultConfig()
	m := newTestManager(t, cfg)
	cfg.MaxOutputBytes = 1
	res, err := m.Exec(context.Background(), "echo hello")
	if err != nil {
		t.Fatal(err)
	}
	if res.Truncated {
		t.Error("mutating the caller's Config affected the manager")
	}
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	cfg := DefaultConfig()
	cfg.MetricsRegisterer = reg
	m := newTestManager(t, cfg)

	if _, err := m.Exec(context.Background(), "true"); err != nil {
		t.Fatal(err)
	}
	_, _ = m.Exec(context.Background(), "rm -rf /")

	if got := testutil.ToFloat64(m.metrics.executions.WithLabelValues(modeForeground, string(StatusSuccess))); got != 1 {
		t.Errorf("success executions = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.metrics.blocked.WithLabelValues(string(ViolationCommand))); got != 1 {
		t.Errorf("blocked = %v, want 1", got)
	}
	if got := testutil.CollectAndCount(m.metrics.duration); got != 1 {
		t.Errorf("duration series = %d, want 1", got)
	}

	// A second manager on the same registerer shares the collectors.
	cfg2 := DefaultConfig()
	cfg2.MetricsRegisterer = reg
	m2 := newTestManager(t, cfg2)
	if m2.metrics.executions != m.metrics.executions {
		t.Error("second manager did not reuse the registered collectors")
	}
}

func TestConvenienceExec(t *testing.T) {
	withDetector(t, sandbox.StaticDetector(false, "", "disabled in tests"))
	res, err := Exec(context.Background(), "echo convenience", WithTimeout(5*time.Second))
	if err != nil {
		t.Fatalf("Exec() error: %v", err)
	}
	if !strings.Contains(res.Output, "convenience") {
		t.Errorf("Output = %q", res.Output)
	}
}

func ptr[T any](v T) *T { return &v }
