package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"time"
)

// trialTimeout bounds the trial bwrap run.
const trialTimeout = 5 * time.Second

// userNamespaceSysctls disable unprivileged user namespaces when they
// contain "0". A missing file does not mean disabled.
var userNamespaceSysctls = []string{
	"/proc/sys/kernel/unprivileged_userns_clone",
	"/proc/sys/user/max_user_namespaces",
}

// Detector reports whether bwrap can run on this host. The first call to any
// method performs the checks; the answer is memoized for the life of the
// Detector.
type Detector struct {
	goos     string
	lookPath func(string) (string, error)
	readFile func(string) ([]byte, error)
	trial    func(ctx context.Context, bwrap string) error

	once      sync.Once
	available bool
	path      string
	reason    string
}

// NewDetector returns a Detector that checks the real host.
func NewDetector() *Detector {
	return &Detector{
		goos:     runtime.GOOS,
		lookPath: exec.LookPath,
		readFile: os.ReadFile,
		trial:    trialBwrap,
	}
}

// StaticDetector returns a Detector with a fixed answer. It is useful for
// hosts where the caller already knows the outcome, and for tests.
func StaticDetector(available bool, path, reason string) *Detector {
	d := &Detector{available: available, path: path, reason: reason}
	d.once.Do(func() {})
	return d
}

// Available reports whether sandboxed execution is possible.
func (d *Detector) Available() bool {
	d.once.Do(d.detect)
	return d.available
}

// Path returns the bwrap executable, or "" when unavailable.
func (d *Detector) Path() string {
	d.once.Do(d.detect)
	return d.path
}

// Reason explains why the sandbox is unavailable, or returns "" when it is
// available.
func (d *Detector) Reason() string {
	d.once.Do(d.detect)
	return d.reason
}

func (d *Detector) detect() {
	if d.goos != "linux" {
		d.reason = fmt.Sprintf("bubblewrap sandbox is not supported on %s", d.goos)
		return
	}
	path, err := d.lookPath("bwrap")
	if err != nil {
		d.reason = "bubblewrap (bwrap) not found in PATH"
		return
	}
	for _, f := range userNamespaceSysctls {
		data, err := d.readFile(f)
		if err == nil && strings.TrimSpace(string(data)) == "0" {
			d.reason = fmt.Sprintf("unprivileged user namespaces are disabled (%s = 0)", f)
			return
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), trialTimeout)
	defer cancel()
	if err := d.trial(ctx, path); err != nil {
		d.reason = fmt.Sprintf("bwrap trial run failed: %v", err)
		return
	}
	d.available = true
	d.path = path
}

// trialBwrap runs "true" in a fresh user namespace.
func trialBwrap(ctx context.Context, bwrap string) error {
	cmd := exec.CommandContext(ctx, bwrap, "--unshare-user", "--ro-bind", "/", "/", "--", "true")
	out, err := cmd.CombinedOutput()
	if err != nil {
		if msg := strings.TrimSpace(string(out)); msg != "" {
			return errors.New(msg)
		}
		return err
	}
	return nil
}
