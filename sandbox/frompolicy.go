package sandbox

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"slices"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/zhangyunhao116/agentexec/internal/pathutil"
	"github.com/zhangyunhao116/agentexec/policy"
)

// maxGlobMasks caps how many paths a single glob deny rule may expand to.
const maxGlobMasks = 256

var errGlobCap = errors.New("sandbox: glob expansion cap reached")

// Layout names the host directories an invocation runs against.
type Layout struct {
	WorkDir string
	TempDir string
	Home    string
}

// FromPolicy derives sandbox Options from filesystem and network policy.
//
// The host root is bound read-only. Writable literal allow rules whose
// targets exist, plus WorkDir and TempDir when the policy lets them be
// written, are bound read-write. Existing deny targets that cover reads
// are hidden: directories behind an empty tmpfs and files behind
// /dev/null. Deny targets that only cover writes are re-bound read-only.
// Glob deny rules are expanded against the filesystem unless their
// literal base is "/". The network namespace is unshared when net can
// never allow a request. User, PID, IPC and UTS namespaces are always
// unshared. The returned Options have no Command.
func FromPolicy(fsp *policy.FilesystemPolicy, net *policy.NetworkPolicy, layout Layout) (*Options, error) {
	opts := &Options{
		Namespaces: Namespaces{
			User:    true,
			Network: !net.PermitsAny(),
			PID:     true,
			IPC:     true,
			UTS:     true,
		},
		ReadOnly:      []Mount{Bind("/")},
		Proc:          true,
		Dev:           true,
		DieWithParent: true,
		NewSession:    true,
	}

	seen := map[string]bool{}
	addWritable := func(p string) {
		if p == "" || seen[p] {
			return
		}
		if _, err := os.Stat(p); err != nil {
			return
		}
		seen[p] = true
		opts.ReadWrite = append(opts.ReadWrite, Bind(p))
	}
	for _, r := range fsp.AllowRules() {
		if r.Ops&policy.OpWrite != 0 && !pathutil.IsGlobPattern(r.Pattern) {
			addWritable(r.Pattern)
		}
	}
	for _, dir := range []string{layout.WorkDir, layout.TempDir} {
		if dir == "" {
			continue
		}
		norm, err := pathutil.Normalize(dir)
		if err != nil {
			return nil, err
		}
		if fsp.Allows(norm, policy.OpWrite) {
			addWritable(norm)
		}
	}

	masked := map[string]bool{}
	for _, r := range fsp.DenyRules() {
		targets, err := expandDeny(r.Pattern)
		if err != nil {
			return nil, err
		}
		for _, t := range targets {
			if masked[t] {
				continue
			}
			info, err := os.Stat(t)
			if err != nil {
				continue
			}
			masked[t] = true
			switch {
			case r.Ops&policy.OpRead == 0:
				opts.Overrides = append(opts.Overrides, Bind(t))
			case info.IsDir():
				opts.Tmpfs = append(opts.Tmpfs, t)
			default:
				opts.Overrides = append(opts.Overrides, Mount{Source: os.DevNull, Dest: t})
			}
		}
	}

	if layout.WorkDir != "" {
		wd, err := pathutil.Normalize(layout.WorkDir)
		if err != nil {
			return nil, err
		}
		opts.Chdir = wd
	}
	if layout.Home != "" {
		opts.Env = map[string]string{"HOME": layout.Home}
	}
	return opts, nil
}

// expandDeny returns the concrete paths a deny pattern names.
func expandDeny(pattern string) ([]string, error) {
	if !pathutil.IsGlobPattern(pattern) {
		return []string{pattern}, nil
	}
	base, rest := doublestar.SplitPattern(pattern)
	if base == "/" {
		return nil, nil
	}
	var out []string
	err := doublestar.GlobWalk(os.DirFS(base), rest, func(p string, _ fs.DirEntry) error {
		out = append(out, filepath.Join(base, filepath.FromSlash(p)))
		if len(out) >= maxGlobMasks {
			return errGlobCap
		}
		return nil
	})
	if err != nil && !errors.Is(err, errGlobCap) && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	slices.Sort(out)
	return out, nil
}
