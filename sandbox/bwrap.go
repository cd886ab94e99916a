package sandbox

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"mvdan.cc/sh/v3/syntax"
)

// ErrInvalidOptions wraps every BuildInvocation validation failure.
var ErrInvalidOptions = errors.New("sandbox: invalid options")

// BuildInvocation returns the bwrap arguments (without the bwrap path
// itself) for opts. The flag order is fixed:
//
//	--unshare-user --unshare-net --unshare-pid --unshare-ipc --unshare-uts
//	--ro-bind SRC DST ...   --bind SRC DST ...   --tmpfs PATH ...
//	--ro-bind SRC DST ... (overrides)
//	--proc /proc --dev /dev --die-with-parent --new-session
//	--chdir DIR --clearenv --setenv KEY VALUE ... -- COMMAND ARGS...
func BuildInvocation(opts *Options) ([]string, error) {
	if opts == nil {
		return nil, fmt.Errorf("%w: nil options", ErrInvalidOptions)
	}
	if len(opts.Command) == 0 || opts.Command[0] == "" {
		return nil, fmt.Errorf("%w: command is required", ErrInvalidOptions)
	}

	args := make([]string, 0, 16+2*len(opts.Env)+len(opts.Command))

	ns := opts.Namespaces
	for _, f := range []struct {
		on   bool
		flag string
	}{
		{ns.User, "--unshare-user"},
		{ns.Network, "--unshare-net"},
		{ns.PID, "--unshare-pid"},
		{ns.IPC, "--unshare-ipc"},
		{ns.UTS, "--unshare-uts"},
	} {
		if f.on {
			args = append(args, f.flag)
		}
	}

	var err error
	if args, err = appendMounts(args, "--ro-bind", opts.ReadOnly); err != nil {
		return nil, err
	}
	if args, err = appendMounts(args, "--bind", opts.ReadWrite); err != nil {
		return nil, err
	}
	for _, p := range opts.Tmpfs {
		if err := checkPath("tmpfs", p); err != nil {
			return nil, err
		}
		args = append(args, "--tmpfs", p)
	}
	if args, err = appendMounts(args, "--ro-bind", opts.Overrides); err != nil {
		return nil, err
	}

	if opts.Proc {
		args = append(args, "--proc", "/proc")
	}
	if opts.Dev {
		args = append(args, "--dev", "/dev")
	}
	if opts.DieWithParent {
		args = append(args, "--die-with-parent")
	}
	if opts.NewSession {
		args = append(args, "--new-session")
	}
	if opts.Chdir != "" {
		if err := checkPath("chdir", opts.Chdir); err != nil {
			return nil, err
		}
		args = append(args, "--chdir", opts.Chdir)
	}
	if opts.ClearEnv {
		args = append(args, "--clearenv")
	}

	keys := make([]string, 0, len(opts.Env))
	for k := range opts.Env {
		if k == "" || strings.ContainsAny(k, "=\x00") {
			return nil, fmt.Errorf("%w: invalid environment key %q", ErrInvalidOptions, k)
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "--setenv", k, opts.Env[k])
	}

	args = append(args, "--")
	args = append(args, opts.Command...)
	return args, nil
}

func appendMounts(args []string, flag string, mounts []Mount) ([]string, error) {
	for _, m := range mounts {
		if err := checkPath(flag+" source", m.Source); err != nil {
			return nil, err
		}
		if err := checkPath(flag+" destination", m.Dest); err != nil {
			return nil, err
		}
		args = append(args, flag, m.Source, m.Dest)
	}
	return args, nil
}

func checkPath(what, p string) error {
	switch {
	case p == "":
		return fmt.Errorf("%w: empty %s", ErrInvalidOptions, what)
	case strings.ContainsRune(p, '\x00'):
		return fmt.Errorf("%w: %s %q contains a null byte", ErrInvalidOptions, what, p)
	case !filepath.IsAbs(p):
		return fmt.Errorf("%w: %s %q must be absolute", ErrInvalidOptions, what, p)
	}
	return nil
}

// Invocation is a ready-to-run bwrap command line.
type Invocation struct {
	// Path is the bwrap executable.
	Path string
	// Args are the arguments following Path.
	Args []string
}

// NewInvocation builds an Invocation for the bwrap binary at path.
func NewInvocation(path string, opts *Options) (*Invocation, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: empty bwrap path", ErrInvalidOptions)
	}
	args, err := BuildInvocation(opts)
	if err != nil {
		return nil, err
	}
	return &Invocation{Path: path, Args: args}, nil
}

// Argv returns Path followed by Args.
func (inv *Invocation) Argv() []string {
	return append([]string{inv.Path}, inv.Args...)
}

// String renders the invocation as a bash-quoted command line for logs and
// debugging.
func (inv *Invocation) String() string {
	argv := inv.Argv()
	quoted := make([]string, len(argv))
	for i, a := range argv {
		q, err := syntax.Quote(a, syntax.LangBash)
		if err != nil {
			// Only strings with null bytes fail to quote.
			q = fmt.Sprintf("%q", a)
		}
		quoted[i] = q
	}
	return strings.Join(quoted, " ")
}
