package sandbox

// Namespaces selects which kernel namespaces bwrap unshares.
type Namespaces struct {
	User    bool
	Network bool
	PID     bool
	IPC     bool
	UTS     bool
}

// Mount is a bind mount from a host path to a path inside the sandbox.
type Mount struct {
	Source string
	Dest   string
}

// Bind returns a mount of path onto itself.
func Bind(path string) Mount { return Mount{Source: path, Dest: path} }

// Options describes a sandboxed invocation.
//
// Mounts are applied by bwrap in argument order: ReadOnly, then ReadWrite,
// then Tmpfs, then Overrides. Later mounts shadow earlier ones, so a
// writable bind can sit inside a read-only root and a tmpfs or override
// can hide a path inside a writable bind.
type Options struct {
	Namespaces Namespaces

	// ReadOnly mounts are emitted as --ro-bind SRC DST.
	ReadOnly []Mount

	// ReadWrite mounts are emitted as --bind SRC DST.
	ReadWrite []Mount

	// Tmpfs paths get an empty ephemeral filesystem.
	Tmpfs []string

	// Overrides are read-only binds applied after Tmpfs. They mask single
	// files (Source "/dev/null") or re-protect a path inside a writable
	// bind (Source == Dest).
	Overrides []Mount

	// Proc mounts a fresh procfs at /proc.
	Proc bool

	// Dev mounts a minimal devtmpfs at /dev.
	Dev bool

	// DieWithParent kills the sandbox when the spawning process dies.
	DieWithParent bool

	// NewSession detaches the sandbox from the controlling terminal.
	NewSession bool

	// Chdir is the working directory inside the sandbox.
	Chdir string

	// ClearEnv starts the sandbox with an empty environment.
	ClearEnv bool

	// Env is set inside the sandbox with --setenv, in sorted key order.
	Env map[string]string

	// Command is the program and its arguments.
	Command []string
}

// Clone returns a deep copy of o.
func (o *Options) Clone() *Options {
	if o == nil {
		return nil
	}
	c := *o
	c.ReadOnly = append([]Mount(nil), o.ReadOnly...)
	c.ReadWrite = append([]Mount(nil), o.ReadWrite...)
	c.Tmpfs = append([]string(nil), o.Tmpfs...)
	c.Overrides = append([]Mount(nil), o.Overrides...)
	c.Command = append([]string(nil), o.Command...)
	if o.Env != nil {
		c.Env = make(map[string]string, len(o.Env))
		for k, v := range o.Env {
			c.Env[k] = v
		}
	}
	return &c
}
