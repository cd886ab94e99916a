package agentexec

import (
	"maps"
	"time"
)

// Request describes one execution. It is copied on submission.
type Request struct {
	// Command is shell command text, run with the configured shell's -c.
	Command string

	// Timeout bounds a foreground run. Zero means Config.DefaultTimeout;
	// larger values are clamped to Config.MaxTimeout.
	Timeout time.Duration

	// Background registers the command as a background shell instead of
	// waiting for it.
	Background bool

	// DisableSandbox asks for direct execution. It is ignored while the
	// sandbox is locked.
	DisableSandbox bool

	// WorkingDir is the directory the command runs in. If empty, the
	// manager's current directory is used.
	WorkingDir string

	// Env overlays the inherited environment.
	Env map[string]string

	// MaxRuntime bounds a background shell. Zero means
	// Config.Background.DefaultMaxRuntime.
	MaxRuntime time.Duration

	// OutputLimit is the background output ceiling in bytes. Zero means
	// Config.Background.OutputLimit.
	OutputLimit int
}

func (r Request) clone() Request {
	r.Env = maps.Clone(r.Env)
	return r
}

// Option configures a single Exec call.
type Option func(*Request)

// WithTimeout sets a timeout for a single call. If the command does not
// complete within the timeout, it is terminated and the result status is
// StatusTimedOut.
func WithTimeout(d time.Duration) Option {
	return func(r *Request) {
		r.Timeout = d
	}
}

// WithWorkingDir sets the working directory for a single call.
func WithWorkingDir(dir string) Option {
	return func(r *Request) {
		r.WorkingDir = dir
	}
}

// WithEnv adds an environment variable for a single call.
func WithEnv(key, value string) Option {
	return func(r *Request) {
		if r.Env == nil {
			r.Env = make(map[string]string)
		}
		r.Env[key] = value
	}
}

// WithoutSandbox asks for direct execution. It has no effect while the
// sandbox is locked.
func WithoutSandbox() Option {
	return func(r *Request) {
		r.DisableSandbox = true
	}
}

// WithBackground runs the command as a background shell with the given
// maximum runtime; zero takes the configured default.
func WithBackground(maxRuntime time.Duration) Option {
	return func(r *Request) {
		r.Background = true
		r.MaxRuntime = maxRuntime
	}
}

// WithOutputLimit sets the background output ceiling for a single call.
func WithOutputLimit(n int) Option {
	return func(r *Request) {
		r.OutputLimit = n
	}
}
