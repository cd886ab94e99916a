package agentexec

import "time"

// Status is the terminal state of an execution.
type Status string

const (
	// StatusSuccess means the command exited with status 0.
	StatusSuccess Status = "success"
	// StatusFailure means the command exited non-zero or could not be waited for.
	StatusFailure Status = "failure"
	// StatusTimedOut means the deadline fired and the command was terminated.
	StatusTimedOut Status = "timed-out"
	// StatusKilled means the caller cancelled the run or killed the shell.
	StatusKilled Status = "killed"
	// StatusBlocked means the policy rejected the command; nothing was spawned.
	StatusBlocked Status = "blocked"
	// StatusSpawnFailed means the executable could not be started.
	StatusSpawnFailed Status = "spawn-failed"
	// StatusBackground means the command was registered as a background
	// shell; see Result.ShellID.
	StatusBackground Status = "background"
)

// Result holds the outcome of a command execution.
type Result struct {
	// Status is the terminal state.
	Status Status

	// ExitCode is the process exit code, or -1 when the process was ended
	// by a signal or never ran.
	ExitCode int

	// Output is stdout, followed by "\nSTDERR:\n" and stderr when stderr is
	// non-empty, truncated to Config.MaxOutputBytes.
	Output string

	// OutputBytes is the size of Output before truncation.
	OutputBytes int

	// Truncated reports whether Output was shortened.
	Truncated bool

	// Sandboxed indicates whether the command ran inside the sandbox.
	Sandboxed bool

	// Duration is the wall-clock time from spawn to exit.
	Duration time.Duration

	// Warning is the screener's warning, if any.
	Warning string

	// Reason explains a blocked, spawn-failed or timed-out result.
	Reason string

	// ShellID identifies the background shell when Status is
	// StatusBackground.
	ShellID string

	// Err is a *SpawnError when Status is StatusSpawnFailed.
	Err error
}

// Success reports whether the command ran and exited with status 0.
func (r *Result) Success() bool {
	return r != nil && r.Status == StatusSuccess
}
