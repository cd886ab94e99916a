// Package audit keeps a bounded, append-only trail of execution records,
// optionally mirrored to a rotating JSONL file.
package audit

import "time"

// Record describes one finished execution: a foreground run, a rejected
// command, or a background shell that reached a terminal status.
type Record struct {
	ID          string        `json:"id"`
	Time        time.Time     `json:"time"`
	Command     string        `json:"command"`
	WorkingDir  string        `json:"working_dir,omitempty"`
	Sandboxed   bool          `json:"sandboxed"`
	Success     bool          `json:"success"`
	Status      string        `json:"status"`
	ExitCode    int           `json:"exit_code"`
	Duration    time.Duration `json:"duration_ns"`
	OutputBytes int64         `json:"output_bytes"`
	Background  bool          `json:"background"`
	ShellID     string        `json:"shell_id,omitempty"`
	Reason      string        `json:"reason,omitempty"`
}

// Status values the engine records. Records with other statuses are kept
// but only counted in Stats.Total.
const (
	StatusSuccess     = "success"
	StatusFailure     = "failure"
	StatusTimedOut    = "timed-out"
	StatusKilled      = "killed"
	StatusBlocked     = "blocked"
	StatusSpawnFailed = "spawn-failed"
)
