package audit

import (
	"strings"
	"time"
)

// Filter selects records. Zero fields match everything.
type Filter struct {
	Since time.Time
	Until time.Time
	// Status matches Record.Status exactly.
	Status     string
	Success    *bool
	Background *bool
	Sandboxed  *bool
	// CommandContains matches a substring of the command.
	CommandContains string
	// Limit keeps only the newest Limit matches.
	Limit int
}

func (f *Filter) match(r *Record) bool {
	switch {
	case !f.Since.IsZero() && r.Time.Before(f.Since):
		return false
	case !f.Until.IsZero() && r.Time.After(f.Until):
		return false
	case f.Status != "" && r.Status != f.Status:
		return false
	case f.Success != nil && r.Success != *f.Success:
		return false
	case f.Background != nil && r.Background != *f.Background:
		return false
	case f.Sandboxed != nil && r.Sandboxed != *f.Sandboxed:
		return false
	case f.CommandContains != "" && !strings.Contains(r.Command, f.CommandContains):
		return false
	}
	return true
}

// Records returns matching records, oldest first.
func (l *Log) Records(f Filter) []Record {
	all := l.snapshot()
	out := all[:0]
	for i := range all {
		if f.match(&all[i]) {
			out = append(out, all[i])
		}
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out
}

// Stats aggregates the retained records.
type Stats struct {
	Total       int `json:"total"`
	Succeeded   int `json:"succeeded"`
	Failed      int `json:"failed"`
	Blocked     int `json:"blocked"`
	TimedOut    int `json:"timed_out"`
	Killed      int `json:"killed"`
	SpawnFailed int `json:"spawn_failed"`
	Sandboxed   int `json:"sandboxed"`
	Background  int `json:"background"`

	TotalDuration    time.Duration `json:"total_duration_ns"`
	AverageDuration  time.Duration `json:"average_duration_ns"`
	MaxDuration      time.Duration `json:"max_duration_ns"`
	TotalOutputBytes int64         `json:"total_output_bytes"`
}

// Stats returns aggregate counts over the retained records. Failed counts
// every unsuccessful record; the per-status counters break it down.
func (l *Log) Stats() Stats {
	var s Stats
	for _, r := range l.snapshot() {
		s.Total++
		if r.Success {
			s.Succeeded++
		} else {
			s.Failed++
		}
		switch r.Status {
		case StatusBlocked:
			s.Blocked++
		case StatusTimedOut:
			s.TimedOut++
		case StatusKilled:
			s.Killed++
		case StatusSpawnFailed:
			s.SpawnFailed++
		}
		if r.Sandboxed {
			s.Sandboxed++
		}
		if r.Background {
			s.Background++
		}
		s.TotalDuration += r.Duration
		s.MaxDuration = max(s.MaxDuration, r.Duration)
		s.TotalOutputBytes += r.OutputBytes
	}
	if s.Total > 0 {
		s.AverageDuration = s.TotalDuration / time.Duration(s.Total)
	}
	return s
}
