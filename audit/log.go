package audit

import (
	"encoding/json"
	"io"
	"log/slog"
	"sync"

	"github.com/oklog/ulid/v2"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/zhangyunhao116/agentexec/internal/clock"
)

const (
	// DefaultCapacity is the number of records kept when Options.Capacity
	// is zero.
	DefaultCapacity = 1000

	defaultMirrorMaxSizeMB  = 100
	defaultMirrorMaxBackups = 3
)

// Options configures a Log.
type Options struct {
	// Capacity is the number of most recent records retained.
	Capacity int

	// MirrorPath, when set, receives every appended record as one JSON
	// object per line. The file rotates at MirrorMaxSizeMB and keeps
	// MirrorMaxBackups old files.
	MirrorPath       string
	MirrorMaxSizeMB  int
	MirrorMaxBackups int

	Logger *slog.Logger
	Clock  clock.Clock
}

// Log is a ring buffer of Records. It is safe for concurrent use.
type Log struct {
	clock  clock.Clock
	logger *slog.Logger

	mu     sync.Mutex
	ring   []Record
	next   int
	size   int
	mirror io.WriteCloser
	enc    *json.Encoder
}

// New returns an empty Log.
func New(opts Options) *Log {
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	l := &Log{
		clock:  opts.Clock,
		logger: opts.Logger,
		ring:   make([]Record, opts.Capacity),
	}
	if l.clock == nil {
		l.clock = clock.Real()
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	if opts.MirrorPath != "" {
		size := opts.MirrorMaxSizeMB
		if size <= 0 {
			size = defaultMirrorMaxSizeMB
		}
		backups := opts.MirrorMaxBackups
		if backups <= 0 {
			backups = defaultMirrorMaxBackups
		}
		lj := &lumberjack.Logger{
			Filename:   opts.MirrorPath,
			MaxSize:    size,
			MaxBackups: backups,
		}
		l.mirror = lj
		l.enc = json.NewEncoder(lj)
	}
	return l
}

// Append stores r, evicting the oldest record when full, and returns the
// stored copy. A zero ID or Time is filled in.
func (l *Log) Append(r Record) Record {
	if r.Time.IsZero() {
		r.Time = l.clock.Now()
	}
	if r.ID == "" {
		r.ID = ulid.MustNew(ulid.Timestamp(r.Time), ulid.DefaultEntropy()).String()
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.ring[l.next] = r
	l.next = (l.next + 1) % len(l.ring)
	if l.size < len(l.ring) {
		l.size++
	}
	if l.enc != nil {
		if err := l.enc.Encode(r); err != nil {
			l.logger.Warn("audit mirror write failed", "id", r.ID, "error", err)
		}
	}
	return r
}

// Len returns the number of retained records.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.size
}

// Capacity returns the maximum number of retained records.
func (l *Log) Capacity() int { return len(l.ring) }

// snapshot returns retained records oldest first.
func (l *Log) snapshot() []Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Record, 0, l.size)
	start := (l.next - l.size + len(l.ring)) % len(l.ring)
	for i := range l.size {
		out = append(out, l.ring[(start+i)%len(l.ring)])
	}
	return out
}

// Close closes the mirror file, if any. Appends after Close are kept in
// memory only.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.mirror == nil {
		return nil
	}
	err := l.mirror.Close()
	l.mirror = nil
	l.enc = nil
	return err
}
