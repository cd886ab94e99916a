package process

import (
	"errors"
	"os"
	"sync"
	"time"

	"github.com/zhangyunhao116/agentexec/internal/clock"
)

// Signaler delivers the two termination signals.
type Signaler interface {
	// Terminate requests a cooperative shutdown.
	Terminate() error
	// Kill ends the process unconditionally.
	Kill() error
}

// State is the phase of a Terminator.
type State int

const (
	// Idle means no termination has been requested.
	Idle State = iota
	// TerminatingGracefully means the graceful signal was sent and the
	// grace period is running.
	TerminatingGracefully
	// TerminatingForcefully means the forceful signal was sent.
	TerminatingForcefully
	// Terminated means the process has exited.
	Terminated
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case TerminatingGracefully:
		return "terminating-gracefully"
	case TerminatingForcefully:
		return "terminating-forcefully"
	case Terminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Terminator runs the graceful-then-forceful escalation for one process
// group:
//
//	Idle --Terminate--> TerminatingGracefully --grace elapsed--> TerminatingForcefully
//	any --Exited--> Terminated
//
// Transitions only move forward; repeated Terminate calls are no-ops.
// Exited only means the group leader was reaped. When that happens during
// the grace period the rest of the group is sent the forceful signal at
// once, so descendants that ignore the graceful signal cannot outlive it.
type Terminator struct {
	sig   Signaler
	clock clock.Clock
	grace time.Duration

	mu        sync.Mutex
	state     State
	requested bool
	forced    bool
	timer     *clock.Timer
	escalated bool
	done      chan struct{}
}

// NewTerminator returns an idle Terminator.
func NewTerminator(sig Signaler, clk clock.Clock, grace time.Duration) *Terminator {
	if clk == nil {
		clk = clock.Real()
	}
	return &Terminator{sig: sig, clock: clk, grace: grace, done: make(chan struct{})}
}

// NewTerminator returns a Terminator for p that moves to Terminated when p
// exits.
func (p *Process) NewTerminator(clk clock.Clock, grace time.Duration) *Terminator {
	t := NewTerminator(p, clk, grace)
	go func() {
		<-p.exited
		t.Exited()
	}()
	return t
}

// Terminate starts the escalation. The graceful signal is sent now and the
// forceful one after the grace period unless the group is gone first. A
// failed graceful signal escalates immediately. Once the leader has been
// reaped there is nothing left to shut down gracefully, and Terminate
// sends the forceful signal to whatever remains of the group.
func (t *Terminator) Terminate() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.requested {
		return
	}
	t.requested = true
	if t.state == Terminated {
		t.forced = true
		_ = t.sig.Kill()
		return
	}
	t.state = TerminatingGracefully
	err := t.sig.Terminate()
	switch {
	case errors.Is(err, os.ErrProcessDone):
		// The whole group is gone; Exited will follow.
		return
	case err != nil || t.grace <= 0:
		t.forceLocked()
		return
	}
	t.timer = t.clock.AfterFunc(t.grace, t.escalate)
}

// Kill skips the grace period.
func (t *Terminator) Kill() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.forced {
		return
	}
	t.requested = true
	if t.state == Terminated {
		t.forced = true
		_ = t.sig.Kill()
		return
	}
	t.forceLocked()
}

func (t *Terminator) escalate() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != TerminatingGracefully {
		return
	}
	t.forceLocked()
}

func (t *Terminator) forceLocked() {
	t.stopTimerLocked()
	t.state = TerminatingForcefully
	t.forced = true
	t.escalated = true
	_ = t.sig.Kill()
}

func (t *Terminator) stopTimerLocked() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

// Exited records that the group leader is gone. If the grace period was
// still running, the rest of the group is killed now.
func (t *Terminator) Exited() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == Terminated {
		return
	}
	sweep := t.state == TerminatingGracefully && t.timer != nil
	t.stopTimerLocked()
	t.state = Terminated
	close(t.done)
	if sweep {
		t.forced = true
		_ = t.sig.Kill()
	}
}

// State returns the current phase.
func (t *Terminator) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Escalated reports whether the forceful signal was needed while the
// leader was still running.
func (t *Terminator) Escalated() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.escalated
}

// Done is closed when the Terminator reaches Terminated.
func (t *Terminator) Done() <-chan struct{} { return t.done }
