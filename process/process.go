package process

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// drainTimeout bounds how long output readers may keep going after the
// process exits. A grandchild that inherited the pipes can otherwise hold
// them open indefinitely.
const drainTimeout = 2 * time.Second

// readBufSize is the per-read buffer size of an output reader.
const readBufSize = 32 * 1024

// ErrEmptyArgv is returned by Start for a Spec without a program.
var ErrEmptyArgv = errors.New("process: empty argv")

// Stream identifies an output stream.
type Stream int

const (
	// Stdout is the standard output stream.
	Stdout Stream = iota
	// Stderr is the standard error stream.
	Stderr
)

// String returns "stdout" or "stderr".
func (s Stream) String() string {
	if s == Stderr {
		return "stderr"
	}
	return "stdout"
}

// Chunk is a piece of output read from one stream.
type Chunk struct {
	Stream Stream
	Data   []byte
}

// Spec describes a process to start.
type Spec struct {
	// Argv is the program followed by its arguments. The program is looked
	// up in PATH when it contains no separator.
	Argv []string
	// Dir is the working directory; empty means the caller's.
	Dir string
	// Env is the complete environment; nil means the caller's.
	Env []string
}

// Exit describes how a process ended.
type Exit struct {
	// Code is the exit status, or -1 when the process was killed by a
	// signal or could not be waited for.
	Code int
	// Signaled reports whether a signal ended the process.
	Signaled bool
	// Err is set when waiting failed for a reason other than a non-zero
	// exit status.
	Err error
}

// Process is a running command. Its methods are safe for concurrent use.
type Process struct {
	cmd    *exec.Cmd
	pid    int
	chunks chan Chunk

	exited chan struct{} // closed once Wait returns
	done   chan struct{} // closed once output is drained

	mu   sync.Mutex
	exit Exit
}

// Start starts spec in a new session. The caller must drain Output until
// it is closed.
func Start(spec Spec) (*Process, error) {
	if len(spec.Argv) == 0 || spec.Argv[0] == "" {
		return nil, ErrEmptyArgv
	}
	cmd := exec.Command(spec.Argv[0], spec.Argv[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env
	setProcessGroup(cmd)

	outR, outW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("process: stdout pipe: %w", err)
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		outR.Close()
		outW.Close()
		return nil, fmt.Errorf("process: stderr pipe: %w", err)
	}
	cmd.Stdout = outW
	cmd.Stderr = errW

	if err := cmd.Start(); err != nil {
		for _, f := range []*os.File{outR, outW, errR, errW} {
			f.Close()
		}
		return nil, err
	}
	// The child holds its own copies of the write ends.
	outW.Close()
	errW.Close()

	p := &Process{
		cmd:    cmd,
		pid:    cmd.Process.Pid,
		chunks: make(chan Chunk, 64),
		exited: make(chan struct{}),
		done:   make(chan struct{}),
	}

	var readers errgroup.Group
	readers.Go(func() error { return p.pump(Stdout, outR) })
	readers.Go(func() error { return p.pump(Stderr, errR) })

	go p.wait(&readers, outR, errR)
	return p, nil
}

func (p *Process) wait(readers *errgroup.Group, pipes ...*os.File) {
	werr := p.cmd.Wait()
	p.mu.Lock()
	p.exit = exitFrom(p.cmd.ProcessState, werr)
	p.mu.Unlock()
	close(p.exited)

	var readErr error
	drained := make(chan struct{})
	go func() {
		readErr = readers.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(drainTimeout):
		for _, f := range pipes {
			f.Close()
		}
		<-drained
	}
	for _, f := range pipes {
		f.Close()
	}
	if readErr != nil {
		p.mu.Lock()
		if p.exit.Err == nil {
			p.exit.Err = fmt.Errorf("process: reading output: %w", readErr)
		}
		p.mu.Unlock()
	}
	close(p.chunks)
	close(p.done)
}

func (p *Process) pump(s Stream, r io.Reader) error {
	buf := make([]byte, readBufSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			p.chunks <- Chunk{Stream: s, Data: data}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
				return nil
			}
			return err
		}
	}
}

func exitFrom(state *os.ProcessState, err error) Exit {
	if state == nil {
		return Exit{Code: -1, Err: err}
	}
	e := Exit{Code: state.ExitCode(), Signaled: !state.Exited()}
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		e.Err = err
	}
	return e
}

// Pid returns the process ID, which is also the process group ID.
func (p *Process) Pid() int { return p.pid }

// Output returns the chunk channel. It is closed after the process exits
// and both streams are drained.
func (p *Process) Output() <-chan Chunk { return p.chunks }

// Exited is closed as soon as the process has been reaped.
func (p *Process) Exited() <-chan struct{} { return p.exited }

// Done is closed after Output is closed.
func (p *Process) Done() <-chan struct{} { return p.done }

// Exit returns how the process ended. It is valid once Exited is closed;
// an error reading the output pipes is folded in by the time Done closes.
func (p *Process) Exit() Exit {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exit
}

// Terminate sends the graceful signal to the process group.
func (p *Process) Terminate() error { return p.signal(false) }

// Kill sends the forceful signal to the process group.
func (p *Process) Kill() error { return p.signal(true) }

// signal reaches the group even after the leader was reaped: descendants
// may still be running. A group with no members left reports
// os.ErrProcessDone.
func (p *Process) signal(force bool) error {
	return signalGroup(p.cmd.Process, force)
}
