//go:build unix

package process

import (
	"errors"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// setProcessGroup starts cmd in its own session so that the whole tree of
// processes it spawns can be signalled through the group ID.
func setProcessGroup(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setsid = true
}

// signalGroup sends SIGTERM or SIGKILL to the process group led by proc.
func signalGroup(proc *os.Process, force bool) error {
	if proc == nil {
		return os.ErrProcessDone
	}
	pid := proc.Pid
	// kill(-1) signals every process we may signal and kill(0) our own
	// group. Neither may ever happen.
	if pid <= 1 {
		return os.ErrProcessDone
	}
	sig := unix.SIGTERM
	if force {
		sig = unix.SIGKILL
	}
	if err := unix.Kill(-pid, sig); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return os.ErrProcessDone
		}
		return err
	}
	return nil
}
