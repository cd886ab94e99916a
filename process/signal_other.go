//go:build !unix

package process

import (
	"os"
	"os/exec"
)

func setProcessGroup(*exec.Cmd) {}

// signalGroup has no graceful phase without process groups: both phases
// kill the direct child.
func signalGroup(proc *os.Process, _ bool) error {
	if proc == nil {
		return os.ErrProcessDone
	}
	return proc.Kill()
}
