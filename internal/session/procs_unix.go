//go:build unix

package session

import (
	"errors"
	"time"

	"golang.org/x/sys/unix"
)

// terminateGrace is how long a SIGTERMed agent gets before SIGKILL.
const terminateGrace = 100 * time.Millisecond

// OSProcesses signals real processes.
type OSProcesses struct{}

// Alive reports whether pid exists. A process owned by another user
// still counts as alive.
func (OSProcesses) Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// Terminate sends SIGTERM and escalates to SIGKILL if the process is
// still running after a short grace period.
func (p OSProcesses) Terminate(pid int) error {
	if pid <= 0 {
		return unix.ESRCH
	}
	if err := unix.Kill(pid, unix.SIGTERM); err != nil {
		return err
	}
	time.Sleep(terminateGrace)
	if p.Alive(pid) {
		if err := unix.Kill(pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
			return err
		}
	}
	return nil
}
