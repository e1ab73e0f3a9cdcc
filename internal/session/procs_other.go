//go:build !unix

package session

import (
	"fmt"
	"os"
)

// OSProcesses signals real processes.
type OSProcesses struct{}

// Alive reports whether pid can be opened.
func (OSProcesses) Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	p.Release()
	return true
}

// Terminate kills the process; there is no graceful signal here.
func (OSProcesses) Terminate(pid int) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("find process %d: %w", pid, err)
	}
	return p.Kill()
}
