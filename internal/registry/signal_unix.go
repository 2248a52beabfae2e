//go:build !windows

package registry

import "syscall"

// terminate sends SIGTERM to the process group when one exists, falling
// back to the single process. Errors are swallowed: a dead target is the
// desired outcome, not a failure.
func terminate(pid int) {
	if syscall.Kill(-pid, syscall.SIGTERM) == nil {
		return
	}
	_ = syscall.Kill(pid, syscall.SIGTERM)
}

// kill escalates to SIGKILL, group first.
func kill(pid int) {
	if syscall.Kill(-pid, syscall.SIGKILL) == nil {
		return
	}
	_ = syscall.Kill(pid, syscall.SIGKILL)
}
