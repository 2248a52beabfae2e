//go:build !windows

package launcher

import "syscall"

// detachedSysProcAttr puts the child in its own process group so stop can
// signal the whole group and the controller's exit does not take the
// service with it.
func detachedSysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}
