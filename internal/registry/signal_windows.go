//go:build windows

package registry

import "os"

func terminate(pid int) {
	p, err := os.FindProcess(pid)
	if err != nil {
		return
	}
	_ = p.Kill()
}

func kill(pid int) { terminate(pid) }
