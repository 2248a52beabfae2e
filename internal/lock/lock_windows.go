//go:build windows

package lock

import (
	"errors"
	"fmt"
	"os"
)

var ErrBusy = errors.New("runtime directory is locked by another axonctl invocation")

// Lock degrades to a no-op on Windows; concurrent invocations are
// unguarded there. The unix flock is the protected path.
type Lock struct{}

func Acquire(dir string) (*Lock, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create runtime dir: %w", err)
	}
	return &Lock{}, nil
}

func (l *Lock) Release() error { return nil }
