//go:build !windows

package mirror

import (
	"os"
	"syscall"
)

// Flock wraps an *os.File with advisory flock(2) locking.
type Flock struct {
	*os.File
}

// Lock acquires an exclusive lock without blocking.  It returns an error
// immediately when another process holds the lock.
func (f Flock) Lock() error {
	return syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
}

// Unlock releases the lock.
func (f Flock) Unlock() error {
	return syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
}
