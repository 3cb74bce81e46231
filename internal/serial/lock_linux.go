//go:build linux

package serial

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// DeviceLock holds an advisory exclusive lock on the serial device node so
// two gateway processes cannot drive the same adapter. Process-level
// counterpart of the in-process facet exclusivity.
type DeviceLock struct{ f *os.File }

// LockDevice takes a non-blocking flock on the device path. A lock held by
// another process surfaces as an immediate error instead of two processes
// interleaving commands on one adapter.
func LockDevice(path string) (*DeviceLock, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}
	return &DeviceLock{f: f}, nil
}

// Release drops the lock. Safe on a nil receiver and after a prior Release.
func (l *DeviceLock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	err := unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	cerr := l.f.Close()
	l.f = nil
	if err != nil {
		return err
	}
	return cerr
}
