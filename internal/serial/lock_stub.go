//go:build !linux

package serial

// DeviceLock is a no-op on platforms without flock semantics for device
// nodes.
type DeviceLock struct{}

func LockDevice(path string) (*DeviceLock, error) { return &DeviceLock{}, nil }

func (l *DeviceLock) Release() error { return nil }
