//go:build !unix

package lock

import "errors"

// ErrLocked means another live process holds the lock.
var ErrLocked = errors.New("lock: held by another process")

var errUnsupported = errors.New("lock: flock unsupported on this platform")

// PIDLock is unavailable without flock(2).
type PIDLock struct{ path string }

// AcquirePIDLock always fails on this platform.
func AcquirePIDLock(lockPath string) (*PIDLock, error) { return nil, errUnsupported }

// Holder always fails on this platform.
func Holder(lockPath string) (int, error) { return 0, errUnsupported }

func (l *PIDLock) Path() string { return l.path }

func (l *PIDLock) Release() error { return nil }
