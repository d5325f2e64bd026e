//go:build !unix

package styx

import "context"

const DefaultLockPath = ""

// HostLock is a no-op where flock is unavailable.
type HostLock struct{}

func NewHostLock(path string) *HostLock {
	return &HostLock{}
}

func (l *HostLock) Lock(ctx context.Context) error { return nil }
func (l *HostLock) Unlock() error                  { return nil }
