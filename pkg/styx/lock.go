//go:build unix

package styx

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// DefaultLockPath is shared by every awf process on the host.
const DefaultLockPath = "/tmp/awf-iptables.lock"

// HostLock is an advisory flock held across processes. Two invocations
// installing at once would otherwise race on the parent chain.
type HostLock struct {
	path string
	poll time.Duration

	mu sync.Mutex
	f  *os.File
}

func NewHostLock(path string) *HostLock {
	if path == "" {
		path = DefaultLockPath
	}
	return &HostLock{path: path, poll: 50 * time.Millisecond}
}

func (l *HostLock) Lock(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f != nil {
		return errors.New("host lock already held")
	}

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("failed to open lock file %s: %w", l.path, err)
	}

	ticker := time.NewTicker(l.poll)
	defer ticker.Stop()
	for {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			l.f = f
			return nil
		}
		if !errors.Is(err, unix.EWOULDBLOCK) && !errors.Is(err, unix.EINTR) {
			_ = f.Close()
			return fmt.Errorf("failed to lock %s: %w", l.path, err)
		}
		select {
		case <-ctx.Done():
			_ = f.Close()
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (l *HostLock) Unlock() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	f := l.f
	l.f = nil
	if err := unix.Flock(int(f.Fd()), unix.LOCK_UN); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to unlock %s: %w", l.path, err)
	}
	return f.Close()
}
