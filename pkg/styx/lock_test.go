//go:build unix

package styx

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHostLockExcludes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "awf.lock")
	a := NewHostLock(path)
	b := NewHostLock(path)

	require.NoError(t, a.Lock(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, b.Lock(ctx), context.DeadlineExceeded)

	require.NoError(t, a.Unlock())
	require.NoError(t, b.Lock(context.Background()))
	require.NoError(t, b.Unlock())
	assert.NoError(t, b.Unlock())
}
