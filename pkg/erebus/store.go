// Package erebus keeps the files of an invocation: its work dir, the proxy
// logs preserved after teardown, and optional archives of those logs.
package erebus

import (
	"context"
	"io"
)

// Store receives archived log bundles. Archives are write-only from awf's
// side; reading them back is left to the tools of the backing store.
type Store interface {
	Put(ctx context.Context, key string, r io.Reader) error
}
