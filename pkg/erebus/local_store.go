package erebus

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// LocalStore archives into a directory on the host.
type LocalStore struct {
	BasePath string
}

func NewLocalStore(basePath string) (*LocalStore, error) {
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, err
	}
	return &LocalStore{BasePath: basePath}, nil
}

// path resolves key under BasePath and refuses keys that escape it.
func (s *LocalStore) path(key string) (string, error) {
	clean := filepath.Clean("/" + key)
	if clean == "/" || strings.Contains(key, "..") {
		return "", fmt.Errorf("invalid archive key %q", key)
	}
	return filepath.Join(s.BasePath, clean), nil
}

func (s *LocalStore) Put(ctx context.Context, key string, r io.Reader) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	return WriteFileAtomic(p, r, 0o644)
}
