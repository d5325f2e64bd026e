package erebus

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	workDirPrefix = "awf-"
	// ProxyLogDir is the work dir subdirectory mounted as the proxy's log dir.
	ProxyLogDir = "squid-logs"
)

// WorkDir is the per-invocation scratch directory holding the rendered
// proxy config, the CA, the compose file and the proxy logs.
type WorkDir struct {
	Path    string
	Created time.Time
}

// maxWorkDirAttempts bounds the suffixes tried when invocations start in the
// same millisecond.
const maxWorkDirAttempts = 100

// NewWorkDir creates <base>/awf-<unix millis>, or awf-<unix millis>-<n> when
// that name is taken. An existing directory is never reused. base defaults to
// the OS temp dir.
func NewWorkDir(base string, now time.Time) (*WorkDir, error) {
	if base == "" {
		base = os.TempDir()
	}
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create work dir base: %w", err)
	}
	name := workDirPrefix + strconv.FormatInt(now.UnixMilli(), 10)
	var p string
	for i := 0; ; i++ {
		if i == maxWorkDirAttempts {
			return nil, fmt.Errorf("failed to create work dir: %s and %d suffixed names exist", name, i-1)
		}
		p = filepath.Join(base, name)
		if i > 0 {
			p += "-" + strconv.Itoa(i)
		}
		err := os.Mkdir(p, 0o700)
		if err == nil {
			break
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("failed to create work dir: %w", err)
		}
	}
	logs := filepath.Join(p, ProxyLogDir)
	if err := os.MkdirAll(logs, 0o777); err != nil {
		return nil, fmt.Errorf("failed to create proxy log dir: %w", err)
	}
	// The proxy runs as an unprivileged user inside its container.
	if err := os.Chmod(logs, 0o777); err != nil {
		return nil, err
	}
	if err := os.Chmod(p, 0o755); err != nil {
		return nil, err
	}
	return &WorkDir{Path: p, Created: now}, nil
}

// Join resolves a path relative to the work dir.
func (w *WorkDir) Join(rel string) string {
	return filepath.Join(w.Path, filepath.Clean("/"+rel))
}

// Write stores data at rel atomically.
func (w *WorkDir) Write(rel string, data []byte, perm os.FileMode) error {
	if err := WriteFileAtomic(w.Join(rel), bytes.NewReader(data), perm); err != nil {
		return fmt.Errorf("failed to write %s: %w", rel, err)
	}
	return nil
}

// WriteAll writes every file in files.
func (w *WorkDir) WriteAll(files map[string][]byte, perm func(rel string) os.FileMode) error {
	for rel, data := range files {
		mode := os.FileMode(0o644)
		if perm != nil {
			mode = perm(rel)
		}
		if err := w.Write(rel, data, mode); err != nil {
			return err
		}
	}
	return nil
}

// ID is the unique part of the directory name, the millis and any suffix.
func (w *WorkDir) ID() string {
	return strings.TrimPrefix(filepath.Base(w.Path), workDirPrefix)
}

func (w *WorkDir) LogDir() string {
	return w.Join(ProxyLogDir)
}

// Remove deletes the work dir. Removing an already removed dir is not an error.
func (w *WorkDir) Remove() error {
	if w == nil || w.Path == "" {
		return nil
	}
	if !strings.HasPrefix(filepath.Base(w.Path), workDirPrefix) {
		return fmt.Errorf("refusing to remove %s: not a work dir", w.Path)
	}
	if err := os.RemoveAll(w.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Exists reports whether the directory is still on disk.
func (w *WorkDir) Exists() bool {
	_, err := os.Stat(w.Path)
	return err == nil
}

// StaleWorkDirs lists awf work dirs under base older than maxAge.
func StaleWorkDirs(base string, now time.Time, maxAge time.Duration) ([]string, error) {
	if base == "" {
		base = os.TempDir()
	}
	entries, err := os.ReadDir(base)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		ms, ok := strings.CutPrefix(e.Name(), workDirPrefix)
		if !ok {
			continue
		}
		ms, _, _ = strings.Cut(ms, "-")
		n, err := strconv.ParseInt(ms, 10, 64)
		if err != nil {
			continue
		}
		if now.Sub(time.UnixMilli(n)) > maxAge {
			out = append(out, filepath.Join(base, e.Name()))
		}
	}
	return out, nil
}
