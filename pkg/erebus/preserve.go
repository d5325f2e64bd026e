package erebus

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"time"
)

const preservedPrefix = "squid-logs-"

// PreserveLogs copies the proxy logs out of the work dir before it is
// removed, into <base>/squid-logs-<id> where id matches the work dir. It returns "" when there
// was nothing to preserve.
func PreserveLogs(w *WorkDir, base string) (string, error) {
	src := w.LogDir()
	entries, err := os.ReadDir(src)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", err
	}

	var files []string
	for _, e := range entries {
		if e.Type().IsRegular() {
			files = append(files, e.Name())
		}
	}
	if len(files) == 0 {
		return "", nil
	}

	if base == "" {
		base = os.TempDir()
	}
	dst := filepath.Join(base, preservedPrefix+w.ID())
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return "", fmt.Errorf("failed to create %s: %w", dst, err)
	}
	for _, name := range files {
		if err := copyFile(filepath.Join(src, name), filepath.Join(dst, name)); err != nil {
			return dst, fmt.Errorf("failed to preserve %s: %w", name, err)
		}
	}
	return dst, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	return WriteFileAtomic(dst, in, 0o644)
}

// Bundle writes the regular files of dir as a gzipped tarball.
func Bundle(dir string, w io.Writer) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Type().IsRegular() {
			names = append(names, e.Name())
		}
	}
	slices.Sort(names)

	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)
	for _, name := range names {
		if err := addFile(tw, filepath.Join(dir, name), name); err != nil {
			return err
		}
	}
	if err := tw.Close(); err != nil {
		return err
	}
	return gz.Close()
}

func addFile(tw *tar.Writer, path, name string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	hdr.Name = name
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err = io.Copy(tw, f)
	return err
}

// ArchiveKey names the bundle of one invocation.
func ArchiveKey(invocation string, created time.Time) string {
	return fmt.Sprintf("%s/%s-%s.tar.gz", created.UTC().Format("2006-01-02"), preservedPrefix+invocation, strconv.FormatInt(created.UnixMilli(), 10))
}

// Archive bundles dir and uploads it to store under key.
func Archive(ctx context.Context, store Store, key, dir string) error {
	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(Bundle(dir, pw))
	}()
	if err := store.Put(ctx, key, pr); err != nil {
		pr.CloseWithError(err)
		return fmt.Errorf("failed to archive %s: %w", dir, err)
	}
	return nil
}
