// Package fsutil holds the crash-safe file replacement shared by every
// component that rewrites a file in place.
package fsutil

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

var ErrAtomicWrite = errors.New("fsutil: atomic write failed")

// WriteFileAtomic replaces path with data. The content goes to a temp file in
// the same directory, is synced, then renamed over path, so readers see either
// the old or the new file and never a partial one.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("%w: ensure dir %s: %v", ErrAtomicWrite, dir, err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("%w: create temp for %s: %v", ErrAtomicWrite, path, err)
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("%w: write temp for %s: %v", ErrAtomicWrite, path, err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("%w: sync temp for %s: %v", ErrAtomicWrite, path, err)
	}
	if err := tmp.Chmod(perm); err != nil {
		return fmt.Errorf("%w: chmod temp for %s: %v", ErrAtomicWrite, path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: close temp for %s: %v", ErrAtomicWrite, path, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("%w: rename temp for %s: %v", ErrAtomicWrite, path, err)
	}

	SyncDir(dir)
	return nil
}

// SyncDir flushes directory metadata after a rename. Failures are ignored.
func SyncDir(dir string) {
	if fd, err := os.Open(dir); err == nil {
		_ = fd.Sync()
		_ = fd.Close()
	}
}
