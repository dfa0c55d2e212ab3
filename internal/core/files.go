package core

import (
	"fmt"
	"os"
	"path/filepath"
)

// atomicFile is a temp file in the destination directory that replaces the
// destination on Commit. Readers never observe a half-written output.
type atomicFile struct {
	*os.File
	dest string
	done bool
}

func createAtomic(dest string) (*atomicFile, error) {
	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &IOError{Op: "mkdir", Path: dir, Err: err}
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return nil, &IOError{Op: "create", Path: dest, Err: err}
	}
	return &atomicFile{File: tmp, dest: dest}, nil
}

// Commit flushes the temp file to disk and renames it over the destination.
func (a *atomicFile) Commit() error {
	if a.done {
		return fmt.Errorf("commit %s: %w", a.dest, ErrClosedSink)
	}
	a.done = true
	tmpPath := a.Name()

	if err := a.Sync(); err != nil {
		_ = a.Close()
		_ = os.Remove(tmpPath)
		return &IOError{Op: "sync", Path: a.dest, Err: err}
	}
	if err := a.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return &IOError{Op: "close", Path: a.dest, Err: err}
	}
	if err := os.Rename(tmpPath, a.dest); err != nil {
		_ = os.Remove(tmpPath)
		return &IOError{Op: "rename", Path: a.dest, Err: err}
	}
	syncDir(filepath.Dir(a.dest))
	return nil
}

// Abort discards the temp file. It is a no-op after Commit.
func (a *atomicFile) Abort() {
	if a.done {
		return
	}
	a.done = true
	_ = a.Close()
	_ = os.Remove(a.Name())
}

// syncDir is a best-effort fsync of the parent directory so the rename survives a crash.
func syncDir(dir string) {
	f, err := os.Open(dir)
	if err != nil {
		return
	}
	defer f.Close()
	_ = f.Sync()
}
