// Package jsonfile persists a single JSON document with write-then-rename
// semantics, so a crash mid-write never leaves a torn file behind.
package jsonfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// CorruptError is returned by Load when the file exists but does not decode.
type CorruptError struct {
	Path  string
	Cause error
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("corrupt state file %s: %v", e.Path, e.Cause)
}

func (e *CorruptError) Unwrap() error {
	return e.Cause
}

type writeSyncCloser interface {
	io.Writer
	Sync() error
	Close() error
	Name() string
}

// File is one JSON state file. It is not safe for concurrent use; the
// resource that owns it serializes access.
type File struct {
	path string

	createTemp func(dir, pattern string) (writeSyncCloser, error)
	rename     func(oldpath, newpath string) error
	remove     func(name string) error
}

// New returns a File rooted at path. The parent directory is created on the
// first Save.
func New(path string) *File {
	return &File{
		path: path,
		createTemp: func(dir, pattern string) (writeSyncCloser, error) {
			return os.CreateTemp(dir, pattern)
		},
		rename: os.Rename,
		remove: os.Remove,
	}
}

// Path returns the target path.
func (f *File) Path() string {
	return f.path
}

// Load decodes the file into v. It reports false, with v untouched, when the
// file does not exist yet.
func (f *File) Load(v any) (bool, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("read %s: %w", f.path, err)
	}
	if len(data) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, &CorruptError{Path: f.path, Cause: err}
	}
	return true, nil
}

// Save encodes v and atomically replaces the file with it.
func (f *File) Save(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", f.path, err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}

	tmp, err := f.createTemp(dir, "."+filepath.Base(f.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	needsCleanup := true
	defer func() {
		if tmp != nil {
			_ = tmp.Close()
		}
		if needsCleanup {
			_ = f.remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	// Close before rename; some platforms refuse to rename an open file.
	err = tmp.Close()
	tmp = nil
	if err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := f.rename(tmpPath, f.path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	needsCleanup = false
	return nil
}
