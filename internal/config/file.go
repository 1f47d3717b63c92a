package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	. "github.com/roelfdiedericks/docgen/internal/logging"
)

// DefaultBackupCount is the default number of backup versions to keep.
const DefaultBackupCount = 3

// FileError records which step of a file write failed and on which path.
type FileError struct {
	Op   string
	Path string
	Err  error
}

func (e *FileError) Error() string { return e.Op + " " + e.Path + ": " + e.Err.Error() }

func (e *FileError) Unwrap() error { return e.Err }

// AtomicWriteJSON writes data as indented JSON through AtomicWrite.
func AtomicWriteJSON(path string, data any, perm os.FileMode) error {
	buf, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return &FileError{Op: "encode", Path: path, Err: err}
	}
	return AtomicWrite(path, buf, perm)
}

// AtomicWrite replaces path with data. Readers see the old or the new
// content, never a partial write.
func AtomicWrite(path string, data []byte, perm os.FileMode) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return &FileError{Op: "mkdir", Path: dir, Err: err}
	}

	// temp file in the target dir so the rename stays on one filesystem
	tmp, err := os.CreateTemp(dir, ".docgen-*.tmp")
	if err != nil {
		return &FileError{Op: "create temp", Path: dir, Err: err}
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	if err := tmp.Chmod(perm); err != nil {
		return &FileError{Op: "chmod", Path: tmp.Name(), Err: err}
	}
	if _, err := tmp.Write(data); err != nil {
		return &FileError{Op: "write", Path: tmp.Name(), Err: err}
	}
	if err := tmp.Sync(); err != nil {
		return &FileError{Op: "sync", Path: tmp.Name(), Err: err}
	}
	if err := tmp.Close(); err != nil {
		return &FileError{Op: "close", Path: tmp.Name(), Err: err}
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return &FileError{Op: "rename", Path: path, Err: err}
	}
	return nil
}

// WriteWithBackup keeps up to maxBackups previous versions of path
// (.bak newest, then .bak.1, ...) and atomically writes data. A failed
// backup is logged and does not block the write.
func WriteWithBackup(path string, data []byte, maxBackups int) error {
	if maxBackups <= 0 {
		maxBackups = DefaultBackupCount
	}

	if info, err := os.Stat(path); err == nil {
		if err := rotateBackups(path, maxBackups); err != nil {
			L_debug("config: backup rotation incomplete", "path", path, "error", err)
		}
		if err := backup(path, info.Mode().Perm()); err != nil {
			L_warn("config: backup failed, continuing with save", "path", path, "error", err)
		}
	}

	if err := AtomicWrite(path, data, 0600); err != nil {
		return err
	}
	L_debug("config: saved", "path", path)
	return nil
}

func backupName(path string, index int) string {
	if index == 0 {
		return path + ".bak"
	}
	return fmt.Sprintf("%s.bak.%d", path, index)
}

// rotateBackups shifts .bak -> .bak.1 -> ... and drops the oldest so that
// after the next backup at most maxBackups files exist.
func rotateBackups(path string, maxBackups int) error {
	if maxBackups <= 1 {
		return nil
	}
	var errs []error
	oldest := backupName(path, maxBackups-1)
	if err := os.Remove(oldest); err != nil && !errors.Is(err, os.ErrNotExist) {
		errs = append(errs, &FileError{Op: "remove", Path: oldest, Err: err})
	}
	for i := maxBackups - 2; i >= 0; i-- {
		src, dst := backupName(path, i), backupName(path, i+1)
		if err := os.Rename(src, dst); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, &FileError{Op: "rename", Path: src, Err: err})
		}
	}
	return errors.Join(errs...)
}

// backup copies the current file to .bak with its original permissions.
func backup(path string, perm os.FileMode) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return &FileError{Op: "read", Path: path, Err: err}
	}
	return AtomicWrite(backupName(path, 0), data, perm)
}
