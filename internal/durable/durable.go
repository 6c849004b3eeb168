// Package durable writes files and makes sure they reach the disk before returning, so that artifacts of a
// run can be read back right away, e.g. to reload a model that was just saved.
package durable

import (
	"github.com/pkg/errors"
	"os"
	"path/filepath"
)

// WriteFile creates (or truncates) the file at path with contents, and syncs it to disk before closing.
func WriteFile(path string, contents []byte) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "failed to create %q", path)
	}
	if _, err = f.Write(contents); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "failed to write %q", path)
	}
	if err = f.Sync(); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "failed to sync %q", path)
	}
	if err = f.Close(); err != nil {
		return errors.Wrapf(err, "failed to close %q", path)
	}
	return SyncPath(filepath.Dir(path))
}

// SyncDir syncs to disk the regular files in dir, and the directory itself.
func SyncDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return errors.Wrapf(err, "failed to list %q", dir)
	}
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		if err = SyncPath(filepath.Join(dir, entry.Name())); err != nil {
			return err
		}
	}
	return SyncPath(dir)
}

// SyncPath syncs one file or directory.
func SyncPath(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "failed to open %q for sync", path)
	}
	err = f.Sync()
	_ = f.Close()
	if err != nil {
		return errors.Wrapf(err, "failed to sync %q", path)
	}
	return nil
}
