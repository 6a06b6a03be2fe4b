// Package backup gives crash safety to a single mutating operation on a
// durable file. The file is copied aside before the operation runs; the
// outcome decides what happens to the copy.
package backup

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/google/uuid"

	"worklog-go/internal/wl"
)

// marker is embedded in every backup name between the original path and the
// uniqueness suffix, so backups of a file are identifiable by prefix.
const marker = ".bak-"

// Guard copies the file at path to a freshly named backup sibling, runs
// action against path, and settles the backup by the outcome:
//
//   - action returns nil: the backup is removed.
//   - action fails with a QueryError: the original content is restored onto
//     path, the backup is removed, and the action's error is returned
//     unchanged.
//   - action fails with any other error: the backup is left in place
//     untouched and the error is returned unchanged.
//
// A missing original is not an error: the action runs with no backup, and a
// recognized failure then removes whatever the action left at path. Callers
// running concurrent mutations must hold one critical section per path
// around the whole call.
func Guard(path string, logger wl.Logger, action func() error) error {
	backupPath, err := snapshot(path)
	if err != nil {
		return fmt.Errorf("backing up %s: %w", path, err)
	}
	if backupPath != "" {
		logger.Debug("backup created", "path", path, "backup", backupPath)
	}

	actErr := action()
	if actErr == nil {
		if backupPath != "" {
			if err := os.Remove(backupPath); err != nil {
				return fmt.Errorf("removing backup %s: %w", backupPath, err)
			}
		}
		return nil
	}

	if !wl.IsQueryError(actErr) {
		if backupPath != "" {
			logger.Warn("keeping backup after unrecognized failure", "backup", backupPath, "error", actErr)
		}
		return actErr
	}

	logger.Warn("restoring original after storage failure", "path", path, "error", actErr)
	if backupPath == "" {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			logger.Error("removing partial file failed", "path", path, "error", err)
			return fmt.Errorf("removing partial %s: %w", path, err)
		}
		return actErr
	}
	if err := restore(backupPath, path); err != nil {
		logger.Error("restore failed", "path", path, "backup", backupPath, "error", err)
		return fmt.Errorf("restoring %s: %w", path, err)
	}
	if err := os.Remove(backupPath); err != nil {
		return fmt.Errorf("removing backup %s: %w", backupPath, err)
	}
	return actErr
}

// List returns the backups existing for path, sorted by name.
func List(path string) ([]string, error) {
	matches, err := filepath.Glob(path + marker + "*")
	if err != nil {
		return nil, fmt.Errorf("listing backups of %s: %w", path, err)
	}
	sort.Strings(matches)
	return matches, nil
}

// snapshot copies path to a new backup sibling and returns the backup's
// path, or "" when the original does not exist.
func snapshot(path string) (string, error) {
	src, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return "", err
	}

	backupPath := path + marker + uuid.New().String()
	if err := writeTo(backupPath, src, info.Mode().Perm()); err != nil {
		return "", err
	}
	return backupPath, nil
}

// restore copies the backup's content back onto path.
func restore(backupPath, path string) error {
	src, err := os.Open(backupPath)
	if err != nil {
		return err
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return err
	}
	return writeTo(path, src, info.Mode().Perm())
}

func writeTo(path string, src io.Reader, perm fs.FileMode) error {
	dst, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return err
	}
	if err := dst.Sync(); err != nil {
		dst.Close()
		return err
	}
	return dst.Close()
}
