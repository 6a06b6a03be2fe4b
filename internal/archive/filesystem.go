package archive

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"worklog-go/internal/wl"
)

// FileSystemArchive stores exports as files under a root directory. Writes
// land in a temporary sibling first and are renamed into place, so a
// half-written export never shadows a complete one.
type FileSystemArchive struct {
	name string
	root string
}

// NewFileSystemArchive creates a filesystem archive rooted at the given
// path, creating the directory when absent.
func NewFileSystemArchive(name, root string) (*FileSystemArchive, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}
	return &FileSystemArchive{name: name, root: root}, nil
}

// Put stores the reader's content under name, replacing any previous file.
func (a *FileSystemArchive) Put(name string, r io.Reader) error {
	destPath := filepath.Join(a.root, name)
	tmp, err := os.CreateTemp(a.root, name+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temporary file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing archive entry: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("syncing archive entry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing archive entry: %w", err)
	}
	if err := os.Rename(tmpPath, destPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming archive entry into place: %w", err)
	}
	return nil
}

// Get writes the content stored under name to w.
func (a *FileSystemArchive) Get(name string, w io.Writer) error {
	f, err := os.Open(filepath.Join(a.root, name))
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("archive entry not found: %s", name)
	}
	if err != nil {
		return fmt.Errorf("opening archive entry: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("reading archive entry: %w", err)
	}
	return nil
}

// List returns the stored names, sorted.
func (a *FileSystemArchive) List() ([]string, error) {
	entries, err := os.ReadDir(a.root)
	if err != nil {
		return nil, fmt.Errorf("listing archive: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// ValidateSetup verifies that the archive root is an accessible, writable
// directory.
func (a *FileSystemArchive) ValidateSetup() error {
	info, err := os.Stat(a.root)
	if err != nil {
		return fmt.Errorf("archive root not accessible: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("archive root is not a directory: %s", a.root)
	}

	probe, err := os.CreateTemp(a.root, ".probe-*")
	if err != nil {
		return fmt.Errorf("archive root not writable: %w", err)
	}
	probe.Close()
	os.Remove(probe.Name())
	return nil
}

// Compile-time check that FileSystemArchive implements the Archive interface
var _ wl.Archive = (*FileSystemArchive)(nil)
