// Package archive implements the export targets: a filesystem directory, an
// in-memory map for tests, and an S3 bucket. Exports reach the archive
// already encrypted; the archive only stores and retrieves named blobs.
package archive

import (
	"bytes"
	"fmt"
	"io"
	"sort"
	"sync"

	"worklog-go/internal/wl"
)

// MemoryArchive is an in-memory implementation of the Archive interface,
// useful for testing. Safe for concurrent use.
type MemoryArchive struct {
	name  string
	blobs map[string][]byte
	mu    sync.RWMutex
}

// NewMemoryArchive creates a new in-memory archive with the given name.
func NewMemoryArchive(name string) *MemoryArchive {
	return &MemoryArchive{
		name:  name,
		blobs: make(map[string][]byte),
	}
}

// Put stores the reader's content under name. A later Put with the same
// name replaces the previous content.
func (a *MemoryArchive) Put(name string, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("failed to read content: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.blobs[name] = data
	return nil
}

// Get writes the content stored under name to w.
func (a *MemoryArchive) Get(name string, w io.Writer) error {
	a.mu.RLock()
	defer a.mu.RUnlock()

	data, ok := a.blobs[name]
	if !ok {
		return fmt.Errorf("archive entry not found: %s", name)
	}
	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to write content: %w", err)
	}
	return nil
}

// List returns the stored names, sorted.
func (a *MemoryArchive) List() ([]string, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	names := make([]string, 0, len(a.blobs))
	for name := range a.blobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// ValidateSetup always succeeds for the in-memory archive.
func (a *MemoryArchive) ValidateSetup() error {
	return nil
}

// Compile-time check that MemoryArchive implements the Archive interface
var _ wl.Archive = (*MemoryArchive)(nil)
