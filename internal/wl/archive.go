package wl

import "io"

// Archive is a named-blob target for encrypted exports. Implementations
// exist for a filesystem directory, an in-memory map (tests) and an S3
// bucket; the target is chosen once at startup by configuration.
type Archive interface {
	// Put stores the reader's content under name, replacing any previous
	// content stored there.
	Put(name string, r io.Reader) error

	// Get writes the content stored under name to w.
	Get(name string, w io.Writer) error

	// List returns the names stored in the archive, sorted.
	List() ([]string, error)

	// ValidateSetup checks that the target is reachable and usable.
	ValidateSetup() error
}
