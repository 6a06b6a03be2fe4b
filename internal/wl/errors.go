package wl

import (
	"errors"
	"fmt"
)

// InitError reports that a store could not be opened, or that its contents
// were too damaged to bring to the current schema.
type InitError struct {
	Path string
	Err  error
}

func (e *InitError) Error() string {
	return fmt.Sprintf("initializing store at %s: %v", e.Path, e.Err)
}

func (e *InitError) Unwrap() error { return e.Err }

// QueryError reports that a statement against the store failed in a way that
// may have left the backing file corrupt or unusable. It carries the failing
// query and the engine's message. This is the one error kind the backup
// guard recognizes: a guarded action failing with a QueryError has its
// original file restored before the error is re-surfaced.
type QueryError struct {
	Query   string
	Message string
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("query %q failed: %s", e.Query, e.Message)
}

// ConstraintError reports a violated uniqueness constraint on a profile name.
type ConstraintError struct {
	Name string
}

func (e *ConstraintError) Error() string {
	return fmt.Sprintf("profile name already taken: %s", e.Name)
}

// NotFoundError reports an unknown user or profile.
type NotFoundError struct {
	User string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no such user: %s", e.User)
}

// MigrationError reports a failed migration step. It is fatal to store
// initialization; no rollback is attempted beyond what the backup guard
// provides at the file level.
type MigrationError struct {
	Step string
	Err  error
}

func (e *MigrationError) Error() string {
	return fmt.Sprintf("migration step %q: %v", e.Step, e.Err)
}

func (e *MigrationError) Unwrap() error { return e.Err }

// IsQueryError reports whether err is or wraps a QueryError.
func IsQueryError(err error) bool {
	var qe *QueryError
	return errors.As(err, &qe)
}

// IsConstraint reports whether err is or wraps a ConstraintError.
func IsConstraint(err error) bool {
	var ce *ConstraintError
	return errors.As(err, &ce)
}

// IsNotFound reports whether err is or wraps a NotFoundError.
func IsNotFound(err error) bool {
	var ne *NotFoundError
	return errors.As(err, &ne)
}
