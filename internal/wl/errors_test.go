package wl

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorKinds_RemainRecognizableWhenWrapped(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		err   error
		check func(error) bool
	}{
		{name: "query error", err: &QueryError{Query: "SELECT 1", Message: "no such table"}, check: IsQueryError},
		{name: "constraint violation", err: &ConstraintError{Name: "arnaud"}, check: IsConstraint},
		{name: "not found", err: &NotFoundError{User: "ghost"}, check: IsNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if !tt.check(tt.err) {
				t.Errorf("check(%v) = false, want true", tt.err)
			}
			wrapped := fmt.Errorf("running operation: %w", tt.err)
			if !tt.check(wrapped) {
				t.Errorf("check(wrapped) = false, want true")
			}
			if tt.check(errors.New("unrelated")) {
				t.Error("check(unrelated) = true, want false")
			}
		})
	}
}

func TestMigrationError_UnwrapsToCause(t *testing.T) {
	t.Parallel()

	cause := &QueryError{Query: "ALTER TABLE event_log", Message: "locked"}
	err := &MigrationError{Step: "add event type column", Err: cause}

	if !IsQueryError(err) {
		t.Error("IsQueryError(MigrationError wrapping a QueryError) = false, want true")
	}
	if !strings.Contains(err.Error(), "add event type column") {
		t.Errorf("Error() = %q, want it to name the step", err.Error())
	}
}

func TestInitError_UnwrapsToCause(t *testing.T) {
	t.Parallel()

	cause := errors.New("file is not a database")
	err := &InitError{Path: "/tmp/broken.db", Err: cause}

	if !errors.Is(err, cause) {
		t.Error("errors.Is(InitError, cause) = false, want true")
	}
	if !strings.Contains(err.Error(), "/tmp/broken.db") {
		t.Errorf("Error() = %q, want it to name the path", err.Error())
	}
}

func TestQueryError_MessageNamesQuery(t *testing.T) {
	t.Parallel()

	err := &QueryError{Query: "INSERT INTO event_log", Message: "constraint failed"}
	if !strings.Contains(err.Error(), "INSERT INTO event_log") {
		t.Errorf("Error() = %q, want it to carry the failing query", err.Error())
	}
}
