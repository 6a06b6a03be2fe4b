package wl

import (
	"time"

	"worklog-go/internal/model"
)

// LegacyProfileName is the file a pre-versioning installation kept its
// single profile in, searched for under the store's config directory during
// migration.
const LegacyProfileName = "profile.json"

// Storage is the capability interface every storage engine implements. Two
// engines exist: the embedded relational store (SQLite) and the flat-file
// store. Both expose identical observable semantics; the engine is chosen
// once at startup and never mixed within a session. One store instance may
// host multiple user profiles.
//
// Mutating operations are serialized by the engine (single-writer
// discipline). Concurrent reads are allowed but never observe a partially
// applied append. No operation takes a timeout or cancellation; callers own
// that policy.
type Storage interface {
	// Initialize is idempotent: it creates the schema when absent and runs
	// any pending migrations, bringing the store to the current schema
	// version. Must be called once before any other operation.
	Initialize() error

	// Close releases the underlying handle.
	Close() error

	// AppendEvents appends a batch of events for a user atomically: no
	// reader observes a partially applied batch. Notes in the batch are
	// searchable by the time the call returns.
	AppendEvents(user string, events []model.Event) error

	// QueryDay returns the user's flow intervals starting on the given day,
	// in log order, each with its inferred end. The user's last flow overall
	// has no end and is reported open.
	QueryDay(user string, day time.Time) ([]model.FlowView, error)

	// QueryPeriod returns the user's flow intervals starting in [from, to),
	// in log order, each with its inferred end.
	QueryPeriod(user string, from, to time.Time) ([]model.FlowView, error)

	// SummarizePeriod sums flow durations over [from, to) per distinct
	// grouping-key tuple. A flow's whole duration counts toward the bucket
	// containing its start; open flows contribute nothing.
	SummarizePeriod(user string, from, to time.Time, keys []model.GroupKey) ([]model.GroupSummary, error)

	// ShiftLastFlowStart moves the start timestamp of the user's most recent
	// flow by delta and returns the adjusted interval. Returns a
	// NotFoundError if the user has no flows.
	ShiftLastFlowStart(user string, delta time.Duration) (*model.FlowView, error)

	// AllEvents returns the full event history in log order. An empty user
	// selects every profile's events.
	AllEvents(user string) ([]model.Event, error)

	// SearchNotes returns the user's notes matching the term, in log order,
	// each with its original timestamp.
	SearchNotes(user, term string) ([]model.NoteView, error)

	// Traces lists the user's command traces with timestamps in [from, to).
	Traces(user string, from, to time.Time) ([]model.TraceView, error)

	// GetCurrentTime returns the user's explicitly set current time if one
	// exists, else the wall clock. With no intervening SetCurrentTime, two
	// calls return non-decreasing instants.
	GetCurrentTime(user string) (time.Time, error)

	// SetCurrentTime sets the user's current time. A later call overwrites
	// the previous value; latest write wins.
	SetCurrentTime(user string, t time.Time) error

	// CreateProfile stores a new profile, assigning its UID and its opaque
	// 16-byte ID. Returns a ConstraintError when the name is taken.
	CreateProfile(profile *model.UserProfile) error

	// GetProfile fetches a profile by name. Returns a NotFoundError when no
	// profile has that name.
	GetProfile(name string) (*model.UserProfile, error)

	// UpdateProfile replaces the named profile's settings. UID and ID are
	// immutable and keep their stored values.
	UpdateProfile(name string, profile *model.UserProfile) error
}
