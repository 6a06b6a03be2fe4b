package model

import (
	"time"

	"github.com/google/uuid"
)

// FlowType classifies a recorded activity interval. The predefined set below
// is what the CLI offers by default; any other non-empty string is accepted
// as a custom type.
type FlowType string

const (
	Learning        FlowType = "Learning"
	Experimenting   FlowType = "Experimenting"
	Troubleshooting FlowType = "Troubleshooting"
	Coding          FlowType = "Coding"
	Rework          FlowType = "Rework"
	Meeting         FlowType = "Meeting"

	// Marker types. They close the preceding interval without opening one.
	NoteMarker FlowType = "Note"
	EndMarker  FlowType = "End"
)

// IsMarker reports whether the type only terminates the previous flow.
func (t FlowType) IsMarker() bool {
	return t == NoteMarker || t == EndMarker
}

// DefaultFlowTypes returns the predefined non-marker flow types.
func DefaultFlowTypes() []FlowType {
	return []FlowType{Learning, Experimenting, Troubleshooting, Coding, Rework, Meeting}
}

// EventTag identifies the concrete event kind in the log.
type EventTag string

const (
	TagFlow  EventTag = "Flow"
	TagNote  EventTag = "Note"
	TagTrace EventTag = "Trace"
)

// EventMeta carries the attribution every event has: the owning user, the
// local timestamp, and the working directory it happened in.
type EventMeta struct {
	User      string
	Timestamp time.Time
	Dir       string
}

// Meta makes any struct embedding EventMeta satisfy Event.
func (m EventMeta) Meta() EventMeta { return m }

// Event is the union of Flow, Note and Trace records appended to the log.
type Event interface {
	Meta() EventMeta
	Tag() EventTag
}

// Flow records the start of an activity interval. The end is never stored:
// it is the next flow's start for the same user, or "still open" for the
// user's most recent flow.
type Flow struct {
	EventMeta
	Type FlowType
}

func (Flow) Tag() EventTag { return TagFlow }

// Note is a free-text annotation. Immutable once written; indexed for search
// at append time.
type Note struct {
	EventMeta
	Text string
}

func (Note) Tag() EventTag { return TagNote }

// Trace records the outcome of an externally executed command.
type Trace struct {
	EventMeta
	Program  string
	Args     []string
	ExitCode int64
}

func (Trace) Tag() EventTag { return TagTrace }

// UserProfile holds per-user settings. UID is the store-assigned row
// identifier; ID is an opaque 16-byte identifier assigned once at creation.
// Name is unique across the store.
type UserProfile struct {
	UID           int64
	ID            uuid.UUID
	Name          string
	Timezone      string
	DayStart      string // "15:04"
	DayEnd        string // "15:04"
	PasswordSalt  []byte
	PasswordHash  []byte
	FlowColors    map[FlowType]string
	Aliases       map[string]string
	SchemaVersion int64
}

// Profile defaults applied when a serialized shape predates the field.
const (
	DefaultTimezone = "Local"
	DefaultDayStart = "08:00"
	DefaultDayEnd   = "18:30"
)

// FlowView is a flow interval with its inferred end. A zero End means the
// flow is still open.
type FlowView struct {
	Type  FlowType
	User  string
	Start time.Time
	End   time.Time
	Dir   string
}

// Open reports whether the interval has no inferred end yet.
func (v FlowView) Open() bool { return v.End.IsZero() }

// Duration returns the interval length, or zero for an open interval.
func (v FlowView) Duration() time.Duration {
	if v.Open() {
		return 0
	}
	return v.End.Sub(v.Start)
}

// NoteView is a note as returned by queries and searches.
type NoteView struct {
	User      string
	Timestamp time.Time
	Dir       string
	Text      string
}

// TraceView is a command trace as returned by queries.
type TraceView struct {
	User      string
	Timestamp time.Time
	Dir       string
	Program   string
	Args      []string
	ExitCode  int64
}

// GroupKey selects a dimension for period summaries.
type GroupKey string

const (
	GroupByDirectory GroupKey = "directory"
	GroupByFlowType  GroupKey = "type"
	GroupByDay       GroupKey = "day"
)

// GroupSummary is the summed duration of the flows sharing one distinct
// key tuple.
type GroupSummary struct {
	Keys     []string
	Duration time.Duration
}
