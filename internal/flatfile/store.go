// Package flatfile implements the storage interface on a single JSON-lines
// file. The file opens with a schema record carrying the store's version;
// every later line is an event, profile or time-override record. Records are
// append-only: profile updates and overrides append a superseding record and
// the last one wins on replay. The whole file is replayed into memory on
// open; reads serve from that state, writes append and only then mutate it.
package flatfile

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"worklog-go/internal/backup"
	"worklog-go/internal/codec"
	"worklog-go/internal/migrate"
	"worklog-go/internal/model"
	"worklog-go/internal/noteindex"
	"worklog-go/internal/wl"
)

// record is one line of the store file. Kind selects which other fields are
// meaningful.
type record struct {
	Kind    string          `json:"kind"`
	Version int64           `json:"version,omitempty"` // kind=schema
	Event   json.RawMessage `json:"event,omitempty"`   // kind=event
	UID     int64           `json:"uid,omitempty"`     // kind=profile
	Profile json.RawMessage `json:"profile,omitempty"` // kind=profile
	User    string          `json:"user,omitempty"`    // kind=override
	At      string          `json:"at,omitempty"`      // kind=override
}

const (
	kindSchema   = "schema"
	kindEvent    = "event"
	kindProfile  = "profile"
	kindOverride = "override"
)

// Store implements wl.Storage on one JSON-lines file.
type Store struct {
	path      string
	configDir string
	logger    wl.Logger
	fallback  *wl.MonotonicClock
	index     *noteindex.Index

	mu            sync.RWMutex
	schemaVersion int64
	events        []model.Event // arrival order
	profiles      []*model.UserProfile
	overrides     map[string]time.Time
}

// Options configures a Store.
type Options struct {
	Path      string    // store file; created by Initialize when absent
	ConfigDir string    // searched for a legacy profile during migration
	Clock     wl.Clock  // wall-clock fallback for GetCurrentTime; nil means real time
	Logger    wl.Logger // nil discards logs
}

// NewStore prepares a store over the file at opts.Path. Call Initialize
// before any other operation.
func NewStore(opts Options) *Store {
	if opts.Clock == nil {
		opts.Clock = wl.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = wl.NewNopLogger()
	}
	return &Store{
		path:      opts.Path,
		configDir: opts.ConfigDir,
		logger:    opts.Logger,
		fallback:  wl.NewMonotonicClock(opts.Clock),
		index:     noteindex.New(),
		overrides: make(map[string]time.Time),
	}
}

// Initialize replays the file into memory, brings the store to the current
// schema version and rebuilds the note index. Idempotent. A pending
// migration run executes under a backup of the store file: a step failing
// with a QueryError restores the pre-migration content.
func (s *Store) Initialize() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.load(); err != nil {
		return &wl.InitError{Path: s.path, Err: err}
	}

	steps := s.steps()
	if s.schemaVersion < migrate.Latest(steps) {
		err := backup.Guard(s.path, s.logger, func() error {
			return migrate.Run(s, steps, s.logger)
		})
		if err != nil {
			return err
		}
	}

	s.rebuildIndex()
	return nil
}

// Close releases nothing: the store holds no open handle between operations.
func (s *Store) Close() error { return nil }

// SchemaVersion reports the version from the file's schema record. A legacy
// file of bare event lines, or a missing file, reports 0. Callers hold mu.
func (s *Store) SchemaVersion() (int64, error) {
	return s.schemaVersion, nil
}

// SetSchemaVersion persists the schema record and the current state with it.
// Callers hold mu.
func (s *Store) SetSchemaVersion(v int64) error {
	prev := s.schemaVersion
	s.schemaVersion = v
	if err := s.writeAll(); err != nil {
		s.schemaVersion = prev
		return err
	}
	return nil
}

// steps returns the migration steps of the flat-file engine. The versions
// mirror the relational engine's so one store location moves through the
// product's schema history identically on either engine.
func (s *Store) steps() []migrate.Step {
	return []migrate.Step{
		{Version: 1, Name: "create store file", Apply: s.writeAll},
		{Version: 2, Name: "reencode legacy events", Apply: s.writeAll},
		{Version: 3, Name: "create profile records", Apply: func() error { return nil }},
		{Version: 4, Name: "import legacy profile", Apply: s.importLegacyProfile},
		{Version: 5, Name: "create override records", Apply: func() error { return nil }},
	}
}

// importLegacyProfile moves a pre-versioning file-resident profile into the
// store. On a fresh store the imported profile receives uid 1. Skipped when
// no legacy file exists or the name is already taken.
func (s *Store) importLegacyProfile() error {
	profile, err := wl.ReadLegacyProfile(s.configDir)
	if err != nil || profile == nil {
		return err
	}
	if p, _ := s.findProfile(profile.Name); p != nil {
		return nil
	}
	profile.UID = s.nextUID()
	s.profiles = append(s.profiles, profile)
	if err := s.writeAll(); err != nil {
		s.profiles = s.profiles[:len(s.profiles)-1]
		return err
	}
	s.logger.Info("imported legacy profile", "name", profile.Name, "uid", profile.UID)
	return nil
}

func (s *Store) AppendEvents(user string, events []model.Event) error {
	if len(events) == 0 {
		return nil
	}
	for _, ev := range events {
		if ev.Meta().User != user {
			return fmt.Errorf("event user %q does not match %q", ev.Meta().User, user)
		}
	}

	var buf bytes.Buffer
	for _, ev := range events {
		payload, err := codec.EncodeEvent(ev)
		if err != nil {
			return fmt.Errorf("encoding event: %w", err)
		}
		if err := appendRecord(&buf, record{Kind: kindEvent, Event: payload}); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.appendBytes(buf.Bytes()); err != nil {
		return err
	}
	s.events = append(s.events, events...)
	for _, ev := range events {
		if note, ok := ev.(model.Note); ok {
			s.index.Add(note.User, note.Timestamp, note.Dir, note.Text)
		}
	}
	s.logger.Debug("events appended", "user", user, "count", len(events))
	return nil
}

func (s *Store) QueryDay(user string, day time.Time) ([]model.FlowView, error) {
	from, to := wl.DayBounds(day)
	return s.QueryPeriod(user, from, to)
}

func (s *Store) QueryPeriod(user string, from, to time.Time) ([]model.FlowView, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	views := wl.BuildIntervals(wl.FlowsOf(s.ordered(), user))
	return wl.FilterStartsIn(views, from, to), nil
}

func (s *Store) SummarizePeriod(user string, from, to time.Time, keys []model.GroupKey) ([]model.GroupSummary, error) {
	views, err := s.QueryPeriod(user, from, to)
	if err != nil {
		return nil, err
	}
	return wl.Summarize(views, keys), nil
}

// ShiftLastFlowStart rewrites the store file with the adjusted flow under a
// backup: a write failure restores the original file.
func (s *Store) ShiftLastFlowStart(user string, delta time.Duration) (*model.FlowView, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Most recent flow by (timestamp, arrival order): a later arrival with
	// the same timestamp supersedes an earlier one.
	pos := -1
	var last model.Flow
	for i, ev := range s.events {
		f, ok := ev.(model.Flow)
		if !ok || f.User != user {
			continue
		}
		if pos < 0 || !f.Timestamp.Before(last.Timestamp) {
			last = f
			pos = i
		}
	}
	if pos < 0 {
		return nil, &wl.NotFoundError{User: user}
	}

	shifted := last
	shifted.Timestamp = last.Timestamp.Add(delta)
	s.events[pos] = shifted
	err := backup.Guard(s.path, s.logger, s.writeAll)
	if err != nil {
		s.events[pos] = last
		return nil, err
	}
	s.logger.Debug("shifted last flow start", "user", user, "delta", delta.String())
	return &model.FlowView{Type: shifted.Type, User: shifted.User, Start: shifted.Timestamp, Dir: shifted.Dir}, nil
}

func (s *Store) AllEvents(user string) ([]model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Event
	for _, ev := range s.ordered() {
		if user == "" || ev.Meta().User == user {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (s *Store) SearchNotes(user, term string) ([]model.NoteView, error) {
	return s.index.Search(user, term), nil
}

func (s *Store) Traces(user string, from, to time.Time) ([]model.TraceView, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return wl.TracesIn(s.ordered(), user, from, to), nil
}

func (s *Store) GetCurrentTime(user string) (time.Time, error) {
	s.mu.RLock()
	at, ok := s.overrides[user]
	s.mu.RUnlock()
	if ok {
		return at, nil
	}
	return s.fallback.Now(), nil
}

func (s *Store) SetCurrentTime(user string, t time.Time) error {
	var buf bytes.Buffer
	err := appendRecord(&buf, record{Kind: kindOverride, User: user, At: t.Format(time.RFC3339Nano)})
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.appendBytes(buf.Bytes()); err != nil {
		return err
	}
	s.overrides[user] = t
	s.logger.Debug("current time set", "user", user, "at", t.Format(time.RFC3339Nano))
	return nil
}

func (s *Store) CreateProfile(profile *model.UserProfile) error {
	if profile.Name == "" {
		return fmt.Errorf("profile needs a name")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if p, _ := s.findProfile(profile.Name); p != nil {
		return &wl.ConstraintError{Name: profile.Name}
	}
	if profile.ID == uuid.Nil {
		profile.ID = uuid.New()
	}
	profile.UID = s.nextUID()
	profile.SchemaVersion = codec.CurrentProfileVersion

	stored, err := s.appendProfile(profile)
	if err != nil {
		return err
	}
	s.profiles = append(s.profiles, stored)
	s.logger.Info("profile created", "name", profile.Name, "uid", profile.UID)
	return nil
}

func (s *Store) GetProfile(name string) (*model.UserProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, _ := s.findProfile(name)
	if p == nil {
		return nil, &wl.NotFoundError{User: name}
	}
	copied := *p
	return &copied, nil
}

// UpdateProfile appends a superseding record for the profile's uid. UID and
// ID keep their stored values; a rename must not take another profile's name.
func (s *Store) UpdateProfile(name string, profile *model.UserProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, idx := s.findProfile(name)
	if existing == nil {
		return &wl.NotFoundError{User: name}
	}
	if profile.Name == "" {
		profile.Name = name
	}
	if profile.Name != name {
		if taken, _ := s.findProfile(profile.Name); taken != nil {
			return &wl.ConstraintError{Name: profile.Name}
		}
	}
	profile.UID = existing.UID
	profile.ID = existing.ID
	profile.SchemaVersion = codec.CurrentProfileVersion

	stored, err := s.appendProfile(profile)
	if err != nil {
		return err
	}
	s.profiles[idx] = stored
	s.logger.Info("profile updated", "name", profile.Name)
	return nil
}

// Path returns the store file path.
func (s *Store) Path() string { return s.path }

// ordered returns the events in log order: timestamp ascending, arrival
// order breaking ties. Callers hold mu.
func (s *Store) ordered() []model.Event {
	out := make([]model.Event, len(s.events))
	copy(out, s.events)
	wl.SortByTime(out)
	return out
}

func (s *Store) findProfile(name string) (*model.UserProfile, int) {
	for i, p := range s.profiles {
		if p.Name == name {
			return p, i
		}
	}
	return nil, -1
}

func (s *Store) nextUID() int64 {
	var max int64
	for _, p := range s.profiles {
		if p.UID > max {
			max = p.UID
		}
	}
	return max + 1
}

// appendProfile writes the profile record and returns the store's own copy
// of the profile, decoded back from the written bytes. Keeping the decoded
// copy means later mutations of the caller's struct, its maps included,
// cannot reach store state, exactly as if the record had been replayed.
func (s *Store) appendProfile(profile *model.UserProfile) (*model.UserProfile, error) {
	encoded, err := codec.EncodeProfile(profile)
	if err != nil {
		return nil, fmt.Errorf("encoding profile: %w", err)
	}
	var buf bytes.Buffer
	if err := appendRecord(&buf, record{Kind: kindProfile, UID: profile.UID, Profile: encoded}); err != nil {
		return nil, err
	}
	if err := s.appendBytes(buf.Bytes()); err != nil {
		return nil, err
	}
	stored, err := codec.DecodeProfile(encoded)
	if err != nil {
		return nil, fmt.Errorf("decoding stored profile: %w", err)
	}
	stored.UID = profile.UID
	return stored, nil
}

// appendBytes writes pre-encoded record lines to the end of the store file
// in one write and syncs. Callers hold mu.
func (s *Store) appendBytes(data []byte) error {
	f, err := os.OpenFile(s.path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o600)
	if err != nil {
		return &wl.QueryError{Query: "append " + s.path, Message: err.Error()}
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return &wl.QueryError{Query: "append " + s.path, Message: err.Error()}
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return &wl.QueryError{Query: "append " + s.path, Message: err.Error()}
	}
	if err := f.Close(); err != nil {
		return &wl.QueryError{Query: "append " + s.path, Message: err.Error()}
	}
	return nil
}

// writeAll rewrites the whole file from the in-memory state: the schema
// record first, then profiles by uid, overrides, and events in arrival
// order, everything re-encoded at the current codec versions. Callers hold
// mu and, when the previous content matters, run under a backup guard.
func (s *Store) writeAll() error {
	var buf bytes.Buffer
	if err := appendRecord(&buf, record{Kind: kindSchema, Version: s.schemaVersion}); err != nil {
		return err
	}
	for _, p := range s.profiles {
		encoded, err := codec.EncodeProfile(p)
		if err != nil {
			return fmt.Errorf("encoding profile: %w", err)
		}
		if err := appendRecord(&buf, record{Kind: kindProfile, UID: p.UID, Profile: encoded}); err != nil {
			return err
		}
	}
	for user, at := range s.overrides {
		err := appendRecord(&buf, record{Kind: kindOverride, User: user, At: at.Format(time.RFC3339Nano)})
		if err != nil {
			return err
		}
	}
	for _, ev := range s.events {
		payload, err := codec.EncodeEvent(ev)
		if err != nil {
			return fmt.Errorf("encoding event: %w", err)
		}
		if err := appendRecord(&buf, record{Kind: kindEvent, Event: payload}); err != nil {
			return err
		}
	}

	f, err := os.OpenFile(s.path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return &wl.QueryError{Query: "rewrite " + s.path, Message: err.Error()}
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		f.Close()
		return &wl.QueryError{Query: "rewrite " + s.path, Message: err.Error()}
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return &wl.QueryError{Query: "rewrite " + s.path, Message: err.Error()}
	}
	if err := f.Close(); err != nil {
		return &wl.QueryError{Query: "rewrite " + s.path, Message: err.Error()}
	}
	return nil
}

// load replays the store file into memory. A missing file is an empty store
// at version 0. A file whose first line is not a schema record is a legacy
// pre-versioning store: bare event JSON lines, also version 0.
func (s *Store) load() error {
	s.schemaVersion = 0
	s.events = nil
	s.profiles = nil
	s.overrides = make(map[string]time.Time)

	f, err := os.Open(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("opening store file: %w", err)
	}
	defer f.Close()

	profilesByUID := make(map[int64]int) // uid -> index in s.profiles
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	first := true
	legacy := false
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		if first {
			first = false
			var probe record
			if err := json.Unmarshal(line, &probe); err == nil && probe.Kind == kindSchema {
				s.schemaVersion = probe.Version
				continue
			}
			legacy = true
		}
		if legacy {
			ev, err := codec.DecodeEvent(line)
			if err != nil {
				return &wl.QueryError{Query: "replay " + s.path, Message: err.Error()}
			}
			s.events = append(s.events, ev)
			continue
		}

		var rec record
		if err := json.Unmarshal(line, &rec); err != nil {
			return &wl.QueryError{Query: "replay " + s.path, Message: err.Error()}
		}
		switch rec.Kind {
		case kindEvent:
			ev, err := codec.DecodeEvent(rec.Event)
			if err != nil {
				return &wl.QueryError{Query: "replay " + s.path, Message: err.Error()}
			}
			s.events = append(s.events, ev)
		case kindProfile:
			profile, err := codec.DecodeProfile(rec.Profile)
			if err != nil {
				return &wl.QueryError{Query: "replay " + s.path, Message: err.Error()}
			}
			profile.UID = rec.UID
			if idx, ok := profilesByUID[rec.UID]; ok {
				s.profiles[idx] = profile
			} else {
				profilesByUID[rec.UID] = len(s.profiles)
				s.profiles = append(s.profiles, profile)
			}
		case kindOverride:
			at, err := time.Parse(time.RFC3339Nano, rec.At)
			if err != nil {
				return &wl.QueryError{Query: "replay " + s.path, Message: fmt.Sprintf("override for %s: %v", rec.User, err)}
			}
			s.overrides[rec.User] = at
		case kindSchema:
			// A later schema record supersedes the header's version.
			s.schemaVersion = rec.Version
		default:
			return &wl.QueryError{Query: "replay " + s.path, Message: fmt.Sprintf("unknown record kind %q", rec.Kind)}
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading store file: %w", err)
	}
	return nil
}

// rebuildIndex rebuilds the in-memory note index from the replayed events.
// Callers hold mu.
func (s *Store) rebuildIndex() {
	index := noteindex.New()
	for _, ev := range s.ordered() {
		if note, ok := ev.(model.Note); ok {
			index.Add(note.User, note.Timestamp, note.Dir, note.Text)
		}
	}
	s.index = index
}

func appendRecord(buf *bytes.Buffer, rec record) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding record: %w", err)
	}
	buf.Write(line)
	buf.WriteByte('\n')
	return nil
}

// Compile-time checks that Store satisfies the storage interfaces.
var (
	_ wl.Storage    = (*Store)(nil)
	_ migrate.Store = (*Store)(nil)
)
