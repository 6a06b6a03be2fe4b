// Package database implements the storage interface on an embedded SQLite
// database. Events live in an append-only event_log table as versioned JSON
// payloads with denormalized timestamp and type columns; profiles and time
// overrides have tables of their own.
package database

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"

	"worklog-go/internal/backup"
	"worklog-go/internal/codec"
	"worklog-go/internal/database/migrations"
	"worklog-go/internal/migrate"
	"worklog-go/internal/model"
	"worklog-go/internal/noteindex"
	"worklog-go/internal/wl"
)

// SQLiteStore implements wl.Storage on a single SQLite database file.
type SQLiteStore struct {
	db        *sql.DB
	path      string
	configDir string
	logger    wl.Logger
	fallback  *wl.MonotonicClock
	index     *noteindex.Index
	mu        sync.Mutex
}

// Options configures a SQLiteStore.
type Options struct {
	Path      string    // database file, or ":memory:"
	ConfigDir string    // searched for a legacy profile during migration
	Clock     wl.Clock  // wall-clock fallback for GetCurrentTime; nil means real time
	Logger    wl.Logger // nil discards logs
}

// NewSQLiteStore opens the database at opts.Path. Call Initialize before any
// other operation.
func NewSQLiteStore(opts Options) (*SQLiteStore, error) {
	if opts.Clock == nil {
		opts.Clock = wl.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = wl.NewNopLogger()
	}
	db, err := OpenConnection(opts.Path)
	if err != nil {
		return nil, &wl.InitError{Path: opts.Path, Err: err}
	}
	return &SQLiteStore{
		db:        db,
		path:      opts.Path,
		configDir: opts.ConfigDir,
		logger:    opts.Logger,
		fallback:  wl.NewMonotonicClock(opts.Clock),
		index:     noteindex.New(),
	}, nil
}

// OpenConnection opens and configures a SQLite connection. The pool is
// capped at one connection, so SQLite never sees concurrent writers and an
// in-memory database keeps its contents for the handle's lifetime.
func OpenConnection(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying %s: %w", pragma, err)
		}
	}
	return db, nil
}

// Initialize brings the store to the current schema version and rebuilds the
// note index from the log. Idempotent. When migration steps are pending the
// whole run executes under a backup of the database file: a step failing
// with a QueryError restores the file to its pre-migration state.
func (s *SQLiteStore) Initialize() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.SchemaVersion()
	if err != nil {
		return &wl.InitError{Path: s.path, Err: err}
	}
	if current < migrate.Latest(migrations.Steps(s.db, s.configDir, s.logger)) {
		if s.path == ":memory:" {
			err = migrate.Run(s, migrations.Steps(s.db, s.configDir, s.logger), s.logger)
		} else {
			err = s.migrateGuarded()
		}
		if err != nil {
			return err
		}
	}
	return s.rebuildIndex()
}

// migrateGuarded runs the pending migration steps under a backup of the
// database file. The main handle runs in WAL mode, where writes land in a
// sidecar the backup never sees and a close-time checkpoint would clobber a
// restored file, so the run happens on a dedicated rollback-journal
// connection: the main handle is checkpointed and closed first, every byte
// the steps write goes to the file the backup covers, and the handle is
// reopened once the backup is settled.
func (s *SQLiteStore) migrateGuarded() error {
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return &wl.InitError{Path: s.path, Err: fmt.Errorf("checkpointing before migration: %w", err)}
	}
	if err := s.db.Close(); err != nil {
		return &wl.InitError{Path: s.path, Err: fmt.Errorf("closing before migration: %w", err)}
	}
	s.db = nil

	runErr := backup.Guard(s.path, s.logger, func() error {
		db, err := openMigrationConnection(s.path)
		if err != nil {
			return &wl.InitError{Path: s.path, Err: err}
		}
		defer db.Close()
		return migrate.Run(versionMarker{db}, migrations.Steps(db, s.configDir, s.logger), s.logger)
	})

	db, err := OpenConnection(s.path)
	if err != nil {
		if runErr != nil {
			return runErr
		}
		return &wl.InitError{Path: s.path, Err: err}
	}
	s.db = db
	return runErr
}

// openMigrationConnection opens a connection whose writes all reach the main
// database file directly, switching the journal out of WAL mode for the
// connection's lifetime. Requires that no other connection has the file open.
func openMigrationConnection(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = DELETE",
		"PRAGMA synchronous = FULL",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying %s: %w", pragma, err)
		}
	}
	return db, nil
}

// SchemaVersion reads the persisted schema-version marker. A store that has
// never been migrated reports 0.
func (s *SQLiteStore) SchemaVersion() (int64, error) {
	return schemaVersion(s.db)
}

// SetSchemaVersion persists the schema-version marker.
func (s *SQLiteStore) SetSchemaVersion(v int64) error {
	return setSchemaVersion(s.db, v)
}

func schemaVersion(db *sql.DB) (int64, error) {
	var version int64
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return 0, &wl.QueryError{Query: "PRAGMA user_version", Message: err.Error()}
	}
	return version, nil
}

func setSchemaVersion(db *sql.DB, v int64) error {
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", v)); err != nil {
		return &wl.QueryError{Query: "PRAGMA user_version", Message: err.Error()}
	}
	return nil
}

// versionMarker adapts a raw connection to the runner's marker interface, for
// migration runs that do not go through the store's own handle.
type versionMarker struct {
	db *sql.DB
}

func (m versionMarker) SchemaVersion() (int64, error)  { return schemaVersion(m.db) }
func (m versionMarker) SetSchemaVersion(v int64) error { return setSchemaVersion(m.db, v) }

func (s *SQLiteStore) AppendEvents(user string, events []model.Event) error {
	if len(events) == 0 {
		return nil
	}
	for _, ev := range events {
		if ev.Meta().User != user {
			return fmt.Errorf("event user %q does not match %q", ev.Meta().User, user)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	for _, ev := range events {
		payload, err := codec.EncodeEvent(ev)
		if err != nil {
			return fmt.Errorf("encoding event: %w", err)
		}
		meta := ev.Meta()
		_, err = tx.Exec(
			`INSERT INTO event_log (timestamp, version, event_type, payload) VALUES (?, ?, ?, ?)`,
			meta.Timestamp.Format(time.RFC3339Nano), codec.CurrentEventVersion, string(ev.Tag()), string(payload),
		)
		if err != nil {
			return &wl.QueryError{Query: "INSERT INTO event_log", Message: err.Error()}
		}
	}
	if err := tx.Commit(); err != nil {
		return &wl.QueryError{Query: "INSERT INTO event_log", Message: err.Error()}
	}

	for _, ev := range events {
		if note, ok := ev.(model.Note); ok {
			s.index.Add(note.User, note.Timestamp, note.Dir, note.Text)
		}
	}
	s.logger.Debug("events appended", "user", user, "count", len(events))
	return nil
}

func (s *SQLiteStore) QueryDay(user string, day time.Time) ([]model.FlowView, error) {
	from, to := wl.DayBounds(day)
	return s.QueryPeriod(user, from, to)
}

func (s *SQLiteStore) QueryPeriod(user string, from, to time.Time) ([]model.FlowView, error) {
	views, err := s.flowViews(user)
	if err != nil {
		return nil, err
	}
	return wl.FilterStartsIn(views, from, to), nil
}

func (s *SQLiteStore) SummarizePeriod(user string, from, to time.Time, keys []model.GroupKey) ([]model.GroupSummary, error) {
	views, err := s.QueryPeriod(user, from, to)
	if err != nil {
		return nil, err
	}
	return wl.Summarize(views, keys), nil
}

func (s *SQLiteStore) ShiftLastFlowStart(user string, delta time.Duration) (*model.FlowView, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, last, err := s.lastFlow(user)
	if err != nil {
		return nil, err
	}
	if last == nil {
		return nil, &wl.NotFoundError{User: user}
	}

	last.Timestamp = last.Timestamp.Add(delta)
	payload, err := codec.EncodeEvent(*last)
	if err != nil {
		return nil, fmt.Errorf("encoding shifted flow: %w", err)
	}
	_, err = s.db.Exec(
		`UPDATE event_log SET timestamp = ?, payload = ? WHERE id = ?`,
		last.Timestamp.Format(time.RFC3339Nano), string(payload), id,
	)
	if err != nil {
		return nil, &wl.QueryError{Query: "UPDATE event_log", Message: err.Error()}
	}
	s.logger.Debug("shifted last flow start", "user", user, "delta", delta.String())
	return &model.FlowView{Type: last.Type, User: last.User, Start: last.Timestamp, Dir: last.Dir}, nil
}

func (s *SQLiteStore) AllEvents(user string) ([]model.Event, error) {
	events, err := s.loadEvents("")
	if err != nil {
		return nil, err
	}
	if user == "" {
		return events, nil
	}
	var out []model.Event
	for _, ev := range events {
		if ev.Meta().User == user {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (s *SQLiteStore) SearchNotes(user, term string) ([]model.NoteView, error) {
	return s.index.Search(user, term), nil
}

func (s *SQLiteStore) Traces(user string, from, to time.Time) ([]model.TraceView, error) {
	events, err := s.loadEvents(string(model.TagTrace))
	if err != nil {
		return nil, err
	}
	return wl.TracesIn(events, user, from, to), nil
}

func (s *SQLiteStore) GetCurrentTime(user string) (time.Time, error) {
	const query = `SELECT at FROM time_overrides WHERE user = ?`
	var at string
	err := s.db.QueryRow(query, user).Scan(&at)
	if errors.Is(err, sql.ErrNoRows) {
		return s.fallback.Now(), nil
	}
	if err != nil {
		return time.Time{}, &wl.QueryError{Query: query, Message: err.Error()}
	}
	t, err := time.Parse(time.RFC3339Nano, at)
	if err != nil {
		return time.Time{}, &wl.QueryError{Query: query, Message: fmt.Sprintf("override for %s: %v", user, err)}
	}
	return t, nil
}

func (s *SQLiteStore) SetCurrentTime(user string, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT INTO time_overrides (user, at) VALUES (?, ?) ON CONFLICT (user) DO UPDATE SET at = excluded.at`,
		user, t.Format(time.RFC3339Nano),
	)
	if err != nil {
		return &wl.QueryError{Query: "INSERT INTO time_overrides", Message: err.Error()}
	}
	s.logger.Debug("current time set", "user", user, "at", t.Format(time.RFC3339Nano))
	return nil
}

func (s *SQLiteStore) CreateProfile(profile *model.UserProfile) error {
	if profile.Name == "" {
		return fmt.Errorf("profile needs a name")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if profile.ID == uuid.Nil {
		profile.ID = uuid.New()
	}
	profile.SchemaVersion = codec.CurrentProfileVersion
	encoded, err := codec.EncodeProfile(profile)
	if err != nil {
		return fmt.Errorf("encoding profile: %w", err)
	}

	res, err := s.db.Exec(`INSERT INTO users (uuid, name, profile) VALUES (?, ?, ?)`, profile.ID.String(), profile.Name, string(encoded))
	if err != nil {
		if isUniqueViolation(err) {
			return &wl.ConstraintError{Name: profile.Name}
		}
		return &wl.QueryError{Query: "INSERT INTO users", Message: err.Error()}
	}
	uid, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading assigned uid: %w", err)
	}
	profile.UID = uid
	s.logger.Info("profile created", "name", profile.Name, "uid", uid)
	return nil
}

func (s *SQLiteStore) GetProfile(name string) (*model.UserProfile, error) {
	const query = `SELECT uid, profile FROM users WHERE name = ?`
	var uid int64
	var encoded string
	err := s.db.QueryRow(query, name).Scan(&uid, &encoded)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &wl.NotFoundError{User: name}
	}
	if err != nil {
		return nil, &wl.QueryError{Query: query, Message: err.Error()}
	}

	profile, err := codec.DecodeProfile([]byte(encoded))
	if err != nil {
		return nil, &wl.QueryError{Query: query, Message: fmt.Sprintf("profile %s: %v", name, err)}
	}
	profile.UID = uid
	return profile, nil
}

func (s *SQLiteStore) UpdateProfile(name string, profile *model.UserProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.GetProfile(name)
	if err != nil {
		return err
	}
	profile.UID = existing.UID
	profile.ID = existing.ID
	profile.SchemaVersion = codec.CurrentProfileVersion
	if profile.Name == "" {
		profile.Name = name
	}
	encoded, err := codec.EncodeProfile(profile)
	if err != nil {
		return fmt.Errorf("encoding profile: %w", err)
	}

	_, err = s.db.Exec(`UPDATE users SET name = ?, profile = ? WHERE name = ?`, profile.Name, string(encoded), name)
	if err != nil {
		if isUniqueViolation(err) {
			return &wl.ConstraintError{Name: profile.Name}
		}
		return &wl.QueryError{Query: "UPDATE users", Message: err.Error()}
	}
	s.logger.Info("profile updated", "name", profile.Name)
	return nil
}

// Path returns the database file path (or ":memory:").
func (s *SQLiteStore) Path() string {
	return s.path
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// flowViews returns the user's intervals over the whole log, ends inferred.
func (s *SQLiteStore) flowViews(user string) ([]model.FlowView, error) {
	events, err := s.loadEvents(string(model.TagFlow))
	if err != nil {
		return nil, err
	}
	return wl.BuildIntervals(wl.FlowsOf(events, user)), nil
}

// loadEvents fetches and decodes events in log order, optionally restricted
// to one event type.
func (s *SQLiteStore) loadEvents(eventType string) ([]model.Event, error) {
	query := `SELECT payload FROM event_log ORDER BY id ASC`
	var args []any
	if eventType != "" {
		query = `SELECT payload FROM event_log WHERE event_type = ? ORDER BY id ASC`
		args = append(args, eventType)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, &wl.QueryError{Query: query, Message: err.Error()}
	}
	defer rows.Close()

	var events []model.Event
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scanning event row: %w", err)
		}
		ev, err := codec.DecodeEvent([]byte(payload))
		if err != nil {
			return nil, &wl.QueryError{Query: query, Message: err.Error()}
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, &wl.QueryError{Query: query, Message: err.Error()}
	}

	wl.SortByTime(events)
	return events, nil
}

// lastFlow finds the user's most recent flow by (timestamp, insertion
// sequence). Returns a nil flow when the user has none.
func (s *SQLiteStore) lastFlow(user string) (int64, *model.Flow, error) {
	const query = `SELECT id, payload FROM event_log WHERE event_type = ? ORDER BY id ASC`
	rows, err := s.db.Query(query, string(model.TagFlow))
	if err != nil {
		return 0, nil, &wl.QueryError{Query: query, Message: err.Error()}
	}
	defer rows.Close()

	var bestID int64
	var best *model.Flow
	for rows.Next() {
		var id int64
		var payload string
		if err := rows.Scan(&id, &payload); err != nil {
			return 0, nil, fmt.Errorf("scanning event row: %w", err)
		}
		ev, err := codec.DecodeEvent([]byte(payload))
		if err != nil {
			return 0, nil, &wl.QueryError{Query: query, Message: err.Error()}
		}
		flow, ok := ev.(model.Flow)
		if !ok || flow.User != user {
			continue
		}
		if best == nil || !flow.Timestamp.Before(best.Timestamp) {
			best = &flow
			bestID = id
		}
	}
	if err := rows.Err(); err != nil {
		return 0, nil, &wl.QueryError{Query: query, Message: err.Error()}
	}
	return bestID, best, nil
}

// rebuildIndex loads the log and rebuilds the in-memory note index from it.
func (s *SQLiteStore) rebuildIndex() error {
	events, err := s.loadEvents(string(model.TagNote))
	if err != nil {
		return err
	}
	index := noteindex.New()
	for _, ev := range events {
		if note, ok := ev.(model.Note); ok {
			index.Add(note.User, note.Timestamp, note.Dir, note.Text)
		}
	}
	s.index = index
	return nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
}

// Compile-time checks that SQLiteStore satisfies the storage interfaces.
var (
	_ wl.Storage    = (*SQLiteStore)(nil)
	_ migrate.Store = (*SQLiteStore)(nil)
)
