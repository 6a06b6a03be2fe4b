package database

import (
	"bytes"
	"database/sql"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
	"time"

	"worklog-go/internal/backup"
	"worklog-go/internal/codec"
	"worklog-go/internal/model"
	"worklog-go/internal/testutil"
	"worklog-go/internal/wl"
)

// newTestStore opens an initialized store on a fresh database file.
func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	return openStoreAt(t, filepath.Join(t.TempDir(), "worklog.db"), "")
}

func openStoreAt(t *testing.T, path, configDir string) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(Options{
		Path:      path,
		ConfigDir: configDir,
		Clock:     testutil.FixedClock(),
	})
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.Initialize(); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	return s
}

func TestSQLiteStore_Conformance(t *testing.T) {
	testutil.RunStorageConformance(t, func(t *testing.T) wl.Storage {
		return newTestStore(t)
	})
}

func TestSQLiteStore_ReopenKeepsEverything(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "worklog.db")

	s := openStoreAt(t, path, "")
	u := "arnaud"
	t0 := testutil.T0
	if err := s.AppendEvents(u, []model.Event{
		testutil.Flow(u, model.Coding, t0, "/proj"),
		testutil.Note(u, t0.Add(time.Minute), "/proj", "rolling upgrade notes"),
		testutil.Trace(u, t0.Add(2*time.Minute), "/proj", "make", []string{"test"}, 0),
	}); err != nil {
		t.Fatalf("AppendEvents() error = %v", err)
	}
	override := t0.Add(8 * time.Hour)
	if err := s.SetCurrentTime(u, override); err != nil {
		t.Fatalf("SetCurrentTime() error = %v", err)
	}
	if err := s.CreateProfile(&model.UserProfile{Name: u, Timezone: "Europe/Paris"}); err != nil {
		t.Fatalf("CreateProfile() error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	reopened := openStoreAt(t, path, "")

	events, err := reopened.AllEvents(u)
	if err != nil {
		t.Fatalf("AllEvents() error = %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("AllEvents() after reopen = %d events, want 3", len(events))
	}

	// Post-restart search results agree with the log: the index is rebuilt
	// from it on open.
	notes, err := reopened.SearchNotes(u, "upgrade")
	if err != nil {
		t.Fatalf("SearchNotes() error = %v", err)
	}
	if len(notes) != 1 || notes[0].Text != "rolling upgrade notes" {
		t.Errorf("SearchNotes() after reopen = %+v, want the stored note", notes)
	}

	got, err := reopened.GetCurrentTime(u)
	if err != nil {
		t.Fatalf("GetCurrentTime() error = %v", err)
	}
	if !got.Equal(override) {
		t.Errorf("GetCurrentTime() after reopen = %v, want persisted override %v", got, override)
	}

	profile, err := reopened.GetProfile(u)
	if err != nil {
		t.Fatalf("GetProfile() error = %v", err)
	}
	if profile.Timezone != "Europe/Paris" {
		t.Errorf("profile timezone after reopen = %q, want Europe/Paris", profile.Timezone)
	}
}

func TestSQLiteStore_ImportsLegacyProfileWithUIDOne(t *testing.T) {
	configDir := t.TempDir()
	// The oldest serialized shape has no version field at all.
	legacy := []byte(`{"name": "arnaud", "timezone": "Europe/Paris"}`)
	if err := os.WriteFile(filepath.Join(configDir, wl.LegacyProfileName), legacy, 0o600); err != nil {
		t.Fatalf("writing legacy profile: %v", err)
	}

	s := openStoreAt(t, filepath.Join(t.TempDir(), "worklog.db"), configDir)

	profile, err := s.GetProfile("arnaud")
	if err != nil {
		t.Fatalf("GetProfile() error = %v", err)
	}
	if profile.UID != 1 {
		t.Errorf("imported profile uid = %d, want 1", profile.UID)
	}
	if profile.Timezone != "Europe/Paris" {
		t.Errorf("imported timezone = %q, want Europe/Paris", profile.Timezone)
	}
	if profile.DayStart != model.DefaultDayStart || profile.DayEnd != model.DefaultDayEnd {
		t.Errorf("day bounds = %q-%q, want the defaults for a pre-versioning profile", profile.DayStart, profile.DayEnd)
	}
}

func TestSQLiteStore_ShiftRewritesStoredPayload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "worklog.db")
	s := openStoreAt(t, path, "")
	u := "arnaud"
	t0 := testutil.T0
	if err := s.AppendEvents(u, []model.Event{testutil.Flow(u, model.Coding, t0, "/proj")}); err != nil {
		t.Fatalf("AppendEvents() error = %v", err)
	}
	if _, err := s.ShiftLastFlowStart(u, 15*time.Minute); err != nil {
		t.Fatalf("ShiftLastFlowStart() error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	reopened := openStoreAt(t, path, "")
	events, err := reopened.AllEvents(u)
	if err != nil {
		t.Fatalf("AllEvents() error = %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("AllEvents() = %d events, want 1", len(events))
	}
	want := t0.Add(15 * time.Minute)
	if !events[0].Meta().Timestamp.Equal(want) {
		t.Errorf("persisted start = %v, want %v", events[0].Meta().Timestamp, want)
	}
}

func TestSQLiteStore_FailedMigrationRestoresDatabaseFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "worklog.db")

	// Seed a version-1 store by hand: the event_log shape before the
	// event_type column, holding a payload the backfill cannot decode.
	seed, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatalf("opening seed database: %v", err)
	}
	stmts := []string{
		`CREATE TABLE event_log (
			id        INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp TEXT    NOT NULL,
			version   INTEGER NOT NULL,
			payload   TEXT    NOT NULL
		)`,
		`INSERT INTO event_log (timestamp, version, payload) VALUES ('2024-01-15T09:00:00Z', 1, 'not an event')`,
		`PRAGMA user_version = 1`,
	}
	for _, stmt := range stmts {
		if _, err := seed.Exec(stmt); err != nil {
			t.Fatalf("seeding version-1 store: %v", err)
		}
	}
	if err := seed.Close(); err != nil {
		t.Fatalf("closing seed database: %v", err)
	}

	s, err := NewSQLiteStore(Options{Path: path, Clock: testutil.FixedClock()})
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	before, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading file before migration: %v", err)
	}

	initErr := s.Initialize()
	if initErr == nil {
		t.Fatal("Initialize() over an undecodable payload succeeded, want a backfill failure")
	}
	if !wl.IsQueryError(initErr) {
		t.Fatalf("Initialize() error = %v, want a query error", initErr)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	// The restore must survive the connection teardown: nothing may trickle
	// back onto the file after the backup was copied over it.
	after, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading file after failed migration: %v", err)
	}
	if !bytes.Equal(before, after) {
		t.Errorf("database file changed across a restored migration: %d bytes before, %d after", len(before), len(after))
	}
	for _, sidecar := range []string{path + "-wal", path + "-shm"} {
		if _, err := os.Stat(sidecar); !errors.Is(err, fs.ErrNotExist) {
			t.Errorf("sidecar %s left behind (stat error = %v)", filepath.Base(sidecar), err)
		}
	}
	backups, err := backup.List(path)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(backups) != 0 {
		t.Errorf("backups left behind after restore: %v", backups)
	}

	// The file still reads as an intact version-1 store.
	check, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatalf("reopening restored database: %v", err)
	}
	defer check.Close()
	var version int64
	if err := check.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		t.Fatalf("reading user_version: %v", err)
	}
	if version != 1 {
		t.Errorf("user_version after restore = %d, want 1", version)
	}
	rows, err := check.Query("PRAGMA table_info(event_log)")
	if err != nil {
		t.Fatalf("reading table info: %v", err)
	}
	defer rows.Close()
	for rows.Next() {
		var cid, notNull, pk int
		var name, colType string
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dflt, &pk); err != nil {
			t.Fatalf("scanning table info: %v", err)
		}
		if name == "event_type" {
			t.Error("event_type column present after restore, want the version-1 schema")
		}
	}
	if err := rows.Err(); err != nil {
		t.Fatalf("reading table info: %v", err)
	}
}

func TestSQLiteStore_SchemaVersionMarkerAfterInit(t *testing.T) {
	s := newTestStore(t)

	v, err := s.SchemaVersion()
	if err != nil {
		t.Fatalf("SchemaVersion() error = %v", err)
	}
	if want := int64(5); v != want {
		t.Errorf("SchemaVersion() after init = %d, want %d", v, want)
	}
}

func TestSQLiteStore_DecodesLegacyEventPayloads(t *testing.T) {
	s := newTestStore(t)

	// A version-1 trace stored the whole command line as one string.
	legacy := `{"version":1,"tag":"Trace","user":"arnaud","timestamp":"2024-01-15T09:00:00Z","dir":"/proj","command":"make test -v","exitCode":2}`
	_, err := s.db.Exec(
		`INSERT INTO event_log (timestamp, version, event_type, payload) VALUES (?, ?, ?, ?)`,
		"2024-01-15T09:00:00Z", 1, string(model.TagTrace), legacy,
	)
	if err != nil {
		t.Fatalf("inserting legacy payload: %v", err)
	}

	traces, err := s.Traces("arnaud", testutil.T0.Add(-time.Hour), testutil.T0.Add(time.Hour))
	if err != nil {
		t.Fatalf("Traces() error = %v", err)
	}
	if len(traces) != 1 {
		t.Fatalf("Traces() = %d entries, want 1", len(traces))
	}
	tr := traces[0]
	if tr.Program != "make" || len(tr.Args) != 2 || tr.Args[0] != "test" || tr.Args[1] != "-v" || tr.ExitCode != 2 {
		t.Errorf("decoded legacy trace = %+v, want make [test -v] exit 2", tr)
	}
}

func TestSQLiteStore_ProfilePayloadCarriesCurrentVersion(t *testing.T) {
	s := newTestStore(t)
	if err := s.CreateProfile(&model.UserProfile{Name: "arnaud"}); err != nil {
		t.Fatalf("CreateProfile() error = %v", err)
	}

	p, err := s.GetProfile("arnaud")
	if err != nil {
		t.Fatalf("GetProfile() error = %v", err)
	}
	if p.SchemaVersion != codec.CurrentProfileVersion {
		t.Errorf("profile schema version = %d, want %d", p.SchemaVersion, codec.CurrentProfileVersion)
	}
}
