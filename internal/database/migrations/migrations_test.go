package migrations

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"worklog-go/internal/migrate"
	"worklog-go/internal/wl"
)

// pragmaStore keeps the schema-version marker in PRAGMA user_version, the
// same place the storage engine keeps it.
type pragmaStore struct {
	db *sql.DB
}

func (s *pragmaStore) SchemaVersion() (int64, error) {
	var v int64
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&v); err != nil {
		return 0, err
	}
	return v, nil
}

func (s *pragmaStore) SetSchemaVersion(v int64) error {
	_, err := s.db.Exec(fmt.Sprintf("PRAGMA user_version = %d", v))
	return err
}

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "worklog.db"))
	if err != nil {
		t.Fatalf("opening database: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func runAll(t *testing.T, db *sql.DB, configDir string) {
	t.Helper()
	store := &pragmaStore{db: db}
	if err := migrate.Run(store, Steps(db, configDir, wl.NewNopLogger()), wl.NewNopLogger()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
}

func TestSteps_FreshStoreReachesCurrentVersion(t *testing.T) {
	db := openTestDB(t)
	runAll(t, db, "")

	store := &pragmaStore{db: db}
	v, err := store.SchemaVersion()
	if err != nil {
		t.Fatalf("SchemaVersion() error = %v", err)
	}
	if want := int64(5); v != want {
		t.Errorf("schema version = %d, want %d", v, want)
	}

	for _, table := range []string{"event_log", "users", "time_overrides"} {
		var name string
		err := db.QueryRow(`SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&name)
		if err != nil {
			t.Errorf("table %s missing after migration: %v", table, err)
		}
	}
}

func TestSteps_RunningTwiceYieldsSameState(t *testing.T) {
	db := openTestDB(t)
	runAll(t, db, "")

	// Force every step to run again: reset the marker without touching the
	// transformed data, mimicking a crash between a step and its marker
	// update.
	store := &pragmaStore{db: db}
	if err := store.SetSchemaVersion(0); err != nil {
		t.Fatalf("SetSchemaVersion() error = %v", err)
	}
	runAll(t, db, "")

	v, err := store.SchemaVersion()
	if err != nil {
		t.Fatalf("SchemaVersion() error = %v", err)
	}
	if v != 5 {
		t.Errorf("schema version after rerun = %d, want 5", v)
	}
	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM event_log`).Scan(&count); err != nil {
		t.Fatalf("counting events: %v", err)
	}
	if count != 0 {
		t.Errorf("event count after rerun = %d, want 0", count)
	}
}

func TestSteps_BackfillsEventTypeFromPayload(t *testing.T) {
	db := openTestDB(t)

	// Bring the store to version 1 only, then insert rows the way the
	// pre-type schema stored them.
	store := &pragmaStore{db: db}
	steps := Steps(db, "", wl.NewNopLogger())
	if err := migrate.Run(store, steps[:1], wl.NewNopLogger()); err != nil {
		t.Fatalf("Run(create) error = %v", err)
	}
	payloads := []string{
		`{"version":1,"tag":"Flow","user":"arnaud","timestamp":"2024-01-15T09:00:00Z","dir":"/proj","flowType":"Coding"}`,
		`{"version":1,"tag":"Note","user":"arnaud","timestamp":"2024-01-15T09:05:00Z","dir":"/proj","text":"hello"}`,
	}
	for _, p := range payloads {
		if _, err := db.Exec(`INSERT INTO event_log (timestamp, version, payload) VALUES ('2024-01-15T09:00:00Z', 1, ?)`, p); err != nil {
			t.Fatalf("inserting legacy row: %v", err)
		}
	}

	runAll(t, db, "")

	rows, err := db.Query(`SELECT event_type FROM event_log ORDER BY id`)
	if err != nil {
		t.Fatalf("querying event types: %v", err)
	}
	defer rows.Close()
	var types []string
	for rows.Next() {
		var et string
		if err := rows.Scan(&et); err != nil {
			t.Fatalf("scanning: %v", err)
		}
		types = append(types, et)
	}
	if len(types) != 2 || types[0] != "Flow" || types[1] != "Note" {
		t.Errorf("backfilled types = %v, want [Flow Note]", types)
	}
}

func TestSteps_ImportLegacyProfile(t *testing.T) {
	t.Run("imports the file-resident profile with uid 1", func(t *testing.T) {
		configDir := t.TempDir()
		legacy := []byte(`{"version": 1, "name": "arnaud", "timezone": "Europe/Paris", "dayStart": "09:00", "dayEnd": "17:00"}`)
		if err := os.WriteFile(filepath.Join(configDir, wl.LegacyProfileName), legacy, 0o600); err != nil {
			t.Fatalf("writing legacy profile: %v", err)
		}

		db := openTestDB(t)
		runAll(t, db, configDir)

		var uid int64
		var name string
		if err := db.QueryRow(`SELECT uid, name FROM users`).Scan(&uid, &name); err != nil {
			t.Fatalf("querying imported profile: %v", err)
		}
		if uid != 1 || name != "arnaud" {
			t.Errorf("imported profile = (%d, %s), want (1, arnaud)", uid, name)
		}
	})

	t.Run("rerun does not duplicate the profile", func(t *testing.T) {
		configDir := t.TempDir()
		legacy := []byte(`{"name": "arnaud"}`)
		if err := os.WriteFile(filepath.Join(configDir, wl.LegacyProfileName), legacy, 0o600); err != nil {
			t.Fatalf("writing legacy profile: %v", err)
		}

		db := openTestDB(t)
		runAll(t, db, configDir)
		store := &pragmaStore{db: db}
		if err := store.SetSchemaVersion(3); err != nil {
			t.Fatalf("SetSchemaVersion() error = %v", err)
		}
		runAll(t, db, configDir)

		var count int
		if err := db.QueryRow(`SELECT COUNT(*) FROM users`).Scan(&count); err != nil {
			t.Fatalf("counting profiles: %v", err)
		}
		if count != 1 {
			t.Errorf("profile count after rerun = %d, want 1", count)
		}
	})

	t.Run("no legacy file means no import", func(t *testing.T) {
		db := openTestDB(t)
		runAll(t, db, t.TempDir())

		var count int
		if err := db.QueryRow(`SELECT COUNT(*) FROM users`).Scan(&count); err != nil {
			t.Fatalf("counting profiles: %v", err)
		}
		if count != 0 {
			t.Errorf("profile count = %d, want 0", count)
		}
	})
}

func TestSteps_MalformedLegacyProfileFailsTheStep(t *testing.T) {
	configDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(configDir, wl.LegacyProfileName), []byte("{not json"), 0o600); err != nil {
		t.Fatalf("writing legacy profile: %v", err)
	}

	db := openTestDB(t)
	store := &pragmaStore{db: db}
	err := migrate.Run(store, Steps(db, configDir, wl.NewNopLogger()), wl.NewNopLogger())
	var me *wl.MigrationError
	if !errors.As(err, &me) {
		t.Fatalf("Run() error = %v, want MigrationError", err)
	}
	if me.Step != "import legacy profile" {
		t.Errorf("failing step = %q, want the import step", me.Step)
	}

	// The marker stopped before the failing step, so a rerun resumes there.
	v, err := store.SchemaVersion()
	if err != nil {
		t.Fatalf("SchemaVersion() error = %v", err)
	}
	if v != 3 {
		t.Errorf("schema version after failure = %d, want 3", v)
	}
}
