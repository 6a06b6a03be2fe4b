// Package migrations defines the ordered schema upgrades of the SQLite
// store. Each step targets the version it upgrades to and is safe to re-run
// over data it has already transformed: the version marker update is not
// atomic with a step's effects across a crash.
package migrations

import (
	"database/sql"
	"fmt"

	"worklog-go/internal/codec"
	"worklog-go/internal/migrate"
	"worklog-go/internal/wl"
)

const createEventLogSQL = `
CREATE TABLE IF NOT EXISTS event_log (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp TEXT    NOT NULL,
	version   INTEGER NOT NULL,
	payload   TEXT    NOT NULL
)`

const createUsersSQL = `
CREATE TABLE IF NOT EXISTS users (
	uid     INTEGER PRIMARY KEY AUTOINCREMENT,
	uuid    TEXT NOT NULL UNIQUE,
	name    TEXT NOT NULL UNIQUE,
	profile TEXT NOT NULL
)`

const createTimeOverridesSQL = `
CREATE TABLE IF NOT EXISTS time_overrides (
	user TEXT PRIMARY KEY,
	at   TEXT NOT NULL
)`

// Steps returns the migration steps for a SQLite store. configDir is the
// directory searched for a legacy file-resident profile; empty disables the
// import step.
func Steps(db *sql.DB, configDir string, logger wl.Logger) []migrate.Step {
	return []migrate.Step{
		{Version: 1, Name: "create event log", Apply: func() error { return createEventLog(db) }},
		{Version: 2, Name: "add event type column", Apply: func() error { return addEventType(db) }},
		{Version: 3, Name: "create user profiles", Apply: func() error { return createUsers(db) }},
		{Version: 4, Name: "import legacy profile", Apply: func() error { return importLegacyProfile(db, configDir, logger) }},
		{Version: 5, Name: "create time overrides", Apply: func() error { return createTimeOverrides(db) }},
	}
}

func createEventLog(db *sql.DB) error {
	if _, err := db.Exec(createEventLogSQL); err != nil {
		return &wl.QueryError{Query: "CREATE TABLE event_log", Message: err.Error()}
	}
	return nil
}

func createUsers(db *sql.DB) error {
	if _, err := db.Exec(createUsersSQL); err != nil {
		return &wl.QueryError{Query: "CREATE TABLE users", Message: err.Error()}
	}
	return nil
}

func createTimeOverrides(db *sql.DB) error {
	if _, err := db.Exec(createTimeOverridesSQL); err != nil {
		return &wl.QueryError{Query: "CREATE TABLE time_overrides", Message: err.Error()}
	}
	return nil
}

// addEventType adds the denormalized event_type column and backfills it from
// each row's payload, which has carried the tag since the first version.
func addEventType(db *sql.DB) error {
	hasColumn, err := columnExists(db, "event_log", "event_type")
	if err != nil {
		return err
	}
	if !hasColumn {
		if _, err := db.Exec(`ALTER TABLE event_log ADD COLUMN event_type TEXT NOT NULL DEFAULT ''`); err != nil {
			return &wl.QueryError{Query: "ALTER TABLE event_log", Message: err.Error()}
		}
	}
	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS event_log_type ON event_log (event_type)`); err != nil {
		return &wl.QueryError{Query: "CREATE INDEX event_log_type", Message: err.Error()}
	}
	return backfillEventTypes(db)
}

func backfillEventTypes(db *sql.DB) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	const selectSQL = `SELECT id, payload FROM event_log WHERE event_type = ''`
	rows, err := tx.Query(selectSQL)
	if err != nil {
		return &wl.QueryError{Query: selectSQL, Message: err.Error()}
	}

	type pending struct {
		id  int64
		tag string
	}
	var updates []pending
	for rows.Next() {
		var id int64
		var payload string
		if err := rows.Scan(&id, &payload); err != nil {
			rows.Close()
			return fmt.Errorf("scanning event row: %w", err)
		}
		ev, err := codec.DecodeEvent([]byte(payload))
		if err != nil {
			rows.Close()
			return &wl.QueryError{Query: selectSQL, Message: fmt.Sprintf("event %d: %v", id, err)}
		}
		updates = append(updates, pending{id: id, tag: string(ev.Tag())})
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("reading event rows: %w", err)
	}
	rows.Close()

	for _, u := range updates {
		if _, err := tx.Exec(`UPDATE event_log SET event_type = ? WHERE id = ?`, u.tag, u.id); err != nil {
			return &wl.QueryError{Query: "UPDATE event_log SET event_type", Message: err.Error()}
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing backfill: %w", err)
	}
	return nil
}

// importLegacyProfile moves a pre-versioning file-resident profile into the
// users table. On a fresh store the imported profile receives uid 1. The
// step is skipped when no legacy file exists or the name is already present.
func importLegacyProfile(db *sql.DB, configDir string, logger wl.Logger) error {
	profile, err := wl.ReadLegacyProfile(configDir)
	if err != nil || profile == nil {
		return err
	}

	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM users WHERE name = ?`, profile.Name).Scan(&count); err != nil {
		return &wl.QueryError{Query: "SELECT COUNT(*) FROM users", Message: err.Error()}
	}
	if count > 0 {
		return nil
	}

	encoded, err := codec.EncodeProfile(profile)
	if err != nil {
		return fmt.Errorf("encoding imported profile: %w", err)
	}
	if _, err := db.Exec(`INSERT INTO users (uuid, name, profile) VALUES (?, ?, ?)`, profile.ID.String(), profile.Name, string(encoded)); err != nil {
		return &wl.QueryError{Query: "INSERT INTO users", Message: err.Error()}
	}
	logger.Info("imported legacy profile", "name", profile.Name)
	return nil
}

func columnExists(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, &wl.QueryError{Query: "PRAGMA table_info", Message: err.Error()}
	}
	defer rows.Close()

	for rows.Next() {
		var cid, notNull, pk int
		var name, colType string
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dflt, &pk); err != nil {
			return false, fmt.Errorf("scanning table info: %w", err)
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
