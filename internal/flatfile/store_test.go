package flatfile

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"worklog-go/internal/backup"
	"worklog-go/internal/model"
	"worklog-go/internal/testutil"
	"worklog-go/internal/wl"
)

// newTestStore opens an initialized store on a fresh file.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	return openStoreAt(t, filepath.Join(t.TempDir(), "worklog.jsonl"), "")
}

func openStoreAt(t *testing.T, path, configDir string) *Store {
	t.Helper()
	s := NewStore(Options{
		Path:      path,
		ConfigDir: configDir,
		Clock:     testutil.FixedClock(),
	})
	t.Cleanup(func() { s.Close() })
	if err := s.Initialize(); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	return s
}

func TestStore_Conformance(t *testing.T) {
	testutil.RunStorageConformance(t, func(t *testing.T) wl.Storage {
		return newTestStore(t)
	})
}

func TestStore_ReportedTimeSurvivesClockRegression(t *testing.T) {
	clock := testutil.FixedClock()
	s := NewStore(Options{
		Path:  filepath.Join(t.TempDir(), "worklog.jsonl"),
		Clock: clock,
	})
	t.Cleanup(func() { s.Close() })
	if err := s.Initialize(); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	first, err := s.GetCurrentTime("arnaud")
	if err != nil {
		t.Fatalf("GetCurrentTime() error = %v", err)
	}
	// An NTP step or a TZ mishap may pull the wall clock backwards; the
	// reported time must hold its ground.
	clock.Set(first.Add(-time.Hour))
	second, err := s.GetCurrentTime("arnaud")
	if err != nil {
		t.Fatalf("GetCurrentTime() error = %v", err)
	}
	if second.Before(first) {
		t.Errorf("GetCurrentTime() went backwards: %v then %v", first, second)
	}
}

func TestStore_ReopenKeepsEverything(t *testing.T) {
	path := filepath.Join(t.TempDir(), "worklog.jsonl")

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

	reopened := openStoreAt(t, path, "")

	events, err := reopened.AllEvents(u)
	if err != nil {
		t.Fatalf("AllEvents() error = %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("AllEvents() after reopen = %d events, want 3", len(events))
	}

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

func TestStore_MigratesLegacyBareEventFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "worklog.jsonl")
	// A pre-versioning store: bare event lines, no schema record, and a
	// version-1 trace carrying the old single-string command shape.
	legacy := strings.Join([]string{
		`{"version":1,"tag":"Flow","user":"arnaud","timestamp":"2024-01-15T09:00:00Z","dir":"/proj","flowType":"Coding"}`,
		`{"version":1,"tag":"Trace","user":"arnaud","timestamp":"2024-01-15T09:05:00Z","dir":"/proj","command":"make test","exitCode":0}`,
	}, "\n") + "\n"
	if err := os.WriteFile(path, []byte(legacy), 0o600); err != nil {
		t.Fatalf("writing legacy store: %v", err)
	}

	s := openStoreAt(t, path, "")

	v, err := s.SchemaVersion()
	if err != nil {
		t.Fatalf("SchemaVersion() error = %v", err)
	}
	if want := int64(5); v != want {
		t.Errorf("SchemaVersion() after migration = %d, want %d", v, want)
	}

	events, err := s.AllEvents("arnaud")
	if err != nil {
		t.Fatalf("AllEvents() error = %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("AllEvents() = %d events, want 2", len(events))
	}
	tr, ok := events[1].(model.Trace)
	if !ok {
		t.Fatalf("second event = %T, want a trace", events[1])
	}
	if tr.Program != "make" || len(tr.Args) != 1 || tr.Args[0] != "test" {
		t.Errorf("migrated trace = %+v, want make [test]", tr)
	}

	// The rewritten file now opens with a schema record.
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading store file: %v", err)
	}
	firstLine := strings.SplitN(string(data), "\n", 2)[0]
	if !strings.Contains(firstLine, `"kind":"schema"`) {
		t.Errorf("first line = %q, want a schema record", firstLine)
	}

	// No backup of the migrated file is left behind.
	backups, err := backup.List(path)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(backups) != 0 {
		t.Errorf("backups left after migration = %v, want none", backups)
	}
}

func TestStore_MigrationTwiceYieldsSameState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "worklog.jsonl")
	legacy := `{"version":1,"tag":"Note","user":"arnaud","timestamp":"2024-01-15T09:00:00Z","dir":"/proj","text":"idempotent"}` + "\n"
	if err := os.WriteFile(path, []byte(legacy), 0o600); err != nil {
		t.Fatalf("writing legacy store: %v", err)
	}

	s := openStoreAt(t, path, "")
	after, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading store file: %v", err)
	}
	if err := s.Initialize(); err != nil {
		t.Fatalf("second Initialize() error = %v", err)
	}
	again, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading store file: %v", err)
	}
	if string(after) != string(again) {
		t.Errorf("second migration run changed the file:\nfirst:  %q\nsecond: %q", after, again)
	}
}

func TestStore_ImportsLegacyProfileWithUIDOne(t *testing.T) {
	configDir := t.TempDir()
	legacy := []byte(`{"name": "arnaud", "timezone": "Europe/Paris"}`)
	if err := os.WriteFile(filepath.Join(configDir, wl.LegacyProfileName), legacy, 0o600); err != nil {
		t.Fatalf("writing legacy profile: %v", err)
	}

	s := openStoreAt(t, filepath.Join(t.TempDir(), "worklog.jsonl"), configDir)

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
}

func TestStore_ShiftLeavesNoBackupOnSuccess(t *testing.T) {
	path := filepath.Join(t.TempDir(), "worklog.jsonl")
	s := openStoreAt(t, path, "")
	u := "arnaud"
	if err := s.AppendEvents(u, []model.Event{testutil.Flow(u, model.Coding, testutil.T0, "/proj")}); err != nil {
		t.Fatalf("AppendEvents() error = %v", err)
	}

	if _, err := s.ShiftLastFlowStart(u, -5*time.Minute); err != nil {
		t.Fatalf("ShiftLastFlowStart() error = %v", err)
	}

	backups, err := backup.List(path)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(backups) != 0 {
		t.Errorf("backups left after shift = %v, want none", backups)
	}

	reopened := openStoreAt(t, path, "")
	events, err := reopened.AllEvents(u)
	if err != nil {
		t.Fatalf("AllEvents() error = %v", err)
	}
	want := testutil.T0.Add(-5 * time.Minute)
	if len(events) != 1 || !events[0].Meta().Timestamp.Equal(want) {
		t.Errorf("persisted events = %+v, want one flow starting at %v", events, want)
	}
}

func TestStore_ProfileRename_LastRecordWinsOnReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "worklog.jsonl")
	s := openStoreAt(t, path, "")
	if err := s.CreateProfile(&model.UserProfile{Name: "arnaud"}); err != nil {
		t.Fatalf("CreateProfile() error = %v", err)
	}
	if err := s.UpdateProfile("arnaud", &model.UserProfile{Name: "arnaud2", Timezone: "UTC"}); err != nil {
		t.Fatalf("UpdateProfile() error = %v", err)
	}

	reopened := openStoreAt(t, path, "")
	if _, err := reopened.GetProfile("arnaud"); !wl.IsNotFound(err) {
		t.Errorf("GetProfile(old name) error = %v, want NotFoundError", err)
	}
	p, err := reopened.GetProfile("arnaud2")
	if err != nil {
		t.Fatalf("GetProfile(new name) error = %v", err)
	}
	if p.UID != 1 {
		t.Errorf("renamed profile uid = %d, want the original 1", p.UID)
	}
}

func TestStore_MalformedLineSurfacesAsInitError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "worklog.jsonl")
	content := `{"kind":"schema","version":5}` + "\n" + `{"kind":"event","event":{"tag":"Nonsense"}}` + "\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing store file: %v", err)
	}

	s := NewStore(Options{Path: path})
	err := s.Initialize()
	var ie *wl.InitError
	if !errors.As(err, &ie) {
		t.Fatalf("Initialize() error = %v, want InitError", err)
	}
	if !wl.IsQueryError(err) {
		t.Errorf("Initialize() error = %v, want it to wrap the malformed-data QueryError", err)
	}
}
