package testutil

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"worklog-go/internal/model"
	"worklog-go/internal/wl"
)

// T0 is the reference instant the storage conformance suite builds its
// timelines from.
var T0 = time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC)

// Flow builds a flow event for the conformance suite.
func Flow(user string, flowType model.FlowType, ts time.Time, dir string) model.Flow {
	return model.Flow{
		EventMeta: model.EventMeta{User: user, Timestamp: ts, Dir: dir},
		Type:      flowType,
	}
}

// Note builds a note event for the conformance suite.
func Note(user string, ts time.Time, dir, text string) model.Note {
	return model.Note{
		EventMeta: model.EventMeta{User: user, Timestamp: ts, Dir: dir},
		Text:      text,
	}
}

// Trace builds a trace event for the conformance suite.
func Trace(user string, ts time.Time, dir, program string, args []string, exitCode int64) model.Trace {
	return model.Trace{
		EventMeta: model.EventMeta{User: user, Timestamp: ts, Dir: dir},
		Program:   program,
		Args:      args,
		ExitCode:  exitCode,
	}
}

// RunStorageConformance runs the behavior suite every storage engine must
// pass. open returns a freshly initialized, empty store; it is called once
// per subtest so the subtests stay independent.
func RunStorageConformance(t *testing.T, open func(t *testing.T) wl.Storage) {
	t.Run("day view infers interval ends from successor starts", func(t *testing.T) {
		s := open(t)
		u := "arnaud"
		t1 := T0.Add(45 * time.Minute)
		mustAppend(t, s, u,
			Flow(u, model.Coding, T0, "/proj"),
			Flow(u, model.NoteMarker, t1, "/proj"),
		)

		views, err := s.QueryDay(u, T0)
		if err != nil {
			t.Fatalf("QueryDay() error = %v", err)
		}
		if len(views) != 1 {
			t.Fatalf("QueryDay() returned %d intervals, want 1", len(views))
		}
		v := views[0]
		if v.Type != model.Coding || !v.Start.Equal(T0) || !v.End.Equal(t1) || v.Dir != "/proj" {
			t.Errorf("interval = %+v, want Coding [%v, %v) in /proj", v, T0, t1)
		}
	})

	t.Run("last flow stays open", func(t *testing.T) {
		s := open(t)
		u := "arnaud"
		mustAppend(t, s, u, Flow(u, model.Meeting, T0, "/proj"))

		views, err := s.QueryDay(u, T0)
		if err != nil {
			t.Fatalf("QueryDay() error = %v", err)
		}
		if len(views) != 1 || !views[0].Open() {
			t.Fatalf("QueryDay() = %+v, want one open interval", views)
		}
	})

	t.Run("flows never cross user boundaries", func(t *testing.T) {
		s := open(t)
		mustAppend(t, s, "arnaud", Flow("arnaud", model.Coding, T0, "/a"))
		mustAppend(t, s, "berta", Flow("berta", model.Meeting, T0.Add(time.Minute), "/b"))

		views, err := s.QueryDay("arnaud", T0)
		if err != nil {
			t.Fatalf("QueryDay() error = %v", err)
		}
		if len(views) != 1 || !views[0].Open() {
			t.Fatalf("QueryDay(arnaud) = %+v, want one open interval unaffected by berta's flow", views)
		}
	})

	t.Run("duration belongs to the day containing the start", func(t *testing.T) {
		s := open(t)
		u := "arnaud"
		// Starts before midnight, ends after: the whole duration counts for
		// the first day.
		lateStart := time.Date(2024, 1, 15, 23, 30, 0, 0, time.UTC)
		nextDay := time.Date(2024, 1, 16, 1, 0, 0, 0, time.UTC)
		mustAppend(t, s, u,
			Flow(u, model.Troubleshooting, lateStart, "/proj"),
			Flow(u, model.EndMarker, nextDay, "/proj"),
		)

		first, err := s.QueryDay(u, lateStart)
		if err != nil {
			t.Fatalf("QueryDay() error = %v", err)
		}
		if len(first) != 1 || first[0].Duration() != 90*time.Minute {
			t.Errorf("day of start = %+v, want one interval of 90m", first)
		}
		second, err := s.QueryDay(u, nextDay)
		if err != nil {
			t.Fatalf("QueryDay() error = %v", err)
		}
		if len(second) != 0 {
			t.Errorf("day after = %+v, want no intervals", second)
		}
	})

	t.Run("period summary groups by distinct key tuples", func(t *testing.T) {
		s := open(t)
		u := "arnaud"
		mustAppend(t, s, u,
			Flow(u, model.Coding, T0, "/a"),
			Flow(u, model.Coding, T0.Add(time.Hour), "/b"),
			Flow(u, model.Meeting, T0.Add(90*time.Minute), "/a"),
			Flow(u, model.EndMarker, T0.Add(2*time.Hour), "/a"),
		)

		sums, err := s.SummarizePeriod(u, T0, T0.Add(24*time.Hour), []model.GroupKey{model.GroupByFlowType})
		if err != nil {
			t.Fatalf("SummarizePeriod() error = %v", err)
		}
		want := map[string]time.Duration{
			string(model.Coding):  90 * time.Minute,
			string(model.Meeting): 30 * time.Minute,
		}
		if len(sums) != len(want) {
			t.Fatalf("SummarizePeriod() = %+v, want %d groups", sums, len(want))
		}
		for _, g := range sums {
			if d, ok := want[g.Keys[0]]; !ok || g.Duration != d {
				t.Errorf("group %v = %v, want %v", g.Keys, g.Duration, d)
			}
		}
	})

	t.Run("ungrouped summary yields a single total", func(t *testing.T) {
		s := open(t)
		u := "arnaud"
		mustAppend(t, s, u,
			Flow(u, model.Coding, T0, "/a"),
			Flow(u, model.Rework, T0.Add(time.Hour), "/b"),
			Flow(u, model.EndMarker, T0.Add(3*time.Hour), "/b"),
		)

		sums, err := s.SummarizePeriod(u, T0, T0.Add(24*time.Hour), nil)
		if err != nil {
			t.Fatalf("SummarizePeriod() error = %v", err)
		}
		if len(sums) != 1 || sums[0].Duration != 3*time.Hour {
			t.Errorf("SummarizePeriod() = %+v, want one group of 3h", sums)
		}
	})

	t.Run("shift moves the most recent flow's start", func(t *testing.T) {
		s := open(t)
		u := "arnaud"
		mustAppend(t, s, u,
			Flow(u, model.Coding, T0, "/proj"),
			Flow(u, model.Meeting, T0.Add(time.Hour), "/proj"),
		)

		v, err := s.ShiftLastFlowStart(u, -10*time.Minute)
		if err != nil {
			t.Fatalf("ShiftLastFlowStart() error = %v", err)
		}
		want := T0.Add(50 * time.Minute)
		if !v.Start.Equal(want) {
			t.Errorf("shifted start = %v, want %v", v.Start, want)
		}

		views, err := s.QueryDay(u, T0)
		if err != nil {
			t.Fatalf("QueryDay() error = %v", err)
		}
		if len(views) != 2 || !views[0].End.Equal(want) || !views[1].Start.Equal(want) {
			t.Errorf("intervals after shift = %+v, want boundary at %v", views, want)
		}
	})

	t.Run("shift with no flows reports not found", func(t *testing.T) {
		s := open(t)
		if _, err := s.ShiftLastFlowStart("ghost", time.Minute); !wl.IsNotFound(err) {
			t.Errorf("ShiftLastFlowStart() error = %v, want NotFoundError", err)
		}
	})

	t.Run("appended note is searchable immediately", func(t *testing.T) {
		s := open(t)
		u := "arnaud"
		mustAppend(t, s, u, Note(u, T0, "/proj", "foo bar baz"))

		notes, err := s.SearchNotes(u, "foo")
		if err != nil {
			t.Fatalf("SearchNotes() error = %v", err)
		}
		if len(notes) != 1 || notes[0].Text != "foo bar baz" || !notes[0].Timestamp.Equal(T0) {
			t.Errorf("SearchNotes() = %+v, want the note just appended", notes)
		}
	})

	t.Run("note search is scoped to the user", func(t *testing.T) {
		s := open(t)
		mustAppend(t, s, "arnaud", Note("arnaud", T0, "/a", "deploy checklist"))
		mustAppend(t, s, "berta", Note("berta", T0, "/b", "deploy retro"))

		notes, err := s.SearchNotes("arnaud", "deploy")
		if err != nil {
			t.Fatalf("SearchNotes() error = %v", err)
		}
		if len(notes) != 1 || notes[0].User != "arnaud" {
			t.Errorf("SearchNotes(arnaud) = %+v, want only arnaud's note", notes)
		}
	})

	t.Run("set current time wins over the wall clock", func(t *testing.T) {
		s := open(t)
		u := "arnaud"
		over := time.Date(1999, 12, 31, 23, 59, 0, 0, time.UTC)
		if err := s.SetCurrentTime(u, over); err != nil {
			t.Fatalf("SetCurrentTime() error = %v", err)
		}
		got, err := s.GetCurrentTime(u)
		if err != nil {
			t.Fatalf("GetCurrentTime() error = %v", err)
		}
		if !got.Equal(over) {
			t.Errorf("GetCurrentTime() = %v, want override %v", got, over)
		}

		// Latest write wins.
		later := over.Add(time.Hour)
		if err := s.SetCurrentTime(u, later); err != nil {
			t.Fatalf("SetCurrentTime() error = %v", err)
		}
		got, err = s.GetCurrentTime(u)
		if err != nil {
			t.Fatalf("GetCurrentTime() error = %v", err)
		}
		if !got.Equal(later) {
			t.Errorf("GetCurrentTime() = %v, want latest override %v", got, later)
		}
	})

	t.Run("unset current time is non-decreasing", func(t *testing.T) {
		s := open(t)
		first, err := s.GetCurrentTime("arnaud")
		if err != nil {
			t.Fatalf("GetCurrentTime() error = %v", err)
		}
		second, err := s.GetCurrentTime("arnaud")
		if err != nil {
			t.Fatalf("GetCurrentTime() error = %v", err)
		}
		if second.Before(first) {
			t.Errorf("GetCurrentTime() went backwards: %v then %v", first, second)
		}
	})

	t.Run("concurrent batches never interleave internally", func(t *testing.T) {
		s := open(t)
		u := "arnaud"
		batchA := []model.Event{
			Note(u, T0, "/a", "a-1"),
			Note(u, T0, "/a", "a-2"),
			Note(u, T0, "/a", "a-3"),
		}
		batchB := []model.Event{
			Note(u, T0, "/b", "b-1"),
			Note(u, T0, "/b", "b-2"),
			Note(u, T0, "/b", "b-3"),
		}

		var wg sync.WaitGroup
		wg.Add(2)
		errs := make(chan error, 2)
		go func() { defer wg.Done(); errs <- s.AppendEvents(u, batchA) }()
		go func() { defer wg.Done(); errs <- s.AppendEvents(u, batchB) }()
		wg.Wait()
		close(errs)
		for err := range errs {
			if err != nil {
				t.Fatalf("AppendEvents() error = %v", err)
			}
		}

		events, err := s.AllEvents(u)
		if err != nil {
			t.Fatalf("AllEvents() error = %v", err)
		}
		if len(events) != 6 {
			t.Fatalf("AllEvents() returned %d events, want 6", len(events))
		}
		var gotA, gotB []string
		for _, ev := range events {
			n := ev.(model.Note)
			switch n.Dir {
			case "/a":
				gotA = append(gotA, n.Text)
			case "/b":
				gotB = append(gotB, n.Text)
			}
		}
		wantA := []string{"a-1", "a-2", "a-3"}
		wantB := []string{"b-1", "b-2", "b-3"}
		for i := range wantA {
			if gotA[i] != wantA[i] {
				t.Fatalf("batch A order = %v, want %v", gotA, wantA)
			}
			if gotB[i] != wantB[i] {
				t.Fatalf("batch B order = %v, want %v", gotB, wantB)
			}
		}
	})

	t.Run("equal timestamps keep arrival order", func(t *testing.T) {
		s := open(t)
		u := "arnaud"
		mustAppend(t, s, u,
			Note(u, T0, "/proj", "first"),
			Note(u, T0, "/proj", "second"),
			Note(u, T0, "/proj", "third"),
		)

		events, err := s.AllEvents(u)
		if err != nil {
			t.Fatalf("AllEvents() error = %v", err)
		}
		want := []string{"first", "second", "third"}
		for i, ev := range events {
			if ev.(model.Note).Text != want[i] {
				t.Fatalf("event order = %+v, want %v", events, want)
			}
		}
	})

	t.Run("traces list within the requested range", func(t *testing.T) {
		s := open(t)
		u := "arnaud"
		mustAppend(t, s, u,
			Trace(u, T0, "/proj", "make", []string{"test"}, 0),
			Trace(u, T0.Add(time.Hour), "/proj", "make", []string{"lint"}, 1),
			Trace(u, T0.Add(48*time.Hour), "/proj", "make", nil, 0),
		)

		traces, err := s.Traces(u, T0, T0.Add(24*time.Hour))
		if err != nil {
			t.Fatalf("Traces() error = %v", err)
		}
		if len(traces) != 2 {
			t.Fatalf("Traces() returned %d, want 2", len(traces))
		}
		if traces[1].ExitCode != 1 || len(traces[1].Args) != 1 || traces[1].Args[0] != "lint" {
			t.Errorf("trace = %+v, want make lint exit 1", traces[1])
		}
	})

	t.Run("profile create assigns uid and id and enforces unique names", func(t *testing.T) {
		s := open(t)
		p := &model.UserProfile{Name: "arnaud", Timezone: "Europe/Paris", DayStart: "08:00", DayEnd: "18:30"}
		if err := s.CreateProfile(p); err != nil {
			t.Fatalf("CreateProfile() error = %v", err)
		}
		if p.UID == 0 {
			t.Error("CreateProfile() left UID unassigned")
		}
		if p.ID == uuid.Nil {
			t.Error("CreateProfile() left ID unassigned")
		}

		dup := &model.UserProfile{Name: "arnaud"}
		if err := s.CreateProfile(dup); !wl.IsConstraint(err) {
			t.Errorf("CreateProfile(duplicate) error = %v, want ConstraintError", err)
		}
	})

	t.Run("profile fetch of unknown name reports not found", func(t *testing.T) {
		s := open(t)
		if _, err := s.GetProfile("ghost"); !wl.IsNotFound(err) {
			t.Errorf("GetProfile() error = %v, want NotFoundError", err)
		}
	})

	t.Run("profile update keeps uid and id immutable", func(t *testing.T) {
		s := open(t)
		p := &model.UserProfile{Name: "arnaud", Timezone: "Europe/Paris"}
		if err := s.CreateProfile(p); err != nil {
			t.Fatalf("CreateProfile() error = %v", err)
		}

		updated := &model.UserProfile{
			Name:     "arnaud",
			Timezone: "America/New_York",
			DayStart: "07:00",
			DayEnd:   "16:00",
			Aliases:  map[string]string{"gs": "git status"},
			FlowColors: map[model.FlowType]string{
				model.Coding: "#00ff00",
			},
		}
		if err := s.UpdateProfile("arnaud", updated); err != nil {
			t.Fatalf("UpdateProfile() error = %v", err)
		}

		got, err := s.GetProfile("arnaud")
		if err != nil {
			t.Fatalf("GetProfile() error = %v", err)
		}
		if got.UID != p.UID || got.ID != p.ID {
			t.Errorf("UpdateProfile changed identity: uid %d->%d, id %s->%s", p.UID, got.UID, p.ID, got.ID)
		}
		if got.Timezone != "America/New_York" || got.Aliases["gs"] != "git status" {
			t.Errorf("GetProfile() = %+v, want the updated settings", got)
		}
		if got.FlowColors[model.Coding] != "#00ff00" {
			t.Errorf("flow colors = %v, want Coding mapped to #00ff00", got.FlowColors)
		}
	})

	t.Run("stored profile is insulated from caller mutation", func(t *testing.T) {
		s := open(t)
		p := &model.UserProfile{
			Name:     "arnaud",
			Timezone: "Europe/Paris",
			Aliases:  map[string]string{"hack": "Coding"},
		}
		if err := s.CreateProfile(p); err != nil {
			t.Fatalf("CreateProfile() error = %v", err)
		}

		// The caller keeps its struct; scribbling on it afterwards, maps
		// included, must not reach store state.
		p.Timezone = "America/New_York"
		p.Aliases["hack"] = "Meeting"

		got, err := s.GetProfile("arnaud")
		if err != nil {
			t.Fatalf("GetProfile() error = %v", err)
		}
		if got.Timezone != "Europe/Paris" {
			t.Errorf("timezone = %q, want the value at create time", got.Timezone)
		}
		if got.Aliases["hack"] != "Coding" {
			t.Errorf("alias hack = %q, want the value at create time", got.Aliases["hack"])
		}

		upd := &model.UserProfile{Name: "arnaud", Aliases: map[string]string{"standup": "Meeting"}}
		if err := s.UpdateProfile("arnaud", upd); err != nil {
			t.Fatalf("UpdateProfile() error = %v", err)
		}
		upd.Aliases["standup"] = "Coding"

		got, err = s.GetProfile("arnaud")
		if err != nil {
			t.Fatalf("GetProfile() error = %v", err)
		}
		if got.Aliases["standup"] != "Meeting" {
			t.Errorf("alias standup = %q, want the value at update time", got.Aliases["standup"])
		}
	})

	t.Run("multiple profiles coexist in one store", func(t *testing.T) {
		s := open(t)
		a := &model.UserProfile{Name: "arnaud"}
		b := &model.UserProfile{Name: "berta"}
		if err := s.CreateProfile(a); err != nil {
			t.Fatalf("CreateProfile(a) error = %v", err)
		}
		if err := s.CreateProfile(b); err != nil {
			t.Fatalf("CreateProfile(b) error = %v", err)
		}
		if a.UID == b.UID {
			t.Errorf("both profiles got uid %d", a.UID)
		}
		if a.ID == b.ID {
			t.Errorf("both profiles got id %s", a.ID)
		}
	})

	t.Run("all events without a user exports every profile", func(t *testing.T) {
		s := open(t)
		mustAppend(t, s, "arnaud", Note("arnaud", T0, "/a", "mine"))
		mustAppend(t, s, "berta", Note("berta", T0.Add(time.Minute), "/b", "hers"))

		events, err := s.AllEvents("")
		if err != nil {
			t.Fatalf("AllEvents() error = %v", err)
		}
		if len(events) != 2 {
			t.Errorf("AllEvents() returned %d events, want 2", len(events))
		}
	})

	t.Run("initialize twice is idempotent", func(t *testing.T) {
		s := open(t)
		mustAppend(t, s, "arnaud", Note("arnaud", T0, "/a", "survives"))
		if err := s.Initialize(); err != nil {
			t.Fatalf("second Initialize() error = %v", err)
		}
		notes, err := s.SearchNotes("arnaud", "survives")
		if err != nil {
			t.Fatalf("SearchNotes() error = %v", err)
		}
		if len(notes) != 1 {
			t.Errorf("SearchNotes() after re-init = %+v, want the note", notes)
		}
	})
}

func mustAppend(t *testing.T, s wl.Storage, user string, events ...model.Event) {
	t.Helper()
	if err := s.AppendEvents(user, events); err != nil {
		t.Fatalf("AppendEvents() error = %v", err)
	}
}
