package wl

import (
	"sort"
	"strings"
	"time"

	"worklog-go/internal/model"
)

// BuildIntervals converts a user's flows, already in log order, into
// intervals with inferred ends: each flow ends where the next one starts.
// Marker flows (Note, End) close the preceding interval without opening one.
// The final non-marker flow, having no successor, stays open.
func BuildIntervals(flows []model.Flow) []model.FlowView {
	var views []model.FlowView
	var open *model.FlowView
	for _, f := range flows {
		if open != nil {
			open.End = f.Timestamp
			views = append(views, *open)
			open = nil
		}
		if f.Type.IsMarker() {
			continue
		}
		open = &model.FlowView{
			Type:  f.Type,
			User:  f.User,
			Start: f.Timestamp,
			Dir:   f.Dir,
		}
	}
	if open != nil {
		views = append(views, *open)
	}
	return views
}

// FilterStartsIn keeps the intervals whose start falls in [from, to).
// An interval's end may lie beyond to: durations are never split across a
// boundary, they belong to the bucket containing the start.
func FilterStartsIn(views []model.FlowView, from, to time.Time) []model.FlowView {
	var out []model.FlowView
	for _, v := range views {
		if v.Start.Before(from) || !v.Start.Before(to) {
			continue
		}
		out = append(out, v)
	}
	return out
}

// DayBounds returns the [start, end) bounds of the calendar day containing
// t, in t's location.
func DayBounds(t time.Time) (time.Time, time.Time) {
	year, month, day := t.Date()
	start := time.Date(year, month, day, 0, 0, 0, 0, t.Location())
	return start, start.AddDate(0, 0, 1)
}

// Summarize sums interval durations per distinct grouping-key tuple. Open
// intervals contribute nothing. With no keys every interval falls into one
// tuple, yielding a single total. Results are sorted by key tuple.
func Summarize(views []model.FlowView, keys []model.GroupKey) []model.GroupSummary {
	sums := make(map[string]*model.GroupSummary)
	for _, v := range views {
		if v.Open() {
			continue
		}
		tuple := make([]string, len(keys))
		for i, k := range keys {
			switch k {
			case model.GroupByDirectory:
				tuple[i] = v.Dir
			case model.GroupByFlowType:
				tuple[i] = string(v.Type)
			case model.GroupByDay:
				tuple[i] = v.Start.Format("2006-01-02")
			}
		}
		id := strings.Join(tuple, "\x00")
		s, ok := sums[id]
		if !ok {
			s = &model.GroupSummary{Keys: tuple}
			sums[id] = s
		}
		s.Duration += v.Duration()
	}

	out := make([]model.GroupSummary, 0, len(sums))
	for _, s := range sums {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Keys, out[j].Keys
		for n := 0; n < len(a) && n < len(b); n++ {
			if a[n] != b[n] {
				return a[n] < b[n]
			}
		}
		return len(a) < len(b)
	})
	return out
}

// SortByTime puts events into log order: ascending timestamp, with arrival
// order breaking exact-timestamp ties. The sort is stable, so a slice
// already in arrival order comes out in log order.
func SortByTime(events []model.Event) {
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Meta().Timestamp.Before(events[j].Meta().Timestamp)
	})
}

// FlowsOf extracts the flows belonging to user from an ordered event slice,
// preserving log order.
func FlowsOf(events []model.Event, user string) []model.Flow {
	var flows []model.Flow
	for _, ev := range events {
		f, ok := ev.(model.Flow)
		if !ok || f.User != user {
			continue
		}
		flows = append(flows, f)
	}
	return flows
}

// TracesIn extracts the user's command traces with timestamps in [from, to),
// preserving log order.
func TracesIn(events []model.Event, user string, from, to time.Time) []model.TraceView {
	var traces []model.TraceView
	for _, ev := range events {
		t, ok := ev.(model.Trace)
		if !ok || t.User != user {
			continue
		}
		if t.Timestamp.Before(from) || !t.Timestamp.Before(to) {
			continue
		}
		traces = append(traces, model.TraceView{
			User:      t.User,
			Timestamp: t.Timestamp,
			Dir:       t.Dir,
			Program:   t.Program,
			Args:      t.Args,
			ExitCode:  t.ExitCode,
		})
	}
	return traces
}
