// Package migrate applies ordered schema upgrades to a store opened at an
// older version. The runner is engine-agnostic: the SQLite and flat-file
// engines each supply their own step list and version marker.
package migrate

import (
	"fmt"
	"sort"

	"worklog-go/internal/wl"
)

// Store is the surface an engine exposes to the runner: its persisted
// schema-version marker. A store that has never been migrated reports
// version 0.
type Store interface {
	SchemaVersion() (int64, error)
	SetSchemaVersion(v int64) error
}

// Step upgrades a store to Version. Apply must be idempotent: the marker
// update is not atomic with the step's effects across a process crash, so a
// step can run again over data it has already transformed.
type Step struct {
	Version int64
	Name    string
	Apply   func() error
}

// Latest returns the highest target version among steps, or 0 for none.
func Latest(steps []Step) int64 {
	var latest int64
	for _, s := range steps {
		if s.Version > latest {
			latest = s.Version
		}
	}
	return latest
}

// Run applies, strictly in increasing version order, every step whose
// target version exceeds the store's current one, persisting the marker
// after each successful step. A failing step aborts the run with a
// MigrationError wrapping the cause; already-persisted markers stay, so a
// rerun resumes at the failed step.
func Run(store Store, steps []Step, logger wl.Logger) error {
	current, err := store.SchemaVersion()
	if err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}

	ordered := make([]Step, len(steps))
	copy(ordered, steps)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Version < ordered[j].Version })
	for i, s := range ordered {
		if s.Version <= 0 {
			return fmt.Errorf("migration step %q has invalid version %d", s.Name, s.Version)
		}
		if i > 0 && ordered[i-1].Version == s.Version {
			return fmt.Errorf("duplicate migration version %d", s.Version)
		}
	}

	for _, step := range ordered {
		if step.Version <= current {
			continue
		}
		logger.Info("applying migration", "version", step.Version, "name", step.Name)
		if err := step.Apply(); err != nil {
			return &wl.MigrationError{Step: step.Name, Err: err}
		}
		if err := store.SetSchemaVersion(step.Version); err != nil {
			return &wl.MigrationError{Step: step.Name, Err: fmt.Errorf("persisting schema version %d: %w", step.Version, err)}
		}
		current = step.Version
	}
	return nil
}
