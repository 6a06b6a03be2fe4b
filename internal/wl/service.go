package wl

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"time"

	"worklog-go/internal/codec"
	"worklog-go/internal/model"
)

// ErrInvalidCredentials is returned by Authenticate when the password does
// not match the stored hash.
var ErrInvalidCredentials = errors.New("invalid credentials")

// Service is the orchestration layer the CLI and a server consume. It owns
// the high-level operations: profile registration and authentication, flow
// and note recording with store-supplied timestamps, reporting, and the
// encrypted export/import round trip through an archive.
type Service struct {
	storage   Storage
	archive   Archive
	encryptor Encryptor
	logger    Logger
}

// NewService creates a Service with the provided dependencies. archive and
// encryptor may be nil when the configuration defines no archive; Export and
// Import then fail.
func NewService(storage Storage, archive Archive, encryptor Encryptor, logger Logger) *Service {
	return &Service{
		storage:   storage,
		archive:   archive,
		encryptor: encryptor,
		logger:    logger,
	}
}

// RegisterUser creates a profile with a fresh password hash and the default
// day boundaries.
func (s *Service) RegisterUser(name, password, timezone string) (*model.UserProfile, error) {
	if timezone == "" {
		timezone = model.DefaultTimezone
	}
	profile := &model.UserProfile{
		Name:     name,
		Timezone: timezone,
		DayStart: model.DefaultDayStart,
		DayEnd:   model.DefaultDayEnd,
	}
	if password != "" {
		salt, hash, err := HashPassword(password)
		if err != nil {
			return nil, err
		}
		profile.PasswordSalt = salt
		profile.PasswordHash = hash
	}
	if err := s.storage.CreateProfile(profile); err != nil {
		return nil, err
	}
	s.logger.Info("user registered", "name", name, "uid", profile.UID)
	return profile, nil
}

// Authenticate verifies name's password against the stored hash.
func (s *Service) Authenticate(name, password string) error {
	profile, err := s.storage.GetProfile(name)
	if err != nil {
		return err
	}
	if !VerifyPassword(password, profile.PasswordSalt, profile.PasswordHash) {
		return fmt.Errorf("authenticating %s: %w", name, ErrInvalidCredentials)
	}
	return nil
}

// SetPassword replaces name's password hash.
func (s *Service) SetPassword(name, password string) error {
	profile, err := s.storage.GetProfile(name)
	if err != nil {
		return err
	}
	salt, hash, err := HashPassword(password)
	if err != nil {
		return err
	}
	profile.PasswordSalt = salt
	profile.PasswordHash = hash
	return s.storage.UpdateProfile(name, profile)
}

// Profile fetches a profile by name.
func (s *Service) Profile(name string) (*model.UserProfile, error) {
	return s.storage.GetProfile(name)
}

// UpdateProfile replaces the named profile's settings.
func (s *Service) UpdateProfile(name string, profile *model.UserProfile) error {
	return s.storage.UpdateProfile(name, profile)
}

// StartFlow opens an activity interval at the user's current time. Any
// non-empty type is accepted; the predefined set is a CLI convenience, not a
// storage constraint. The alias map of the profile does not apply here.
func (s *Service) StartFlow(user string, flowType model.FlowType, dir string) (time.Time, error) {
	if flowType == "" {
		return time.Time{}, fmt.Errorf("flow type must not be empty")
	}
	now, err := s.storage.GetCurrentTime(user)
	if err != nil {
		return time.Time{}, err
	}
	flow := model.Flow{
		EventMeta: model.EventMeta{User: user, Timestamp: now, Dir: dir},
		Type:      flowType,
	}
	if err := s.storage.AppendEvents(user, []model.Event{flow}); err != nil {
		return time.Time{}, err
	}
	return now, nil
}

// EndFlow closes the open interval by appending an end marker.
func (s *Service) EndFlow(user, dir string) (time.Time, error) {
	return s.StartFlow(user, model.EndMarker, dir)
}

// AddNote records a note at the user's current time, alongside a marker flow
// so the note also closes the running interval, the way note-taking
// interrupts work.
func (s *Service) AddNote(user, dir, text string) error {
	if text == "" {
		return fmt.Errorf("note text must not be empty")
	}
	now, err := s.storage.GetCurrentTime(user)
	if err != nil {
		return err
	}
	meta := model.EventMeta{User: user, Timestamp: now, Dir: dir}
	events := []model.Event{
		model.Flow{EventMeta: meta, Type: model.NoteMarker},
		model.Note{EventMeta: meta, Text: text},
	}
	return s.storage.AppendEvents(user, events)
}

// RecordTrace appends an executed command's outcome.
func (s *Service) RecordTrace(user, dir, program string, args []string, exitCode int64) error {
	now, err := s.storage.GetCurrentTime(user)
	if err != nil {
		return err
	}
	trace := model.Trace{
		EventMeta: model.EventMeta{User: user, Timestamp: now, Dir: dir},
		Program:   program,
		Args:      args,
		ExitCode:  exitCode,
	}
	return s.storage.AppendEvents(user, []model.Event{trace})
}

// Day returns the user's intervals for the given day; a zero day means the
// day of the user's current time.
func (s *Service) Day(user string, day time.Time) ([]model.FlowView, error) {
	if day.IsZero() {
		now, err := s.storage.GetCurrentTime(user)
		if err != nil {
			return nil, err
		}
		day = now
	}
	return s.storage.QueryDay(user, day)
}

// Report returns the user's flows in [from, to). With grouping keys it
// instead returns nil flows and the per-key-tuple summed durations.
func (s *Service) Report(user string, from, to time.Time, keys []model.GroupKey) ([]model.FlowView, []model.GroupSummary, error) {
	if len(keys) == 0 {
		views, err := s.storage.QueryPeriod(user, from, to)
		return views, nil, err
	}
	sums, err := s.storage.SummarizePeriod(user, from, to, keys)
	return nil, sums, err
}

// SearchNotes returns the user's notes matching term.
func (s *Service) SearchNotes(user, term string) ([]model.NoteView, error) {
	return s.storage.SearchNotes(user, term)
}

// Traces lists the user's command traces in [from, to).
func (s *Service) Traces(user string, from, to time.Time) ([]model.TraceView, error) {
	return s.storage.Traces(user, from, to)
}

// ShiftLastFlowStart moves the most recent flow's start by delta.
func (s *Service) ShiftLastFlowStart(user string, delta time.Duration) (*model.FlowView, error) {
	return s.storage.ShiftLastFlowStart(user, delta)
}

// Now returns the user's current time: the override if set, else the wall
// clock.
func (s *Service) Now(user string) (time.Time, error) {
	return s.storage.GetCurrentTime(user)
}

// SetNow sets the user's time override.
func (s *Service) SetNow(user string, t time.Time) error {
	return s.storage.SetCurrentTime(user, t)
}

// Export writes the full event history, encrypted, to the archive under
// name. The plaintext is one current-version event encoding per line.
func (s *Service) Export(name string) error {
	if s.archive == nil || s.encryptor == nil {
		return fmt.Errorf("no archive configured")
	}
	events, err := s.storage.AllEvents("")
	if err != nil {
		return err
	}

	var plain bytes.Buffer
	for _, ev := range events {
		line, err := codec.EncodeEvent(ev)
		if err != nil {
			return fmt.Errorf("encoding event for export: %w", err)
		}
		plain.Write(line)
		plain.WriteByte('\n')
	}

	var cipher bytes.Buffer
	if err := s.encryptor.Encrypt(&plain, &cipher); err != nil {
		return fmt.Errorf("encrypting export: %w", err)
	}
	if err := s.archive.Put(name, &cipher); err != nil {
		return fmt.Errorf("storing export: %w", err)
	}
	s.logger.Info("export written", "name", name, "events", len(events))
	return nil
}

// Import reads an encrypted export from the archive and appends the events
// the store does not already have. Identity is the event's current-version
// encoding, so importing the same archive twice changes nothing.
func (s *Service) Import(name, passphrase string) (int, error) {
	if s.archive == nil || s.encryptor == nil {
		return 0, fmt.Errorf("no archive configured")
	}

	var cipher bytes.Buffer
	if err := s.archive.Get(name, &cipher); err != nil {
		return 0, fmt.Errorf("fetching export: %w", err)
	}
	ctx, err := s.encryptor.Unlock(passphrase)
	if err != nil {
		return 0, fmt.Errorf("unlocking identity: %w", err)
	}
	var plain bytes.Buffer
	if err := ctx.Decrypt(&cipher, &plain); err != nil {
		return 0, fmt.Errorf("decrypting export: %w", err)
	}

	existing, err := s.storage.AllEvents("")
	if err != nil {
		return 0, err
	}
	seen := make(map[string]bool, len(existing))
	for _, ev := range existing {
		line, err := codec.EncodeEvent(ev)
		if err != nil {
			return 0, fmt.Errorf("encoding existing event: %w", err)
		}
		seen[string(line)] = true
	}

	// Collect missing events per user, preserving the export's order.
	byUser := make(map[string][]model.Event)
	var users []string
	scanner := bufio.NewScanner(&plain)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		ev, err := codec.DecodeEvent(line)
		if err != nil {
			return 0, fmt.Errorf("decoding imported event: %w", err)
		}
		reencoded, err := codec.EncodeEvent(ev)
		if err != nil {
			return 0, fmt.Errorf("re-encoding imported event: %w", err)
		}
		if seen[string(reencoded)] {
			continue
		}
		seen[string(reencoded)] = true
		user := ev.Meta().User
		if _, ok := byUser[user]; !ok {
			users = append(users, user)
		}
		byUser[user] = append(byUser[user], ev)
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("reading export: %w", err)
	}

	count := 0
	for _, user := range users {
		if err := s.storage.AppendEvents(user, byUser[user]); err != nil {
			return count, err
		}
		count += len(byUser[user])
	}
	s.logger.Info("import applied", "name", name, "events", count)
	return count, nil
}
