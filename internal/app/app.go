package app

import (
	"fmt"
	"os"
	"strings"
	"time"

	"worklog-go/internal/archive"
	"worklog-go/internal/config"
	"worklog-go/internal/encryption"
	"worklog-go/internal/model"
	"worklog-go/internal/storage"
	"worklog-go/internal/wl"
)

// App is the application layer between the CLI and the worklog Service.
// It constructs all dependencies from config, fills in the acting user and
// working directory for recording commands, and manages the store lifecycle
// on Close.
type App struct {
	cfg     *config.Config
	store   wl.Storage
	service *wl.Service
	op      *Operation
	logFile *os.File
}

// NewApp creates a fully wired App from the given config.
// operation identifies the CLI command being run (e.g. "start", "report").
// The caller must call Close when done.
func NewApp(cfg *config.Config, operation string) (*App, error) {
	op := NewOperation(operation, wl.UUIDGenerator{})

	logger, logFile, err := newLogger(cfg.LogDir, op.ID)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	wlog := &slogAdapter{l: logger}

	store, err := storage.NewStorageFromConfig(cfg.Storage, wl.RealClock{}, wlog)
	if err != nil {
		logFile.Close()
		return nil, fmt.Errorf("creating storage: %w", err)
	}
	if err := store.Initialize(); err != nil {
		store.Close()
		logFile.Close()
		return nil, fmt.Errorf("initializing storage: %w", err)
	}

	var arch wl.Archive
	var enc wl.Encryptor
	if cfg.Archive.Type != "" {
		arch, err = archive.NewArchiveFromConfig(cfg.Archive)
		if err != nil {
			store.Close()
			logFile.Close()
			return nil, fmt.Errorf("creating archive: %w", err)
		}
		enc, err = encryption.NewEncryptorFromConfig(cfg.Encryption)
		if err != nil {
			store.Close()
			logFile.Close()
			return nil, fmt.Errorf("creating encryptor: %w", err)
		}
	}

	logger.Info("command started", "command", op.Command)

	return &App{
		cfg:     cfg,
		store:   store,
		service: wl.NewService(store, arch, enc, wlog),
		op:      op,
		logFile: logFile,
	}, nil
}

// User returns the acting profile name from the configuration.
func (a *App) User() (string, error) {
	if a.cfg.User == "" {
		return "", fmt.Errorf("no user configured: set user in the config file or run init")
	}
	return a.cfg.User, nil
}

// workingDir returns the directory to attribute a recorded event to.
func (a *App) workingDir() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	return dir
}

// resolveFlowType maps the raw CLI argument to a flow type: the acting
// user's aliases win, then the predefined types matched case-insensitively,
// and anything else passes through as a custom type.
func (a *App) resolveFlowType(user, raw string) model.FlowType {
	if profile, err := a.store.GetProfile(user); err == nil {
		if target, ok := profile.Aliases[raw]; ok {
			raw = target
		}
	}
	for _, ft := range model.DefaultFlowTypes() {
		if strings.EqualFold(raw, string(ft)) {
			return ft
		}
	}
	return model.FlowType(raw)
}

// Register creates the acting user's profile. An empty password leaves the
// profile without authentication.
func (a *App) Register(password string) (*model.UserProfile, error) {
	user, err := a.User()
	if err != nil {
		return nil, err
	}
	return a.service.RegisterUser(user, password, "")
}

// Authenticate checks the acting user's password.
func (a *App) Authenticate(password string) error {
	user, err := a.User()
	if err != nil {
		return err
	}
	return a.service.Authenticate(user, password)
}

// SetPassword replaces the acting user's password.
func (a *App) SetPassword(password string) error {
	user, err := a.User()
	if err != nil {
		return err
	}
	return a.service.SetPassword(user, password)
}

// StartFlow opens an activity interval of the given type in the current
// working directory.
func (a *App) StartFlow(rawType string) (time.Time, error) {
	user, err := a.User()
	if err != nil {
		return time.Time{}, err
	}
	return a.service.StartFlow(user, a.resolveFlowType(user, rawType), a.workingDir())
}

// EndFlow closes the open interval.
func (a *App) EndFlow() (time.Time, error) {
	user, err := a.User()
	if err != nil {
		return time.Time{}, err
	}
	return a.service.EndFlow(user, a.workingDir())
}

// AddNote records a note in the current working directory.
func (a *App) AddNote(text string) error {
	user, err := a.User()
	if err != nil {
		return err
	}
	return a.service.AddNote(user, a.workingDir(), text)
}

// RecordTrace records an executed command's outcome.
func (a *App) RecordTrace(program string, args []string, exitCode int64) error {
	user, err := a.User()
	if err != nil {
		return err
	}
	return a.service.RecordTrace(user, a.workingDir(), program, args, exitCode)
}

// Day returns the acting user's intervals for the given day; a zero day
// means today in the user's current time.
func (a *App) Day(day time.Time) ([]model.FlowView, error) {
	user, err := a.User()
	if err != nil {
		return nil, err
	}
	return a.service.Day(user, day)
}

// Report returns the acting user's flows in [from, to), or grouped duration
// summaries when keys are given.
func (a *App) Report(from, to time.Time, keys []model.GroupKey) ([]model.FlowView, []model.GroupSummary, error) {
	user, err := a.User()
	if err != nil {
		return nil, nil, err
	}
	return a.service.Report(user, from, to, keys)
}

// SearchNotes returns the acting user's notes matching term.
func (a *App) SearchNotes(term string) ([]model.NoteView, error) {
	user, err := a.User()
	if err != nil {
		return nil, err
	}
	return a.service.SearchNotes(user, term)
}

// Traces lists the acting user's command traces in [from, to).
func (a *App) Traces(from, to time.Time) ([]model.TraceView, error) {
	user, err := a.User()
	if err != nil {
		return nil, err
	}
	return a.service.Traces(user, from, to)
}

// ShiftLastFlowStart moves the most recent flow's start by delta.
func (a *App) ShiftLastFlowStart(delta time.Duration) (*model.FlowView, error) {
	user, err := a.User()
	if err != nil {
		return nil, err
	}
	return a.service.ShiftLastFlowStart(user, delta)
}

// Now returns the acting user's current time.
func (a *App) Now() (time.Time, error) {
	user, err := a.User()
	if err != nil {
		return time.Time{}, err
	}
	return a.service.Now(user)
}

// SetNow sets the acting user's time override.
func (a *App) SetNow(t time.Time) error {
	user, err := a.User()
	if err != nil {
		return err
	}
	return a.service.SetNow(user, t)
}

// Profile fetches the acting user's profile.
func (a *App) Profile() (*model.UserProfile, error) {
	user, err := a.User()
	if err != nil {
		return nil, err
	}
	return a.service.Profile(user)
}

// UpdateProfile replaces the acting user's profile settings.
func (a *App) UpdateProfile(profile *model.UserProfile) error {
	user, err := a.User()
	if err != nil {
		return err
	}
	return a.service.UpdateProfile(user, profile)
}

// SetupEncryption generates the export key pair, protected by passphrase.
func (a *App) SetupEncryption(passphrase string) error {
	enc, err := encryption.NewEncryptorFromConfig(a.cfg.Encryption)
	if err != nil {
		return err
	}
	return enc.Setup(passphrase)
}

// Export writes the encrypted event history to the archive under name.
func (a *App) Export(name string) error {
	return a.service.Export(name)
}

// Import appends the events of an archived export the store does not already
// have. Returns the number of imported events.
func (a *App) Import(name, passphrase string) (int, error) {
	return a.service.Import(name, passphrase)
}

// Close releases the store and the log file.
func (a *App) Close() error {
	var firstErr error
	if err := a.store.Close(); err != nil {
		firstErr = fmt.Errorf("closing storage: %w", err)
	}
	if a.logFile != nil {
		a.logFile.Close()
	}
	return firstErr
}
