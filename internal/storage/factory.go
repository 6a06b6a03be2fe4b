// Package storage selects a concrete event store engine from configuration.
package storage

import (
	"fmt"

	"worklog-go/internal/config"
	"worklog-go/internal/database"
	"worklog-go/internal/flatfile"
	"worklog-go/internal/wl"
)

// NewStorageFromConfig creates a Storage implementation based on the storage
// config type. The returned store still needs Initialize.
func NewStorageFromConfig(cfg config.StorageConfig, clock wl.Clock, logger wl.Logger) (wl.Storage, error) {
	switch cfg.Type {
	case "sqlite", "":
		if cfg.Path == "" {
			return nil, fmt.Errorf("path required for sqlite storage")
		}
		return database.NewSQLiteStore(database.Options{
			Path:      cfg.Path,
			ConfigDir: cfg.ConfigDir,
			Clock:     clock,
			Logger:    logger,
		})
	case "file":
		if cfg.Path == "" {
			return nil, fmt.Errorf("path required for file storage")
		}
		return flatfile.NewStore(flatfile.Options{
			Path:      cfg.Path,
			ConfigDir: cfg.ConfigDir,
			Clock:     clock,
			Logger:    logger,
		}), nil
	case "memory":
		return database.NewSQLiteStore(database.Options{
			Path:   ":memory:",
			Clock:  clock,
			Logger: logger,
		})
	default:
		return nil, fmt.Errorf("unknown storage type: %s", cfg.Type)
	}
}
