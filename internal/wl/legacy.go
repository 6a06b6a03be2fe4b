package wl

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"worklog-go/internal/codec"
	"worklog-go/internal/model"
)

// ReadLegacyProfile looks for a pre-versioning file-resident profile under
// configDir and decodes it with the versioned profile codec. Returns
// (nil, nil) when configDir is empty or no legacy file exists. The profile
// comes back with a fresh 16-byte identifier when the file predates them.
func ReadLegacyProfile(configDir string) (*model.UserProfile, error) {
	if configDir == "" {
		return nil, nil
	}
	path := filepath.Join(configDir, LegacyProfileName)
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading legacy profile: %w", err)
	}

	profile, err := codec.DecodeProfile(data)
	if err != nil {
		return nil, fmt.Errorf("decoding legacy profile %s: %w", path, err)
	}
	if profile.ID == uuid.Nil {
		profile.ID = uuid.New()
	}
	return profile, nil
}
