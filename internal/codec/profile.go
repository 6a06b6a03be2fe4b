package codec

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"worklog-go/internal/model"
)

// CurrentProfileVersion is the version EncodeProfile writes. Historical
// shapes, all still decodable:
//
//	v0: name and timezone only, no version field.
//	v1: adds the version field and the day boundaries.
//	v2: adds the flow-type color map.
//	v3: adds the command-alias map.
//	v4: adds the password salt and hash and the 16-byte identifier.
const CurrentProfileVersion = 4

type profileJSON struct {
	Version      int64             `json:"version,omitempty"`
	Name         string            `json:"name"`
	Timezone     string            `json:"timezone,omitempty"`
	DayStart     string            `json:"dayStart,omitempty"`
	DayEnd       string            `json:"dayEnd,omitempty"`
	FlowColors   map[string]string `json:"flowColors,omitempty"`
	Aliases      map[string]string `json:"aliases,omitempty"`
	PasswordSalt string            `json:"passwordSalt,omitempty"`
	PasswordHash string            `json:"passwordHash,omitempty"`
	ID           string            `json:"uuid,omitempty"`
}

// EncodeProfile serializes a profile at the current version. UID is a store
// concern and is not part of the serialized form.
func EncodeProfile(p *model.UserProfile) ([]byte, error) {
	record := profileJSON{
		Version:  CurrentProfileVersion,
		Name:     p.Name,
		Timezone: p.Timezone,
		DayStart: p.DayStart,
		DayEnd:   p.DayEnd,
	}
	if len(p.FlowColors) > 0 {
		record.FlowColors = make(map[string]string, len(p.FlowColors))
		for t, c := range p.FlowColors {
			record.FlowColors[string(t)] = c
		}
	}
	if len(p.Aliases) > 0 {
		record.Aliases = make(map[string]string, len(p.Aliases))
		for a, cmd := range p.Aliases {
			record.Aliases[a] = cmd
		}
	}
	if len(p.PasswordSalt) > 0 {
		record.PasswordSalt = base64.StdEncoding.EncodeToString(p.PasswordSalt)
	}
	if len(p.PasswordHash) > 0 {
		record.PasswordHash = base64.StdEncoding.EncodeToString(p.PasswordHash)
	}
	if p.ID != uuid.Nil {
		record.ID = p.ID.String()
	}
	data, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("encoding profile: %w", err)
	}
	return data, nil
}

// DecodeProfile deserializes a profile of any historical version and
// upgrades it to the current shape, filling the documented defaults for
// fields the serialized version predates. A record without a version field
// is the oldest shape, version 0. Fields beyond the declared version are
// ignored; the version field is authoritative.
func DecodeProfile(data []byte) (*model.UserProfile, error) {
	var record profileJSON
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("decoding profile: %w", err)
	}
	if record.Version > CurrentProfileVersion {
		return nil, fmt.Errorf("profile version %d is newer than supported %d", record.Version, CurrentProfileVersion)
	}
	if record.Name == "" {
		return nil, fmt.Errorf("profile without a name")
	}

	p := &model.UserProfile{
		Name:          record.Name,
		Timezone:      record.Timezone,
		DayStart:      model.DefaultDayStart,
		DayEnd:        model.DefaultDayEnd,
		SchemaVersion: CurrentProfileVersion,
	}
	if p.Timezone == "" {
		p.Timezone = model.DefaultTimezone
	}

	if record.Version >= 1 {
		if record.DayStart != "" {
			p.DayStart = record.DayStart
		}
		if record.DayEnd != "" {
			p.DayEnd = record.DayEnd
		}
	}
	if record.Version >= 2 && len(record.FlowColors) > 0 {
		p.FlowColors = make(map[model.FlowType]string, len(record.FlowColors))
		for t, c := range record.FlowColors {
			p.FlowColors[model.FlowType(t)] = c
		}
	}
	if record.Version >= 3 && len(record.Aliases) > 0 {
		p.Aliases = make(map[string]string, len(record.Aliases))
		for a, cmd := range record.Aliases {
			p.Aliases[a] = cmd
		}
	}
	if record.Version >= 4 {
		if record.PasswordSalt != "" {
			salt, err := base64.StdEncoding.DecodeString(record.PasswordSalt)
			if err != nil {
				return nil, fmt.Errorf("decoding password salt: %w", err)
			}
			p.PasswordSalt = salt
		}
		if record.PasswordHash != "" {
			hash, err := base64.StdEncoding.DecodeString(record.PasswordHash)
			if err != nil {
				return nil, fmt.Errorf("decoding password hash: %w", err)
			}
			p.PasswordHash = hash
		}
		if record.ID != "" {
			id, err := uuid.Parse(record.ID)
			if err != nil {
				return nil, fmt.Errorf("decoding profile id: %w", err)
			}
			p.ID = id
		}
	}
	return p, nil
}
