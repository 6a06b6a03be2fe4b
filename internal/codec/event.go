// Package codec implements the versioned JSON serialization of events and
// user profiles. Every record carries an explicit version field; decoding
// branches on it to select the matching historical shape, and encoding
// always writes the current version.
package codec

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"worklog-go/internal/model"
)

// CurrentEventVersion is the version EncodeEvent writes. Version 1 stored a
// trace's command line as a single string; version 2 splits it into program
// and argument list.
const CurrentEventVersion = 2

type eventJSON struct {
	Version   int64    `json:"version"`
	Tag       string   `json:"tag"`
	User      string   `json:"user"`
	Timestamp string   `json:"timestamp"`
	Dir       string   `json:"dir"`
	FlowType  string   `json:"flowType,omitempty"`
	Text      string   `json:"text,omitempty"`
	Program   string   `json:"program,omitempty"`
	Args      []string `json:"args,omitempty"`
	Command   string   `json:"command,omitempty"`
	ExitCode  int64    `json:"exitCode,omitempty"`
}

// EncodeEvent serializes an event at the current version.
func EncodeEvent(ev model.Event) ([]byte, error) {
	meta := ev.Meta()
	record := eventJSON{
		Version:   CurrentEventVersion,
		Tag:       string(ev.Tag()),
		User:      meta.User,
		Timestamp: meta.Timestamp.Format(time.RFC3339Nano),
		Dir:       meta.Dir,
	}
	switch e := ev.(type) {
	case model.Flow:
		record.FlowType = string(e.Type)
	case model.Note:
		record.Text = e.Text
	case model.Trace:
		record.Program = e.Program
		record.Args = e.Args
		record.ExitCode = e.ExitCode
	default:
		return nil, fmt.Errorf("unknown event type %T", ev)
	}
	data, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("encoding event: %w", err)
	}
	return data, nil
}

// DecodeEvent deserializes an event of any historical version. A record
// without a version field is read as version 1.
func DecodeEvent(data []byte) (model.Event, error) {
	var record eventJSON
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("decoding event: %w", err)
	}
	if record.Version > CurrentEventVersion {
		return nil, fmt.Errorf("event version %d is newer than supported %d", record.Version, CurrentEventVersion)
	}

	ts, err := time.Parse(time.RFC3339Nano, record.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("decoding event timestamp: %w", err)
	}
	meta := model.EventMeta{User: record.User, Timestamp: ts, Dir: record.Dir}

	switch model.EventTag(record.Tag) {
	case model.TagFlow:
		if record.FlowType == "" {
			return nil, fmt.Errorf("flow event without a type")
		}
		return model.Flow{EventMeta: meta, Type: model.FlowType(record.FlowType)}, nil
	case model.TagNote:
		return model.Note{EventMeta: meta, Text: record.Text}, nil
	case model.TagTrace:
		program, args := record.Program, record.Args
		if record.Version < 2 {
			// Old traces stored one command-line string.
			fields := strings.Fields(record.Command)
			if len(fields) > 0 {
				program, args = fields[0], fields[1:]
			}
		}
		return model.Trace{EventMeta: meta, Program: program, Args: args, ExitCode: record.ExitCode}, nil
	default:
		return nil, fmt.Errorf("unknown event tag %q", record.Tag)
	}
}
