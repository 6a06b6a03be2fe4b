package app

import (
	"time"

	"worklog-go/internal/wl"
)

// Operation identifies one CLI invocation in the log: the command name plus
// a unique ID that ties together every record the invocation writes.
type Operation struct {
	ID      string
	Command string
	Started time.Time
}

// NewOperation creates an Operation for the named CLI command.
func NewOperation(command string, idgen wl.IDGenerator) *Operation {
	return &Operation{
		ID:      idgen.New(),
		Command: command,
		Started: time.Now().UTC(),
	}
}
