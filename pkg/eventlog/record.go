// Package eventlog provides a JSONL journal of task lifecycle events.
//
// Each line is a typed record envelope. Lines are self-contained JSON
// objects that can be parsed independently, so the journal can be
// tailed, grepped, or shipped to a log pipeline as-is.
package eventlog

import (
	"encoding/json"
	"errors"
	"time"
)

// Record type constants define the envelope types for the journal.
// These follow the pattern: godispatch.<type>.v<version>
const (
	// TypeLifecycle identifies task lifecycle records.
	TypeLifecycle = "godispatch.lifecycle.v1"

	// TypeSummary identifies shutdown summary records.
	TypeSummary = "godispatch.summary.v1"
)

// Record is the envelope for all journal lines.
type Record struct {
	// Type identifies the record type (e.g., "godispatch.lifecycle.v1").
	Type string `json:"type"`

	// TS is the timestamp when the record was created (RFC3339Nano).
	TS time.Time `json:"ts"`

	// Instance identifies the coordinator process that wrote the line.
	Instance string `json:"instance"`

	// Data contains the type-specific payload as raw JSON.
	Data json.RawMessage `json:"data"`
}

// LifecycleRecord is the data payload for a task event.
//
// Events that arrive after a task was finalized are journaled with
// Applied set to false.
type LifecycleRecord struct {
	TaskID     string `json:"task_id"`
	TerminalID string `json:"terminal_id,omitempty"`

	// Event is the input that produced the record: accept, result,
	// failure or timeout.
	Event string `json:"event"`

	// Status is the task status after the event was processed.
	Status string `json:"status"`

	Applied bool `json:"applied"`

	// Detail carries the failure message for failure events.
	Detail string `json:"detail,omitempty"`
}

// SummaryRecord is the data payload written when the coordinator stops.
type SummaryRecord struct {
	// Tasks counts persisted tasks by status.
	Tasks map[string]int `json:"tasks"`

	// Queued counts tasks still waiting in the dispatch queues.
	Queued int `json:"queued"`

	// Connections is the number of sessions open at shutdown.
	Connections int `json:"connections"`

	// Uptime is how long the coordinator ran.
	Uptime time.Duration `json:"uptime_ns"`

	// UptimeHuman is a human-readable uptime string.
	UptimeHuman string `json:"uptime"`
}

// Writer errors.
var (
	// ErrWriterClosed is returned when writing to a closed writer.
	ErrWriterClosed = errors.New("writer is closed")
)

// WriteError wraps errors that occur during write operations.
type WriteError struct {
	Op  string // Operation that failed (e.g., "marshal_data", "write")
	Err error  // Underlying error
}

func (e *WriteError) Error() string {
	return "eventlog: " + e.Op + ": " + e.Err.Error()
}

func (e *WriteError) Unwrap() error {
	return e.Err
}
