// Package manifest loads batch manifests: terminals to register and tasks to
// submit in one operation.
//
// Manifests are YAML or JSON and are validated against an embedded JSON
// Schema before use. The schema disallows unknown properties.
//
// Example manifest (YAML):
//
//	version: "1.0"
//	defaults:
//	  priority: medium
//	terminals:
//	  - id: kiosk-01
//	    type: kiosk
//	    metadata:
//	      site: berlin
//	tasks:
//	  - data: {action: reboot}
//	    priority: high
//	    terminal: kiosk-01
//	  - data: {action: sync}
package manifest

import (
	"encoding/json"

	"github.com/3leaps/godispatch/pkg/task"
)

// Manifest represents a validated batch manifest.
type Manifest struct {
	// Schema is an optional JSON Schema reference for editor support.
	Schema string `json:"$schema,omitempty"`

	// Version is the manifest schema version. Must be "1.0".
	Version string `json:"version"`

	// Defaults apply to tasks that leave a field unset.
	Defaults Defaults `json:"defaults,omitempty"`

	// Terminals are registered before any task is submitted.
	Terminals []TerminalEntry `json:"terminals,omitempty"`

	// Tasks are submitted in file order.
	Tasks []TaskEntry `json:"tasks,omitempty"`
}

// Defaults holds batch-wide task settings.
type Defaults struct {
	Priority string `json:"priority,omitempty"`
	Terminal string `json:"terminal,omitempty"`
}

// TerminalEntry describes a terminal to register.
type TerminalEntry struct {
	// ID is optional; the directory generates one when empty.
	ID       string         `json:"id,omitempty"`
	Type     string         `json:"type"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// TaskEntry describes a task to submit.
type TaskEntry struct {
	// Data is the task payload, any JSON value.
	Data json.RawMessage `json:"data"`

	// Priority is high, medium or low. Empty uses the batch default.
	Priority string `json:"priority,omitempty"`

	// Terminal targets a specific terminal. Empty lets the scheduler choose.
	Terminal string `json:"terminal,omitempty"`
}

// DefaultPriority is used when neither the task nor the batch sets one.
const DefaultPriority = task.PriorityMedium

// ApplyDefaults fills unset task fields from Defaults.
func (m *Manifest) ApplyDefaults() {
	if m.Defaults.Priority == "" {
		m.Defaults.Priority = string(DefaultPriority)
	}
	for i := range m.Tasks {
		if m.Tasks[i].Priority == "" {
			m.Tasks[i].Priority = m.Defaults.Priority
		}
		if m.Tasks[i].Terminal == "" {
			m.Tasks[i].Terminal = m.Defaults.Terminal
		}
	}
}

// TaskPriority returns the parsed priority of a task entry.
func (e TaskEntry) TaskPriority() task.Priority {
	return task.ParsePriority(e.Priority)
}
