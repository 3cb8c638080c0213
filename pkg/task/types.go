package task

import (
	"encoding/json"
	"strings"
	"time"
)

// Status is the lifecycle state of a task.
//
// NOTE: These values are persisted in the tasks table and reported over the
// HTTP API; they are part of the stable contract.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusDelivered  Status = "DELIVERED"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusTimeout    Status = "TIMEOUT"
)

// IsTerminal reports whether s is a final state.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimeout:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := sources[s]
	return ok || s == StatusPending
}

// sources lists, for each target status, the statuses it may be entered from.
var sources = map[Status][]Status{
	StatusDelivered:  {StatusPending},
	StatusProcessing: {StatusDelivered},
	StatusCompleted:  {StatusDelivered, StatusProcessing},
	StatusFailed:     {StatusDelivered, StatusProcessing},
	StatusTimeout:    {StatusDelivered, StatusProcessing},
}

// CanTransition reports whether from -> to is an allowed lifecycle edge.
func CanTransition(from, to Status) bool {
	for _, s := range sources[to] {
		if s == from {
			return true
		}
	}
	return false
}

// Priority selects the dispatch queue of a task.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Priorities lists the tiers in dispatch order.
var Priorities = []Priority{PriorityHigh, PriorityMedium, PriorityLow}

// ParsePriority maps s to a Priority. Empty or unrecognized values coerce to
// PriorityMedium.
func ParsePriority(s string) Priority {
	switch Priority(strings.ToLower(strings.TrimSpace(s))) {
	case PriorityHigh:
		return PriorityHigh
	case PriorityLow:
		return PriorityLow
	default:
		return PriorityMedium
	}
}

// Task is a unit of work and its lifecycle state.
type Task struct {
	ID          string          `json:"taskId"`
	TerminalID  string          `json:"terminalId,omitempty"`
	Payload     json.RawMessage `json:"data"`
	Priority    Priority        `json:"priority"`
	Status      Status          `json:"status"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
	StartedAt   *time.Time      `json:"startedAt,omitempty"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
}

// Result is the stored outcome of a task.
type Result struct {
	ID        string          `json:"id"`
	TaskID    string          `json:"taskId"`
	Data      json.RawMessage `json:"result"`
	Status    Status          `json:"status"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}
