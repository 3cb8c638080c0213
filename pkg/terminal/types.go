package terminal

import (
	"errors"
	"time"
)

// Status is the reported state of a terminal.
type Status string

const (
	StatusOnline  Status = "online"
	StatusBusy    Status = "busy"
	StatusOffline Status = "offline"
	StatusUnknown Status = "unknown"
)

// ParseStatus validates a status supplied by a terminal or an operator.
// StatusUnknown is derived only and cannot be set.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusOnline, StatusBusy, StatusOffline:
		return Status(s), nil
	default:
		return "", &ValidationError{Field: "status", Reason: "must be one of online, busy, offline"}
	}
}

var (
	// ErrNotFound indicates the terminal is not registered.
	ErrNotFound = errors.New("terminal not found")

	// ErrAlreadyRegistered indicates a terminal with the same id exists.
	ErrAlreadyRegistered = errors.New("terminal already registered")

	// ErrInvalidInput indicates a malformed registration or status update.
	ErrInvalidInput = errors.New("invalid terminal input")
)

// ValidationError describes which input field was rejected.
type ValidationError struct {
	Field  string
	Reason string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Reason
}

// Unwrap lets errors.Is match ErrInvalidInput.
func (e *ValidationError) Unwrap() error {
	return ErrInvalidInput
}

// IsNotFound returns true if the error indicates the terminal is not registered.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsAlreadyRegistered returns true if the error indicates a duplicate id.
func IsAlreadyRegistered(err error) bool {
	return errors.Is(err, ErrAlreadyRegistered)
}

// IsInvalidInput returns true if the error indicates rejected input.
func IsInvalidInput(err error) bool {
	return errors.Is(err, ErrInvalidInput)
}

// Info is the registration request for a terminal.
type Info struct {
	ID       string            `json:"id,omitempty"`
	Type     string            `json:"type"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Terminal is a known worker and its effective status.
type Terminal struct {
	ID           string            `json:"id"`
	Type         string            `json:"type"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Status       Status            `json:"status"`
	RegisteredAt time.Time         `json:"registeredAt"`
	LastActiveAt time.Time         `json:"lastActiveAt"`
}

// HistoryEntry is one task bound to a terminal.
type HistoryEntry struct {
	TaskID      string     `json:"taskId"`
	Priority    string     `json:"priority"`
	Status      string     `json:"status"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// StalenessPolicy reports whether a terminal last active at lastActiveAt must
// be treated as offline at now, whatever its persisted status.
type StalenessPolicy func(lastActiveAt, now time.Time) bool

// DefaultStaleAfter is the liveness threshold used by NewDirectory.
const DefaultStaleAfter = 10 * time.Minute

// StaleAfter returns a policy that expires terminals idle for longer than d.
// A non-positive d disables the override.
func StaleAfter(d time.Duration) StalenessPolicy {
	return func(lastActiveAt, now time.Time) bool {
		if d <= 0 {
			return false
		}
		return now.Sub(lastActiveAt) > d
	}
}
