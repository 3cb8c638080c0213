// Package protocol defines the JSON frames exchanged with terminals over
// their WebSocket sessions.
//
// Every frame is a JSON object tagged by a "type" field. Inbound frames
// (terminal to coordinator) and outbound frames (coordinator to terminal)
// are closed sets: each kind is a distinct Go type implementing Inbound or
// Outbound, so handlers switch on the concrete type instead of on strings.
package protocol

import (
	"encoding/json"
	"strings"
)

// Kind is the value of a frame's "type" field.
type Kind string

// Inbound kinds.
const (
	KindHeartbeat      Kind = "heartbeat"
	KindTerminalStatus Kind = "terminal_status"
	KindTaskAccept     Kind = "task_accept"
	KindTaskResult     Kind = "task_result"
	KindTaskFailure    Kind = "task_failure"
)

// Outbound kinds.
const (
	KindWelcome               Kind = "welcome"
	KindConnectionEstablished Kind = "connection_established"
	KindHeartbeatAck          Kind = "heartbeat_ack"
	KindTask                  Kind = "task"
	KindError                 Kind = "error"
)

// Inbound is a frame sent by a terminal.
type Inbound interface {
	Kind() Kind
	inbound()
}

// Outbound is a frame sent to a terminal.
type Outbound interface {
	Kind() Kind
	outbound()
}

// Heartbeat keeps a session alive.
type Heartbeat struct{}

// TerminalStatus reports a self-declared terminal status (e.g. "busy").
type TerminalStatus struct {
	Status string `json:"status"`
}

// TaskAccept acknowledges that the terminal started working on a task.
type TaskAccept struct {
	TaskID string `json:"taskId"`
}

// TaskResult carries the outcome of a successfully executed task.
type TaskResult struct {
	TaskID string          `json:"taskId"`
	Result json.RawMessage `json:"result,omitempty"`
}

// TaskFailure reports that a task could not be executed.
//
// Error is either a JSON string or an object with a "message" field.
type TaskFailure struct {
	TaskID string          `json:"taskId"`
	Error  json.RawMessage `json:"error,omitempty"`
}

// Message extracts a human-readable description from Error.
func (f TaskFailure) Message() string {
	raw := strings.TrimSpace(string(f.Error))
	if raw == "" || raw == "null" {
		return "Unknown error"
	}

	var s string
	if err := json.Unmarshal(f.Error, &s); err == nil {
		if s == "" {
			return "Unknown error"
		}
		return s
	}

	var obj struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(f.Error, &obj); err == nil && obj.Message != "" {
		return obj.Message
	}
	return raw
}

func (Heartbeat) Kind() Kind      { return KindHeartbeat }
func (TerminalStatus) Kind() Kind { return KindTerminalStatus }
func (TaskAccept) Kind() Kind     { return KindTaskAccept }
func (TaskResult) Kind() Kind     { return KindTaskResult }
func (TaskFailure) Kind() Kind    { return KindTaskFailure }

func (Heartbeat) inbound()      {}
func (TerminalStatus) inbound() {}
func (TaskAccept) inbound()     {}
func (TaskResult) inbound()     {}
func (TaskFailure) inbound()    {}

// Welcome greets a session opened without a terminal id in the path.
type Welcome struct {
	Message string `json:"message"`
}

// ConnectionEstablished acknowledges an accepted session.
type ConnectionEstablished struct {
	ConnectionID string `json:"connectionId"`
	TerminalID   string `json:"terminalId"`
	Timestamp    int64  `json:"timestamp"`
}

// HeartbeatAck answers a Heartbeat.
type HeartbeatAck struct {
	Timestamp int64 `json:"timestamp"`
}

// Task pushes a dispatched task to a terminal.
type Task struct {
	TaskID string          `json:"taskId"`
	Data   json.RawMessage `json:"data"`
}

// Error reports a protocol or processing problem without closing the session.
type Error struct {
	Message string `json:"message"`
}

func (Welcome) Kind() Kind               { return KindWelcome }
func (ConnectionEstablished) Kind() Kind { return KindConnectionEstablished }
func (HeartbeatAck) Kind() Kind          { return KindHeartbeatAck }
func (Task) Kind() Kind                  { return KindTask }
func (Error) Kind() Kind                 { return KindError }

func (Welcome) outbound()               {}
func (ConnectionEstablished) outbound() {}
func (HeartbeatAck) outbound()          {}
func (Task) outbound()                  {}
func (Error) outbound()                 {}
