package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrMalformed indicates the frame is not a JSON object with a type tag.
	ErrMalformed = errors.New("malformed frame")

	// ErrUnknownType indicates the frame's type tag is not an inbound kind.
	ErrUnknownType = errors.New("unknown message type")
)

// IsUnknownType returns true if err was caused by an unrecognized type tag.
func IsUnknownType(err error) bool {
	return errors.Is(err, ErrUnknownType)
}

type envelope struct {
	Type string `json:"type"`
}

// Decode parses a frame received from a terminal.
func Decode(data []byte) (Inbound, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if strings.TrimSpace(env.Type) == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	}

	switch Kind(env.Type) {
	case KindHeartbeat:
		return Heartbeat{}, nil
	case KindTerminalStatus:
		var m TerminalStatus
		return decodeInto(data, &m)
	case KindTaskAccept:
		var m TaskAccept
		return decodeInto(data, &m)
	case KindTaskResult:
		var m TaskResult
		return decodeInto(data, &m)
	case KindTaskFailure:
		var m TaskFailure
		return decodeInto(data, &m)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, env.Type)
	}
}

func decodeInto[T Inbound](data []byte, m *T) (Inbound, error) {
	if err := json.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, (*m).Kind(), err)
	}
	return *m, nil
}

// Encode renders an outbound frame with its type tag as the first field.
func Encode(msg Outbound) ([]byte, error) {
	if msg == nil {
		return nil, errors.New("nil message")
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", msg.Kind(), err)
	}
	tag, err := json.Marshal(string(msg.Kind()))
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", msg.Kind(), err)
	}

	out := make([]byte, 0, len(body)+len(tag)+10)
	out = append(out, `{"type":`...)
	out = append(out, tag...)
	if len(body) > 2 {
		out = append(out, ',')
		out = append(out, body[1:]...)
	} else {
		out = append(out, '}')
	}
	return out, nil
}
