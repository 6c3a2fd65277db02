package events

import (
	"encoding/json"
	"errors"
)

// Known upstream event types. Everything else passes through as UnknownEvent.
const (
	TypeSessionStatus = "session.status"
	TypeSessionIdle   = "session.idle"
)

// Session status values carried by session.status events
const (
	StatusBusy    = "busy"
	StatusRetry   = "retry"
	StatusCompact = "compact"
	StatusIdle    = "idle"
)

// Event is a parsed upstream event. Exactly one of the concrete types below.
type Event interface {
	EventType() string
}

// envelope is the wire shape of every upstream message
type envelope struct {
	Type       string          `json:"type"`
	Properties json.RawMessage `json:"properties"`
}

// SessionStatusEvent reports a session entering a new status
type SessionStatusEvent struct {
	SessionID string
	Status    string
}

func (e *SessionStatusEvent) EventType() string { return TypeSessionStatus }

// Active reports whether this status keeps the session's directory busy
func (e *SessionStatusEvent) Active() bool {
	switch e.Status {
	case StatusBusy, StatusRetry, StatusCompact:
		return true
	}
	return false
}

// SessionIdleEvent is the dedicated "session finished" event
type SessionIdleEvent struct {
	SessionID string
}

func (e *SessionIdleEvent) EventType() string { return TypeSessionIdle }

// UnknownEvent carries any event type the aggregator does not interpret.
// The raw properties are preserved for listeners that want them.
type UnknownEvent struct {
	Type       string
	Properties json.RawMessage
}

func (e *UnknownEvent) EventType() string { return e.Type }

var errMissingType = errors.New("event missing type")

// Parse decodes an upstream payload into a typed event. A payload that is not
// a JSON object with a "type" field is an error; the caller still forwards
// the raw bytes to clients.
func Parse(data []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	if env.Type == "" {
		return nil, errMissingType
	}

	switch env.Type {
	case TypeSessionStatus:
		var props struct {
			SessionID string `json:"sessionID"`
			Status    struct {
				Type string `json:"type"`
			} `json:"status"`
		}
		// Unrecognized property shapes degrade to zero values; the tracker
		// ignores status events without a session ID.
		json.Unmarshal(env.Properties, &props)
		return &SessionStatusEvent{
			SessionID: props.SessionID,
			Status:    props.Status.Type,
		}, nil

	case TypeSessionIdle:
		var props struct {
			SessionID string `json:"sessionID"`
		}
		json.Unmarshal(env.Properties, &props)
		return &SessionIdleEvent{SessionID: props.SessionID}, nil

	default:
		return &UnknownEvent{Type: env.Type, Properties: env.Properties}, nil
	}
}
