package conn

import (
	"time"

	"github.com/roach88/roomcheck/internal/protocol"
)

// State is the lifecycle state of a connection.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// EventKind categorises inbound events.
type EventKind string

const (
	EventMessage     EventKind = "message"
	EventDecodeError EventKind = "decode_error"
	EventError       EventKind = "error"
	EventClose       EventKind = "close"
)

// Event is one item of the inbound stream.
type Event struct {
	Kind     EventKind
	Envelope protocol.Envelope // set for EventMessage
	Raw      []byte            // offending bytes for EventDecodeError
	Err      error             // set for EventDecodeError and EventError
	At       time.Time
}
