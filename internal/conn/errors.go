package conn

import (
	"errors"
	"fmt"
)

// ErrNotOpen is returned by Send when the connection is not open.
var ErrNotOpen = errors.New("connection not open")

// ConnectError reports a failed connection attempt.
//
// Reasons:
//   - invalid_url: the endpoint could not be parsed
//   - rejected: the server answered the handshake with a non-101 status
//   - transport: the network connection could not be established
type ConnectError struct {
	Reason     string
	Endpoint   string // endpoint without credentials
	StatusCode int    // HTTP status for rejected handshakes
	Err        error
}

// Connect error reasons.
const (
	ReasonInvalidURL = "invalid_url"
	ReasonRejected   = "rejected"
	ReasonTransport  = "transport"
)

func (e *ConnectError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("connect %s: %s (status %d): %v", e.Endpoint, e.Reason, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("connect %s: %s: %v", e.Endpoint, e.Reason, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// TransportError reports an I/O failure on an established connection.
type TransportError struct {
	Op     string // "send" or "read"
	ConnID string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s on %s: %v", e.Op, e.ConnID, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
