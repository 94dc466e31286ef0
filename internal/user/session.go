package user

import (
	"context"

	"github.com/roach88/roomcheck/internal/conn"
	"github.com/roach88/roomcheck/internal/protocol"
)

// Session is the slice of a connection a User needs.
// *conn.Conn satisfies it.
type Session interface {
	ID() string
	Send(protocol.Envelope) error
	Events() <-chan conn.Event
	State() conn.State
	Close() error
	// Abort closes without waiting for the peer.
	Abort() error
}

// Dialer opens sessions.
type Dialer interface {
	Dial(ctx context.Context, endpoint, token string, room protocol.ID) (Session, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, endpoint, token string, room protocol.ID) (Session, error)

// Dial calls f.
func (f DialerFunc) Dial(ctx context.Context, endpoint, token string, room protocol.ID) (Session, error) {
	return f(ctx, endpoint, token, room)
}

// WebSocketDialer dials real WebSocket connections.
type WebSocketDialer struct {
	Options conn.Options
}

// Dial implements Dialer.
func (d WebSocketDialer) Dial(ctx context.Context, endpoint, token string, room protocol.ID) (Session, error) {
	c, err := conn.Dial(ctx, endpoint, token, room, d.Options)
	if err != nil {
		return nil, err
	}
	return c, nil
}
