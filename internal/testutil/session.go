package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/roach88/roomcheck/internal/conn"
	"github.com/roach88/roomcheck/internal/protocol"
	"github.com/roach88/roomcheck/internal/user"
)

// FakeSession is an in-memory user.Session. Tests push inbound traffic
// with Deliver, Garbage and Fail and inspect outbound traffic with Sent.
type FakeSession struct {
	id     string
	clock  *StepClock
	events chan conn.Event

	mu      sync.Mutex
	state   conn.State
	sent    []protocol.Envelope
	sendErr error
	aborts  int
}

// NewFakeSession returns an open session.
func NewFakeSession(id string, clock *StepClock) *FakeSession {
	if clock == nil {
		clock = NewStepClock(0)
	}
	return &FakeSession{
		id:     id,
		clock:  clock,
		events: make(chan conn.Event, 1024),
		state:  conn.StateOpen,
	}
}

func (s *FakeSession) ID() string                { return s.id }
func (s *FakeSession) Events() <-chan conn.Event { return s.events }

func (s *FakeSession) State() conn.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *FakeSession) Send(env protocol.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != conn.StateOpen {
		return fmt.Errorf("send on %s: %w", s.id, conn.ErrNotOpen)
	}
	if s.sendErr != nil {
		return s.sendErr
	}
	s.sent = append(s.sent, env)
	return nil
}

func (s *FakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finish()
	return nil
}

// Abort closes the session and counts the call.
func (s *FakeSession) Abort() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aborts++
	s.finish()
	return nil
}

// Aborts returns how many times Abort was called.
func (s *FakeSession) Aborts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aborts
}

// Sent returns a copy of every envelope passed to Send.
func (s *FakeSession) Sent() []protocol.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.Envelope(nil), s.sent...)
}

// FailSends makes every later Send return err.
func (s *FakeSession) FailSends(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendErr = err
}

// Deliver emits a message event. It is a no-op once closed.
func (s *FakeSession) Deliver(env protocol.Envelope) {
	s.emit(conn.Event{Kind: conn.EventMessage, Envelope: env})
}

// Garbage emits a decode_error event.
func (s *FakeSession) Garbage(raw string) {
	s.emit(conn.Event{Kind: conn.EventDecodeError, Raw: []byte(raw), Err: fmt.Errorf("malformed frame %q", raw)})
}

// Fail emits a transport error and closes the session, the way a dropped
// connection does.
func (s *FakeSession) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == conn.StateClosed {
		return
	}
	s.events <- conn.Event{Kind: conn.EventError, Err: err, At: s.clock.Now()}
	s.finish()
}

func (s *FakeSession) emit(ev conn.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == conn.StateClosed {
		return
	}
	ev.At = s.clock.Now()
	s.events <- ev
}

// finish must be called with s.mu held.
func (s *FakeSession) finish() {
	if s.state == conn.StateClosed {
		return
	}
	s.state = conn.StateClosed
	s.events <- conn.Event{Kind: conn.EventClose, At: s.clock.Now()}
	close(s.events)
}

// DialCall records one Dial invocation.
type DialCall struct {
	Endpoint string
	Token    string
	Room     protocol.ID
}

// FakeDialer hands out FakeSessions.
type FakeDialer struct {
	// Reject maps tokens to the error Dial returns for them.
	Reject map[string]error

	clock    *StepClock
	mu       sync.Mutex
	calls    []DialCall
	sessions []*FakeSession
}

// NewFakeDialer returns a dialer that accepts every token.
func NewFakeDialer() *FakeDialer {
	return &FakeDialer{Reject: map[string]error{}, clock: NewStepClock(0)}
}

var _ user.Dialer = (*FakeDialer)(nil)

// Dial implements user.Dialer.
func (d *FakeDialer) Dial(ctx context.Context, endpoint, token string, room protocol.ID) (user.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, DialCall{Endpoint: endpoint, Token: token, Room: room})
	if err := d.Reject[token]; err != nil {
		return nil, err
	}
	s := NewFakeSession(fmt.Sprintf("fake-%d", len(d.sessions)+1), d.clock)
	d.sessions = append(d.sessions, s)
	return s, nil
}

// Calls returns a copy of the recorded Dial invocations.
func (d *FakeDialer) Calls() []DialCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]DialCall(nil), d.calls...)
}

// Sessions returns every session handed out, in dial order.
func (d *FakeDialer) Sessions() []*FakeSession {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*FakeSession(nil), d.sessions...)
}

// Last returns the most recent session, or nil.
func (d *FakeDialer) Last() *FakeSession {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.sessions) == 0 {
		return nil
	}
	return d.sessions[len(d.sessions)-1]
}
