package user

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/roach88/roomcheck/internal/conn"
	"github.com/roach88/roomcheck/internal/protocol"
)

// ErrNoRoom is returned by SendMessage when the user has not joined a room.
var ErrNoRoom = errors.New("no current room")

// Event is one entry of a user's log.
type Event struct {
	Seq      int    // 1-based position in the user's log
	Conn     string // label of the session that produced it
	Kind     conn.EventKind
	Envelope protocol.Envelope
	Raw      []byte
	Err      error
	At       time.Time
}

// IsDelivery reports whether the event carries a chat message.
func (e Event) IsDelivery() bool {
	return e.Kind == conn.EventMessage && e.Envelope.Type.IsDelivery()
}

// Fault is a transport problem observed on one of the user's sessions.
type Fault struct {
	Conn string
	Kind conn.EventKind // conn.EventError or conn.EventDecodeError
	Err  error
	At   time.Time
}

// Options configures a User.
type Options struct {
	// DataPayload mirrors room_id into a nested data object on outbound
	// envelopes.
	DataPayload bool
	Logger      *slog.Logger
}

type session struct {
	label string
	s     Session
	rooms map[protocol.ID]bool
}

// User is a named actor holding one token and any number of sessions.
// All methods are safe for concurrent use.
type User struct {
	name   string
	token  string
	dialer Dialer
	opts   Options
	logger *slog.Logger

	mu         sync.Mutex
	sessions   []*session
	active     *session
	room       protocol.ID
	log        []Event
	deliveries int
	faults     []Fault
	failed     bool

	consumers sync.WaitGroup
}

// New creates a user that dials through d.
func New(name, token string, d Dialer, opts Options) *User {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &User{
		name:   name,
		token:  token,
		dialer: d,
		opts:   opts,
		logger: logger.With("user", name),
	}
}

// Name returns the user's name.
func (u *User) Name() string { return u.name }

// Connect opens a new session and makes it active. When joined is true the
// connect-time room counts as joined. It returns the session label.
func (u *User) Connect(ctx context.Context, endpoint string, room protocol.ID, joined bool) (string, error) {
	s, err := u.dialer.Dial(ctx, endpoint, u.token, room)
	if err != nil {
		u.mu.Lock()
		u.failed = true
		u.mu.Unlock()
		return "", fmt.Errorf("connect %s: %w", u.name, err)
	}

	u.mu.Lock()
	sess := &session{
		label: fmt.Sprintf("%s#%d", u.name, len(u.sessions)+1),
		s:     s,
		rooms: make(map[protocol.ID]bool),
	}
	if joined && room != "" {
		sess.rooms[room] = true
		u.room = room
	}
	u.sessions = append(u.sessions, sess)
	u.active = sess
	u.failed = false
	u.consumers.Add(1)
	u.mu.Unlock()

	go u.consume(sess)
	u.logger.Debug("connected", "conn", sess.label, "id", s.ID())
	return sess.label, nil
}

// Disconnect closes the active session.
func (u *User) Disconnect() error {
	u.mu.Lock()
	sess := u.active
	u.active = nil
	u.room = ""
	u.mu.Unlock()

	if sess == nil {
		return fmt.Errorf("disconnect %s: %w", u.name, conn.ErrNotOpen)
	}
	// Close outside the lock: the reader may be blocked handing events to
	// the consumer, which needs the lock to append them.
	err := sess.s.Close()
	u.logger.Debug("disconnected", "conn", sess.label)
	return err
}

// JoinRoom sends join_room on the active session.
func (u *User) JoinRoom(room protocol.ID) error {
	sess, err := u.openSession("join_room")
	if err != nil {
		return err
	}
	if err := sess.s.Send(u.envelope(protocol.JoinRoom(room))); err != nil {
		return fmt.Errorf("join %s as %s: %w", room, u.name, err)
	}
	u.mu.Lock()
	sess.rooms[room] = true
	u.room = room
	u.mu.Unlock()
	return nil
}

// LeaveRoom sends leave_room on the active session.
func (u *User) LeaveRoom(room protocol.ID) error {
	sess, err := u.openSession("leave_room")
	if err != nil {
		return err
	}
	if err := sess.s.Send(u.envelope(protocol.LeaveRoom(room))); err != nil {
		return fmt.Errorf("leave %s as %s: %w", room, u.name, err)
	}
	u.mu.Lock()
	delete(sess.rooms, room)
	if u.room == room {
		u.room = ""
	}
	u.mu.Unlock()
	return nil
}

// SendMessage sends content to the current room.
func (u *User) SendMessage(content string) error {
	u.mu.Lock()
	room := u.room
	u.mu.Unlock()
	if room == "" {
		return fmt.Errorf("send as %s: %w", u.name, ErrNoRoom)
	}
	return u.SendMessageTo(room, content)
}

// SendMessageTo sends content to room on the active session.
func (u *User) SendMessageTo(room protocol.ID, content string) error {
	sess, err := u.openSession("send_message")
	if err != nil {
		return err
	}
	if err := sess.s.Send(u.envelope(protocol.SendMessage(room, content))); err != nil {
		return fmt.Errorf("send to %s as %s: %w", room, u.name, err)
	}
	return nil
}

// SubmitBatch transmits contents to room back to back on the active
// session and returns at once.
func (u *User) SubmitBatch(room protocol.ID, contents []string) *Batch {
	b := newBatch(len(contents))
	sess, err := u.openSession("send_message")
	if err != nil {
		for i := range b.errs {
			b.errs[i] = err
		}
		close(b.done)
		return b
	}

	go func() {
		defer close(b.done)
		for i, content := range contents {
			if err := sess.s.Send(u.envelope(protocol.SendMessage(room, content))); err != nil {
				b.errs[i] = fmt.Errorf("send to %s as %s: %w", room, u.name, err)
			}
		}
	}()
	return b
}

// Log returns a copy of the event log.
func (u *User) Log() []Event {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]Event(nil), u.log...)
}

// DeliveryCount returns the number of new_message events received.
func (u *User) DeliveryCount() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.deliveries
}

// Faults returns a copy of the recorded transport faults.
func (u *User) Faults() []Fault {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]Fault(nil), u.faults...)
}

// Failed reports whether the last connect attempt or the active session
// hit a transport error.
func (u *User) Failed() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.failed
}

// Active returns the label of the active session, or "" when the user has
// no open session.
func (u *User) Active() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.active == nil || u.active.s.State() != conn.StateOpen {
		return ""
	}
	return u.active.label
}

// CurrentRoom returns the room SendMessage targets.
func (u *User) CurrentRoom() protocol.ID {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.room
}

// Connections returns the labels of every session ever opened, in order.
func (u *User) Connections() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	labels := make([]string, len(u.sessions))
	for i, s := range u.sessions {
		labels[i] = s.label
	}
	return labels
}

// Memberships returns the rooms each open session has joined, keyed by
// session label. Closed sessions belong to no room.
func (u *User) Memberships() map[string][]protocol.ID {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make(map[string][]protocol.ID)
	for _, sess := range u.sessions {
		if sess.s.State() != conn.StateOpen || len(sess.rooms) == 0 {
			continue
		}
		rooms := make([]protocol.ID, 0, len(sess.rooms))
		for r := range sess.rooms {
			rooms = append(rooms, r)
		}
		sort.Slice(rooms, func(i, j int) bool { return rooms[i] < rooms[j] })
		out[sess.label] = rooms
	}
	return out
}

// Close closes every session. It does not wait for consumers; use Wait.
func (u *User) Close() error {
	return u.shutdown("close", Session.Close)
}

// Abort is Close without the close handshake, for use once a deadline
// has passed.
func (u *User) Abort() error {
	return u.shutdown("abort", Session.Abort)
}

func (u *User) shutdown(op string, fn func(Session) error) error {
	u.mu.Lock()
	sessions := append([]*session(nil), u.sessions...)
	u.active = nil
	u.room = ""
	u.mu.Unlock()

	var errs []error
	for _, sess := range sessions {
		if err := fn(sess.s); err != nil {
			errs = append(errs, fmt.Errorf("%s %s: %w", op, sess.label, err))
		}
	}
	return errors.Join(errs...)
}

// Wait blocks until every session's event stream has been drained.
func (u *User) Wait() {
	u.consumers.Wait()
}

func (u *User) openSession(op string) (*session, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.active == nil || u.active.s.State() != conn.StateOpen {
		return nil, fmt.Errorf("%s as %s: %w", op, u.name, conn.ErrNotOpen)
	}
	return u.active, nil
}

func (u *User) envelope(env protocol.Envelope) protocol.Envelope {
	if u.opts.DataPayload {
		return protocol.WithDataPayload(env)
	}
	return env
}

func (u *User) consume(sess *session) {
	defer u.consumers.Done()
	for ev := range sess.s.Events() {
		u.onEvent(sess, ev)
	}
}

func (u *User) onEvent(sess *session, ev conn.Event) {
	u.mu.Lock()
	defer u.mu.Unlock()

	entry := Event{
		Seq:      len(u.log) + 1,
		Conn:     sess.label,
		Kind:     ev.Kind,
		Envelope: ev.Envelope,
		Raw:      ev.Raw,
		Err:      ev.Err,
		At:       ev.At,
	}
	u.log = append(u.log, entry)

	switch ev.Kind {
	case conn.EventMessage:
		if ev.Envelope.Type.IsDelivery() {
			u.deliveries++
		}
	case conn.EventDecodeError:
		u.faults = append(u.faults, Fault{Conn: sess.label, Kind: ev.Kind, Err: ev.Err, At: ev.At})
		u.logger.Warn("undecodable frame", "conn", sess.label, "error", ev.Err)
	case conn.EventError:
		u.faults = append(u.faults, Fault{Conn: sess.label, Kind: ev.Kind, Err: ev.Err, At: ev.At})
		if u.active == sess {
			u.failed = true
		}
		u.logger.Warn("transport error", "conn", sess.label, "error", ev.Err)
	case conn.EventClose:
		sess.rooms = map[protocol.ID]bool{}
	}
}
