package conn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/roach88/roomcheck/internal/protocol"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultWriteTimeout     = 10 * time.Second
	defaultCloseGrace       = time.Second
	defaultReadLimit        = 512 * 1024
	defaultEventBuffer      = 256
)

// Options tunes a connection. Zero values select defaults.
type Options struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	// CloseGrace bounds how long Close waits for the server to answer the
	// close frame before tearing the socket down.
	CloseGrace   time.Duration
	ReadLimit    int64
	EventBuffer  int
	Subprotocols []string
	Logger       *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = defaultHandshakeTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = defaultWriteTimeout
	}
	if o.CloseGrace <= 0 {
		o.CloseGrace = defaultCloseGrace
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = defaultReadLimit
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = defaultEventBuffer
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return o
}

// Conn is one open session. Send and Close are safe for concurrent use.
type Conn struct {
	id       string
	endpoint string
	room     protocol.ID
	ws       *websocket.Conn
	opts     Options
	logger   *slog.Logger

	state   atomic.Int32
	writeMu sync.Mutex

	events chan Event
	done   chan struct{}

	closeOnce sync.Once
	closeErr  error
}

// Dial establishes a session. The token and room travel as the "token" and
// "room_id" query parameters. Dial returns a *ConnectError on failure and
// honours ctx for the whole handshake.
func Dial(ctx context.Context, endpoint, token string, room protocol.ID, opts Options) (*Conn, error) {
	opts = opts.withDefaults()

	u, err := BuildURL(endpoint, token, room)
	if err != nil {
		return nil, &ConnectError{Reason: ReasonInvalidURL, Endpoint: endpoint, Err: err}
	}

	c := &Conn{
		id:       uuid.NewString(),
		endpoint: redact(u),
		room:     room,
		opts:     opts,
		logger:   opts.Logger,
		events:   make(chan Event, opts.EventBuffer),
		done:     make(chan struct{}),
	}
	c.state.Store(int32(StateConnecting))

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: opts.HandshakeTimeout,
		Subprotocols:     opts.Subprotocols,
	}
	ws, resp, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		c.state.Store(int32(StateClosed))
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = fmt.Errorf("%w: %v", ctxErr, err)
		}
		cerr := &ConnectError{Reason: ReasonTransport, Endpoint: c.endpoint, Err: err}
		if errors.Is(err, websocket.ErrBadHandshake) && resp != nil {
			cerr.Reason = ReasonRejected
			cerr.StatusCode = resp.StatusCode
		}
		c.logger.Debug("dial failed", "endpoint", c.endpoint, "reason", cerr.Reason, "error", err)
		return nil, cerr
	}

	ws.SetReadLimit(opts.ReadLimit)
	c.ws = ws
	c.state.Store(int32(StateOpen))
	c.logger.Debug("connection open", "conn", c.id, "endpoint", c.endpoint, "room", room)

	go c.readLoop()
	return c, nil
}

// BuildURL adds the session token and target room to endpoint.
// http and https endpoints are mapped to ws and wss.
func BuildURL(endpoint, token string, room protocol.ID) (*url.URL, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("endpoint %q has no host", endpoint)
	}

	q := u.Query()
	if token != "" {
		q.Set("token", token)
	}
	if room != "" {
		q.Set("room_id", string(room))
	}
	u.RawQuery = q.Encode()
	return u, nil
}

// redact drops the query so tokens never reach logs or errors.
func redact(u *url.URL) string {
	return u.Scheme + "://" + u.Host + u.Path
}

// ID returns the random connection identifier.
func (c *Conn) ID() string { return c.id }

// Endpoint returns the endpoint without credentials.
func (c *Conn) Endpoint() string { return c.endpoint }

// Room returns the room requested at connect time.
func (c *Conn) Room() protocol.ID { return c.room }

// State returns the current lifecycle state.
func (c *Conn) State() State { return State(c.state.Load()) }

// Events returns the inbound stream. The channel is closed right after the
// close event. It must be drained or the reader blocks.
func (c *Conn) Events() <-chan Event { return c.events }

// Send serialises env and writes it as one text frame.
func (c *Conn) Send(env protocol.Envelope) error {
	if c.State() != StateOpen {
		return fmt.Errorf("send %s on %s: %w", env.Type, c.id, ErrNotOpen)
	}
	data, err := protocol.Encode(env)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
		return &TransportError{Op: "send", ConnID: c.id, Err: err}
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return &TransportError{Op: "send", ConnID: c.id, Err: err}
	}
	return nil
}

// Close shuts the session down and waits for the reader to finish.
// Calling Close more than once returns the first result.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		if c.state.CompareAndSwap(int32(StateOpen), int32(StateClosing)) {
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			err := c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.opts.WriteTimeout))
			if err == nil {
				select {
				case <-c.done:
				case <-time.After(c.opts.CloseGrace):
				}
			}
		}
		if err := c.ws.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			c.closeErr = err
		}
		<-c.done
		c.logger.Debug("connection closed", "conn", c.id)
	})
	return c.closeErr
}

// Abort tears the socket down without the close handshake and waits for
// the reader to finish. It unblocks a pending Send or Close.
func (c *Conn) Abort() error {
	c.state.CompareAndSwap(int32(StateOpen), int32(StateClosing))
	err := c.ws.Close()
	<-c.done
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	c.logger.Debug("connection aborted", "conn", c.id)
	return nil
}

func (c *Conn) readLoop() {
	defer close(c.done)

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			// Errors after we started closing, and orderly closes from the
			// server, are the normal end of the stream.
			if c.State() == StateOpen && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn("connection read failed", "conn", c.id, "error", err)
				c.emit(Event{Kind: EventError, Err: &TransportError{Op: "read", ConnID: c.id, Err: err}})
			}
			break
		}

		protocol.DecodeEach(data, func(env protocol.Envelope, err error) {
			if err != nil {
				var de *protocol.DecodeError
				var raw []byte
				if errors.As(err, &de) {
					raw = de.Raw
				}
				c.logger.Debug("undecodable frame", "conn", c.id, "error", err)
				c.emit(Event{Kind: EventDecodeError, Err: err, Raw: raw})
				return
			}
			c.emit(Event{Kind: EventMessage, Envelope: env})
		})
	}

	c.state.Store(int32(StateClosed))
	c.emit(Event{Kind: EventClose})
	close(c.events)
}

func (c *Conn) emit(ev Event) {
	ev.At = time.Now()
	c.events <- ev
}
