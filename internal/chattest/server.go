// Package chattest runs an in-process room chat server for tests.
//
// The server speaks the same envelope protocol as production servers:
// join_room, leave_room and send_message in; room_joined and new_message
// out. Options inject the faults the harness is meant to catch.
package chattest

import (
	"bytes"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/olahol/melody"

	"github.com/roach88/roomcheck/internal/protocol"
)

// Options configures server behaviour and injected faults.
type Options struct {
	// Echo delivers a sender's own messages back to it.
	Echo bool
	// Tokens maps accepted tokens to sender identities. When nil any
	// non-empty token is accepted and used as the identity.
	Tokens map[string]string
	// JoinOnConnect treats the room_id query parameter as a join.
	JoinOnConnect bool

	// LeakRooms broadcasts every message to every session.
	LeakRooms bool
	// DropEvery drops every Nth broadcast.
	DropEvery int
	// DuplicateEvery delivers every Nth broadcast twice.
	DuplicateEvery int
	// SwapPairs holds each odd broadcast per room and releases it after
	// the next one, reversing their order.
	SwapPairs bool
	// IgnoreLeave accepts leave_room but keeps the membership.
	IgnoreLeave bool
	// GarbageOnJoin writes a malformed frame after every room_joined.
	GarbageOnJoin bool

	// BatchFrames writes everything one broadcast sends to a session as a
	// single newline-separated frame, the way a server draining a send
	// queue does.
	BatchFrames bool
}

// Server is a melody-backed chat server on an httptest listener.
type Server struct {
	http *httptest.Server
	m    *melody.Melody
	opts Options

	mu         sync.Mutex
	members    map[*melody.Session]map[protocol.ID]bool
	nextID     int64
	broadcasts int
	pending    map[protocol.ID]*protocol.Envelope
	received   []protocol.Envelope
}

// NewServer starts a server. Close it when done.
func NewServer(opts Options) *Server {
	m := melody.New()
	m.Config.MessageBufferSize = 1024

	s := &Server{
		m:       m,
		opts:    opts,
		members: make(map[*melody.Session]map[protocol.ID]bool),
		pending: make(map[protocol.ID]*protocol.Envelope),
	}

	m.HandleConnect(s.handleConnect)
	m.HandleDisconnect(s.handleDisconnect)
	m.HandleMessage(s.handleMessage)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		identity, ok := s.authenticate(r.URL.Query().Get("token"))
		if !ok {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		_ = m.HandleRequestWithKeys(w, r, map[string]any{
			"identity": identity,
			"room":     r.URL.Query().Get("room_id"),
		})
	})
	s.http = httptest.NewServer(mux)
	return s
}

// URL returns the WebSocket endpoint.
func (s *Server) URL() string {
	return "ws" + strings.TrimPrefix(s.http.URL, "http") + "/ws"
}

// Close disconnects every session and stops the listener.
func (s *Server) Close() {
	_ = s.m.Close()
	s.http.Close()
}

// Received returns a copy of every envelope the server decoded.
func (s *Server) Received() []protocol.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.Envelope(nil), s.received...)
}

// SessionCount returns the number of connected sessions.
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.members)
}

func (s *Server) authenticate(token string) (string, bool) {
	if token == "" {
		return "", false
	}
	if s.opts.Tokens == nil {
		return token, true
	}
	identity, ok := s.opts.Tokens[token]
	return identity, ok
}

func (s *Server) handleConnect(sess *melody.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.members[sess] = make(map[protocol.ID]bool)
	if room := keyString(sess, "room"); s.opts.JoinOnConnect && room != "" {
		s.members[sess][protocol.ID(room)] = true
	}
}

func (s *Server) handleDisconnect(sess *melody.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.members, sess)
}

func (s *Server) handleMessage(sess *melody.Session, data []byte) {
	envs, _ := protocol.DecodeFrame(data)

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, env := range envs {
		s.received = append(s.received, env)
		rooms, ok := s.members[sess]
		if !ok {
			continue
		}

		switch env.Type {
		case protocol.TypeJoinRoom:
			rooms[env.RoomID] = true
			s.write(sess, protocol.Envelope{Type: protocol.TypeRoomJoined, RoomID: env.RoomID})
			if s.opts.GarbageOnJoin {
				_ = sess.Write([]byte("{garbage"))
			}
		case protocol.TypeLeaveRoom:
			if !s.opts.IgnoreLeave {
				delete(rooms, env.RoomID)
			}
		case protocol.TypeSendMessage:
			s.nextID++
			s.broadcast(sess, protocol.Envelope{
				Type:      protocol.TypeNewMessage,
				RoomID:    env.RoomID,
				Content:   env.Content,
				MessageID: protocol.ID(strconv.FormatInt(s.nextID, 10)),
				Sender:    keyString(sess, "identity"),
			})
		default:
			s.write(sess, protocol.Envelope{Type: protocol.TypeError, Content: "unknown message type"})
		}
	}
}

// broadcast must be called with s.mu held.
func (s *Server) broadcast(sender *melody.Session, env protocol.Envelope) {
	s.broadcasts++
	n := s.broadcasts
	if s.opts.DropEvery > 0 && n%s.opts.DropEvery == 0 {
		return
	}

	batch := []protocol.Envelope{env}
	if s.opts.SwapPairs {
		held := s.pending[env.RoomID]
		if held == nil {
			s.pending[env.RoomID] = &env
			return
		}
		delete(s.pending, env.RoomID)
		batch = append(batch, *held)
	}

	copies := 1
	if s.opts.DuplicateEvery > 0 && n%s.opts.DuplicateEvery == 0 {
		copies = 2
	}

	frames := make(map[*melody.Session][][]byte)
	for _, out := range batch {
		data, err := protocol.Encode(out)
		if err != nil {
			continue
		}
		for sess, rooms := range s.members {
			if sess == sender && !s.opts.Echo {
				continue
			}
			if !s.opts.LeakRooms && !rooms[out.RoomID] {
				continue
			}
			for i := 0; i < copies; i++ {
				if s.opts.BatchFrames {
					frames[sess] = append(frames[sess], data)
					continue
				}
				_ = sess.Write(data)
			}
		}
	}
	for sess, lines := range frames {
		_ = sess.Write(bytes.Join(lines, []byte("\n")))
	}
}

func (s *Server) write(sess *melody.Session, env protocol.Envelope) {
	data, err := protocol.Encode(env)
	if err != nil {
		return
	}
	_ = sess.Write(data)
}

func keyString(sess *melody.Session, key string) string {
	v, ok := sess.Get(key)
	if !ok {
		return ""
	}
	str, _ := v.(string)
	return str
}

// HangingServer accepts TCP connections and never answers, so WebSocket
// handshakes against it stall until the client gives up.
type HangingServer struct {
	ln    net.Listener
	mu    sync.Mutex
	conns []net.Conn
	done  chan struct{}
}

// NewHangingServer listens on a random loopback port.
func NewHangingServer() (*HangingServer, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	h := &HangingServer{ln: ln, done: make(chan struct{})}
	go h.accept()
	return h, nil
}

// URL returns the WebSocket endpoint.
func (h *HangingServer) URL() string {
	return "ws://" + h.ln.Addr().String() + "/ws"
}

// Close drops every held connection and the listener.
func (h *HangingServer) Close() {
	_ = h.ln.Close()
	<-h.done
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.conns {
		_ = c.Close()
	}
}

func (h *HangingServer) accept() {
	defer close(h.done)
	for {
		c, err := h.ln.Accept()
		if err != nil {
			return
		}
		h.mu.Lock()
		h.conns = append(h.conns, c)
		h.mu.Unlock()
	}
}

// SilentServer completes the WebSocket handshake and then never reads or
// writes, so close handshakes against it go unanswered.
type SilentServer struct {
	http *httptest.Server

	mu    sync.Mutex
	conns []*websocket.Conn
}

// NewSilentServer starts a silent server. Close it when done.
func NewSilentServer() *SilentServer {
	s := &SilentServer{}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	s.http = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, ws)
		s.mu.Unlock()
	}))
	return s
}

// URL returns the WebSocket endpoint.
func (s *SilentServer) URL() string {
	return "ws" + strings.TrimPrefix(s.http.URL, "http") + "/ws"
}

// ConnCount returns the number of completed handshakes.
func (s *SilentServer) ConnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Close drops every held connection and stops the listener.
func (s *SilentServer) Close() {
	s.mu.Lock()
	for _, ws := range s.conns {
		_ = ws.Close()
	}
	s.mu.Unlock()
	s.http.Close()
}
