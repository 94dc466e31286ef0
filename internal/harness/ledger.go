package harness

import (
	"fmt"
	"sync"

	"github.com/roach88/roomcheck/internal/protocol"
	"github.com/roach88/roomcheck/internal/verify"
)

// ledger is the ground truth of a run: every send_message issued, in
// issue order. Safe for concurrent use.
type ledger struct {
	mu    sync.Mutex
	seq   int64
	sends []verify.Send
	index map[string]int
}

func newLedger() *ledger {
	return &ledger{index: make(map[string]int)}
}

// record appends a send and returns its ID. members are the session
// labels joined to room right now.
func (l *ledger) record(sender, conn string, room protocol.ID, content string, members []string) string {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.seq++
	s := verify.Send{
		ID:      fmt.Sprintf("send-%04d", l.seq),
		Seq:     l.seq,
		Sender:  sender,
		Conn:    conn,
		Room:    room,
		Content: content,
		Members: members,
	}
	for _, m := range members {
		if m == conn {
			s.SenderJoined = true
		}
	}
	l.index[s.ID] = len(l.sends)
	l.sends = append(l.sends, s)
	return s.ID
}

// fail marks a send as never written to the connection.
func (l *ledger) fail(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if i, ok := l.index[id]; ok {
		l.sends[i].Failed = true
	}
}

func (l *ledger) snapshot() []verify.Send {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]verify.Send(nil), l.sends...)
}
