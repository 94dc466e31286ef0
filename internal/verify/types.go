package verify

import "github.com/roach88/roomcheck/internal/protocol"

// Send is the ground truth for one send_message command.
type Send struct {
	ID      string      `json:"id"` // "send-0001", ...
	Seq     int64       `json:"seq"`
	Sender  string      `json:"sender"` // user name
	Conn    string      `json:"conn"`   // sender's session label
	Room    protocol.ID `json:"room"`
	Content string      `json:"content"`
	// Members are the session labels joined to Room when the send was
	// issued, the sender's own session included if it was joined.
	Members      []string `json:"members"`
	SenderJoined bool     `json:"sender_joined"`
	// Failed is set when the command could not be written to the
	// connection. Failed sends are never expected anywhere.
	Failed bool `json:"failed,omitempty"`
}

// Delivery is one new_message received by a session.
type Delivery struct {
	Recipient string // session label
	User      string
	Seq       int // position in the user's log
	Envelope  protocol.Envelope
}

// Input is everything verification needs.
type Input struct {
	Scenario string
	Sends    []Send
	// Deliveries holds each session's new_message events in arrival order.
	Deliveries map[string][]Delivery
	// Echo is set when senders are expected to receive their own messages.
	Echo bool
	// SenderIDs maps wire sender identities to user names. When a
	// delivery's sender is in the map only sends by those users match it.
	SenderIDs map[string][]string
	Faults    []Fault
}

// Category classifies a protocol violation.
type Category string

const (
	CategoryIsolation  Category = "isolation"
	CategoryLoss       Category = "loss"
	CategoryOrdering   Category = "ordering"
	CategoryDuplicate  Category = "duplicate"
	CategoryUnexpected Category = "unexpected"
)

// Violation is one detected protocol violation.
type Violation struct {
	Category  Category    `json:"category"`
	SendID    string      `json:"send_id,omitempty"`
	MessageID protocol.ID `json:"message_id,omitempty"`
	Recipient string      `json:"recipient"`
	Detail    string      `json:"detail"`
}

// FaultKind classifies a fault raised while running a scenario.
type FaultKind string

const (
	FaultTransport FaultKind = "transport"
	FaultScenario  FaultKind = "scenario"
	FaultTimeout   FaultKind = "timeout"
)

// Fault is a problem that happened while driving the scenario, as opposed
// to a violation found afterwards.
type Fault struct {
	Kind    FaultKind `json:"kind"`
	User    string    `json:"user,omitempty"`
	Step    int       `json:"step,omitempty"` // 1-based, 0 when not tied to a step
	Message string    `json:"message"`
}

// Counts aggregates a report.
type Counts struct {
	Sends       int `json:"sends"`
	Transmitted int `json:"transmitted"`
	Deliveries  int `json:"deliveries"`
	Isolation   int `json:"isolation"`
	Loss        int `json:"loss"`
	Ordering    int `json:"ordering"`
	Duplicate   int `json:"duplicate"`
	Unexpected  int `json:"unexpected"`
	Faults      int `json:"faults"`
}

// RecipientSummary describes what one session received.
type RecipientSummary struct {
	Recipient  string `json:"recipient"`
	Received   int    `json:"received"`
	Expected   int    `json:"expected"`
	Matched    int    `json:"matched"`
	Violations int    `json:"violations"`
}

// Report is the outcome of verifying one scenario run.
type Report struct {
	Scenario   string             `json:"scenario"`
	Echo       bool               `json:"echo"`
	Pass       bool               `json:"pass"`
	Counts     Counts             `json:"counts"`
	Violations []Violation        `json:"violations"`
	Faults     []Fault            `json:"faults"`
	Recipients []RecipientSummary `json:"recipients"`
}

// ViolationsOf returns the violations in category c.
func (r *Report) ViolationsOf(c Category) []Violation {
	var out []Violation
	for _, v := range r.Violations {
		if v.Category == c {
			out = append(out, v)
		}
	}
	return out
}

// Recipient returns the summary for label, or false.
func (r *Report) Recipient(label string) (RecipientSummary, bool) {
	for _, s := range r.Recipients {
		if s.Recipient == label {
			return s, true
		}
	}
	return RecipientSummary{}, false
}
