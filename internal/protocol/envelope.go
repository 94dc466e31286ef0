package protocol

import (
	"encoding/json"
	"fmt"
)

// Type is the envelope discriminant.
type Type string

// Client-to-server and server-to-client message types.
const (
	TypeJoinRoom    Type = "join_room"
	TypeLeaveRoom   Type = "leave_room"
	TypeSendMessage Type = "send_message"
	TypeNewMessage  Type = "new_message"

	// Server-defined variants seen in the wild. Unknown types are
	// preserved verbatim by the decoder.
	TypeRoomJoined Type = "room_joined"
	TypeError      Type = "error"
	TypeUserJoined Type = "user_joined"
	TypeUserLeft   Type = "user_left"
)

// IsDelivery reports whether the type carries a chat message to a recipient.
func (t Type) IsDelivery() bool {
	return t == TypeNewMessage
}

// ID is an opaque room or message identifier.
//
// Integer-looking identifiers marshal as JSON numbers, everything else as
// a JSON string. Both forms unmarshal back into the same textual ID.
type ID string

// MarshalJSON implements json.Marshaler.
func (id ID) MarshalJSON() ([]byte, error) {
	if isJSONInteger(string(id)) {
		return []byte(id), nil
	}
	return json.Marshal(string(id))
}

// UnmarshalJSON implements json.Unmarshaler.
func (id *ID) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("identifier must be a string or number: %w", err)
	}
	*id = ID(n.String())
	return nil
}

// isJSONInteger reports whether s is a valid JSON integer literal.
func isJSONInteger(s string) bool {
	if s == "" {
		return false
	}
	if s[0] == '-' {
		s = s[1:]
		if s == "" {
			return false
		}
	}
	if len(s) > 1 && s[0] == '0' {
		return false
	}
	if len(s) > 18 {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// Envelope is one protocol message.
//
// Envelopes are values; once sent or received they are never mutated.
type Envelope struct {
	Type      Type            `json:"type"`
	RoomID    ID              `json:"room_id,omitempty"`
	Content   string          `json:"content,omitempty"`
	MessageID ID              `json:"message_id,omitempty"`
	Sender    string          `json:"sender,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// UnmarshalJSON accepts "user_uuid" as an alias for "sender".
func (e *Envelope) UnmarshalJSON(data []byte) error {
	type plain Envelope
	var aux struct {
		plain
		UserUUID string `json:"user_uuid"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*e = Envelope(aux.plain)
	if e.Sender == "" {
		e.Sender = aux.UserUUID
	}
	return nil
}

// JoinRoom builds a join_room command.
func JoinRoom(room ID) Envelope {
	return Envelope{Type: TypeJoinRoom, RoomID: room}
}

// LeaveRoom builds a leave_room command.
func LeaveRoom(room ID) Envelope {
	return Envelope{Type: TypeLeaveRoom, RoomID: room}
}

// SendMessage builds a send_message command.
func SendMessage(room ID, content string) Envelope {
	return Envelope{Type: TypeSendMessage, RoomID: room, Content: content}
}

// WithDataPayload mirrors the room id into a nested "data" object.
// Some servers read join/leave payloads from there instead of the top level.
func WithDataPayload(env Envelope) Envelope {
	if env.RoomID == "" {
		return env
	}
	data, err := json.Marshal(struct {
		RoomID ID `json:"room_id"`
	}{RoomID: env.RoomID})
	if err != nil {
		return env
	}
	env.Data = data
	return env
}
