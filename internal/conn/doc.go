// Package conn wraps one persistent WebSocket session to a chat server.
//
// A Conn moves through an explicit state machine:
//
//	connecting -> open -> closing -> closed
//
// One reader goroutine per connection is the only producer of inbound
// events. It decodes frames into protocol envelopes, reports malformed
// frames as decode_error events without dropping the session, and finishes
// with exactly one close event before the channel is closed. Nothing is
// delivered after the close event.
package conn
