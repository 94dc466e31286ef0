// Package verify checks recorded chat traffic against what was sent.
//
// Verification runs after a scenario has settled. It attributes every
// delivered new_message to the send that produced it, by room and
// NFC-normalised content, and then looks for five kinds of violation:
//
//   - isolation: a session received a message from a room it had not
//     joined when the message was sent
//   - loss: a session joined to the room never received the message
//   - ordering: one sender's messages reached a recipient out of order
//   - duplicate: the same message reached a recipient twice
//   - unexpected: a delivery matched no send, or a sender got its own
//     message back while echo is not expected
//
// Faults raised while running the scenario travel with the report and
// also fail it.
package verify
