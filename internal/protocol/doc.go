// Package protocol defines the wire envelope of the room chat protocol.
//
// Every frame carries one JSON object with a "type" discriminant. Clients
// send join_room, leave_room and send_message; servers push new_message
// plus server-defined variants such as room_joined and error.
//
// Key constraints:
//   - Room and message identifiers are opaque; numeric identifiers travel as
//     JSON numbers so servers with integer ids accept them
//   - A single inbound frame may hold several newline-separated objects
//   - Message content is compared after NFC normalisation
package protocol
