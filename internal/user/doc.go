// Package user models a simulated chat participant.
//
// A User owns zero or more sessions to the server under test. One session
// is active at a time and every command goes through it. Inbound events
// from all sessions land in one ordered log, in the order each session's
// reader produced them. The log is never reordered or deduplicated here;
// that is verification's job.
package user
