// Package store keeps run history in SQLite.
//
// Every scenario run is one row in runs, holding its counts and the full
// report as JSON. Its violations and faults are also written to their own
// tables so history can be aggregated without decoding reports.
//
// # Database Configuration
//
//   - WAL mode: concurrent reads during writes
//   - synchronous=NORMAL
//   - busy_timeout=5000: wait for locks up to 5 seconds
//   - foreign_keys=ON
//
// Listing order is by insertion sequence, never by wall-clock time.
package store
