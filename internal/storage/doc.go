// Package storage persists broadcast history: for every broadcast, the
// recipient-side timestamp each subscriber got, so that a later edit can be
// replayed onto the same messages.
//
// Drivers:
//   - "sqlite": modernc.org/sqlite database file
//   - "badger": Badger KV directory
//   - "file": JSON snapshot plus a JSONL journal
//   - "memory": process-local map, lost on restart
package storage
