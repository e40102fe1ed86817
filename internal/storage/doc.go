// Package storage persists job-tracking records for derivative batches.
//
// Two drivers are available:
//   - "file": JSON Lines journal compacted into a snapshot
//   - "sqlite": SQLite database file (modernc.org/sqlite, no cgo)
//
// Storage is optional; Open returns (nil, nil) when it is disabled.
package storage
