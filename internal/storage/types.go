package storage

import (
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrClosed   = errors.New("storage closed")
	ErrNotFound = errors.New("job not found")
)

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free file backend (jsonl + snapshot)
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default

	// Retain bounds how many ended jobs survive compaction/pruning. 0 means 1000.
	Retain int
}

// Job status values.
const (
	StatusRunning = "running"
	StatusEnded   = "ended"
)

// JobRecord is the persisted view of one batch. Keep it compact and schema-stable.
type JobRecord struct {
	ID          string    `json:"id"`
	Plugin      string    `json:"plugin"`
	Description string    `json:"description"`
	Images      int       `json:"images"`
	Finished    int       `json:"finished"`
	Status      string    `json:"status"`
	StartedAt   time.Time `json:"started_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	EndedAt     time.Time `json:"ended_at,omitzero"`
}

const defaultRetain = 1000
