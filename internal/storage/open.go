package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	logx "thumbq/pkg/logx"
)

// Store is the persistence API used by the job tracker.
type Store interface {
	// CreateJob inserts rec. An existing record with the same ID is replaced.
	CreateJob(ctx context.Context, rec JobRecord) error
	// UpdateJob overwrites the counters of an existing record.
	UpdateJob(ctx context.Context, id string, images, finished int) error
	// EndJob marks a record ended at the given time.
	EndJob(ctx context.Context, id string, at time.Time) error
	// RecentJobs returns up to limit records, newest first.
	RecentJobs(ctx context.Context, limit int) ([]JobRecord, error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Retain <= 0 {
		cfg.Retain = defaultRetain
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, fmt.Errorf("unknown storage driver: %s", driver)
	}
}
