package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	logx "thumbq/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db     *sql.DB
	log    logx.Logger
	retain int

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, retain: cfg.Retain, pruneEvery: 200}
	if st.retain <= 0 {
		st.retain = defaultRetain
	}

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) CreateJob(ctx context.Context, rec JobRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if rec.ID == "" {
		return errors.New("job id is required")
	}
	now := time.Now()
	if rec.StartedAt.IsZero() {
		rec.StartedAt = now
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = rec.StartedAt
	}
	if rec.Status == "" {
		rec.Status = StatusRunning
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs(id, plugin, description, images, finished, status, started_at, updated_at, ended_at)
		 VALUES(?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   plugin=excluded.plugin, description=excluded.description, images=excluded.images,
		   finished=excluded.finished, status=excluded.status, started_at=excluded.started_at,
		   updated_at=excluded.updated_at, ended_at=excluded.ended_at`,
		rec.ID, rec.Plugin, rec.Description, rec.Images, rec.Finished, rec.Status,
		rec.StartedAt.UnixMilli(), rec.UpdatedAt.UnixMilli(), nullTime(rec.EndedAt),
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
		if perr := s.prune(pctx); perr != nil {
			s.log.Debug("job prune failed", logx.Err(perr))
		}
		cancel()
	}
	return err
}

func (s *sqliteStore) UpdateJob(ctx context.Context, id string, images, finished int) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET images = ?, finished = ?, updated_at = ? WHERE id = ?`,
		images, finished, time.Now().UnixMilli(), id,
	)
	return affected(res, err, id)
}

func (s *sqliteStore) EndJob(ctx context.Context, id string, at time.Time) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if at.IsZero() {
		at = time.Now()
	}
	ms := at.UnixMilli()
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, ended_at = ?, updated_at = ? WHERE id = ?`,
		StatusEnded, ms, ms, id,
	)
	return affected(res, err, id)
}

func (s *sqliteStore) RecentJobs(ctx context.Context, limit int) ([]JobRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, plugin, description, images, finished, status, started_at, updated_at, ended_at
		 FROM jobs ORDER BY started_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []JobRecord
	for rows.Next() {
		var (
			r                JobRecord
			started, updated int64
			ended            sql.NullInt64
		)
		if err := rows.Scan(&r.ID, &r.Plugin, &r.Description, &r.Images, &r.Finished, &r.Status, &started, &updated, &ended); err != nil {
			return nil, err
		}
		r.StartedAt = time.UnixMilli(started)
		r.UpdatedAt = time.UnixMilli(updated)
		if ended.Valid {
			r.EndedAt = time.UnixMilli(ended.Int64)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// prune keeps the newest retain ended jobs.
func (s *sqliteStore) prune(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM jobs WHERE status = ? AND id NOT IN (
		   SELECT id FROM jobs WHERE status = ? ORDER BY started_at DESC LIMIT ?)`,
		StatusEnded, StatusEnded, s.retain,
	)
	return err
}

func affected(res sql.Result, err error, id string) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}
