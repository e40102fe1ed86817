package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	logx "thumbq/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.jobs.snapshot.json (compacted records)
//   - <prefix>.jobs.journal.jsonl (append-only full records, last write wins)
//
// The journal is compacted into the snapshot every compactEvery writes and on open.
type fileStore struct {
	log    logx.Logger
	retain int

	mu sync.Mutex

	snapshotPath string
	journal      *os.File

	jobs   map[string]*fileRecord
	seq    uint64
	writes int
}

type fileRecord struct {
	JobRecord
	Seq uint64 `json:"seq"`
}

const compactEvery = 1000

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		log:          log,
		retain:       cfg.Retain,
		snapshotPath: prefix + ".jobs.snapshot.json",
		jobs:         map[string]*fileRecord{},
	}
	if s.retain <= 0 {
		s.retain = defaultRetain
	}

	if err := s.loadSnapshot(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("job snapshot unreadable; starting empty", logx.Err(err))
	}
	journalPath := prefix + ".jobs.journal.jsonl"
	if err := s.replayJournal(journalPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("job journal replay incomplete", logx.Err(err))
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	s.journal = jf

	s.mu.Lock()
	err = s.compactLocked()
	s.mu.Unlock()
	if err != nil {
		log.Debug("job compact on open failed", logx.Err(err))
	}
	return s, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	err := s.journal.Close()
	s.journal = nil
	return err
}

func (s *fileStore) CreateJob(_ context.Context, rec JobRecord) error {
	if rec.ID == "" {
		return errors.New("job id is required")
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now()
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = rec.StartedAt
	}
	if rec.Status == "" {
		rec.Status = StatusRunning
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	r := &fileRecord{JobRecord: rec, Seq: s.seq}
	return s.writeLocked(r)
}

func (s *fileStore) UpdateJob(_ context.Context, id string, images, finished int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	cp := *r
	cp.Images = images
	cp.Finished = finished
	cp.UpdatedAt = time.Now()
	return s.writeLocked(&cp)
}

func (s *fileStore) EndJob(_ context.Context, id string, at time.Time) error {
	if at.IsZero() {
		at = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	cp := *r
	cp.Status = StatusEnded
	cp.EndedAt = at
	cp.UpdatedAt = at
	return s.writeLocked(&cp)
}

func (s *fileStore) RecentJobs(_ context.Context, limit int) ([]JobRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	s.mu.Lock()
	recs := s.sortedLocked()
	s.mu.Unlock()
	if len(recs) > limit {
		recs = recs[:limit]
	}
	out := make([]JobRecord, len(recs))
	for i, r := range recs {
		out[i] = r.JobRecord
	}
	return out, nil
}

// writeLocked appends r to the journal and then updates the index.
func (s *fileStore) writeLocked(r *fileRecord) error {
	if s.journal == nil {
		return ErrClosed
	}
	if err := json.NewEncoder(s.journal).Encode(r); err != nil {
		return err
	}
	s.jobs[r.ID] = r
	s.writes++
	if s.writes%compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("job compact failed", logx.Err(err))
		}
	}
	return nil
}

// sortedLocked returns records newest first.
func (s *fileStore) sortedLocked() []*fileRecord {
	recs := make([]*fileRecord, 0, len(s.jobs))
	for _, r := range s.jobs {
		recs = append(recs, r)
	}
	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].StartedAt.Equal(recs[j].StartedAt) {
			return recs[i].StartedAt.After(recs[j].StartedAt)
		}
		return recs[i].Seq > recs[j].Seq
	})
	return recs
}

func (s *fileStore) compactLocked() error {
	// Drop ended jobs beyond the retention bound; running ones always stay.
	ended := 0
	for _, r := range s.sortedLocked() {
		if r.Status != StatusEnded {
			continue
		}
		ended++
		if ended > s.retain {
			delete(s.jobs, r.ID)
		}
	}

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.jobs); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if s.journal == nil {
		return nil
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, 2)
	return err
}

func (s *fileStore) loadSnapshot() error {
	f, err := os.Open(s.snapshotPath)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]*fileRecord
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for id, r := range m {
		if r == nil || id == "" {
			continue
		}
		s.jobs[id] = r
		s.seq = max(s.seq, r.Seq)
	}
	return nil
}

func (s *fileStore) replayJournal(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		var r fileRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil || r.ID == "" {
			// A torn tail write is expected after a crash.
			continue
		}
		s.jobs[r.ID] = &r
		s.seq = max(s.seq, r.Seq)
	}
	return sc.Err()
}
