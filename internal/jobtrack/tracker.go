// Package jobtrack keeps the per-input work units reported by the scheduler:
// an in-memory view of active units plus an optional persisted history.
package jobtrack

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"thumbq/internal/eventbus"
	"thumbq/internal/scheduler"
	"thumbq/internal/storage"
	logx "thumbq/pkg/logx"
)

// Source is recorded as JobRecord.Plugin for every unit.
const Source = "thumbq"

// Event types published on Config.Bus.
const (
	EventJobCreated = "job.created"
	EventJobEnded   = "job.ended"
)

const (
	defaultQueue     = 256
	defaultSlowAfter = 30 * time.Second
	writeTimeout     = 2 * time.Second
)

// Unit is the tracked state of one batch of outputs for one input.
type Unit struct {
	ID          string    `json:"id"`
	Description string    `json:"description"`
	Images      int       `json:"images"`
	Finished    int       `json:"finished"`
	StartedAt   time.Time `json:"started_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// UnitEvent is the payload of job.created and job.ended events.
type UnitEvent struct {
	ID       string `json:"id"`
	Images   int    `json:"images"`
	Finished int    `json:"finished"`
	Duration int64  `json:"duration_ms,omitempty"`
}

type Config struct {
	// Store persists unit history. nil keeps units in memory only.
	Store storage.Store
	Bus   eventbus.Bus
	Log   logx.Logger

	// SlowAfter logs a warning for units that take longer. 0 means 30s, <0 disables.
	SlowAfter time.Duration
	// Queue bounds pending store writes. 0 means 256.
	Queue int

	now func() time.Time
}

type opKind uint8

const (
	opCreate opKind = iota
	opUpdate
	opEnd
)

type op struct {
	kind opKind
	unit Unit
	at   time.Time
}

// Tracker implements scheduler.Tracker. Its methods never block on the
// store; writes are queued and applied by the goroutine started by Start.
type Tracker struct {
	store     storage.Store
	bus       eventbus.Bus
	log       logx.Logger
	slowAfter time.Duration
	now       func() time.Time

	mu      sync.Mutex
	units   map[string]*Unit
	ops     chan op
	closed  bool
	started bool
	done    chan struct{}

	dropped atomic.Uint64
}

var _ scheduler.Tracker = (*Tracker)(nil)

func New(cfg Config) *Tracker {
	if cfg.Queue <= 0 {
		cfg.Queue = defaultQueue
	}
	if cfg.SlowAfter == 0 {
		cfg.SlowAfter = defaultSlowAfter
	}
	if cfg.Log.IsZero() {
		cfg.Log = logx.Nop()
	}
	if cfg.now == nil {
		cfg.now = time.Now
	}
	t := &Tracker{
		store:     cfg.Store,
		bus:       cfg.Bus,
		log:       cfg.Log.With(logx.String("comp", "jobtrack")),
		slowAfter: cfg.SlowAfter,
		now:       cfg.now,
		units:     map[string]*Unit{},
		done:      make(chan struct{}),
	}
	if t.store != nil {
		t.ops = make(chan op, cfg.Queue)
	}
	return t
}

// Start launches the store writer. It is a no-op without a store.
func (t *Tracker) Start(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started || t.closed || t.store == nil {
		return
	}
	t.started = true
	go t.writer(ctx)
}

// Stop flushes queued writes and stops the writer. Later calls to the
// tracker keep the in-memory view but no longer persist.
func (t *Tracker) Stop(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	started := t.started
	if t.ops != nil {
		close(t.ops)
	}
	t.mu.Unlock()

	if !started {
		return nil
	}
	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Tracker) Create(unitID, description string, images int) {
	now := t.now()
	u := &Unit{ID: unitID, Description: description, Images: images, StartedAt: now, UpdatedAt: now}

	t.mu.Lock()
	t.units[unitID] = u
	t.enqueueLocked(op{kind: opCreate, unit: *u})
	t.mu.Unlock()

	t.publish(EventJobCreated, UnitEvent{ID: unitID, Images: images})
}

func (t *Tracker) Update(unitID string, images int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	u, ok := t.units[unitID]
	if !ok {
		return
	}
	u.Images = images
	u.UpdatedAt = t.now()
	t.enqueueLocked(op{kind: opUpdate, unit: *u})
}

func (t *Tracker) Progress(unitID string, finished int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	u, ok := t.units[unitID]
	if !ok {
		return
	}
	u.Finished = finished
	u.UpdatedAt = t.now()
	t.enqueueLocked(op{kind: opUpdate, unit: *u})
}

func (t *Tracker) End(unitID string) {
	now := t.now()
	t.mu.Lock()
	u, ok := t.units[unitID]
	if ok {
		delete(t.units, unitID)
		t.enqueueLocked(op{kind: opEnd, unit: *u, at: now})
	}
	t.mu.Unlock()
	if !ok {
		return
	}

	took := now.Sub(u.StartedAt)
	if t.slowAfter > 0 && took >= t.slowAfter {
		t.log.Warn("slow unit",
			logx.String("unit", unitID),
			logx.String("desc", u.Description),
			logx.Int("images", u.Images),
			logx.Duration("took", took),
		)
	}
	t.publish(EventJobEnded, UnitEvent{ID: unitID, Images: u.Images, Finished: u.Finished, Duration: took.Milliseconds()})
}

// Active returns the units that have not ended, oldest first.
func (t *Tracker) Active() []Unit {
	t.mu.Lock()
	out := make([]Unit, 0, len(t.units))
	for _, u := range t.units {
		out = append(out, *u)
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.Before(out[j].StartedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Recent returns persisted units, newest first.
func (t *Tracker) Recent(ctx context.Context, limit int) ([]storage.JobRecord, error) {
	if t.store == nil {
		return nil, storage.ErrDisabled
	}
	return t.store.RecentJobs(ctx, limit)
}

// Dropped reports store writes skipped because the queue was full.
func (t *Tracker) Dropped() uint64 { return t.dropped.Load() }

func (t *Tracker) enqueueLocked(o op) {
	if t.ops == nil || t.closed {
		return
	}
	select {
	case t.ops <- o:
	default:
		if t.dropped.Add(1) == 1 {
			t.log.Warn("job store queue full; dropping writes", logx.Int("queue_cap", cap(t.ops)))
		}
	}
}

func (t *Tracker) publish(typ string, ev UnitEvent) {
	if t.bus == nil {
		return
	}
	t.bus.Publish(eventbus.Event{Type: typ, Data: ev})
}

func (t *Tracker) writer(ctx context.Context) {
	defer close(t.done)
	for o := range t.ops {
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
		err := t.apply(wctx, o)
		cancel()
		if err != nil && !errors.Is(err, storage.ErrClosed) {
			t.log.Debug("job store write failed", logx.String("unit", o.unit.ID), logx.Err(err))
		}
	}
}

func (t *Tracker) apply(ctx context.Context, o op) error {
	switch o.kind {
	case opCreate:
		return t.store.CreateJob(ctx, storage.JobRecord{
			ID:          o.unit.ID,
			Plugin:      Source,
			Description: o.unit.Description,
			Images:      o.unit.Images,
			StartedAt:   o.unit.StartedAt,
		})
	case opUpdate:
		return t.store.UpdateJob(ctx, o.unit.ID, o.unit.Images, o.unit.Finished)
	case opEnd:
		if err := t.store.UpdateJob(ctx, o.unit.ID, o.unit.Images, o.unit.Finished); err != nil {
			return err
		}
		return t.store.EndJob(ctx, o.unit.ID, o.at)
	}
	return nil
}
