package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/edwingeng/deque"
	"github.com/google/uuid"

	"thumbq/internal/eventbus"
	rtsup "thumbq/internal/runtime/supervisor"
	logx "thumbq/pkg/logx"
)

// Scheduler owns the pending-work registry, the execution queue and the
// backlog counter. All of it is guarded by mu.
type Scheduler struct {
	workers   int
	transform Transform
	exists    ExistsFunc
	tracker   Tracker
	progress  Progress
	metrics   *Metrics
	log       logx.Logger
	bus       eventbus.Bus

	mu   sync.Mutex
	cond *sync.Cond

	reg   *registry
	queue deque.Deque // of unit

	// running holds inputs with an executing batch; parked holds a unit for
	// such an input until that batch finishes (one writer per input).
	running map[string]bool
	parked  map[string]unit
	active  int

	backlog int
	idle    chan struct{} // closed while backlog == 0

	halted bool
	closed bool

	sup      *rtsup.Supervisor
	stopWake func() bool
}

// unit is one queue entry: "run everything pending for input".
// It deliberately carries no jobs; they are read from the registry at dequeue.
type unit struct {
	id         string
	input      string
	enqueuedAt time.Time
}

func New(cfg Config) (*Scheduler, error) {
	if cfg.Transform == nil {
		return nil, ErrNoTransform
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Exists == nil {
		cfg.Exists = func(string) bool { return false }
	}
	if cfg.Tracker == nil {
		cfg.Tracker = nopTracker{}
	}
	if cfg.Progress == nil {
		cfg.Progress = nopProgress{}
	}
	if cfg.Log.IsZero() {
		cfg.Log = logx.Nop()
	}
	idle := make(chan struct{})
	close(idle)
	s := &Scheduler{
		workers:   cfg.Workers,
		transform: cfg.Transform,
		exists:    cfg.Exists,
		tracker:   cfg.Tracker,
		progress:  cfg.Progress,
		metrics:   cfg.Metrics,
		log:       cfg.Log,
		bus:       cfg.Bus,
		reg:       newRegistry(),
		queue:     deque.NewDeque(),
		running:   map[string]bool{},
		parked:    map[string]unit{},
		idle:      idle,
	}
	s.cond = sync.NewCond(&s.mu)
	return s, nil
}

// Start launches the queue workers. It is idempotent.
func (s *Scheduler) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.sup != nil || s.closed {
		s.mu.Unlock()
		return
	}
	s.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "scheduler"))),
		// a broken batch must not take the process down.
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	s.stopWake = context.AfterFunc(sup.Context(), s.halt)
	workers := s.workers
	s.mu.Unlock()

	for i := 0; i < workers; i++ {
		idx := i
		sup.GoRestart(fmt.Sprintf("worker.%d", idx), func(c context.Context) error {
			return s.worker(c)
		}, rtsup.WithPublishFirstError(true))
	}
	s.log.Info("scheduler started", logx.Int("workers", workers))
}

// Submit requests job's output and returns a Future for it.
//
// The only synchronous errors are ErrInvalidJob (malformed identities) and
// ErrClosed; every processing failure surfaces through the Future.
func (s *Scheduler) Submit(job Job) (*Future, error) {
	if err := job.validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.closed || s.halted {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	if e := s.reg.lookup(job.InputPath, job.OutputPath); e != nil {
		s.mu.Unlock()
		s.onJoined(job)
		return e.w.future(), nil
	}
	s.mu.Unlock()

	// Existence is I/O; keep it outside the lock.
	if s.exists(job.OutputPath) {
		s.metrics.submit("cached")
		s.publish(EventJobCached, JobEvent{Input: job.InputPath, Output: job.OutputPath})
		return resolvedFuture(job), nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.halted {
		return nil, ErrClosed
	}
	// Re-check: another caller may have inserted the pair while we were on disk.
	// From here to the insert there is no suspension point.
	if e := s.reg.lookup(job.InputPath, job.OutputPath); e != nil {
		s.onJoined(job)
		return e.w.future(), nil
	}

	isQueued := s.reg.hasInput(job.InputPath)
	w := newWaiter()
	s.reg.insert(job, w)

	s.backlog++
	if s.backlog == 1 {
		s.idle = make(chan struct{})
		s.progress.Start()
	}

	if !isQueued {
		u := unit{id: uuid.NewString(), input: job.InputPath, enqueuedAt: time.Now()}
		s.tracker.Create(u.id, "processing image "+job.InputPath, 1)
		s.queue.PushBack(u)
		s.cond.Signal()
	}
	s.metrics.submit("queued")
	s.metrics.gauges(s.backlog, s.reg.outputs, s.queue.Len())
	s.publish(EventJobQueued, JobEvent{Input: job.InputPath, Output: job.OutputPath})
	return w.future(), nil
}

func (s *Scheduler) onJoined(job Job) {
	s.metrics.submit("joined")
	s.publish(EventJobJoined, JobEvent{Input: job.InputPath, Output: job.OutputPath})
}

// Drain blocks until every tracked output has settled and the queue is empty,
// or ctx is done.
func (s *Scheduler) Drain(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	idle := s.idle
	s.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// halt runs when the worker context ends without Close. No worker will pick
// up queued units any more, so their outputs are rejected now.
func (s *Scheduler) halt() {
	s.mu.Lock()
	pending := s.haltLocked()
	s.mu.Unlock()
	s.rejectPending(pending, "scheduler halted with pending outputs")
}

// haltLocked stops the workers and empties the registry and the queue.
func (s *Scheduler) haltLocked() []*pendingEntry {
	s.halted = true
	s.cond.Broadcast()
	pending := s.reg.drain()
	for !s.queue.Empty() {
		s.queue.PopFront()
	}
	s.parked = map[string]unit{}
	if s.active == 0 {
		s.drainedLocked()
	}
	return pending
}

func (s *Scheduler) rejectPending(pending []*pendingEntry, msg string) {
	for _, e := range pending {
		e.w.reject(ErrClosed)
	}
	if len(pending) > 0 {
		s.log.Warn(msg, logx.Int("pending", len(pending)))
	}
}

// Close stops the workers and rejects everything still pending with ErrClosed.
// Batches already running observe a canceled context.
func (s *Scheduler) Close(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	pending := s.haltLocked()
	sup := s.sup
	stopWake := s.stopWake
	s.mu.Unlock()

	s.rejectPending(pending, "scheduler closed with pending outputs")

	var err error
	if sup != nil {
		sup.Cancel()
		if werr := sup.Wait(ctx); werr != nil && ctx.Err() != nil {
			err = werr
		}
	}
	if stopWake != nil {
		stopWake()
	}

	s.mu.Lock()
	if s.active == 0 {
		s.drainedLocked()
	}
	s.mu.Unlock()
	s.log.Info("scheduler stopped")
	return err
}

// Snapshot returns a point-in-time view for diagnostics.
func (s *Scheduler) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Workers:        s.workers,
		Backlog:        s.backlog,
		PendingInputs:  s.reg.inputs(),
		PendingOutputs: s.reg.outputs,
		QueueLen:       s.queue.Len() + len(s.parked),
		Running:        s.active,
		Closed:         s.closed,
	}
}

func (s *Scheduler) publish(typ string, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: data})
}

type nopTracker struct{}

func (nopTracker) Create(string, string, int) {}
func (nopTracker) Update(string, int)         {}
func (nopTracker) Progress(string, int)       {}
func (nopTracker) End(string)                 {}

type nopProgress struct{}

func (nopProgress) Start()       {}
func (nopProgress) SetTotal(int) {}
func (nopProgress) Tick()        {}
func (nopProgress) Done()        {}
