// Package rescan re-runs manifest submission on a cron schedule and, when
// enabled, whenever the manifest file changes.
package rescan

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/robfig/cron/v3"

	logx "thumbq/pkg/logx"
)

const defaultDebounce = 500 * time.Millisecond

// Trigger reasons passed to RunFunc.
const (
	ReasonStart    = "start"
	ReasonSchedule = "schedule"
	ReasonChange   = "change"
)

// RunFunc performs one rescan.
type RunFunc func(ctx context.Context, reason string) error

type Config struct {
	// Cron is a 5- or 6-field (leading seconds) spec or a descriptor such as
	// "@every 10m". Empty disables scheduled rescans.
	Cron string
	// Watch reruns when Path changes.
	Watch    bool
	Path     string
	Debounce time.Duration
}

var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule validates a cron spec.
func ParseSchedule(spec string) (cron.Schedule, error) {
	s, err := parser.Parse(strings.TrimSpace(spec))
	if err != nil {
		return nil, fmt.Errorf("cron %q: %w", spec, err)
	}
	return s, nil
}

// Service owns the cron runner and the manifest watcher. At most one run is
// in flight; triggers that arrive meanwhile are skipped.
type Service struct {
	cfg   Config
	sched cron.Schedule
	run   RunFunc
	log   logx.Logger

	mu     sync.Mutex
	c      *cron.Cron
	cancel context.CancelFunc
	ctx    context.Context
	wg     sync.WaitGroup

	running atomic.Bool
	runs    atomic.Uint64
	skipped atomic.Uint64
}

func New(cfg Config, run RunFunc, log logx.Logger) (*Service, error) {
	if run == nil {
		return nil, errors.New("rescan: run func is required")
	}
	if cfg.Watch && strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("rescan: watch needs a manifest path")
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = defaultDebounce
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{cfg: cfg, run: run, log: log.With(logx.String("comp", "rescan"))}
	if strings.TrimSpace(cfg.Cron) != "" {
		sched, err := ParseSchedule(cfg.Cron)
		if err != nil {
			return nil, err
		}
		s.sched = sched
	}
	return s, nil
}

// Start performs an initial run and then arms the schedule and the watcher.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	if s.sched != nil {
		s.c = cron.New(cron.WithParser(parser))
		s.c.Schedule(s.sched, cron.FuncJob(func() { s.Trigger(ReasonSchedule) }))
		s.c.Start()
	}
	if s.cfg.Watch {
		s.wg.Add(1)
		go s.watch(s.ctx)
	}
	s.mu.Unlock()

	s.log.Info("rescan started",
		logx.String("cron", s.cfg.Cron),
		logx.Bool("watch", s.cfg.Watch),
	)
	s.Trigger(ReasonStart)
}

// Stop disarms triggers and waits for an in-flight run.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	c, cancel := s.c, s.cancel
	s.c, s.cancel = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	if c != nil {
		<-c.Stop().Done()
	}
	cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("rescan stopped", logx.Uint64("runs", s.runs.Load()), logx.Uint64("skipped", s.skipped.Load()))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Trigger starts a run unless one is already in flight or the service is
// stopped. It reports whether a run was started.
func (s *Service) Trigger(reason string) bool {
	s.mu.Lock()
	ctx := s.ctx
	stopped := s.cancel == nil
	if stopped {
		s.mu.Unlock()
		return false
	}
	if !s.running.CompareAndSwap(false, true) {
		s.mu.Unlock()
		s.skipped.Add(1)
		s.log.Debug("rescan skipped; previous run in flight", logx.String("reason", reason))
		return false
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer s.running.Store(false)
		start := time.Now()
		s.runs.Add(1)
		err := s.run(ctx, reason)
		if err != nil && !errors.Is(err, context.Canceled) {
			s.log.Warn("rescan failed", logx.String("reason", reason), logx.Duration("took", time.Since(start)), logx.Err(err))
			return
		}
		s.log.Debug("rescan finished", logx.String("reason", reason), logx.Duration("took", time.Since(start)))
	}()
	return true
}

// Stats returns (runs started, triggers skipped).
func (s *Service) Stats() (runs, skipped uint64) {
	return s.runs.Load(), s.skipped.Load()
}

func (s *Service) watch(ctx context.Context) {
	defer s.wg.Done()

	w, err := fsnotify.NewWatcher()
	if err != nil {
		s.log.Warn("manifest watch init failed", logx.Err(err))
		return
	}
	defer w.Close()
	dir := filepath.Dir(s.cfg.Path)
	file := filepath.Base(s.cfg.Path)
	if err := w.Add(dir); err != nil {
		s.log.Warn("manifest watch init failed", logx.String("dir", dir), logx.Err(err))
		return
	}

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) == file && ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				timer.Reset(s.cfg.Debounce)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			s.log.Warn("manifest watch error", logx.Err(err))
		case <-timer.C:
			s.Trigger(ReasonChange)
		}
	}
}
