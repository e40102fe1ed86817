package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"thumbq/internal/config"
	"thumbq/internal/eventbus"
	"thumbq/internal/jobtrack"
	"thumbq/internal/observability/debug"
	"thumbq/internal/progress"
	"thumbq/internal/rescan"
	rtsup "thumbq/internal/runtime/supervisor"
	"thumbq/internal/scheduler"
	"thumbq/internal/storage"
	"thumbq/internal/transform/imaging"
	logx "thumbq/pkg/logx"
	"thumbq/pkg/systemd"
)

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	registry *prometheus.Registry
	tracker  *jobtrack.Tracker
	progress progress.Reporter
	sched    *scheduler.Scheduler
	debug    *debug.Service

	exists       scheduler.ExistsFunc
	outRoot      string
	drainTimeout time.Duration
}

// Options override process-level sinks, mainly for tests.
type Options struct {
	// ProgressOut receives the progress bar. Default: os.Stderr.
	ProgressOut io.Writer
}

func New(cfgPath string, opts Options) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfgm.SetValidator(validateConfig)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	log = log.With(logx.String("comp", "app"))
	bus := eventbus.New()

	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver), logx.String("path", sc.Path))
	}

	sc, err := mapSchedulerConfig(cfg)
	if err != nil {
		return nil, err
	}
	outRoot, err := mapOutputRoot(cfg)
	if err != nil {
		return nil, err
	}
	pc, err := mapProgressConfig(cfg)
	if err != nil {
		return nil, err
	}
	dc, err := mapDebugConfig(cfg)
	if err != nil {
		return nil, err
	}

	if opts.ProgressOut == nil {
		opts.ProgressOut = os.Stderr
	}
	rep, err := progress.New(pc.Mode, opts.ProgressOut, log, pc.LogEvery)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	tracker := jobtrack.New(jobtrack.Config{
		Store: store,
		Bus:   bus,
		Log:   log,
	})

	exists := scheduler.ExistsFunc(imaging.Exists)
	sched, err := scheduler.New(scheduler.Config{
		Workers:   sc.Workers,
		Transform: imaging.New(mapTransformConfig(cfg, log.With(logx.String("comp", "imaging")))),
		Exists:    exists,
		Tracker:   tracker,
		Progress:  rep,
		Metrics:   scheduler.NewMetrics(reg),
		Log:       log.With(logx.String("comp", "scheduler")),
		Bus:       bus,
	})
	if err != nil {
		return nil, err
	}

	a := &App{
		cfgPath:      cfgPath,
		cfgm:         cfgm,
		log:          log,
		logs:         logSvc,
		bus:          bus,
		store:        store,
		registry:     reg,
		tracker:      tracker,
		progress:     rep,
		sched:        sched,
		exists:       exists,
		outRoot:      outRoot,
		drainTimeout: sc.DrainTimeout,
	}
	a.debug = debug.New(dc, log.With(logx.String("comp", "debug")), reg, a.health)
	return a, nil
}

// Scheduler exposes the job scheduler for embedding callers.
func (a *App) Scheduler() *scheduler.Scheduler { return a.sched }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

const healthRecent = 10

type healthView struct {
	Scheduler      scheduler.Snapshot  `json:"scheduler"`
	Units          []jobtrack.Unit     `json:"units"`
	Recent         []storage.JobRecord `json:"recent,omitempty"`
	TrackerDropped uint64              `json:"tracker_dropped"`
	EventsDropped  uint64              `json:"events_dropped"`
}

func (a *App) health() (any, error) {
	snap := a.sched.Snapshot()
	v := healthView{
		Scheduler:      snap,
		Units:          a.tracker.Active(),
		TrackerDropped: a.tracker.Dropped(),
		EventsDropped:  eventbus.Dropped(a.bus),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	recent, err := a.tracker.Recent(ctx, healthRecent)
	switch {
	case err == nil:
		v.Recent = recent
	case !errors.Is(err, storage.ErrDisabled):
		a.log.Warn("health: recent units", logx.Err(err))
	}

	if snap.Closed {
		return v, scheduler.ErrClosed
	}
	if err := a.Err(); err != nil {
		return v, err
	}
	return v, nil
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))

	a.tracker.Start(a.sup.Context())
	a.sched.Start(a.sup.Context())
	if a.debug.Enabled() {
		a.debug.Start(a.sup.Context())
	}

	if a.bus != nil {
		events, unsub := a.bus.Subscribe(128)
		a.sup.Go0("eventbus.log", func(c context.Context) {
			defer unsub()
			for {
				select {
				case <-c.Done():
					return
				case e, ok := <-events:
					if !ok {
						return
					}
					// debug-level: a large manifest produces one event per output.
					a.log.Debug("event", logx.String("type", e.Type), logx.Any("data", e.Data))
				}
			}
		})
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				a.applyConfig(c, last, next)
				last = next
			}
		}
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started", logx.String("output", a.outRoot))
	return nil
}

// applyConfig applies the live-reloadable sections of next.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	a.logs.Apply(mapLogConfig(next))

	if dc, err := mapDebugConfig(next); err != nil {
		a.log.Warn("invalid debug config; keeping previous", logx.Err(err))
	} else {
		a.debug.Reconfigure(ctx, dc)
	}

	restart := config.RestartRequired(sections)
	if slices.Contains(sections, "rescan") || slices.Contains(sections, "progress") {
		restart = append(restart, "rescan/progress")
	}
	if len(restart) > 0 {
		a.log.Warn("config changed; restart required for these sections", logx.String("sections", strings.Join(restart, ",")))
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	s := stepper{ctx: ctx, log: a.log}
	s.step("scheduler", 5*time.Second, a.sched.Close)
	s.step("tracker", 2*time.Second, a.tracker.Stop)
	s.step("debug", time.Second, func(c context.Context) error { a.debug.Stop(c); return nil })
	s.step("storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})
	s.step("supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// Serve submits the manifest now and again on every rescan trigger until
// ctx is done or a fatal error stops the app.
func (a *App) Serve(ctx context.Context, manifestPath string) error {
	rc, err := mapRescanConfig(a.cfgm.Get(), manifestPath)
	if err != nil {
		return err
	}
	svc, err := rescan.New(rc, func(c context.Context, reason string) error {
		_, err := a.Run(c, manifestPath)
		if err != nil && !errors.Is(err, ErrOutputsFailed) {
			return err
		}
		return nil
	}, a.log)
	if err != nil {
		return err
	}
	events, unsub := a.bus.Subscribe(16, scheduler.EventBatchStarted, scheduler.EventQueueDrained)
	a.sup.Go0("systemd.status", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				if _, err := systemd.Status(statusLine(e)); err != nil {
					a.log.Debug("systemd status failed", logx.Err(err))
				}
			}
		}
	})
	a.sup.Go("systemd.watchdog", systemd.Watchdog)
	svc.Start(a.sup.Context())

	if sent, err := systemd.Ready(); err != nil {
		a.log.Warn("systemd notify failed", logx.Err(err))
	} else if sent {
		a.log.Debug("systemd notified ready")
	}

	select {
	case <-ctx.Done():
	case <-a.Done():
	}

	_, _ = systemd.Stopping()
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := svc.Stop(stopCtx); err != nil {
		a.log.Warn("rescan stop incomplete", logx.Err(err))
	}
	runs, skipped := svc.Stats()
	a.log.Info("serve finished", logx.Uint64("runs", runs), logx.Uint64("skipped", skipped))
	if err := a.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

func statusLine(e eventbus.Event) string {
	if b, ok := e.Data.(scheduler.BatchEvent); ok && e.Type == scheduler.EventBatchStarted {
		return fmt.Sprintf("processing %s (%d outputs)", b.Input, b.Outputs)
	}
	return "idle"
}
