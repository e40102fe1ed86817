package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	logx "thumbq/pkg/logx"
)

// runUnit executes the batch for one input: take everything pending, call the
// transform once, and settle each output by identity.
func (s *Scheduler) runUnit(ctx context.Context, u unit) {
	s.mu.Lock()
	entries := s.reg.take(u.input)
	total := s.backlog
	s.metrics.gauges(s.backlog, s.reg.outputs, s.queue.Len())
	s.mu.Unlock()

	log := s.log.With(logx.String("batch", u.id), logx.String("input", u.input))

	if len(entries) == 0 {
		// Each queued unit owns a non-empty registry group; reaching this is a bug.
		log.Error("batch dequeued with no pending outputs")
		s.metrics.batch("empty", 0, 0)
		s.publish(EventBatchEmpty, BatchEvent{ID: u.id, Input: u.input})
		s.tracker.End(u.id)
		return
	}

	// Settle whatever is still open, e.g. after a tracker or progress panic.
	defer func() {
		for _, e := range entries {
			e.w.reject(&BatchError{BatchID: u.id, Input: u.input, Err: ErrAborted})
		}
	}()

	s.tracker.Update(u.id, len(entries))
	s.progress.SetTotal(total)

	jobs := make([]Job, len(entries))
	for i, e := range entries {
		jobs[i] = e.job
	}
	b := Batch{ID: u.id, InputPath: u.input, ContentDigest: entries[0].job.ContentDigest, Jobs: jobs}

	start := time.Now()
	s.publish(EventBatchStarted, BatchEvent{ID: u.id, Input: u.input, Outputs: len(jobs)})
	log.Debug("batch started", logx.Int("outputs", len(jobs)))

	finished, failed := 0, 0
	settle := func(e *pendingEntry, err error) {
		if err == nil {
			e.w.resolve(e.job)
		} else {
			e.w.reject(err)
			failed++
		}
		s.metrics.output(err == nil)
		finished++
		if !e.job.Quiet {
			s.progress.Tick()
		}
		s.tracker.Progress(u.id, finished)
	}

	results, err := s.invoke(ctx, b)
	if err != nil {
		berr := &BatchError{BatchID: u.id, Input: u.input, Err: err}
		for _, e := range entries {
			settle(e, berr)
		}
		s.tracker.End(u.id)
		dur := time.Since(start)
		log.Warn("batch failed", logx.Err(err), logx.Int("outputs", len(entries)), logx.Duration("dur", dur))
		s.metrics.batch("failed", len(entries), dur.Seconds())
		s.publish(EventBatchFailed, BatchEvent{ID: u.id, Input: u.input, Outputs: len(entries), Failed: len(entries), Duration: dur.Milliseconds(), Error: err.Error()})
		return
	}

	byOutput := make(map[string]*pendingEntry, len(entries))
	for _, e := range entries {
		byOutput[e.job.OutputPath] = e
	}

	// Results may arrive in any order; match them by output identity.
recv:
	for {
		select {
		case r, ok := <-results:
			if !ok {
				break recv
			}
			e := byOutput[r.Job.OutputPath]
			if e == nil {
				log.Warn("transform reported unknown output", logx.String("output", r.Job.OutputPath))
				continue
			}
			delete(byOutput, r.Job.OutputPath)
			if r.Err != nil {
				oerr := &OutputError{Input: u.input, Output: e.job.OutputPath, Err: r.Err}
				log.Warn("output failed", logx.String("output", e.job.OutputPath), logx.Err(r.Err))
				s.publish(EventOutputFailed, JobEvent{Input: u.input, Output: e.job.OutputPath, Error: r.Err.Error()})
				settle(e, oerr)
				continue
			}
			settle(e, nil)
		case <-ctx.Done():
			break recv
		}
	}

	if missing := len(byOutput); missing > 0 {
		cause := ErrOutputMissing
		if ctx.Err() != nil {
			cause = ctx.Err()
		}
		for _, e := range entries {
			if byOutput[e.job.OutputPath] == nil {
				continue
			}
			delete(byOutput, e.job.OutputPath)
			settle(e, &OutputError{Input: u.input, Output: e.job.OutputPath, Err: cause})
		}
		if errors.Is(cause, ErrOutputMissing) {
			log.Error("transform closed results early", logx.Int("missing", missing))
		}
	}

	s.tracker.End(u.id)

	dur := time.Since(start)
	result := "ok"
	if failed > 0 {
		result = "partial"
	}
	s.metrics.batch(result, len(entries), dur.Seconds())
	s.publish(EventBatchFinished, BatchEvent{ID: u.id, Input: u.input, Outputs: len(entries), Failed: failed, Duration: dur.Milliseconds()})
	if dur >= 750*time.Millisecond {
		log.Info("batch completed", logx.Int("outputs", len(entries)), logx.Int("failed", failed), logx.Duration("dur", dur))
	} else {
		log.Debug("batch completed", logx.Int("outputs", len(entries)), logx.Int("failed", failed), logx.Duration("dur", dur))
	}
}

// invoke calls the transform, turning a panic into a batch-level error.
func (s *Scheduler) invoke(ctx context.Context, b Batch) (results <-chan Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("transform panicked", logx.String("input", b.InputPath), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			results, err = nil, fmt.Errorf("panic: %v", r)
		}
	}()
	results, err = s.transform.Transform(ctx, b)
	if err == nil && results == nil {
		err = errors.New("transform returned no results")
	}
	return results, err
}
