package scheduler

import (
	"context"
	"time"

	logx "thumbq/pkg/logx"
)

// worker pulls units in FIFO order until the scheduler halts.
func (s *Scheduler) worker(ctx context.Context) error {
	for {
		u, ok := s.next()
		if !ok {
			return context.Canceled
		}
		s.execute(ctx, u)
	}
}

// execute runs one unit and always releases it, even if the runner panics;
// the panic then propagates to the supervisor, which restarts the worker.
func (s *Scheduler) execute(ctx context.Context, u unit) {
	defer s.finish(u)
	s.runUnit(ctx, u)
}

// next blocks until a unit is runnable or the scheduler halts.
func (s *Scheduler) next() (unit, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		if s.halted {
			return unit{}, false
		}
		if !s.queue.Empty() {
			u := s.queue.PopFront().(unit)
			if s.running[u.input] {
				// A batch for this input is still writing; hold this one back
				// until it finishes. Only happens with Workers > 1.
				s.parked[u.input] = u
				continue
			}
			s.running[u.input] = true
			s.active++
			if d := time.Since(u.enqueuedAt); d > time.Second {
				s.log.Debug("unit waited in queue", logx.String("input", u.input), logx.Duration("queue_delay", d))
			}
			return u, true
		}
		s.cond.Wait()
	}
}

func (s *Scheduler) finish(u unit) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.running, u.input)
	s.active--
	if p, ok := s.parked[u.input]; ok {
		delete(s.parked, u.input)
		s.queue.PushFront(p)
		s.cond.Signal()
	}
	if s.active == 0 && s.queue.Empty() {
		s.drainedLocked()
	}
	s.metrics.gauges(s.backlog, s.reg.outputs, s.queue.Len())
}

// drainedLocked fires once per busy period: progress done, backlog reset.
func (s *Scheduler) drainedLocked() {
	if s.backlog == 0 {
		return
	}
	total := s.backlog
	s.backlog = 0
	s.progress.Done()
	s.metrics.gauges(0, s.reg.outputs, s.queue.Len())
	s.publish(EventQueueDrained, map[string]int{"outputs": total})
	s.log.Debug("queue drained", logx.Int("outputs", total))
	close(s.idle)
}
