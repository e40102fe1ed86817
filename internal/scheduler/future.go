package scheduler

import (
	"context"
	"sync/atomic"
)

// Future is the caller's handle on one requested output.
//
// It settles exactly once. Futures returned for duplicate pending requests are
// the same pointer, so every holder observes the same outcome.
type Future struct {
	done chan struct{}
	job  Job
	err  error
}

// Done is closed once the output has succeeded or failed.
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until the future settles or ctx is done.
// A ctx error does not affect the underlying work.
func (f *Future) Wait(ctx context.Context) (Job, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-f.done:
		return f.job, f.err
	case <-ctx.Done():
		return Job{}, ctx.Err()
	}
}

// Result returns the outcome without blocking. settled is false while pending.
func (f *Future) Result() (job Job, settled bool, err error) {
	select {
	case <-f.done:
		return f.job, true, f.err
	default:
		return Job{}, false, nil
	}
}

// waiter is the settle side of a Future. Only the scheduler holds it.
type waiter struct {
	settled atomic.Bool
	f       *Future
}

func newWaiter() *waiter {
	return &waiter{f: &Future{done: make(chan struct{})}}
}

func (w *waiter) future() *Future { return w.f }

// resolve settles the future with job. It reports false if already settled.
func (w *waiter) resolve(job Job) bool {
	if !w.settled.CompareAndSwap(false, true) {
		return false
	}
	w.f.job = job
	close(w.f.done)
	return true
}

// reject settles the future with err. It reports false if already settled.
func (w *waiter) reject(err error) bool {
	if !w.settled.CompareAndSwap(false, true) {
		return false
	}
	w.f.err = err
	close(w.f.done)
	return true
}

func resolvedFuture(job Job) *Future {
	w := newWaiter()
	w.resolve(job)
	return w.future()
}
