package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"thumbq/internal/eventbus"
)

func outputsOf(b Batch) []string {
	out := make([]string, len(b.Jobs))
	for i, j := range b.Jobs {
		out[i] = j.OutputPath
	}
	return out
}

func TestSubmitDuplicateSharesFuture(t *testing.T) {
	t.Parallel()

	ft := &fakeTransform{}
	s := newTestScheduler(t, Config{Transform: ft})

	f1 := mustSubmit(t, s, "a.jpg", "out/a-100.jpg")
	f2 := mustSubmit(t, s, "a.jpg", "out/a-100.jpg")
	if f1 != f2 {
		t.Fatal("duplicate pending submission returned a different future")
	}
	if snap := s.Snapshot(); snap.Backlog != 1 || snap.PendingOutputs != 1 || snap.QueueLen != 1 {
		t.Fatalf("snapshot after duplicate = %+v", snap)
	}

	s.Start(context.Background())
	if _, err := await(t, f1); err != nil {
		t.Fatalf("future: %v", err)
	}
	drain(t, s)

	batches := ft.snapshot()
	if len(batches) != 1 || len(batches[0].Jobs) != 1 {
		t.Fatalf("batches = %+v, want one batch with one job", batches)
	}
}

func TestSubmitExistingOutputResolvesImmediately(t *testing.T) {
	t.Parallel()

	ft := &fakeTransform{}
	prog := &fakeProgress{}
	s := newTestScheduler(t, Config{
		Transform: ft,
		Progress:  prog,
		Exists:    func(p string) bool { return p == "out/cached.jpg" },
	})
	s.Start(context.Background())

	job := Job{InputPath: "a.jpg", OutputPath: "out/cached.jpg", ContentDigest: "d1"}
	f, err := s.Submit(job)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	got, ok, err := f.Result()
	if !ok {
		t.Fatal("future for an existing output should already be settled")
	}
	if err != nil {
		t.Fatalf("err = %v", err)
	}
	if diff := cmp.Diff(job, got); diff != "" {
		t.Fatalf("resolved job mismatch (-want +got):\n%s", diff)
	}

	if snap := s.Snapshot(); snap.Backlog != 0 || snap.QueueLen != 0 {
		t.Fatalf("existing output touched the queue: %+v", snap)
	}
	if n := len(ft.snapshot()); n != 0 {
		t.Fatalf("transform invoked %d times, want 0", n)
	}
	if starts, _, _ := prog.counts(); starts != 0 {
		t.Fatalf("progress started %d times, want 0", starts)
	}
}

func TestSameInputOutputsShareOneBatch(t *testing.T) {
	t.Parallel()

	ft := &fakeTransform{}
	s := newTestScheduler(t, Config{Transform: ft})

	f1 := mustSubmit(t, s, "a.jpg", "out/a-100.jpg")
	f2 := mustSubmit(t, s, "a.jpg", "out/a-200.jpg")
	f3 := mustSubmit(t, s, "a.jpg", "out/a-300.jpg")
	if snap := s.Snapshot(); snap.QueueLen != 1 {
		t.Fatalf("queue length = %d, want 1", snap.QueueLen)
	}

	s.Start(context.Background())
	for _, f := range []*Future{f1, f2, f3} {
		if _, err := await(t, f); err != nil {
			t.Fatalf("future: %v", err)
		}
	}
	drain(t, s)

	batches := ft.snapshot()
	if len(batches) != 1 {
		t.Fatalf("transform invoked %d times, want 1", len(batches))
	}
	want := []string{"out/a-100.jpg", "out/a-200.jpg", "out/a-300.jpg"}
	if diff := cmp.Diff(want, outputsOf(batches[0])); diff != "" {
		t.Fatalf("batch outputs (-want +got):\n%s", diff)
	}
	if batches[0].ContentDigest != "digest:a.jpg" {
		t.Fatalf("batch digest = %q", batches[0].ContentDigest)
	}
}

func TestSubmitAfterBatchStartOpensNewBatch(t *testing.T) {
	t.Parallel()

	ft := &fakeTransform{started: make(chan Batch, 16), gate: make(chan struct{})}
	s := newTestScheduler(t, Config{Transform: ft})
	s.Start(context.Background())

	f1 := mustSubmit(t, s, "a.jpg", "out/a-100.jpg")
	first := recvBatch(t, ft.started)
	if diff := cmp.Diff([]string{"out/a-100.jpg"}, outputsOf(first)); diff != "" {
		t.Fatalf("first batch (-want +got):\n%s", diff)
	}

	// The first batch has already taken its outputs; this one must not join it.
	f2 := mustSubmit(t, s, "a.jpg", "out/a-200.jpg")
	if f2 == f1 {
		t.Fatal("late submission joined a running batch")
	}
	// Same output as the running batch: no longer pending, so it is queued again.
	f1again := mustSubmit(t, s, "a.jpg", "out/a-100.jpg")
	if f1again == f1 {
		t.Fatal("resubmission of a running output returned the running future")
	}
	close(ft.gate)

	for _, f := range []*Future{f1, f2, f1again} {
		if _, err := await(t, f); err != nil {
			t.Fatalf("future: %v", err)
		}
	}
	drain(t, s)

	batches := ft.snapshot()
	if len(batches) != 2 {
		t.Fatalf("transform invoked %d times, want 2", len(batches))
	}
	if diff := cmp.Diff([]string{"out/a-200.jpg", "out/a-100.jpg"}, outputsOf(batches[1])); diff != "" {
		t.Fatalf("second batch (-want +got):\n%s", diff)
	}
}

func TestOutputFailureIsIsolated(t *testing.T) {
	t.Parallel()

	ft := &fakeTransform{failOutputs: map[string]error{"out/a-200.jpg": errBoom}}
	s := newTestScheduler(t, Config{Transform: ft})

	ok := mustSubmit(t, s, "a.jpg", "out/a-100.jpg")
	bad := mustSubmit(t, s, "a.jpg", "out/a-200.jpg")
	s.Start(context.Background())

	if _, err := await(t, ok); err != nil {
		t.Fatalf("healthy output failed: %v", err)
	}
	_, err := await(t, bad)
	var oerr *OutputError
	if !errors.As(err, &oerr) {
		t.Fatalf("err = %v, want *OutputError", err)
	}
	if oerr.Input != "a.jpg" || oerr.Output != "out/a-200.jpg" {
		t.Fatalf("OutputError = %+v", oerr)
	}
	if !errors.Is(err, errBoom) {
		t.Fatalf("OutputError does not wrap the cause: %v", err)
	}
	if got, want := err.Error(), "failed to process image a.jpg -> out/a-200.jpg: boom"; got != want {
		t.Fatalf("message = %q, want %q", got, want)
	}
}

func TestBatchFailureRejectsEveryOutput(t *testing.T) {
	t.Parallel()

	ft := &fakeTransform{failInputs: map[string]error{"broken.jpg": errBoom}}
	prog := &fakeProgress{}
	s := newTestScheduler(t, Config{Transform: ft, Progress: prog})

	b1 := mustSubmit(t, s, "broken.jpg", "out/b-100.jpg")
	b2 := mustSubmit(t, s, "broken.jpg", "out/b-200.jpg")
	next := mustSubmit(t, s, "fine.jpg", "out/f-100.jpg")
	s.Start(context.Background())

	for _, f := range []*Future{b1, b2} {
		_, err := await(t, f)
		var berr *BatchError
		if !errors.As(err, &berr) {
			t.Fatalf("err = %v, want *BatchError", err)
		}
		if berr.Input != "broken.jpg" || !errors.Is(err, errBoom) {
			t.Fatalf("BatchError = %+v", berr)
		}
	}
	// The queue keeps moving after a failed batch.
	if _, err := await(t, next); err != nil {
		t.Fatalf("later batch failed: %v", err)
	}
	drain(t, s)

	if starts, ticks, dones := prog.counts(); starts != 1 || ticks != 3 || dones != 1 {
		t.Fatalf("progress start/tick/done = %d/%d/%d, want 1/3/1", starts, ticks, dones)
	}
}

func TestTransformPanicRejectsBatch(t *testing.T) {
	t.Parallel()

	ft := &fakeTransform{panicInputs: map[string]bool{"evil.jpg": true}}
	s := newTestScheduler(t, Config{Transform: ft})

	bad := mustSubmit(t, s, "evil.jpg", "out/e.jpg")
	good := mustSubmit(t, s, "good.jpg", "out/g.jpg")
	s.Start(context.Background())

	_, err := await(t, bad)
	var berr *BatchError
	if !errors.As(err, &berr) {
		t.Fatalf("err = %v, want *BatchError", err)
	}
	if _, err := await(t, good); err != nil {
		t.Fatalf("batch after panic failed: %v", err)
	}
	drain(t, s)
}

func TestResultsCorrelatedByOutput(t *testing.T) {
	t.Parallel()

	ft := &fakeTransform{}
	s := newTestScheduler(t, Config{Transform: ft})

	var jobs []Job
	var futures []*Future
	for i := 0; i < 5; i++ {
		j := Job{InputPath: "a.jpg", OutputPath: fmt.Sprintf("out/a-%d.jpg", i), ContentDigest: "d", Args: i}
		f, err := s.Submit(j)
		if err != nil {
			t.Fatalf("Submit: %v", err)
		}
		jobs = append(jobs, j)
		futures = append(futures, f)
	}
	s.Start(context.Background())

	for i, f := range futures {
		got, err := await(t, f)
		if err != nil {
			t.Fatalf("future %d: %v", i, err)
		}
		if diff := cmp.Diff(jobs[i], got); diff != "" {
			t.Fatalf("future %d resolved with wrong job (-want +got):\n%s", i, diff)
		}
	}
}

func TestMissingResultRejected(t *testing.T) {
	t.Parallel()

	ft := &fakeTransform{dropOutputs: map[string]bool{"out/a-200.jpg": true}}
	s := newTestScheduler(t, Config{Transform: ft})

	ok := mustSubmit(t, s, "a.jpg", "out/a-100.jpg")
	lost := mustSubmit(t, s, "a.jpg", "out/a-200.jpg")
	s.Start(context.Background())

	if _, err := await(t, ok); err != nil {
		t.Fatalf("reported output failed: %v", err)
	}
	if _, err := await(t, lost); !errors.Is(err, ErrOutputMissing) {
		t.Fatalf("err = %v, want ErrOutputMissing", err)
	}
	drain(t, s)
}

func TestDrainedOncePerBusyPeriod(t *testing.T) {
	t.Parallel()

	ft := &fakeTransform{}
	prog := &fakeProgress{}
	s := newTestScheduler(t, Config{Transform: ft, Progress: prog})

	// A1, A2 and B1 before the workers start: two batches, one busy period.
	fs := []*Future{
		mustSubmit(t, s, "a.jpg", "out/a1.jpg"),
		mustSubmit(t, s, "a.jpg", "out/a2.jpg"),
		mustSubmit(t, s, "b.jpg", "out/b1.jpg"),
	}
	s.Start(context.Background())
	for _, f := range fs {
		if _, err := await(t, f); err != nil {
			t.Fatalf("future: %v", err)
		}
	}
	drain(t, s)

	if n := len(ft.snapshot()); n != 2 {
		t.Fatalf("transform invoked %d times, want 2", n)
	}
	if starts, ticks, dones := prog.counts(); starts != 1 || ticks != 3 || dones != 1 {
		t.Fatalf("progress start/tick/done = %d/%d/%d, want 1/3/1", starts, ticks, dones)
	}
	prog.mu.Lock()
	total := prog.total
	prog.mu.Unlock()
	if total != 3 {
		t.Fatalf("progress total = %d, want 3", total)
	}
	if snap := s.Snapshot(); snap.Backlog != 0 || snap.PendingOutputs != 0 || snap.Running != 0 {
		t.Fatalf("snapshot after drain = %+v", snap)
	}

	// A second round starts a fresh busy period.
	f := mustSubmit(t, s, "c.jpg", "out/c1.jpg")
	if _, err := await(t, f); err != nil {
		t.Fatalf("future: %v", err)
	}
	drain(t, s)
	if starts, ticks, dones := prog.counts(); starts != 2 || ticks != 4 || dones != 2 {
		t.Fatalf("progress start/tick/done = %d/%d/%d, want 2/4/2", starts, ticks, dones)
	}
}

func TestDrainHonorsContext(t *testing.T) {
	t.Parallel()

	ft := &fakeTransform{gate: make(chan struct{})}
	s := newTestScheduler(t, Config{Transform: ft})

	// Idle scheduler drains immediately.
	drain(t, s)

	mustSubmit(t, s, "a.jpg", "out/a.jpg")
	s.Start(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := s.Drain(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Drain = %v, want deadline exceeded", err)
	}
	close(ft.gate)
	drain(t, s)
}

func TestSubmitRejectsInvalidJob(t *testing.T) {
	t.Parallel()

	s := newTestScheduler(t, Config{Transform: &fakeTransform{}})
	for _, j := range []Job{
		{OutputPath: "out/a.jpg"},
		{InputPath: "a.jpg"},
		{InputPath: "  ", OutputPath: "out/a.jpg"},
	} {
		if _, err := s.Submit(j); !errors.Is(err, ErrInvalidJob) {
			t.Fatalf("Submit(%+v) = %v, want ErrInvalidJob", j, err)
		}
	}
	if snap := s.Snapshot(); snap.Backlog != 0 {
		t.Fatalf("invalid jobs changed the backlog: %+v", snap)
	}
}

func TestNewRequiresTransform(t *testing.T) {
	t.Parallel()

	if _, err := New(Config{}); !errors.Is(err, ErrNoTransform) {
		t.Fatalf("New = %v, want ErrNoTransform", err)
	}
}

func TestPathsAreOpaqueKeys(t *testing.T) {
	t.Parallel()

	ft := &fakeTransform{}
	s := newTestScheduler(t, Config{Transform: ft})

	// Joined with a "." separator these two pairs would collide.
	f1 := mustSubmit(t, s, "img/a", "b.o.png")
	f2 := mustSubmit(t, s, "img/a.b", "o.png")
	f3 := mustSubmit(t, s, `img/["x"].jpg`, `out/[0]."y".png`)
	if f1 == f2 {
		t.Fatal("distinct identities shared a future")
	}
	s.Start(context.Background())
	for _, f := range []*Future{f1, f2, f3} {
		if _, err := await(t, f); err != nil {
			t.Fatalf("future: %v", err)
		}
	}
	drain(t, s)
	if n := len(ft.snapshot()); n != 3 {
		t.Fatalf("transform invoked %d times, want 3", n)
	}
}

func TestConcurrentSubmitDeduplicates(t *testing.T) {
	t.Parallel()

	ft := &fakeTransform{}
	s := newTestScheduler(t, Config{Transform: ft})

	const callers = 32
	got := make([][]*Future, callers)
	var wg sync.WaitGroup
	for c := 0; c < callers; c++ {
		wg.Add(1)
		go func(c int) {
			defer wg.Done()
			for _, in := range []string{"a.jpg", "b.jpg"} {
				for i := 0; i < 4; i++ {
					f, err := s.Submit(Job{InputPath: in, OutputPath: fmt.Sprintf("out/%s-%d", in, i)})
					if err != nil {
						t.Errorf("Submit: %v", err)
						return
					}
					got[c] = append(got[c], f)
				}
			}
		}(c)
	}
	wg.Wait()

	for c := 1; c < callers; c++ {
		for i := range got[0] {
			if got[c][i] != got[0][i] {
				t.Fatalf("caller %d got a different future for request %d", c, i)
			}
		}
	}

	s.Start(context.Background())
	drain(t, s)

	batches := ft.snapshot()
	if len(batches) != 2 {
		t.Fatalf("transform invoked %d times, want 2", len(batches))
	}
	for _, b := range batches {
		if len(b.Jobs) != 4 {
			t.Fatalf("batch for %s has %d jobs, want 4", b.InputPath, len(b.Jobs))
		}
	}
}

func TestOneBatchPerInputWithManyWorkers(t *testing.T) {
	t.Parallel()

	ft := &fakeTransform{started: make(chan Batch, 16), gate: make(chan struct{})}
	s := newTestScheduler(t, Config{Workers: 2, Transform: ft})
	s.Start(context.Background())

	a1 := mustSubmit(t, s, "a.jpg", "out/a1.jpg")
	if b := recvBatch(t, ft.started); b.InputPath != "a.jpg" {
		t.Fatalf("first batch input = %s", b.InputPath)
	}
	a2 := mustSubmit(t, s, "a.jpg", "out/a2.jpg")
	b1 := mustSubmit(t, s, "b.jpg", "out/b1.jpg")

	// a.jpg is busy, so the free worker must skip ahead to b.jpg.
	if b := recvBatch(t, ft.started); b.InputPath != "b.jpg" {
		t.Fatalf("second batch input = %s, want b.jpg", b.InputPath)
	}
	close(ft.gate)
	if b := recvBatch(t, ft.started); b.InputPath != "a.jpg" || len(b.Jobs) != 1 || b.Jobs[0].OutputPath != "out/a2.jpg" {
		t.Fatalf("third batch = %+v", b)
	}

	for _, f := range []*Future{a1, a2, b1} {
		if _, err := await(t, f); err != nil {
			t.Fatalf("future: %v", err)
		}
	}
	drain(t, s)

	ft.mu.Lock()
	maxInflight := ft.maxInflight
	ft.mu.Unlock()
	if maxInflight != 1 {
		t.Fatalf("max concurrent batches per input = %d, want 1", maxInflight)
	}
}

func TestCloseRejectsPending(t *testing.T) {
	t.Parallel()

	s, err := New(Config{Transform: &fakeTransform{}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	f := mustSubmit(t, s, "a.jpg", "out/a.jpg")

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	if err := s.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := await(t, f); !errors.Is(err, ErrClosed) {
		t.Fatalf("pending future = %v, want ErrClosed", err)
	}
	if _, err := s.Submit(Job{InputPath: "b.jpg", OutputPath: "out/b.jpg"}); !errors.Is(err, ErrClosed) {
		t.Fatalf("Submit after Close = %v, want ErrClosed", err)
	}
	if err := s.Drain(ctx); err != nil {
		t.Fatalf("Drain after Close: %v", err)
	}
	if err := s.Close(ctx); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestCloseCancelsRunningBatch(t *testing.T) {
	t.Parallel()

	ft := &fakeTransform{started: make(chan Batch, 4), gate: make(chan struct{})}
	s, err := New(Config{Transform: ft})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.Start(context.Background())
	f := mustSubmit(t, s, "a.jpg", "out/a.jpg")
	recvBatch(t, ft.started)

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	if err := s.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := await(t, f); !errors.Is(err, context.Canceled) {
		t.Fatalf("running future = %v, want context.Canceled", err)
	}
}

func TestTrackerAndEvents(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	events, unsub := bus.Subscribe(64)
	defer unsub()

	tr := newFakeTracker()
	ft := &fakeTransform{failOutputs: map[string]error{"out/a2.jpg": errBoom}}
	s := newTestScheduler(t, Config{
		Transform: ft,
		Tracker:   tr,
		Bus:       bus,
		Exists:    func(p string) bool { return p == "out/done.jpg" },
	})

	mustSubmit(t, s, "a.jpg", "out/a1.jpg")
	mustSubmit(t, s, "a.jpg", "out/a1.jpg")
	mustSubmit(t, s, "a.jpg", "out/a2.jpg")
	mustSubmit(t, s, "a.jpg", "out/done.jpg")
	s.Start(context.Background())
	drain(t, s)

	batches := ft.snapshot()
	if len(batches) != 1 {
		t.Fatalf("transform invoked %d times, want 1", len(batches))
	}
	id := batches[0].ID

	tr.mu.Lock()
	desc, images, finished, ended := tr.created[id], tr.images[id], tr.finished[id], tr.ended[id]
	created := len(tr.created)
	tr.mu.Unlock()
	if created != 1 || desc != "processing image a.jpg" {
		t.Fatalf("tracker created %d units, desc %q", created, desc)
	}
	if images != 2 || finished != 2 || !ended {
		t.Fatalf("tracker images=%d finished=%d ended=%v", images, finished, ended)
	}

	var types []string
	for len(events) > 0 {
		types = append(types, (<-events).Type)
	}
	want := []string{
		EventJobQueued,
		EventJobJoined,
		EventJobQueued,
		EventJobCached,
		EventBatchStarted,
		EventOutputFailed,
		EventBatchFinished,
		EventQueueDrained,
	}
	if diff := cmp.Diff(want, types); diff != "" {
		t.Fatalf("events (-want +got):\n%s", diff)
	}
}

func TestMetricsRecorded(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	ft := &fakeTransform{failInputs: map[string]error{"bad.jpg": errBoom}}
	s := newTestScheduler(t, Config{
		Transform: ft,
		Metrics:   m,
		Exists:    func(p string) bool { return p == "out/cached.jpg" },
	})

	mustSubmit(t, s, "a.jpg", "out/a1.jpg")
	mustSubmit(t, s, "a.jpg", "out/a1.jpg")
	mustSubmit(t, s, "a.jpg", "out/cached.jpg")
	mustSubmit(t, s, "bad.jpg", "out/bad.jpg")
	s.Start(context.Background())
	drain(t, s)

	checks := []struct {
		name string
		got  float64
		want float64
	}{
		{"submitted queued", testutil.ToFloat64(m.submitted.WithLabelValues("queued")), 2},
		{"submitted joined", testutil.ToFloat64(m.submitted.WithLabelValues("joined")), 1},
		{"submitted cached", testutil.ToFloat64(m.submitted.WithLabelValues("cached")), 1},
		{"batches ok", testutil.ToFloat64(m.batches.WithLabelValues("ok")), 1},
		{"batches failed", testutil.ToFloat64(m.batches.WithLabelValues("failed")), 1},
		{"outputs ok", testutil.ToFloat64(m.outputs.WithLabelValues("ok")), 1},
		{"outputs failed", testutil.ToFloat64(m.outputs.WithLabelValues("failed")), 1},
		{"backlog", testutil.ToFloat64(m.backlog), 0},
		{"pending", testutil.ToFloat64(m.pending), 0},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
	if n := testutil.CollectAndCount(m.batchSize); n != 1 {
		t.Errorf("batch_size series = %d, want 1", n)
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	t.Parallel()

	var m *Metrics
	m.submit("queued")
	m.batch("ok", 1, 0.1)
	m.output(true)
	m.gauges(1, 1, 1)
}

func TestEmptyBatchIsReportedAndSkipped(t *testing.T) {
	t.Parallel()

	bus := eventbus.New()
	events, unsub := bus.Subscribe(8, EventBatchEmpty)
	defer unsub()

	m := NewMetrics(prometheus.NewRegistry())
	tr := newFakeTracker()
	ft := &fakeTransform{}
	s := newTestScheduler(t, Config{Transform: ft, Tracker: tr, Metrics: m, Bus: bus})

	// A unit with no registry group behind it.
	s.mu.Lock()
	s.queue.PushBack(unit{id: "ghost-unit", input: "ghost.jpg", enqueuedAt: time.Now()})
	s.mu.Unlock()

	f := mustSubmit(t, s, "a.jpg", "out/a.jpg")
	s.Start(context.Background())
	if _, err := await(t, f); err != nil {
		t.Fatalf("future after empty batch: %v", err)
	}
	drain(t, s)

	select {
	case e := <-events:
		if b, ok := e.Data.(BatchEvent); !ok || b.ID != "ghost-unit" || b.Input != "ghost.jpg" {
			t.Fatalf("batch.empty payload = %+v", e.Data)
		}
	case <-time.After(testTimeout):
		t.Fatal("batch.empty not published")
	}
	if got := testutil.ToFloat64(m.batches.WithLabelValues("empty")); got != 1 {
		t.Fatalf("empty batches = %v, want 1", got)
	}
	tr.mu.Lock()
	ended := tr.ended["ghost-unit"]
	tr.mu.Unlock()
	if !ended {
		t.Fatal("tracker unit for the empty batch was not ended")
	}
	if n := len(ft.snapshot()); n != 1 {
		t.Fatalf("transform invoked %d times, want 1", n)
	}
}

func TestHaltRejectsQueuedAndNewWork(t *testing.T) {
	t.Parallel()

	ft := &fakeTransform{started: make(chan Batch, 4), gate: make(chan struct{})}
	s := newTestScheduler(t, Config{Transform: ft})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	running := mustSubmit(t, s, "a.jpg", "out/a.jpg")
	recvBatch(t, ft.started)
	queued := mustSubmit(t, s, "b.jpg", "out/b.jpg")

	cancel()
	if _, err := await(t, queued); !errors.Is(err, ErrClosed) {
		t.Fatalf("queued future = %v, want ErrClosed", err)
	}
	if _, err := await(t, running); !errors.Is(err, context.Canceled) {
		t.Fatalf("running future = %v, want context.Canceled", err)
	}
	if _, err := s.Submit(Job{InputPath: "c.jpg", OutputPath: "out/c.jpg"}); !errors.Is(err, ErrClosed) {
		t.Fatalf("Submit after halt = %v, want ErrClosed", err)
	}
	drain(t, s)
	if snap := s.Snapshot(); snap.Backlog != 0 || snap.PendingOutputs != 0 || snap.QueueLen != 0 {
		t.Fatalf("snapshot after halt = %+v", snap)
	}
}

type panickingTracker struct{ nopTracker }

func (panickingTracker) Update(string, int) { panic("tracker exploded") }

func TestTrackerPanicRejectsTakenOutputs(t *testing.T) {
	t.Parallel()

	s := newTestScheduler(t, Config{Transform: &fakeTransform{}, Tracker: panickingTracker{}})
	s.Start(context.Background())

	for _, in := range []string{"a.jpg", "b.jpg"} {
		f := mustSubmit(t, s, in, "out/"+in)
		_, err := await(t, f)
		var berr *BatchError
		if !errors.As(err, &berr) || berr.Input != in || !errors.Is(err, ErrAborted) {
			t.Fatalf("%s: future = %v, want BatchError wrapping ErrAborted", in, err)
		}
		// The worker is restarted, so the next submission is still served.
		drain(t, s)
	}
}

func TestQuietJobsDoNotTick(t *testing.T) {
	t.Parallel()

	prog := &fakeProgress{}
	s := newTestScheduler(t, Config{Transform: &fakeTransform{}, Progress: prog})

	quiet, err := s.Submit(Job{InputPath: "a.jpg", OutputPath: "out/a-quiet.jpg", Quiet: true})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	loud := mustSubmit(t, s, "a.jpg", "out/a.jpg")
	s.Start(context.Background())
	for _, f := range []*Future{quiet, loud} {
		if _, err := await(t, f); err != nil {
			t.Fatalf("future: %v", err)
		}
	}
	drain(t, s)

	if starts, ticks, dones := prog.counts(); starts != 1 || ticks != 1 || dones != 1 {
		t.Fatalf("progress starts=%d ticks=%d dones=%d, want 1/1/1", starts, ticks, dones)
	}
}
