package scheduler

import (
	"context"
	"strings"

	"thumbq/internal/eventbus"
	logx "thumbq/pkg/logx"
)

// Job asks for one output derived from one input.
//
// ContentDigest and Args are opaque to the scheduler; they are handed to the
// Transform unchanged. A Quiet job is scheduled like any other but does not
// advance the progress reporter.
type Job struct {
	InputPath     string
	OutputPath    string
	ContentDigest string
	Args          any
	Quiet         bool
}

func (j Job) validate() error {
	if strings.TrimSpace(j.InputPath) == "" {
		return invalidJob("input path is required")
	}
	if strings.TrimSpace(j.OutputPath) == "" {
		return invalidJob("output path is required")
	}
	return nil
}

// Batch is every pending output of one input, handed to a single Transform call.
type Batch struct {
	ID            string
	InputPath     string
	ContentDigest string
	Jobs          []Job
}

// Result reports the fate of one output of a Batch.
// Err == nil means the output was written.
type Result struct {
	Job Job
	Err error
}

// Transform turns one input into the outputs of a batch.
//
// Contract:
//   - A non-nil error means the batch failed as a whole (e.g. unreadable input);
//     the channel is ignored.
//   - Otherwise the channel yields one Result per job, in any order, and is
//     closed once every job has been reported.
type Transform interface {
	Transform(ctx context.Context, b Batch) (<-chan Result, error)
}

// TransformFunc adapts a function to Transform.
type TransformFunc func(ctx context.Context, b Batch) (<-chan Result, error)

func (f TransformFunc) Transform(ctx context.Context, b Batch) (<-chan Result, error) {
	return f(ctx, b)
}

// ExistsFunc reports whether an output is already present in the durable store.
type ExistsFunc func(outputPath string) bool

// Tracker receives per-unit bookkeeping. Calls are made while the scheduler
// holds internal locks for Create, so implementations must not block for long.
type Tracker interface {
	Create(unitID, description string, images int)
	Update(unitID string, images int)
	Progress(unitID string, finished int)
	End(unitID string)
}

// Progress renders overall backlog progress.
type Progress interface {
	Start()
	SetTotal(n int)
	Tick()
	Done()
}

// Config wires a Scheduler. Transform is required; everything else has a default.
type Config struct {
	// Workers is the number of batches executed concurrently. 0 means 1.
	Workers int

	Transform Transform
	Exists    ExistsFunc

	Tracker  Tracker
	Progress Progress
	Metrics  *Metrics

	Log logx.Logger
	Bus eventbus.Bus
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Workers        int
	Backlog        int
	PendingInputs  int
	PendingOutputs int
	QueueLen       int
	Running        int
	Closed         bool
}

// Event types published on Config.Bus.
const (
	EventJobQueued     = "job.queued"
	EventJobJoined     = "job.joined"
	EventJobCached     = "job.cached"
	EventBatchStarted  = "batch.started"
	EventBatchFinished = "batch.finished"
	EventBatchFailed   = "batch.failed"
	EventBatchEmpty    = "batch.empty"
	EventOutputFailed  = "output.failed"
	EventQueueDrained  = "queue.drained"
)

// BatchEvent is the payload of batch.* events.
type BatchEvent struct {
	ID       string `json:"id"`
	Input    string `json:"input"`
	Outputs  int    `json:"outputs"`
	Failed   int    `json:"failed,omitempty"`
	Duration int64  `json:"duration_ms,omitempty"`
	Error    string `json:"error,omitempty"`
}

// JobEvent is the payload of job.* and output.* events.
type JobEvent struct {
	Input  string `json:"input"`
	Output string `json:"output"`
	Error  string `json:"error,omitempty"`
}
