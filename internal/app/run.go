package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"

	"thumbq/internal/manifest"
	"thumbq/internal/scheduler"
	logx "thumbq/pkg/logx"
)

// ErrOutputsFailed is returned by Run when at least one output failed.
var ErrOutputsFailed = errors.New("some outputs failed")

// maxReportedErrors bounds the errors carried in a Summary.
const maxReportedErrors = 5

// Summary describes one Run.
type Summary struct {
	Jobs     int
	Outputs  int // distinct output paths
	Existing int // already present before the run
	Written  int
	Failed   int
	Took     time.Duration
	Errors   []error
}

func (s Summary) String() string {
	return fmt.Sprintf("%s outputs (%s jobs): %s written, %s existing, %s failed in %s",
		humanize.Comma(int64(s.Outputs)),
		humanize.Comma(int64(s.Jobs)),
		humanize.Comma(int64(s.Written)),
		humanize.Comma(int64(s.Existing)),
		humanize.Comma(int64(s.Failed)),
		s.Took.Round(time.Millisecond),
	)
}

// Run loads the manifest, submits every job and waits for all of them.
// Outputs shared between jobs are produced once.
func (a *App) Run(ctx context.Context, manifestPath string) (Summary, error) {
	start := time.Now()
	var sum Summary

	m, err := manifest.Load(manifestPath)
	if err != nil {
		return sum, err
	}
	jobs, err := manifest.Expand(m, a.outRoot)
	if err != nil {
		return sum, err
	}
	sum.Jobs = len(jobs)

	if a.drainTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.drainTimeout)
		defer cancel()
	}

	futures := make(map[string]*scheduler.Future, len(jobs))
	for _, job := range jobs {
		if _, ok := futures[job.OutputPath]; ok {
			continue
		}
		if a.exists(job.OutputPath) {
			sum.Existing++
		}
		f, err := a.sched.Submit(job)
		if err != nil {
			return sum, fmt.Errorf("submit %s: %w", job.OutputPath, err)
		}
		futures[job.OutputPath] = f
	}
	sum.Outputs = len(futures)

	for _, f := range futures {
		_, err := f.Wait(ctx)
		switch {
		case err == nil:
		case ctx.Err() != nil:
			sum.Took = time.Since(start)
			return sum, fmt.Errorf("waiting for outputs: %w", ctx.Err())
		default:
			sum.Failed++
			if len(sum.Errors) < maxReportedErrors {
				sum.Errors = append(sum.Errors, err)
			}
		}
	}
	sum.Written = sum.Outputs - sum.Existing - sum.Failed
	sum.Took = time.Since(start)

	fields := []logx.Field{
		logx.Int("outputs", sum.Outputs),
		logx.Int("written", sum.Written),
		logx.Int("existing", sum.Existing),
		logx.Int("failed", sum.Failed),
		logx.Duration("took", sum.Took),
	}
	if sum.Failed > 0 {
		a.log.Warn("run finished with failures", append(fields, logx.Err(errors.Join(sum.Errors...)))...)
		return sum, fmt.Errorf("%w: %d of %d", ErrOutputsFailed, sum.Failed, sum.Outputs)
	}
	a.log.Info("run finished", fields...)
	return sum, nil
}
