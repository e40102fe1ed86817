package scheduler

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidJob    = errors.New("invalid job")
	ErrClosed        = errors.New("scheduler closed")
	ErrNoTransform   = errors.New("scheduler transform is required")
	ErrOutputMissing = errors.New("transform did not report output")
	ErrAborted       = errors.New("batch aborted before its outputs settled")
)

func invalidJob(reason string) error {
	return fmt.Errorf("%w: %s", ErrInvalidJob, reason)
}

// OutputError rejects a single output whose transform failed.
// Sibling outputs of the same batch are not affected.
type OutputError struct {
	Input  string
	Output string
	Err    error
}

func (e *OutputError) Error() string {
	return fmt.Sprintf("failed to process image %s -> %s: %v", e.Input, e.Output, e.Err)
}

func (e *OutputError) Unwrap() error { return e.Err }

// BatchError rejects every output of a batch whose transform could not run.
type BatchError struct {
	BatchID string
	Input   string
	Err     error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("failed to process image %s: %v", e.Input, e.Err)
}

func (e *BatchError) Unwrap() error { return e.Err }
