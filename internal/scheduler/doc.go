// Package scheduler deduplicates and batches derivative-generation jobs.
//
// Callers Submit jobs (input path -> output path) and get back a Future that
// settles when that exact output exists or has failed. The scheduler:
//
//   - never redoes work whose output already exists (ExistsFunc)
//   - shares one Future between identical pending (input, output) requests
//   - groups every pending output of one input into a single Transform call
//   - runs batches through a FIFO queue with Config.Workers workers (default 1)
//
// Pending entries are read from the registry lazily, when a worker dequeues the
// unit for an input. Outputs submitted after a unit is queued but before it
// starts join that batch; outputs submitted after it starts open a new one.
//
// Lifecycle: New -> Start -> Submit* -> Drain/Close.
package scheduler
