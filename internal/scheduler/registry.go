package scheduler

import "sort"

type pendingEntry struct {
	job Job
	w   *waiter
	seq uint64
}

// registry tracks outputs whose batch is queued but not yet started.
//
// Keys are raw identities at both levels, so path characters never collide
// with a separator. Not safe for concurrent use; Scheduler.mu guards it.
type registry struct {
	byInput map[string]map[string]*pendingEntry
	outputs int
	seq     uint64
}

func newRegistry() *registry {
	return &registry{byInput: map[string]map[string]*pendingEntry{}}
}

func (r *registry) lookup(input, output string) *pendingEntry {
	return r.byInput[input][output]
}

func (r *registry) hasInput(input string) bool {
	return len(r.byInput[input]) > 0
}

func (r *registry) insert(job Job, w *waiter) *pendingEntry {
	outs := r.byInput[job.InputPath]
	if outs == nil {
		outs = map[string]*pendingEntry{}
		r.byInput[job.InputPath] = outs
	}
	r.seq++
	e := &pendingEntry{job: job, w: w, seq: r.seq}
	outs[job.OutputPath] = e
	r.outputs++
	return e
}

// take removes and returns every entry for input in submission order.
func (r *registry) take(input string) []*pendingEntry {
	outs := r.byInput[input]
	delete(r.byInput, input)
	if len(outs) == 0 {
		return nil
	}
	entries := make([]*pendingEntry, 0, len(outs))
	for _, e := range outs {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	r.outputs -= len(entries)
	return entries
}

// drain removes everything. Used on Close.
func (r *registry) drain() []*pendingEntry {
	var all []*pendingEntry
	for input := range r.byInput {
		all = append(all, r.take(input)...)
	}
	return all
}

func (r *registry) inputs() int { return len(r.byInput) }
