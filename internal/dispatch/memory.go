package dispatch

import (
	"context"
	"sync"
)

// MemoryDispatcher records enqueued jobs in order. Tests assert on the
// recorded jobs; local single-process runs can drain them with Drain.
type MemoryDispatcher struct {
	mu   sync.Mutex
	jobs []Job
}

func NewMemoryDispatcher() *MemoryDispatcher {
	return &MemoryDispatcher{}
}

func (d *MemoryDispatcher) Enqueue(ctx context.Context, job Job) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.jobs = append(d.jobs, job)
	return nil
}

// Jobs returns a copy of everything enqueued so far.
func (d *MemoryDispatcher) Jobs() []Job {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Job, len(d.jobs))
	copy(out, d.jobs)
	return out
}

// JobsNamed filters the recorded jobs by name.
func (d *MemoryDispatcher) JobsNamed(name string) []Job {
	var out []Job
	for _, job := range d.Jobs() {
		if job.Name == name {
			out = append(out, job)
		}
	}
	return out
}

// Drain removes and returns all recorded jobs.
func (d *MemoryDispatcher) Drain() []Job {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := d.jobs
	d.jobs = nil
	return out
}
