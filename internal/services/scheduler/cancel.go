package scheduler

import (
	"context"
	"sync"
)

// cancelRegistry holds the cancel function for every dispatched job. The
// function is registered before the job leaves pending and removed after the
// terminal transition, so any job observed as downloading or processing has
// a live token. Firing is idempotent: the first call cancels the pipeline
// context, later calls find nothing.
type cancelRegistry struct {
	mu     sync.Mutex
	cancel map[string]context.CancelFunc
}

func newCancelRegistry() *cancelRegistry {
	return &cancelRegistry{cancel: make(map[string]context.CancelFunc)}
}

func (r *cancelRegistry) Register(jobID string, fn context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancel[jobID] = fn
}

func (r *cancelRegistry) Remove(jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cancel, jobID)
}

// Fire cancels the job's pipeline context. Returns false when no token is
// registered, which means the job was never dispatched or already finished.
func (r *cancelRegistry) Fire(jobID string) bool {
	r.mu.Lock()
	fn, ok := r.cancel[jobID]
	if ok {
		delete(r.cancel, jobID)
	}
	r.mu.Unlock()

	if ok {
		fn()
	}
	return ok
}
