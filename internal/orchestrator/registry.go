package orchestrator

import (
	"context"
	"sync"

	"github.com/strata-labs/researchd/internal/models"
)

// entry pairs a live task with its cancel hook. The task pointer is mutated
// only by the controller goroutine, under the entry lock so snapshot readers
// never observe a torn state.
type entry struct {
	mu        sync.Mutex
	task      *models.Task
	cancel    context.CancelFunc
	analytics *models.Analytics
}

// Registry indexes running and finished tasks for the API boundary.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

func (r *Registry) register(task *models.Task, cancel context.CancelFunc) *entry {
	e := &entry{task: task, cancel: cancel}
	r.mu.Lock()
	r.entries[task.ID] = e
	r.mu.Unlock()
	return e
}

func (r *Registry) get(id string) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	return e, ok
}

// Snapshot returns a deep copy of the task's current state.
func (r *Registry) Snapshot(id string) (models.Task, bool) {
	e, ok := r.get(id)
	if !ok {
		return models.Task{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.task.Snapshot(), true
}

// Analytics returns the end-of-run aggregates, present only once the task
// completed.
func (r *Registry) Analytics(id string) (models.Analytics, bool) {
	e, ok := r.get(id)
	if !ok {
		return models.Analytics{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.analytics == nil {
		return models.Analytics{}, false
	}
	return *e.analytics, true
}

// Cancel requests cancellation of a running task. Returns false for unknown
// IDs; cancelling a finished task is a no-op.
func (r *Registry) Cancel(id string) bool {
	e, ok := r.get(id)
	if !ok {
		return false
	}
	e.cancel()
	return true
}
