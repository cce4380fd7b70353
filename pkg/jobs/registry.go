package jobs

import (
	"context"
	"fmt"
	"sync"
)

// HandlerFunc processes a single job. Returning a non-nil error counts the
// invocation against the job's retry budget.
type HandlerFunc func(ctx context.Context, job *Job) error

// Registry maps (queue, name) pairs to handlers. The fallback poller resolves
// handlers by the job's name string because there is no persistent worker
// binding across process restarts.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]HandlerFunc)}
}

func handlerKey(queue, name string) string { return queue + "/" + name }

// Register binds a handler to a (queue, name) pair. Unknown queues and
// duplicate registrations are rejected so misconfigured processes fail at
// startup rather than silently dropping jobs.
func (r *Registry) Register(queue, name string, fn HandlerFunc) error {
	if !IsKnownQueue(queue) {
		return fmt.Errorf("unknown queue %q", queue)
	}
	if name == "" {
		return fmt.Errorf("handler name is required")
	}
	if fn == nil {
		return fmt.Errorf("handler for %s/%s is nil", queue, name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	key := handlerKey(queue, name)
	if _, dup := r.handlers[key]; dup {
		return fmt.Errorf("handler %s already registered", key)
	}
	r.handlers[key] = fn
	return nil
}

// Resolve looks up the handler for a job by its queue and name.
func (r *Registry) Resolve(queue, name string) (HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.handlers[handlerKey(queue, name)]
	return fn, ok
}
