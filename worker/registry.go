package worker

import (
	"context"
	"fmt"
	"sync"
	"time"
)

var ErrTaskAlreadyRunning = fmt.Errorf("task already running")

type taskHandle struct {
	cancel    context.CancelFunc
	startedAt time.Time
}

// Registry tracks the task instances currently executing on this worker,
// keyed by the stable task name. A second start for a running name is
// rejected so that a redispatched task never runs twice concurrently.
type Registry struct {
	mu    sync.Mutex
	tasks map[string]*taskHandle
}

func NewRegistry() *Registry {
	return &Registry{
		tasks: make(map[string]*taskHandle),
	}
}

// Start claims the task name and returns the context its execution should run
// under. Abort cancels that context; Finish must be called when execution
// ends, on every path.
func (r *Registry) Start(name string, deadline time.Duration) (context.Context, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, running := r.tasks[name]; running {
		return nil, ErrTaskAlreadyRunning
	}

	ctx := context.Background()
	var cancel context.CancelFunc
	if deadline > 0 {
		ctx, cancel = context.WithTimeout(ctx, deadline)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	r.tasks[name] = &taskHandle{cancel: cancel, startedAt: time.Now()}
	return ctx, nil
}

// Finish releases the task name so a later redispatch can run again.
func (r *Registry) Finish(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if handle, ok := r.tasks[name]; ok {
		handle.cancel()
		delete(r.tasks, name)
	}
}

// Abort cancels the named task's context if it is running. Returns false for
// unknown names, so callers can answer 404 for tasks that never started here.
func (r *Registry) Abort(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	handle, ok := r.tasks[name]
	if !ok {
		return false
	}
	handle.cancel()
	return true
}

func (r *Registry) InFlight() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}
