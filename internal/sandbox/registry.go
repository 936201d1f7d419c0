package sandbox

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ActiveCall describes one in-flight execution.
type ActiveCall struct {
	ID        string    `json:"id"`
	Command   []string  `json:"command"`
	Dir       string    `json:"dir"`
	StartedAt time.Time `json:"started_at"`
}

type registryEntry struct {
	call   ActiveCall
	cancel context.CancelFunc
}

// Registry maps call IDs to in-flight executions so they can be cancelled
// from outside the call. It is mutated only at spawn and at reap.
type Registry struct {
	mu      sync.Mutex
	entries map[string]registryEntry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]registryEntry)}
}

func (r *Registry) add(call ActiveCall, cancel context.CancelFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[call.ID]; exists {
		return fmt.Errorf("call %q is already running", call.ID)
	}
	r.entries[call.ID] = registryEntry{call: call, cancel: cancel}
	return nil
}

func (r *Registry) remove(id string) {
	r.mu.Lock()
	delete(r.entries, id)
	r.mu.Unlock()
}

// Cancel triggers termination of the call with the given ID. The call's
// own goroutine performs the termination and reaping. Returns false if no
// such call is running.
func (r *Registry) Cancel(id string) bool {
	r.mu.Lock()
	e, ok := r.entries[id]
	r.mu.Unlock()
	if ok {
		e.cancel()
	}
	return ok
}

// CancelAll cancels every in-flight call and returns how many were signalled.
func (r *Registry) CancelAll() int {
	r.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(r.entries))
	for _, e := range r.entries {
		cancels = append(cancels, e.cancel)
	}
	r.mu.Unlock()
	for _, c := range cancels {
		c()
	}
	return len(cancels)
}

// Active returns a snapshot of in-flight calls ordered by start time.
func (r *Registry) Active() []ActiveCall {
	r.mu.Lock()
	out := make([]ActiveCall, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.call)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Len returns the number of in-flight calls.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
