package runtime

import (
	"context"
	"fmt"
	"sync"
)

// HandlerFunc processes one claimed job. The context is cancelled on abort
// (shutdown or cooperative timeout); the JobContext exposes progress, timer
// control and the durable step primitives.
type HandlerFunc func(ctx context.Context, job *JobContext) error

type handlerKind int

const (
	kindFunc handlerKind = iota
	kindIsolatedFunc
	kindCommand
)

type handlerEntry struct {
	kind handlerKind
	fn   HandlerFunc

	// command handlers: executable plus fixed args, payload JSON on stdin
	path string
	args []string
}

// Registry maps job types to their handlers. Registration normally happens
// at startup before the processor starts, but the registry is safe for
// concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]handlerEntry
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]handlerEntry)}
}

// Register binds a cooperative in-process handler to a job type. Jobs of
// this type requesting forced kill are rejected at dispatch: only handlers
// registered through RegisterIsolated or RegisterCommand may be force-killed.
func (r *Registry) Register(jobType string, fn HandlerFunc) error {
	return r.add(jobType, handlerEntry{kind: kindFunc, fn: fn})
}

// RegisterIsolated binds an in-process handler that may run behind a hard
// timeout boundary. On timeout the handler goroutine is abandoned and its
// result discarded; the handler must not hold resources the process cannot
// reclaim.
func (r *Registry) RegisterIsolated(jobType string, fn HandlerFunc) error {
	return r.add(jobType, handlerEntry{kind: kindIsolatedFunc, fn: fn})
}

// RegisterCommand binds a subprocess handler: the executable receives the
// job payload as JSON on stdin and is killed outright on timeout.
func (r *Registry) RegisterCommand(jobType, path string, args ...string) error {
	if path == "" {
		return fmt.Errorf("register %q: empty command path", jobType)
	}
	return r.add(jobType, handlerEntry{kind: kindCommand, path: path, args: args})
}

func (r *Registry) add(jobType string, e handlerEntry) error {
	if jobType == "" {
		return fmt.Errorf("register: empty job type")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[jobType]; ok {
		return fmt.Errorf("register %q: handler already registered", jobType)
	}
	r.handlers[jobType] = e
	return nil
}

func (r *Registry) lookup(jobType string) (handlerEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.handlers[jobType]
	return e, ok
}

// JobTypes returns the registered job types, for processor claim filters.
func (r *Registry) JobTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	return out
}
