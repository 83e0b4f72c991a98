package handlers

import (
	"context"
	"sync"

	"github.com/voicelane/voicelane/internal/domain"
)

// Result is what an execution handler reports back. Data is merged into the
// task output under the merge-only policy; Status is the status the worker
// should move the task to. A handler that leaves work in flight (a call
// that has been placed but not yet ended) returns StatusProcessing.
type Result struct {
	Status domain.Status
	Data   map[string]any
	// Kind classifies the failure when Status is failed. The worker records
	// it on the output so recovery does not have to re-parse error strings.
	Kind domain.ErrorKind
}

// Handler executes a task of a specific execution type.
type Handler interface {
	Handle(ctx context.Context, task *domain.Task) (Result, error)
	ExecutionType() domain.ExecutionType
}

// Registry maps execution types to their handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[domain.ExecutionType]Handler
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[domain.ExecutionType]Handler)}
}

// Register adds a handler. Safe to call concurrently.
func (r *Registry) Register(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[h.ExecutionType()] = h
}

// Get returns the handler for the given execution type.
// Returns UnknownExecutionTypeError if not registered.
func (r *Registry) Get(execType domain.ExecutionType) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[execType]
	if !ok {
		return nil, &domain.UnknownExecutionTypeError{ExecutionType: execType}
	}
	return h, nil
}
