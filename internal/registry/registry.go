// Package registry holds the mapping from a step's name to the
// handler that knows how to execute it (§9 "dynamic dispatch ... port as a
// mutex-guarded map keyed by name, not a registry framework"), grounded on
// the automation package's JobDispatcher adapter.
package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/r3e-network/workflow-engine/internal/domain"
)

// Handler executes a single step given its assembled input — the step's
// own Inputs, the task's shared Context, and its parents' Results keyed by
// name (§4.4 step 3). The returned JSONMap becomes the step's Results on
// success. An error return is treated as a step failure (§4.4 step 6).
type Handler interface {
	Handle(ctx context.Context, input domain.HandlerInput) (domain.JSONMap, error)
}

// HandlerFunc adapts a plain function to the Handler interface.
type HandlerFunc func(ctx context.Context, input domain.HandlerInput) (domain.JSONMap, error)

func (f HandlerFunc) Handle(ctx context.Context, input domain.HandlerInput) (domain.JSONMap, error) {
	return f(ctx, input)
}

// Registry is a mutex-guarded map from step name to Handler.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// New builds an empty Registry.
func New() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds name to handler, overwriting any prior binding.
func (r *Registry) Register(name string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = handler
}

// RegisterFunc is a convenience wrapper for Register(name, HandlerFunc(fn)).
func (r *Registry) RegisterFunc(name string, fn func(ctx context.Context, input domain.HandlerInput) (domain.JSONMap, error)) {
	r.Register(name, HandlerFunc(fn))
}

// Lookup returns the handler bound to name, or an error if none exists
// (a step naming an unregistered handler is a configuration error, not a
// retryable step failure).
func (r *Registry) Lookup(name string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	if !ok {
		return nil, fmt.Errorf("registry: no handler registered for %q", name)
	}
	return h, nil
}

// Names returns the currently registered handler names, for diagnostics.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		out = append(out, name)
	}
	return out
}
