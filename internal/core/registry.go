package core

import (
	"context"
	"log/slog"
	"sort"
	"sync"
)

// StepInput is everything a handler receives for one invocation.
type StepInput struct {
	RunID    string
	Pipeline string
	Step     string
	// Config is the step's configuration map, a private copy per invocation.
	Config map[string]any
	Event  Event
	// Workspace is the per-run working directory, or "" when the executor
	// was not given a workspace root.
	Workspace string
	Logger    *slog.Logger
}

// Handler is a step capability (checkout, toolchain install, coverage, upload...).
//
// Execute must honour ctx: it is cancelled when the step timeout fires.
// A non-nil error marks the step failed; the returned ExitInfo is recorded
// either way.
type Handler interface {
	Execute(ctx context.Context, in StepInput) (ExitInfo, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, in StepInput) (ExitInfo, error)

func (f HandlerFunc) Execute(ctx context.Context, in StepInput) (ExitInfo, error) {
	return f(ctx, in)
}

// Registry maps handler ids to capabilities. It is populated during process
// initialization and then frozen, after which it is read-only.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	frozen   bool
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds a handler under id.
func (r *Registry) Register(id string, h Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return ErrRegistryFrozen
	}
	if _, ok := r.handlers[id]; ok {
		return &DuplicateHandlerError{ID: id}
	}
	r.handlers[id] = h
	return nil
}

// MustRegister is Register for init-time wiring; it panics on error.
func (r *Registry) MustRegister(id string, h Handler) {
	if err := r.Register(id, h); err != nil {
		panic(err)
	}
}

// Resolve returns the handler registered under id.
func (r *Registry) Resolve(id string) (Handler, error) {
	r.mu.RLock()
	h, ok := r.handlers[id]
	r.mu.RUnlock()
	if !ok {
		return nil, &UnknownHandlerError{ID: id}
	}
	return h, nil
}

// Has reports whether id is registered.
func (r *Registry) Has(id string) bool {
	_, err := r.Resolve(id)
	return err == nil
}

// Freeze rejects all further registrations.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// IDs returns the registered handler ids, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for id := range r.handlers {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
