// Package handler defines the per-state handler contract and the
// name-to-function registry external binders populate before a workflow
// is built. The core consumes handlers; it never discovers or parses
// them (spec: "declarative configuration file parsing... are external
// collaborators").
package handler

import (
	"context"
	"fmt"
	"sync"

	"github.com/quadgate/sred/pkg/event"
)

// StepResult is the outcome of running one state's handler. Data is
// merged into the instance's localState on success.
type StepResult struct {
	Success bool
	Data    map[string]interface{}
	Error   error
}

// Succeed builds a successful StepResult carrying data to merge.
func Succeed(data map[string]interface{}) StepResult {
	return StepResult{Success: true, Data: data}
}

// Fail builds a failed StepResult carrying the cause.
func Fail(err error) StepResult {
	return StepResult{Success: false, Error: err}
}

// StateContext is the minimal view of per-instance context a handler
// needs: read access to local/global state. The triggering event is
// passed to Func as a separate argument.
// pkg/sredcontext.StateContext satisfies this interface.
type StateContext interface {
	GetLocal(key string) (interface{}, bool)
	GetGlobal(key string) (interface{}, bool)
}

// Func is invoked when the executor enters a state. Absence of a bound
// Func for a state means "no behaviour" (spec §9): the executor treats
// that as an automatic success.
type Func func(ctx context.Context, evt event.Event, stateCtx StateContext) (StepResult, error)

// Registry resolves handler functions by name. External binders
// register named functions; pkg/engine's Builder.Build looks them up and
// attaches each to the state whose id matches its name. The workflow
// builder's Bind takes a Func directly and does not consult a Registry.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Func
}

// NewRegistry returns an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Func)}
}

// Register binds a name to a handler function. Re-registering a name
// overwrites the previous binding.
func (r *Registry) Register(name string, fn Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = fn
}

// Resolve looks up a handler function by name.
func (r *Registry) Resolve(name string) (Func, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.handlers[name]
	if !ok {
		return nil, fmt.Errorf("handler: unresolved handler name %q", name)
	}
	return fn, nil
}

// Names returns the currently registered handler names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for n := range r.handlers {
		names = append(names, n)
	}
	return names
}
