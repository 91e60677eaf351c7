package workflow

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/BaSui01/fabflow/types"
)

// Executor performs the work behind a step. It receives a copy of the step
// and a snapshot of the execution context, and returns the outputs to merge
// back into the context. Executors are retried on any error, so they must be
// safe to call again; returning a *types.Error lets them classify failures.
type Executor interface {
	Execute(ctx context.Context, step Step, input map[string]string) (map[string]string, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, step Step, input map[string]string) (map[string]string, error)

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, step Step, input map[string]string) (map[string]string, error) {
	return f(ctx, step, input)
}

// Registry maps module names to executors. It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[string]Executor)}
}

// Register binds name to executor, replacing any previous binding.
func (r *Registry) Register(name string, executor Executor) error {
	if strings.TrimSpace(name) == "" {
		return types.NewError(types.ErrValidation, "module name is required")
	}
	if executor == nil {
		return types.Errorf(types.ErrValidation, "executor for module %q is nil", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[name] = executor
	return nil
}

// Unregister removes the executor bound to name.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.executors[name]
	delete(r.executors, name)
	return ok
}

// Lookup returns the executor bound to name.
func (r *Registry) Lookup(name string) (Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.executors[name]
	return e, ok
}

// Names returns the registered module names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.executors))
}

// checkModules reports every module of flow that has no executor.
func (r *Registry) checkModules(flow *Flow) error {
	var missing []string
	for _, m := range flow.Modules() {
		if _, ok := r.Lookup(m); !ok {
			missing = append(missing, m)
		}
	}
	if len(missing) > 0 {
		return types.NewError(types.ErrUnknownModule,
			fmt.Sprintf("flow %s references unregistered modules: %s", flow.Name, strings.Join(missing, ", ")))
	}
	return nil
}
