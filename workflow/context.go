package workflow

import (
	"fmt"
	"maps"
	"sort"
	"sync"

	"github.com/BaSui01/fabflow/types"
)

// GlobalOwner owns the keys seeded from a flow's global parameters.
const GlobalOwner = "$global"

// ExecutionContext is the append-only key/value state threaded through one
// flow run. Every key records the step that wrote it; no step may overwrite
// a key owned by another writer.
type ExecutionContext struct {
	mu     sync.RWMutex
	values map[string]string
	owners map[string]string
}

// NewExecutionContext creates a context seeded with the stringified globals.
func NewExecutionContext(globals map[string]any) *ExecutionContext {
	c := &ExecutionContext{
		values: make(map[string]string, len(globals)),
		owners: make(map[string]string, len(globals)),
	}
	for k, v := range globals {
		c.values[k] = fmt.Sprint(v)
		c.owners[k] = GlobalOwner
	}
	return c
}

// Get returns the value stored under key.
func (c *ExecutionContext) Get(key string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.values[key]
	return v, ok
}

// Owner returns the writer of key, or "" when the key is absent.
func (c *ExecutionContext) Owner(key string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.owners[key]
}

// Set stores a single value on behalf of owner.
func (c *ExecutionContext) Set(owner, key, value string) error {
	return c.Merge(owner, map[string]string{key: value})
}

// Merge stores values on behalf of owner. Either all values are written or,
// when any key belongs to a different owner, none are.
func (c *ExecutionContext) Merge(owner string, values map[string]string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var conflicts []string
	for k := range values {
		if o, ok := c.owners[k]; ok && o != owner {
			conflicts = append(conflicts, k)
		}
	}
	if len(conflicts) > 0 {
		sort.Strings(conflicts)
		return types.Errorf(types.ErrContextConflict,
			"keys already written by another producer: %v", conflicts).WithStep(owner)
	}
	for k, v := range values {
		c.values[k] = v
		c.owners[k] = owner
	}
	return nil
}

// Snapshot returns a copy of the current values.
func (c *ExecutionContext) Snapshot() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return maps.Clone(c.values)
}

// Len returns the number of keys.
func (c *ExecutionContext) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.values)
}
