package workflow

import (
	"maps"
	"slices"
	"strings"

	"github.com/BaSui01/fabflow/types"
)

// ExecutionMode selects the strategy a flow runs under.
type ExecutionMode string

const (
	ModeSequential ExecutionMode = "sequential"
	ModeParallel   ExecutionMode = "parallel"
	ModePipeline   ExecutionMode = "pipeline"
	ModeBatch      ExecutionMode = "batch"
)

// ParseExecutionMode maps a mode name to an ExecutionMode. Unknown or empty
// names fall back to sequential.
func ParseExecutionMode(s string) ExecutionMode {
	switch m := ExecutionMode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeSequential, ModeParallel, ModePipeline, ModeBatch:
		return m
	default:
		return ModeSequential
	}
}

// Flow is a named, versioned collection of steps plus run policy.
type Flow struct {
	Name                string         `json:"name"`
	Version             string         `json:"version,omitempty"`
	Description         string         `json:"description,omitempty"`
	Steps               []Step         `json:"steps"`
	GlobalParameters    map[string]any `json:"global_parameters,omitempty"`
	ExecutionMode       ExecutionMode  `json:"execution_mode"`
	MaxParallelSteps    int            `json:"max_parallel_steps,omitempty"`
	AllowPartialFailure bool           `json:"allow_partial_failure"`
}

// Clone returns a deep copy of the flow.
func (f *Flow) Clone() *Flow {
	if f == nil {
		return nil
	}
	c := *f
	c.GlobalParameters = maps.Clone(f.GlobalParameters)
	c.Steps = make([]Step, len(f.Steps))
	for i, s := range f.Steps {
		c.Steps[i] = s.Clone()
	}
	return &c
}

// Step returns the step with the given id.
func (f *Flow) Step(id string) (*Step, bool) {
	for i := range f.Steps {
		if f.Steps[i].ID == id {
			return &f.Steps[i], true
		}
	}
	return nil, false
}

// StepIDs returns the step ids in declaration order.
func (f *Flow) StepIDs() []string {
	ids := make([]string, len(f.Steps))
	for i, s := range f.Steps {
		ids[i] = s.ID
	}
	return ids
}

// Modules returns the distinct module names referenced by the flow, sorted.
func (f *Flow) Modules() []string {
	seen := make(map[string]struct{}, len(f.Steps))
	for _, s := range f.Steps {
		seen[s.ModuleName] = struct{}{}
	}
	return slices.Sorted(maps.Keys(seen))
}

// Validate checks the structural invariants of the flow: a name, at least one
// step, unique step ids, no dangling dependencies and no cycles.
func (f *Flow) Validate() error {
	if f == nil {
		return types.NewError(types.ErrValidation, "flow is nil")
	}
	if strings.TrimSpace(f.Name) == "" {
		return types.NewError(types.ErrValidation, "flow name is required")
	}
	if len(f.Steps) == 0 {
		return types.Errorf(types.ErrValidation, "flow %s has no steps", f.Name)
	}
	for _, s := range f.Steps {
		if strings.TrimSpace(s.ID) == "" {
			return types.Errorf(types.ErrValidation, "flow %s: step id is required", f.Name)
		}
		if strings.TrimSpace(s.ModuleName) == "" {
			return types.Errorf(types.ErrValidation, "flow %s: module name is required", f.Name).WithStep(s.ID)
		}
		if s.MaxRetries < 0 || s.Timeout < 0 {
			return types.Errorf(types.ErrValidation, "flow %s: retries and timeout must be non-negative", f.Name).WithStep(s.ID)
		}
	}
	if f.MaxParallelSteps < 0 {
		return types.Errorf(types.ErrValidation, "flow %s: max parallel steps must be non-negative", f.Name)
	}
	if _, err := Resolve(f.Steps, nil); err != nil {
		return err
	}
	return nil
}
