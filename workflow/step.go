package workflow

import (
	"maps"
	"slices"
	"time"
)

// StepStatus is the runtime status of a step.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
	StepCancelled StepStatus = "cancelled"
)

// Finished reports whether the status is final for a run.
func (s StepStatus) Finished() bool {
	switch s {
	case StepCompleted, StepFailed, StepSkipped, StepCancelled:
		return true
	}
	return false
}

// Step is a unit of work delegated to the executor registered under ModuleName.
type Step struct {
	ID                 string         `json:"id"`
	ModuleName         string         `json:"module_name"`
	Description        string         `json:"description,omitempty"`
	Parameters         map[string]any `json:"parameters,omitempty"`
	Dependencies       []string       `json:"dependencies,omitempty"`
	DeclaredOutputs    []string       `json:"declared_outputs,omitempty"`
	ParallelCompatible bool           `json:"parallel_compatible"`
	MaxRetries         int            `json:"max_retries"`
	Timeout            time.Duration  `json:"timeout"`
	Optional           bool           `json:"optional"`
	EstimatedDuration  time.Duration  `json:"estimated_duration,omitempty"`
	// Priority orders submission within a wave under the parallel strategy.
	Priority int `json:"priority,omitempty"`

	// Runtime fields, owned by the run that holds this copy.
	Status       StepStatus        `json:"status"`
	StartTime    time.Time         `json:"start_time,omitempty"`
	EndTime      time.Time         `json:"end_time,omitempty"`
	RetryCount   int               `json:"retry_count"`
	ErrorMessage string            `json:"error_message,omitempty"`
	Outputs      map[string]string `json:"outputs,omitempty"`
}

// Clone returns a deep copy of the step.
func (s Step) Clone() Step {
	c := s
	c.Parameters = maps.Clone(s.Parameters)
	c.Dependencies = slices.Clone(s.Dependencies)
	c.DeclaredOutputs = slices.Clone(s.DeclaredOutputs)
	c.Outputs = maps.Clone(s.Outputs)
	return c
}

// resetRuntime clears the runtime fields so the step can start a fresh run.
func (s *Step) resetRuntime() {
	s.Status = StepPending
	s.StartTime = time.Time{}
	s.EndTime = time.Time{}
	s.RetryCount = 0
	s.ErrorMessage = ""
	s.Outputs = nil
}
