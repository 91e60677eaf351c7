package workflow

import (
	"slices"
	"sync"
	"time"

	"github.com/BaSui01/fabflow/types"
)

// State is the lifecycle state of an execution.
type State string

const (
	StateIdle         State = "idle"
	StateInitializing State = "initializing"
	StateRunning      State = "running"
	StatePaused       State = "paused"
	StateCompleted    State = "completed"
	StateError        State = "error"
	StateCancelled    State = "cancelled"
)

// Terminal reports whether s ends an execution.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateError || s == StateCancelled
}

var transitions = map[State][]State{
	StateIdle:         {StateInitializing},
	StateInitializing: {StateRunning, StateError, StateCancelled},
	StateRunning:      {StatePaused, StateCompleted, StateError, StateCancelled},
	StatePaused:       {StateRunning, StateCancelled},
	StateCompleted:    {StateIdle},
	StateError:        {StateIdle},
	StateCancelled:    {StateIdle},
}

// CanTransition reports whether from -> to is a legal transition.
func CanTransition(from, to State) bool {
	return slices.Contains(transitions[from], to)
}

// StepError is a step-scoped failure recorded during a run.
type StepError struct {
	StepID   string          `json:"step_id"`
	TargetID string          `json:"target_id,omitempty"`
	FlowID   string          `json:"flow_id,omitempty"`
	Message  string          `json:"message"`
	Code     types.ErrorCode `json:"code"`
	Severity types.Severity  `json:"severity"`
	Attempts int             `json:"attempts"`
	Time     time.Time       `json:"time"`
}

// Progress is a snapshot of an execution's progress.
type Progress struct {
	State State `json:"state"`
	// CurrentStepIndex counts the steps that have reached a final status.
	CurrentStepIndex int       `json:"current_step_index"`
	TotalSteps       int       `json:"total_steps"`
	Percentage       float64   `json:"percentage"`
	StartTime        time.Time `json:"start_time,omitempty"`
	EndTime          time.Time `json:"end_time,omitempty"`
	// CompletedSteps lists successfully completed step ids in completion order.
	// In batch runs an id appears once per target.
	CompletedSteps []string    `json:"completed_steps"`
	Errors         []StepError `json:"errors"`
}

// Clone returns a deep copy.
func (p Progress) Clone() Progress {
	c := p
	c.CompletedSteps = slices.Clone(p.CompletedSteps)
	c.Errors = slices.Clone(p.Errors)
	return c
}

// FilterErrors returns the errors at or above minLevel, in recorded order.
func FilterErrors(errs []StepError, minLevel types.Severity) []StepError {
	out := make([]StepError, 0, len(errs))
	for _, e := range errs {
		if e.Severity.AtLeast(minLevel) {
			out = append(out, e)
		}
	}
	return out
}

// stateMachine owns the lifecycle state and progress of one execution.
type stateMachine struct {
	mu       sync.RWMutex
	state    State
	progress Progress
	// final is the progress as of the last terminal transition; Reset does
	// not clear it.
	final Progress
}

func newStateMachine() *stateMachine {
	return &stateMachine{state: StateIdle, progress: Progress{State: StateIdle}}
}

func (m *stateMachine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// transition moves to the target state and returns the previous one.
func (m *stateMachine) transition(to State) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	from := m.state
	if !CanTransition(from, to) {
		return from, types.Errorf(types.ErrInvalidTransition, "cannot transition from %s to %s", from, to)
	}
	m.state = to
	now := time.Now()
	switch {
	case to == StateIdle:
		m.progress = Progress{}
	case to == StateInitializing:
		m.progress.StartTime = now
	case to.Terminal():
		m.progress.EndTime = now
	}
	m.progress.State = to
	if to.Terminal() {
		m.final = m.progress.Clone()
	}
	return from, nil
}

// addSteps grows the step total; finished counts steps restored from a checkpoint.
func (m *stateMachine) addSteps(total, finished int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.progress.TotalSteps += total
	m.progress.CurrentStepIndex += finished
	m.recalc()
}

// stepFinished records a step reaching a final status.
func (m *stateMachine) stepFinished(stepID string, completed bool, stepErr *StepError) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.progress.CurrentStepIndex++
	if completed {
		m.progress.CompletedSteps = append(m.progress.CompletedSteps, stepID)
	}
	if stepErr != nil {
		m.progress.Errors = append(m.progress.Errors, *stepErr)
	}
	m.recalc()
}

func (m *stateMachine) recordError(stepErr StepError) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.progress.Errors = append(m.progress.Errors, stepErr)
}

func (m *stateMachine) recalc() {
	if m.progress.TotalSteps == 0 {
		m.progress.Percentage = 0
		return
	}
	m.progress.Percentage = float64(m.progress.CurrentStepIndex) * 100 / float64(m.progress.TotalSteps)
}

func (m *stateMachine) Progress() Progress {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.progress.Clone()
}

// Final returns the progress recorded when the run reached a terminal state.
func (m *stateMachine) Final() Progress {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.final.Clone()
}

func (m *stateMachine) Errors(minLevel types.Severity) []StepError {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return FilterErrors(m.progress.Errors, minLevel)
}
