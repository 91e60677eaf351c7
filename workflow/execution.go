package workflow

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/BaSui01/fabflow/internal/pool"
	"github.com/BaSui01/fabflow/types"
)

// UnitResult is the final snapshot of one (flow, target) run.
type UnitResult struct {
	FlowID   string            `json:"flow_id"`
	TargetID string            `json:"target_id"`
	State    State             `json:"state"`
	Steps    []Step            `json:"steps"`
	Context  map[string]string `json:"context"`
}

// Result is the outcome of an execution.
type Result struct {
	ExecutionID string            `json:"execution_id"`
	State       State             `json:"state"`
	Units       []UnitResult      `json:"units"`
	Context     map[string]string `json:"context"`
	Errors      []StepError       `json:"errors"`
	Batch       []BatchResult     `json:"batch,omitempty"`
	Duration    time.Duration     `json:"duration"`
}

// Successes returns the per-item success flags of a batch execution.
func (r *Result) Successes() []bool {
	out := make([]bool, len(r.Batch))
	for i, b := range r.Batch {
		out[i] = b.Success
	}
	return out
}

// Step returns the final snapshot of a step in the first unit that has it.
func (r *Result) Step(id string) (Step, bool) {
	for _, u := range r.Units {
		for _, s := range u.Steps {
			if s.ID == id {
				return s, true
			}
		}
	}
	return Step{}, false
}

// unit is one (flow, target) run inside an execution.
type unit struct {
	flow     *Flow
	target   string
	ectx     *ExecutionContext
	waves    []Wave
	throttle *rate.Sometimes

	mu        sync.Mutex
	steps     map[string]*Step
	completed []CompletedStep
	fatal     error
	cancelled bool
	started   bool
	state     State
}

// newUnit prepares a private copy of flow for a run, restoring cp when given.
func newUnit(flow *Flow, target string, cp *Checkpoint) (*unit, error) {
	f := flow.Clone()
	u := &unit{
		flow:   f,
		target: target,
		ectx:   NewExecutionContext(f.GlobalParameters),
		steps:  make(map[string]*Step, len(f.Steps)),
	}
	for i := range f.Steps {
		s := &f.Steps[i]
		s.resetRuntime()
		u.steps[s.ID] = s
	}

	var done map[string]bool
	if cp != nil {
		done = cp.Completed()
		for _, c := range cp.CompletedSteps {
			s := u.steps[c.StepID]
			s.Status = StepCompleted
			s.Outputs = maps.Clone(c.Outputs)
			if err := u.ectx.Merge(c.StepID, c.Outputs); err != nil {
				return nil, types.NewError(types.ErrCheckpointMismatch, "checkpoint outputs conflict with flow").WithCause(err)
			}
			u.completed = append(u.completed, CompletedStep{StepID: c.StepID, Outputs: maps.Clone(c.Outputs)})
		}
	}

	waves, err := Resolve(f.Steps, done)
	if err != nil {
		return nil, err
	}
	u.waves = waves
	return u, nil
}

func (u *unit) failed() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.fatal != nil
}

func (u *unit) markCancelled() {
	u.mu.Lock()
	u.cancelled = true
	u.mu.Unlock()
}

func (u *unit) snapshotSteps() []Step {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]Step, len(u.flow.Steps))
	for i := range u.flow.Steps {
		out[i] = u.flow.Steps[i].Clone()
	}
	return out
}

func (u *unit) checkpoint(progress Progress) *Checkpoint {
	u.mu.Lock()
	defer u.mu.Unlock()
	cp := &Checkpoint{
		FlowID:      u.flow.Name,
		FlowVersion: u.flow.Version,
		TargetID:    u.target,
		StepIDs:     u.flow.StepIDs(),
		Progress:    progress,
		CreatedAt:   time.Now().UTC(),
	}
	cp.CompletedSteps = make([]CompletedStep, len(u.completed))
	for i, c := range u.completed {
		cp.CompletedSteps[i] = CompletedStep{StepID: c.StepID, Outputs: maps.Clone(c.Outputs)}
	}
	return cp
}

func (u *unit) result() UnitResult {
	steps := u.snapshotSteps()
	u.mu.Lock()
	state := u.state
	u.mu.Unlock()
	return UnitResult{
		FlowID:   u.flow.Name,
		TargetID: u.target,
		State:    state,
		Steps:    steps,
		Context:  u.ectx.Snapshot(),
	}
}

// Execution is the handle of a running flow or batch.
type Execution struct {
	id     string
	o      *Orchestrator
	sm     *stateMachine
	logger *zap.Logger
	ctx    context.Context
	span   trace.Span
	stop   func() bool

	mu              sync.Mutex
	cond            *sync.Cond
	pauseRequested  bool
	cancelRequested bool
	units           []*unit
	batch           []BatchResult

	started time.Time
	done    chan struct{}
	result  *Result
	err     error
}

func newExecution(o *Orchestrator, id string) *Execution {
	e := &Execution{
		id:     id,
		o:      o,
		sm:     newStateMachine(),
		logger: o.logger.With(zap.String("execution_id", id)),
		done:   make(chan struct{}),
	}
	e.cond = sync.NewCond(&e.mu)
	return e
}

// ID returns the execution id.
func (e *Execution) ID() string { return e.id }

// State returns the current lifecycle state.
func (e *Execution) State() State { return e.sm.State() }

// Progress returns a snapshot of the progress.
func (e *Execution) Progress() Progress { return e.sm.Progress() }

// Errors returns recorded errors at or above minLevel.
func (e *Execution) Errors(minLevel types.Severity) []StepError { return e.sm.Errors(minLevel) }

// Done is closed when the execution reaches a terminal state.
func (e *Execution) Done() <-chan struct{} { return e.done }

// Wait blocks until the execution finishes or ctx is done. It returns a
// CANCELLED error for cancelled runs and the fatal step error for failed ones.
func (e *Execution) Wait(ctx context.Context) (*Result, error) {
	select {
	case <-e.done:
		return e.result, e.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Pause asks the run to pause at its next step or wave boundary.
func (e *Execution) Pause() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.sm.State()
	if st == StateIdle || st.Terminal() || e.cancelRequested {
		return types.Errorf(types.ErrInvalidTransition, "cannot pause execution in state %s", st)
	}
	e.pauseRequested = true
	return nil
}

// Resume releases a paused run, or withdraws a pause not yet observed.
func (e *Execution) Resume() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.pauseRequested {
		return types.Errorf(types.ErrInvalidTransition, "cannot resume execution in state %s", e.sm.State())
	}
	e.pauseRequested = false
	e.cond.Broadcast()
	return nil
}

// Cancel asks the run to stop at its next boundary. A paused run wakes up to
// observe the request.
func (e *Execution) Cancel() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.sm.State()
	if st == StateIdle || st.Terminal() {
		return types.Errorf(types.ErrInvalidTransition, "cannot cancel execution in state %s", st)
	}
	e.cancelRequested = true
	e.cond.Broadcast()
	return nil
}

func (e *Execution) cancelled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cancelRequested
}

// Steps returns a snapshot of the steps of the current unit.
func (e *Execution) Steps() []Step {
	if u := e.currentUnit(); u != nil {
		return u.snapshotSteps()
	}
	return nil
}

// Context returns a snapshot of the current unit's execution context.
func (e *Execution) Context() map[string]string {
	if u := e.currentUnit(); u != nil {
		return u.ectx.Snapshot()
	}
	return map[string]string{}
}

// Checkpoint saves and returns a checkpoint of the current unit.
func (e *Execution) Checkpoint(ctx context.Context) (*Checkpoint, error) {
	u := e.currentUnit()
	if u == nil {
		return nil, types.NewError(types.ErrInvalidTransition, "execution has no run to checkpoint")
	}
	cp := u.checkpoint(e.sm.Progress())
	if err := e.o.checkpoints.Save(ctx, cp); err != nil {
		return nil, err
	}
	e.emit(Event{Type: EventCheckpointSaved, FlowID: cp.FlowID, TargetID: cp.TargetID})
	return cp, nil
}

func (e *Execution) currentUnit() *unit {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.units) == 0 {
		return nil
	}
	return e.units[len(e.units)-1]
}

func (e *Execution) addUnit(u *unit) {
	e.mu.Lock()
	e.units = append(e.units, u)
	e.mu.Unlock()
	e.sm.addSteps(len(u.flow.Steps), len(u.completed))
}

func (e *Execution) emit(ev Event) {
	ev.ExecutionID = e.id
	e.o.events.emit(ev)
}

// setState transitions the state machine and publishes the change.
func (e *Execution) setState(to State) error {
	from, err := e.sm.transition(to)
	if err != nil {
		e.logger.Debug("state transition rejected", zap.String("from", string(from)), zap.String("to", string(to)))
		return err
	}
	e.logger.Info("execution state changed",
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	)
	p := e.sm.Progress()
	e.emit(Event{Type: EventStateChanged, State: to, PrevState: from, Progress: &p})
	return nil
}

// boundary blocks while a pause is requested and reports whether the run
// may continue. It returns false once cancellation has been requested.
func (e *Execution) boundary() bool {
	e.mu.Lock()
	for e.pauseRequested && !e.cancelRequested {
		if e.sm.State() == StateRunning {
			e.mu.Unlock()
			_ = e.setState(StatePaused)
			e.mu.Lock()
			continue
		}
		e.cond.Wait()
	}
	cancelled := e.cancelRequested
	paused := e.sm.State() == StatePaused
	e.mu.Unlock()

	if paused && !cancelled {
		_ = e.setState(StateRunning)
	}
	return !cancelled
}

func (e *Execution) parallelism(flow *Flow) int {
	if flow.MaxParallelSteps > 0 {
		return flow.MaxParallelSteps
	}
	return max(e.o.cfg.MaxParallelSteps, 1)
}

func (e *Execution) newPool(size int) *pool.WorkerPool {
	return pool.New(pool.Config{
		Size: size,
		PanicHandler: func(r any) {
			e.logger.Error("worker panic", zap.Any("panic", r))
		},
	})
}

// maybeCheckpoint writes a throttled checkpoint of u at a boundary.
func (e *Execution) maybeCheckpoint(u *unit) {
	if !e.o.checkpoints.Enabled() {
		return
	}
	u.throttle.Do(func() { e.saveCheckpoint(u) })
}

func (e *Execution) saveCheckpoint(u *unit) {
	cp := u.checkpoint(e.sm.Progress())
	if err := e.o.checkpoints.Save(e.ctx, cp); err != nil {
		return
	}
	e.emit(Event{Type: EventCheckpointSaved, FlowID: cp.FlowID, TargetID: cp.TargetID})
}

// finishUnit settles the outcome of u and its checkpoint.
func (e *Execution) finishUnit(u *unit) {
	u.mu.Lock()
	switch {
	case u.fatal != nil:
		u.state = StateError
	case u.cancelled:
		u.state = StateCancelled
		for _, s := range u.steps {
			if s.Status == StepPending {
				s.Status = StepCancelled
			}
		}
	default:
		u.state = StateCompleted
	}
	state := u.state
	u.mu.Unlock()

	if state == StateCompleted {
		if err := e.o.checkpoints.Delete(e.ctx, u.flow.Name, u.target); err != nil {
			e.logger.Warn("failed to discard checkpoint", zap.String("flow", u.flow.Name), zap.Error(err))
		}
		return
	}
	if e.o.checkpoints.Enabled() {
		e.saveCheckpoint(u)
	}
}

// runFlow drives a single (flow, target) execution.
func (e *Execution) runFlow(flow *Flow, target string, cp *Checkpoint) {
	defer e.finish()

	u, err := newUnit(flow, target, cp)
	if err != nil {
		e.err = err
		_ = e.setState(StateError)
		return
	}
	u.throttle = e.o.checkpoints.throttle()
	u.started = true
	e.addUnit(u)

	if !e.boundaryBeforeStart() {
		u.markCancelled()
		e.finishUnit(u)
		e.err = types.NewError(types.ErrCancelled, "execution cancelled")
		_ = e.setState(StateCancelled)
		return
	}

	e.runUnit(u)
	e.finishUnit(u)

	switch u.state {
	case StateError:
		e.err = u.fatal
		_ = e.setState(StateError)
	case StateCancelled:
		e.err = types.NewError(types.ErrCancelled, "execution cancelled")
		_ = e.setState(StateCancelled)
	default:
		_ = e.setState(StateCompleted)
	}
}

// boundaryBeforeStart moves an initializing run to running unless it was
// cancelled first.
func (e *Execution) boundaryBeforeStart() bool {
	if e.cancelled() {
		return false
	}
	return e.setState(StateRunning) == nil
}

// runUnit runs u under its flow's strategy.
func (e *Execution) runUnit(u *unit) {
	ctx, span := e.o.tracer.Start(e.ctx, "workflow.unit", trace.WithAttributes(
		attribute.String("flow", u.flow.Name),
		attribute.String("target", u.target),
		attribute.String("mode", string(u.flow.ExecutionMode)),
		attribute.Int("waves", len(u.waves)),
	))
	defer span.End()

	strategyFor(u.flow.ExecutionMode).run(ctx, e, u)

	if err := u.fatalErr(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

func (u *unit) fatalErr() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.fatal
}

func (e *Execution) finish() {
	if e.stop != nil {
		e.stop()
	}

	e.mu.Lock()
	units := slices.Clone(e.units)
	batch := slices.Clone(e.batch)
	e.mu.Unlock()

	// An observer may already have reset the orchestrator.
	final := e.sm.Final()
	res := &Result{
		ExecutionID: e.id,
		State:       final.State,
		Errors:      final.Errors,
		Batch:       batch,
		Duration:    time.Since(e.started),
		Context:     map[string]string{},
	}
	for _, u := range units {
		res.Units = append(res.Units, u.result())
	}
	if len(res.Units) > 0 {
		res.Context = res.Units[len(res.Units)-1].Context
	}
	e.result = res

	if e.err != nil {
		e.span.RecordError(e.err)
		e.span.SetStatus(codes.Error, e.err.Error())
	}
	e.span.SetAttributes(attribute.String("state", string(res.State)))
	e.span.End()

	e.logger.Info("execution finished",
		zap.String("state", string(res.State)),
		zap.Int("errors", len(res.Errors)),
		zap.Duration("duration", res.Duration),
	)
	close(e.done)
}
