package workflow

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"slices"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/fabflow/internal/ctxkeys"
	"github.com/BaSui01/fabflow/types"
)

// strategy drives the waves of one unit.
type strategy interface {
	run(ctx context.Context, e *Execution, u *unit)
}

// strategyFor returns the step-level strategy of a mode. Pipeline and batch
// flows run sequentially for a single target; their overlap only exists at
// the batch level.
func strategyFor(mode ExecutionMode) strategy {
	if mode == ModeParallel {
		return parallelStrategy{}
	}
	return sequentialStrategy{}
}

// sequentialStrategy runs one step at a time in wave then declaration order.
type sequentialStrategy struct{}

func (sequentialStrategy) run(ctx context.Context, e *Execution, u *unit) {
	for _, w := range u.waves {
		for _, id := range w.StepIDs {
			if u.failed() {
				return
			}
			if !e.boundary() {
				u.markCancelled()
				return
			}
			e.runStep(ctx, u, id)
			e.maybeCheckpoint(u)
		}
	}
}

// parallelStrategy submits each wave to a worker pool and waits for the
// whole wave before starting the next.
type parallelStrategy struct{}

func (parallelStrategy) run(ctx context.Context, e *Execution, u *unit) {
	p := e.newPool(e.parallelism(u.flow))
	defer p.Close()

	for _, w := range u.waves {
		if u.failed() {
			return
		}
		if !e.boundary() {
			u.markCancelled()
			return
		}

		ids := e.byPriority(u, w.StepIDs)
		results := make([]<-chan error, 0, len(ids))
		for _, id := range ids {
			res, err := p.Submit(ctx, func(ctx context.Context) error {
				e.runStep(ctx, u, id)
				return nil
			})
			if err != nil {
				// The pool only refuses work once closed; run inline.
				e.logger.Warn("pool rejected step, running inline", zap.String("step_id", id), zap.Error(err))
				e.runStep(ctx, u, id)
				continue
			}
			results = append(results, res)
		}
		for _, res := range results {
			<-res
		}
		e.maybeCheckpoint(u)
	}
}

// byPriority orders ids by descending priority, keeping declaration order on ties.
func (e *Execution) byPriority(u *unit, ids []string) []string {
	out := slices.Clone(ids)
	u.mu.Lock()
	defer u.mu.Unlock()
	slices.SortStableFunc(out, func(a, b string) int {
		return cmp.Compare(u.steps[b].Priority, u.steps[a].Priority)
	})
	return out
}

// runStep executes one step through the shared invocation primitive and
// applies the failure policy.
func (e *Execution) runStep(ctx context.Context, u *unit, id string) {
	u.mu.Lock()
	s := u.steps[id]
	for _, dep := range s.Dependencies {
		if d := u.steps[dep]; d == nil || d.Status != StepCompleted {
			s.Status = StepSkipped
			now := time.Now()
			s.StartTime, s.EndTime = now, now
			u.mu.Unlock()

			e.logger.Debug("step skipped",
				zap.String("flow", u.flow.Name),
				zap.String("target", u.target),
				zap.String("step_id", id),
				zap.String("dependency", dep),
			)
			e.sm.stepFinished(id, false, nil)
			e.emit(Event{Type: EventStepSkipped, FlowID: u.flow.Name, TargetID: u.target, StepID: id})
			e.emitProgress()
			return
		}
	}
	s.Status = StepRunning
	s.StartTime = time.Now()
	step := s.Clone()
	u.mu.Unlock()

	input := u.ectx.Snapshot()
	e.emit(Event{Type: EventStepStarted, FlowID: u.flow.Name, TargetID: u.target, StepID: id})

	ctx, span := e.o.tracer.Start(ctx, "workflow.step", trace.WithAttributes(
		attribute.String("step_id", id),
		attribute.String("module", step.ModuleName),
		attribute.String("target", u.target),
	))
	ctx = ctxkeys.WithFlowID(ctx, u.flow.Name)
	ctx = ctxkeys.WithTargetID(ctx, u.target)

	outputs, attempts, err := e.invoke(ctx, u, step, input)
	if err == nil {
		err = u.ectx.Merge(id, outputs)
	}
	span.SetAttributes(attribute.Int("attempts", attempts))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()

	end := time.Now()
	u.mu.Lock()
	s.EndTime = end
	s.RetryCount = max(attempts-1, 0)
	if err == nil {
		s.Status = StepCompleted
		s.Outputs = maps.Clone(outputs)
		u.completed = append(u.completed, CompletedStep{StepID: id, Outputs: maps.Clone(outputs)})
		u.mu.Unlock()

		e.logger.Debug("step completed",
			zap.String("flow", u.flow.Name),
			zap.String("target", u.target),
			zap.String("step_id", id),
			zap.Int("attempt", attempts),
			zap.Duration("duration", end.Sub(step.StartTime)),
		)
		e.sm.stepFinished(id, true, nil)
		e.emit(Event{
			Type: EventStepCompleted, FlowID: u.flow.Name, TargetID: u.target, StepID: id,
			Attempt: attempts, Duration: end.Sub(step.StartTime), Success: true,
		})
		e.emitProgress()
		return
	}

	severity := types.SeverityCritical
	switch {
	case s.Optional:
		severity = types.SeverityWarning
	case u.flow.AllowPartialFailure:
		severity = types.SeverityError
	}
	s.Status = StepFailed
	s.ErrorMessage = err.Error()
	if severity == types.SeverityCritical && u.fatal == nil {
		u.fatal = err
	}
	u.mu.Unlock()

	code := types.GetErrorCode(err)
	if code == "" {
		code = types.ErrStepExecution
	}
	stepErr := StepError{
		StepID:   id,
		TargetID: u.target,
		FlowID:   u.flow.Name,
		Message:  err.Error(),
		Code:     code,
		Severity: severity,
		Attempts: attempts,
		Time:     end,
	}
	e.logger.Warn("step failed",
		zap.String("flow", u.flow.Name),
		zap.String("target", u.target),
		zap.String("step_id", id),
		zap.Int("attempt", attempts),
		zap.String("severity", string(severity)),
		zap.Error(err),
	)
	e.sm.stepFinished(id, false, &stepErr)
	e.emit(Event{
		Type: EventStepFailed, FlowID: u.flow.Name, TargetID: u.target, StepID: id,
		Attempt: attempts, Duration: end.Sub(step.StartTime), Error: &stepErr,
	})
	e.emitProgress()
}

func (e *Execution) emitProgress() {
	p := e.sm.Progress()
	e.emit(Event{Type: EventProgress, State: p.State, Progress: &p})
}

// invoke calls the step's executor with per-attempt timeout and immediate
// retries. It returns the outputs, the number of attempts made and the last
// error. Executors get a context that run cancellation never reaches.
func (e *Execution) invoke(ctx context.Context, u *unit, step Step, input map[string]string) (map[string]string, int, error) {
	executor, ok := e.o.registry.Lookup(step.ModuleName)
	if !ok {
		return nil, 1, types.Errorf(types.ErrUnknownModule, "no executor registered for module %q", step.ModuleName).WithStep(step.ID)
	}

	ctx = context.WithoutCancel(ctx)
	var lastErr error
	for attempt := 1; attempt <= step.MaxRetries+1; attempt++ {
		out, err := callExecutor(ctx, executor, step, input)
		if err == nil {
			return out, attempt, nil
		}
		lastErr = err
		if attempt <= step.MaxRetries {
			e.logger.Warn("step attempt failed, retrying",
				zap.String("flow", u.flow.Name),
				zap.String("target", u.target),
				zap.String("step_id", step.ID),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
			e.emit(Event{Type: EventStepRetry, FlowID: u.flow.Name, TargetID: u.target, StepID: step.ID, Attempt: attempt})
		}
	}
	return nil, step.MaxRetries + 1, lastErr
}

type callResult struct {
	out map[string]string
	err error
}

// callExecutor runs one attempt. With a timeout the call is abandoned at the
// deadline; the executor goroutine is left to finish on its own.
func callExecutor(ctx context.Context, executor Executor, step Step, input map[string]string) (map[string]string, error) {
	if step.Timeout <= 0 {
		return safeCall(ctx, executor, step, maps.Clone(input))
	}

	tctx, cancel := context.WithTimeout(ctx, step.Timeout)
	defer cancel()

	ch := make(chan callResult, 1)
	go func() {
		out, err := safeCall(tctx, executor, step.Clone(), maps.Clone(input))
		ch <- callResult{out: out, err: err}
	}()

	select {
	case r := <-ch:
		return r.out, r.err
	case <-tctx.Done():
		return nil, types.Errorf(types.ErrStepTimeout, "step timed out after %s", step.Timeout).
			WithStep(step.ID).
			WithRetryable(true)
	}
}

func safeCall(ctx context.Context, executor Executor, step Step, input map[string]string) (out map[string]string, err error) {
	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = types.Errorf(types.ErrStepExecution, "executor panicked: %v", r).WithStep(step.ID)
		}
	}()

	out, err = executor.Execute(ctx, step, input)
	if err != nil {
		return nil, types.NewError(types.ErrStepExecution, fmt.Sprintf("module %s failed", step.ModuleName)).
			WithStep(step.ID).
			WithRetryable(types.IsRetryable(err)).
			WithCause(err)
	}
	if out == nil {
		out = map[string]string{}
	}
	return out, nil
}
