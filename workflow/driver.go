package workflow

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/fabflow/internal/pool"
	"github.com/BaSui01/fabflow/types"
)

// runBatch drains the orchestrator queue. Item failures never stop the batch;
// cancellation stops it from starting further items.
func (e *Execution) runBatch() {
	defer e.finish()

	if !e.boundaryBeforeStart() {
		e.err = types.NewError(types.ErrCancelled, "batch cancelled")
		_ = e.setState(StateCancelled)
		return
	}

	stopped := false
	items := e.o.queue.Items()
	if len(items) > 0 && e.allPipeline(items) {
		stopped = e.runPipelineBatch(items)
	} else {
		for !stopped {
			item, ok := e.o.queue.Front()
			if !ok {
				break
			}
			if !e.boundary() {
				stopped = true
				break
			}
			stopped = e.runBatchItem(item) == StateCancelled
			e.o.queue.Remove(item.ID)
		}
	}

	if stopped {
		e.err = types.NewError(types.ErrCancelled, "batch cancelled")
		_ = e.setState(StateCancelled)
		return
	}
	_ = e.setState(StateCompleted)
}

// allPipeline reports whether every item's flow runs in pipeline mode.
func (e *Execution) allPipeline(items []BatchItem) bool {
	for _, it := range items {
		f, err := e.o.GetFlow(it.FlowID)
		if err != nil || f.ExecutionMode != ModePipeline {
			return false
		}
	}
	return true
}

// prepareItem builds the unit of a batch item, restoring an armed checkpoint.
func (e *Execution) prepareItem(item BatchItem) (*unit, error) {
	flow, err := e.o.GetFlow(item.FlowID)
	if err != nil {
		return nil, err
	}
	if err := e.o.registry.checkModules(flow); err != nil {
		return nil, err
	}
	cp, err := e.o.takeArmed(flow, item.TargetID)
	if err != nil {
		return nil, err
	}
	u, err := newUnit(flow, item.TargetID, cp)
	if err != nil {
		return nil, err
	}
	u.throttle = e.o.checkpoints.throttle()
	return u, nil
}

// rejectItem records a batch item that could not start.
func (e *Execution) rejectItem(item BatchItem, err error) {
	code := types.GetErrorCode(err)
	if code == "" {
		code = types.ErrValidation
	}
	e.logger.Warn("batch item rejected",
		zap.String("flow", item.FlowID),
		zap.String("target", item.TargetID),
		zap.Error(err),
	)
	e.sm.recordError(StepError{
		TargetID: item.TargetID,
		FlowID:   item.FlowID,
		Message:  err.Error(),
		Code:     code,
		Severity: types.SeverityError,
		Attempts: 0,
	})
	e.recordBatch(BatchResult{Item: item, Success: false, State: StateError, Error: err.Error()})
}

func (e *Execution) recordBatch(r BatchResult) {
	e.mu.Lock()
	e.batch = append(e.batch, r)
	e.mu.Unlock()
	e.emit(Event{
		Type:     EventBatchItemDone,
		FlowID:   r.Item.FlowID,
		TargetID: r.Item.TargetID,
		State:    r.State,
		Success:  r.Success,
	})
}

func (e *Execution) startItem(item BatchItem, u *unit) {
	u.mu.Lock()
	u.started = true
	u.mu.Unlock()
	e.addUnit(u)
	e.emit(Event{Type: EventBatchItemStarted, FlowID: item.FlowID, TargetID: item.TargetID})
}

func (e *Execution) completeItem(item BatchItem, u *unit) BatchResult {
	res := BatchResult{Item: item, State: u.state, Success: u.state == StateCompleted}
	if err := u.fatalErr(); err != nil {
		res.Error = err.Error()
	}
	return res
}

// runBatchItem runs one item to completion under its flow's own strategy
// and returns the state the item ended in.
func (e *Execution) runBatchItem(item BatchItem) State {
	u, err := e.prepareItem(item)
	if err != nil {
		e.rejectItem(item, err)
		return StateError
	}
	e.startItem(item, u)
	e.runUnit(u)
	e.finishUnit(u)
	e.recordBatch(e.completeItem(item, u))
	return u.state
}

// lane is one target moving through the pipeline.
type lane struct {
	item  BatchItem
	u     *unit
	gates []chan struct{}
	// done is closed once the lane has finished its unit.
	done chan struct{}
}

// runPipelineBatch overlaps targets stage by stage. Target n+1 enters stage i
// only after target n has left it, and every stage execution holds one slot
// of a pool shared by all targets. A target queued more than once starts its
// next lane only after the previous lane on it has finished, so a target never
// has two steps in flight. It reports whether cancellation stopped any target.
func (e *Execution) runPipelineBatch(items []BatchItem) bool {
	var lanes []*lane
	size := 1
	for _, item := range items {
		u, err := e.prepareItem(item)
		if err != nil {
			e.rejectItem(item, err)
			e.o.queue.Remove(item.ID)
			continue
		}
		size = max(size, e.parallelism(u.flow))
		l := &lane{item: item, u: u, gates: make([]chan struct{}, len(u.waves)), done: make(chan struct{})}
		for i := range l.gates {
			l.gates[i] = make(chan struct{})
		}
		lanes = append(lanes, l)
	}

	p := e.newPool(size)
	defer p.Close()

	var g errgroup.Group
	last := make(map[string]*lane, len(lanes))
	for i, l := range lanes {
		var prev *lane
		if i > 0 {
			prev = lanes[i-1]
		}
		same := last[l.item.TargetID]
		last[l.item.TargetID] = l
		g.Go(func() error {
			e.runLane(e.ctx, l, prev, same, p)
			return nil
		})
	}
	_ = g.Wait()

	stopped := false
	for _, l := range lanes {
		if l.u.cancelled {
			stopped = true
		}
		if !l.u.started {
			continue
		}
		e.recordBatch(e.completeItem(l.item, l.u))
		e.o.queue.Remove(l.item.ID)
	}
	return stopped
}

func (e *Execution) runLane(ctx context.Context, l, prev, same *lane, p *pool.WorkerPool) {
	next := 0
	defer func() {
		for ; next < len(l.gates); next++ {
			close(l.gates[next])
		}
		close(l.done)
	}()

	if same != nil {
		<-same.done
	}

	wait := func(stage int) {
		if prev == nil || len(prev.gates) == 0 {
			return
		}
		<-prev.gates[min(stage, len(prev.gates)-1)]
	}

	// A unit restored with every step completed has no stages but still
	// counts as started.
	if len(l.u.waves) == 0 {
		wait(0)
		if !e.boundary() {
			l.u.markCancelled()
			return
		}
		e.startItem(l.item, l.u)
		e.finishUnit(l.u)
		return
	}

	for i, w := range l.u.waves {
		wait(i)
		if l.u.failed() {
			break
		}
		if !e.boundary() {
			l.u.markCancelled()
			break
		}
		if i == 0 {
			e.startItem(l.item, l.u)
		}

		err := p.SubmitWait(ctx, func(ctx context.Context) error {
			for _, id := range w.StepIDs {
				if l.u.failed() {
					return nil
				}
				e.runStep(ctx, l.u, id)
			}
			return nil
		})
		if err != nil && !errors.Is(err, pool.ErrTaskPanic) {
			e.logger.Error("pipeline stage not scheduled", zap.String("target", l.item.TargetID), zap.Error(err))
			l.u.markCancelled()
			break
		}
		close(l.gates[i])
		next = i + 1
		e.maybeCheckpoint(l.u)
	}

	if l.u.started {
		e.finishUnit(l.u)
	}
}
