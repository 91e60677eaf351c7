package workflow

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/fabflow/internal/ctxkeys"
	"github.com/BaSui01/fabflow/types"
)

const tracerName = "github.com/BaSui01/fabflow/workflow"

// Config holds orchestrator settings.
type Config struct {
	// MaxParallelSteps is the worker count used when a flow does not set its own.
	MaxParallelSteps int
	// CheckpointInterval throttles automatic checkpoint saves; zero saves at
	// every boundary.
	CheckpointInterval time.Duration
	// CheckpointEnabled turns automatic checkpoint saves on.
	CheckpointEnabled bool
	// EventBuffer sizes the channel returned by SubscribeChannel.
	EventBuffer int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxParallelSteps:   4,
		CheckpointInterval: 5 * time.Second,
		CheckpointEnabled:  true,
		EventBuffer:        256,
	}
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithRegistry shares an executor registry with the orchestrator.
func WithRegistry(r *Registry) Option {
	return func(o *Orchestrator) {
		if r != nil {
			o.registry = r
		}
	}
}

// WithCheckpointStore sets where checkpoints are kept. The default is an
// in-memory store.
func WithCheckpointStore(store CheckpointStore) Option {
	return func(o *Orchestrator) { o.store = store }
}

// WithObserver subscribes an observer for the orchestrator's lifetime.
func WithObserver(obs Observer) Option {
	return func(o *Orchestrator) {
		if obs != nil {
			o.events.subscribe(obs)
		}
	}
}

// WithTracer sets the tracer used for execution and step spans.
func WithTracer(t trace.Tracer) Option {
	return func(o *Orchestrator) {
		if t != nil {
			o.tracer = t
		}
	}
}

// ExecuteOption configures a single Execute call.
type ExecuteOption func(*executeOptions)

type executeOptions struct {
	target     string
	checkpoint *Checkpoint
}

// WithTarget names the target the flow runs against.
func WithTarget(targetID string) ExecuteOption {
	return func(o *executeOptions) { o.target = targetID }
}

// WithCheckpoint resumes the run from cp instead of any armed checkpoint.
func WithCheckpoint(cp *Checkpoint) ExecuteOption {
	return func(o *executeOptions) { o.checkpoint = cp }
}

// Orchestrator is the public facade: it owns the flow catalog, the batch
// queue and at most one active execution.
type Orchestrator struct {
	cfg         Config
	logger      *zap.Logger
	registry    *Registry
	store       CheckpointStore
	checkpoints *CheckpointManager
	tracer      trace.Tracer
	events      *dispatcher
	queue       *BatchQueue

	mu      sync.RWMutex
	flows   map[string]*Flow
	armed   map[string]*Checkpoint
	current *Execution
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(cfg Config, opts ...Option) *Orchestrator {
	if cfg.MaxParallelSteps <= 0 {
		cfg.MaxParallelSteps = DefaultConfig().MaxParallelSteps
	}
	if cfg.EventBuffer < 0 {
		cfg.EventBuffer = 0
	}
	o := &Orchestrator{
		cfg:      cfg,
		logger:   zap.NewNop(),
		registry: NewRegistry(),
		tracer:   otel.Tracer(tracerName),
		events:   &dispatcher{},
		queue:    NewBatchQueue(),
		flows:    make(map[string]*Flow),
		armed:    make(map[string]*Checkpoint),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.With(zap.String("component", "orchestrator"))
	o.checkpoints = NewCheckpointManager(o.store, cfg.CheckpointInterval, cfg.CheckpointEnabled, o.logger)
	return o
}

// Registry returns the executor registry.
func (o *Orchestrator) Registry() *Registry { return o.registry }

// Checkpoints returns the checkpoint manager.
func (o *Orchestrator) Checkpoints() *CheckpointManager { return o.checkpoints }

// RegisterExecutor binds a module name to an executor.
func (o *Orchestrator) RegisterExecutor(module string, executor Executor) error {
	return o.registry.Register(module, executor)
}

// AddFlow validates flow and stores a copy in the catalog, replacing any
// flow with the same name.
func (o *Orchestrator) AddFlow(flow *Flow) error {
	if err := flow.Validate(); err != nil {
		return err
	}
	c := flow.Clone()
	c.ExecutionMode = ParseExecutionMode(string(c.ExecutionMode))

	o.mu.Lock()
	o.flows[c.Name] = c
	o.mu.Unlock()
	o.logger.Info("flow added", zap.String("flow", c.Name), zap.Int("steps", len(c.Steps)))
	return nil
}

// GetFlow returns a copy of a catalog flow.
func (o *Orchestrator) GetFlow(name string) (*Flow, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	f, ok := o.flows[name]
	if !ok {
		return nil, types.Errorf(types.ErrFlowNotFound, "flow %q not found", name)
	}
	return f.Clone(), nil
}

// RemoveFlow deletes a flow from the catalog.
func (o *Orchestrator) RemoveFlow(name string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.flows[name]; !ok {
		return types.Errorf(types.ErrFlowNotFound, "flow %q not found", name)
	}
	delete(o.flows, name)
	return nil
}

// ListFlows returns the catalog flow names, sorted.
func (o *Orchestrator) ListFlows() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return slices.Sorted(maps.Keys(o.flows))
}

// LoadFlowFile reads a flow definition file and adds it to the catalog.
func (o *Orchestrator) LoadFlowFile(path string) (*Flow, error) {
	flow, err := LoadFlowFile(path)
	if err != nil {
		return nil, err
	}
	if err := o.AddFlow(flow); err != nil {
		return nil, err
	}
	return flow, nil
}

// SaveFlowFile writes a catalog flow to path.
func (o *Orchestrator) SaveFlowFile(name, path string) error {
	flow, err := o.GetFlow(name)
	if err != nil {
		return err
	}
	return SaveFlowFile(flow, path)
}

// Queue returns the batch queue.
func (o *Orchestrator) Queue() *BatchQueue { return o.queue }

// Subscribe registers an observer and returns a function that removes it.
func (o *Orchestrator) Subscribe(obs Observer) func() {
	return o.events.subscribe(obs)
}

// SubscribeChannel subscribes a ChannelObserver sized by Config.EventBuffer.
func (o *Orchestrator) SubscribeChannel() (*ChannelObserver, func()) {
	ch := NewChannelObserver(o.cfg.EventBuffer)
	return ch, o.events.subscribe(ch)
}

// Current returns the active or last finished execution, if any.
func (o *Orchestrator) Current() *Execution {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.current
}

// State returns the lifecycle state; idle when no execution is held.
func (o *Orchestrator) State() State {
	if e := o.Current(); e != nil {
		return e.State()
	}
	return StateIdle
}

// Progress returns the progress of the current execution.
func (o *Orchestrator) Progress() Progress {
	if e := o.Current(); e != nil {
		return e.Progress()
	}
	return Progress{State: StateIdle}
}

// Errors returns the current execution's errors at or above minLevel.
func (o *Orchestrator) Errors(minLevel types.Severity) []StepError {
	if e := o.Current(); e != nil {
		return e.Errors(minLevel)
	}
	return nil
}

func (o *Orchestrator) noExecution(op string) error {
	return types.Errorf(types.ErrInvalidTransition, "cannot %s: no execution", op)
}

// Pause pauses the current execution at its next boundary.
func (o *Orchestrator) Pause() error {
	if e := o.Current(); e != nil {
		return e.Pause()
	}
	return o.noExecution("pause")
}

// Resume resumes the current execution.
func (o *Orchestrator) Resume() error {
	if e := o.Current(); e != nil {
		return e.Resume()
	}
	return o.noExecution("resume")
}

// Cancel cancels the current execution.
func (o *Orchestrator) Cancel() error {
	if e := o.Current(); e != nil {
		return e.Cancel()
	}
	return o.noExecution("cancel")
}

// Reset returns a finished orchestrator to idle, clearing progress.
func (o *Orchestrator) Reset() error {
	o.mu.Lock()
	e := o.current
	if e == nil {
		o.mu.Unlock()
		return types.NewError(types.ErrInvalidTransition, "cannot reset: already idle")
	}
	if !e.State().Terminal() {
		o.mu.Unlock()
		return types.Errorf(types.ErrInvalidTransition, "cannot reset execution in state %s", e.State())
	}
	o.current = nil
	o.mu.Unlock()

	return e.setState(StateIdle)
}

// SaveCheckpoint saves a checkpoint of the current execution.
func (o *Orchestrator) SaveCheckpoint(ctx context.Context) (*Checkpoint, error) {
	if e := o.Current(); e != nil {
		return e.Checkpoint(ctx)
	}
	return nil, o.noExecution("checkpoint")
}

// LoadCheckpoint loads the checkpoint of (flow, target), checks it against
// the catalog flow and arms it for the next run of that pair.
func (o *Orchestrator) LoadCheckpoint(ctx context.Context, flowID, targetID string) (*Checkpoint, error) {
	flow, err := o.GetFlow(flowID)
	if err != nil {
		return nil, err
	}
	cp, err := o.checkpoints.Restore(ctx, flow, targetID)
	if err != nil {
		return nil, err
	}
	o.mu.Lock()
	o.armed[cp.Key()] = cp.Clone()
	o.mu.Unlock()
	o.logger.Info("checkpoint armed",
		zap.String("flow", flowID),
		zap.String("target", targetID),
		zap.Int("completed_steps", len(cp.CompletedSteps)),
	)
	return cp, nil
}

// takeArmed removes and validates the armed checkpoint of (flow, target).
func (o *Orchestrator) takeArmed(flow *Flow, targetID string) (*Checkpoint, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.takeArmedLocked(flow, targetID)
}

// takeArmedLocked is takeArmed for callers holding o.mu. A checkpoint that no
// longer fits flow is dropped.
func (o *Orchestrator) takeArmedLocked(flow *Flow, targetID string) (*Checkpoint, error) {
	key := CheckpointKey(flow.Name, targetID)
	cp, ok := o.armed[key]
	delete(o.armed, key)
	if !ok {
		return nil, nil
	}
	if err := cp.Validate(flow); err != nil {
		return nil, err
	}
	return cp, nil
}

// begin claims the orchestrator for a new execution. claim, when set, runs
// under the catalog lock once the orchestrator is known to be free; its error
// aborts the start.
func (o *Orchestrator) begin(ctx context.Context, kind string, claim func() error, attrs ...attribute.KeyValue) (*Execution, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.current != nil {
		if !o.current.State().Terminal() {
			return nil, types.Errorf(types.ErrOrchestratorBusy, "execution %s is still %s", o.current.id, o.current.State())
		}
		return nil, types.Errorf(types.ErrInvalidTransition, "execution %s is %s; reset before starting another", o.current.id, o.current.State())
	}
	if claim != nil {
		if err := claim(); err != nil {
			return nil, err
		}
	}

	id := uuid.NewString()
	e := newExecution(o, id)
	runCtx := ctxkeys.WithExecutionID(context.WithoutCancel(ctx), id)
	runCtx, e.span = o.tracer.Start(runCtx, kind, trace.WithAttributes(
		append(attrs, attribute.String("execution_id", id))...,
	))
	e.ctx = runCtx
	e.started = time.Now()
	o.current = e
	return e, nil
}

// watch cancels e when the caller's context is done.
func (e *Execution) watch(ctx context.Context) {
	e.stop = context.AfterFunc(ctx, func() {
		if err := e.Cancel(); err == nil {
			e.logger.Info("execution cancelled by caller context")
		}
	})
}

// Execute starts a run of a catalog flow and returns its handle. Validation
// failures are returned before the orchestrator leaves idle.
func (o *Orchestrator) Execute(ctx context.Context, flowID string, opts ...ExecuteOption) (*Execution, error) {
	var eo executeOptions
	for _, opt := range opts {
		opt(&eo)
	}

	flow, err := o.GetFlow(flowID)
	if err != nil {
		return nil, err
	}
	if err := flow.Validate(); err != nil {
		return nil, err
	}
	if err := o.registry.checkModules(flow); err != nil {
		return nil, err
	}

	cp := eo.checkpoint
	if cp != nil {
		if err := cp.Validate(flow); err != nil {
			return nil, err
		}
	}
	// The armed checkpoint is taken only once the run is sure to start.
	claim := func() error {
		armed, err := o.takeArmedLocked(flow, eo.target)
		if err != nil {
			return err
		}
		if cp == nil {
			cp = armed
		}
		return nil
	}

	e, err := o.begin(ctx, "workflow.execute", claim,
		attribute.String("flow", flow.Name),
		attribute.String("target", eo.target),
	)
	if err != nil {
		return nil, err
	}
	e.logger = e.logger.With(zap.String("flow", flow.Name), zap.String("target", eo.target))
	if err := e.setState(StateInitializing); err != nil {
		return nil, err
	}
	e.watch(ctx)
	e.logger.Info("execution started",
		zap.String("mode", string(flow.ExecutionMode)),
		zap.Bool("resumed", cp != nil),
	)
	go e.runFlow(flow, eo.target, cp)
	return e, nil
}

// ExecuteBatch drains the batch queue in a new execution.
func (o *Orchestrator) ExecuteBatch(ctx context.Context) (*Execution, error) {
	e, err := o.begin(ctx, "workflow.batch", nil, attribute.Int("items", o.queue.Len()))
	if err != nil {
		return nil, err
	}
	if err := e.setState(StateInitializing); err != nil {
		return nil, err
	}
	e.watch(ctx)
	e.logger.Info("batch started", zap.Int("items", o.queue.Len()))
	go e.runBatch()
	return e, nil
}
