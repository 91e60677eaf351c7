package workflow

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// ---------------------------------------------------------------------------
// Mock helpers
// ---------------------------------------------------------------------------

var errAlwaysFails = errors.New("always fails")

// mockExecutor counts calls and records the order steps ran in.
type mockExecutor struct {
	mu        sync.Mutex
	order     []string
	inputs    map[string]map[string]string
	callCount atomic.Int32
	// fn overrides the default behaviour of echoing "<id>.out".
	fn func(ctx context.Context, step Step, input map[string]string) (map[string]string, error)
}

func newMockExecutor() *mockExecutor {
	return &mockExecutor{inputs: make(map[string]map[string]string)}
}

func (m *mockExecutor) Execute(ctx context.Context, step Step, input map[string]string) (map[string]string, error) {
	m.callCount.Add(1)
	m.mu.Lock()
	m.order = append(m.order, step.ID)
	m.inputs[step.ID] = input
	m.mu.Unlock()
	if m.fn != nil {
		return m.fn(ctx, step, input)
	}
	return map[string]string{step.ID + ".out": step.ID}, nil
}

func (m *mockExecutor) Order() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.order...)
}

func (m *mockExecutor) Input(stepID string) map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inputs[stepID]
}

func (m *mockExecutor) Calls(stepID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, id := range m.order {
		if id == stepID {
			n++
		}
	}
	return n
}

func failing() ExecutorFunc {
	return func(ctx context.Context, step Step, input map[string]string) (map[string]string, error) {
		return nil, errAlwaysFails
	}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.CheckpointInterval = 0
	return cfg
}

func newTestOrchestrator(t *testing.T, opts ...Option) *Orchestrator {
	t.Helper()
	opts = append([]Option{WithLogger(zap.NewNop())}, opts...)
	return NewOrchestrator(testConfig(), opts...)
}

func step(id, module string, deps ...string) Step {
	return Step{ID: id, ModuleName: module, Dependencies: deps}
}

func flowOf(name string, mode ExecutionMode, steps ...Step) *Flow {
	return &Flow{Name: name, Version: "1", ExecutionMode: mode, Steps: steps}
}

func mustAdd(t *testing.T, o *Orchestrator, f *Flow) {
	t.Helper()
	require.NoError(t, o.AddFlow(f))
}

func waitResult(t *testing.T, e *Execution) (*Result, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	res, err := e.Wait(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded, "execution did not finish")
	return res, err
}

func runFlow(t *testing.T, o *Orchestrator, name string, opts ...ExecuteOption) (*Result, error) {
	t.Helper()
	e, err := o.Execute(context.Background(), name, opts...)
	require.NoError(t, err)
	return waitResult(t, e)
}

func stepStatus(t *testing.T, res *Result, id string) StepStatus {
	t.Helper()
	s, ok := res.Step(id)
	require.True(t, ok, "step %s missing from result", id)
	return s.Status
}
