package metrics

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/fabflow/persistence"
	"github.com/BaSui01/fabflow/types"
	"github.com/BaSui01/fabflow/workflow"
)

func newTestCollector(t *testing.T) (*Collector, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return NewCollector("fab", reg, zap.NewNop()), reg
}

// =============================================================================
// 🧪 Collector 测试
// =============================================================================

func TestNewCollector_RegistersOnGivenRegistry(t *testing.T) {
	c, reg := newTestCollector(t)
	c.RecordBatchItem("gate-stack", true)

	families, err := reg.Gather()
	require.NoError(t, err)
	var names []string
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "fab_batch_items_total")

	// A second collector on the same registry collides.
	assert.Panics(t, func() { NewCollector("fab", reg, nil) })
}

func TestCollector_StepEvents(t *testing.T) {
	c, _ := newTestCollector(t)

	c.OnEvent(workflow.Event{Type: workflow.EventStepCompleted, FlowID: "gate-stack", StepID: "oxidize", Duration: 2 * time.Second})
	c.OnEvent(workflow.Event{Type: workflow.EventStepRetry, FlowID: "gate-stack", StepID: "implant", Attempt: 1})
	c.OnEvent(workflow.Event{Type: workflow.EventStepRetry, FlowID: "gate-stack", StepID: "implant", Attempt: 2})
	c.OnEvent(workflow.Event{
		Type: workflow.EventStepFailed, FlowID: "gate-stack", StepID: "implant", Duration: time.Second,
		Error: &workflow.StepError{StepID: "implant", Code: types.ErrStepTimeout, Severity: types.SeverityCritical},
	})
	c.OnEvent(workflow.Event{Type: workflow.EventStepSkipped, FlowID: "gate-stack", StepID: "anneal"})

	assert.Equal(t, 1.0, testutil.ToFloat64(c.stepsTotal.WithLabelValues("gate-stack", "oxidize", "completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.stepsTotal.WithLabelValues("gate-stack", "implant", "failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.stepsTotal.WithLabelValues("gate-stack", "anneal", "skipped")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.stepRetries.WithLabelValues("gate-stack", "implant")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.stepFailures.WithLabelValues("gate-stack", string(types.ErrStepTimeout), "critical")))
	assert.Equal(t, 2, testutil.CollectAndCount(c.stepDuration))
}

func TestCollector_StateGauge(t *testing.T) {
	c, reg := newTestCollector(t)

	start := time.Now().Add(-time.Minute)
	c.OnEvent(workflow.Event{Type: workflow.EventStateChanged, PrevState: workflow.StateIdle, State: workflow.StateInitializing})
	c.OnEvent(workflow.Event{Type: workflow.EventStateChanged, PrevState: workflow.StateInitializing, State: workflow.StateRunning})
	c.OnEvent(workflow.Event{
		Type: workflow.EventStateChanged, PrevState: workflow.StateRunning, State: workflow.StateCompleted,
		Progress: &workflow.Progress{StartTime: start}, Time: time.Now(),
	})

	assert.Equal(t, 0.0, testutil.ToFloat64(c.state.WithLabelValues("running")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.state.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.executionsTotal.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.stateTransitions.WithLabelValues("idle", "initializing")))

	families, err := reg.Gather()
	require.NoError(t, err)
	var found bool
	for _, f := range families {
		if f.GetName() != "fab_execution_duration_seconds" {
			continue
		}
		found = true
		h := f.GetMetric()[0].GetHistogram()
		assert.Equal(t, uint64(1), h.GetSampleCount())
		assert.GreaterOrEqual(t, h.GetSampleSum(), 60.0)
	}
	assert.True(t, found)
}

func TestCollector_BatchAndCheckpointEvents(t *testing.T) {
	c, _ := newTestCollector(t)

	c.OnEvent(workflow.Event{Type: workflow.EventBatchItemDone, FlowID: "metal-1", Success: true})
	c.OnEvent(workflow.Event{Type: workflow.EventBatchItemDone, FlowID: "metal-1"})
	c.OnEvent(workflow.Event{Type: workflow.EventCheckpointSaved, FlowID: "metal-1", TargetID: "wafer-01"})

	expected := `
		# HELP fab_batch_items_total Total number of finished batch items
		# TYPE fab_batch_items_total counter
		fab_batch_items_total{flow="metal-1",result="failure"} 1
		fab_batch_items_total{flow="metal-1",result="success"} 1
	`
	assert.NoError(t, testutil.CollectAndCompare(c.batchItemsTotal, strings.NewReader(expected)))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.checkpointsSaved.WithLabelValues("metal-1")))
}

func TestCollector_IgnoresUnknownEvents(t *testing.T) {
	c, _ := newTestCollector(t)
	c.OnEvent(workflow.Event{Type: workflow.EventProgress})
	c.OnEvent(workflow.Event{Type: "custom"})
	assert.Equal(t, 0, testutil.CollectAndCount(c.stepsTotal))
}

func TestCollector_RecordDBConnections(t *testing.T) {
	c, _ := newTestCollector(t)
	c.RecordDBConnections("checkpoints", 5, 2)
	assert.Equal(t, 5.0, testutil.ToFloat64(c.dbConnectionsOpen.WithLabelValues("checkpoints")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.dbConnectionsIdle.WithLabelValues("checkpoints")))
}

// =============================================================================
// 🗄️ 存储包装测试
// =============================================================================

type failingStore struct {
	persistence.Store
}

func (failingStore) Save(context.Context, *workflow.Checkpoint) error {
	return errors.New("disk full")
}

func TestInstrumentStore(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCollector(t)
	store := c.InstrumentStore(persistence.NewMemoryStore(), "memory")

	cp := &workflow.Checkpoint{FlowID: "gate-stack", TargetID: "wafer-01", StepIDs: []string{"oxidize"}}
	require.NoError(t, store.Save(ctx, cp))
	_, err := store.Load(ctx, "gate-stack", "wafer-01")
	require.NoError(t, err)
	_, err = store.Load(ctx, "gate-stack", "wafer-02")
	assert.True(t, persistence.IsNotFound(err))
	_, err = store.List(ctx, "")
	require.NoError(t, err)
	require.NoError(t, store.Delete(ctx, "gate-stack", "wafer-01"))

	assert.Equal(t, 4, testutil.CollectAndCount(c.storeDuration))
	assert.Equal(t, 0, testutil.CollectAndCount(c.storeErrors), "not found is not an error")

	failing := c.InstrumentStore(failingStore{persistence.NewMemoryStore()}, "disk")
	assert.Error(t, failing.Save(ctx, cp))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.storeErrors.WithLabelValues("disk", "save")))
}

func TestCollector_ObservesOrchestrator(t *testing.T) {
	c, _ := newTestCollector(t)
	o := workflow.NewOrchestrator(workflow.Config{MaxParallelSteps: 2}, workflow.WithObserver(c))
	require.NoError(t, o.RegisterExecutor("tool", workflow.ExecutorFunc(
		func(ctx context.Context, step workflow.Step, in map[string]string) (map[string]string, error) {
			return map[string]string{step.ID + ".ok": "1"}, nil
		})))
	require.NoError(t, o.AddFlow(&workflow.Flow{
		Name:          "gate-stack",
		ExecutionMode: workflow.ModeParallel,
		Steps: []workflow.Step{
			{ID: "clean", ModuleName: "tool", ParallelCompatible: true},
			{ID: "oxidize", ModuleName: "tool", ParallelCompatible: true},
			{ID: "anneal", ModuleName: "tool", Dependencies: []string{"clean", "oxidize"}},
		},
	}))

	e, err := o.Execute(context.Background(), "gate-stack", workflow.WithTarget("wafer-01"))
	require.NoError(t, err)
	_, err = e.Wait(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.executionsTotal.WithLabelValues("completed")))
	for _, id := range []string{"clean", "oxidize", "anneal"} {
		assert.Equal(t, 1.0, testutil.ToFloat64(c.stepsTotal.WithLabelValues("gate-stack", id, "completed")), id)
	}
}
