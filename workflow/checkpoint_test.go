package workflow

import (
	"context"
	"maps"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/fabflow/types"
)

func sampleCheckpoint() *Checkpoint {
	return &Checkpoint{
		FlowID:      "gate-stack",
		FlowVersion: "3",
		TargetID:    "wafer-01",
		StepIDs:     []string{"oxidize", "implant", "anneal"},
		CompletedSteps: []CompletedStep{
			{StepID: "oxidize", Outputs: map[string]string{"oxide.nm": "2.1"}},
		},
		Progress:  Progress{State: StateRunning, CurrentStepIndex: 1, TotalSteps: 3, Percentage: 100.0 / 3},
		CreatedAt: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC),
	}
}

func TestMemoryCheckpointStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryCheckpointStore()

	_, err := store.Load(ctx, "gate-stack", "wafer-01")
	assert.ErrorIs(t, err, ErrCheckpointNotFound)
	assert.True(t, types.HasCode(err, types.ErrCheckpointNotFound))

	cp := sampleCheckpoint()
	require.NoError(t, store.Save(ctx, cp))
	cp.CompletedSteps[0].Outputs["oxide.nm"] = "mutated"

	loaded, err := store.Load(ctx, "gate-stack", "wafer-01")
	require.NoError(t, err)
	assert.Equal(t, "2.1", loaded.CompletedSteps[0].Outputs["oxide.nm"])

	other := sampleCheckpoint()
	other.TargetID = "wafer-02"
	require.NoError(t, store.Save(ctx, other))
	third := sampleCheckpoint()
	third.FlowID = "metal-1"
	require.NoError(t, store.Save(ctx, third))

	list, err := store.List(ctx, "gate-stack")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "wafer-01", list[0].TargetID)
	assert.Equal(t, "wafer-02", list[1].TargetID)

	all, err := store.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	require.NoError(t, store.Delete(ctx, "gate-stack", "wafer-01"))
	require.NoError(t, store.Delete(ctx, "gate-stack", "wafer-01"))
	_, err = store.Load(ctx, "gate-stack", "wafer-01")
	assert.ErrorIs(t, err, ErrCheckpointNotFound)
}

func TestCheckpoint_Validate(t *testing.T) {
	flow := flowOf("gate-stack", ModeSequential, step("oxidize", "m"), step("implant", "m", "oxidize"), step("anneal", "m", "implant"))
	cp := sampleCheckpoint()
	require.NoError(t, cp.Validate(flow))

	reordered := flowOf("gate-stack", ModeSequential, step("anneal", "m"), step("oxidize", "m"), step("implant", "m"))
	assert.NoError(t, cp.Validate(reordered), "step order is not part of the identity")

	grown := flow.Clone()
	grown.Steps = append(grown.Steps, step("inspect", "m", "anneal"))
	assert.Equal(t, types.ErrCheckpointMismatch, types.GetErrorCode(cp.Validate(grown)))

	renamed := flow.Clone()
	renamed.Name = "other"
	assert.Equal(t, types.ErrCheckpointMismatch, types.GetErrorCode(cp.Validate(renamed)))

	doubled := sampleCheckpoint()
	doubled.CompletedSteps = append(doubled.CompletedSteps, doubled.CompletedSteps[0])
	assert.Equal(t, types.ErrCheckpointMismatch, types.GetErrorCode(doubled.Validate(flow)))
}

func TestOrchestrator_DuplicateCompletedStepsRejected(t *testing.T) {
	o := newTestOrchestrator(t)
	exec := newMockExecutor()
	require.NoError(t, o.RegisterExecutor("m", exec))
	mustAdd(t, o, flowOf("gate-stack", ModeSequential, step("oxidize", "m"), step("implant", "m", "oxidize"), step("anneal", "m", "implant")))

	cp := sampleCheckpoint()
	for range 2 {
		cp.CompletedSteps = append(cp.CompletedSteps, CompletedStep{StepID: "oxidize"})
	}
	_, err := o.Execute(context.Background(), "gate-stack", WithTarget("wafer-01"), WithCheckpoint(cp))
	assert.Equal(t, types.ErrCheckpointMismatch, types.GetErrorCode(err))
	assert.Equal(t, StateIdle, o.State())
	assert.Zero(t, exec.Calls("implant"))
}

func TestCheckpointKey_Unambiguous(t *testing.T) {
	assert.Equal(t, "gate-stack/wafer-01", CheckpointKey("gate-stack", "wafer-01"))
	assert.NotEqual(t, CheckpointKey("a/b", "c"), CheckpointKey("a", "b/c"))

	ctx := context.Background()
	store := NewMemoryCheckpointStore()
	require.NoError(t, store.Save(ctx, &Checkpoint{FlowID: "a/b", TargetID: "c"}))
	_, err := store.Load(ctx, "a", "b/c")
	assert.ErrorIs(t, err, ErrCheckpointNotFound)
	got, err := store.Load(ctx, "a/b", "c")
	require.NoError(t, err)
	assert.Equal(t, "c", got.TargetID)
}

func TestOrchestrator_BusyStartKeepsArmedCheckpoint(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryCheckpointStore()
	o := newTestOrchestrator(t, WithCheckpointStore(store))
	g := newGate()
	exec := newMockExecutor()
	require.NoError(t, o.RegisterExecutor("blocking", g.executor()))
	require.NoError(t, o.RegisterExecutor("m", exec))
	mustAdd(t, o, flowOf("hold", ModeSequential, step("load", "blocking")))
	mustAdd(t, o, flowOf("gate-stack", ModeSequential, step("oxidize", "m"), step("implant", "m", "oxidize"), step("anneal", "m", "implant")))

	require.NoError(t, store.Save(ctx, sampleCheckpoint()))
	_, err := o.LoadCheckpoint(ctx, "gate-stack", "wafer-01")
	require.NoError(t, err)

	held, err := o.Execute(ctx, "hold")
	require.NoError(t, err)
	<-g.started
	_, err = o.Execute(ctx, "gate-stack", WithTarget("wafer-01"))
	assert.Equal(t, types.ErrOrchestratorBusy, types.GetErrorCode(err))

	close(g.release)
	_, err = waitResult(t, held)
	require.NoError(t, err)
	require.NoError(t, o.Reset())

	res, err := runFlow(t, o, "gate-stack", WithTarget("wafer-01"))
	require.NoError(t, err)
	assert.Zero(t, exec.Calls("oxidize"), "resumed past oxidize")
	assert.Equal(t, "2.1", res.Context["oxide.nm"])
}

// ---------------------------------------------------------------------------
// Resume through the orchestrator
// ---------------------------------------------------------------------------

func TestOrchestrator_CheckpointResumeRunsRemainingStepsOnce(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryCheckpointStore()
	o := newTestOrchestrator(t, WithCheckpointStore(store))

	exec := newMockExecutor()
	var anneal atomic.Bool
	exec.fn = func(ctx context.Context, s Step, in map[string]string) (map[string]string, error) {
		if s.ID == "anneal" && !anneal.Load() {
			return nil, errAlwaysFails
		}
		return map[string]string{s.ID + ".out": s.ID + "@" + in["recipe"]}, nil
	}
	require.NoError(t, o.RegisterExecutor("m", exec))

	f := flowOf("gate-stack", ModeSequential,
		step("oxidize", "m"),
		step("implant", "m", "oxidize"),
		step("anneal", "m", "implant"),
		step("inspect", "m", "anneal"),
	)
	f.GlobalParameters = map[string]any{"recipe": "R7"}
	mustAdd(t, o, f)

	first, err := runFlow(t, o, "gate-stack", WithTarget("wafer-01"))
	require.Error(t, err)
	assert.Equal(t, StateError, first.State)
	atCheckpoint := first.Context

	// The failed run left its checkpoint behind.
	cp, err := o.LoadCheckpoint(ctx, "gate-stack", "wafer-01")
	require.NoError(t, err)
	assert.Equal(t, []string{"oxidize", "implant"}, completedIDs(cp))

	restored := make(map[string]string)
	maps.Copy(restored, map[string]string{"recipe": "R7"})
	for _, c := range cp.CompletedSteps {
		maps.Copy(restored, c.Outputs)
	}
	assert.Equal(t, atCheckpoint, restored)

	require.NoError(t, o.Reset())
	anneal.Store(true)
	second, err := runFlow(t, o, "gate-stack", WithTarget("wafer-01"))
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, second.State)

	assert.Equal(t, 1, exec.Calls("oxidize"))
	assert.Equal(t, 1, exec.Calls("implant"))
	assert.Equal(t, 2, exec.Calls("anneal"))
	assert.Equal(t, 1, exec.Calls("inspect"))
	assert.Equal(t, atCheckpoint, exec.Input("anneal"))
	assert.Equal(t, StepCompleted, stepStatus(t, second, "oxidize"))
	assert.Equal(t, "implant@R7", second.Context["implant.out"])
	assert.Equal(t, "inspect@R7", second.Context["inspect.out"])

	// Completion discards the checkpoint.
	_, err = store.Load(ctx, "gate-stack", "wafer-01")
	assert.ErrorIs(t, err, ErrCheckpointNotFound)
}

func completedIDs(cp *Checkpoint) []string {
	ids := make([]string, len(cp.CompletedSteps))
	for i, c := range cp.CompletedSteps {
		ids[i] = c.StepID
	}
	return ids
}

func TestOrchestrator_LoadCheckpointRejectsChangedFlow(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryCheckpointStore()
	o := newTestOrchestrator(t, WithCheckpointStore(store))

	cp := sampleCheckpoint()
	require.NoError(t, store.Save(ctx, cp))

	_, err := o.LoadCheckpoint(ctx, "gate-stack", "wafer-01")
	assert.Equal(t, types.ErrFlowNotFound, types.GetErrorCode(err))

	mustAdd(t, o, flowOf("gate-stack", ModeSequential, step("oxidize", "m"), step("implant", "m", "oxidize")))
	_, err = o.LoadCheckpoint(ctx, "gate-stack", "wafer-01")
	assert.Equal(t, types.ErrCheckpointMismatch, types.GetErrorCode(err))

	_, err = o.LoadCheckpoint(ctx, "gate-stack", "wafer-99")
	assert.Equal(t, types.ErrCheckpointNotFound, types.GetErrorCode(err))
}

func TestOrchestrator_ArmedCheckpointInvalidatedByFlowEdit(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryCheckpointStore()
	o := newTestOrchestrator(t, WithCheckpointStore(store))
	require.NoError(t, o.RegisterExecutor("m", newMockExecutor()))

	flow := flowOf("gate-stack", ModeSequential, step("oxidize", "m"), step("implant", "m", "oxidize"), step("anneal", "m", "implant"))
	mustAdd(t, o, flow)
	require.NoError(t, store.Save(ctx, sampleCheckpoint()))
	_, err := o.LoadCheckpoint(ctx, "gate-stack", "wafer-01")
	require.NoError(t, err)

	edited := flow.Clone()
	edited.Steps = edited.Steps[:2]
	mustAdd(t, o, edited)

	_, err = o.Execute(ctx, "gate-stack", WithTarget("wafer-01"))
	assert.Equal(t, types.ErrCheckpointMismatch, types.GetErrorCode(err))
	assert.Equal(t, StateIdle, o.State())
}

func TestExecution_OnDemandCheckpoint(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryCheckpointStore()
	cfg := testConfig()
	cfg.CheckpointEnabled = false
	o := NewOrchestrator(cfg, WithCheckpointStore(store))

	g := newGate()
	require.NoError(t, o.RegisterExecutor("ok", newMockExecutor()))
	require.NoError(t, o.RegisterExecutor("blocking", g.executor()))
	mustAdd(t, o, flowOf("etch", ModeSequential, step("mask", "ok"), step("etch", "blocking", "mask")))

	e, err := o.Execute(ctx, "etch", WithTarget("wafer-05"))
	require.NoError(t, err)
	<-g.started

	list, err := store.List(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, list, "automatic saves are disabled")

	cp, err := o.SaveCheckpoint(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"mask"}, completedIDs(cp))
	assert.Equal(t, []string{"mask", "etch"}, cp.StepIDs)

	stored, err := store.Load(ctx, "etch", "wafer-05")
	require.NoError(t, err)
	assert.Equal(t, cp.CompletedSteps, stored.CompletedSteps)

	close(g.release)
	_, err = waitResult(t, e)
	require.NoError(t, err)
	_, err = store.Load(ctx, "etch", "wafer-05")
	assert.ErrorIs(t, err, ErrCheckpointNotFound)
}

func TestCheckpointManager_Throttle(t *testing.T) {
	m := NewCheckpointManager(nil, time.Hour, true, nil)
	s := m.throttle()
	n := 0
	for i := 0; i < 5; i++ {
		s.Do(func() { n++ })
	}
	assert.Equal(t, 1, n)

	every := NewCheckpointManager(nil, 0, true, nil).throttle()
	n = 0
	for i := 0; i < 5; i++ {
		every.Do(func() { n++ })
	}
	assert.Equal(t, 5, n)
}
