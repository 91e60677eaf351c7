package workflow

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/fabflow/internal/ctxkeys"
	"github.com/BaSui01/fabflow/types"
)

func TestBatchQueue(t *testing.T) {
	q := NewBatchQueue()
	_, ok := q.Front()
	assert.False(t, ok)

	a := q.Add("wafer-01", "litho")
	b := q.Add("wafer-02", "litho")
	c := q.Add("wafer-03", "etch")
	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, 3, q.Len())

	front, ok := q.Front()
	require.True(t, ok)
	assert.Equal(t, a, front)

	assert.True(t, q.Remove(b.ID))
	assert.False(t, q.Remove(b.ID))
	assert.Equal(t, []BatchItem{a, c}, q.Items())

	items := q.Items()
	items[0].TargetID = "mutated"
	front, _ = q.Front()
	assert.Equal(t, "wafer-01", front.TargetID)

	q.Clear()
	assert.Zero(t, q.Len())
}

func TestOrchestrator_BatchReportsPerItemSuccess(t *testing.T) {
	o := newTestOrchestrator(t)
	require.NoError(t, o.RegisterExecutor("ok", newMockExecutor()))
	require.NoError(t, o.RegisterExecutor("bad", failing()))
	mustAdd(t, o, flowOf("clean", ModeSequential, step("rinse", "ok")))
	mustAdd(t, o, flowOf("broken", ModeSequential, step("rinse", "bad")))

	o.Queue().Add("wafer-01", "clean")
	o.Queue().Add("wafer-02", "broken")
	o.Queue().Add("wafer-03", "clean")

	e, err := o.ExecuteBatch(context.Background())
	require.NoError(t, err)
	res, err := waitResult(t, e)
	require.NoError(t, err)

	assert.Equal(t, StateCompleted, res.State)
	assert.Equal(t, []bool{true, false, true}, res.Successes())
	assert.Equal(t, StateError, res.Batch[1].State)
	assert.Zero(t, o.Queue().Len())
	require.Len(t, res.Units, 3)
	assert.Equal(t, "wafer-02", res.Units[1].TargetID)

	errs := res.Errors
	require.Len(t, errs, 1)
	assert.Equal(t, "wafer-02", errs[0].TargetID)
	assert.Equal(t, types.SeverityCritical, errs[0].Severity)
}

func TestOrchestrator_BatchMissingFlowFailsItem(t *testing.T) {
	o := newTestOrchestrator(t)
	require.NoError(t, o.RegisterExecutor("ok", newMockExecutor()))
	mustAdd(t, o, flowOf("clean", ModeSequential, step("rinse", "ok")))

	o.Queue().Add("wafer-01", "ghost")
	o.Queue().Add("wafer-02", "clean")

	e, err := o.ExecuteBatch(context.Background())
	require.NoError(t, err)
	res, err := waitResult(t, e)
	require.NoError(t, err)

	assert.Equal(t, []bool{false, true}, res.Successes())
	require.NotEmpty(t, res.Errors)
	assert.Equal(t, types.ErrFlowNotFound, res.Errors[0].Code)
	assert.Equal(t, "ghost", res.Errors[0].FlowID)
}

func TestOrchestrator_EmptyBatchCompletes(t *testing.T) {
	o := newTestOrchestrator(t)
	e, err := o.ExecuteBatch(context.Background())
	require.NoError(t, err)
	res, err := waitResult(t, e)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, res.State)
	assert.Empty(t, res.Batch)
}

func TestOrchestrator_BatchCancelLeavesRemainingItemsQueued(t *testing.T) {
	o := newTestOrchestrator(t)
	g := newGate()
	require.NoError(t, o.RegisterExecutor("blocking", g.executor()))
	require.NoError(t, o.RegisterExecutor("ok", newMockExecutor()))
	mustAdd(t, o, flowOf("anneal", ModeSequential, step("ramp", "blocking"), step("soak", "ok", "ramp")))

	for _, target := range []string{"wafer-01", "wafer-02", "wafer-03"} {
		o.Queue().Add(target, "anneal")
	}

	e, err := o.ExecuteBatch(context.Background())
	require.NoError(t, err)
	<-g.started
	require.NoError(t, o.Cancel())
	close(g.release)

	res, err := waitResult(t, e)
	assert.Equal(t, types.ErrCancelled, types.GetErrorCode(err))
	assert.Equal(t, StateCancelled, res.State)
	require.Len(t, res.Batch, 1)
	assert.False(t, res.Batch[0].Success)
	assert.Equal(t, StateCancelled, res.Batch[0].State)
	assert.Equal(t, 2, o.Queue().Len())
	assert.Equal(t, StepCancelled, stepStatus(t, res, "soak"))
}

// stageLog records the start and end sequence numbers of each (target, step).
type stageLog struct {
	seq    atomic.Int64
	active atomic.Int32
	peak   atomic.Int32

	mu    sync.Mutex
	start map[string]int64
	end   map[string]int64
}

func newStageLog() *stageLog {
	return &stageLog{start: make(map[string]int64), end: make(map[string]int64)}
}

func (l *stageLog) executor() ExecutorFunc {
	return func(ctx context.Context, s Step, in map[string]string) (map[string]string, error) {
		target, _ := ctxkeys.TargetID(ctx)
		key := target + "/" + s.ID

		n := l.active.Add(1)
		for {
			p := l.peak.Load()
			if n <= p || l.peak.CompareAndSwap(p, n) {
				break
			}
		}
		l.mu.Lock()
		l.start[key] = l.seq.Add(1)
		l.mu.Unlock()

		time.Sleep(10 * time.Millisecond)

		l.mu.Lock()
		l.end[key] = l.seq.Add(1)
		l.mu.Unlock()
		l.active.Add(-1)
		return map[string]string{s.ID + ".out": target}, nil
	}
}

func TestOrchestrator_PipelineBatchKeepsStageOrder(t *testing.T) {
	cfg := testConfig()
	cfg.MaxParallelSteps = 2
	o := NewOrchestrator(cfg)
	log := newStageLog()
	require.NoError(t, o.RegisterExecutor("tool", log.executor()))

	stages := []string{"coat", "expose", "develop"}
	mustAdd(t, o, flowOf("litho", ModePipeline,
		step("coat", "tool"),
		step("expose", "tool", "coat"),
		step("develop", "tool", "expose"),
	))
	targets := []string{"wafer-01", "wafer-02", "wafer-03", "wafer-04"}
	for _, target := range targets {
		o.Queue().Add(target, "litho")
	}

	e, err := o.ExecuteBatch(context.Background())
	require.NoError(t, err)
	res, err := waitResult(t, e)
	require.NoError(t, err)

	assert.Equal(t, StateCompleted, res.State)
	assert.Equal(t, []bool{true, true, true, true}, res.Successes())
	assert.Zero(t, o.Queue().Len())
	assert.LessOrEqual(t, log.peak.Load(), int32(2))
	assert.GreaterOrEqual(t, log.peak.Load(), int32(2), "targets never overlapped")

	for _, stage := range stages {
		for i := 1; i < len(targets); i++ {
			prev := log.end[targets[i-1]+"/"+stage]
			next := log.start[targets[i]+"/"+stage]
			assert.Less(t, prev, next, "%s entered %s before %s left it", targets[i], stage, targets[i-1])
		}
	}
	for _, target := range targets {
		for i := 1; i < len(stages); i++ {
			assert.Less(t, log.end[target+"/"+stages[i-1]], log.start[target+"/"+stages[i]])
		}
	}
	for _, u := range res.Units {
		assert.Equal(t, u.TargetID, u.Context["develop.out"])
	}
}

func TestOrchestrator_PipelineBatchSerializesRepeatedTarget(t *testing.T) {
	cfg := testConfig()
	cfg.MaxParallelSteps = 4
	o := NewOrchestrator(cfg)

	var (
		mu     sync.Mutex
		active = make(map[string]int)
		peak   = make(map[string]int)
	)
	require.NoError(t, o.RegisterExecutor("tool", ExecutorFunc(func(ctx context.Context, s Step, in map[string]string) (map[string]string, error) {
		target, _ := ctxkeys.TargetID(ctx)
		mu.Lock()
		active[target]++
		peak[target] = max(peak[target], active[target])
		mu.Unlock()

		time.Sleep(10 * time.Millisecond)

		mu.Lock()
		active[target]--
		mu.Unlock()
		return nil, nil
	})))
	mustAdd(t, o, flowOf("litho", ModePipeline,
		step("coat", "tool"),
		step("expose", "tool", "coat"),
		step("develop", "tool", "expose"),
	))
	o.Queue().Add("wafer-01", "litho")
	o.Queue().Add("wafer-01", "litho")
	o.Queue().Add("wafer-02", "litho")

	e, err := o.ExecuteBatch(context.Background())
	require.NoError(t, err)
	res, err := waitResult(t, e)
	require.NoError(t, err)

	assert.Equal(t, []bool{true, true, true}, res.Successes())
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, peak["wafer-01"], "two steps ran on wafer-01 at once")
	assert.Equal(t, 1, peak["wafer-02"])
}

func TestOrchestrator_MixedModeBatchRunsItemsInOrder(t *testing.T) {
	o := newTestOrchestrator(t)
	exec := newMockExecutor()
	require.NoError(t, o.RegisterExecutor("m", exec))
	mustAdd(t, o, flowOf("litho", ModePipeline, step("coat", "m"), step("expose", "m", "coat")))
	mustAdd(t, o, flowOf("etch", ModeSequential, step("strip", "m")))

	o.Queue().Add("wafer-01", "litho")
	o.Queue().Add("wafer-01", "etch")

	e, err := o.ExecuteBatch(context.Background())
	require.NoError(t, err)
	res, err := waitResult(t, e)
	require.NoError(t, err)
	assert.Equal(t, []bool{true, true}, res.Successes())
	assert.Equal(t, []string{"coat", "expose", "strip"}, exec.Order())
}

func TestOrchestrator_BatchUsesArmedCheckpoint(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryCheckpointStore()
	o := newTestOrchestrator(t, WithCheckpointStore(store))
	exec := newMockExecutor()
	require.NoError(t, o.RegisterExecutor("m", exec))
	mustAdd(t, o, flowOf("gate-stack", ModeSequential, step("oxidize", "m"), step("implant", "m", "oxidize"), step("anneal", "m", "implant")))

	require.NoError(t, store.Save(ctx, sampleCheckpoint()))
	_, err := o.LoadCheckpoint(ctx, "gate-stack", "wafer-01")
	require.NoError(t, err)

	o.Queue().Add("wafer-01", "gate-stack")
	o.Queue().Add("wafer-02", "gate-stack")
	e, err := o.ExecuteBatch(ctx)
	require.NoError(t, err)
	res, err := waitResult(t, e)
	require.NoError(t, err)

	assert.Equal(t, []bool{true, true}, res.Successes())
	assert.Equal(t, 1, exec.Calls("oxidize"), "wafer-01 resumed past oxidize")
	assert.Equal(t, 2, exec.Calls("anneal"))
	assert.Equal(t, "2.1", res.Units[0].Context["oxide.nm"])
}
