package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/BaSui01/fabflow/persistence"
	"github.com/BaSui01/fabflow/workflow"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 工作流指标收集器
type Collector struct {
	// 执行指标
	executionsTotal   *prometheus.CounterVec
	executionDuration prometheus.Histogram
	stateTransitions  *prometheus.CounterVec
	state             *prometheus.GaugeVec

	// 步骤指标
	stepsTotal   *prometheus.CounterVec
	stepDuration *prometheus.HistogramVec
	stepRetries  *prometheus.CounterVec
	stepFailures *prometheus.CounterVec

	// 批次指标
	batchItemsTotal *prometheus.CounterVec

	// 检查点指标
	checkpointsSaved *prometheus.CounterVec
	storeDuration    *prometheus.HistogramVec
	storeErrors      *prometheus.CounterVec

	// 数据库连接池
	dbConnectionsOpen *prometheus.GaugeVec
	dbConnectionsIdle *prometheus.GaugeVec

	logger *zap.Logger
}

// NewCollector 创建指标收集器。reg 为 nil 时注册到默认 Registry。
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	factory := promauto.With(reg)
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.executionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_total",
			Help:      "Total number of finished executions by final state",
		},
		[]string{"state"},
	)

	c.executionDuration = factory.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "execution_duration_seconds",
			Help:      "Execution wall time in seconds",
			Buckets:   []float64{1, 5, 15, 30, 60, 300, 900, 1800, 3600, 7200},
		},
	)

	c.stateTransitions = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_transitions_total",
			Help:      "Total number of orchestrator state transitions",
		},
		[]string{"from_state", "to_state"},
	)

	c.state = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "state",
			Help:      "Current orchestrator state (1 for the active state)",
		},
		[]string{"state"},
	)

	c.stepsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steps_total",
			Help:      "Total number of finished steps by status",
		},
		[]string{"flow", "step", "status"},
	)

	c.stepDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Step duration in seconds, retries included",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 300, 900},
		},
		[]string{"flow", "step"},
	)

	c.stepRetries = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "step_retries_total",
			Help:      "Total number of step retries",
		},
		[]string{"flow", "step"},
	)

	c.stepFailures = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "step_failures_total",
			Help:      "Total number of step failures by code and severity",
		},
		[]string{"flow", "code", "severity"},
	)

	c.batchItemsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_items_total",
			Help:      "Total number of finished batch items",
		},
		[]string{"flow", "result"},
	)

	c.checkpointsSaved = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoints_saved_total",
			Help:      "Total number of saved checkpoints",
		},
		[]string{"flow"},
	)

	c.storeDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "checkpoint_store_duration_seconds",
			Help:      "Checkpoint store operation duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"backend", "operation"},
	)

	c.storeErrors = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoint_store_errors_total",
			Help:      "Total number of failed checkpoint store operations",
		},
		[]string{"backend", "operation"},
	)

	c.dbConnectionsOpen = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_open",
			Help:      "Number of open database connections",
		},
		[]string{"database"},
	)

	c.dbConnectionsIdle = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_idle",
			Help:      "Number of idle database connections",
		},
		[]string{"database"},
	)

	c.logger.Info("metrics collector initialized", zap.String("namespace", namespace))
	return c
}

// =============================================================================
// 🔄 工作流事件
// =============================================================================

// OnEvent 实现 workflow.Observer，把执行事件转换为指标。
func (c *Collector) OnEvent(e workflow.Event) {
	switch e.Type {
	case workflow.EventStateChanged:
		c.RecordStateTransition(e.PrevState, e.State)
		if e.State.Terminal() {
			var d time.Duration
			if e.Progress != nil && !e.Progress.StartTime.IsZero() {
				d = e.Time.Sub(e.Progress.StartTime)
			}
			c.RecordExecution(e.State, d)
		}
	case workflow.EventStepCompleted:
		c.RecordStep(e.FlowID, e.StepID, workflow.StepCompleted, e.Duration)
	case workflow.EventStepFailed:
		c.RecordStep(e.FlowID, e.StepID, workflow.StepFailed, e.Duration)
		if e.Error != nil {
			c.RecordStepFailure(e.FlowID, e.Error)
		}
	case workflow.EventStepSkipped:
		c.stepsTotal.WithLabelValues(e.FlowID, e.StepID, string(workflow.StepSkipped)).Inc()
	case workflow.EventStepRetry:
		c.stepRetries.WithLabelValues(e.FlowID, e.StepID).Inc()
	case workflow.EventBatchItemDone:
		c.RecordBatchItem(e.FlowID, e.Success)
	case workflow.EventCheckpointSaved:
		c.checkpointsSaved.WithLabelValues(e.FlowID).Inc()
	}
}

// RecordStateTransition 记录状态转换并更新当前状态 Gauge
func (c *Collector) RecordStateTransition(from, to workflow.State) {
	c.stateTransitions.WithLabelValues(string(from), string(to)).Inc()
	if from != "" {
		c.state.WithLabelValues(string(from)).Set(0)
	}
	c.state.WithLabelValues(string(to)).Set(1)
}

// RecordExecution 记录一次结束的执行
func (c *Collector) RecordExecution(final workflow.State, duration time.Duration) {
	c.executionsTotal.WithLabelValues(string(final)).Inc()
	if duration > 0 {
		c.executionDuration.Observe(duration.Seconds())
	}
}

// RecordStep 记录步骤结果
func (c *Collector) RecordStep(flow, step string, status workflow.StepStatus, duration time.Duration) {
	c.stepsTotal.WithLabelValues(flow, step, string(status)).Inc()
	c.stepDuration.WithLabelValues(flow, step).Observe(duration.Seconds())
}

// RecordStepFailure 记录步骤失败的错误码与严重级别
func (c *Collector) RecordStepFailure(flow string, err *workflow.StepError) {
	c.stepFailures.WithLabelValues(flow, string(err.Code), string(err.Severity)).Inc()
}

// RecordBatchItem 记录批次条目结果
func (c *Collector) RecordBatchItem(flow string, success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	c.batchItemsTotal.WithLabelValues(flow, result).Inc()
}

// =============================================================================
// 🗄️ 存储指标
// =============================================================================

// RecordStoreOperation 记录检查点存储操作
func (c *Collector) RecordStoreOperation(backend, operation string, duration time.Duration, err error) {
	c.storeDuration.WithLabelValues(backend, operation).Observe(duration.Seconds())
	if err != nil && !persistence.IsNotFound(err) {
		c.storeErrors.WithLabelValues(backend, operation).Inc()
	}
}

// RecordDBConnections 记录数据库连接数
func (c *Collector) RecordDBConnections(database string, open, idle int) {
	c.dbConnectionsOpen.WithLabelValues(database).Set(float64(open))
	c.dbConnectionsIdle.WithLabelValues(database).Set(float64(idle))
}

// InstrumentStore 包装 store，为每个操作记录耗时与错误。
func (c *Collector) InstrumentStore(store persistence.Store, backend string) persistence.Store {
	return &instrumentedStore{Store: store, backend: backend, c: c}
}

type instrumentedStore struct {
	persistence.Store
	backend string
	c       *Collector
}

func (s *instrumentedStore) observe(op string, start time.Time, err error) {
	s.c.RecordStoreOperation(s.backend, op, time.Since(start), err)
}

func (s *instrumentedStore) Save(ctx context.Context, cp *workflow.Checkpoint) error {
	start := time.Now()
	err := s.Store.Save(ctx, cp)
	s.observe("save", start, err)
	return err
}

func (s *instrumentedStore) Load(ctx context.Context, flowID, targetID string) (*workflow.Checkpoint, error) {
	start := time.Now()
	cp, err := s.Store.Load(ctx, flowID, targetID)
	s.observe("load", start, err)
	return cp, err
}

func (s *instrumentedStore) Delete(ctx context.Context, flowID, targetID string) error {
	start := time.Now()
	err := s.Store.Delete(ctx, flowID, targetID)
	s.observe("delete", start, err)
	return err
}

func (s *instrumentedStore) List(ctx context.Context, flowID string) ([]*workflow.Checkpoint, error) {
	start := time.Now()
	cps, err := s.Store.List(ctx, flowID)
	s.observe("list", start, err)
	return cps, err
}
