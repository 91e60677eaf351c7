package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/BaSui01/fabflow/config"
	"github.com/BaSui01/fabflow/internal/eventbus"
	"github.com/BaSui01/fabflow/internal/metrics"
	"github.com/BaSui01/fabflow/internal/server"
	"github.com/BaSui01/fabflow/internal/telemetry"
	"github.com/BaSui01/fabflow/persistence"
	"github.com/BaSui01/fabflow/workflow"
)

// dbStatsInterval is how often pool counters are copied into gauges.
const dbStatsInterval = 15 * time.Second

// poolStatser is implemented by stores backed by a database/sql pool.
type poolStatser interface {
	PoolStats() sql.DBStats
}

// engine owns the orchestrator and everything wired around it.
type engine struct {
	cfg    *config.Config
	logger *zap.Logger

	orch      *workflow.Orchestrator
	store     persistence.Store
	otel      *telemetry.Providers
	collector *metrics.Collector
	registry  *prometheus.Registry
	bus       *eventbus.Bus
	ops       *server.Manager

	stop     chan struct{}
	wg       sync.WaitGroup
	closeErr error
	once     sync.Once
}

// newEngine builds the orchestrator from cfg: checkpoint store, tracing,
// metrics, the event bus and the ops server when each is enabled.
func newEngine(ctx context.Context, cfg *config.Config, logger *zap.Logger) (_ *engine, err error) {
	e := &engine{cfg: cfg, logger: logger, stop: make(chan struct{})}
	defer func() {
		if err != nil {
			_ = e.Close(context.WithoutCancel(ctx))
		}
	}()

	e.otel, err = telemetry.Init(cfg.Telemetry, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	raw, err := persistence.New(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint store: %w", err)
	}
	e.store = raw

	opts := []workflow.Option{
		workflow.WithLogger(logger),
		workflow.WithTracer(e.otel.Tracer("fabflow/workflow")),
	}

	if cfg.Metrics.Enabled {
		e.registry = prometheus.NewRegistry()
		e.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		e.collector = metrics.NewCollector(cfg.Metrics.Namespace, e.registry, logger)
		e.store = e.collector.InstrumentStore(raw, cfg.Checkpoint.Type)
		opts = append(opts, workflow.WithObserver(e.collector))
		if ps, ok := raw.(poolStatser); ok {
			e.wg.Add(1)
			go e.reportPoolStats(ps)
		}
	}
	opts = append(opts, workflow.WithCheckpointStore(e.store))

	if cfg.Events.Enabled {
		e.bus, err = eventbus.New(cfg.Events, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create event bus: %w", err)
		}
		opts = append(opts, workflow.WithObserver(e.bus))
	}

	e.orch = workflow.NewOrchestrator(workflow.Config{
		MaxParallelSteps:   cfg.Orchestrator.MaxParallelSteps,
		CheckpointInterval: cfg.Orchestrator.CheckpointInterval,
		CheckpointEnabled:  cfg.Orchestrator.CheckpointEnabled,
		EventBuffer:        cfg.Orchestrator.EventBuffer,
	}, opts...)

	if cfg.Metrics.Enabled {
		if err := e.startOps(); err != nil {
			return nil, err
		}
	}
	return e, nil
}

func (e *engine) startOps() error {
	handler := server.NewHandler(server.HandlerOptions{
		Gatherer: e.registry,
		Checks: map[string]server.HealthCheck{
			"checkpoint_store": e.store.Ping,
		},
		Status: func() any { return e.orch.Progress() },
		Logger: e.logger,
		Tracer: e.otel.Tracer("fabflow/ops"),
		JWT:    e.cfg.Metrics.JWT,
	})
	e.ops = server.NewManager(handler, server.ConfigFromMetrics(e.cfg.Metrics), e.logger)

	var err error
	if e.cfg.Metrics.TLSCertFile != "" {
		err = e.ops.StartTLS(e.cfg.Metrics.TLSCertFile, e.cfg.Metrics.TLSKeyFile)
	} else {
		err = e.ops.Start()
	}
	if err != nil {
		return fmt.Errorf("failed to start ops server: %w", err)
	}
	return nil
}

func (e *engine) reportPoolStats(ps poolStatser) {
	defer e.wg.Done()
	ticker := time.NewTicker(dbStatsInterval)
	defer ticker.Stop()

	record := func() {
		s := ps.PoolStats()
		e.collector.RecordDBConnections(e.cfg.Database.Driver, s.OpenConnections, s.Idle)
	}
	record()
	for {
		select {
		case <-ticker.C:
			record()
		case <-e.stop:
			return
		}
	}
}

// Close stops the ops server, flushes events and telemetry and closes the
// store. It is safe to call more than once.
func (e *engine) Close(ctx context.Context) error {
	e.once.Do(func() {
		close(e.stop)
		e.wg.Wait()

		var errs []error
		if e.ops != nil {
			if err := e.ops.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("ops server: %w", err))
			}
		}
		if e.bus != nil {
			if err := e.bus.Close(); err != nil {
				errs = append(errs, fmt.Errorf("event bus: %w", err))
			}
		}
		if e.store != nil {
			if err := e.store.Close(); err != nil {
				errs = append(errs, fmt.Errorf("checkpoint store: %w", err))
			}
		}
		if err := e.otel.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("telemetry: %w", err))
		}
		e.closeErr = errors.Join(errs...)
	})
	return e.closeErr
}
