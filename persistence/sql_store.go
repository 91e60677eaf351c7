package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/BaSui01/fabflow/internal/database"
	"github.com/BaSui01/fabflow/workflow"
)

// checkpointRecord maps the workflow_checkpoints table created by
// internal/migration. Payload holds the JSON checkpoint; the other columns
// exist for querying.
type checkpointRecord struct {
	FlowID         string `gorm:"primaryKey;size:255"`
	TargetID       string `gorm:"primaryKey;size:255"`
	FlowVersion    string `gorm:"size:64;not null;default:''"`
	CompletedSteps int    `gorm:"not null;default:0"`
	Payload        string `gorm:"type:text;not null"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (checkpointRecord) TableName() string { return "workflow_checkpoints" }

// SQLOption configures a SQLStore.
type SQLOption func(*SQLStore)

// WithAutoMigrate creates or updates the table through gorm instead of the
// versioned migrations. Intended for SQLite and tests.
func WithAutoMigrate() SQLOption {
	return func(s *SQLStore) { s.autoMigrate = true }
}

// WithSaveRetries sets how often a Save transaction is retried on deadlock
// or lost connection. Default 3.
func WithSaveRetries(n int) SQLOption {
	return func(s *SQLStore) {
		if n > 0 {
			s.retries = n
		}
	}
}

// SQLStore persists checkpoints through gorm on top of a database.PoolManager.
type SQLStore struct {
	pool        *database.PoolManager
	logger      *zap.Logger
	autoMigrate bool
	retries     int
	closed      atomic.Bool
}

// NewSQLStore takes ownership of pool; Close closes it.
func NewSQLStore(ctx context.Context, pool *database.PoolManager, logger *zap.Logger, opts ...SQLOption) (*SQLStore, error) {
	if pool == nil {
		return nil, errors.New("database pool is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &SQLStore{
		pool:    pool,
		logger:  logger.With(zap.String("store", "sql_checkpoint")),
		retries: 3,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.autoMigrate {
		if err := pool.DB().WithContext(ctx).AutoMigrate(&checkpointRecord{}); err != nil {
			return nil, fmt.Errorf("failed to migrate checkpoint table: %w", err)
		}
	}
	return s, nil
}

func (s *SQLStore) db(ctx context.Context) (*gorm.DB, error) {
	if s.closed.Load() {
		return nil, ErrStoreClosed
	}
	return s.pool.DB().WithContext(ctx), nil
}

// Save upserts the (flow, target) row in a retried transaction.
func (s *SQLStore) Save(ctx context.Context, cp *workflow.Checkpoint) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}
	if err := checkInput(cp); err != nil {
		return err
	}
	payload, err := encode(cp)
	if err != nil {
		return err
	}
	rec := checkpointRecord{
		FlowID:         cp.FlowID,
		TargetID:       cp.TargetID,
		FlowVersion:    cp.FlowVersion,
		CompletedSteps: len(cp.CompletedSteps),
		Payload:        string(payload),
		CreatedAt:      cp.CreatedAt,
	}

	err = s.pool.WithTransactionRetry(ctx, s.retries, func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "flow_id"}, {Name: "target_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"flow_version", "completed_steps", "payload", "updated_at"}),
		}).Create(&rec).Error
	})
	if err != nil {
		return s.wrap(fmt.Errorf("failed to save checkpoint: %w", err))
	}
	s.logger.Debug("checkpoint saved",
		zap.String("flow", cp.FlowID),
		zap.String("target", cp.TargetID),
		zap.Int("completed", rec.CompletedSteps),
	)
	return nil
}

func (s *SQLStore) Load(ctx context.Context, flowID, targetID string) (*workflow.Checkpoint, error) {
	db, err := s.db(ctx)
	if err != nil {
		return nil, err
	}
	var rec checkpointRecord
	err = db.Where("flow_id = ? AND target_id = ?", flowID, targetID).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, notFound(flowID, targetID)
	}
	if err != nil {
		return nil, s.wrap(fmt.Errorf("failed to load checkpoint: %w", err))
	}
	return decode([]byte(rec.Payload))
}

func (s *SQLStore) Delete(ctx context.Context, flowID, targetID string) error {
	db, err := s.db(ctx)
	if err != nil {
		return err
	}
	err = db.Where("flow_id = ? AND target_id = ?", flowID, targetID).Delete(&checkpointRecord{}).Error
	if err != nil {
		return s.wrap(fmt.Errorf("failed to delete checkpoint: %w", err))
	}
	return nil
}

func (s *SQLStore) List(ctx context.Context, flowID string) ([]*workflow.Checkpoint, error) {
	db, err := s.db(ctx)
	if err != nil {
		return nil, err
	}
	q := db.Order("flow_id").Order("target_id")
	if flowID != "" {
		q = q.Where("flow_id = ?", flowID)
	}
	var recs []checkpointRecord
	if err := q.Find(&recs).Error; err != nil {
		return nil, s.wrap(fmt.Errorf("failed to list checkpoints: %w", err))
	}

	out := make([]*workflow.Checkpoint, 0, len(recs))
	for _, rec := range recs {
		cp, err := decode([]byte(rec.Payload))
		if err != nil {
			s.logger.Warn("skipping undecodable checkpoint",
				zap.String("flow", rec.FlowID),
				zap.String("target", rec.TargetID),
				zap.Error(err),
			)
			continue
		}
		out = append(out, cp)
	}
	return out, nil
}

func (s *SQLStore) Ping(ctx context.Context) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}
	return s.wrap(s.pool.Ping(ctx))
}

// PoolStats exposes the connection pool counters for metrics.
func (s *SQLStore) PoolStats() sql.DBStats {
	return s.pool.Stats()
}

func (s *SQLStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.pool.Close()
}

func (s *SQLStore) wrap(err error) error {
	if errors.Is(err, database.ErrPoolClosed) {
		return fmt.Errorf("%w: %w", ErrStoreClosed, err)
	}
	return err
}
