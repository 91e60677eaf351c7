package persistence

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/fabflow/config"
	"github.com/BaSui01/fabflow/internal/cache"
	"github.com/BaSui01/fabflow/internal/database"
)

// New creates the checkpoint store selected by cfg.Checkpoint.Type.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (Store, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	cp := cfg.Checkpoint
	switch cp.Type {
	case config.CheckpointMemory, "":
		return NewMemoryStore(), nil

	case config.CheckpointFile:
		return NewFileStore(cp.BaseDir, logger)

	case config.CheckpointRedis:
		manager, err := cache.NewManager(redisConfig(cfg.Redis), logger)
		if err != nil {
			return nil, err
		}
		return NewRedisStore(manager, cp.KeyPrefix, cp.TTL, logger)

	case config.CheckpointDatabase:
		db, err := database.Open(cfg.Database.Driver, cfg.Database.DSN(), logger)
		if err != nil {
			return nil, err
		}
		pool, err := database.NewPoolManager(db, poolConfig(cfg.Database), logger)
		if err != nil {
			if sqlDB, dbErr := db.DB(); dbErr == nil {
				sqlDB.Close()
			}
			return nil, err
		}
		var opts []SQLOption
		if cp.AutoMigrate {
			opts = append(opts, WithAutoMigrate())
		}
		store, err := NewSQLStore(ctx, pool, logger, opts...)
		if err != nil {
			pool.Close()
			return nil, err
		}
		return store, nil

	case config.CheckpointMongo:
		return NewMongoStore(ctx, cfg.Mongo, logger)

	default:
		return nil, fmt.Errorf("unsupported checkpoint store type: %s", cp.Type)
	}
}

func redisConfig(c config.RedisConfig) cache.Config {
	rc := cache.DefaultConfig()
	rc.Addr = c.Addr
	rc.Password = c.Password
	rc.DB = c.DB
	rc.TLSEnabled = c.TLSEnabled
	if c.PoolSize > 0 {
		rc.PoolSize = c.PoolSize
	}
	if c.MinIdleConns > 0 {
		rc.MinIdleConns = c.MinIdleConns
	}
	// Expiry is decided per store, never by the manager default.
	rc.DefaultTTL = 0
	return rc
}

func poolConfig(c config.DatabaseConfig) database.PoolConfig {
	pc := database.DefaultPoolConfig()
	if c.MaxOpenConns > 0 {
		pc.MaxOpenConns = c.MaxOpenConns
	}
	if c.MaxIdleConns > 0 {
		pc.MaxIdleConns = min(c.MaxIdleConns, pc.MaxOpenConns)
	}
	pc.MaxIdleConns = min(pc.MaxIdleConns, pc.MaxOpenConns)
	if c.ConnMaxLifetime > 0 {
		pc.ConnMaxLifetime = c.ConnMaxLifetime
	}
	pc.HealthCheckInterval = time.Minute
	return pc
}
