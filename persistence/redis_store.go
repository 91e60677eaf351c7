package persistence

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/fabflow/internal/cache"
	"github.com/BaSui01/fabflow/workflow"
)

// RedisStore keeps each checkpoint as a JSON string at
// <prefix>:data:<flow>/<target> and tracks every stored key in the set
// <prefix>:index so List does not need KEYS or SCAN.
type RedisStore struct {
	cache  *cache.Manager
	prefix string
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisStore takes ownership of manager; Close closes it. A zero ttl
// keeps checkpoints until they are deleted.
func NewRedisStore(manager *cache.Manager, prefix string, ttl time.Duration, logger *zap.Logger) (*RedisStore, error) {
	if manager == nil {
		return nil, errors.New("cache manager is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisStore{
		cache:  manager,
		prefix: cmp.Or(prefix, "fabflow:checkpoint"),
		ttl:    ttl,
		logger: logger.With(zap.String("store", "redis_checkpoint")),
	}, nil
}

func (s *RedisStore) dataKey(member string) string {
	return s.prefix + ":data:" + member
}

func (s *RedisStore) indexKey() string {
	return s.prefix + ":index"
}

func (s *RedisStore) Save(ctx context.Context, cp *workflow.Checkpoint) error {
	if err := checkInput(cp); err != nil {
		return err
	}
	member := cp.Key()
	if err := s.cache.SetJSONIndexed(ctx, s.dataKey(member), cp, s.indexKey(), member, s.ttl); err != nil {
		return s.wrap(err)
	}
	s.logger.Debug("checkpoint saved to redis",
		zap.String("flow", cp.FlowID),
		zap.String("target", cp.TargetID),
	)
	return nil
}

func (s *RedisStore) Load(ctx context.Context, flowID, targetID string) (*workflow.Checkpoint, error) {
	var cp workflow.Checkpoint
	err := s.cache.GetJSON(ctx, s.dataKey(workflow.CheckpointKey(flowID, targetID)), &cp)
	if cache.IsCacheMiss(err) {
		return nil, notFound(flowID, targetID)
	}
	if err != nil {
		return nil, s.wrap(err)
	}
	return &cp, nil
}

func (s *RedisStore) Delete(ctx context.Context, flowID, targetID string) error {
	member := workflow.CheckpointKey(flowID, targetID)
	return s.wrap(s.cache.DeleteIndexed(ctx, s.dataKey(member), s.indexKey(), member))
}

// List prunes index members whose data expired.
func (s *RedisStore) List(ctx context.Context, flowID string) ([]*workflow.Checkpoint, error) {
	members, err := s.cache.Members(ctx, s.indexKey())
	if err != nil {
		return nil, s.wrap(err)
	}

	var (
		out   []*workflow.Checkpoint
		stale []string
	)
	for _, member := range members {
		var cp workflow.Checkpoint
		err := s.cache.GetJSON(ctx, s.dataKey(member), &cp)
		if cache.IsCacheMiss(err) {
			stale = append(stale, member)
			continue
		}
		if err != nil {
			s.logger.Warn("failed to load checkpoint", zap.String("key", member), zap.Error(err))
			continue
		}
		if flowID == "" || cp.FlowID == flowID {
			out = append(out, &cp)
		}
	}

	if len(stale) > 0 {
		if err := s.cache.RemoveMembers(ctx, s.indexKey(), stale...); err != nil {
			s.logger.Warn("failed to prune checkpoint index", zap.Error(err))
		}
	}
	workflow.SortCheckpoints(out)
	return out, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.wrap(s.cache.Ping(ctx))
}

func (s *RedisStore) Close() error {
	return s.cache.Close()
}

func (s *RedisStore) wrap(err error) error {
	if errors.Is(err, cache.ErrClosed) {
		return fmt.Errorf("%w: %w", ErrStoreClosed, err)
	}
	return err
}
