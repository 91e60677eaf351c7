package persistence

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"
	"go.uber.org/zap"

	"github.com/BaSui01/fabflow/config"
	"github.com/BaSui01/fabflow/internal/tlsutil"
	"github.com/BaSui01/fabflow/workflow"
)

// checkpointDocument is the MongoDB shape of a checkpoint. _id is the shared
// checkpoint key; Payload is the JSON checkpoint so the round trip keeps
// nanosecond timestamps and map outputs exactly.
type checkpointDocument struct {
	ID             string    `bson:"_id"`
	FlowID         string    `bson:"flow_id"`
	TargetID       string    `bson:"target_id"`
	FlowVersion    string    `bson:"flow_version,omitempty"`
	CompletedSteps int       `bson:"completed_steps"`
	Payload        string    `bson:"payload"`
	UpdatedAt      time.Time `bson:"updated_at"`
}

func newCheckpointDocument(cp *workflow.Checkpoint, now time.Time) (*checkpointDocument, error) {
	payload, err := encode(cp)
	if err != nil {
		return nil, err
	}
	return &checkpointDocument{
		ID:             cp.Key(),
		FlowID:         cp.FlowID,
		TargetID:       cp.TargetID,
		FlowVersion:    cp.FlowVersion,
		CompletedSteps: len(cp.CompletedSteps),
		Payload:        string(payload),
		UpdatedAt:      now.UTC(),
	}, nil
}

// MongoStore persists checkpoints in a MongoDB collection.
type MongoStore struct {
	client *mongo.Client // nil when the collection was injected
	coll   *mongo.Collection
	logger *zap.Logger
	closed atomic.Bool
}

// NewMongoStore connects to cfg.URI, checks the connection and ensures the
// (flow_id, target_id) index.
func NewMongoStore(ctx context.Context, cfg config.MongoConfig, logger *zap.Logger) (*MongoStore, error) {
	if cfg.URI == "" {
		return nil, errors.New("mongo uri is required")
	}
	timeout := cmp.Or(cfg.ConnectTimeout, 10*time.Second)
	opts := options.Client().ApplyURI(cfg.URI).SetConnectTimeout(timeout)
	if cfg.TLSEnabled {
		opts.SetTLSConfig(tlsutil.ClientTLSConfig(""))
	}
	client, err := mongo.Connect(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect mongo: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping mongo: %w", err)
	}

	coll := client.Database(cmp.Or(cfg.Database, "fabflow")).Collection(cmp.Or(cfg.Collection, "checkpoints"))
	s := NewMongoStoreFromCollection(coll, logger)
	s.client = client
	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return s, nil
}

// NewMongoStoreFromCollection wraps an existing collection. Close leaves the
// client connected.
func NewMongoStoreFromCollection(coll *mongo.Collection, logger *zap.Logger) *MongoStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MongoStore{
		coll:   coll,
		logger: logger.With(zap.String("store", "mongo_checkpoint")),
	}
}

func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "flow_id", Value: 1}, {Key: "target_id", Value: 1}},
		Options: options.Index().SetName("flow_target"),
	})
	if err != nil {
		return fmt.Errorf("failed to create checkpoint index: %w", err)
	}
	return nil
}

func (s *MongoStore) Save(ctx context.Context, cp *workflow.Checkpoint) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}
	if err := checkInput(cp); err != nil {
		return err
	}
	doc, err := newCheckpointDocument(cp, time.Now())
	if err != nil {
		return err
	}
	_, err = s.coll.ReplaceOne(ctx, bson.D{{Key: "_id", Value: doc.ID}}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	s.logger.Debug("checkpoint saved to mongo",
		zap.String("flow", cp.FlowID),
		zap.String("target", cp.TargetID),
	)
	return nil
}

func (s *MongoStore) Load(ctx context.Context, flowID, targetID string) (*workflow.Checkpoint, error) {
	if s.closed.Load() {
		return nil, ErrStoreClosed
	}
	var doc checkpointDocument
	err := s.coll.FindOne(ctx, bson.D{{Key: "_id", Value: workflow.CheckpointKey(flowID, targetID)}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, notFound(flowID, targetID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	return decode([]byte(doc.Payload))
}

func (s *MongoStore) Delete(ctx context.Context, flowID, targetID string) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}
	_, err := s.coll.DeleteOne(ctx, bson.D{{Key: "_id", Value: workflow.CheckpointKey(flowID, targetID)}})
	if err != nil {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	return nil
}

func (s *MongoStore) List(ctx context.Context, flowID string) ([]*workflow.Checkpoint, error) {
	if s.closed.Load() {
		return nil, ErrStoreClosed
	}
	filter := bson.D{}
	if flowID != "" {
		filter = bson.D{{Key: "flow_id", Value: flowID}}
	}
	cur, err := s.coll.Find(ctx, filter,
		options.Find().SetSort(bson.D{{Key: "flow_id", Value: 1}, {Key: "target_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	var docs []checkpointDocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to read checkpoints: %w", err)
	}

	out := make([]*workflow.Checkpoint, 0, len(docs))
	for _, doc := range docs {
		cp, err := decode([]byte(doc.Payload))
		if err != nil {
			s.logger.Warn("skipping undecodable checkpoint", zap.String("id", doc.ID), zap.Error(err))
			continue
		}
		out = append(out, cp)
	}
	return out, nil
}

func (s *MongoStore) Ping(ctx context.Context) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}
	return s.coll.Database().Client().Ping(ctx, readpref.Primary())
}

func (s *MongoStore) Close() error {
	if s.closed.Swap(true) || s.client == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}
