package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/BaSui01/fabflow/workflow"
)

// Common errors
var (
	// ErrNotFound is the store-agnostic alias of workflow.ErrCheckpointNotFound.
	ErrNotFound = workflow.ErrCheckpointNotFound

	ErrStoreClosed  = errors.New("checkpoint store is closed")
	ErrInvalidInput = errors.New("invalid checkpoint")
)

// Store is a durable workflow.CheckpointStore.
type Store interface {
	workflow.CheckpointStore
	io.Closer

	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error
}

// IsNotFound reports whether err means no checkpoint exists.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func notFound(flowID, targetID string) error {
	return fmt.Errorf("%w: flow=%s target=%s", ErrNotFound, flowID, targetID)
}

func checkInput(cp *workflow.Checkpoint) error {
	if cp == nil {
		return fmt.Errorf("%w: nil checkpoint", ErrInvalidInput)
	}
	if cp.FlowID == "" || cp.TargetID == "" {
		return fmt.Errorf("%w: flow and target ids are required", ErrInvalidInput)
	}
	return nil
}

// encode and decode are shared by the backends that keep the checkpoint as an
// opaque JSON payload next to indexed columns.
func encode(cp *workflow.Checkpoint) ([]byte, error) {
	data, err := json.Marshal(cp)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	return data, nil
}

func decode(data []byte) (*workflow.Checkpoint, error) {
	var cp workflow.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}
	return &cp, nil
}

// memoryStore adapts workflow.MemoryCheckpointStore to Store.
type memoryStore struct {
	*workflow.MemoryCheckpointStore
}

// NewMemoryStore returns an in-process Store; checkpoints are lost on exit.
func NewMemoryStore() Store {
	return memoryStore{workflow.NewMemoryCheckpointStore()}
}

func (memoryStore) Ping(context.Context) error { return nil }
func (memoryStore) Close() error               { return nil }
