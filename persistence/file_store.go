package persistence

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/BaSui01/fabflow/workflow"
)

// FileStore keeps one JSON file per checkpoint under
// <baseDir>/checkpoints/<flow>/<target>.json with path-escaped ids.
// Suitable for single-node deployments.
type FileStore struct {
	baseDir string
	logger  *zap.Logger

	mu     sync.RWMutex
	closed bool
}

// NewFileStore creates the checkpoint directory if needed.
func NewFileStore(baseDir string, logger *zap.Logger) (*FileStore, error) {
	if baseDir == "" {
		return nil, errors.New("base directory is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	dir := filepath.Join(baseDir, "checkpoints")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory: %w", err)
	}
	return &FileStore{
		baseDir: dir,
		logger:  logger.With(zap.String("store", "file_checkpoint")),
	}, nil
}

// escapeName makes an id safe as a single path element. A leading dot is
// escaped too so "." and ".." cannot leave the store directory.
func escapeName(id string) string {
	e := url.PathEscape(id)
	if strings.HasPrefix(e, ".") {
		e = "%2E" + e[1:]
	}
	return e
}

func (s *FileStore) flowDir(flowID string) string {
	return filepath.Join(s.baseDir, escapeName(flowID))
}

func (s *FileStore) path(flowID, targetID string) string {
	return filepath.Join(s.flowDir(flowID), escapeName(targetID)+".json")
}

// Save writes to a temp file in the target directory and renames it over
// the previous checkpoint.
func (s *FileStore) Save(ctx context.Context, cp *workflow.Checkpoint) error {
	if err := checkInput(cp); err != nil {
		return err
	}
	data, err := encode(cp)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	dir := s.flowDir(cp.FlowID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create flow directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".checkpoint-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path(cp.FlowID, cp.TargetID)); err != nil {
		return fmt.Errorf("failed to commit checkpoint: %w", err)
	}

	s.logger.Debug("checkpoint saved",
		zap.String("flow", cp.FlowID),
		zap.String("target", cp.TargetID),
		zap.Int("completed", len(cp.CompletedSteps)),
	)
	return nil
}

func (s *FileStore) Load(ctx context.Context, flowID, targetID string) (*workflow.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	return s.read(s.path(flowID, targetID), flowID, targetID)
}

func (s *FileStore) read(path, flowID, targetID string) (*workflow.Checkpoint, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, notFound(flowID, targetID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}
	return decode(data)
}

func (s *FileStore) Delete(ctx context.Context, flowID, targetID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	err := os.Remove(s.path(flowID, targetID))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	// Drop the flow directory once it is empty; a non-empty one stays.
	_ = os.Remove(s.flowDir(flowID))
	return nil
}

func (s *FileStore) List(ctx context.Context, flowID string) ([]*workflow.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	pattern := filepath.Join(s.baseDir, "*", "*.json")
	if flowID != "" {
		pattern = filepath.Join(s.flowDir(flowID), "*.json")
	}
	paths, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}

	out := make([]*workflow.Checkpoint, 0, len(paths))
	for _, p := range paths {
		cp, err := s.read(p, flowID, strings.TrimSuffix(filepath.Base(p), ".json"))
		if err != nil {
			s.logger.Warn("skipping unreadable checkpoint", zap.String("path", p), zap.Error(err))
			continue
		}
		out = append(out, cp)
	}
	workflow.SortCheckpoints(out)
	return out, nil
}

func (s *FileStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	_, err := os.Stat(s.baseDir)
	return err
}

func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
