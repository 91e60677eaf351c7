package workflow

import (
	"context"
	"fmt"
	"maps"
	"net/url"
	"slices"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/BaSui01/fabflow/types"
)

// ErrCheckpointNotFound is returned by stores when no checkpoint exists for a
// (flow, target) pair.
var ErrCheckpointNotFound = types.NewError(types.ErrCheckpointNotFound, "checkpoint not found")

// CompletedStep is a completed step and the outputs it produced.
type CompletedStep struct {
	StepID  string            `json:"step_id"`
	Outputs map[string]string `json:"outputs,omitempty"`
}

// Checkpoint is the resumable state of one (flow, target) run.
type Checkpoint struct {
	FlowID      string `json:"flow_id"`
	FlowVersion string `json:"flow_version,omitempty"`
	TargetID    string `json:"target_id"`
	// StepIDs is the step set of the flow the checkpoint was taken from.
	StepIDs        []string        `json:"step_ids"`
	CompletedSteps []CompletedStep `json:"completed_steps"`
	Progress       Progress        `json:"progress"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Key returns the storage key of the checkpoint.
func (c *Checkpoint) Key() string {
	return CheckpointKey(c.FlowID, c.TargetID)
}

// CheckpointKey builds the key shared by every store for a (flow, target) pair.
// Both parts are path-escaped, so "/" only ever appears as the separator.
func CheckpointKey(flowID, targetID string) string {
	return url.PathEscape(flowID) + "/" + url.PathEscape(targetID)
}

// Completed returns the set of completed step ids.
func (c *Checkpoint) Completed() map[string]bool {
	set := make(map[string]bool, len(c.CompletedSteps))
	for _, s := range c.CompletedSteps {
		set[s.StepID] = true
	}
	return set
}

// Clone returns a deep copy.
func (c *Checkpoint) Clone() *Checkpoint {
	if c == nil {
		return nil
	}
	out := *c
	out.StepIDs = slices.Clone(c.StepIDs)
	out.CompletedSteps = make([]CompletedStep, len(c.CompletedSteps))
	for i, s := range c.CompletedSteps {
		out.CompletedSteps[i] = CompletedStep{StepID: s.StepID, Outputs: maps.Clone(s.Outputs)}
	}
	out.Progress = c.Progress.Clone()
	return &out
}

// Validate checks that the checkpoint can resume flow: same flow id and the
// same step set.
func (c *Checkpoint) Validate(flow *Flow) error {
	if c.FlowID != flow.Name {
		return types.Errorf(types.ErrCheckpointMismatch,
			"checkpoint belongs to flow %q, not %q", c.FlowID, flow.Name)
	}
	want := slices.Clone(c.StepIDs)
	got := flow.StepIDs()
	sort.Strings(want)
	sort.Strings(got)
	if !slices.Equal(want, got) {
		return types.Errorf(types.ErrCheckpointMismatch,
			"flow %s step set changed since checkpoint: had %v, now %v", flow.Name, want, got)
	}
	seen := make(map[string]bool, len(c.CompletedSteps))
	for _, s := range c.CompletedSteps {
		if !slices.Contains(got, s.StepID) {
			return types.Errorf(types.ErrCheckpointMismatch,
				"checkpoint marks unknown step %q completed", s.StepID)
		}
		if seen[s.StepID] {
			return types.Errorf(types.ErrCheckpointMismatch,
				"checkpoint marks step %q completed more than once", s.StepID)
		}
		seen[s.StepID] = true
	}
	return nil
}

// CheckpointStore persists checkpoints, one per (flow, target) pair.
type CheckpointStore interface {
	// Save stores cp, replacing any checkpoint for the same pair.
	Save(ctx context.Context, cp *Checkpoint) error
	// Load returns ErrCheckpointNotFound when nothing is stored.
	Load(ctx context.Context, flowID, targetID string) (*Checkpoint, error)
	// Delete is a no-op when nothing is stored.
	Delete(ctx context.Context, flowID, targetID string) error
	// List returns the checkpoints of flowID, or every checkpoint when flowID is empty.
	List(ctx context.Context, flowID string) ([]*Checkpoint, error)
}

// MemoryCheckpointStore is an in-process CheckpointStore.
type MemoryCheckpointStore struct {
	mu          sync.RWMutex
	checkpoints map[string]*Checkpoint
}

// NewMemoryCheckpointStore creates an empty in-memory store.
func NewMemoryCheckpointStore() *MemoryCheckpointStore {
	return &MemoryCheckpointStore{checkpoints: make(map[string]*Checkpoint)}
}

func (s *MemoryCheckpointStore) Save(ctx context.Context, cp *Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints[cp.Key()] = cp.Clone()
	return nil
}

func (s *MemoryCheckpointStore) Load(ctx context.Context, flowID, targetID string) (*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp, ok := s.checkpoints[CheckpointKey(flowID, targetID)]
	if !ok {
		return nil, fmt.Errorf("%w: flow=%s target=%s", ErrCheckpointNotFound, flowID, targetID)
	}
	return cp.Clone(), nil
}

func (s *MemoryCheckpointStore) Delete(ctx context.Context, flowID, targetID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.checkpoints, CheckpointKey(flowID, targetID))
	return nil
}

func (s *MemoryCheckpointStore) List(ctx context.Context, flowID string) ([]*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Checkpoint
	for _, cp := range s.checkpoints {
		if flowID == "" || cp.FlowID == flowID {
			out = append(out, cp.Clone())
		}
	}
	SortCheckpoints(out)
	return out, nil
}

// SortCheckpoints orders checkpoints by flow then target.
func SortCheckpoints(cps []*Checkpoint) {
	sort.Slice(cps, func(i, j int) bool {
		if cps[i].FlowID != cps[j].FlowID {
			return cps[i].FlowID < cps[j].FlowID
		}
		return cps[i].TargetID < cps[j].TargetID
	})
}

// CheckpointManager saves and restores run checkpoints through a store.
type CheckpointManager struct {
	store    CheckpointStore
	interval time.Duration
	enabled  bool
	logger   *zap.Logger
}

// NewCheckpointManager creates a manager. Periodic saves happen at most once
// per interval; an interval of zero saves at every boundary. When enabled is
// false only on-demand saves are written.
func NewCheckpointManager(store CheckpointStore, interval time.Duration, enabled bool, logger *zap.Logger) *CheckpointManager {
	if store == nil {
		store = NewMemoryCheckpointStore()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CheckpointManager{
		store:    store,
		interval: interval,
		enabled:  enabled,
		logger:   logger.With(zap.String("component", "checkpoint_manager")),
	}
}

// Store returns the underlying store.
func (m *CheckpointManager) Store() CheckpointStore { return m.store }

// Enabled reports whether automatic saves are on.
func (m *CheckpointManager) Enabled() bool { return m.enabled }

// throttle returns a limiter for one run's periodic saves.
func (m *CheckpointManager) throttle() *rate.Sometimes {
	if m.interval <= 0 {
		return &rate.Sometimes{Every: 1}
	}
	return &rate.Sometimes{Interval: m.interval}
}

// Save writes cp, overwriting the previous checkpoint of the same pair.
func (m *CheckpointManager) Save(ctx context.Context, cp *Checkpoint) error {
	if err := m.store.Save(ctx, cp); err != nil {
		m.logger.Error("failed to save checkpoint",
			zap.String("flow", cp.FlowID),
			zap.String("target", cp.TargetID),
			zap.Error(err),
		)
		return fmt.Errorf("save checkpoint %s: %w", cp.Key(), err)
	}
	m.logger.Debug("checkpoint saved",
		zap.String("flow", cp.FlowID),
		zap.String("target", cp.TargetID),
		zap.Int("completed_steps", len(cp.CompletedSteps)),
	)
	return nil
}

// Load reads the checkpoint of a pair.
func (m *CheckpointManager) Load(ctx context.Context, flowID, targetID string) (*Checkpoint, error) {
	cp, err := m.store.Load(ctx, flowID, targetID)
	if err != nil {
		return nil, err
	}
	return cp, nil
}

// Restore loads the checkpoint of (flow, target) and validates it against flow.
func (m *CheckpointManager) Restore(ctx context.Context, flow *Flow, targetID string) (*Checkpoint, error) {
	cp, err := m.Load(ctx, flow.Name, targetID)
	if err != nil {
		return nil, err
	}
	if err := cp.Validate(flow); err != nil {
		return nil, err
	}
	if cp.FlowVersion != flow.Version {
		m.logger.Warn("resuming checkpoint taken from another flow version",
			zap.String("flow", flow.Name),
			zap.String("checkpoint_version", cp.FlowVersion),
			zap.String("flow_version", flow.Version),
		)
	}
	return cp, nil
}

// Delete removes the checkpoint of a pair.
func (m *CheckpointManager) Delete(ctx context.Context, flowID, targetID string) error {
	if err := m.store.Delete(ctx, flowID, targetID); err != nil {
		return fmt.Errorf("delete checkpoint %s: %w", CheckpointKey(flowID, targetID), err)
	}
	return nil
}

// List returns stored checkpoints of flowID, or all when flowID is empty.
func (m *CheckpointManager) List(ctx context.Context, flowID string) ([]*Checkpoint, error) {
	return m.store.List(ctx, flowID)
}
