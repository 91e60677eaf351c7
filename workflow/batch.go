package workflow

import (
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// BatchItem asks for one flow to run against one target.
type BatchItem struct {
	ID       string    `json:"id"`
	TargetID string    `json:"target_id"`
	FlowID   string    `json:"flow_id"`
	AddedAt  time.Time `json:"added_at"`
}

// BatchResult is the outcome of one started batch item.
type BatchResult struct {
	Item    BatchItem `json:"item"`
	Success bool      `json:"success"`
	State   State     `json:"state"`
	Error   string    `json:"error,omitempty"`
}

// BatchQueue is a FIFO of batch items. It is safe for concurrent use.
type BatchQueue struct {
	mu    sync.Mutex
	items []BatchItem
}

// NewBatchQueue creates an empty queue.
func NewBatchQueue() *BatchQueue {
	return &BatchQueue{}
}

// Add appends a (target, flow) pair and returns the queued item.
func (q *BatchQueue) Add(targetID, flowID string) BatchItem {
	item := BatchItem{
		ID:       uuid.NewString(),
		TargetID: targetID,
		FlowID:   flowID,
		AddedAt:  time.Now(),
	}
	q.mu.Lock()
	q.items = append(q.items, item)
	q.mu.Unlock()
	return item
}

// Remove deletes the item with the given id.
func (q *BatchQueue) Remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	i := slices.IndexFunc(q.items, func(it BatchItem) bool { return it.ID == id })
	if i < 0 {
		return false
	}
	q.items = slices.Delete(q.items, i, i+1)
	return true
}

// Front returns the oldest item without removing it.
func (q *BatchQueue) Front() (BatchItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return BatchItem{}, false
	}
	return q.items[0], true
}

// Items returns a copy of the queued items in FIFO order.
func (q *BatchQueue) Items() []BatchItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	return slices.Clone(q.items)
}

// Len returns the number of queued items.
func (q *BatchQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Clear drops every queued item.
func (q *BatchQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = nil
}
