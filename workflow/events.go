package workflow

import (
	"slices"
	"sync"
	"time"
)

// EventType identifies what an Event reports.
type EventType string

const (
	EventStateChanged     EventType = "state_changed"
	EventStepStarted      EventType = "step_started"
	EventStepCompleted    EventType = "step_completed"
	EventStepFailed       EventType = "step_failed"
	EventStepRetry        EventType = "step_retry"
	EventStepSkipped      EventType = "step_skipped"
	EventProgress         EventType = "progress"
	EventCheckpointSaved  EventType = "checkpoint_saved"
	EventBatchItemStarted EventType = "batch_item_started"
	EventBatchItemDone    EventType = "batch_item_done"
)

// Event is a notification emitted by an execution.
type Event struct {
	Type        EventType     `json:"type"`
	ExecutionID string        `json:"execution_id"`
	FlowID      string        `json:"flow_id,omitempty"`
	TargetID    string        `json:"target_id,omitempty"`
	StepID      string        `json:"step_id,omitempty"`
	State       State         `json:"state,omitempty"`
	PrevState   State         `json:"prev_state,omitempty"`
	Attempt     int           `json:"attempt,omitempty"`
	Duration    time.Duration `json:"duration,omitempty"`
	Success     bool          `json:"success,omitempty"`
	Error       *StepError    `json:"error,omitempty"`
	Progress    *Progress     `json:"progress,omitempty"`
	Time        time.Time     `json:"time"`
}

// Observer receives execution events. Observers are called one at a time in
// emit order, on the emitting goroutine or the one already delivering, so
// they must return quickly. An observer may call back into the orchestrator;
// events it causes are delivered after it returns.
type Observer interface {
	OnEvent(Event)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(Event)

// OnEvent implements Observer.
func (f ObserverFunc) OnEvent(e Event) { f(e) }

// ChannelObserver forwards events into a buffered channel. When the buffer is
// full, OnEvent blocks until the consumer drains it.
type ChannelObserver struct {
	ch chan Event
}

// NewChannelObserver creates a ChannelObserver with the given buffer size.
func NewChannelObserver(buffer int) *ChannelObserver {
	if buffer < 0 {
		buffer = 0
	}
	return &ChannelObserver{ch: make(chan Event, buffer)}
}

// OnEvent implements Observer.
func (o *ChannelObserver) OnEvent(e Event) { o.ch <- e }

// Events returns the receive side of the channel.
func (o *ChannelObserver) Events() <-chan Event { return o.ch }

type subscription struct {
	id       uint64
	observer Observer
}

// dispatcher fans events out to observers, serializing delivery. The
// goroutine that finds no delivery in progress delivers its event and then
// drains whatever was queued meanwhile, so an observer that triggers another
// event (Reset from a completion handler, say) queues it instead of
// deadlocking, and FIFO order is kept.
type dispatcher struct {
	mu         sync.Mutex
	pending    []Event
	delivering bool

	subsMu sync.RWMutex
	subs   []subscription
	nextID uint64
}

func (d *dispatcher) subscribe(o Observer) func() {
	d.subsMu.Lock()
	d.nextID++
	id := d.nextID
	d.subs = append(d.subs, subscription{id: id, observer: o})
	d.subsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.subsMu.Lock()
			defer d.subsMu.Unlock()
			d.subs = slices.DeleteFunc(d.subs, func(s subscription) bool { return s.id == id })
		})
	}
}

func (d *dispatcher) emit(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	d.mu.Lock()
	d.pending = append(d.pending, e)
	if d.delivering {
		d.mu.Unlock()
		return
	}
	d.delivering = true
	d.mu.Unlock()

	done := false
	defer func() {
		if !done {
			// an observer panicked; let the next emit deliver again
			d.mu.Lock()
			d.pending = nil
			d.delivering = false
			d.mu.Unlock()
		}
	}()
	for {
		d.mu.Lock()
		if len(d.pending) == 0 {
			d.pending = nil
			d.delivering = false
			d.mu.Unlock()
			done = true
			return
		}
		next := d.pending[0]
		d.pending = d.pending[1:]
		d.mu.Unlock()

		d.deliver(next)
	}
}

func (d *dispatcher) deliver(e Event) {
	d.subsMu.RLock()
	subs := slices.Clone(d.subs)
	d.subsMu.RUnlock()
	for _, s := range subs {
		s.observer.OnEvent(e)
	}
}
