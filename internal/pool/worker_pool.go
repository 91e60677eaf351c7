// Package pool provides the bounded worker pool that caps concurrent step executions.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

var (
	ErrPoolClosed = errors.New("pool is closed")
	ErrTaskPanic  = errors.New("task panicked")
)

// Task represents a unit of work.
type Task func(ctx context.Context) error

// Config configures the pool.
type Config struct {
	// Size is the number of workers, and therefore the maximum number of
	// tasks running at once. Values below one are treated as one.
	Size         int       `json:"size"`
	PanicHandler func(any) `json:"-"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{Size: 4}
}

// WorkerPool runs tasks on a fixed set of workers. Submission blocks until
// a worker accepts the task, so tasks start in submission order.
type WorkerPool struct {
	size         int
	tasks        chan taskWrapper
	done         chan struct{}
	closeOnce    sync.Once
	wg           sync.WaitGroup
	panicHandler func(any)

	active    atomic.Int32
	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	peak      atomic.Int32
}

type taskWrapper struct {
	task   Task
	ctx    context.Context
	result chan error
}

// New creates a pool and starts its workers.
func New(config Config) *WorkerPool {
	size := config.Size
	if size < 1 {
		size = 1
	}
	p := &WorkerPool{
		size:         size,
		tasks:        make(chan taskWrapper),
		done:         make(chan struct{}),
		panicHandler: config.PanicHandler,
	}
	p.wg.Add(size)
	for i := 0; i < size; i++ {
		go p.worker()
	}
	return p
}

// Size returns the worker count.
func (p *WorkerPool) Size() int { return p.size }

// Submit hands task to a free worker and returns a channel that receives
// its result. It blocks until a worker is free, ctx is done or the pool closes.
func (p *WorkerPool) Submit(ctx context.Context, task Task) (<-chan error, error) {
	select {
	case <-p.done:
		return nil, ErrPoolClosed
	default:
	}

	wrapper := taskWrapper{
		task:   task,
		ctx:    ctx,
		result: make(chan error, 1),
	}

	select {
	case p.tasks <- wrapper:
		p.submitted.Add(1)
		return wrapper.result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.done:
		return nil, ErrPoolClosed
	}
}

// SubmitWait submits a task and waits for completion. Once accepted the
// task always runs to completion; ctx only bounds the wait for a worker.
func (p *WorkerPool) SubmitWait(ctx context.Context, task Task) error {
	result, err := p.Submit(ctx, task)
	if err != nil {
		return err
	}
	return <-result
}

func (p *WorkerPool) worker() {
	defer p.wg.Done()

	for {
		select {
		case wrapper := <-p.tasks:
			n := p.active.Add(1)
			p.recordPeak(n)
			err := p.executeTask(wrapper)
			p.active.Add(-1)

			if err != nil {
				p.failed.Add(1)
			} else {
				p.completed.Add(1)
			}
			wrapper.result <- err
			close(wrapper.result)

		case <-p.done:
			return
		}
	}
}

func (p *WorkerPool) recordPeak(n int32) {
	for {
		cur := p.peak.Load()
		if n <= cur || p.peak.CompareAndSwap(cur, n) {
			return
		}
	}
}

func (p *WorkerPool) executeTask(wrapper taskWrapper) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if p.panicHandler != nil {
				p.panicHandler(r)
			}
			err = fmt.Errorf("%w: %v", ErrTaskPanic, r)
		}
	}()

	return wrapper.task(wrapper.ctx)
}

// Close stops the workers after their current task and waits for them.
func (p *WorkerPool) Close() {
	p.closeOnce.Do(func() {
		close(p.done)
	})
	p.wg.Wait()
}

// Stats returns pool statistics.
func (p *WorkerPool) Stats() Stats {
	return Stats{
		Workers:    p.size,
		Active:     int(p.active.Load()),
		PeakActive: int(p.peak.Load()),
		Submitted:  p.submitted.Load(),
		Completed:  p.completed.Load(),
		Failed:     p.failed.Load(),
	}
}

// Stats contains pool statistics.
type Stats struct {
	Workers    int   `json:"workers"`
	Active     int   `json:"active"`
	PeakActive int   `json:"peak_active"`
	Submitted  int64 `json:"submitted"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
}
