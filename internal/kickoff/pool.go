// Package kickoff runs short-lived command-submission tasks on a bounded pool.
// Every task gets a Handle that can be joined or cancelled.
package kickoff

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/banshee-data/shimtool/internal/monitoring"
)

// ErrPoolClosed is returned by Submit after Close.
var ErrPoolClosed = errors.New("kickoff pool closed")

// DefaultWorkers bounds concurrently running tasks.
const DefaultWorkers = 4

// Task is the unit of work. It should return promptly once ctx is done.
type Task func(ctx context.Context) error

// Pool runs tasks with at most n in flight.
type Pool struct {
	sem  *semaphore.Weighted
	Logf func(format string, v ...interface{})

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	closed bool
	wg     sync.WaitGroup
}

// NewPool returns a pool running at most workers tasks at once.
func NewPool(workers int) *Pool {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		sem:    semaphore.NewWeighted(int64(workers)),
		Logf:   monitoring.Prefixed("kickoff"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Handle tracks one submitted task.
type Handle struct {
	name   string
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// Name is the label given at submission.
func (h *Handle) Name() string { return h.name }

// Wait blocks until the task returns, or ctx is done, and returns the task's
// error.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed when the task has returned.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Cancel asks the task to stop. It does not wait.
func (h *Handle) Cancel() { h.cancel() }

// Submit starts task without blocking the caller. The task waits for a free
// slot in its own goroutine.
func (p *Pool) Submit(name string, task Task) (*Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrPoolClosed
	}

	ctx, cancel := context.WithCancel(p.ctx)
	h := &Handle{name: name, cancel: cancel, done: make(chan struct{})}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer close(h.done)
		defer cancel()

		if err := p.sem.Acquire(ctx, 1); err != nil {
			h.err = fmt.Errorf("%s not started: %w", name, err)
			return
		}
		defer p.sem.Release(1)

		if err := task(ctx); err != nil {
			h.err = err
			p.Logf("task %s failed: %v", name, err)
		}
	}()
	return h, nil
}

// Close cancels every outstanding task and waits for them to return.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()
}
