// Package latch implements the named, manually reset completion signals that
// the device clients raise on asynchronous events and the orchestrator waits on.
package latch

import (
	"context"
	"sync"
	"time"

	"github.com/banshee-data/shimtool/internal/timeutil"
)

// Latch is a binary flag. Raise sets it and wakes every waiter; it stays set
// until Clear is called. Raising an already raised latch is a no-op.
type Latch struct {
	name  string
	clock timeutil.Clock

	mu     sync.Mutex
	raised bool
	ch     chan struct{} // closed while raised
}

// New returns a cleared latch.
func New(name string) *Latch {
	return NewWithClock(name, timeutil.RealClock{})
}

// NewWithClock returns a cleared latch whose timed waits use clock.
func NewWithClock(name string, clock timeutil.Clock) *Latch {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Latch{name: name, clock: clock, ch: make(chan struct{})}
}

// Name returns the signal name used in logs.
func (l *Latch) Name() string { return l.name }

// Raise sets the latch.
func (l *Latch) Raise() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.raised {
		return
	}
	l.raised = true
	close(l.ch)
}

// Clear resets the latch so the next wait blocks until the next Raise.
func (l *Latch) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.raised {
		return
	}
	l.raised = false
	l.ch = make(chan struct{})
}

// IsRaised reports the current state.
func (l *Latch) IsRaised() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.raised
}

func (l *Latch) done() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ch
}

// Wait blocks until the latch is raised or timeout elapses. It returns false
// on timeout and never clears the latch.
func (l *Latch) Wait(timeout time.Duration) bool {
	return l.WaitContext(context.Background(), timeout)
}

// WaitContext is Wait with an additional cancellation source. A cancelled
// context is reported the same way as a timeout.
func (l *Latch) WaitContext(ctx context.Context, timeout time.Duration) bool {
	done := l.done()
	select {
	case <-done:
		return true
	default:
	}

	timer := l.clock.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		return true
	case <-timer.C():
		return false
	case <-ctx.Done():
		return false
	}
}
