package latch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/banshee-data/shimtool/internal/timeutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestLatch_WaitOnRaisedReturnsImmediately(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	l := NewWithClock("imagesReady", clock)
	l.Raise()

	// no clock advance needed
	assert.True(t, l.Wait(90*time.Second))
	// wait does not consume the signal
	assert.True(t, l.IsRaised())
}

func TestLatch_RaiseWakesWaiter(t *testing.T) {
	l := New("prescanDone")
	result := make(chan bool, 1)
	go func() { result <- l.Wait(5 * time.Second) }()

	time.Sleep(10 * time.Millisecond)
	l.Raise()
	require.True(t, <-result)
}

func TestLatch_TimeoutReturnsFalse(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	l := NewWithClock("imagesReady", clock)

	result := make(chan bool, 1)
	go func() { result <- l.Wait(90 * time.Second) }()

	require.Eventually(t, func() bool { return clock.PendingTimers() == 1 }, time.Second, time.Millisecond)
	clock.Advance(90 * time.Second)
	assert.False(t, <-result)
	assert.False(t, l.IsRaised())
}

func TestLatch_ClearRearms(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	l := NewWithClock("noFailures", clock)
	l.Raise()
	l.Raise() // idempotent
	l.Clear()
	l.Clear() // idempotent
	assert.False(t, l.IsRaised())

	result := make(chan bool, 1)
	go func() { result <- l.Wait(time.Minute) }()
	require.Eventually(t, func() bool { return clock.PendingTimers() == 1 }, time.Second, time.Millisecond)
	l.Raise()
	assert.True(t, <-result)
}

func TestLatch_ContextCancelIsTimeoutEquivalent(t *testing.T) {
	l := New("connectedReady")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, l.WaitContext(ctx, time.Hour))
	assert.Equal(t, "connectedReady", l.Name())
}
