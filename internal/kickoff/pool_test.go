package kickoff

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestSubmitAndWait(t *testing.T) {
	p := NewPool(2)
	p.Logf = t.Logf
	defer p.Close()

	var ran atomic.Bool
	h, err := p.Submit("queue", func(ctx context.Context) error {
		ran.Store(true)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "queue", h.Name())
	require.NoError(t, h.Wait(context.Background()))
	assert.True(t, ran.Load())
}

func TestTaskErrorReturned(t *testing.T) {
	p := NewPool(1)
	p.Logf = t.Logf
	defer p.Close()

	boom := errors.New("boom")
	h, err := p.Submit("fail", func(context.Context) error { return boom })
	require.NoError(t, err)
	assert.ErrorIs(t, h.Wait(context.Background()), boom)
}

func TestConcurrencyBounded(t *testing.T) {
	p := NewPool(2)
	p.Logf = t.Logf
	defer p.Close()

	var running, peak atomic.Int32
	release := make(chan struct{})
	var handles []*Handle
	for i := 0; i < 6; i++ {
		h, err := p.Submit("work", func(ctx context.Context) error {
			n := running.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			<-release
			running.Add(-1)
			return nil
		})
		require.NoError(t, err)
		handles = append(handles, h)
	}

	require.Eventually(t, func() bool { return running.Load() == 2 }, time.Second, 5*time.Millisecond)
	close(release)
	for _, h := range handles {
		require.NoError(t, h.Wait(context.Background()))
	}
	assert.Equal(t, int32(2), peak.Load())
}

func TestCancel(t *testing.T) {
	p := NewPool(1)
	p.Logf = t.Logf
	defer p.Close()

	started := make(chan struct{})
	h, err := p.Submit("long", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	require.NoError(t, err)
	<-started

	h.Cancel()
	assert.ErrorIs(t, h.Wait(context.Background()), context.Canceled)
}

func TestWaitRespectsContext(t *testing.T) {
	p := NewPool(1)
	p.Logf = t.Logf
	defer p.Close()

	block := make(chan struct{})
	h, err := p.Submit("blocked", func(context.Context) error {
		<-block
		return nil
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, h.Wait(ctx), context.DeadlineExceeded)
	close(block)
	require.NoError(t, h.Wait(context.Background()))
}

func TestCloseCancelsAndRejects(t *testing.T) {
	p := NewPool(1)
	p.Logf = t.Logf

	h, err := p.Submit("forever", func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	})
	require.NoError(t, err)

	p.Close()
	select {
	case <-h.Done():
	default:
		t.Fatal("task still running after Close")
	}

	_, err = p.Submit("late", func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrPoolClosed)
	p.Close()
}
