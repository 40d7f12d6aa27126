package workerpool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestPool_RunsTasks(t *testing.T) {
	defer goleak.VerifyNone(t)

	p := New(Config{Size: 4, QueueDepth: 16}, nil)

	var n atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		require.NoError(t, p.Submit(func() {
			defer wg.Done()
			n.Add(1)
		}))
	}
	wg.Wait()

	require.EqualValues(t, 16, n.Load())
	require.NoError(t, p.Shutdown(context.Background()))
	require.EqualValues(t, 16, p.Stats().Finished)
}

func TestPool_RejectsWhenSaturated(t *testing.T) {
	defer goleak.VerifyNone(t)

	cfg := Config{Size: 2, QueueDepth: 3}
	p := New(cfg, nil)

	release := make(chan struct{})
	started := make(chan struct{}, cfg.Size)

	// Occupy every worker, one at a time so each is picked up.
	for i := 0; i < cfg.Size; i++ {
		require.NoError(t, p.Submit(func() {
			started <- struct{}{}
			<-release
		}))
		<-started
	}

	// Fill the queue.
	for i := 0; i < cfg.QueueDepth; i++ {
		require.NoError(t, p.Submit(func() { <-release }))
	}

	// Everything beyond Size+QueueDepth fails immediately.
	for i := 0; i < 5; i++ {
		start := time.Now()
		err := p.Submit(func() {})
		require.ErrorIs(t, err, ErrRejected)
		require.Less(t, time.Since(start), 100*time.Millisecond)
	}

	stats := p.Stats()
	require.Equal(t, cfg.Size, stats.Running)
	require.Equal(t, cfg.QueueDepth, stats.Queued)
	require.EqualValues(t, 5, stats.Rejected)

	close(release)
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestPool_PanicDoesNotKillWorker(t *testing.T) {
	defer goleak.VerifyNone(t)

	p := New(Config{Size: 1, QueueDepth: 2}, nil)

	done := make(chan struct{})
	require.NoError(t, p.Submit(func() { panic("boom") }))
	require.NoError(t, p.Submit(func() { close(done) }))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not survive a panicking task")
	}

	require.NoError(t, p.Shutdown(context.Background()))
}

func TestPool_SubmitAfterShutdown(t *testing.T) {
	p := New(DefaultConfig(), nil)
	require.NoError(t, p.Shutdown(context.Background()))
	require.ErrorIs(t, p.Submit(func() {}), ErrPoolClosed)
	// Idempotent.
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestPool_ShutdownTimeout(t *testing.T) {
	p := New(Config{Size: 1, QueueDepth: 1}, nil)

	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, p.Submit(func() {
		close(started)
		<-release
	}))
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, p.Shutdown(ctx), context.DeadlineExceeded)

	close(release)
	require.NoError(t, p.Shutdown(context.Background()))
}
