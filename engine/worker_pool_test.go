package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerPool_RunsTasks(t *testing.T) {
	pool := NewWorkerPool(2)
	defer pool.Close()
	assert.Equal(t, 2, pool.Size())

	done := make(chan int, 1)
	require.NoError(t, pool.Submit(context.Background(), func() { done <- 42 }))

	select {
	case v := <-done:
		assert.Equal(t, 42, v)
	case <-time.After(time.Second):
		t.Fatal("task did not run")
	}

	require.Eventually(t, func() bool { return pool.Stats().Completed == 1 }, time.Second, time.Millisecond)
}

func TestWorkerPool_DefaultSize(t *testing.T) {
	pool := NewWorkerPool(0)
	defer pool.Close()
	assert.GreaterOrEqual(t, pool.Size(), 1)
}

func TestWorkerPool_BoundsShardQueries(t *testing.T) {
	const shards = 4
	const queries = 100

	pool := NewWorkerPool(shards)
	defer pool.Close()

	var (
		running atomic.Int32
		peak    atomic.Int32
		wg      sync.WaitGroup
	)
	wg.Add(queries)
	for range queries {
		go func() {
			err := pool.Submit(context.Background(), func() {
				defer wg.Done()
				n := running.Add(1)
				for p := peak.Load(); n > p && !peak.CompareAndSwap(p, n); p = peak.Load() {
				}
				time.Sleep(time.Millisecond)
				running.Add(-1)
			})
			if err != nil {
				wg.Done()
				t.Errorf("submit: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int32(shards))
	require.Eventually(t, func() bool { return pool.Stats().Completed == queries }, time.Second, time.Millisecond)
	assert.Zero(t, pool.Stats().Busy)
}

func TestWorkerPool_CloseDrains(t *testing.T) {
	pool := NewWorkerPool(2)

	var ran atomic.Int32
	for range 5 {
		require.NoError(t, pool.Submit(context.Background(), func() {
			time.Sleep(10 * time.Millisecond)
			ran.Add(1)
		}))
	}

	pool.Close()
	assert.Equal(t, int32(5), ran.Load())
	assert.ErrorIs(t, pool.Submit(context.Background(), func() {}), ErrPoolClosed)

	pool.Close()
}

func TestWorkerPool_SubmitHonorsContext(t *testing.T) {
	pool := NewWorkerPool(1)
	defer pool.Close()

	release := make(chan struct{})
	defer close(release)

	// One task occupies the worker, two fill the queue.
	for range 3 {
		require.NoError(t, pool.Submit(context.Background(), func() { <-release }))
	}
	require.Eventually(t, func() bool { return pool.Stats().Busy == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, pool.Submit(ctx, func() {}), context.DeadlineExceeded)
}
