package engine

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
)

// PoolStats describes the query worker pool.
type PoolStats struct {
	Workers   int   `json:"workers"`
	Busy      int64 `json:"busy"`
	Queued    int   `json:"queued"`
	Completed int64 `json:"completed"`
}

// WorkerPool runs shard queries on a fixed set of goroutines. One worker per
// shard lets a fan-out query every shard at once.
type WorkerPool struct {
	size     int
	tasks    chan func()
	stopped  chan struct{}
	wg       sync.WaitGroup
	closed   atomic.Bool
	submitMu sync.RWMutex

	busy      atomic.Int64
	completed atomic.Int64
}

// NewWorkerPool starts size workers. size <= 0 selects runtime.GOMAXPROCS(0).
func NewWorkerPool(size int) *WorkerPool {
	if size <= 0 {
		size = runtime.GOMAXPROCS(0)
	}

	wp := &WorkerPool{
		size:    size,
		tasks:   make(chan func(), size*2),
		stopped: make(chan struct{}),
	}

	wp.wg.Add(size)
	for range size {
		go wp.work()
	}
	return wp
}

// Size returns the number of workers.
func (wp *WorkerPool) Size() int { return wp.size }

// Stats returns a snapshot of the pool counters.
func (wp *WorkerPool) Stats() PoolStats {
	return PoolStats{
		Workers:   wp.size,
		Busy:      wp.busy.Load(),
		Queued:    len(wp.tasks),
		Completed: wp.completed.Load(),
	}
}

// work runs tasks until the task channel is closed and drained.
func (wp *WorkerPool) work() {
	defer wp.wg.Done()

	for task := range wp.tasks {
		wp.busy.Add(1)
		task()
		wp.busy.Add(-1)
		wp.completed.Add(1)
	}
}

// Submit enqueues task. It blocks while the queue is full and returns
// ErrPoolClosed after Close or ctx.Err() when ctx ends first.
func (wp *WorkerPool) Submit(ctx context.Context, task func()) error {
	wp.submitMu.RLock()
	defer wp.submitMu.RUnlock()

	if wp.closed.Load() {
		return ErrPoolClosed
	}

	select {
	case wp.tasks <- task:
		return nil
	case <-wp.stopped:
		return ErrPoolClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close waits for queued tasks and stops the workers. It is idempotent.
func (wp *WorkerPool) Close() {
	if !wp.closed.CompareAndSwap(false, true) {
		return
	}

	close(wp.stopped)
	wp.submitMu.Lock()
	close(wp.tasks)
	wp.submitMu.Unlock()

	wp.wg.Wait()
}
