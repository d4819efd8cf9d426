package resource

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Config holds resource limits.
type Config struct {
	// MaxInFlightFetches bounds concurrent fingerprint fetches across all
	// ingestion pipelines. If 0, fetches are not bounded.
	MaxInFlightFetches int64

	// FetchRatePerSec is the maximum number of fetches started per second.
	// If 0, unlimited.
	FetchRatePerSec float64

	// FetchBurst is the token bucket size for FetchRatePerSec. Defaults to 1.
	FetchBurst int

	// MaxBackgroundWorkers is the maximum number of concurrent shard persists.
	// If 0, defaults to 1.
	MaxBackgroundWorkers int64

	// IOLimitBytesPerSec is the maximum write throughput for shard persists.
	// If 0, unlimited.
	IOLimitBytesPerSec int64
}

// Controller manages process-wide resources shared by all shards.
// A nil *Controller imposes no limits.
type Controller struct {
	cfg Config

	fetchSem      *semaphore.Weighted // nil if unlimited
	fetchInFlight atomic.Int64
	fetchLimiter  *rate.Limiter

	bgSem *semaphore.Weighted

	ioLimiter *rate.Limiter
}

// NewController creates a new resource controller.
func NewController(cfg Config) *Controller {
	if cfg.MaxBackgroundWorkers <= 0 {
		cfg.MaxBackgroundWorkers = 1
	}
	if cfg.FetchBurst <= 0 {
		cfg.FetchBurst = 1
	}

	c := &Controller{
		cfg:   cfg,
		bgSem: semaphore.NewWeighted(cfg.MaxBackgroundWorkers),
	}

	if cfg.MaxInFlightFetches > 0 {
		c.fetchSem = semaphore.NewWeighted(cfg.MaxInFlightFetches)
	}

	if cfg.FetchRatePerSec > 0 {
		c.fetchLimiter = rate.NewLimiter(rate.Limit(cfg.FetchRatePerSec), cfg.FetchBurst)
	}

	if cfg.IOLimitBytesPerSec > 0 {
		c.ioLimiter = rate.NewLimiter(rate.Limit(cfg.IOLimitBytesPerSec), int(cfg.IOLimitBytesPerSec))
	}

	return c
}

// AcquireFetch reserves a fetch slot, blocking until one is free or ctx is canceled.
func (c *Controller) AcquireFetch(ctx context.Context) error {
	if c == nil {
		return nil
	}
	if c.fetchSem != nil {
		if err := c.fetchSem.Acquire(ctx, 1); err != nil {
			return err
		}
	}
	c.fetchInFlight.Add(1)
	return nil
}

// ReleaseFetch releases a slot reserved by AcquireFetch.
func (c *Controller) ReleaseFetch() {
	if c == nil {
		return
	}
	if c.fetchSem != nil {
		c.fetchSem.Release(1)
	}
	c.fetchInFlight.Add(-1)
}

// FetchesInFlight returns the number of fetches currently holding a slot.
func (c *Controller) FetchesInFlight() int64 {
	if c == nil {
		return 0
	}
	return c.fetchInFlight.Load()
}

// FetchLimiter returns the shared fetch rate limiter, or nil if unlimited.
func (c *Controller) FetchLimiter() *rate.Limiter {
	if c == nil {
		return nil
	}
	return c.fetchLimiter
}

// AcquireBackground reserves a background worker slot.
// Blocks if all slots are busy.
func (c *Controller) AcquireBackground(ctx context.Context) error {
	if c == nil {
		return nil
	}
	return c.bgSem.Acquire(ctx, 1)
}

// ReleaseBackground releases a background worker slot.
func (c *Controller) ReleaseBackground() {
	if c == nil {
		return
	}
	c.bgSem.Release(1)
}

// TryAcquireBackground attempts to reserve a background worker slot without blocking.
func (c *Controller) TryAcquireBackground() bool {
	if c == nil {
		return true
	}
	return c.bgSem.TryAcquire(1)
}

// AcquireIO waits until the IO limit allows the specified number of bytes.
// n must not exceed IOBurst.
func (c *Controller) AcquireIO(ctx context.Context, n int) error {
	if c == nil || c.ioLimiter == nil {
		return nil
	}
	return c.ioLimiter.WaitN(ctx, n)
}

// IOBurst returns the largest single AcquireIO request, or 0 if IO is unlimited.
func (c *Controller) IOBurst() int {
	if c == nil || c.ioLimiter == nil {
		return 0
	}
	return c.ioLimiter.Burst()
}
