package shard

import (
	"context"
	"log/slog"
	"time"
)

// Autosaver periodically persists a dirty shard. Run is the single long-lived
// loop for its shard.
type Autosaver struct {
	idx        *Index
	interval   time.Duration
	onShutdown bool
	logger     *slog.Logger
}

// AutosaveOptions configures an Autosaver.
type AutosaveOptions struct {
	// SaveOnShutdown runs a final PersistIfDirty when Run's context ends.
	SaveOnShutdown bool

	// Logger overrides the shard logger.
	Logger *slog.Logger
}

// NewAutosaver creates an autosaver for idx firing every interval.
func NewAutosaver(idx *Index, interval time.Duration, optFns ...func(o *AutosaveOptions)) *Autosaver {
	opts := AutosaveOptions{Logger: idx.logger}
	for _, fn := range optFns {
		fn(&opts)
	}

	return &Autosaver{
		idx:        idx,
		interval:   interval,
		onShutdown: opts.SaveOnShutdown,
		logger:     opts.Logger,
	}
}

// Run blocks until ctx is done. A failed save is logged and retried on the
// next tick since the dirty flag stays set. The returned error is the result
// of the shutdown save, if enabled.
func (a *Autosaver) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if !a.onShutdown {
				return nil
			}
			return a.save(context.WithoutCancel(ctx))
		case <-ticker.C:
			_ = a.save(ctx)
		}
	}
}

func (a *Autosaver) save(ctx context.Context) error {
	start := time.Now()

	saved, err := a.idx.PersistIfDirty(ctx)
	if err != nil {
		a.logger.Error("autosave failed", slog.String("error", err.Error()))
		return err
	}
	if saved {
		a.logger.Info("autosave completed",
			slog.Duration("elapsed", time.Since(start)),
			slog.Int("points", a.idx.Len()),
		)
	}
	return nil
}
