// Package ingest turns queued URLs into index entries.
//
// One Pipeline runs per configured shard; all of them are competing consumers of
// the shared queue. For each message a pipeline fetches the fingerprint, routes
// it to its owner shard and runs the shard's dedup-aware Add. Every message is
// acknowledged, whatever the outcome; failures go to the dead-letter list.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/semaphore"

	"github.com/hupe1980/cyclops/failure"
	"github.com/hupe1980/cyclops/fingerprint"
	"github.com/hupe1980/cyclops/observability"
	"github.com/hupe1980/cyclops/queue"
	"github.com/hupe1980/cyclops/recordstore"
	"github.com/hupe1980/cyclops/resource"
	"github.com/hupe1980/cyclops/shard"
)

// Counter names in the record store category "worker:<name>".
const (
	StatConsumedURL = "consumed_url"
	StatHashAdd     = "hash_add"
	StatURLAppend   = "url_append"
	StatErrored     = "errored"
)

// CounterCategory returns the record store counter category of a consumer.
func CounterCategory(consumer string) string { return recordstore.WorkerCategory(consumer) }

// Options configures a Pipeline.
type Options struct {
	// Prefetch bounds the number of unacknowledged deliveries.
	Prefetch int

	// PollInterval bounds a single Receive wait. It is the shutdown check interval.
	PollInterval time.Duration

	// RetryInterval is the fixed wait between transport retries.
	RetryInterval time.Duration

	// MaxRetries is the number of consecutive transport failures that make Run fail.
	MaxRetries uint

	// Resources bounds concurrent fetches across all pipelines. May be nil.
	Resources *resource.Controller

	// Logger receives pipeline events.
	Logger *slog.Logger

	// Metrics receives per-message outcomes.
	Metrics observability.Collector
}

// DefaultOptions contains the default pipeline options.
var DefaultOptions = Options{
	Prefetch:      8,
	PollInterval:  10 * time.Second,
	RetryInterval: time.Second,
	MaxRetries:    20,
}

// Dependencies are the collaborators shared by all pipelines.
type Dependencies struct {
	Channel  queue.Channel
	Provider fingerprint.Provider
	Records  recordstore.Store
	Router   *shard.Router
	Shards   map[string]*shard.Index
}

func (d Dependencies) validate() error {
	switch {
	case d.Channel == nil:
		return errors.New("ingest: nil channel")
	case d.Provider == nil:
		return errors.New("ingest: nil provider")
	case d.Records == nil:
		return errors.New("ingest: nil record store")
	case d.Router == nil:
		return errors.New("ingest: nil router")
	}
	for _, name := range d.Router.Names() {
		if _, ok := d.Shards[name]; !ok {
			return fmt.Errorf("ingest: router shard %q has no index", name)
		}
	}
	return nil
}

// Result describes a successfully processed URL.
type Result struct {
	URL     string
	Hash    string
	Shard   string
	Outcome shard.Outcome
}

// Stats counts processed messages since the pipeline was created.
type Stats struct {
	Consumed    int64 `json:"consumed"`
	Inserted    int64 `json:"inserted"`
	Deduped     int64 `json:"deduped"`
	DeadLetters int64 `json:"dead_letters"`
}

// Pipeline consumes the queue on behalf of one shard.
type Pipeline struct {
	name string
	deps Dependencies
	opts Options

	logger  *slog.Logger
	metrics observability.Collector

	consumed    atomic.Int64
	inserted    atomic.Int64
	deduped     atomic.Int64
	deadLetters atomic.Int64
}

// New creates the pipeline of consumer name.
func New(name string, deps Dependencies, optFns ...func(o *Options)) (*Pipeline, error) {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}

	if name == "" {
		return nil, failure.Errorf(failure.KindInvalidInput, "ingest.new", "empty consumer name")
	}
	if err := deps.validate(); err != nil {
		return nil, failure.New(failure.KindInvalidInput, "ingest.new", err)
	}
	if opts.Prefetch <= 0 {
		opts.Prefetch = 1
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = DefaultOptions.MaxRetries
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.Metrics == nil {
		opts.Metrics = observability.NoopCollector{}
	}

	return &Pipeline{
		name:    name,
		deps:    deps,
		opts:    opts,
		logger:  opts.Logger.With(slog.String("consumer", name)),
		metrics: opts.Metrics,
	}, nil
}

// Name returns the consumer name.
func (p *Pipeline) Name() string { return p.name }

// Stats returns a snapshot of the pipeline counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Consumed:    p.consumed.Load(),
		Inserted:    p.inserted.Load(),
		Deduped:     p.deduped.Load(),
		DeadLetters: p.deadLetters.Load(),
	}
}

// retry runs op until it succeeds, returns a non-transport error or MaxRetries
// consecutive attempts failed.
func retry[T any](ctx context.Context, p *Pipeline, what string, op func() (T, error)) (T, error) {
	return backoff.Retry(ctx, func() (T, error) {
		v, err := op()
		if err != nil && !failure.Is(err, failure.KindTransport) {
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(p.opts.RetryInterval)),
		backoff.WithMaxTries(p.opts.MaxRetries),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			p.logger.Warn("transport error, retrying",
				slog.String("op", what),
				slog.String("error", err.Error()),
				slog.Duration("backoff", next),
			)
		}),
	)
}

// Run consumes the queue until ctx is canceled, then waits for in-flight
// messages to finish. It returns a transport-kind error when the channel stayed
// unreachable for MaxRetries attempts.
func (p *Pipeline) Run(ctx context.Context) error {
	moved, err := retry(ctx, p, "requeue", func() (int, error) {
		return p.deps.Channel.Requeue(ctx, p.name)
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("ingest %s: requeue: %w", p.name, err)
	}
	if moved > 0 {
		p.logger.Info("requeued unacknowledged messages", slog.Int("count", moved))
	}

	p.logger.Info("consumer started", slog.Int("prefetch", p.opts.Prefetch))

	var (
		wg  sync.WaitGroup
		sem = semaphore.NewWeighted(int64(p.opts.Prefetch))
	)
	defer wg.Wait()

	for {
		if err := sem.Acquire(ctx, 1); err != nil {
			p.logger.Info("consumer stopping")
			return nil
		}

		d, err := retry(ctx, p, "receive", func() (*queue.Delivery, error) {
			return p.deps.Channel.Receive(ctx, p.name, p.opts.PollInterval)
		})
		if err != nil {
			sem.Release(1)
			if ctx.Err() != nil {
				p.logger.Info("consumer stopping")
				return nil
			}
			p.logger.Error("giving up on queue", slog.String("error", err.Error()))
			return failure.New(failure.KindTransport, "ingest.run", fmt.Errorf("consumer %s: %w", p.name, err))
		}
		if d == nil {
			sem.Release(1)
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)
			// In-flight messages finish even when shutdown has begun.
			p.handle(context.WithoutCancel(ctx), d)
		}()
	}
}

// handle processes one delivery, dead-letters it on failure and acknowledges it.
func (p *Pipeline) handle(ctx context.Context, d *queue.Delivery) {
	start := time.Now()

	res, err := p.Process(ctx, d.URL)
	if err != nil {
		p.deadLetter(ctx, d.URL, err)
		p.metrics.RecordIngest(p.name, observability.OutcomeErrored, time.Since(start))
	} else {
		p.metrics.RecordIngest(res.Shard, res.Outcome.String(), time.Since(start))
	}

	if _, err := retry(ctx, p, "ack", func() (struct{}, error) {
		return struct{}{}, d.Ack(ctx)
	}); err != nil {
		p.logger.Error("ack failed", slog.String("url", d.URL), slog.String("error", err.Error()))
	}
}

func (p *Pipeline) deadLetter(ctx context.Context, url string, cause error) {
	kind := failure.KindOf(cause)

	msg := cause.Error()
	if kind == failure.KindUnknown {
		msg = "unexpected error: " + msg
	}

	dl := queue.DeadLetter{
		URL:      url,
		Shard:    p.name,
		Error:    msg,
		Kind:     kind.String(),
		FailedAt: time.Now().UTC(),
	}

	p.deadLetters.Add(1)
	p.metrics.RecordDeadLetter(p.name, dl.Kind)
	p.count(ctx, StatErrored)

	if kind == failure.KindContentFetch {
		p.logger.Debug("fetch failed", slog.String("url", url), slog.String("error", msg))
	} else {
		p.logger.Warn("message failed", slog.String("url", url), slog.String("kind", dl.Kind), slog.String("error", msg))
	}

	if _, err := retry(ctx, p, "dead_letter", func() (struct{}, error) {
		return struct{}{}, p.deps.Channel.DeadLetter(ctx, p.name, dl)
	}); err != nil {
		p.logger.Error("dead letter lost", slog.String("url", url), slog.String("error", err.Error()))
	}
}

func (p *Pipeline) count(ctx context.Context, stat string) {
	if err := p.deps.Records.IncrementCounter(ctx, CounterCategory(p.name), stat, 1); err != nil {
		p.logger.Warn("counter update failed", slog.String("stat", stat), slog.String("error", err.Error()))
	}
}

// Process fetches the fingerprint of url and adds it to its owner shard. It
// does not touch the queue. Panics are returned as errors.
func (p *Pipeline) Process(ctx context.Context, url string) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic processing %s: %v", url, r)
		}
	}()

	p.consumed.Add(1)
	p.count(ctx, StatConsumedURL)

	if err := shard.ValidateURL(url); err != nil {
		return Result{}, err
	}

	fp, err := p.fetch(ctx, url)
	if err != nil {
		return Result{}, err
	}

	owner := p.deps.Router.Route(fp)
	idx, ok := p.deps.Shards[owner]
	if !ok {
		return Result{}, failure.Errorf(failure.KindInvariant, "ingest.process", "no index for shard %q", owner)
	}

	outcome, err := idx.Add(ctx, p.deps.Records, url, fp)
	if err != nil {
		return Result{}, err
	}

	switch outcome {
	case shard.Inserted:
		p.inserted.Add(1)
		p.count(ctx, StatHashAdd)
	case shard.Deduped:
		p.deduped.Add(1)
		p.count(ctx, StatURLAppend)
	}

	return Result{URL: url, Hash: fp.Hex(), Shard: owner, Outcome: outcome}, nil
}

func (p *Pipeline) fetch(ctx context.Context, url string) (fingerprint.Fingerprint, error) {
	rc := p.opts.Resources
	if err := rc.AcquireFetch(ctx); err != nil {
		return nil, err
	}
	defer rc.ReleaseFetch()

	fp, err := p.deps.Provider.Fingerprint(ctx, url)
	if err != nil {
		if failure.KindOf(err) == failure.KindUnknown {
			err = failure.New(failure.KindContentFetch, "ingest.fetch", err)
		}
		return nil, err
	}
	return fp, nil
}
