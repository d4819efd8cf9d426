package engine

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/hupe1980/cyclops/failure"
	"github.com/hupe1980/cyclops/fingerprint"
	"github.com/hupe1980/cyclops/observability"
	"github.com/hupe1980/cyclops/recordstore"
	"github.com/hupe1980/cyclops/shard"
)

const tracerName = "github.com/hupe1980/cyclops/engine"

// StatQueryExecuted counts shard queries in the worker counter category of the shard.
const StatQueryExecuted = "query_executed"

// Shard is the read side of a shard index. *shard.Index implements it.
type Shard interface {
	Name() string
	Query(fp fingerprint.Fingerprint, radius, limit int) ([]shard.Point, error)
}

// Item is one query hit.
type Item struct {
	URL  string `json:"url"`
	Dist int    `json:"dist"`
	Hash string `json:"hash"`
}

// Result is the answer to a query. TotalElapsed is the fan-out time in
// milliseconds.
type Result struct {
	QueryString  string  `json:"queryString"`
	Ref          string  `json:"ref"`
	TotalResults int     `json:"total_results"`
	TotalElapsed float64 `json:"total_elapsed"`
	Results      []Item  `json:"results"`
}

type shardResult struct {
	idx   int
	items []Item
	err   error
}

// Orchestrator fans queries out to every shard and merges the hits.
type Orchestrator struct {
	shards   []Shard
	provider fingerprint.Provider
	pool     *WorkerPool

	logger   *slog.Logger
	metrics  observability.Collector
	tracer   trace.Tracer
	counters recordstore.Counter
}

// New creates an orchestrator over shards. Results of equal distance keep the
// order of shards.
func New(shards []Shard, provider fingerprint.Provider, optFns ...func(o *Options)) (*Orchestrator, error) {
	if len(shards) == 0 {
		return nil, failure.Errorf(failure.KindInvalidInput, "engine.new", "no shards")
	}
	if provider == nil {
		return nil, failure.Errorf(failure.KindInvalidInput, "engine.new", "nil provider")
	}

	seen := make(map[string]struct{}, len(shards))
	for _, s := range shards {
		if s == nil {
			return nil, failure.Errorf(failure.KindInvalidInput, "engine.new", "nil shard")
		}
		if _, dup := seen[s.Name()]; dup {
			return nil, failure.Errorf(failure.KindInvalidInput, "engine.new", "duplicate shard %q", s.Name())
		}
		seen[s.Name()] = struct{}{}
	}

	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	opts.normalize(len(shards))

	return &Orchestrator{
		shards:   slices.Clone(shards),
		provider: provider,
		pool:     NewWorkerPool(opts.Workers),
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		tracer:   opts.TracerProvider.Tracer(tracerName),
		counters: opts.Counters,
	}, nil
}

// Shards returns the shard names in fan-out order.
func (o *Orchestrator) Shards() []string {
	names := make([]string, len(o.shards))
	for i, s := range o.shards {
		names[i] = s.Name()
	}
	return names
}

// QueryByURL fingerprints url and returns every indexed image within radius,
// closest first. A provider failure is returned as a content-fetch error.
func (o *Orchestrator) QueryByURL(ctx context.Context, url string, radius, k int) (*Result, error) {
	ctx, span := o.tracer.Start(ctx, "engine.QueryByURL", trace.WithAttributes(
		attribute.String("cyclops.url", url),
		attribute.Int("cyclops.radius", radius),
		attribute.Int("cyclops.k", k),
	))
	defer span.End()

	if err := validateQuery(radius, k); err != nil {
		return nil, o.fail(span, err)
	}

	fp, err := o.provider.Fingerprint(ctx, url)
	if err != nil {
		if failure.KindOf(err) == failure.KindUnknown {
			err = failure.New(failure.KindContentFetch, "engine.query", err)
		}
		return nil, o.fail(span, err)
	}

	q := fmt.Sprintf("QUERY: URL(%s), H(%s) r(%d) k(%d)", url, fp.Hex(), radius, k)
	return o.run(ctx, span, q, fp, radius, k)
}

// QueryByFingerprint returns every indexed image within radius of fp, closest
// first.
func (o *Orchestrator) QueryByFingerprint(ctx context.Context, fp fingerprint.Fingerprint, radius, k int) (*Result, error) {
	ctx, span := o.tracer.Start(ctx, "engine.QueryByFingerprint", trace.WithAttributes(
		attribute.Int("cyclops.radius", radius),
		attribute.Int("cyclops.k", k),
	))
	defer span.End()

	if err := validateQuery(radius, k); err != nil {
		return nil, o.fail(span, err)
	}
	if len(fp) == 0 {
		return nil, o.fail(span, failure.Errorf(failure.KindInvalidInput, "engine.query", "empty fingerprint"))
	}

	q := fmt.Sprintf("QUERY: H(%s) r(%d) k(%d)", fp.Hex(), radius, k)
	return o.run(ctx, span, q, fp, radius, k)
}

func validateQuery(radius, k int) error {
	if radius < 0 {
		return failure.Errorf(failure.KindInvalidInput, "engine.query", "negative radius %d", radius)
	}
	if k < 0 {
		return failure.Errorf(failure.KindInvalidInput, "engine.query", "negative k %d", k)
	}
	return nil
}

func (o *Orchestrator) fail(span trace.Span, err error) error {
	o.metrics.RecordQuery(0, 0, err)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

func (o *Orchestrator) run(ctx context.Context, span trace.Span, queryString string, fp fingerprint.Fingerprint, radius, k int) (*Result, error) {
	o.logger.InfoContext(ctx, queryString)
	span.SetAttributes(attribute.String("cyclops.ref", fp.Hex()))

	start := time.Now()
	items, err := o.search(ctx, fp, radius, k)
	elapsed := time.Since(start)

	if err != nil {
		o.logger.ErrorContext(ctx, "query failed", slog.String("ref", fp.Hex()), slog.String("error", err.Error()))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.metrics.RecordQuery(0, elapsed, err)
		return nil, err
	}

	span.SetAttributes(attribute.Int("cyclops.results", len(items)))
	o.metrics.RecordQuery(len(items), elapsed, nil)

	return &Result{
		QueryString:  queryString,
		Ref:          fp.Hex(),
		TotalResults: len(items),
		TotalElapsed: float64(elapsed.Microseconds()) / 1000,
		Results:      items,
	}, nil
}

// search fans out one task per shard and merges their hits.
func (o *Orchestrator) search(ctx context.Context, fp fingerprint.Fingerprint, radius, k int) ([]Item, error) {
	resultsCh := make(chan shardResult, len(o.shards))

	var errs []error
	submitted := 0
	for i, s := range o.shards {
		err := o.pool.Submit(ctx, func() {
			items, err := o.queryShard(ctx, s, fp, radius, k)
			resultsCh <- shardResult{idx: i, items: items, err: err}
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("shard %s: %w", s.Name(), err))
			break
		}
		submitted++
	}

	perShard := make([][]Item, len(o.shards))
	for range submitted {
		select {
		case r := <-resultsCh:
			if r.err != nil {
				errs = append(errs, r.err)
				continue
			}
			perShard[r.idx] = r.items
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	merged := slices.Concat(perShard...)
	if merged == nil {
		merged = []Item{}
	}
	slices.SortStableFunc(merged, func(a, b Item) int { return cmp.Compare(a.Dist, b.Dist) })

	if k > 0 && len(merged) > k {
		merged = merged[:k]
	}
	return merged, nil
}

func (o *Orchestrator) queryShard(ctx context.Context, s Shard, fp fingerprint.Fingerprint, radius, limit int) (items []Item, err error) {
	_, span := o.tracer.Start(ctx, "engine.queryShard", trace.WithAttributes(attribute.String("cyclops.shard", s.Name())))
	defer func() {
		if r := recover(); r != nil {
			err = failure.Errorf(failure.KindInvariant, "engine.query", "shard %s: panic: %v", s.Name(), r)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	pts, err := s.Query(fp, radius, limit)
	if err != nil {
		return nil, err
	}
	o.countQuery(ctx, s.Name())

	items = make([]Item, 0, len(pts))
	for _, p := range pts {
		d, err := fingerprint.Distance(fp, p.Fingerprint)
		if err != nil {
			return nil, failure.New(failure.KindInvariant, "engine.query", fmt.Errorf("shard %s point %s: %w", s.Name(), p.ID, err))
		}
		items = append(items, Item{URL: p.ID, Dist: d, Hash: p.Fingerprint.Hex()})
	}

	span.SetAttributes(attribute.Int("cyclops.hits", len(items)))
	return items, nil
}

func (o *Orchestrator) countQuery(ctx context.Context, name string) {
	if o.counters == nil {
		return
	}
	if err := o.counters.IncrementCounter(ctx, recordstore.WorkerCategory(name), StatQueryExecuted, 1); err != nil {
		o.logger.WarnContext(ctx, "counter update failed", slog.String("shard", name), slog.String("error", err.Error()))
	}
}

// PoolStats returns the query worker pool counters.
func (o *Orchestrator) PoolStats() PoolStats { return o.pool.Stats() }

// Close stops the worker pool. Queries after Close fail with ErrPoolClosed.
func (o *Orchestrator) Close() error {
	o.pool.Close()
	return nil
}
