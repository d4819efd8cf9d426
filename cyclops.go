package cyclops

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"slices"
	"sync"

	miniogo "github.com/minio/minio-go/v7"
	miniocreds "github.com/minio/minio-go/v7/pkg/credentials"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/cyclops/blobstore"
	"github.com/hupe1980/cyclops/blobstore/minio"
	"github.com/hupe1980/cyclops/blobstore/s3"
	"github.com/hupe1980/cyclops/codec"
	"github.com/hupe1980/cyclops/config"
	"github.com/hupe1980/cyclops/engine"
	"github.com/hupe1980/cyclops/failure"
	"github.com/hupe1980/cyclops/fingerprint"
	"github.com/hupe1980/cyclops/ingest"
	"github.com/hupe1980/cyclops/internal/lockfile"
	"github.com/hupe1980/cyclops/internal/telemetry"
	"github.com/hupe1980/cyclops/persistence"
	"github.com/hupe1980/cyclops/queue"
	"github.com/hupe1980/cyclops/recordstore"
	"github.com/hupe1980/cyclops/resource"
	"github.com/hupe1980/cyclops/shard"
	"github.com/hupe1980/cyclops/wal"
)

// Version is reported as the service version of exported spans.
const Version = "1.0.0"

// Cyclops is one running service instance: the shards named in the
// configuration, their ingestion consumers and the query orchestrator.
type Cyclops struct {
	cfg    config.Config
	logger *Logger

	lock      *lockfile.Lock
	blobs     blobstore.Store
	records   recordstore.Store
	channel   queue.Channel
	provider  fingerprint.Provider
	resources *resource.Controller
	metrics   *metrics
	tracer    trace.TracerProvider

	router       *shard.Router
	shards       []*shard.Index
	pipelines    []*ingest.Pipeline
	orchestrator *engine.Orchestrator

	// closers run in reverse order on Close.
	closers   []func() error
	closeOnce sync.Once
	closeErr  error
}

// Open validates cfg, takes the data directory lock, connects the record
// store and the queue, loads every shard in parallel and wires the ingestion
// consumers and the query orchestrator. Nothing runs in the background until
// Run is called.
func Open(ctx context.Context, cfg config.Config, optFns ...Option) (_ *Cyclops, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, failure.New(failure.KindInvalidInput, "cyclops.open", err)
	}

	opts := applyOptions(optFns)

	c := &Cyclops{cfg: cfg, logger: opts.logger}
	defer func() {
		if err != nil {
			_ = c.Close()
		}
	}()

	if c.logger == nil {
		c.logger, err = NewLoggerFromConfig(cfg.Logging.Level, cfg.Logging.Format, nil)
		if err != nil {
			return nil, failure.New(failure.KindInvalidInput, "cyclops.open", err)
		}
	}
	slogger := c.logger.Logger

	c.lock, err = lockfile.Acquire(cfg.Path.Data)
	if err != nil {
		return nil, failure.New(failure.KindPersistence, "cyclops.open", err)
	}
	c.closers = append(c.closers, c.lock.Release)

	c.metrics = newMetrics(cfg.Metrics, opts.metrics)

	if err := c.openTracing(ctx, opts.tracerProvider); err != nil {
		return nil, err
	}

	parallel := cfg.Storage.MaxConcurrentPersists
	if parallel == 0 {
		parallel = int64(len(cfg.Workers))
	}
	c.resources = resource.NewController(resource.Config{
		MaxInFlightFetches:   cfg.Fetch.Concurrency,
		FetchRatePerSec:      cfg.Fetch.RatePerSec,
		FetchBurst:           cfg.Fetch.Burst,
		MaxBackgroundWorkers: parallel,
		IOLimitBytesPerSec:   cfg.Storage.IOLimitBytesPerSec,
	})

	if c.blobs = opts.blobs; c.blobs == nil {
		if c.blobs, err = openBlobStore(ctx, cfg); err != nil {
			return nil, failure.New(failure.KindPersistence, "cyclops.open", err)
		}
	}

	if c.records = opts.records; c.records == nil {
		if c.records, err = openRecordStore(ctx, cfg, slogger); err != nil {
			return nil, err
		}
		c.closers = append(c.closers, c.records.Close)
	}

	if c.channel = opts.channel; c.channel == nil {
		if c.channel, err = openChannel(ctx, cfg); err != nil {
			return nil, err
		}
		c.closers = append(c.closers, c.channel.Close)
	}

	if c.provider = opts.provider; c.provider == nil {
		if cfg.Index.Width != fingerprint.DefaultWidth {
			return nil, failure.Errorf(failure.KindInvalidInput, "cyclops.open",
				"index width %d: the http provider produces %d byte fingerprints", cfg.Index.Width, fingerprint.DefaultWidth)
		}
		c.provider = fingerprint.NewHTTPProvider(
			fingerprint.WithHTTPClient(&http.Client{Timeout: cfg.Fetch.Timeout}),
			fingerprint.WithMaxBytes(cfg.Fetch.MaxBytes),
			fingerprint.WithUserAgent(cfg.Fetch.UserAgent),
			fingerprint.WithRateLimit(c.resources.FetchLimiter()),
		)
	}
	if n := cfg.Fetch.CacheEntries; n > 0 {
		c.provider = fingerprint.NewCachingProvider(c.provider, n)
	}

	if err := c.openShards(ctx, opts); err != nil {
		return nil, err
	}

	if c.router, err = shard.NewRouter(cfg.Workers); err != nil {
		return nil, failure.New(failure.KindInvalidInput, "cyclops.open", err)
	}

	engineShards := make([]engine.Shard, len(c.shards))
	for i, idx := range c.shards {
		engineShards[i] = idx
	}
	c.orchestrator, err = engine.New(engineShards, c.provider, func(o *engine.Options) {
		o.Logger = slogger.With(slog.String("component", "engine"))
		o.Metrics = c.metrics.all
		o.TracerProvider = c.tracer
		o.Counters = c.records
	})
	if err != nil {
		return nil, err
	}
	c.closers = append(c.closers, c.orchestrator.Close)

	if err := c.buildPipelines(); err != nil {
		return nil, err
	}

	c.logger.LogOpen(ctx, cfg.Workers, c.points(), nil)
	return c, nil
}

func (c *Cyclops) openTracing(ctx context.Context, tp trace.TracerProvider) error {
	if tp != nil {
		c.tracer = tp
		return nil
	}

	tp, shutdown, err := telemetry.Init(ctx, telemetry.Config{
		Enabled:        c.cfg.Tracing.Enabled,
		ServiceName:    "cyclops",
		ServiceVersion: Version,
		Pretty:         c.cfg.Tracing.Pretty,
	})
	if err != nil {
		return fmt.Errorf("cyclops: tracing: %w", err)
	}

	c.tracer = tp
	c.closers = append(c.closers, func() error { return shutdown(context.Background()) })
	return nil
}

func openBlobStore(ctx context.Context, cfg config.Config) (blobstore.Store, error) {
	st := cfg.Storage
	switch st.Backend {
	case "minio":
		client, err := miniogo.New(st.MinIO.Endpoint, &miniogo.Options{
			Creds:  miniocreds.NewStaticV4(st.MinIO.AccessKey, st.MinIO.SecretKey, ""),
			Secure: st.MinIO.UseSSL,
		})
		if err != nil {
			return nil, err
		}
		return minio.NewStore(client, st.MinIO.Bucket, st.MinIO.Prefix), nil
	case "s3":
		s3Opts := []s3.Option{
			s3.WithPrefix(st.S3.Prefix),
			s3.WithRegion(st.S3.Region),
			s3.WithEndpoint(st.S3.Endpoint),
		}
		if st.S3.AccessKey != "" {
			s3Opts = append(s3Opts, s3.WithStaticCredentials(st.S3.AccessKey, st.S3.SecretKey))
		}
		return s3.New(ctx, st.S3.Bucket, s3Opts...)
	default:
		return blobstore.NewLocalStore(filepath.Join(cfg.Path.Data, "shards"))
	}
}

func openRecordStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (recordstore.Store, error) {
	if cfg.Records.Backend == "badger" {
		bcfg := recordstore.DefaultBadgerConfig(cfg.BadgerDir())
		bcfg.SyncWrites = cfg.Records.Badger.SyncWrites
		bcfg.GCInterval = cfg.Records.Badger.GCInterval
		bcfg.Logger = logger.With(slog.String("component", "badger"))
		if cfg.Records.PageSize > 0 {
			bcfg.PageSize = cfg.Records.PageSize
		}
		return recordstore.OpenBadger(bcfg)
	}

	return recordstore.DialRedis(ctx, cfg.Redis.Address, func(o *recordstore.RedisOptions) {
		o.PageSize = int64(cfg.Records.PageSize)
	})
}

func openChannel(ctx context.Context, cfg config.Config) (queue.Channel, error) {
	if cfg.Queue.Backend == "memory" {
		return queue.NewMemory(), nil
	}

	cdc, ok := codec.ByName(cfg.Queue.Codec)
	if !ok {
		return nil, failure.Errorf(failure.KindInvalidInput, "cyclops.open", "unknown codec %q", cfg.Queue.Codec)
	}
	return queue.DialRedis(ctx, cfg.Redis.Address, func(o *queue.RedisOptions) {
		o.Name = cfg.Queue.Name
		o.Codec = cdc
	})
}

// openShards loads every configured shard concurrently.
func (c *Cyclops) openShards(ctx context.Context, opts options) error {
	compression, err := persistence.ParseCompression(c.cfg.Storage.Compression)
	if err != nil {
		return failure.New(failure.KindInvalidInput, "cyclops.open", err)
	}

	durability, ok := wal.ParseDurabilityMode(c.cfg.Storage.Journal.Durability)
	if !ok {
		return failure.Errorf(failure.KindInvalidInput, "cyclops.open", "unknown journal durability %q", c.cfg.Storage.Journal.Durability)
	}

	shards := make([]*shard.Index, len(c.cfg.Workers))

	g, gctx := errgroup.WithContext(ctx)
	for i, name := range c.cfg.Workers {
		g.Go(func() error {
			idx, err := shard.Open(gctx, name, func(o *shard.Options) {
				o.LeafCapacity = c.cfg.Index.LeafCapacity
				o.Width = c.cfg.Index.Width
				o.Compression = compression
				o.Blobs = c.blobs
				o.JournalDir = c.cfg.JournalDir()
				o.JournalDurability = durability
				o.JournalFS = opts.journalFS
				o.Resources = c.resources
				o.Logger = c.logger.Logger
				o.Metrics = c.metrics.all
				o.Counters = c.records
			})
			shards[i] = idx
			return err
		})
	}

	err = g.Wait()

	for _, idx := range shards {
		if idx != nil {
			c.shards = append(c.shards, idx)
			c.closers = append(c.closers, idx.Close)
		}
	}
	return err
}

func (c *Cyclops) buildPipelines() error {
	byName := make(map[string]*shard.Index, len(c.shards))
	for _, idx := range c.shards {
		byName[idx.Name()] = idx
	}

	deps := ingest.Dependencies{
		Channel:  c.channel,
		Provider: c.provider,
		Records:  c.records,
		Router:   c.router,
		Shards:   byName,
	}

	q := c.cfg.Queue
	for _, name := range c.cfg.Workers {
		p, err := ingest.New(name, deps, func(o *ingest.Options) {
			o.Prefetch = q.Prefetch
			o.PollInterval = q.PollInterval
			o.RetryInterval = q.RetryInterval
			o.MaxRetries = q.MaxRetries
			o.Resources = c.resources
			o.Logger = c.logger.Logger
			o.Metrics = c.metrics.all
		})
		if err != nil {
			return err
		}
		c.pipelines = append(c.pipelines, p)
	}
	return nil
}

// Run starts one ingestion consumer per shard and, when enabled, one
// autosaver per shard. It blocks until ctx is canceled or a consumer gives up
// on the queue; in the latter case every other loop is stopped and the
// consumer's error is returned. Autosavers configured to save on shutdown do so
// before Run returns.
func (c *Cyclops) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	for _, p := range c.pipelines {
		g.Go(func() error { return p.Run(gctx) })
	}

	as := c.cfg.Settings.Autosave
	if as.Enabled {
		for _, idx := range c.shards {
			a := shard.NewAutosaver(idx, as.Interval, func(o *shard.AutosaveOptions) {
				o.SaveOnShutdown = as.OnShutdown
			})
			g.Go(func() error { return a.Run(gctx) })
		}
	}

	return g.Wait()
}

// Close stops the orchestrator, closes the shard journals and every backend
// Open created, then releases the data directory lock. It does not save the
// shards; call Save first if needed. It is safe to call more than once.
func (c *Cyclops) Close() error {
	c.closeOnce.Do(func() {
		var errs []error
		for _, fn := range slices.Backward(c.closers) {
			if err := fn(); err != nil {
				errs = append(errs, err)
			}
		}
		c.closeErr = errors.Join(errs...)
	})
	return c.closeErr
}

// Config returns the configuration the instance was opened with.
func (c *Cyclops) Config() config.Config { return c.cfg }

// Logger returns the instance logger.
func (c *Cyclops) Logger() *Logger { return c.logger }

// Shards returns the shard names in configuration order.
func (c *Cyclops) Shards() []string { return c.orchestrator.Shards() }

// MetricsHandler serves Prometheus metrics, or is nil when export is disabled.
func (c *Cyclops) MetricsHandler() http.Handler { return c.metrics.handler() }

// TracerProvider returns the provider spans are recorded with.
func (c *Cyclops) TracerProvider() trace.TracerProvider { return c.tracer }

func (c *Cyclops) points() int {
	n := 0
	for _, idx := range c.shards {
		n += idx.Len()
	}
	return n
}
