package cyclops

import (
	"go.opentelemetry.io/otel/trace"

	"github.com/hupe1980/cyclops/blobstore"
	"github.com/hupe1980/cyclops/fingerprint"
	"github.com/hupe1980/cyclops/internal/fs"
	"github.com/hupe1980/cyclops/observability"
	"github.com/hupe1980/cyclops/queue"
	"github.com/hupe1980/cyclops/recordstore"
)

type options struct {
	logger         *Logger
	provider       fingerprint.Provider
	records        recordstore.Store
	channel        queue.Channel
	blobs          blobstore.Store
	journalFS      fs.FileSystem
	tracerProvider trace.TracerProvider
	metrics        []observability.Collector
}

// Option configures Open.
//
// Components passed in through options are used as they are and are not
// closed by Cyclops.Close.
type Option func(*options)

// WithLogger configures structured logging. Pass nil to use the logger
// described by the logging section of the configuration.
//
// Example with JSON logging:
//
//	c, err := cyclops.Open(ctx, cfg, cyclops.WithLogger(cyclops.NewJSONLogger(slog.LevelInfo)))
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithProvider replaces the HTTP fingerprint provider.
func WithProvider(p fingerprint.Provider) Option {
	return func(o *options) {
		o.provider = p
	}
}

// WithRecordStore replaces the configured record store backend.
func WithRecordStore(s recordstore.Store) Option {
	return func(o *options) {
		o.records = s
	}
}

// WithChannel replaces the configured queue backend.
func WithChannel(c queue.Channel) Option {
	return func(o *options) {
		o.channel = c
	}
}

// WithBlobStore replaces the configured shard file storage.
func WithBlobStore(s blobstore.Store) Option {
	return func(o *options) {
		o.blobs = s
	}
}

// WithJournalFS opens shard journals through fsys.
func WithJournalFS(fsys fs.FileSystem) Option {
	return func(o *options) {
		o.journalFS = fsys
	}
}

// WithTracerProvider replaces the provider built from the tracing section.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) {
		o.tracerProvider = tp
	}
}

// WithMetricsCollector adds a collector next to the built-in ones.
func WithMetricsCollector(mc observability.Collector) Option {
	return func(o *options) {
		if mc != nil {
			o.metrics = append(o.metrics, mc)
		}
	}
}

func applyOptions(optFns []Option) options {
	var o options
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	return o
}
