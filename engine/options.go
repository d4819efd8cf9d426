package engine

import (
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/hupe1980/cyclops/observability"
	"github.com/hupe1980/cyclops/recordstore"
)

// Options configures an Orchestrator.
type Options struct {
	// Workers is the worker pool size. 0 selects one worker per shard.
	Workers int

	// Logger receives one line per query.
	Logger *slog.Logger

	// Metrics receives query counts and latencies.
	Metrics observability.Collector

	// TracerProvider creates the query spans. nil selects the global provider.
	TracerProvider trace.TracerProvider

	// Counters receives StatQueryExecuted once per shard query. May be nil.
	Counters recordstore.Counter
}

// DefaultOptions contains the default orchestrator options.
var DefaultOptions = Options{}

func (o *Options) normalize(numShards int) {
	if o.Workers <= 0 {
		o.Workers = numShards
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.DiscardHandler)
	}
	if o.Metrics == nil {
		o.Metrics = observability.NoopCollector{}
	}
	if o.TracerProvider == nil {
		o.TracerProvider = otel.GetTracerProvider()
	}
}
