// Package telemetry configures the OpenTelemetry tracer provider.
package telemetry

import (
	"context"
	"errors"
	"io"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Config controls span export.
type Config struct {
	// Enabled turns on export. When false Init installs a no-op provider.
	Enabled bool
	// ServiceName is reported as service.name.
	ServiceName string
	// ServiceVersion is reported as service.version.
	ServiceVersion string
	// Pretty indents exported spans.
	Pretty bool
	// Writer receives exported spans. Defaults to os.Stderr.
	Writer io.Writer
}

// ErrNilContext is returned when Init is called with a nil context.
var ErrNilContext = errors.New("telemetry: nil context")

// ShutdownFunc flushes and stops exporters.
type ShutdownFunc func(context.Context) error

// NewTracerProvider builds a batching provider that exports spans to
// cfg.Writer. Callers own the provider and must shut it down.
func NewTracerProvider(cfg Config) (*sdktrace.TracerProvider, error) {
	w := cfg.Writer
	if w == nil {
		w = os.Stderr
	}

	exporterOpts := []stdouttrace.Option{stdouttrace.WithWriter(w)}
	if cfg.Pretty {
		exporterOpts = append(exporterOpts, stdouttrace.WithPrettyPrint())
	}

	exporter, err := stdouttrace.New(exporterOpts...)
	if err != nil {
		return nil, err
	}

	res := resource.NewSchemaless(
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
	)

	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	), nil
}

// Init installs the global tracer provider and returns it together with its
// shutdown function. A disabled config yields a no-op provider.
func Init(ctx context.Context, cfg Config) (trace.TracerProvider, ShutdownFunc, error) {
	if ctx == nil {
		return nil, nil, ErrNilContext
	}

	if !cfg.Enabled {
		tp := noop.NewTracerProvider()
		return tp, func(context.Context) error { return nil }, nil
	}

	tp, err := NewTracerProvider(cfg)
	if err != nil {
		return nil, nil, err
	}
	otel.SetTracerProvider(tp)

	return tp, tp.Shutdown, nil
}
