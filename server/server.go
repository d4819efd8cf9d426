package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel/trace"

	"github.com/hupe1980/cyclops"
)

// Service is the part of *cyclops.Cyclops the routes use.
type Service interface {
	IngestURLs(ctx context.Context, urls []string) error
	AddHashes(ctx context.Context, hashes map[string]string) (cyclops.AddHashesResult, error)
	QueryByURL(ctx context.Context, url string, radius, k int) (*cyclops.Result, error)
	QueryByHash(ctx context.Context, hash string, radius, k int) (*cyclops.Result, error)
	URLsByHash(ctx context.Context, hash string, limit int) ([]string, error)
	CountByHash(ctx context.Context, hash string) (int64, error)
	HashOfURL(ctx context.Context, url string) (string, error)
	Save(ctx context.Context) ([]string, error)
	Stats(ctx context.Context) (cyclops.Stats, error)
}

// Options configures a Server.
type Options struct {
	// ServiceName names the server spans.
	ServiceName string

	// ShutdownTimeout bounds the graceful shutdown of Serve.
	ShutdownTimeout time.Duration

	// Logger receives access and error logs.
	Logger *slog.Logger

	// Metrics serves GET /metrics. nil answers 404.
	Metrics http.Handler

	// TracerProvider records server spans. nil selects the global provider.
	TracerProvider trace.TracerProvider
}

// DefaultOptions contains the default server options.
var DefaultOptions = Options{
	ServiceName:     "cyclops",
	ShutdownTimeout: 10 * time.Second,
}

// Server is the REST surface of a cyclops instance.
type Server struct {
	svc    Service
	opts   Options
	logger *slog.Logger
	engine *gin.Engine
}

// New creates a server for svc and registers every route.
func New(svc Service, optFns ...func(o *Options)) *Server {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}

	s := &Server{
		svc:    svc,
		opts:   opts,
		logger: opts.Logger,
		engine: gin.New(),
	}

	var otelOpts []otelgin.Option
	if opts.TracerProvider != nil {
		otelOpts = append(otelOpts, otelgin.WithTracerProvider(opts.TracerProvider))
	}

	s.engine.Use(
		gin.Recovery(),
		requestID(),
		otelgin.Middleware(opts.ServiceName, otelOpts...),
		accessLog(s.logger),
	)
	s.routes()

	return s
}

func (s *Server) routes() {
	r := s.engine

	r.PUT("/urls", s.handleIngest)
	r.PUT("/hashes", s.handleAddHashes)

	q := r.Group("/query/mvp")
	q.POST("/url", s.handleQueryURL)
	q.POST("/hash", s.handleQueryHash)

	r.GET("/hash/:hash", s.handleURLsByHash)
	r.GET("/hash/:hash/count", s.handleCountByHash)
	r.GET("/url/hash", s.handleHashOfURL)

	r.POST("/db/save", s.handleSave)
	r.GET("/stats", s.handleStats)
	r.GET("/health", handleHealth)
	r.GET("/metrics", s.handleMetrics)
}

// Handler returns the HTTP handler of the server.
func (s *Server) Handler() http.Handler { return s.engine }

// Serve listens on addr until ctx is canceled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", slog.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.ShutdownTimeout)
	defer cancel()

	s.logger.Info("http server stopping")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
