package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/cyclops"
	"github.com/hupe1980/cyclops/server"
)

func newServeCmd(g *globalFlags) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the ingestion consumers, the autosavers and the REST server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, err := g.load()
			if err != nil {
				return err
			}
			if addr == "" {
				addr = cfg.REST.Addr()
			}

			c, err := cyclops.Open(ctx, cfg)
			if err != nil {
				return err
			}
			defer c.Close()

			return serve(ctx, c, addr)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from rest.host and rest.port)")
	return cmd
}

// serve runs the instance and its REST server until ctx ends or either fails.
func serve(ctx context.Context, c *cyclops.Cyclops, addr string) error {
	gin.SetMode(gin.ReleaseMode)

	srv := server.New(c, func(o *server.Options) {
		o.Logger = c.Logger().WithComponent("http").Logger
		o.Metrics = c.MetricsHandler()
		o.TracerProvider = c.TracerProvider()
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.Run(gctx) })
	g.Go(func() error { return srv.Serve(gctx, addr) })

	err := g.Wait()
	c.Logger().Info("cyclops stopped", slog.Any("error", err))
	return err
}
