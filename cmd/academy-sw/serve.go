package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/Sternrassler/himmam-offline/internal/app"
	"github.com/Sternrassler/himmam-offline/internal/server"
	"github.com/Sternrassler/himmam-offline/internal/telemetry"
	"github.com/Sternrassler/himmam-offline/pkg/lifecycle"
	"github.com/Sternrassler/himmam-offline/pkg/logging"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newServeCmd(opts *options) *cobra.Command {
	var addr string
	var install bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the worker over HTTP until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			cfg, err := opts.load()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			if cmd.Flags().Changed("install") {
				cfg.Lifecycle.InstallOnStart = install
			}
			logger := logging.NewLogger("serve")

			shutdownTracing, err := telemetry.Setup(ctx, telemetry.Config{
				Endpoint:    cfg.Tracing.Endpoint,
				Insecure:    cfg.Tracing.Insecure,
				ServiceName: cfg.Tracing.ServiceName,
				SampleRatio: cfg.Tracing.SampleRatio,
			})
			if err != nil {
				return err
			}
			defer func() {
				if err := shutdownTracing(context.Background()); err != nil {
					logger.Warn().Err(err).Msg("Failed to flush traces")
				}
			}()

			a, err := app.New(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			srv := server.New(a, logging.NewLogger("server"))

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return a.Worker.Run(gctx)
			})
			g.Go(func() error {
				return srv.Start()
			})
			g.Go(func() error {
				<-gctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
				defer cancel()
				logger.Info().Msg("Shutting down")
				return srv.Shutdown(shutdownCtx)
			})

			if cfg.Lifecycle.InstallOnStart {
				startLifecycle(gctx, a)
			}

			if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	cmd.Flags().BoolVar(&install, "install", false, "install and activate before serving")
	return cmd
}

// startLifecycle installs and activates the worker. A failed install leaves
// the worker redundant; requests are still intercepted.
func startLifecycle(ctx context.Context, a *app.App) {
	logger := logging.NewLogger("serve")
	if err := a.Lifecycle.Install(ctx); err != nil {
		logger.Error().Err(err).Msg("Worker is redundant, serving without pre-cached shell")
		return
	}
	if _, err := a.Lifecycle.Activate(ctx); err != nil && !errors.Is(err, lifecycle.ErrRedundant) {
		logger.Error().Err(err).Msg("Activation failed")
	}
}
