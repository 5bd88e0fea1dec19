package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/pdpwatch/api/schemas"
	"github.com/xkilldash9x/pdpwatch/internal/engine"
	"github.com/xkilldash9x/pdpwatch/internal/observability"
	"github.com/xkilldash9x/pdpwatch/internal/rescan"
	"github.com/xkilldash9x/pdpwatch/internal/server"
)

// newServeCmd runs the scan engine, the rescan poller and the HTTP API.
func newServeCmd(opts *rootOptions) *cobra.Command {
	var (
		addr        string
		concurrency int
	)
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Runs the scan worker pool and the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()
			cfg := opts.cfg

			if cmd.Flags().Changed("concurrency") {
				cfg.SetEngineWorkerConcurrency(concurrency)
			}
			if cmd.Flags().Changed("addr") {
				cfg.ServerCfg.Addr = addr
			}

			c, err := initializeComponents(ctx, cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize components: %w", err)
			}
			defer c.Shutdown(ctx)

			eng, err := engine.New(cfg.Engine(), c.Pipeline, c.Browser, c.Locker, cfg.Redis().LockTTL, logger)
			if err != nil {
				return fmt.Errorf("failed to create scan engine: %w", err)
			}
			eng.Start(ctx)
			defer eng.Stop()

			mode := schemas.ScanMode(cfg.Scan().Mode)
			poller := rescan.NewPoller(c.Rescans, c.Repo, eng, mode, cfg.Engine().RescanPollInterval, logger)
			router := server.NewRouter(eng, c.Repo, c.Issues, mode, cfg.Server().AllowedOrigins, logger)
			srv := server.New(cfg.Server().Addr, router, logger)

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return srv.Run(gctx) })
			g.Go(func() error { return poller.Run(gctx) })

			logger.Info("pdpwatch is serving.",
				zap.String("addr", cfg.Server().Addr),
				zap.Int("workers", cfg.Engine().WorkerConcurrency),
				zap.Bool("redis", c.Redis != nil),
				zap.Strings("alert_channels", cfg.Alerts().Channels),
			)
			if err := g.Wait(); err != nil {
				return fmt.Errorf("server stopped: %w", err)
			}
			logger.Info("Shutdown signal received, draining scan queue.")
			return nil
		},
	}
	serveCmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides config)")
	serveCmd.Flags().IntVarP(&concurrency, "concurrency", "j", 0, "number of concurrent scan workers (overrides config)")
	return serveCmd
}
