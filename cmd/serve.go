// File: cmd/serve.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/loanbook/courier/internal/api"
	"github.com/loanbook/courier/internal/observability"
	"github.com/loanbook/courier/internal/service"
)

func newServeCmd() *cobra.Command {
	var (
		addr     string
		interval string
	)

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the control API and optionally drain the queue on a schedule",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.SetServerAddr(addr)
			}
			if interval != "" {
				d, err := parseNonNegativeDuration(interval)
				if err != nil {
					return fmt.Errorf("invalid --drain-interval: %w", err)
				}
				cfg.ServerCfg.DrainInterval = d
			}

			components, err := componentFactory.Create(ctx, cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize components: %w", err)
			}
			defer components.Shutdown()

			srv := api.NewServer(cfg.Server(), components.Engine, logger)
			g, gctx := errgroup.WithContext(ctx)

			g.Go(func() error {
				logger.Info("Control API listening.", zap.String("addr", srv.Addr))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("control API failed: %w", err)
				}
				return nil
			})

			g.Go(func() error {
				<-gctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server().ShutdownTimeout)
				defer cancel()
				logger.Info("Shutting down control API.")
				return srv.Shutdown(shutdownCtx)
			})

			if d := cfg.Server().DrainInterval; d > 0 {
				g.Go(func() error {
					return service.RunDrainScheduler(gctx, components.Engine, d, logger)
				})
			}

			return g.Wait()
		},
	}

	serveCmd.Flags().StringVar(&addr, "addr", "", "listen address for the control API (overrides config/env)")
	serveCmd.Flags().StringVar(&interval, "drain-interval", "", "start a drain this often, e.g. 5m; 0 disables (overrides config/env)")
	return serveCmd
}
