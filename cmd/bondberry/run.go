package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/blockberries/bondberry/internal/logging"
	"github.com/blockberries/bondberry/internal/metrics"
	"github.com/blockberries/bondberry/node"
)

const shutdownTimeout = 5 * time.Second

func newRunCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the node and its simulated peers until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			cfg, err := opts.load()
			if err != nil {
				return err
			}
			logger, err := logging.NewLogger(cfg.Log)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			reg := prometheus.NewRegistry()
			reg.MustRegister(
				collectors.NewGoCollector(),
				collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			)
			recorder := metrics.NewRecorder(reg)

			n, err := node.New(cfg, logger, recorder)
			if err != nil {
				return err
			}
			if err := n.Start(ctx); err != nil {
				return err
			}

			var srv *http.Server
			if cfg.MetricsAddr != "" {
				srv = &http.Server{
					Addr:              cfg.MetricsAddr,
					Handler:           metrics.Handler(reg),
					ReadHeaderTimeout: shutdownTimeout,
				}
				go func() {
					logger.Info("serving metrics", zap.String("addr", cfg.MetricsAddr))
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						logger.Error("metrics server failed", zap.Error(err))
					}
				}()
			}

			<-ctx.Done()
			logger.Info("shutting down")

			if srv != nil {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				if err := srv.Shutdown(shutdownCtx); err != nil {
					logger.Warn("metrics server shutdown", zap.Error(err))
				}
			}
			return n.Stop()
		},
	}
}
