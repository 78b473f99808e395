package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	tracing "github.com/aixgo-dev/genorch/internal/observability"
	"github.com/aixgo-dev/genorch/internal/server"
	"github.com/aixgo-dev/genorch/pkg/credits"
	"github.com/aixgo-dev/genorch/pkg/observability"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newServeCmd(c *cli) *cobra.Command {
	var addr, seed string

	cmd := &cobra.Command{
		Use:         "serve",
		Short:       "Run the HTTP API",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{annotationLogOutput: "stdout"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			if addr != "" {
				c.cfg.Server.Addr = addr
			}
			return runServe(cmd.Context(), c, seed)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address, overrides server.addr")
	cmd.Flags().StringVar(&seed, "seed", "", "YAML corpus to load into the retrieval store at startup")
	return cmd
}

func runServe(ctx context.Context, c *cli, seed string) error {
	cfg, logger := c.cfg, c.logger
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("starting genorch",
		zap.String("version", Version),
		zap.String("provider", cfg.Provider.Name),
		zap.String("model", cfg.Model()),
		zap.String("ledger", cfg.Ledger.Backend),
		zap.String("vectorstore", cfg.VectorStore.Provider))

	observability.InitMetrics()
	if err := tracing.Init(ctx, cfg.Telemetry, logger); err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := tracing.Shutdown(sctx); err != nil {
			logger.Warn("tracing shutdown failed", zap.Error(err))
		}
	}()

	a, err := buildApp(ctx, cfg, logger, Version)
	if err != nil {
		return err
	}

	if seed != "" {
		n, err := loadSeed(ctx, seed, a.store, a.embedder)
		if err != nil {
			_ = a.Close(context.Background())
			return fmt.Errorf("seed: %w", err)
		}
		logger.Info("retrieval store seeded", zap.String("file", seed), zap.Int("chunks", n))
	}

	if cfg.Ledger.ReplenishSchedule != "" {
		r := credits.NewReplenisher(a.ledger, cfg.Ledger.ReplenishSchedule, logger.Named("replenish"))
		if err := r.Start(); err != nil {
			_ = a.Close(context.Background())
			return fmt.Errorf("replenisher: %w", err)
		}
		defer r.Stop()
	}

	srv, err := server.New(cfg.Server, server.Deps{
		Engine:   a.engine,
		Ledger:   a.ledger,
		Store:    a.store,
		Embedder: a.embedder,
		Health:   a.health,
		Logger:   logger.Named("http"),
	})
	if err != nil {
		_ = a.Close(context.Background())
		return err
	}

	errCh := make(chan error, 2)
	go func() { errCh <- srv.Start() }()

	var metricsSrv *observability.Server
	if cfg.Server.MetricsAddr != "" {
		metricsSrv = observability.NewServer(cfg.Server.MetricsAddr, a.health)
		go func() {
			logger.Info("metrics server listening", zap.String("addr", cfg.Server.MetricsAddr))
			errCh <- metricsSrv.Start()
		}()
	}

	var serveErr error
	select {
	case serveErr = <-errCh:
		if serveErr != nil {
			logger.Error("server failed", zap.Error(serveErr))
		}
	case <-ctx.Done():
		logger.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	// Cancelling sessions first ends their event streams, so the HTTP
	// shutdown does not wait on them.
	if err := a.engine.Close(shutdownCtx); err != nil {
		logger.Warn("sessions did not drain", zap.Error(err))
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown failed", zap.Error(err))
	}
	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics shutdown failed", zap.Error(err))
		}
	}
	if err := a.Close(shutdownCtx); err != nil {
		logger.Warn("components did not close cleanly", zap.Error(err))
	}
	logger.Info("genorch stopped")
	return serveErr
}
