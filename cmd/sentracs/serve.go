package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/whoismuhd/S3NTRACS/internal/config"
	httpapp "github.com/whoismuhd/S3NTRACS/internal/http"
	"github.com/whoismuhd/S3NTRACS/internal/logging"
	"github.com/whoismuhd/S3NTRACS/internal/metrics"
	"github.com/whoismuhd/S3NTRACS/internal/schedule"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the scheduled scan loop.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func runServe() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if _, err := logging.BootstrapFromEnv(logging.BootstrapOptions{Command: "sentracs serve"}); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()

	engine, err := buildScanEngine(ctx, cfg, pool)
	if err != nil {
		return err
	}

	trigger := &schedule.Trigger{
		Source:    engine.Store,
		Starter:   engine.Orchestrator,
		Interval:  cfg.ScheduleTickInterval,
		Tolerance: cfg.ScheduleTolerance,
		Damping:   cfg.ScheduleDamping,
	}
	go trigger.Run(ctx)

	_, metricsErrCh := metrics.StartServer(ctx, cfg.MetricsAddr)

	srv, err := httpapp.NewEchoServer(cfg, engine.Store, engine.Orchestrator, engine.Hub, engine.Checks)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http listening", "addr", cfg.HTTPAddr)
		errCh <- srv.StartServer(httpServer)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-metricsErrCh:
		return err
	}
}
