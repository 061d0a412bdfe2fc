package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/whoismuhd/S3NTRACS/internal/config"
	"github.com/whoismuhd/S3NTRACS/internal/logging"
	"github.com/whoismuhd/S3NTRACS/internal/metrics"
	"github.com/whoismuhd/S3NTRACS/internal/schedule"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the scheduled scan loop without the HTTP API.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWorker()
	},
}

func runWorker() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.ScheduleTickInterval <= 0 {
		return errors.New("SCHEDULE_TICK_INTERVAL must be > 0 to run the worker")
	}
	if _, err := logging.BootstrapFromEnv(logging.BootstrapOptions{Command: "sentracs worker"}); err != nil {
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

	_, metricsErrCh := metrics.StartServer(ctx, cfg.MetricsAddr)

	trigger := &schedule.Trigger{
		Source:    engine.Store,
		Starter:   engine.Orchestrator,
		Interval:  cfg.ScheduleTickInterval,
		Tolerance: cfg.ScheduleTolerance,
		Damping:   cfg.ScheduleDamping,
	}

	slog.Info("scan worker started", "interval", cfg.ScheduleTickInterval)
	done := make(chan struct{})
	go func() {
		trigger.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
		return nil
	case err := <-metricsErrCh:
		return err
	}
}
