package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/whoismuhd/S3NTRACS/internal/config"
	"github.com/whoismuhd/S3NTRACS/internal/logging"
	"github.com/whoismuhd/S3NTRACS/internal/scan"
)

var scanTenantFlag string

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Run one scan for a tenant and wait for it to finish.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runScan()
	},
}

func init() {
	scanCmd.Flags().StringVar(&scanTenantFlag, "tenant", "", "tenant id to scan (required)")
	_ = scanCmd.MarkFlagRequired("tenant")
}

func runScan() error {
	tenantID, err := uuid.Parse(scanTenantFlag)
	if err != nil {
		return &exitError{code: 2, err: errors.New("--tenant must be a valid uuid")}
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if _, err := logging.BootstrapFromEnv(logging.BootstrapOptions{Command: "sentracs scan"}); err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()

	engine, err := buildScanEngine(ctx, cfg, pool)
	if err != nil {
		return err
	}

	run, err := engine.Orchestrator.StartScan(ctx, tenantID, nil)
	if err != nil {
		if errors.Is(err, scan.ErrScanConflict) {
			return &exitError{code: 2, err: err}
		}
		return err
	}

	if err := engine.Orchestrator.Execute(ctx, run.ID, tenantID); err != nil {
		if errors.Is(err, context.Canceled) {
			return &exitError{code: 130, err: err, silent: true}
		}
		return &exitError{code: 1, err: err}
	}

	finished, err := engine.Store.Run(ctx, run.ID)
	if err != nil {
		return err
	}
	if finished.Status == scan.RunFailed {
		failure := "unknown"
		if finished.Failure != nil {
			failure = finished.Failure.Error
		}
		return &exitError{code: 1, err: errors.New("scan failed: " + failure)}
	}

	if finished.Summary != nil {
		slog.Info("scan completed",
			"scan_run_id", finished.ID,
			"tenant_id", tenantID,
			"total_findings", finished.Summary.Total,
			"new", finished.Summary.New,
			"updated", finished.Summary.Updated,
			"verified_fixed", finished.Summary.VerifiedFixed,
		)
	}
	return nil
}
