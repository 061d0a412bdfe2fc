package schedule

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/whoismuhd/S3NTRACS/internal/metrics"
	"github.com/whoismuhd/S3NTRACS/internal/scan"
)

// Source lists tenants with a schedule and answers when a tenant's last
// scheduled run started.
type Source interface {
	ScheduledTenants(ctx context.Context) ([]scan.Tenant, error)
	LastScheduledRunStart(ctx context.Context, tenantID uuid.UUID) (*time.Time, error)
}

// Starter kicks off a scan for a tenant. The orchestrator satisfies it.
type Starter interface {
	StartScanAsync(ctx context.Context, tenantID uuid.UUID, meta *scan.RunMetadata) (scan.Run, error)
}

// Trigger periodically checks every scheduled tenant and starts a scan for
// each one whose schedule is due.
type Trigger struct {
	Source  Source
	Starter Starter

	// Interval between checks. The loop is a no-op when zero.
	Interval time.Duration
	// Tolerance is how far behind now an occurrence still counts as due.
	Tolerance time.Duration
	// Damping suppresses a tenant whose previous scheduled run started
	// within this window, so a due instant never fires twice.
	Damping time.Duration

	// Now is overridable for tests; defaults to time.Now.
	Now func() time.Time
}

// Run ticks until ctx is cancelled.
func (t *Trigger) Run(ctx context.Context) {
	if t.Source == nil || t.Starter == nil || t.Interval <= 0 {
		return
	}

	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := t.RunOnce(ctx); err != nil {
				slog.Error("schedule check failed", "err", err)
			}
		}
	}
}

// RunOnce evaluates every scheduled tenant once and returns how many scans
// it started.
func (t *Trigger) RunOnce(ctx context.Context) (int, error) {
	now := t.now()
	tenants, err := t.Source.ScheduledTenants(ctx)
	if err != nil {
		return 0, err
	}

	started := 0
	for _, tenant := range tenants {
		cfg, ok := Parse(tenant.ScheduleRaw)
		if !ok {
			continue
		}
		if !Due(cfg, now, t.tolerance()) {
			continue
		}
		if suppressed, err := t.recentlyStarted(ctx, tenant.ID, now); err != nil {
			slog.Error("schedule damping check failed", "tenant_id", tenant.ID, "err", err)
			continue
		} else if suppressed {
			continue
		}

		meta := &scan.RunMetadata{Scheduled: true, ScheduleFrequency: string(cfg.Frequency)}
		run, err := t.Starter.StartScanAsync(ctx, tenant.ID, meta)
		switch {
		case errors.Is(err, scan.ErrScanConflict):
			slog.Info("scheduled scan skipped, scan already in progress", "tenant_id", tenant.ID)
			continue
		case err != nil:
			slog.Error("scheduled scan failed to start", "tenant_id", tenant.ID, "err", err)
			continue
		}

		metrics.ScheduledScansTriggeredTotal.Inc()
		slog.Info("scheduled scan started",
			"tenant_id", tenant.ID,
			"run_id", run.ID,
			"frequency", cfg.Frequency)
		started++
	}
	return started, nil
}

func (t *Trigger) recentlyStarted(ctx context.Context, tenantID uuid.UUID, now time.Time) (bool, error) {
	if t.Damping <= 0 {
		return false, nil
	}
	last, err := t.Source.LastScheduledRunStart(ctx, tenantID)
	if err != nil {
		return false, err
	}
	if last == nil {
		return false, nil
	}
	return now.Sub(*last) < t.Damping, nil
}

func (t *Trigger) now() time.Time {
	if t.Now != nil {
		return t.Now()
	}
	return time.Now()
}

func (t *Trigger) tolerance() time.Duration {
	if t.Tolerance <= 0 {
		return DefaultTolerance
	}
	return t.Tolerance
}
