package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/whoismuhd/S3NTRACS/internal/scan"
	"github.com/whoismuhd/S3NTRACS/internal/store"
)

const recordTimeout = 30 * time.Second

// defaultChannel receives alerts when a tenant enabled notifications
// without naming channels.
const defaultChannel = "email"

// AlertStore is the persistence surface the recorder needs.
type AlertStore interface {
	Tenant(ctx context.Context, id uuid.UUID) (scan.Tenant, error)
	FindingsSeenByRun(ctx context.Context, runID uuid.UUID) ([]scan.Finding, error)
	InsertAlerts(ctx context.Context, alerts []store.Alert) error
}

// Recorder appends alert rows for a completed run's qualifying findings,
// per the tenant's notification preferences. It implements
// scan.Broadcaster so it can hang off the orchestrator's snapshot stream;
// recording happens in the background and never blocks the publisher.
type Recorder struct {
	store AlertStore
}

func NewRecorder(store AlertStore) *Recorder {
	return &Recorder{store: store}
}

// Publish reacts to completed-run snapshots and ignores everything else.
func (r *Recorder) Publish(tenantID uuid.UUID, snap scan.RunSnapshot) {
	if snap.Status != scan.RunCompleted {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		defer cancel()
		if _, err := r.Record(ctx, tenantID, snap.RunID); err != nil {
			slog.Error("failed to record alerts", "tenant_id", tenantID, "scan_run_id", snap.RunID, "err", err)
		}
	}()
}

// Record selects the run's findings at or above the tenant's minimum
// severity and appends one alert per finding and channel. It returns how
// many alerts were written.
func (r *Recorder) Record(ctx context.Context, tenantID, runID uuid.UUID) (int, error) {
	tenant, err := r.store.Tenant(ctx, tenantID)
	if err != nil {
		return 0, fmt.Errorf("load tenant: %w", err)
	}
	prefs := tenant.NotificationPrefs
	if prefs == nil || !prefs.Enabled {
		return 0, nil
	}

	// Absent or invalid min_severity means MEDIUM, not alert-on-everything.
	minRank := scan.SeverityMedium.Rank()
	if prefs.MinSeverity.Valid() {
		minRank = prefs.MinSeverity.Rank()
	}
	channels := prefs.Channels
	if len(channels) == 0 {
		channels = []string{defaultChannel}
	}

	findings, err := r.store.FindingsSeenByRun(ctx, runID)
	if err != nil {
		return 0, fmt.Errorf("load run findings: %w", err)
	}

	var alerts []store.Alert
	for _, f := range findings {
		if f.Severity.Rank() < minRank {
			continue
		}
		for _, channel := range channels {
			alerts = append(alerts, store.Alert{
				TenantID:  tenantID,
				FindingID: f.ID,
				Channel:   channel,
			})
		}
	}
	if len(alerts) == 0 {
		return 0, nil
	}
	if err := r.store.InsertAlerts(ctx, alerts); err != nil {
		return 0, err
	}

	slog.Info("recorded alerts", "tenant_id", tenantID, "scan_run_id", runID, "alerts", len(alerts))
	return len(alerts), nil
}
