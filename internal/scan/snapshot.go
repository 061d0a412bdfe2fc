package scan

import (
	"time"

	"github.com/google/uuid"
)

// RunSnapshot is the run view published to observers on every state
// transition. Publishing is fire-and-forget; the scan never depends on it.
type RunSnapshot struct {
	RunID      uuid.UUID   `json:"scan_run_id"`
	TenantID   uuid.UUID   `json:"tenant_id"`
	Status     RunStatus   `json:"status"`
	StartedAt  *time.Time  `json:"started_at,omitempty"`
	FinishedAt *time.Time  `json:"finished_at,omitempty"`
	Summary    *Summary    `json:"summary,omitempty"`
	Failure    *RunFailure `json:"failure,omitempty"`
}

// SnapshotOf projects a run into its observer snapshot.
func SnapshotOf(run Run) RunSnapshot {
	return RunSnapshot{
		RunID:      run.ID,
		TenantID:   run.TenantID,
		Status:     run.Status,
		StartedAt:  run.StartedAt,
		FinishedAt: run.FinishedAt,
		Summary:    run.Summary,
		Failure:    run.Failure,
	}
}

// Broadcaster fans run snapshots out to observers. Implementations must
// not block: Publish is called from the scan hot path.
type Broadcaster interface {
	Publish(tenantID uuid.UUID, snap RunSnapshot)
}
