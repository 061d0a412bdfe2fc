package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/whoismuhd/S3NTRACS/internal/metrics"
	"github.com/whoismuhd/S3NTRACS/internal/scan"
)

const runColumns = `id, tenant_id, status, started_at, finished_at, summary, scan_metadata`

// Run loads one scan run, or scan.ErrRunNotFound.
func (s *Store) Run(ctx context.Context, id uuid.UUID) (scan.Run, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM scan_runs WHERE id = $1`, id)
	run, err := scanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return scan.Run{}, scan.ErrRunNotFound
	}
	return run, err
}

// ListRuns returns the tenant's runs, newest first.
func (s *Store) ListRuns(ctx context.Context, tenantID uuid.UUID, limit int) ([]scan.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+runColumns+` FROM scan_runs
		 WHERE tenant_id = $1
		 ORDER BY started_at DESC NULLS LAST, id DESC
		 LIMIT $2`, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []scan.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// LatestRun returns the tenant's most recent completed or failed run, or
// scan.ErrRunNotFound when the tenant has never finished a scan.
func (s *Store) LatestRun(ctx context.Context, tenantID uuid.UUID) (scan.Run, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM scan_runs
		 WHERE tenant_id = $1 AND status IN ('completed', 'failed')
		 ORDER BY finished_at DESC NULLS LAST, id DESC
		 LIMIT 1`, tenantID)
	run, err := scanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return scan.Run{}, scan.ErrRunNotFound
	}
	return run, err
}

// LastScheduledRunStart returns when the tenant's most recent
// scheduler-triggered run started, or nil when there is none.
func (s *Store) LastScheduledRunStart(ctx context.Context, tenantID uuid.UUID) (*time.Time, error) {
	var startedAt *time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT started_at FROM scan_runs
		 WHERE tenant_id = $1
		   AND scan_metadata @> '{"scheduled": true}'
		   AND started_at IS NOT NULL
		 ORDER BY started_at DESC
		 LIMIT 1`, tenantID).Scan(&startedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("last scheduled run: %w", err)
	}
	return startedAt, nil
}

// CreatePendingRun inserts a pending run for the tenant. The existence
// check and the insert share one transaction so two concurrent requests
// cannot both create a run.
func (s *Store) CreatePendingRun(ctx context.Context, tenantID uuid.UUID, meta *scan.RunMetadata) (scan.Run, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return scan.Run{}, err
	}
	defer tx.Rollback(ctx)

	var active int
	err = tx.QueryRow(ctx,
		`SELECT COUNT(*) FROM scan_runs
		 WHERE tenant_id = $1 AND status IN ('pending', 'running')`, tenantID).Scan(&active)
	if err != nil {
		return scan.Run{}, fmt.Errorf("check active runs: %w", err)
	}
	if active > 0 {
		return scan.Run{}, scan.ErrScanConflict
	}

	var metaRaw []byte
	if meta != nil {
		if metaRaw, err = json.Marshal(meta); err != nil {
			return scan.Run{}, fmt.Errorf("encode run metadata: %w", err)
		}
	}

	row := tx.QueryRow(ctx,
		`INSERT INTO scan_runs (tenant_id, status, scan_metadata)
		 VALUES ($1, 'pending', $2)
		 RETURNING `+runColumns, tenantID, metaRaw)
	run, err := scanRun(row)
	if err != nil {
		return scan.Run{}, fmt.Errorf("insert pending run: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return scan.Run{}, err
	}
	return run, nil
}

// MarkRunRunning advances a pending run to running. The update is
// conditional on no other running run existing for the tenant, so two
// workers racing on the same tenant cannot both proceed.
func (s *Store) MarkRunRunning(ctx context.Context, runID, tenantID uuid.UUID) (scan.Run, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE scan_runs SET status = 'running', started_at = now()
		 WHERE id = $1 AND tenant_id = $2 AND status = 'pending'
		   AND NOT EXISTS (
		       SELECT 1 FROM scan_runs
		       WHERE tenant_id = $2 AND status = 'running' AND id <> $1
		   )
		 RETURNING `+runColumns, runID, tenantID)
	run, err := scanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		// Either the run is gone, already past pending, or another run
		// holds the running slot. Disambiguate for the caller.
		if _, lookupErr := s.Run(ctx, runID); lookupErr != nil {
			return scan.Run{}, lookupErr
		}
		return scan.Run{}, scan.ErrScanConflict
	}
	return run, err
}

// CompleteRun reconciles the run's raw findings against the tenant's live
// findings and marks the run completed, all in one transaction. Live
// findings are locked for the duration so a concurrent status update
// cannot interleave with the reconciliation.
func (s *Store) CompleteRun(ctx context.Context, runID, tenantID uuid.UUID, raw []scan.RawFinding, enabledCategories []string) (scan.Run, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return scan.Run{}, err
	}
	defer tx.Rollback(ctx)

	active, err := activeFindingsForUpdate(ctx, tx, tenantID)
	if err != nil {
		return scan.Run{}, err
	}

	plan := scan.Reconcile(active, raw)
	if err := applyPlan(ctx, tx, runID, tenantID, plan); err != nil {
		return scan.Run{}, err
	}

	summary := plan.Summary(enabledCategories)
	summaryRaw, err := json.Marshal(summary)
	if err != nil {
		return scan.Run{}, fmt.Errorf("encode summary: %w", err)
	}

	row := tx.QueryRow(ctx,
		`UPDATE scan_runs SET status = 'completed', finished_at = now(), summary = $3
		 WHERE id = $1 AND tenant_id = $2 AND status = 'running'
		 RETURNING `+runColumns, runID, tenantID, summaryRaw)
	run, err := scanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return scan.Run{}, fmt.Errorf("run %s is not running", runID)
	}
	if err != nil {
		return scan.Run{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return scan.Run{}, err
	}

	observeTransitions(plan)
	return run, nil
}

// FailRun marks a run failed with its failure payload.
func (s *Store) FailRun(ctx context.Context, runID uuid.UUID, failure scan.RunFailure) (scan.Run, error) {
	failureRaw, err := json.Marshal(failure)
	if err != nil {
		return scan.Run{}, fmt.Errorf("encode failure: %w", err)
	}
	row := s.pool.QueryRow(ctx,
		`UPDATE scan_runs SET status = 'failed', finished_at = now(), summary = $2
		 WHERE id = $1 AND status IN ('pending', 'running')
		 RETURNING `+runColumns, runID, failureRaw)
	run, err := scanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return scan.Run{}, scan.ErrRunNotFound
	}
	return run, err
}

func activeFindingsForUpdate(ctx context.Context, tx pgx.Tx, tenantID uuid.UUID) ([]scan.Finding, error) {
	rows, err := tx.Query(ctx,
		`SELECT `+findingColumns+` FROM findings
		 WHERE tenant_id = $1 AND remediation_status IN ('open', 'marked_fixed')
		 FOR UPDATE`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("lock active findings: %w", err)
	}
	defer rows.Close()

	var out []scan.Finding
	for rows.Next() {
		f, err := scanFinding(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func applyPlan(ctx context.Context, tx pgx.Tx, runID, tenantID uuid.UUID, plan scan.Plan) error {
	for _, r := range plan.New {
		_, err := tx.Exec(ctx,
			`INSERT INTO findings
			     (tenant_id, scan_run_id, category, title, description, severity,
			      resource_id, remediation, mapped_control, remediation_status)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 'open')`,
			tenantID, runID, r.Category, r.Title, r.Description, r.Severity,
			r.Key().ResourceID, r.Remediation, r.MappedControl)
		if err != nil {
			return fmt.Errorf("insert finding %q: %w", r.Title, err)
		}
	}

	for _, m := range plan.Persisted {
		if m.Reopen {
			_, err := tx.Exec(ctx,
				`UPDATE findings
				 SET scan_run_id = $2, remediation_status = 'open', verified_fixed_at = NULL
				 WHERE id = $1`, m.Finding.ID, runID)
			if err != nil {
				return fmt.Errorf("reopen finding %s: %w", m.Finding.ID, err)
			}
			continue
		}
		_, err := tx.Exec(ctx,
			`UPDATE findings SET scan_run_id = $2 WHERE id = $1`, m.Finding.ID, runID)
		if err != nil {
			return fmt.Errorf("bump finding %s: %w", m.Finding.ID, err)
		}
	}

	for _, f := range plan.Verified {
		_, err := tx.Exec(ctx,
			`UPDATE findings
			 SET remediation_status = 'verified_fixed', verified_fixed_at = now()
			 WHERE id = $1 AND remediation_status = 'marked_fixed'`, f.ID)
		if err != nil {
			return fmt.Errorf("verify finding %s: %w", f.ID, err)
		}
	}
	return nil
}

func observeTransitions(plan scan.Plan) {
	if n := len(plan.New); n > 0 {
		metrics.FindingTransitionsTotal.WithLabelValues(metrics.TransitionNew).Add(float64(n))
	}
	var updated, reopened int
	for _, m := range plan.Persisted {
		if m.Reopen {
			reopened++
		} else {
			updated++
		}
	}
	if updated > 0 {
		metrics.FindingTransitionsTotal.WithLabelValues(metrics.TransitionUpdated).Add(float64(updated))
	}
	if reopened > 0 {
		metrics.FindingTransitionsTotal.WithLabelValues(metrics.TransitionReopened).Add(float64(reopened))
	}
	if n := len(plan.Verified); n > 0 {
		metrics.FindingTransitionsTotal.WithLabelValues(metrics.TransitionVerifiedFixed).Add(float64(n))
	}
}

func scanRun(row rowScanner) (scan.Run, error) {
	var (
		run        scan.Run
		status     string
		summaryRaw []byte
		metaRaw    []byte
	)
	err := row.Scan(&run.ID, &run.TenantID, &status, &run.StartedAt, &run.FinishedAt, &summaryRaw, &metaRaw)
	if err != nil {
		return scan.Run{}, err
	}
	run.Status = scan.RunStatus(status)

	if len(summaryRaw) > 0 {
		if run.Status == scan.RunFailed {
			var failure scan.RunFailure
			if err := json.Unmarshal(summaryRaw, &failure); err != nil {
				return scan.Run{}, fmt.Errorf("run %s: decode failure: %w", run.ID, err)
			}
			run.Failure = &failure
		} else {
			var summary scan.Summary
			if err := json.Unmarshal(summaryRaw, &summary); err != nil {
				return scan.Run{}, fmt.Errorf("run %s: decode summary: %w", run.ID, err)
			}
			run.Summary = &summary
		}
	}
	if len(metaRaw) > 0 {
		var meta scan.RunMetadata
		if err := json.Unmarshal(metaRaw, &meta); err != nil {
			return scan.Run{}, fmt.Errorf("run %s: decode metadata: %w", run.ID, err)
		}
		run.Metadata = &meta
	}
	return run, nil
}
