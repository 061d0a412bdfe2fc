package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/whoismuhd/S3NTRACS/internal/scan"
)

// ErrFindingNotFound is returned when a finding id does not exist for the
// tenant.
var ErrFindingNotFound = errors.New("finding not found")

const findingColumns = `id, tenant_id, scan_run_id, category, title, COALESCE(description, ''),
	severity, resource_id, COALESCE(remediation, ''), COALESCE(mapped_control, ''),
	remediation_status, marked_as_fixed_at, marked_as_fixed_by, verified_fixed_at, created_at`

// FindingFilter narrows and pages a tenant's finding listing.
type FindingFilter struct {
	Severity scan.Severity
	Category string
	Status   scan.RemediationStatus
	Page     int
	PageSize int
}

// ListFindings returns one page of the tenant's findings plus the total
// matching count.
func (s *Store) ListFindings(ctx context.Context, tenantID uuid.UUID, filter FindingFilter) ([]scan.Finding, int, error) {
	where := []string{"tenant_id = $1"}
	args := []any{tenantID}
	if filter.Severity != "" {
		args = append(args, filter.Severity)
		where = append(where, fmt.Sprintf("severity = $%d", len(args)))
	}
	if filter.Category != "" {
		args = append(args, filter.Category)
		where = append(where, fmt.Sprintf("category = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		where = append(where, fmt.Sprintf("remediation_status = $%d", len(args)))
	}
	cond := strings.Join(where, " AND ")

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM findings WHERE `+cond, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count findings: %w", err)
	}

	page := filter.Page
	if page < 1 {
		page = 1
	}
	pageSize := filter.PageSize
	if pageSize < 1 || pageSize > 200 {
		pageSize = 50
	}
	args = append(args, pageSize, (page-1)*pageSize)

	query := fmt.Sprintf(
		`SELECT %s FROM findings WHERE %s
		 ORDER BY created_at DESC, id DESC
		 LIMIT $%d OFFSET $%d`, findingColumns, cond, len(args)-1, len(args))
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list findings: %w", err)
	}
	defer rows.Close()

	var out []scan.Finding
	for rows.Next() {
		f, err := scanFinding(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, f)
	}
	return out, total, rows.Err()
}

// FindingsSeenByRun returns every finding whose last-seen run is the given
// run. The HTTP layer recomputes a fresh summary from this set.
func (s *Store) FindingsSeenByRun(ctx context.Context, runID uuid.UUID) ([]scan.Finding, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+findingColumns+` FROM findings WHERE scan_run_id = $1`, runID)
	if err != nil {
		return nil, fmt.Errorf("findings for run: %w", err)
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

// UpdateFindingStatus applies a user remediation action. Marking fixed
// records who and when; re-opening clears both the mark and any previous
// verification.
func (s *Store) UpdateFindingStatus(ctx context.Context, tenantID, findingID uuid.UUID, status scan.RemediationStatus, actor *uuid.UUID) (scan.Finding, error) {
	var row pgx.Row
	switch status {
	case scan.RemediationMarkedFixed:
		row = s.pool.QueryRow(ctx,
			`UPDATE findings
			 SET remediation_status = 'marked_fixed', marked_as_fixed_at = now(), marked_as_fixed_by = $3
			 WHERE id = $1 AND tenant_id = $2
			 RETURNING `+findingColumns, findingID, tenantID, actor)
	case scan.RemediationOpen:
		row = s.pool.QueryRow(ctx,
			`UPDATE findings
			 SET remediation_status = 'open', marked_as_fixed_at = NULL,
			     marked_as_fixed_by = NULL, verified_fixed_at = NULL
			 WHERE id = $1 AND tenant_id = $2
			 RETURNING `+findingColumns, findingID, tenantID)
	case scan.RemediationFalsePositive:
		row = s.pool.QueryRow(ctx,
			`UPDATE findings
			 SET remediation_status = 'false_positive'
			 WHERE id = $1 AND tenant_id = $2
			 RETURNING `+findingColumns, findingID, tenantID)
	default:
		return scan.Finding{}, fmt.Errorf("status %q cannot be set directly", status)
	}

	f, err := scanFinding(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return scan.Finding{}, ErrFindingNotFound
	}
	return f, err
}

func scanFinding(row rowScanner) (scan.Finding, error) {
	var (
		f        scan.Finding
		severity string
		status   string
	)
	err := row.Scan(
		&f.ID, &f.TenantID, &f.ScanRunID, &f.Category, &f.Title, &f.Description,
		&severity, &f.ResourceID, &f.Remediation, &f.MappedControl,
		&status, &f.MarkedAsFixedAt, &f.MarkedAsFixedBy, &f.VerifiedFixedAt, &f.CreatedAt,
	)
	if err != nil {
		return scan.Finding{}, err
	}
	f.Severity = scan.Severity(severity)
	f.Status = scan.RemediationStatus(status)
	return f, nil
}
