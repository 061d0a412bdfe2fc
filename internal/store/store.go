// Package store is the Postgres persistence layer. All mutations that the
// scan lifecycle depends on commit in single transactions so a crashed
// worker never leaves a half-reconciled tenant behind.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/whoismuhd/S3NTRACS/internal/scan"
)

type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) (*Store, error) {
	if pool == nil {
		return nil, errors.New("store pool is nil")
	}
	return &Store{pool: pool}, nil
}

const tenantColumns = `id, name, COALESCE(description, ''), COALESCE(aws_account_id, ''),
	aws_role_arn, aws_external_id, enabled_checks, notification_prefs, scan_schedule,
	created_at, updated_at`

// Tenant loads one tenant, or scan.ErrTenantNotFound.
func (s *Store) Tenant(ctx context.Context, id uuid.UUID) (scan.Tenant, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE id = $1`, id)
	t, err := scanTenant(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return scan.Tenant{}, scan.ErrTenantNotFound
	}
	return t, err
}

// ScheduledTenants lists tenants carrying a schedule configuration. The
// trigger loop decides whether each schedule is enabled and due.
func (s *Store) ScheduledTenants(ctx context.Context) ([]scan.Tenant, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+tenantColumns+` FROM tenants WHERE scan_schedule IS NOT NULL ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list scheduled tenants: %w", err)
	}
	defer rows.Close()

	var out []scan.Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTenant(row rowScanner) (scan.Tenant, error) {
	var (
		t        scan.Tenant
		prefsRaw []byte
	)
	err := row.Scan(
		&t.ID, &t.Name, &t.Description, &t.AWSAccountID,
		&t.AWSRoleARN, &t.AWSExternalID, &t.EnabledChecks, &prefsRaw, &t.ScheduleRaw,
		&t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return scan.Tenant{}, err
	}
	if len(prefsRaw) > 0 {
		var prefs scan.NotificationPrefs
		if err := json.Unmarshal(prefsRaw, &prefs); err != nil {
			return scan.Tenant{}, fmt.Errorf("tenant %s: decode notification prefs: %w", t.ID, err)
		}
		t.NotificationPrefs = &prefs
	}
	return t, nil
}
