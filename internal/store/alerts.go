package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Alert is one recorded notification. The table is append-only; delivery
// happens outside the engine.
type Alert struct {
	ID        uuid.UUID `json:"id"`
	TenantID  uuid.UUID `json:"tenant_id"`
	FindingID uuid.UUID `json:"finding_id"`
	Channel   string    `json:"channel"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// InsertAlerts appends alert rows in one transaction.
func (s *Store) InsertAlerts(ctx context.Context, alerts []Alert) error {
	if len(alerts) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for _, a := range alerts {
		status := a.Status
		if status == "" {
			status = "sent"
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO alerts (tenant_id, finding_id, channel, status)
			 VALUES ($1, $2, $3, $4)`,
			a.TenantID, a.FindingID, a.Channel, status)
		if err != nil {
			return fmt.Errorf("insert alert for finding %s: %w", a.FindingID, err)
		}
	}
	return tx.Commit(ctx)
}
