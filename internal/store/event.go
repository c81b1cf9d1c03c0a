package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/taskhub/apiserver/types"
)

// SecurityEventRepository persists audit records of auth outcomes.
type SecurityEventRepository struct {
	db *sql.DB
}

func NewSecurityEventRepository(database *sql.DB) *SecurityEventRepository {
	return &SecurityEventRepository{db: database}
}

func (r *SecurityEventRepository) Record(ctx context.Context, event types.SecurityEvent) error {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now()
	}

	const query = `
		INSERT INTO security_events (id, type, email, account_id, tenant_id, ip, outcome, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := r.db.ExecContext(
		ctx,
		query,
		event.ID,
		event.Type,
		event.Email,
		event.AccountID,
		event.TenantID,
		event.IP,
		event.Outcome,
		event.OccurredAt,
	)
	return err
}

// ListSince returns events recorded at or after the given time, oldest
// first, capped at limit. Used by the archiver to build batches.
func (r *SecurityEventRepository) ListSince(ctx context.Context, since time.Time, limit int) ([]types.SecurityEvent, error) {
	const query = `
		SELECT id, type, email, account_id, tenant_id, ip, outcome, occurred_at
		FROM security_events
		WHERE occurred_at >= $1
		ORDER BY occurred_at
		LIMIT $2`
	rows, err := r.db.QueryContext(ctx, query, since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []types.SecurityEvent
	for rows.Next() {
		var event types.SecurityEvent
		if err := rows.Scan(
			&event.ID,
			&event.Type,
			&event.Email,
			&event.AccountID,
			&event.TenantID,
			&event.IP,
			&event.Outcome,
			&event.OccurredAt,
		); err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, rows.Err()
}
