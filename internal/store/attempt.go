package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/taskhub/apiserver/types"
)

// LoginAttemptRepository appends raw attempt records keyed by email and
// client IP, independent of the per-account lockout counter.
type LoginAttemptRepository struct {
	db *sql.DB
}

func NewLoginAttemptRepository(database *sql.DB) *LoginAttemptRepository {
	return &LoginAttemptRepository{db: database}
}

func (r *LoginAttemptRepository) Record(ctx context.Context, attempt types.LoginAttempt) error {
	if attempt.ID == uuid.Nil {
		attempt.ID = uuid.New()
	}
	if attempt.OccurredAt.IsZero() {
		attempt.OccurredAt = time.Now()
	}

	const query = `
		INSERT INTO login_attempts (id, email, ip, success, failure_reason, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := r.db.ExecContext(
		ctx,
		query,
		attempt.ID,
		attempt.Email,
		attempt.IP,
		attempt.Success,
		attempt.FailureReason,
		attempt.OccurredAt,
	)
	return err
}

// CountRecentFailures returns the number of failed attempts for the
// email/IP pair within the lookback window.
func (r *LoginAttemptRepository) CountRecentFailures(ctx context.Context, email, ip string, since time.Time) (int, error) {
	const query = `
		SELECT COUNT(*)
		FROM login_attempts
		WHERE email = $1 AND ip = $2 AND success = FALSE AND occurred_at >= $3`
	var count int
	if err := r.db.QueryRowContext(ctx, query, email, ip, since).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}
