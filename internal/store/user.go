package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/taskhub/apiserver/internal/db"
	"github.com/taskhub/apiserver/types"
)

// UserRepository handles persistence for accounts, including the
// lockout bookkeeping mutated on every login attempt.
type UserRepository struct {
	db *sql.DB
}

func NewUserRepository(database *sql.DB) *UserRepository {
	return &UserRepository{db: database}
}

const userColumns = `id, email, name, role, tenant_id, password_hash,
		mfa_enabled, mfa_secret, failed_login_attempts, account_locked_until,
		last_login, created_at, updated_at`

func scanUser(row *sql.Row) (types.User, error) {
	var user types.User
	err := row.Scan(
		&user.ID,
		&user.Email,
		&user.Name,
		&user.Role,
		&user.TenantID,
		&user.PasswordHash,
		&user.MFAEnabled,
		&user.MFASecret,
		&user.FailedLoginAttempts,
		&user.AccountLockedUntil,
		&user.LastLogin,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.User{}, ErrNotFound
		}
		return types.User{}, err
	}
	return user, nil
}

func (r *UserRepository) GetByID(ctx context.Context, id uuid.UUID) (types.User, error) {
	const query = `
		SELECT ` + userColumns + `
		FROM users
		WHERE id = $1`
	return scanUser(r.db.QueryRowContext(ctx, query, id))
}

// GetByEmail looks up an account by its case-insensitive email key.
func (r *UserRepository) GetByEmail(ctx context.Context, email string) (types.User, error) {
	const query = `
		SELECT ` + userColumns + `
		FROM users
		WHERE email = lower($1)`
	return scanUser(r.db.QueryRowContext(ctx, query, strings.TrimSpace(email)))
}

func (r *UserRepository) Create(ctx context.Context, user types.User) (types.User, error) {
	now := time.Now()
	user.Email = strings.ToLower(strings.TrimSpace(user.Email))
	user.CreatedAt = now
	user.UpdatedAt = now
	if user.ID == uuid.Nil {
		user.ID = uuid.New()
	}

	const query = `
		INSERT INTO users (id, email, name, role, tenant_id, password_hash,
			mfa_enabled, mfa_secret, failed_login_attempts, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, $9, $10)`
	if _, err := r.db.ExecContext(
		ctx,
		query,
		user.ID,
		user.Email,
		user.Name,
		user.Role,
		user.TenantID,
		user.PasswordHash,
		user.MFAEnabled,
		user.MFASecret,
		user.CreatedAt,
		user.UpdatedAt,
	); err != nil {
		if db.IsUniqueViolation(err) {
			return types.User{}, ErrConflict
		}
		return types.User{}, err
	}
	return user, nil
}

// RecordLoginFailure increments the failed-attempt counter and arms the
// lockout in a single statement, so two concurrent failures cannot both
// observe a pre-threshold count. Returns the post-increment counter and
// the lock expiry, if one is now armed.
func (r *UserRepository) RecordLoginFailure(
	ctx context.Context,
	id uuid.UUID,
	threshold int,
	lockFor time.Duration,
) (int, *time.Time, error) {
	const query = `
		UPDATE users
		SET failed_login_attempts = failed_login_attempts + 1,
			account_locked_until = CASE
				WHEN failed_login_attempts + 1 >= $2
					THEN now() + $3 * interval '1 second'
				ELSE account_locked_until
			END,
			updated_at = now()
		WHERE id = $1
		RETURNING failed_login_attempts, account_locked_until`

	var attempts int
	var lockedUntil *time.Time
	err := r.db.QueryRowContext(ctx, query, id, threshold, lockFor.Seconds()).
		Scan(&attempts, &lockedUntil)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil, ErrNotFound
		}
		return 0, nil, err
	}
	return attempts, lockedUntil, nil
}

// RecordLoginSuccess clears the failure counter and lockout and stamps
// last_login as one consistent unit.
func (r *UserRepository) RecordLoginSuccess(ctx context.Context, id uuid.UUID, at time.Time) error {
	const query = `
		UPDATE users
		SET failed_login_attempts = 0,
			account_locked_until = NULL,
			last_login = $2,
			updated_at = now()
		WHERE id = $1`
	return r.execExpectingRow(ctx, query, id, at)
}

// SetPendingMFASecret stores a freshly generated TOTP seed without
// activating MFA. Enrollment completes only after verification.
func (r *UserRepository) SetPendingMFASecret(ctx context.Context, id uuid.UUID, secret string) error {
	const query = `
		UPDATE users
		SET mfa_secret = $2,
			mfa_enabled = FALSE,
			updated_at = now()
		WHERE id = $1`
	return r.execExpectingRow(ctx, query, id, secret)
}

// EnableMFA activates the pending TOTP seed after a verified code.
func (r *UserRepository) EnableMFA(ctx context.Context, id uuid.UUID) error {
	const query = `
		UPDATE users
		SET mfa_enabled = TRUE,
			updated_at = now()
		WHERE id = $1`
	return r.execExpectingRow(ctx, query, id)
}

// DisableMFA clears both the flag and the seed.
func (r *UserRepository) DisableMFA(ctx context.Context, id uuid.UUID) error {
	const query = `
		UPDATE users
		SET mfa_enabled = FALSE,
			mfa_secret = '',
			updated_at = now()
		WHERE id = $1`
	return r.execExpectingRow(ctx, query, id)
}

func (r *UserRepository) ListByTenant(ctx context.Context, tenantID uuid.UUID, offset, limit int) ([]types.User, int, error) {
	const query = `
		SELECT ` + userColumns + `
		FROM users
		WHERE tenant_id = $1
		ORDER BY created_at
		OFFSET $2 LIMIT $3`
	rows, err := r.db.QueryContext(ctx, query, tenantID, offset, limit)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var users []types.User
	for rows.Next() {
		var user types.User
		if err := rows.Scan(
			&user.ID,
			&user.Email,
			&user.Name,
			&user.Role,
			&user.TenantID,
			&user.PasswordHash,
			&user.MFAEnabled,
			&user.MFASecret,
			&user.FailedLoginAttempts,
			&user.AccountLockedUntil,
			&user.LastLogin,
			&user.CreatedAt,
			&user.UpdatedAt,
		); err != nil {
			return nil, 0, err
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	var total int
	const countQuery = `SELECT COUNT(*) FROM users WHERE tenant_id = $1`
	if err := r.db.QueryRowContext(ctx, countQuery, tenantID).Scan(&total); err != nil {
		return nil, 0, err
	}
	return users, total, nil
}

func (r *UserRepository) Delete(ctx context.Context, id uuid.UUID) error {
	const query = `DELETE FROM users WHERE id = $1`
	return r.execExpectingRow(ctx, query, id)
}

func (r *UserRepository) execExpectingRow(ctx context.Context, query string, args ...any) error {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}
