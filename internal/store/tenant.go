package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/taskhub/apiserver/internal/db"
	"github.com/taskhub/apiserver/types"
)

// TenantRepository handles persistence for tenants.
type TenantRepository struct {
	db *sql.DB
}

func NewTenantRepository(database *sql.DB) *TenantRepository {
	return &TenantRepository{db: database}
}

func (r *TenantRepository) GetByID(ctx context.Context, id uuid.UUID) (types.Tenant, error) {
	const query = `
		SELECT id, name, slug, active, created_at, updated_at
		FROM tenants
		WHERE id = $1`
	var tenant types.Tenant
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&tenant.ID,
		&tenant.Name,
		&tenant.Slug,
		&tenant.Active,
		&tenant.CreatedAt,
		&tenant.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.Tenant{}, ErrNotFound
		}
		return types.Tenant{}, err
	}
	return tenant, nil
}

func (r *TenantRepository) List(ctx context.Context, offset, limit int) ([]types.Tenant, int, error) {
	const query = `
		SELECT id, name, slug, active, created_at, updated_at
		FROM tenants
		ORDER BY created_at
		OFFSET $1 LIMIT $2`
	rows, err := r.db.QueryContext(ctx, query, offset, limit)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var tenants []types.Tenant
	for rows.Next() {
		var tenant types.Tenant
		if err := rows.Scan(
			&tenant.ID,
			&tenant.Name,
			&tenant.Slug,
			&tenant.Active,
			&tenant.CreatedAt,
			&tenant.UpdatedAt,
		); err != nil {
			return nil, 0, err
		}
		tenants = append(tenants, tenant)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tenants`).Scan(&total); err != nil {
		return nil, 0, err
	}
	return tenants, total, nil
}

func (r *TenantRepository) Create(ctx context.Context, tenant types.Tenant) (types.Tenant, error) {
	now := time.Now()
	tenant.CreatedAt = now
	tenant.UpdatedAt = now
	if tenant.ID == uuid.Nil {
		tenant.ID = uuid.New()
	}

	const query = `
		INSERT INTO tenants (id, name, slug, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)`
	if _, err := r.db.ExecContext(
		ctx,
		query,
		tenant.ID,
		tenant.Name,
		tenant.Slug,
		tenant.Active,
		tenant.CreatedAt,
		tenant.UpdatedAt,
	); err != nil {
		if db.IsUniqueViolation(err) {
			return types.Tenant{}, ErrConflict
		}
		return types.Tenant{}, err
	}
	return tenant, nil
}

func (r *TenantRepository) Update(ctx context.Context, tenant types.Tenant) (types.Tenant, error) {
	tenant.UpdatedAt = time.Now()

	const query = `
		UPDATE tenants
		SET name = $1,
			slug = $2,
			active = $3,
			updated_at = $4
		WHERE id = $5`
	result, err := r.db.ExecContext(
		ctx,
		query,
		tenant.Name,
		tenant.Slug,
		tenant.Active,
		tenant.UpdatedAt,
		tenant.ID,
	)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return types.Tenant{}, ErrConflict
		}
		return types.Tenant{}, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return types.Tenant{}, err
	}
	if affected == 0 {
		return types.Tenant{}, ErrNotFound
	}
	return tenant, nil
}

func (r *TenantRepository) Delete(ctx context.Context, id uuid.UUID) error {
	const query = `DELETE FROM tenants WHERE id = $1`
	result, err := r.db.ExecContext(ctx, query, id)
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
