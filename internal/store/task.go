package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/taskhub/apiserver/types"
)

// TaskRepository handles persistence for tasks. Every query is scoped by
// tenant so rows from one tenant are never visible to another.
type TaskRepository struct {
	db *sql.DB
}

func NewTaskRepository(database *sql.DB) *TaskRepository {
	return &TaskRepository{db: database}
}

const taskColumns = `id, tenant_id, title, description, status, priority,
		assignee_id, due_date, created_by, created_at, updated_at`

func (r *TaskRepository) Get(ctx context.Context, tenantID, id uuid.UUID) (types.Task, error) {
	const query = `
		SELECT ` + taskColumns + `
		FROM tasks
		WHERE tenant_id = $1 AND id = $2`
	var task types.Task
	err := r.db.QueryRowContext(ctx, query, tenantID, id).Scan(
		&task.ID,
		&task.TenantID,
		&task.Title,
		&task.Description,
		&task.Status,
		&task.Priority,
		&task.AssigneeID,
		&task.DueDate,
		&task.CreatedBy,
		&task.CreatedAt,
		&task.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.Task{}, ErrNotFound
		}
		return types.Task{}, err
	}
	return task, nil
}

// List returns tasks for one tenant, optionally filtered by status.
func (r *TaskRepository) List(ctx context.Context, tenantID uuid.UUID, status string, offset, limit int) ([]types.Task, int, error) {
	const query = `
		SELECT ` + taskColumns + `
		FROM tasks
		WHERE tenant_id = $1 AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC
		OFFSET $3 LIMIT $4`
	rows, err := r.db.QueryContext(ctx, query, tenantID, status, offset, limit)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var tasks []types.Task
	for rows.Next() {
		var task types.Task
		if err := rows.Scan(
			&task.ID,
			&task.TenantID,
			&task.Title,
			&task.Description,
			&task.Status,
			&task.Priority,
			&task.AssigneeID,
			&task.DueDate,
			&task.CreatedBy,
			&task.CreatedAt,
			&task.UpdatedAt,
		); err != nil {
			return nil, 0, err
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	var total int
	const countQuery = `
		SELECT COUNT(*) FROM tasks
		WHERE tenant_id = $1 AND ($2 = '' OR status = $2)`
	if err := r.db.QueryRowContext(ctx, countQuery, tenantID, status).Scan(&total); err != nil {
		return nil, 0, err
	}
	return tasks, total, nil
}

func (r *TaskRepository) Create(ctx context.Context, task types.Task) (types.Task, error) {
	now := time.Now()
	task.CreatedAt = now
	task.UpdatedAt = now
	if task.ID == uuid.Nil {
		task.ID = uuid.New()
	}

	const query = `
		INSERT INTO tasks (id, tenant_id, title, description, status, priority,
			assignee_id, due_date, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
	if _, err := r.db.ExecContext(
		ctx,
		query,
		task.ID,
		task.TenantID,
		task.Title,
		task.Description,
		task.Status,
		task.Priority,
		task.AssigneeID,
		task.DueDate,
		task.CreatedBy,
		task.CreatedAt,
		task.UpdatedAt,
	); err != nil {
		return types.Task{}, err
	}
	return task, nil
}

func (r *TaskRepository) Update(ctx context.Context, task types.Task) (types.Task, error) {
	task.UpdatedAt = time.Now()

	const query = `
		UPDATE tasks
		SET title = $1,
			description = $2,
			status = $3,
			priority = $4,
			assignee_id = $5,
			due_date = $6,
			updated_at = $7
		WHERE tenant_id = $8 AND id = $9`
	result, err := r.db.ExecContext(
		ctx,
		query,
		task.Title,
		task.Description,
		task.Status,
		task.Priority,
		task.AssigneeID,
		task.DueDate,
		task.UpdatedAt,
		task.TenantID,
		task.ID,
	)
	if err != nil {
		return types.Task{}, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return types.Task{}, err
	}
	if affected == 0 {
		return types.Task{}, ErrNotFound
	}
	return task, nil
}

func (r *TaskRepository) Delete(ctx context.Context, tenantID, id uuid.UUID) error {
	const query = `DELETE FROM tasks WHERE tenant_id = $1 AND id = $2`
	result, err := r.db.ExecContext(ctx, query, tenantID, id)
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
