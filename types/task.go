package types

import (
	"time"

	"github.com/google/uuid"
)

// Task statuses.
const (
	TaskStatusTodo       = "todo"
	TaskStatusInProgress = "in_progress"
	TaskStatusDone       = "done"
)

// Task priorities.
const (
	TaskPriorityLow    = "low"
	TaskPriorityMedium = "medium"
	TaskPriorityHigh   = "high"
)

// Task represents a unit of tracked work owned by a tenant.
type Task struct {
	// ID is the unique identifier of the task.
	ID uuid.UUID `json:"id" db:"id"`

	// TenantID is the tenant that owns this task. Tasks are only
	// visible to accounts belonging to the same tenant.
	TenantID uuid.UUID `json:"tenant_id" db:"tenant_id"`

	// Title is the short summary of the task.
	Title string `json:"title" db:"title"`

	// Description contains the full task body.
	Description string `json:"description" db:"description"`

	// Status is one of "todo", "in_progress", or "done".
	Status string `json:"status" db:"status"`

	// Priority is one of "low", "medium", or "high".
	Priority string `json:"priority" db:"priority"`

	// AssigneeID references the user assigned to the task, if any.
	AssigneeID *uuid.UUID `json:"assignee_id,omitempty" db:"assignee_id"`

	// DueDate is the optional deadline for the task.
	DueDate *time.Time `json:"due_date,omitempty" db:"due_date"`

	// CreatedBy references the user who created the task.
	CreatedBy uuid.UUID `json:"created_by" db:"created_by"`

	// CreatedAt is the timestamp at which the task was created.
	CreatedAt time.Time `json:"created_at" db:"created_at"`

	// UpdatedAt is the timestamp of the most recent update to the task.
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// ValidTaskStatus reports whether s is a recognized task status.
func ValidTaskStatus(s string) bool {
	switch s {
	case TaskStatusTodo, TaskStatusInProgress, TaskStatusDone:
		return true
	}
	return false
}

// ValidTaskPriority reports whether p is a recognized task priority.
func ValidTaskPriority(p string) bool {
	switch p {
	case TaskPriorityLow, TaskPriorityMedium, TaskPriorityHigh:
		return true
	}
	return false
}
