package services

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/taskhub/apiserver/types"
)

// Task validation errors.
var (
	ErrEmptyTitle      = errors.New("title is required")
	ErrInvalidStatus   = errors.New("invalid task status")
	ErrInvalidPriority = errors.New("invalid task priority")
)

// TaskRepository defines persistence operations for tasks. Every
// operation is scoped by tenant.
type TaskRepository interface {
	Get(ctx context.Context, tenantID, id uuid.UUID) (types.Task, error)
	List(ctx context.Context, tenantID uuid.UUID, status string, offset, limit int) ([]types.Task, int, error)
	Create(ctx context.Context, task types.Task) (types.Task, error)
	Update(ctx context.Context, task types.Task) (types.Task, error)
	Delete(ctx context.Context, tenantID, id uuid.UUID) error
}

// TaskService encapsulates task use-cases.
type TaskService struct {
	repo TaskRepository
}

func NewTaskService(repo TaskRepository) *TaskService {
	return &TaskService{repo: repo}
}

func (s *TaskService) Get(ctx context.Context, tenantID, id uuid.UUID) (types.Task, error) {
	return s.repo.Get(ctx, tenantID, id)
}

func (s *TaskService) List(ctx context.Context, tenantID uuid.UUID, status string, offset, limit int) ([]types.Task, int, error) {
	if limit <= 0 {
		limit = 10
	}
	if limit > 100 {
		limit = 100
	}
	if status != "" && !types.ValidTaskStatus(status) {
		return nil, 0, ErrInvalidStatus
	}
	return s.repo.List(ctx, tenantID, status, offset, limit)
}

func (s *TaskService) Create(ctx context.Context, task types.Task) (types.Task, error) {
	if err := validateTask(&task); err != nil {
		return types.Task{}, err
	}
	return s.repo.Create(ctx, task)
}

func (s *TaskService) Update(ctx context.Context, task types.Task) (types.Task, error) {
	if err := validateTask(&task); err != nil {
		return types.Task{}, err
	}
	return s.repo.Update(ctx, task)
}

func (s *TaskService) Delete(ctx context.Context, tenantID, id uuid.UUID) error {
	return s.repo.Delete(ctx, tenantID, id)
}

func validateTask(task *types.Task) error {
	task.Title = strings.TrimSpace(task.Title)
	if task.Title == "" {
		return ErrEmptyTitle
	}
	if task.Status == "" {
		task.Status = types.TaskStatusTodo
	}
	if !types.ValidTaskStatus(task.Status) {
		return ErrInvalidStatus
	}
	if task.Priority == "" {
		task.Priority = types.TaskPriorityMedium
	}
	if !types.ValidTaskPriority(task.Priority) {
		return ErrInvalidPriority
	}
	return nil
}
