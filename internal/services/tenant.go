package services

import (
	"context"

	"github.com/google/uuid"
	"github.com/taskhub/apiserver/types"
)

// TenantRepository defines persistence operations for tenants.
type TenantRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (types.Tenant, error)
	List(ctx context.Context, offset, limit int) ([]types.Tenant, int, error)
	Create(ctx context.Context, tenant types.Tenant) (types.Tenant, error)
	Update(ctx context.Context, tenant types.Tenant) (types.Tenant, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

// TenantService encapsulates tenant use-cases.
type TenantService struct {
	repo TenantRepository
}

func NewTenantService(repo TenantRepository) *TenantService {
	return &TenantService{repo: repo}
}

func (s *TenantService) Get(ctx context.Context, id uuid.UUID) (types.Tenant, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *TenantService) List(ctx context.Context, offset, limit int) ([]types.Tenant, int, error) {
	if limit <= 0 {
		limit = 10
	}
	if limit > 100 {
		limit = 100
	}
	return s.repo.List(ctx, offset, limit)
}

func (s *TenantService) Create(ctx context.Context, tenant types.Tenant) (types.Tenant, error) {
	return s.repo.Create(ctx, tenant)
}

func (s *TenantService) Update(ctx context.Context, tenant types.Tenant) (types.Tenant, error) {
	return s.repo.Update(ctx, tenant)
}

func (s *TenantService) Delete(ctx context.Context, id uuid.UUID) error {
	return s.repo.Delete(ctx, id)
}
