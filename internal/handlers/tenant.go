package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/taskhub/apiserver/internal/services"
	"github.com/taskhub/apiserver/internal/store"
	"github.com/taskhub/apiserver/types"
)

// TenantHandler provides HTTP handlers for tenant administration.
type TenantHandler struct {
	tenantService *services.TenantService
	userService   *services.UserService
}

func NewTenantHandler(tenantService *services.TenantService, userService *services.UserService) *TenantHandler {
	return &TenantHandler{
		tenantService: tenantService,
		userService:   userService,
	}
}

// TenantRouter registers tenant routes on the given router. All routes
// require a session token; mutations additionally require admin.
func TenantRouter(r chi.Router, handler *TenantHandler, authMiddleware func(http.Handler) http.Handler) {
	r.Use(authMiddleware)

	r.With(RequireAdmin).Get("/", handler.ListTenants)
	r.With(RequireAdmin).Post("/", handler.CreateTenant)
	r.Route("/{tenantID}", func(r chi.Router) {
		r.Get("/", handler.GetTenant)
		r.Get("/users", handler.ListTenantUsers)
		r.With(RequireAdmin).Put("/", handler.UpdateTenant)
		r.With(RequireAdmin).Delete("/", handler.DeleteTenant)
	})
}

func (h *TenantHandler) ListTenants(w http.ResponseWriter, r *http.Request) {
	page, limit, offset, err := parsePagination(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	items, total, err := h.tenantService.List(r.Context(), offset, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list tenants")
		return
	}

	writeJSON(w, http.StatusOK, TenantListResponse{
		Items: items,
		Page:  page,
		Limit: limit,
		Total: total,
	})
}

func (h *TenantHandler) GetTenant(w http.ResponseWriter, r *http.Request) {
	tenantID, err := parseTenantID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !h.canAccessTenant(r, tenantID) {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	tenant, err := h.tenantService.Get(r.Context(), tenantID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "tenant not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to fetch tenant")
		return
	}
	writeJSON(w, http.StatusOK, tenant)
}

// ListTenantUsers returns the accounts belonging to a tenant. Admins
// may list any tenant; clients only their own.
func (h *TenantHandler) ListTenantUsers(w http.ResponseWriter, r *http.Request) {
	tenantID, err := parseTenantID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !h.canAccessTenant(r, tenantID) {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	page, limit, offset, err := parsePagination(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	users, total, err := h.userService.ListByTenant(r.Context(), tenantID, offset, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list users")
		return
	}
	for i := range users {
		users[i].PasswordHash = ""
		users[i].MFASecret = ""
	}

	writeJSON(w, http.StatusOK, UserListResponse{
		Items: users,
		Page:  page,
		Limit: limit,
		Total: total,
	})
}

func (h *TenantHandler) CreateTenant(w http.ResponseWriter, r *http.Request) {
	req, err := parseTenantBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	created, err := h.tenantService.Create(r.Context(), types.Tenant{
		Name:   req.Name,
		Slug:   req.Slug,
		Active: true,
	})
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			writeError(w, http.StatusConflict, "slug already exists")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to create tenant")
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (h *TenantHandler) UpdateTenant(w http.ResponseWriter, r *http.Request) {
	tenantID, err := parseTenantID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	req, err := parseTenantBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	active := true
	if req.Active != nil {
		active = *req.Active
	}

	updated, err := h.tenantService.Update(r.Context(), types.Tenant{
		ID:     tenantID,
		Name:   req.Name,
		Slug:   req.Slug,
		Active: active,
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "tenant not found")
			return
		}
		if errors.Is(err, store.ErrConflict) {
			writeError(w, http.StatusConflict, "slug already exists")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to update tenant")
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (h *TenantHandler) DeleteTenant(w http.ResponseWriter, r *http.Request) {
	tenantID, err := parseTenantID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.tenantService.Delete(r.Context(), tenantID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "tenant not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to delete tenant")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *TenantHandler) canAccessTenant(r *http.Request, tenantID uuid.UUID) bool {
	claims, err := claimsFromContext(r.Context())
	if err != nil {
		return false
	}
	if strings.EqualFold(claims.Role, types.RoleAdmin) {
		return true
	}
	return claims.TenantID != nil && *claims.TenantID == tenantID
}

type TenantUpsertRequest struct {
	Name   string `json:"name"`
	Slug   string `json:"slug"`
	Active *bool  `json:"active,omitempty"`
}

type TenantListResponse struct {
	Items []types.Tenant `json:"items"`
	Page  int            `json:"page"`
	Limit int            `json:"limit"`
	Total int            `json:"total"`
}

type UserListResponse struct {
	Items []types.User `json:"items"`
	Page  int          `json:"page"`
	Limit int          `json:"limit"`
	Total int          `json:"total"`
}

func parseTenantID(r *http.Request) (uuid.UUID, error) {
	raw := chi.URLParam(r, "tenantID")
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, errors.New("invalid tenant id")
	}
	return id, nil
}

func parseTenantBody(r *http.Request) (TenantUpsertRequest, error) {
	var req TenantUpsertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return TenantUpsertRequest{}, errors.New("invalid request")
	}
	req.Name = strings.TrimSpace(req.Name)
	req.Slug = strings.ToLower(strings.TrimSpace(req.Slug))
	if req.Name == "" {
		return TenantUpsertRequest{}, errors.New("name is required")
	}
	if req.Slug == "" {
		return TenantUpsertRequest{}, errors.New("slug is required")
	}
	return req, nil
}
