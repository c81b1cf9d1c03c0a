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
	"github.com/taskhub/apiserver/internal/token"
	"github.com/taskhub/apiserver/types"
	"golang.org/x/crypto/bcrypt"
)

// AuthHandler provides the login, MFA, and registration endpoints.
type AuthHandler struct {
	authService *services.AuthService
	userService *services.UserService
	signer      *token.Signer
	events      services.EventRecorder
	limiter     *loginLimiter
}

// NewAuthHandler constructs an AuthHandler with the provided dependencies.
func NewAuthHandler(
	authService *services.AuthService,
	userService *services.UserService,
	signer *token.Signer,
	events services.EventRecorder,
	loginRatePerMinute int,
) *AuthHandler {
	return &AuthHandler{
		authService: authService,
		userService: userService,
		signer:      signer,
		events:      events,
		limiter:     newLoginLimiter(loginRatePerMinute),
	}
}

// AuthRouter registers auth routes on the given router.
func AuthRouter(r chi.Router, handler *AuthHandler) {
	r.Post("/register", handler.Register)
	r.With(handler.limiter.Middleware).Post("/login", handler.Login)
	r.With(handler.limiter.Middleware).Post("/mfa/verify", handler.VerifyMFA)

	r.Group(func(r chi.Router) {
		r.Use(handler.RequireAuth)
		r.Get("/me", handler.Me)
		r.Post("/mfa/setup", handler.SetupMFA)
		r.Post("/mfa/enable", handler.EnableMFA)
		r.Post("/mfa/disable", handler.DisableMFA)
	})
}

// RequireAuth enforces a session-scoped token and injects its claims
// into the request context. MFA-completion tokens are rejected here, so
// they grant no resource access.
func (h *AuthHandler) RequireAuth(next http.Handler) http.Handler {
	return requireScope(h.signer, token.ScopeSession)(next)
}

// RequireAdmin rejects requests whose token does not carry the admin
// role. Must be stacked after RequireAuth.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, err := claimsFromContext(r.Context())
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		if !strings.EqualFold(claims.Role, types.RoleAdmin) {
			writeError(w, http.StatusForbidden, "admin access required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requireScope(signer *token.Signer, scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString, err := bearerToken(r)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}

			claims, err := signer.Verify(tokenString, scope)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}

			ctx := contextWithClaims(r.Context(), claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Register creates a new client account. Admin accounts are provisioned
// out of band.
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}

	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	req.Name = strings.TrimSpace(req.Name)
	if req.Email == "" || req.Name == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "missing required fields")
		return
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create user")
		return
	}

	user, err := h.userService.Create(r.Context(), types.User{
		Email:        req.Email,
		Name:         req.Name,
		Role:         types.RoleClient,
		TenantID:     req.TenantID,
		PasswordHash: string(hashed),
	})
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			writeError(w, http.StatusConflict, "email already registered")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to create user")
		return
	}

	h.events.Record(types.SecurityEvent{
		Type:      types.EventUserRegistered,
		Email:     user.Email,
		AccountID: &user.ID,
		TenantID:  user.TenantID,
		IP:        clientIP(r),
		Outcome:   "success",
	})

	sessionToken, err := h.signer.IssueSession(user)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create token")
		return
	}

	user.PasswordHash = ""
	writeJSON(w, http.StatusCreated, AuthResponse{Token: sessionToken, User: user})
}

// Login runs the credential check, lockout, and MFA gate, returning
// either a session token or an MFA challenge.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}

	req.Email = strings.TrimSpace(req.Email)
	if req.Email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "missing credentials")
		return
	}

	result, err := h.authService.Login(r.Context(), req.Email, req.Password, req.MFACode, clientIP(r))
	if err != nil {
		writeAuthError(w, err)
		return
	}

	if result.MFARequired {
		writeJSON(w, http.StatusOK, MFAChallengeResponse{MFARequired: true, MFAToken: result.MFAToken})
		return
	}
	writeJSON(w, http.StatusOK, AuthResponse{Token: result.Token, User: result.User})
}

// VerifyMFA completes a login that returned an MFA challenge. The
// MFA-scoped token authenticates the pending login; the TOTP code
// proves possession of the second factor.
func (h *AuthHandler) VerifyMFA(w http.ResponseWriter, r *http.Request) {
	var req MFAVerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}
	if req.MFAToken == "" || req.Code == "" {
		writeError(w, http.StatusBadRequest, "missing mfa token or code")
		return
	}

	claims, err := h.signer.Verify(req.MFAToken, token.ScopeMFA)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	accountID, err := claims.AccountID()
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	result, err := h.authService.CompleteMFA(r.Context(), accountID, req.Code, clientIP(r))
	if err != nil {
		writeAuthError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, AuthResponse{Token: result.Token, User: result.User})
}

// Me returns the current authenticated account.
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	accountID, err := accountIDFromContext(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	user, err := h.authService.GetAccount(r.Context(), accountID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load user")
		return
	}

	writeJSON(w, http.StatusOK, user)
}

// SetupMFA begins TOTP enrollment for the current account.
func (h *AuthHandler) SetupMFA(w http.ResponseWriter, r *http.Request) {
	accountID, err := accountIDFromContext(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	secret, uri, err := h.authService.BeginEnrollment(r.Context(), accountID)
	if err != nil {
		writeAuthError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, MFASetupResponse{Secret: secret, ProvisioningURI: uri})
}

// EnableMFA completes TOTP enrollment by verifying a first code.
func (h *AuthHandler) EnableMFA(w http.ResponseWriter, r *http.Request) {
	accountID, err := accountIDFromContext(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req MFACodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Code == "" {
		writeError(w, http.StatusBadRequest, "missing code")
		return
	}

	if err := h.authService.CompleteEnrollment(r.Context(), accountID, req.Code); err != nil {
		writeAuthError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, MFAStateResponse{MFAEnabled: true})
}

// DisableMFA clears MFA after re-verifying password and a current code.
func (h *AuthHandler) DisableMFA(w http.ResponseWriter, r *http.Request) {
	accountID, err := accountIDFromContext(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req MFADisableRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Password == "" || req.Code == "" {
		writeError(w, http.StatusBadRequest, "missing password or code")
		return
	}

	if err := h.authService.DisableEnrollment(r.Context(), accountID, req.Password, req.Code); err != nil {
		writeAuthError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, MFAStateResponse{MFAEnabled: false})
}

// writeAuthError maps the auth failure taxonomy to stable external
// codes. Credential failures stay indistinguishable; transient store
// and signer failures surface as server-side errors so clients can tell
// "try again" from "wrong password".
func writeAuthError(w http.ResponseWriter, err error) {
	var locked services.AccountLockedError
	switch {
	case errors.As(err, &locked):
		writeJSON(w, http.StatusLocked, AccountLockedResponse{
			Error:       "account locked",
			LockedUntil: locked.Until,
		})
	case errors.Is(err, services.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, "invalid credentials")
	case errors.Is(err, services.ErrInvalidMFACode):
		writeError(w, http.StatusUnauthorized, "invalid mfa code")
	case errors.Is(err, services.ErrMFANotEnrolled), errors.Is(err, services.ErrMFANotEnabled):
		writeError(w, http.StatusBadRequest, "mfa not configured")
	case errors.Is(err, services.ErrTooManyAttempts):
		writeError(w, http.StatusTooManyRequests, "too many requests")
	case errors.Is(err, services.ErrStoreUnavailable):
		writeError(w, http.StatusServiceUnavailable, "temporarily unavailable, try again")
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func accountIDFromContext(r *http.Request) (uuid.UUID, error) {
	claims, err := claimsFromContext(r.Context())
	if err != nil {
		return uuid.Nil, err
	}
	return claims.AccountID()
}

type RegisterRequest struct {
	Email    string     `json:"email"`
	Name     string     `json:"name"`
	Password string     `json:"password"`
	TenantID *uuid.UUID `json:"tenant_id,omitempty"`
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	MFACode  string `json:"mfa_code,omitempty"`
}

type MFAVerifyRequest struct {
	MFAToken string `json:"mfa_token"`
	Code     string `json:"code"`
}

type MFACodeRequest struct {
	Code string `json:"code"`
}

type MFADisableRequest struct {
	Password string `json:"password"`
	Code     string `json:"code"`
}

type AuthResponse struct {
	Token string     `json:"token"`
	User  types.User `json:"user"`
}

type MFAChallengeResponse struct {
	MFARequired bool   `json:"mfa_required"`
	MFAToken    string `json:"mfa_token"`
}

type MFASetupResponse struct {
	Secret          string `json:"secret"`
	ProvisioningURI string `json:"provisioning_uri"`
}

type MFAStateResponse struct {
	MFAEnabled bool `json:"mfa_enabled"`
}
