// Package token implements the session token signer. Tokens are
// self-contained HS256 JWTs carrying identity, role, and tenant claims;
// possession of a valid, unexpired token is the sole authorization
// mechanism. There is no server-side revocation list.
package token

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/taskhub/apiserver/types"
)

// Token scopes.
const (
	// ScopeSession grants access to protected resources.
	ScopeSession = "session"
	// ScopeMFA is the intermediate scope issued when a login still
	// needs a TOTP code. It grants access only to MFA completion.
	ScopeMFA = "mfa"
)

var (
	// ErrInvalidToken is returned for malformed, expired, or
	// wrongly-signed tokens.
	ErrInvalidToken = errors.New("invalid token")
	// ErrWrongScope is returned when a token is structurally valid but
	// carries a scope the operation does not accept.
	ErrWrongScope = errors.New("wrong token scope")
)

// Claims is the signed claim set carried by every issued token.
type Claims struct {
	Email    string     `json:"email,omitempty"`
	Role     string     `json:"role,omitempty"`
	TenantID *uuid.UUID `json:"tenant_id,omitempty"`
	Scope    string     `json:"scope"`
	jwt.RegisteredClaims
}

// AccountID parses the subject claim.
func (c Claims) AccountID() (uuid.UUID, error) {
	id, err := uuid.Parse(strings.TrimSpace(c.Subject))
	if err != nil {
		return uuid.Nil, ErrInvalidToken
	}
	return id, nil
}

// Signer issues and verifies HMAC-signed session tokens. The key
// material is read-only process-wide state loaded once at startup.
type Signer struct {
	secret     []byte
	sessionTTL time.Duration
	mfaTTL     time.Duration
	now        func() time.Time
}

// NewSigner constructs a Signer. sessionTTL and mfaTTL fall back to
// 24 hours and 5 minutes when zero.
func NewSigner(secret string, sessionTTL, mfaTTL time.Duration) (*Signer, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("signing secret is required")
	}
	if sessionTTL <= 0 {
		sessionTTL = 24 * time.Hour
	}
	if mfaTTL <= 0 {
		mfaTTL = 5 * time.Minute
	}
	return &Signer{
		secret:     []byte(secret),
		sessionTTL: sessionTTL,
		mfaTTL:     mfaTTL,
		now:        time.Now,
	}, nil
}

// WithClock overrides the signer's time source. Test hook.
func (s *Signer) WithClock(now func() time.Time) *Signer {
	s.now = now
	return s
}

// IssueSession signs a full session token for the user.
func (s *Signer) IssueSession(user types.User) (string, error) {
	return s.issue(user, ScopeSession, s.sessionTTL)
}

// IssueMFA signs the short-lived intermediate token returned when a
// login requires a TOTP code. It must not grant resource access.
func (s *Signer) IssueMFA(user types.User) (string, error) {
	return s.issue(user, ScopeMFA, s.mfaTTL)
}

func (s *Signer) issue(user types.User, scope string, ttl time.Duration) (string, error) {
	now := s.now()
	claims := Claims{
		Email:    user.Email,
		Role:     user.Role,
		TenantID: user.TenantID,
		Scope:    scope,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Verify parses and validates a token string, requiring the given scope.
func (s *Signer) Verify(tokenString, scope string) (Claims, error) {
	claims := Claims{}
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("invalid signing method")
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil || !token.Valid {
		return Claims{}, ErrInvalidToken
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return Claims{}, ErrInvalidToken
	}
	if claims.Scope != scope {
		return Claims{}, ErrWrongScope
	}
	return claims, nil
}
