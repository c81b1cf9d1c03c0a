package types

import (
	"time"

	"github.com/google/uuid"
)

// Account roles.
const (
	RoleAdmin  = "admin"
	RoleClient = "client"
)

// User represents a login identity in the system.
// It carries identity, role, tenant association, MFA provisioning state,
// and the lockout bookkeeping mutated on every login attempt.
type User struct {
	// ID is the unique identifier of the account.
	ID uuid.UUID `json:"id" db:"id"`

	// Email is the unique, case-insensitive lookup key for login.
	// It is stored lower-cased.
	Email string `json:"email" db:"email"`

	// Name is the user's display or full name.
	Name string `json:"name" db:"name"`

	// Role indicates the account's authorization level,
	// one of "admin" or "client".
	Role string `json:"role" db:"role"`

	// TenantID associates the account with a tenant.
	// It is nil for admin accounts.
	TenantID *uuid.UUID `json:"tenant_id,omitempty" db:"tenant_id"`

	// PasswordHash stores the bcrypt hash of the user's password.
	// This field is never exposed in API responses.
	PasswordHash string `json:"-" db:"password_hash"`

	// MFAEnabled reports whether a verified TOTP secret is active
	// for this account.
	MFAEnabled bool `json:"mfa_enabled" db:"mfa_enabled"`

	// MFASecret is the base32 TOTP seed. It is set at enrollment time
	// and remains pending until verified. Never exposed in API responses.
	MFASecret string `json:"-" db:"mfa_secret"`

	// FailedLoginAttempts counts consecutive failed logins.
	// Reset to zero on success.
	FailedLoginAttempts int `json:"-" db:"failed_login_attempts"`

	// AccountLockedUntil, when in the future, rejects all login attempts
	// regardless of credential correctness.
	AccountLockedUntil *time.Time `json:"-" db:"account_locked_until"`

	// LastLogin is the timestamp of the most recent successful login.
	LastLogin *time.Time `json:"last_login,omitempty" db:"last_login"`

	// CreatedAt is the timestamp when the account was created.
	CreatedAt time.Time `json:"created_at" db:"created_at"`

	// UpdatedAt is the timestamp of the most recent update to the account.
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// LockedAt reports whether the account lockout window is active at t.
func (u User) LockedAt(t time.Time) bool {
	return u.AccountLockedUntil != nil && u.AccountLockedUntil.After(t)
}
