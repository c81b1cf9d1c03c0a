package types

import (
	"time"

	"github.com/google/uuid"
)

// Security event types emitted by the auth flow.
const (
	EventLoginSuccess   = "login_success"
	EventLoginFailure   = "login_failure"
	EventAccountLocked  = "account_locked"
	EventMFAChallenged  = "mfa_challenged"
	EventMFAFailure     = "mfa_failure"
	EventMFAEnrolled    = "mfa_enrolled"
	EventMFADisabled    = "mfa_disabled"
	EventUserRegistered = "user_registered"
)

// SecurityEvent is an auditable record of an auth-related outcome.
// It never contains passwords, password hashes, or MFA codes.
type SecurityEvent struct {
	// ID is the unique identifier of the event.
	ID uuid.UUID `json:"id" db:"id"`

	// Type is one of the Event* constants.
	Type string `json:"type" db:"type"`

	// Email is the login email the event relates to. May reference an
	// email with no matching account (failed lookups are still recorded).
	Email string `json:"email" db:"email"`

	// AccountID references the account, when one was resolved.
	AccountID *uuid.UUID `json:"account_id,omitempty" db:"account_id"`

	// TenantID references the account's tenant, when one was resolved.
	TenantID *uuid.UUID `json:"tenant_id,omitempty" db:"tenant_id"`

	// IP is the client address the request originated from.
	IP string `json:"ip" db:"ip"`

	// Outcome is a short machine-readable result,
	// e.g. "success", "invalid_credentials", "account_locked".
	Outcome string `json:"outcome" db:"outcome"`

	// OccurredAt is the timestamp of the event.
	OccurredAt time.Time `json:"occurred_at" db:"occurred_at"`
}

// LoginAttempt is an append-only record of one login attempt keyed by
// email and client IP, used for coarse rate limiting independently of
// the per-account lockout counter.
type LoginAttempt struct {
	// ID is the unique identifier of the attempt record.
	ID uuid.UUID `json:"id" db:"id"`

	// Email is the login email as supplied (lower-cased).
	Email string `json:"email" db:"email"`

	// IP is the client address the attempt originated from.
	IP string `json:"ip" db:"ip"`

	// Success reports whether the attempt produced a session.
	Success bool `json:"success" db:"success"`

	// FailureReason is the internal failure classification for failed
	// attempts, empty on success.
	FailureReason string `json:"failure_reason,omitempty" db:"failure_reason"`

	// OccurredAt is the timestamp of the attempt.
	OccurredAt time.Time `json:"occurred_at" db:"occurred_at"`
}
