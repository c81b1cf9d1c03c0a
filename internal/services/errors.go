package services

import (
	"errors"
	"fmt"
	"time"
)

// Auth failure taxonomy. Handlers match these exhaustively and map them
// to stable external error codes. "Account not found" and "bad password"
// both surface as ErrInvalidCredentials so callers cannot enumerate
// accounts.
var (
	// ErrInvalidCredentials covers unknown email and wrong password.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrInvalidMFACode is returned when a supplied TOTP code does not
	// verify within the accepted drift window.
	ErrInvalidMFACode = errors.New("invalid mfa code")

	// ErrMFANotEnrolled is returned when no pending TOTP seed exists
	// for the account.
	ErrMFANotEnrolled = errors.New("mfa not enrolled")

	// ErrMFANotEnabled is returned when an operation requires active
	// MFA and the account has none.
	ErrMFANotEnabled = errors.New("mfa not enabled")

	// ErrTooManyAttempts is returned when the email/IP pair has too
	// many recent failures on record, before any credential is checked.
	ErrTooManyAttempts = errors.New("too many login attempts")

	// ErrStoreUnavailable indicates the credential store timed out or
	// was unreachable. Safe to retry; never conflated with credential
	// errors.
	ErrStoreUnavailable = errors.New("credential store unavailable")

	// ErrSigner indicates token signing failed. Fatal for the request;
	// never degrades to a weaker token.
	ErrSigner = errors.New("token signing failed")
)

// AccountLockedError is returned while the lockout window is active.
// Unlike credential errors the lock is disclosed, including its expiry,
// so legitimate users know when to retry.
type AccountLockedError struct {
	Until time.Time
}

func (e AccountLockedError) Error() string {
	return fmt.Sprintf("account locked until %s", e.Until.Format(time.RFC3339))
}
