package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/taskhub/apiserver/internal/logging"
	"github.com/taskhub/apiserver/internal/store"
	"github.com/taskhub/apiserver/types"
	"golang.org/x/crypto/bcrypt"
)

const (
	// totpPeriod is the TOTP time step.
	totpPeriod = 30
	// totpSkew accepts codes up to two steps either side of now.
	totpSkew = 2
	// totpSecretSize yields a 160-bit seed per TOTP convention.
	totpSecretSize = 20

	defaultLockoutThreshold = 5
	defaultLockoutDuration  = 30 * time.Minute
	defaultStoreTimeout     = 3 * time.Second

	defaultAttemptLimit  = 20
	defaultAttemptWindow = 15 * time.Minute
)

// CredentialStore defines the persistence operations the auth flow
// needs. Counter updates must be atomic per account row.
type CredentialStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (types.User, error)
	GetByEmail(ctx context.Context, email string) (types.User, error)
	RecordLoginFailure(ctx context.Context, id uuid.UUID, threshold int, lockFor time.Duration) (int, *time.Time, error)
	RecordLoginSuccess(ctx context.Context, id uuid.UUID, at time.Time) error
	SetPendingMFASecret(ctx context.Context, id uuid.UUID, secret string) error
	EnableMFA(ctx context.Context, id uuid.UUID) error
	DisableMFA(ctx context.Context, id uuid.UUID) error
}

// AttemptStore appends raw login attempt records and answers coarse
// rate-limit queries over them.
type AttemptStore interface {
	Record(ctx context.Context, attempt types.LoginAttempt) error
	CountRecentFailures(ctx context.Context, email, ip string, since time.Time) (int, error)
}

// TokenSigner issues signed session and MFA-completion tokens.
type TokenSigner interface {
	IssueSession(user types.User) (string, error)
	IssueMFA(user types.User) (string, error)
}

// EventRecorder accepts security events. Implementations must not
// block the caller.
type EventRecorder interface {
	Record(event types.SecurityEvent)
}

// AuthService implements the login state machine: lockout check,
// password verification, optional TOTP challenge, token issuance.
type AuthService struct {
	users    CredentialStore
	attempts AttemptStore
	signer   TokenSigner
	events   EventRecorder
	log      logging.Logger

	lockoutThreshold int
	lockoutDuration  time.Duration
	storeTimeout     time.Duration
	attemptLimit     int
	attemptWindow    time.Duration
	mfaIssuer        string
	now              func() time.Time
}

// AuthOption configures an AuthService.
type AuthOption func(*AuthService)

// WithLockoutPolicy overrides the failed-attempt threshold and lock
// duration.
func WithLockoutPolicy(threshold int, duration time.Duration) AuthOption {
	return func(s *AuthService) {
		if threshold > 0 {
			s.lockoutThreshold = threshold
		}
		if duration > 0 {
			s.lockoutDuration = duration
		}
	}
}

// WithAttemptThrottle overrides the coarse per-email/IP failure cap
// checked against the attempt log. A limit of zero disables the check.
func WithAttemptThrottle(limit int, window time.Duration) AuthOption {
	return func(s *AuthService) {
		s.attemptLimit = limit
		if window > 0 {
			s.attemptWindow = window
		}
	}
}

// WithMFAIssuer sets the issuer embedded in provisioning URIs.
func WithMFAIssuer(issuer string) AuthOption {
	return func(s *AuthService) {
		if issuer != "" {
			s.mfaIssuer = issuer
		}
	}
}

// WithClock overrides the time source. Test hook.
func WithClock(now func() time.Time) AuthOption {
	return func(s *AuthService) {
		s.now = now
	}
}

// WithStoreTimeout overrides the per-call credential store timeout.
func WithStoreTimeout(d time.Duration) AuthOption {
	return func(s *AuthService) {
		if d > 0 {
			s.storeTimeout = d
		}
	}
}

func NewAuthService(
	users CredentialStore,
	attempts AttemptStore,
	signer TokenSigner,
	events EventRecorder,
	log logging.Logger,
	opts ...AuthOption,
) *AuthService {
	s := &AuthService{
		users:            users,
		attempts:         attempts,
		signer:           signer,
		events:           events,
		log:              log,
		lockoutThreshold: defaultLockoutThreshold,
		lockoutDuration:  defaultLockoutDuration,
		storeTimeout:     defaultStoreTimeout,
		attemptLimit:     defaultAttemptLimit,
		attemptWindow:    defaultAttemptWindow,
		mfaIssuer:        "TaskHub",
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// LoginResult is the outcome of a successful or partially successful
// login. When MFARequired is set, MFAToken carries the short-lived
// completion token and Token/User are empty.
type LoginResult struct {
	Token       string
	User        types.User
	MFARequired bool
	MFAToken    string
}

// Login validates credentials for the given email, enforcing the
// per-account lockout and the MFA gate. The returned user view never
// contains the password hash or MFA secret.
func (s *AuthService) Login(ctx context.Context, email, password, mfaCode, clientIP string) (LoginResult, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	now := s.now()

	// Coarse throttle over the persisted attempt log, per email/IP pair.
	// It fires before any credential is touched, so it also covers
	// guessing runs against unknown emails.
	if s.tooManyRecentFailures(ctx, email, clientIP, now) {
		s.recordAttempt(ctx, email, clientIP, false, "throttled")
		return LoginResult{}, ErrTooManyAttempts
	}

	user, err := s.getByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Unknown email: log the attempt but mutate no account row,
			// and answer exactly as for a bad password.
			s.recordAttempt(ctx, email, clientIP, false, "user_not_found")
			s.events.Record(types.SecurityEvent{
				Type:       types.EventLoginFailure,
				Email:      email,
				IP:         clientIP,
				Outcome:    "invalid_credentials",
				OccurredAt: now,
			})
			return LoginResult{}, ErrInvalidCredentials
		}
		return LoginResult{}, err
	}

	// Lockout check comes first: a locked account reveals nothing about
	// password correctness.
	if user.LockedAt(now) {
		s.recordAttempt(ctx, email, clientIP, false, "account_locked")
		s.events.Record(types.SecurityEvent{
			Type:       types.EventLoginFailure,
			Email:      email,
			AccountID:  &user.ID,
			TenantID:   user.TenantID,
			IP:         clientIP,
			Outcome:    "account_locked",
			OccurredAt: now,
		})
		return LoginResult{}, AccountLockedError{Until: *user.AccountLockedUntil}
	}

	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return LoginResult{}, s.failLogin(ctx, user, clientIP, "invalid_credentials", ErrInvalidCredentials)
	}

	if user.MFAEnabled {
		if strings.TrimSpace(mfaCode) == "" {
			mfaToken, err := s.signer.IssueMFA(user)
			if err != nil {
				s.log.Error(ctx, "mfa token signing failed", "error", err)
				return LoginResult{}, ErrSigner
			}
			s.events.Record(types.SecurityEvent{
				Type:       types.EventMFAChallenged,
				Email:      email,
				AccountID:  &user.ID,
				TenantID:   user.TenantID,
				IP:         clientIP,
				Outcome:    "mfa_required",
				OccurredAt: now,
			})
			return LoginResult{MFARequired: true, MFAToken: mfaToken}, nil
		}
		if !s.validateTOTP(mfaCode, user.MFASecret) {
			return LoginResult{}, s.failLogin(ctx, user, clientIP, "invalid_mfa_code", ErrInvalidMFACode)
		}
	}

	return s.succeedLogin(ctx, user, clientIP)
}

// CompleteMFA finishes a login that returned MFARequired. The caller
// resolves the account from the MFA-scoped token before invoking this.
func (s *AuthService) CompleteMFA(ctx context.Context, accountID uuid.UUID, mfaCode, clientIP string) (LoginResult, error) {
	now := s.now()

	user, err := s.getByID(ctx, accountID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return LoginResult{}, ErrInvalidCredentials
		}
		return LoginResult{}, err
	}

	if user.LockedAt(now) {
		return LoginResult{}, AccountLockedError{Until: *user.AccountLockedUntil}
	}
	if !user.MFAEnabled {
		return LoginResult{}, ErrMFANotEnabled
	}
	if !s.validateTOTP(mfaCode, user.MFASecret) {
		return LoginResult{}, s.failLogin(ctx, user, clientIP, "invalid_mfa_code", ErrInvalidMFACode)
	}

	return s.succeedLogin(ctx, user, clientIP)
}

// BeginEnrollment generates a fresh TOTP seed for the account and
// stores it pending verification. Returns the base32 secret and the
// otpauth provisioning URI for QR rendering.
func (s *AuthService) BeginEnrollment(ctx context.Context, accountID uuid.UUID) (secret, provisioningURI string, err error) {
	user, err := s.getByID(ctx, accountID)
	if err != nil {
		return "", "", err
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      s.mfaIssuer,
		AccountName: user.Email,
		SecretSize:  totpSecretSize,
	})
	if err != nil {
		return "", "", err
	}

	if err := s.withTimeout(ctx, func(ctx context.Context) error {
		return s.users.SetPendingMFASecret(ctx, accountID, key.Secret())
	}); err != nil {
		return "", "", err
	}
	return key.Secret(), key.URL(), nil
}

// CompleteEnrollment verifies the supplied code against the pending
// seed and activates MFA. On failure the pending seed remains and MFA
// stays disabled.
func (s *AuthService) CompleteEnrollment(ctx context.Context, accountID uuid.UUID, code string) error {
	user, err := s.getByID(ctx, accountID)
	if err != nil {
		return err
	}
	if user.MFASecret == "" {
		return ErrMFANotEnrolled
	}
	if !s.validateTOTP(code, user.MFASecret) {
		return ErrInvalidMFACode
	}

	if err := s.withTimeout(ctx, func(ctx context.Context) error {
		return s.users.EnableMFA(ctx, accountID)
	}); err != nil {
		return err
	}
	s.events.Record(types.SecurityEvent{
		Type:       types.EventMFAEnrolled,
		Email:      user.Email,
		AccountID:  &user.ID,
		TenantID:   user.TenantID,
		Outcome:    "success",
		OccurredAt: s.now(),
	})
	return nil
}

// DisableEnrollment clears MFA after re-verifying both the password and
// a current TOTP code, so a hijacked session cannot silently downgrade
// the account.
func (s *AuthService) DisableEnrollment(ctx context.Context, accountID uuid.UUID, password, code string) error {
	user, err := s.getByID(ctx, accountID)
	if err != nil {
		return err
	}
	if !user.MFAEnabled {
		return ErrMFANotEnabled
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return ErrInvalidCredentials
	}
	if !s.validateTOTP(code, user.MFASecret) {
		return ErrInvalidMFACode
	}

	if err := s.withTimeout(ctx, func(ctx context.Context) error {
		return s.users.DisableMFA(ctx, accountID)
	}); err != nil {
		return err
	}
	s.events.Record(types.SecurityEvent{
		Type:       types.EventMFADisabled,
		Email:      user.Email,
		AccountID:  &user.ID,
		TenantID:   user.TenantID,
		Outcome:    "success",
		OccurredAt: s.now(),
	})
	return nil
}

// GetAccount loads a sanitized account view.
func (s *AuthService) GetAccount(ctx context.Context, accountID uuid.UUID) (types.User, error) {
	user, err := s.getByID(ctx, accountID)
	if err != nil {
		return types.User{}, err
	}
	return sanitize(user), nil
}

func (s *AuthService) failLogin(ctx context.Context, user types.User, clientIP, outcome string, cause error) error {
	now := s.now()

	attempts, lockedUntil, err := s.recordFailure(ctx, user.ID)
	if err != nil {
		if errors.Is(err, ErrStoreUnavailable) {
			return err
		}
		s.log.Error(ctx, "failed to record login failure", "error", err)
	}

	s.recordAttempt(ctx, user.Email, clientIP, false, outcome)
	s.events.Record(types.SecurityEvent{
		Type:       types.EventLoginFailure,
		Email:      user.Email,
		AccountID:  &user.ID,
		TenantID:   user.TenantID,
		IP:         clientIP,
		Outcome:    outcome,
		OccurredAt: now,
	})

	// The lock armed on this exact attempt. The caller still sees the
	// credential error; the lock surfaces on the next attempt.
	if lockedUntil != nil && lockedUntil.After(now) && attempts == s.lockoutThreshold {
		s.events.Record(types.SecurityEvent{
			Type:       types.EventAccountLocked,
			Email:      user.Email,
			AccountID:  &user.ID,
			TenantID:   user.TenantID,
			IP:         clientIP,
			Outcome:    "locked",
			OccurredAt: now,
		})
	}
	return cause
}

func (s *AuthService) succeedLogin(ctx context.Context, user types.User, clientIP string) (LoginResult, error) {
	now := s.now()

	if err := s.withTimeout(ctx, func(ctx context.Context) error {
		return s.users.RecordLoginSuccess(ctx, user.ID, now)
	}); err != nil {
		return LoginResult{}, err
	}

	sessionToken, err := s.signer.IssueSession(user)
	if err != nil {
		s.log.Error(ctx, "session token signing failed", "error", err)
		return LoginResult{}, ErrSigner
	}

	s.recordAttempt(ctx, user.Email, clientIP, true, "")
	s.events.Record(types.SecurityEvent{
		Type:       types.EventLoginSuccess,
		Email:      user.Email,
		AccountID:  &user.ID,
		TenantID:   user.TenantID,
		IP:         clientIP,
		Outcome:    "success",
		OccurredAt: now,
	})

	user.LastLogin = &now
	return LoginResult{Token: sessionToken, User: sanitize(user)}, nil
}

func (s *AuthService) validateTOTP(code, secret string) bool {
	valid, err := totp.ValidateCustom(strings.TrimSpace(code), secret, s.now().UTC(), totp.ValidateOpts{
		Period:    totpPeriod,
		Skew:      totpSkew,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	return err == nil && valid
}

func (s *AuthService) getByEmail(ctx context.Context, email string) (types.User, error) {
	var user types.User
	err := s.withTimeout(ctx, func(ctx context.Context) error {
		var err error
		user, err = s.users.GetByEmail(ctx, email)
		return err
	})
	return user, err
}

func (s *AuthService) getByID(ctx context.Context, id uuid.UUID) (types.User, error) {
	var user types.User
	err := s.withTimeout(ctx, func(ctx context.Context) error {
		var err error
		user, err = s.users.GetByID(ctx, id)
		return err
	})
	return user, err
}

func (s *AuthService) recordFailure(ctx context.Context, id uuid.UUID) (int, *time.Time, error) {
	var attempts int
	var lockedUntil *time.Time
	err := s.withTimeout(ctx, func(ctx context.Context) error {
		var err error
		attempts, lockedUntil, err = s.users.RecordLoginFailure(ctx, id, s.lockoutThreshold, s.lockoutDuration)
		return err
	})
	return attempts, lockedUntil, err
}

// tooManyRecentFailures consults the attempt log. An unavailable log
// never blocks a login.
func (s *AuthService) tooManyRecentFailures(ctx context.Context, email, ip string, now time.Time) bool {
	if s.attemptLimit <= 0 {
		return false
	}
	count, err := s.attempts.CountRecentFailures(ctx, email, ip, now.Add(-s.attemptWindow))
	if err != nil {
		s.log.Warn(ctx, "failed to count recent login failures", "error", err)
		return false
	}
	return count >= s.attemptLimit
}

func (s *AuthService) recordAttempt(ctx context.Context, email, ip string, success bool, reason string) {
	attempt := types.LoginAttempt{
		Email:         email,
		IP:            ip,
		Success:       success,
		FailureReason: reason,
		OccurredAt:    s.now(),
	}
	if err := s.attempts.Record(ctx, attempt); err != nil {
		s.log.Warn(ctx, "failed to record login attempt", "error", err)
	}
}

// withTimeout bounds one credential store call and maps timeouts and
// cancellations to ErrStoreUnavailable so transient store failures are
// never mistaken for credential errors.
func (s *AuthService) withTimeout(ctx context.Context, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	err := fn(ctx)
	if err == nil {
		return nil
	}
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrConflict) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ErrStoreUnavailable
	}
	if errors.Is(err, ErrStoreUnavailable) {
		return err
	}
	return ErrStoreUnavailable
}

func sanitize(user types.User) types.User {
	user.PasswordHash = ""
	user.MFASecret = ""
	return user
}
