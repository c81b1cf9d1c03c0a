package services

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/taskhub/apiserver/internal/logging"
	"github.com/taskhub/apiserver/internal/store"
	"github.com/taskhub/apiserver/internal/token"
	"github.com/taskhub/apiserver/types"
	"golang.org/x/crypto/bcrypt"
)

const testPassword = "correct horse battery staple"

// fakeUserStore is an in-memory CredentialStore with the same counter
// semantics as the SQL repository: increment and conditional lock are
// one atomic step.
type fakeUserStore struct {
	mu      sync.Mutex
	users   map[uuid.UUID]*types.User
	byEmail map[string]uuid.UUID
	now     func() time.Time
	failAll error
}

func newFakeUserStore(now func() time.Time) *fakeUserStore {
	return &fakeUserStore{
		users:   make(map[uuid.UUID]*types.User),
		byEmail: make(map[string]uuid.UUID),
		now:     now,
	}
}

func (f *fakeUserStore) add(user types.User) *types.User {
	f.mu.Lock()
	defer f.mu.Unlock()
	u := user
	f.users[u.ID] = &u
	f.byEmail[strings.ToLower(u.Email)] = u.ID
	return &u
}

func (f *fakeUserStore) GetByID(ctx context.Context, id uuid.UUID) (types.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll != nil {
		return types.User{}, f.failAll
	}
	user, ok := f.users[id]
	if !ok {
		return types.User{}, store.ErrNotFound
	}
	return *user, nil
}

func (f *fakeUserStore) GetByEmail(ctx context.Context, email string) (types.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll != nil {
		return types.User{}, f.failAll
	}
	id, ok := f.byEmail[strings.ToLower(email)]
	if !ok {
		return types.User{}, store.ErrNotFound
	}
	return *f.users[id], nil
}

func (f *fakeUserStore) RecordLoginFailure(ctx context.Context, id uuid.UUID, threshold int, lockFor time.Duration) (int, *time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll != nil {
		return 0, nil, f.failAll
	}
	user, ok := f.users[id]
	if !ok {
		return 0, nil, store.ErrNotFound
	}
	user.FailedLoginAttempts++
	if user.FailedLoginAttempts >= threshold {
		until := f.now().Add(lockFor)
		user.AccountLockedUntil = &until
	}
	return user.FailedLoginAttempts, user.AccountLockedUntil, nil
}

func (f *fakeUserStore) RecordLoginSuccess(ctx context.Context, id uuid.UUID, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll != nil {
		return f.failAll
	}
	user, ok := f.users[id]
	if !ok {
		return store.ErrNotFound
	}
	user.FailedLoginAttempts = 0
	user.AccountLockedUntil = nil
	user.LastLogin = &at
	return nil
}

func (f *fakeUserStore) SetPendingMFASecret(ctx context.Context, id uuid.UUID, secret string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.users[id]
	if !ok {
		return store.ErrNotFound
	}
	user.MFASecret = secret
	user.MFAEnabled = false
	return nil
}

func (f *fakeUserStore) EnableMFA(ctx context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.users[id]
	if !ok {
		return store.ErrNotFound
	}
	user.MFAEnabled = true
	return nil
}

func (f *fakeUserStore) DisableMFA(ctx context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.users[id]
	if !ok {
		return store.ErrNotFound
	}
	user.MFAEnabled = false
	user.MFASecret = ""
	return nil
}

func (f *fakeUserStore) get(id uuid.UUID) types.User {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.users[id]
}

type fakeAttemptStore struct {
	mu       sync.Mutex
	attempts []types.LoginAttempt
}

func (f *fakeAttemptStore) Record(ctx context.Context, attempt types.LoginAttempt) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts = append(f.attempts, attempt)
	return nil
}

func (f *fakeAttemptStore) CountRecentFailures(ctx context.Context, email, ip string, since time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, attempt := range f.attempts {
		if attempt.Email == email && attempt.IP == ip && !attempt.Success &&
			!attempt.OccurredAt.Before(since) {
			count++
		}
	}
	return count, nil
}

func (f *fakeAttemptStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.attempts)
}

type fakeEventRecorder struct {
	mu     sync.Mutex
	events []types.SecurityEvent
}

func (f *fakeEventRecorder) Record(event types.SecurityEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
}

func (f *fakeEventRecorder) byType(eventType string) []types.SecurityEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []types.SecurityEvent
	for _, event := range f.events {
		if event.Type == eventType {
			out = append(out, event)
		}
	}
	return out
}

type authFixture struct {
	svc      *AuthService
	users    *fakeUserStore
	attempts *fakeAttemptStore
	events   *fakeEventRecorder
	signer   *token.Signer
	clock    *fakeClock
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newAuthFixture(t *testing.T) *authFixture {
	t.Helper()

	clock := &fakeClock{t: time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)}
	users := newFakeUserStore(clock.Now)
	attempts := &fakeAttemptStore{}
	events := &fakeEventRecorder{}

	signer, err := token.NewSigner("test-secret", 24*time.Hour, 5*time.Minute)
	require.NoError(t, err)
	signer.WithClock(clock.Now)

	svc := NewAuthService(users, attempts, signer, events, logging.Nop(),
		WithClock(clock.Now))

	return &authFixture{
		svc:      svc,
		users:    users,
		attempts: attempts,
		events:   events,
		signer:   signer,
		clock:    clock,
	}
}

func (f *authFixture) addUser(t *testing.T, email string, mfaEnabled bool) *types.User {
	t.Helper()
	hashed, err := bcrypt.GenerateFromPassword([]byte(testPassword), bcrypt.MinCost)
	require.NoError(t, err)

	tenantID := uuid.New()
	user := types.User{
		ID:           uuid.New(),
		Email:        email,
		Name:         "Test User",
		Role:         types.RoleClient,
		TenantID:     &tenantID,
		PasswordHash: string(hashed),
	}
	if mfaEnabled {
		key, err := totp.Generate(totp.GenerateOpts{
			Issuer:      "TaskHub",
			AccountName: email,
			SecretSize:  20,
		})
		require.NoError(t, err)
		user.MFASecret = key.Secret()
		user.MFAEnabled = true
	}
	return f.users.add(user)
}

func totpCodeAt(t *testing.T, secret string, at time.Time) string {
	t.Helper()
	code, err := totp.GenerateCodeCustom(secret, at.UTC(), totp.ValidateOpts{
		Period:    30,
		Skew:      2,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	require.NoError(t, err)
	return code
}

func TestLoginSuccess(t *testing.T) {
	f := newAuthFixture(t)
	user := f.addUser(t, "a@x.com", false)

	result, err := f.svc.Login(context.Background(), "A@X.com", testPassword, "", "10.0.0.1")
	require.NoError(t, err)

	assert.NotEmpty(t, result.Token)
	assert.False(t, result.MFARequired)
	assert.Equal(t, user.ID, result.User.ID)
	assert.Empty(t, result.User.PasswordHash)
	assert.Empty(t, result.User.MFASecret)

	claims, err := f.signer.Verify(result.Token, token.ScopeSession)
	require.NoError(t, err)
	assert.Equal(t, user.ID.String(), claims.Subject)
	assert.Equal(t, "a@x.com", claims.Email)
	assert.Equal(t, types.RoleClient, claims.Role)
	require.NotNil(t, claims.TenantID)
	assert.Equal(t, *user.TenantID, *claims.TenantID)
}

func TestLoginUnknownEmail(t *testing.T) {
	f := newAuthFixture(t)

	_, err := f.svc.Login(context.Background(), "nobody@x.com", "whatever", "", "10.0.0.1")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	// No account row exists to mutate; only the attempt log grew.
	assert.Equal(t, 1, f.attempts.count())
	assert.Len(t, f.events.byType(types.EventLoginFailure), 1)
}

func TestLoginWrongPassword(t *testing.T) {
	f := newAuthFixture(t)
	user := f.addUser(t, "a@x.com", false)

	_, err := f.svc.Login(context.Background(), "a@x.com", "wrong", "", "10.0.0.1")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	assert.Equal(t, 1, f.users.get(user.ID).FailedLoginAttempts)
}

func TestLockoutAfterThreshold(t *testing.T) {
	f := newAuthFixture(t)
	user := f.addUser(t, "a@x.com", false)

	for i := 0; i < 5; i++ {
		_, err := f.svc.Login(context.Background(), "a@x.com", "wrong", "", "10.0.0.1")
		assert.ErrorIs(t, err, ErrInvalidCredentials)
	}

	stored := f.users.get(user.ID)
	assert.Equal(t, 5, stored.FailedLoginAttempts)
	require.NotNil(t, stored.AccountLockedUntil)
	assert.Equal(t, f.clock.Now().Add(30*time.Minute), *stored.AccountLockedUntil)
	assert.Len(t, f.events.byType(types.EventAccountLocked), 1)

	// A correct password during the window still reports the lock.
	_, err := f.svc.Login(context.Background(), "a@x.com", testPassword, "", "10.0.0.1")
	var locked AccountLockedError
	require.ErrorAs(t, err, &locked)
	assert.Equal(t, *stored.AccountLockedUntil, locked.Until)
}

func TestLockoutExpires(t *testing.T) {
	f := newAuthFixture(t)
	f.addUser(t, "a@x.com", false)

	for i := 0; i < 5; i++ {
		_, _ = f.svc.Login(context.Background(), "a@x.com", "wrong", "", "10.0.0.1")
	}
	f.clock.Advance(31 * time.Minute)

	result, err := f.svc.Login(context.Background(), "a@x.com", testPassword, "", "10.0.0.1")
	require.NoError(t, err)
	assert.NotEmpty(t, result.Token)
}

func TestSuccessResetsCounter(t *testing.T) {
	f := newAuthFixture(t)
	user := f.addUser(t, "a@x.com", false)

	for i := 0; i < 4; i++ {
		_, _ = f.svc.Login(context.Background(), "a@x.com", "wrong", "", "10.0.0.1")
	}
	assert.Equal(t, 4, f.users.get(user.ID).FailedLoginAttempts)

	_, err := f.svc.Login(context.Background(), "a@x.com", testPassword, "", "10.0.0.1")
	require.NoError(t, err)

	stored := f.users.get(user.ID)
	assert.Equal(t, 0, stored.FailedLoginAttempts)
	assert.Nil(t, stored.AccountLockedUntil)
	require.NotNil(t, stored.LastLogin)
	assert.Equal(t, f.clock.Now(), *stored.LastLogin)
}

func TestMFARequiredWithoutCode(t *testing.T) {
	f := newAuthFixture(t)
	f.addUser(t, "a@x.com", true)

	result, err := f.svc.Login(context.Background(), "a@x.com", testPassword, "", "10.0.0.1")
	require.NoError(t, err)

	assert.True(t, result.MFARequired)
	assert.NotEmpty(t, result.MFAToken)
	assert.Empty(t, result.Token)

	// The intermediate token must not pass as a session token.
	_, err = f.signer.Verify(result.MFAToken, token.ScopeSession)
	assert.ErrorIs(t, err, token.ErrWrongScope)
	_, err = f.signer.Verify(result.MFAToken, token.ScopeMFA)
	assert.NoError(t, err)
}

func TestLoginWithMFACode(t *testing.T) {
	f := newAuthFixture(t)
	user := f.addUser(t, "a@x.com", true)

	code := totpCodeAt(t, user.MFASecret, f.clock.Now())
	result, err := f.svc.Login(context.Background(), "a@x.com", testPassword, code, "10.0.0.1")
	require.NoError(t, err)
	assert.NotEmpty(t, result.Token)
	assert.False(t, result.MFARequired)
}

func TestTOTPDriftWindow(t *testing.T) {
	f := newAuthFixture(t)
	user := f.addUser(t, "a@x.com", true)
	base := f.clock.Now()

	cases := []struct {
		name     string
		codeTime time.Time
		ok       bool
	}{
		{"thirty seconds behind", base.Add(-30 * time.Second), true},
		{"current step", base, true},
		{"thirty seconds ahead", base.Add(30 * time.Second), true},
		{"sixty seconds behind", base.Add(-60 * time.Second), true},
		{"two minutes behind", base.Add(-120 * time.Second), false},
		{"two minutes ahead", base.Add(120 * time.Second), false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			code := totpCodeAt(t, user.MFASecret, tc.codeTime)
			_, err := f.svc.Login(context.Background(), "a@x.com", testPassword, code, "10.0.0.1")
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidMFACode)
			}
			// Keep the counter clear between subtests.
			require.NoError(t, f.users.RecordLoginSuccess(context.Background(), user.ID, base))
		})
	}
}

func TestTOTPCodeStillValidAfter45Seconds(t *testing.T) {
	f := newAuthFixture(t)
	user := f.addUser(t, "a@x.com", true)

	code := totpCodeAt(t, user.MFASecret, f.clock.Now())

	f.clock.Advance(45 * time.Second)
	_, err := f.svc.Login(context.Background(), "a@x.com", testPassword, code, "10.0.0.1")
	assert.NoError(t, err)
}

func TestTOTPCodeExpiredAfter120Seconds(t *testing.T) {
	f := newAuthFixture(t)
	user := f.addUser(t, "a@x.com", true)

	code := totpCodeAt(t, user.MFASecret, f.clock.Now())

	f.clock.Advance(120 * time.Second)
	_, err := f.svc.Login(context.Background(), "a@x.com", testPassword, code, "10.0.0.1")
	assert.ErrorIs(t, err, ErrInvalidMFACode)
}

func TestInvalidMFACodeCountsAsFailure(t *testing.T) {
	f := newAuthFixture(t)
	user := f.addUser(t, "a@x.com", true)

	_, err := f.svc.Login(context.Background(), "a@x.com", testPassword, "000000", "10.0.0.1")
	assert.ErrorIs(t, err, ErrInvalidMFACode)
	assert.Equal(t, 1, f.users.get(user.ID).FailedLoginAttempts)
}

func TestCompleteMFA(t *testing.T) {
	f := newAuthFixture(t)
	user := f.addUser(t, "a@x.com", true)

	challenge, err := f.svc.Login(context.Background(), "a@x.com", testPassword, "", "10.0.0.1")
	require.NoError(t, err)
	require.True(t, challenge.MFARequired)

	code := totpCodeAt(t, user.MFASecret, f.clock.Now())
	result, err := f.svc.CompleteMFA(context.Background(), user.ID, code, "10.0.0.1")
	require.NoError(t, err)
	assert.NotEmpty(t, result.Token)

	_, err = f.signer.Verify(result.Token, token.ScopeSession)
	assert.NoError(t, err)
}

func TestEnrollmentLifecycle(t *testing.T) {
	f := newAuthFixture(t)
	user := f.addUser(t, "a@x.com", false)

	secret, uri, err := f.svc.BeginEnrollment(context.Background(), user.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, secret)
	assert.Contains(t, uri, "otpauth://totp/")
	assert.Contains(t, uri, "a@x.com")

	// Seed is pending, not active.
	assert.False(t, f.users.get(user.ID).MFAEnabled)

	// A wrong code leaves the seed pending and MFA off.
	err = f.svc.CompleteEnrollment(context.Background(), user.ID, "000000")
	assert.ErrorIs(t, err, ErrInvalidMFACode)
	stored := f.users.get(user.ID)
	assert.False(t, stored.MFAEnabled)
	assert.Equal(t, secret, stored.MFASecret)

	code := totpCodeAt(t, secret, f.clock.Now())
	require.NoError(t, f.svc.CompleteEnrollment(context.Background(), user.ID, code))
	assert.True(t, f.users.get(user.ID).MFAEnabled)
	assert.Len(t, f.events.byType(types.EventMFAEnrolled), 1)
}

func TestDisableEnrollmentRequiresBothFactors(t *testing.T) {
	f := newAuthFixture(t)
	user := f.addUser(t, "a@x.com", true)
	code := totpCodeAt(t, user.MFASecret, f.clock.Now())

	err := f.svc.DisableEnrollment(context.Background(), user.ID, "wrong password", code)
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	assert.True(t, f.users.get(user.ID).MFAEnabled)

	err = f.svc.DisableEnrollment(context.Background(), user.ID, testPassword, "000000")
	assert.ErrorIs(t, err, ErrInvalidMFACode)
	assert.True(t, f.users.get(user.ID).MFAEnabled)

	require.NoError(t, f.svc.DisableEnrollment(context.Background(), user.ID, testPassword, code))
	stored := f.users.get(user.ID)
	assert.False(t, stored.MFAEnabled)
	assert.Empty(t, stored.MFASecret)
	assert.Len(t, f.events.byType(types.EventMFADisabled), 1)
}

func TestLoginThrottledAfterSustainedFailures(t *testing.T) {
	f := newAuthFixture(t)
	f.addUser(t, "a@x.com", false)

	svc := NewAuthService(f.users, f.attempts, f.signer, f.events, logging.Nop(),
		WithClock(f.clock.Now),
		WithAttemptThrottle(3, 10*time.Minute))

	for i := 0; i < 3; i++ {
		_, err := svc.Login(context.Background(), "a@x.com", "wrong", "", "10.0.0.1")
		assert.ErrorIs(t, err, ErrInvalidCredentials)
	}

	// Over the cap even the correct password is refused before any
	// credential check runs.
	_, err := svc.Login(context.Background(), "a@x.com", testPassword, "", "10.0.0.1")
	assert.ErrorIs(t, err, ErrTooManyAttempts)

	// A different client IP is unaffected.
	_, err = svc.Login(context.Background(), "a@x.com", testPassword, "", "10.0.0.2")
	assert.NoError(t, err)

	// Outside the window the pair recovers.
	f.clock.Advance(11 * time.Minute)
	_, err = svc.Login(context.Background(), "a@x.com", testPassword, "", "10.0.0.1")
	assert.NoError(t, err)
}

func TestStoreUnavailable(t *testing.T) {
	f := newAuthFixture(t)
	f.addUser(t, "a@x.com", false)
	f.users.failAll = context.DeadlineExceeded

	_, err := f.svc.Login(context.Background(), "a@x.com", testPassword, "", "10.0.0.1")
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.NotErrorIs(t, err, ErrInvalidCredentials)
}

func TestConcurrentFailuresTriggerSingleLock(t *testing.T) {
	f := newAuthFixture(t)
	user := f.addUser(t, "a@x.com", false)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = f.svc.Login(context.Background(), "a@x.com", "wrong", "", "10.0.0.1")
		}()
	}
	wg.Wait()

	// Once the lock arms, remaining logins short-circuit on the lockout
	// check, so the final counter depends on interleaving. The invariant
	// is that the threshold was reached, the lock armed, and the lock
	// event fired exactly once.
	stored := f.users.get(user.ID)
	assert.GreaterOrEqual(t, stored.FailedLoginAttempts, 5)
	assert.LessOrEqual(t, stored.FailedLoginAttempts, 10)
	require.NotNil(t, stored.AccountLockedUntil)
	assert.Len(t, f.events.byType(types.EventAccountLocked), 1)
}
