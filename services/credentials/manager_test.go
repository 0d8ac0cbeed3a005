package credentials

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/customeros/mailbridge/interfaces"
	"github.com/customeros/mailbridge/internal/enum"
	mberrors "github.com/customeros/mailbridge/internal/errors"
	"github.com/customeros/mailbridge/internal/logger"
	"github.com/customeros/mailbridge/internal/models"
	"github.com/customeros/mailbridge/internal/repository/memory"
	"github.com/customeros/mailbridge/internal/utils"
)

type fakeRefresher struct {
	calls   atomic.Int32
	delay   time.Duration
	results []error
	token   func(call int32) *oauth2.Token
}

func (f *fakeRefresher) Refresh(ctx context.Context, _ enum.BackendKind, refreshToken string) (*oauth2.Token, error) {
	call := f.calls.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if int(call) <= len(f.results) && f.results[call-1] != nil {
		return nil, f.results[call-1]
	}
	if f.token != nil {
		return f.token(call), nil
	}
	return &oauth2.Token{AccessToken: "new-access", RefreshToken: "new-refresh", Expiry: time.Now().Add(time.Hour)}, nil
}

func getLogger() logger.Logger {
	appLogger := logger.NewAppLogger(&logger.Config{
		DevMode: true,
	})
	appLogger.InitLogger()
	return appLogger
}

var now = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func setup(t *testing.T, expiresIn time.Duration, refresher Refresher) (*Manager, *memory.CredentialRepository, *utils.FixedClock) {
	t.Helper()
	clock := utils.NewFixedClock(now)
	accounts := memory.NewAccountRepository(models.Account{ID: "acct-a", Backend: enum.BackendGoogleWorkspace, EmailAddress: "a@example.com"})
	credentials := memory.NewCredentialRepository()
	require.NoError(t, credentials.ReplaceCredential(context.Background(), &models.Credential{
		AccountID:    "acct-a",
		Backend:      enum.BackendGoogleWorkspace,
		AccessToken:  "old-access",
		RefreshToken: "old-refresh",
		ExpiresAt:    now.Add(expiresIn),
	}))
	credentials.Replaced = 0

	cfg := Config{
		RefreshMargin: 2 * time.Minute,
		Retry:         utils.RetryPolicy{MaxAttempts: 3, MinBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond, Factor: 2},
	}
	return NewManager(cfg, getLogger(), accounts, credentials, refresher, clock.Now), credentials, clock
}

func TestAcquireLiveCredential_FreshCredentialIsNotRefreshed(t *testing.T) {
	refresher := &fakeRefresher{}
	manager, _, _ := setup(t, 10*time.Minute, refresher)

	lease, err := manager.AcquireLiveCredential(context.Background(), "acct-a")

	require.NoError(t, err)
	assert.Equal(t, "old-access", lease.AccessToken)
	assert.Equal(t, int32(0), refresher.calls.Load())
}

func TestAcquireLiveCredential_InsideMarginTriggersRefresh(t *testing.T) {
	refresher := &fakeRefresher{}
	manager, credentials, _ := setup(t, 90*time.Second, refresher)

	lease, err := manager.AcquireLiveCredential(context.Background(), "acct-a")

	require.NoError(t, err)
	assert.Equal(t, "new-access", lease.AccessToken)
	assert.Equal(t, int32(1), refresher.calls.Load())

	stored, _ := credentials.GetCredential(context.Background(), "acct-a")
	assert.Equal(t, "new-refresh", stored.RefreshToken)
	assert.Equal(t, int64(1), manager.Stats().Successes)
}

func TestAcquireLiveCredential_SingleFlightUnderConcurrency(t *testing.T) {
	refresher := &fakeRefresher{delay: 50 * time.Millisecond}
	manager, credentials, _ := setup(t, 30*time.Second, refresher)

	const callers = 50
	var wg sync.WaitGroup
	tokens := make([]string, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			lease, err := manager.AcquireLiveCredential(context.Background(), "acct-a")
			errs[i] = err
			if lease != nil {
				tokens[i] = lease.AccessToken
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), refresher.calls.Load())
	assert.Equal(t, 1, credentials.Replaced)
	for i := 0; i < callers; i++ {
		assert.NoError(t, errs[i])
		assert.Equal(t, "new-access", tokens[i])
	}
}

func TestAcquireLiveCredential_KeepsRefreshTokenWhenNotReissued(t *testing.T) {
	refresher := &fakeRefresher{token: func(int32) *oauth2.Token {
		return &oauth2.Token{AccessToken: "new-access", Expiry: now.Add(time.Hour)}
	}}
	manager, credentials, _ := setup(t, time.Minute, refresher)

	_, err := manager.AcquireLiveCredential(context.Background(), "acct-a")
	require.NoError(t, err)

	stored, _ := credentials.GetCredential(context.Background(), "acct-a")
	assert.Equal(t, "old-refresh", stored.RefreshToken)
	assert.Equal(t, now.Add(time.Hour), stored.ExpiresAt)
}

func TestAcquireLiveCredential_InvalidGrantRevokes(t *testing.T) {
	refresher := &fakeRefresher{results: []error{
		mberrors.New(mberrors.KindAuthExpired, "test", "invalid_grant", nil),
	}}
	manager, credentials, _ := setup(t, time.Minute, refresher)

	_, err := manager.AcquireLiveCredential(context.Background(), "acct-a")
	assert.ErrorIs(t, err, mberrors.ErrAuthExpired)
	assert.Equal(t, int32(1), refresher.calls.Load())

	stored, _ := credentials.GetCredential(context.Background(), "acct-a")
	assert.True(t, stored.Revoked)

	// revoked is terminal: no further refresh attempts
	_, err = manager.AcquireLiveCredential(context.Background(), "acct-a")
	assert.ErrorIs(t, err, mberrors.ErrAuthExpired)
	assert.Equal(t, int32(1), refresher.calls.Load())
	assert.Equal(t, int64(1), manager.Stats().Revoked)
}

func TestAcquireLiveCredential_TransientFailuresRetryThenUnavailable(t *testing.T) {
	transient := mberrors.New(mberrors.KindBackendUnavailable, "test", "token endpoint 503", nil)
	refresher := &fakeRefresher{results: []error{transient, transient, transient}}
	manager, credentials, _ := setup(t, time.Minute, refresher)

	_, err := manager.AcquireLiveCredential(context.Background(), "acct-a")

	assert.ErrorIs(t, err, mberrors.ErrBackendUnavailable)
	assert.Equal(t, int32(3), refresher.calls.Load())
	stored, _ := credentials.GetCredential(context.Background(), "acct-a")
	assert.False(t, stored.Revoked)
	assert.Equal(t, int64(1), manager.Stats().Failures)
}

func TestAcquireLiveCredential_TransientThenSuccess(t *testing.T) {
	transient := mberrors.New(mberrors.KindRateLimited, "test", "429", nil)
	refresher := &fakeRefresher{results: []error{transient}}
	manager, _, _ := setup(t, time.Minute, refresher)

	lease, err := manager.AcquireLiveCredential(context.Background(), "acct-a")

	require.NoError(t, err)
	assert.Equal(t, "new-access", lease.AccessToken)
	assert.Equal(t, int32(2), refresher.calls.Load())
}

func TestAcquireLiveCredential_MissingCredential(t *testing.T) {
	manager, _, _ := setup(t, time.Hour, &fakeRefresher{})

	_, err := manager.AcquireLiveCredential(context.Background(), "acct-missing")
	assert.ErrorIs(t, err, mberrors.ErrAuthExpired)
}

func TestAcquireLiveCredential_ClockAdvancesIntoMargin(t *testing.T) {
	refresher := &fakeRefresher{token: func(int32) *oauth2.Token {
		return &oauth2.Token{AccessToken: "new-access", Expiry: now.Add(2 * time.Hour)}
	}}
	manager, _, clock := setup(t, 10*time.Minute, refresher)

	_, err := manager.AcquireLiveCredential(context.Background(), "acct-a")
	require.NoError(t, err)
	assert.Equal(t, int32(0), refresher.calls.Load())

	clock.Advance(9 * time.Minute)
	_, err = manager.AcquireLiveCredential(context.Background(), "acct-a")
	require.NoError(t, err)
	assert.Equal(t, int32(1), refresher.calls.Load())
}

func TestStoreCredential(t *testing.T) {
	manager, credentials, _ := setup(t, time.Hour, &fakeRefresher{})

	err := manager.StoreCredential(context.Background(), interfaces.NewCredential{
		AccountID:    "acct-a",
		AccessToken:  "issued",
		RefreshToken: "issued-refresh",
		ExpiresAt:    now.Add(time.Hour),
	})
	require.NoError(t, err)

	stored, _ := credentials.GetCredential(context.Background(), "acct-a")
	assert.Equal(t, "issued", stored.AccessToken)
	assert.Equal(t, enum.BackendGoogleWorkspace, stored.Backend)

	err = manager.StoreCredential(context.Background(), interfaces.NewCredential{AccountID: "nope", AccessToken: "x", ExpiresAt: now})
	assert.ErrorIs(t, err, mberrors.ErrNotFound)

	err = manager.StoreCredential(context.Background(), interfaces.NewCredential{AccountID: "acct-a"})
	assert.ErrorIs(t, err, mberrors.ErrValidation)
}
