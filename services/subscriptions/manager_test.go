package subscriptions

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/customeros/mailbridge/interfaces"
	"github.com/customeros/mailbridge/internal/enum"
	mberrors "github.com/customeros/mailbridge/internal/errors"
	"github.com/customeros/mailbridge/internal/logger"
	"github.com/customeros/mailbridge/internal/models"
	"github.com/customeros/mailbridge/internal/repository/memory"
	"github.com/customeros/mailbridge/internal/utils"
	memorybackend "github.com/customeros/mailbridge/services/providers/memory"
	"github.com/customeros/mailbridge/services/resolver"
)

type staticCredentials struct{}

func (staticCredentials) AcquireLiveCredential(ctx context.Context, accountID string) (*interfaces.CredentialLease, error) {
	return &interfaces.CredentialLease{AccountID: accountID, AccessToken: "token", ExpiresAt: time.Now().Add(time.Hour)}, nil
}

func (staticCredentials) StoreCredential(ctx context.Context, input interfaces.NewCredential) error {
	return nil
}

func (staticCredentials) RevokeCredential(ctx context.Context, accountID, reason string) error {
	return nil
}

func (staticCredentials) Stats() interfaces.RefreshStats {
	return interfaces.RefreshStats{}
}

func getLogger() logger.Logger {
	appLogger := logger.NewAppLogger(&logger.Config{DevMode: true})
	appLogger.InitLogger()
	return appLogger
}

var now = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

const graphMax = 4230 * time.Minute

type fixture struct {
	manager  *Manager
	repo     *memory.SubscriptionRepository
	resolver *resolver.Resolver
	gmail    *memorybackend.Backend
	outlook  *memorybackend.Backend
	clock    *utils.FixedClock
}

func setup(t *testing.T) *fixture {
	t.Helper()
	clock := utils.NewFixedClock(now)
	accounts := memory.NewAccountRepository(
		models.Account{ID: "acct-g", Backend: enum.BackendGoogleWorkspace, EmailAddress: "g@example.com"},
		models.Account{ID: "acct-o", Backend: enum.BackendOutlook, EmailAddress: "o@example.com"},
	)
	retry := utils.RetryPolicy{MaxAttempts: 3, MinBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond, Factor: 2}
	f := &fixture{
		repo:    memory.NewSubscriptionRepository(),
		gmail:   memorybackend.NewBackend(enum.BackendGoogleWorkspace, 7*24*time.Hour, memorybackend.WithClock(clock.Now), memorybackend.WithFixedSecret("push-token")),
		outlook: memorybackend.NewBackend(enum.BackendOutlook, graphMax, memorybackend.WithClock(clock.Now)),
		clock:   clock,
	}
	f.resolver = resolver.NewResolver(resolver.Config{Retry: retry}, getLogger(), accounts, staticCredentials{}, f.gmail, f.outlook)
	f.manager = NewManager(Config{
		RenewalMargin:     30 * time.Minute,
		RequestedLifetime: 48 * time.Hour,
		NotificationURLs: map[enum.BackendKind]string{
			enum.BackendOutlook:         "https://bridge.example.com/webhooks/outlook",
			enum.BackendGoogleWorkspace: "https://bridge.example.com/webhooks/gmail",
		},
		Retry: retry,
	}, getLogger(), f.repo, f.resolver, clock.Now)
	return f
}

func TestSubscribe_RecordsGrantedExpiry(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	sub, err := f.manager.Subscribe(ctx, "acct-o", 70*time.Hour)
	require.NoError(t, err)

	assert.Equal(t, enum.SubscriptionActive, sub.State)
	assert.NotEmpty(t, sub.NativeID)
	assert.NotEmpty(t, sub.Secret)
	assert.Equal(t, "https://bridge.example.com/webhooks/outlook", sub.NotificationURL)
	require.NotNil(t, sub.ExpiresAt)
	assert.Equal(t, now.Add(70*time.Hour), *sub.ExpiresAt)

	grant, ok := f.outlook.Mailbox("acct-o").Subscription(sub.NativeID)
	require.True(t, ok)
	assert.Equal(t, grant.ExpiresAt, *sub.ExpiresAt)

	stored, err := f.manager.RequireActive(ctx, "acct-o")
	require.NoError(t, err)
	assert.Equal(t, sub.Secret, stored.Secret)
}

func TestSubscribe_BeyondBackendMaximumFails(t *testing.T) {
	f := setup(t)

	_, err := f.manager.Subscribe(context.Background(), "acct-o", graphMax+time.Minute)
	require.ErrorIs(t, err, mberrors.ErrValidation)
	assert.Contains(t, err.Error(), "subscription expiry exceeds backend maximum")
	assert.Equal(t, 0, f.outlook.Mailbox("acct-o").Calls("RegisterSubscription"))

	stored, err := f.repo.GetByAccount(context.Background(), "acct-o")
	require.NoError(t, err)
	assert.Nil(t, stored)
}

func TestSubscribe_DefaultLifetimeBeyondMaximumFails(t *testing.T) {
	f := setup(t)
	f.manager.cfg.RequestedLifetime = 30 * 24 * time.Hour

	_, err := f.manager.Subscribe(context.Background(), "acct-o", 0)
	require.ErrorIs(t, err, mberrors.ErrValidation)
	assert.Equal(t, 0, f.outlook.Mailbox("acct-o").Calls("RegisterSubscription"))

	f.manager.cfg.RequestedLifetime = 72 * time.Hour
	sub, err := f.manager.Subscribe(context.Background(), "acct-g", 0)
	require.NoError(t, err)
	assert.Equal(t, now.Add(72*time.Hour), *sub.ExpiresAt)
}

func TestSubscribe_FixedBackendSecretAndCursor(t *testing.T) {
	f := setup(t)

	sub, err := f.manager.Subscribe(context.Background(), "acct-g", 0)
	require.NoError(t, err)
	assert.Equal(t, "push-token", sub.Secret)
	assert.Equal(t, "acct-g", sub.NativeID)
	assert.NotEmpty(t, sub.Cursor)
}

func TestSubscribe_FailureLeavesUnregistered(t *testing.T) {
	f := setup(t)
	f.outlook.Mailbox("acct-o").FailNext("RegisterSubscription", mberrors.Validation("memory.RegisterSubscription", "bad notification url"))

	_, err := f.manager.Subscribe(context.Background(), "acct-o", time.Hour)
	require.ErrorIs(t, err, mberrors.ErrValidation)

	stored, err := f.repo.GetByAccount(context.Background(), "acct-o")
	require.NoError(t, err)
	assert.Equal(t, enum.SubscriptionUnregistered, stored.State)
	assert.Contains(t, stored.LastError, "bad notification url")

	sub, err := f.manager.Subscribe(context.Background(), "acct-o", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, enum.SubscriptionActive, sub.State)
}

func TestRenewDue_RenewsWithinMargin(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	sub, err := f.manager.Subscribe(ctx, "acct-o", time.Hour)
	require.NoError(t, err)

	renewed, err := f.manager.RenewDue(ctx)
	require.NoError(t, err)
	assert.Zero(t, renewed)

	f.clock.Advance(40 * time.Minute)
	renewed, err = f.manager.RenewDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, renewed)

	stored, err := f.manager.Get(ctx, "acct-o")
	require.NoError(t, err)
	assert.Equal(t, enum.SubscriptionActive, stored.State)
	assert.Equal(t, sub.NativeID, stored.NativeID)
	assert.Equal(t, f.clock.Now().Add(48*time.Hour), *stored.ExpiresAt)
	require.NotNil(t, stored.LastRenewedAt)
}

func TestRenewDue_TransientFailuresAreRetried(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	_, err := f.manager.Subscribe(ctx, "acct-o", time.Hour)
	require.NoError(t, err)

	mailbox := f.outlook.Mailbox("acct-o")
	mailbox.FailNext("RenewSubscription", mberrors.Unavailable("memory.RenewSubscription", assert.AnError))
	f.clock.Advance(45 * time.Minute)

	renewed, err := f.manager.RenewDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, renewed)
	assert.Equal(t, 2, mailbox.Calls("RenewSubscription"))
}

func TestRenewDue_PermanentRejectionExpiresWithoutAffectingReads(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	_, err := f.manager.Subscribe(ctx, "acct-o", time.Hour)
	require.NoError(t, err)

	mailbox := f.outlook.Mailbox("acct-o")
	mailbox.FailNext("RenewSubscription", mberrors.NotFound("memory.RenewSubscription", "subscription gone"))
	f.clock.Advance(45 * time.Minute)

	renewed, err := f.manager.RenewDue(ctx)
	require.NoError(t, err)
	assert.Zero(t, renewed)
	assert.Equal(t, 1, mailbox.Calls("RenewSubscription"))

	stored, err := f.manager.Get(ctx, "acct-o")
	require.NoError(t, err)
	assert.Equal(t, enum.SubscriptionExpired, stored.State)
	assert.Equal(t, 1, stored.RenewalAttempts)
	assert.Contains(t, stored.LastError, "subscription gone")

	_, err = f.manager.RequireActive(ctx, "acct-o")
	assert.ErrorIs(t, err, mberrors.ErrSubscriptionExpired)

	err = f.resolver.Read(ctx, "acct-o", func(ctx context.Context, adapter interfaces.MailboxAdapter) error {
		folders, err := adapter.ListFolders(ctx)
		assert.NotEmpty(t, folders)
		return err
	})
	assert.NoError(t, err)

	f.clock.Advance(time.Hour)
	renewed, err = f.manager.RenewDue(ctx)
	require.NoError(t, err)
	assert.Zero(t, renewed)
	assert.Equal(t, 1, mailbox.Calls("RenewSubscription"))
}

func TestRenewDue_ExhaustedRetriesExpire(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	_, err := f.manager.Subscribe(ctx, "acct-o", time.Hour)
	require.NoError(t, err)

	mailbox := f.outlook.Mailbox("acct-o")
	transient := mberrors.RateLimited("memory.RenewSubscription", assert.AnError)
	mailbox.FailNext("RenewSubscription", transient, transient, transient)
	f.clock.Advance(45 * time.Minute)

	_, err = f.manager.RenewDue(ctx)
	require.NoError(t, err)

	stored, err := f.manager.Get(ctx, "acct-o")
	require.NoError(t, err)
	assert.Equal(t, enum.SubscriptionExpired, stored.State)
	assert.Equal(t, 3, stored.RenewalAttempts)
}

func TestRenewDue_BeyondBackendMaximumExpires(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	_, err := f.manager.Subscribe(ctx, "acct-o", time.Hour)
	require.NoError(t, err)

	f.manager.cfg.RequestedLifetime = 30 * 24 * time.Hour
	f.clock.Advance(45 * time.Minute)
	renewed, err := f.manager.RenewDue(ctx)
	require.NoError(t, err)
	assert.Zero(t, renewed)
	assert.Zero(t, f.outlook.Mailbox("acct-o").Calls("RenewSubscription"))

	stored, err := f.manager.Get(ctx, "acct-o")
	require.NoError(t, err)
	assert.Equal(t, enum.SubscriptionExpired, stored.State)
	assert.Contains(t, stored.LastError, "subscription expiry exceeds backend maximum")
}

func TestRenewDue_ShorterGrantIsRecorded(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	_, err := f.manager.Subscribe(ctx, "acct-o", time.Hour)
	require.NoError(t, err)

	f.outlook.Mailbox("acct-o").GrantAtMost(12 * time.Hour)
	f.clock.Advance(45 * time.Minute)
	renewed, err := f.manager.RenewDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, renewed)

	stored, err := f.manager.Get(ctx, "acct-o")
	require.NoError(t, err)
	assert.Equal(t, enum.SubscriptionActive, stored.State)
	assert.Equal(t, f.clock.Now().Add(12*time.Hour), *stored.ExpiresAt)
	require.NotNil(t, stored.RequestedExpiry)
	assert.Equal(t, f.clock.Now().Add(48*time.Hour), *stored.RequestedExpiry)
}

func TestRenewDue_LapsedSubscriptionExpires(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	_, err := f.manager.Subscribe(ctx, "acct-o", time.Hour)
	require.NoError(t, err)

	f.clock.Advance(100 * time.Hour)
	renewed, err := f.manager.RenewDue(ctx)
	require.NoError(t, err)
	assert.Zero(t, renewed)
	assert.Zero(t, f.outlook.Mailbox("acct-o").Calls("RenewSubscription"))

	stored, err := f.manager.Get(ctx, "acct-o")
	require.NoError(t, err)
	assert.Equal(t, enum.SubscriptionExpired, stored.State)
	assert.Contains(t, stored.LastError, "lapsed")

	_, err = f.manager.RequireActive(ctx, "acct-o")
	assert.ErrorIs(t, err, mberrors.ErrSubscriptionExpired)
}

func TestRenewDue_LocalDeadlineKeepsRenewalDue(t *testing.T) {
	f := setup(t)
	_, err := f.manager.Subscribe(context.Background(), "acct-o", time.Hour)
	require.NoError(t, err)

	f.manager.cfg.Retry = utils.RetryPolicy{MaxAttempts: 5, MinBackoff: time.Second, MaxBackoff: time.Second, Factor: 2}
	mailbox := f.outlook.Mailbox("acct-o")
	mailbox.FailNext("RenewSubscription", mberrors.Unavailable("memory.RenewSubscription", assert.AnError))
	f.clock.Advance(45 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	renewed, err := f.manager.RenewDue(ctx)
	require.NoError(t, err)
	assert.Zero(t, renewed)

	stored, err := f.manager.Get(context.Background(), "acct-o")
	require.NoError(t, err)
	assert.Equal(t, enum.SubscriptionRenewalDue, stored.State)
	assert.Equal(t, 1, stored.RenewalAttempts)

	renewed, err = f.manager.RenewDue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, renewed)
	assert.Equal(t, 2, mailbox.Calls("RenewSubscription"))
}

func TestSubscribe_RestartsExpiredSubscription(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	first, err := f.manager.Subscribe(ctx, "acct-o", time.Hour)
	require.NoError(t, err)

	f.outlook.Mailbox("acct-o").FailNext("RenewSubscription", mberrors.AuthExpired("memory.RenewSubscription", "consent withdrawn"))
	f.clock.Advance(45 * time.Minute)
	_, err = f.manager.RenewDue(ctx)
	require.NoError(t, err)

	second, err := f.manager.Subscribe(ctx, "acct-o", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, enum.SubscriptionActive, second.State)
	assert.NotEqual(t, first.Secret, second.Secret)
}

func TestUnsubscribe_RevokesEvenWhenBackendFails(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	_, err := f.manager.Subscribe(ctx, "acct-o", time.Hour)
	require.NoError(t, err)

	f.outlook.Mailbox("acct-o").FailNext("CancelSubscription", mberrors.Unavailable("memory.CancelSubscription", assert.AnError))
	sub, err := f.manager.Unsubscribe(ctx, "acct-o")
	require.NoError(t, err)
	assert.Equal(t, enum.SubscriptionRevoked, sub.State)
	assert.NotEmpty(t, sub.LastError)

	_, err = f.manager.Unsubscribe(ctx, "acct-o")
	assert.ErrorIs(t, err, mberrors.ErrValidation)

	_, err = f.manager.Unsubscribe(ctx, "acct-g")
	assert.ErrorIs(t, err, mberrors.ErrNotFound)
}

func TestFindForNotification(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	sub, err := f.manager.Subscribe(ctx, "acct-o", time.Hour)
	require.NoError(t, err)

	found, err := f.manager.FindForNotification(ctx, enum.BackendOutlook, sub.NativeID, "")
	require.NoError(t, err)
	assert.Equal(t, "acct-o", found.AccountID)

	_, err = f.manager.FindForNotification(ctx, enum.BackendOutlook, sub.NativeID, "acct-g")
	assert.ErrorIs(t, err, mberrors.ErrNotFound)

	_, err = f.manager.FindForNotification(ctx, enum.BackendGoogleWorkspace, sub.NativeID, "")
	assert.ErrorIs(t, err, mberrors.ErrNotFound)

	found, err = f.manager.FindForNotification(ctx, enum.BackendOutlook, "", "acct-o")
	require.NoError(t, err)
	assert.Equal(t, sub.NativeID, found.NativeID)
}

func TestAdvanceCursor_NeverMovesBackwards(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	sub, err := f.manager.Subscribe(ctx, "acct-g", 0)
	require.NoError(t, err)
	assert.Equal(t, "100", sub.Cursor)

	require.NoError(t, f.manager.AdvanceCursor(ctx, "acct-g", "120"))
	require.NoError(t, f.manager.AdvanceCursor(ctx, "acct-g", "110"))
	require.NoError(t, f.manager.AdvanceCursor(ctx, "acct-g", ""))

	stored, err := f.manager.Get(ctx, "acct-g")
	require.NoError(t, err)
	assert.Equal(t, "120", stored.Cursor)
}
