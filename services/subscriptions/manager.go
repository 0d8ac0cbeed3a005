package subscriptions

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opentracing/opentracing-go"
	"golang.org/x/sync/errgroup"

	"github.com/customeros/mailbridge/dto"
	"github.com/customeros/mailbridge/interfaces"
	"github.com/customeros/mailbridge/internal/enum"
	mberrors "github.com/customeros/mailbridge/internal/errors"
	"github.com/customeros/mailbridge/internal/logger"
	"github.com/customeros/mailbridge/internal/models"
	"github.com/customeros/mailbridge/internal/tracing"
	"github.com/customeros/mailbridge/internal/utils"
)

const (
	DefaultRenewalMargin     = 30 * time.Minute
	DefaultRequestedLifetime = 48 * time.Hour
	renewalConcurrency       = 4
)

type Config struct {
	RenewalMargin     time.Duration
	RequestedLifetime time.Duration
	// NotificationURLs holds the webhook endpoint per backend kind
	NotificationURLs map[enum.BackendKind]string
	Retry            utils.RetryPolicy
}

// Manager drives every subscription through its state machine. All mutations
// of one account's subscription are serialized.
type Manager struct {
	cfg      Config
	log      logger.Logger
	repo     interfaces.SubscriptionRepository
	resolver interfaces.AdapterResolver
	clock    utils.Clock

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewManager(cfg Config, log logger.Logger, repo interfaces.SubscriptionRepository, resolver interfaces.AdapterResolver, clock utils.Clock) *Manager {
	if cfg.RenewalMargin <= 0 {
		cfg.RenewalMargin = DefaultRenewalMargin
	}
	if cfg.RequestedLifetime <= 0 {
		cfg.RequestedLifetime = DefaultRequestedLifetime
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = utils.DefaultRetryPolicy()
	}
	if clock == nil {
		clock = utils.SystemClock
	}
	return &Manager{
		cfg:      cfg,
		log:      log,
		repo:     repo,
		resolver: resolver,
		clock:    clock,
		locks:    make(map[string]*sync.Mutex),
	}
}

var _ interfaces.SubscriptionManager = (*Manager)(nil)

func (m *Manager) lock(accountID string) func() {
	m.mu.Lock()
	l, ok := m.locks[accountID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[accountID] = l
	}
	m.mu.Unlock()
	l.Lock()
	return l.Unlock
}

func (m *Manager) load(ctx context.Context, op, accountID string) (*models.Subscription, error) {
	subscription, err := m.repo.GetByAccount(ctx, accountID)
	if err != nil {
		return nil, mberrors.Unavailable(op, err)
	}
	return subscription, nil
}

func (m *Manager) save(ctx context.Context, op string, subscription *models.Subscription) error {
	if err := m.repo.Save(ctx, subscription); err != nil {
		return mberrors.Unavailable(op, err)
	}
	return nil
}

func transition(op string, subscription *models.Subscription, next enum.SubscriptionState) error {
	if !subscription.State.CanTransition(next) {
		return mberrors.Validation(op, "subscription cannot move from %s to %s", subscription.State, next)
	}
	subscription.State = next
	return nil
}

// Subscribe registers a push subscription for the account. An already active
// subscription is returned unchanged.
func (m *Manager) Subscribe(ctx context.Context, accountID string, lifetime time.Duration) (*models.Subscription, error) {
	const op = "subscriptions.Subscribe"
	span, ctx := opentracing.StartSpanFromContext(ctx, "SubscriptionManager.Subscribe")
	defer span.Finish()
	tracing.SetDefaultServiceSpanTags(ctx, span)
	tracing.TagAccount(span, accountID)

	unlock := m.lock(accountID)
	defer unlock()

	kind, err := m.resolver.BackendOf(ctx, accountID)
	if err != nil {
		tracing.TraceErr(span, err)
		return nil, err
	}
	if lifetime <= 0 {
		lifetime = m.cfg.RequestedLifetime
	}
	if lifetime > m.resolver.MaxSubscriptionLifetime(kind) {
		err = mberrors.Validation(op, "subscription expiry exceeds backend maximum")
		tracing.TraceErr(span, err)
		return nil, err
	}

	subscription, err := m.load(ctx, op, accountID)
	if err != nil {
		tracing.TraceErr(span, err)
		return nil, err
	}
	if subscription == nil {
		subscription = &models.Subscription{AccountID: accountID, Backend: kind, State: enum.SubscriptionUnregistered}
	}
	switch subscription.State {
	case enum.SubscriptionActive, enum.SubscriptionRenewalDue:
		return subscription, nil
	case enum.SubscriptionPending:
		// left behind by an interrupted registration
		subscription.State = enum.SubscriptionUnregistered
	}
	if err = transition(op, subscription, enum.SubscriptionPending); err != nil {
		tracing.TraceErr(span, err)
		return nil, err
	}

	now := m.clock()
	requested := now.Add(lifetime)
	subscription.Backend = kind
	subscription.Secret = uuid.NewString()
	subscription.NotificationURL = m.cfg.NotificationURLs[kind]
	subscription.RequestedExpiry = &requested
	subscription.LastError = ""
	if err = m.save(ctx, op, subscription); err != nil {
		tracing.TraceErr(span, err)
		return nil, err
	}

	var grant *dto.SubscriptionGrant
	err = m.resolver.Write(ctx, accountID, func(ctx context.Context, adapter interfaces.MailboxAdapter) error {
		var err error
		grant, err = adapter.RegisterSubscription(ctx, dto.SubscriptionRequest{
			NotificationURL: subscription.NotificationURL,
			Secret:          subscription.Secret,
			ExpiresAt:       requested,
		})
		return err
	})
	if err != nil {
		subscription.State = enum.SubscriptionUnregistered
		subscription.LastError = err.Error()
		if saveErr := m.save(ctx, op, subscription); saveErr != nil {
			m.log.Errorf("Failed to record subscription failure for account %s: %v", accountID, saveErr)
		}
		tracing.TraceErr(span, err)
		return nil, err
	}

	subscription.State = enum.SubscriptionActive
	subscription.NativeID = grant.NativeID
	subscription.Resource = grant.Resource
	expiresAt := grant.ExpiresAt.UTC()
	subscription.ExpiresAt = &expiresAt
	subscription.Cursor = grant.Cursor
	subscription.RenewalAttempts = 0
	if grant.Secret != "" {
		subscription.Secret = grant.Secret
	}
	if err = m.save(ctx, op, subscription); err != nil {
		tracing.TraceErr(span, err)
		return nil, err
	}
	m.log.Infof("Subscription %s for account %s active until %s", subscription.NativeID, accountID, expiresAt.Format(time.RFC3339))
	return subscription, nil
}

// RenewDue renews every live subscription within the renewal margin of its
// expiry and returns how many were renewed.
func (m *Manager) RenewDue(ctx context.Context) (int, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "SubscriptionManager.RenewDue")
	defer span.Finish()
	tracing.SetDefaultServiceSpanTags(ctx, span)

	due, err := m.repo.ListExpiringBefore(ctx, m.clock().Add(m.cfg.RenewalMargin))
	if err != nil {
		err = mberrors.Unavailable("subscriptions.RenewDue", err)
		tracing.TraceErr(span, err)
		return 0, err
	}
	span.LogKV("due", len(due))

	var renewed int
	var countMu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(renewalConcurrency)
	for _, subscription := range due {
		accountID := subscription.AccountID
		g.Go(func() error {
			ok, err := m.renew(gctx, accountID)
			if err != nil {
				m.log.Warnf("Renewal of subscription for account %s failed: %v", accountID, err)
			}
			if ok {
				countMu.Lock()
				renewed++
				countMu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return renewed, nil
}

func (m *Manager) renew(ctx context.Context, accountID string) (bool, error) {
	const op = "subscriptions.renew"
	span, ctx := opentracing.StartSpanFromContext(ctx, "SubscriptionManager.renew")
	defer span.Finish()
	tracing.TagAccount(span, accountID)

	unlock := m.lock(accountID)
	defer unlock()

	subscription, err := m.load(ctx, op, accountID)
	if err != nil || subscription == nil {
		return false, err
	}
	now := m.clock()
	if subscription.ExpiresAt == nil || now.Before(subscription.ExpiresAt.Add(-m.cfg.RenewalMargin)) {
		return false, nil
	}
	switch subscription.State {
	case enum.SubscriptionActive:
		subscription.State = enum.SubscriptionRenewalDue
		if err = m.save(ctx, op, subscription); err != nil {
			return false, err
		}
	case enum.SubscriptionRenewalDue:
	default:
		return false, nil
	}

	if !now.Before(*subscription.ExpiresAt) {
		err = mberrors.SubscriptionExpired(op, "subscription %s lapsed at %s", subscription.NativeID, subscription.ExpiresAt.Format(time.RFC3339))
		tracing.TraceErr(span, err)
		return false, m.expire(ctx, op, subscription, err)
	}
	lifetime := m.cfg.RequestedLifetime
	if lifetime > m.resolver.MaxSubscriptionLifetime(subscription.Backend) {
		err = mberrors.Validation(op, "subscription expiry exceeds backend maximum")
		tracing.TraceErr(span, err)
		return false, m.expire(ctx, op, subscription, err)
	}
	requested := now.Add(lifetime)
	request := dto.SubscriptionRequest{
		NotificationURL: subscription.NotificationURL,
		Secret:          subscription.Secret,
		ExpiresAt:       requested,
	}

	var grant *dto.SubscriptionGrant
	attempts := 0
	err = utils.Retry(ctx, m.cfg.Retry, mberrors.Retryable, func(attempt int) error {
		attempts = attempt
		return m.resolver.Write(ctx, accountID, func(ctx context.Context, adapter interfaces.MailboxAdapter) error {
			var err error
			grant, err = adapter.RenewSubscription(ctx, subscription.NativeID, request)
			return err
		})
	})
	if err != nil {
		tracing.TraceErr(span, err)
		subscription.RenewalAttempts += attempts
		if ctx.Err() != nil || (mberrors.Retryable(err) && attempts < m.cfg.Retry.MaxAttempts) {
			// out of local time, not rejected; the next sweep picks it up again
			subscription.LastError = err.Error()
			if saveErr := m.save(context.WithoutCancel(ctx), op, subscription); saveErr != nil {
				return false, saveErr
			}
			return false, err
		}
		return false, m.expire(ctx, op, subscription, err)
	}

	subscription.State = enum.SubscriptionActive
	expiresAt := grant.ExpiresAt.UTC()
	if expiresAt.Before(requested) {
		m.log.Infof("Subscription %s for account %s granted until %s, shorter than the requested %s",
			subscription.NativeID, accountID, expiresAt.Format(time.RFC3339), requested.Format(time.RFC3339))
	}
	subscription.ExpiresAt = &expiresAt
	subscription.RequestedExpiry = &requested
	subscription.LastRenewedAt = &now
	subscription.RenewalAttempts = 0
	subscription.LastError = ""
	if grant.NativeID != "" {
		subscription.NativeID = grant.NativeID
	}
	if grant.Cursor != "" {
		subscription.Cursor = grant.Cursor
	}
	if err = m.save(ctx, op, subscription); err != nil {
		return false, err
	}
	return true, nil
}

// expire records a failed renewal and returns cause unless the save fails.
func (m *Manager) expire(ctx context.Context, op string, subscription *models.Subscription, cause error) error {
	subscription.State = enum.SubscriptionExpired
	subscription.LastError = cause.Error()
	if err := m.save(context.WithoutCancel(ctx), op, subscription); err != nil {
		return err
	}
	return cause
}

// Unsubscribe revokes the subscription locally whatever the backend says.
func (m *Manager) Unsubscribe(ctx context.Context, accountID string) (*models.Subscription, error) {
	const op = "subscriptions.Unsubscribe"
	span, ctx := opentracing.StartSpanFromContext(ctx, "SubscriptionManager.Unsubscribe")
	defer span.Finish()
	tracing.SetDefaultServiceSpanTags(ctx, span)
	tracing.TagAccount(span, accountID)

	unlock := m.lock(accountID)
	defer unlock()

	subscription, err := m.load(ctx, op, accountID)
	if err != nil {
		tracing.TraceErr(span, err)
		return nil, err
	}
	if subscription == nil {
		return nil, mberrors.NotFound(op, "no subscription for account %s", accountID)
	}
	if subscription.State == enum.SubscriptionRenewalDue {
		subscription.State = enum.SubscriptionActive
	}
	if err = transition(op, subscription, enum.SubscriptionRevoked); err != nil {
		tracing.TraceErr(span, err)
		return nil, err
	}

	if subscription.NativeID != "" {
		err = m.resolver.Write(ctx, accountID, func(ctx context.Context, adapter interfaces.MailboxAdapter) error {
			return adapter.CancelSubscription(ctx, subscription.NativeID)
		})
		if err != nil {
			m.log.Warnf("Backend cancel of subscription %s failed, revoking locally: %v", subscription.NativeID, err)
			subscription.LastError = err.Error()
		}
	}
	if err = m.save(ctx, op, subscription); err != nil {
		tracing.TraceErr(span, err)
		return nil, err
	}
	return subscription, nil
}

// RequireActive fails with SubscriptionExpired unless the subscription is live.
// A subscription being renewed is still registered at the backend and counts.
func (m *Manager) RequireActive(ctx context.Context, accountID string) (*models.Subscription, error) {
	const op = "subscriptions.RequireActive"
	subscription, err := m.load(ctx, op, accountID)
	if err != nil {
		return nil, err
	}
	if subscription == nil {
		return nil, mberrors.SubscriptionExpired(op, "account %s has no subscription", accountID)
	}
	if !IsLive(subscription.State) {
		return nil, mberrors.SubscriptionExpired(op, "subscription for account %s is %s", accountID, subscription.State)
	}
	return subscription, nil
}

func IsLive(state enum.SubscriptionState) bool {
	return state == enum.SubscriptionActive || state == enum.SubscriptionRenewalDue
}

func (m *Manager) Get(ctx context.Context, accountID string) (*models.Subscription, error) {
	const op = "subscriptions.Get"
	subscription, err := m.load(ctx, op, accountID)
	if err != nil {
		return nil, err
	}
	if subscription == nil {
		return nil, mberrors.NotFound(op, "no subscription for account %s", accountID)
	}
	return subscription, nil
}

// FindForNotification looks a subscription up by its native id, or by account
// when the notification carries no native id. Both must agree when both are given.
func (m *Manager) FindForNotification(ctx context.Context, backend enum.BackendKind, nativeID, accountID string) (*models.Subscription, error) {
	const op = "subscriptions.FindForNotification"

	var subscription *models.Subscription
	var err error
	switch {
	case nativeID != "":
		subscription, err = m.repo.GetByNativeID(ctx, backend, nativeID)
	case accountID != "":
		subscription, err = m.repo.GetByAccount(ctx, accountID)
	default:
		return nil, mberrors.Validation(op, "notification names no subscription")
	}
	if err != nil {
		return nil, mberrors.Unavailable(op, err)
	}
	if subscription == nil || subscription.Backend != backend || (accountID != "" && subscription.AccountID != accountID) {
		return nil, mberrors.NotFound(op, "no subscription matches the notification")
	}
	return subscription, nil
}

// AdvanceCursor stores a newer mailbox cursor. Empty cursors are ignored and
// numeric cursors never move backwards.
func (m *Manager) AdvanceCursor(ctx context.Context, accountID, cursor string) error {
	const op = "subscriptions.AdvanceCursor"
	cursor = strings.TrimSpace(cursor)
	if cursor == "" {
		return nil
	}

	unlock := m.lock(accountID)
	defer unlock()

	subscription, err := m.load(ctx, op, accountID)
	if err != nil {
		return err
	}
	if subscription == nil {
		return mberrors.NotFound(op, "no subscription for account %s", accountID)
	}
	if !cursorAfter(cursor, subscription.Cursor) {
		return nil
	}
	subscription.Cursor = cursor
	return m.save(ctx, op, subscription)
}

func cursorAfter(next, current string) bool {
	if current == "" {
		return true
	}
	n, errNext := strconv.ParseUint(next, 10, 64)
	c, errCurrent := strconv.ParseUint(current, 10, 64)
	if errNext != nil || errCurrent != nil {
		return next != current
	}
	return n > c
}
