package credentials

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/opentracing/opentracing-go"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/customeros/mailbridge/interfaces"
	mberrors "github.com/customeros/mailbridge/internal/errors"
	"github.com/customeros/mailbridge/internal/logger"
	"github.com/customeros/mailbridge/internal/models"
	"github.com/customeros/mailbridge/internal/tracing"
	"github.com/customeros/mailbridge/internal/utils"
)

const (
	DefaultRefreshMargin  = 2 * time.Minute
	DefaultRefreshTimeout = 30 * time.Second
	// defaultTokenLifetime is assumed when the token endpoint omits expires_in
	defaultTokenLifetime = time.Hour
)

type Config struct {
	RefreshMargin  time.Duration
	RefreshTimeout time.Duration
	Retry          utils.RetryPolicy
}

// Manager owns every credential mutation. Refreshes are single flight per account.
type Manager struct {
	cfg         Config
	log         logger.Logger
	accounts    interfaces.AccountRepository
	credentials interfaces.CredentialRepository
	refresher   Refresher
	clock       utils.Clock
	group       singleflight.Group

	successes atomic.Int64
	failures  atomic.Int64
	revoked   atomic.Int64
}

func NewManager(cfg Config, log logger.Logger, accounts interfaces.AccountRepository, credentials interfaces.CredentialRepository, refresher Refresher, clock utils.Clock) *Manager {
	if cfg.RefreshMargin <= 0 {
		cfg.RefreshMargin = DefaultRefreshMargin
	}
	if cfg.RefreshTimeout <= 0 {
		cfg.RefreshTimeout = DefaultRefreshTimeout
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = utils.DefaultRetryPolicy()
	}
	if clock == nil {
		clock = utils.SystemClock
	}
	return &Manager{
		cfg:         cfg,
		log:         log,
		accounts:    accounts,
		credentials: credentials,
		refresher:   refresher,
		clock:       clock,
	}
}

var _ interfaces.CredentialManager = (*Manager)(nil)

// AcquireLiveCredential returns a lease valid for at least the refresh margin,
// refreshing first when needed.
func (m *Manager) AcquireLiveCredential(ctx context.Context, accountID string) (*interfaces.CredentialLease, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "CredentialManager.AcquireLiveCredential")
	defer span.Finish()
	tracing.SetDefaultServiceSpanTags(ctx, span)
	tracing.TagAccount(span, accountID)

	credential, err := m.loadUsable(ctx, accountID)
	if err != nil {
		tracing.TraceErr(span, err)
		return nil, err
	}
	if m.fresh(credential) {
		span.LogKV("refreshed", false)
		return leaseOf(credential), nil
	}

	resultCh := m.group.DoChan(accountID, func() (interface{}, error) {
		refreshCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.RefreshTimeout)
		defer cancel()
		return m.refresh(refreshCtx, accountID)
	})

	select {
	case <-ctx.Done():
		err = mberrors.Unavailable("credentials.AcquireLiveCredential", ctx.Err())
		tracing.TraceErr(span, err)
		return nil, err
	case result := <-resultCh:
		if result.Err != nil {
			tracing.TraceErr(span, result.Err)
			return nil, result.Err
		}
		span.LogKV("refreshed", true, "shared", result.Shared)
		return leaseOf(result.Val.(*models.Credential)), nil
	}
}

func (m *Manager) loadUsable(ctx context.Context, accountID string) (*models.Credential, error) {
	credential, err := m.credentials.GetCredential(ctx, accountID)
	if err != nil {
		return nil, mberrors.Unavailable("credentials.load", err)
	}
	if credential == nil {
		return nil, mberrors.AuthExpired("credentials.load", "no credential stored for account %s", accountID)
	}
	if credential.Revoked {
		return nil, mberrors.AuthExpired("credentials.load", "credential for account %s is revoked", accountID)
	}
	return credential, nil
}

func (m *Manager) fresh(credential *models.Credential) bool {
	return credential.ExpiresAt.After(m.clock().Add(m.cfg.RefreshMargin))
}

// refresh runs inside the single flight for the account.
func (m *Manager) refresh(ctx context.Context, accountID string) (*models.Credential, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "CredentialManager.refresh")
	defer span.Finish()
	tracing.SetDefaultServiceSpanTags(ctx, span)
	tracing.TagAccount(span, accountID)

	// A flight that finished just before this one started may already have renewed it.
	current, err := m.loadUsable(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if m.fresh(current) {
		return current, nil
	}

	var token *oauth2.Token
	err = utils.Retry(ctx, m.cfg.Retry, mberrors.Retryable, func(attempt int) error {
		var refreshErr error
		token, refreshErr = m.refresher.Refresh(ctx, current.Backend, current.RefreshToken)
		if refreshErr != nil {
			m.log.Warnf("Credential refresh attempt %d for account %s failed: %v", attempt, accountID, refreshErr)
		}
		return refreshErr
	})
	if err != nil {
		m.failures.Add(1)
		tracing.TraceErr(span, err)
		if mberrors.KindOf(err) == mberrors.KindAuthExpired {
			m.markRevoked(ctx, accountID, err)
			return nil, mberrors.New(mberrors.KindAuthExpired, "credentials.refresh", "re-authorization required", err)
		}
		return nil, mberrors.New(mberrors.KindBackendUnavailable, "credentials.refresh", "refresh failed after retries", err)
	}

	now := m.clock()
	replacement := &models.Credential{
		AccountID:       accountID,
		Backend:         current.Backend,
		AccessToken:     token.AccessToken,
		RefreshToken:    token.RefreshToken,
		TokenType:       token.TokenType,
		Scopes:          current.Scopes,
		ExpiresAt:       token.Expiry.UTC(),
		LastRefreshedAt: &now,
	}
	if replacement.RefreshToken == "" {
		replacement.RefreshToken = current.RefreshToken
	}
	if token.Expiry.IsZero() {
		replacement.ExpiresAt = now.Add(defaultTokenLifetime)
	}

	if err = m.credentials.ReplaceCredential(ctx, replacement); err != nil {
		m.failures.Add(1)
		tracing.TraceErr(span, err)
		return nil, mberrors.Unavailable("credentials.persist", err)
	}

	m.successes.Add(1)
	m.log.Infof("Refreshed credential for account %s, expires at %s", accountID, replacement.ExpiresAt.Format(time.RFC3339))
	return replacement, nil
}

func (m *Manager) markRevoked(ctx context.Context, accountID string, cause error) {
	m.revoked.Add(1)
	if err := m.credentials.MarkRevoked(ctx, accountID, cause.Error(), m.clock()); err != nil {
		m.log.Errorf("Failed to mark credential for account %s revoked: %v", accountID, err)
		return
	}
	m.log.Warnf("Credential for account %s revoked by backend: %v", accountID, cause)
}

// StoreCredential records already issued tokens, replacing any previous credential.
func (m *Manager) StoreCredential(ctx context.Context, input interfaces.NewCredential) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "CredentialManager.StoreCredential")
	defer span.Finish()
	tracing.SetDefaultServiceSpanTags(ctx, span)
	tracing.TagAccount(span, input.AccountID)

	if input.AccountID == "" || input.AccessToken == "" {
		return mberrors.Validation("credentials.StoreCredential", "account id and access token are required")
	}
	if input.ExpiresAt.IsZero() {
		return mberrors.Validation("credentials.StoreCredential", "expiry is required")
	}

	account, err := m.accounts.GetAccount(ctx, input.AccountID)
	if err != nil {
		tracing.TraceErr(span, err)
		return mberrors.Unavailable("credentials.StoreCredential", err)
	}
	if account == nil {
		return mberrors.NotFound("credentials.StoreCredential", "account %s not found", input.AccountID)
	}

	err = m.credentials.ReplaceCredential(ctx, &models.Credential{
		AccountID:    input.AccountID,
		Backend:      account.Backend,
		AccessToken:  input.AccessToken,
		RefreshToken: input.RefreshToken,
		TokenType:    input.TokenType,
		Scopes:       input.Scopes,
		ExpiresAt:    input.ExpiresAt.UTC(),
	})
	if err != nil {
		tracing.TraceErr(span, err)
		return mberrors.Unavailable("credentials.StoreCredential", err)
	}
	return nil
}

func (m *Manager) RevokeCredential(ctx context.Context, accountID, reason string) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "CredentialManager.RevokeCredential")
	defer span.Finish()
	tracing.SetDefaultServiceSpanTags(ctx, span)
	tracing.TagAccount(span, accountID)

	if err := m.credentials.MarkRevoked(ctx, accountID, reason, m.clock()); err != nil {
		tracing.TraceErr(span, err)
		return mberrors.Unavailable("credentials.RevokeCredential", err)
	}
	return nil
}

func (m *Manager) Stats() interfaces.RefreshStats {
	return interfaces.RefreshStats{
		Successes: m.successes.Load(),
		Failures:  m.failures.Load(),
		Revoked:   m.revoked.Load(),
	}
}

func leaseOf(credential *models.Credential) *interfaces.CredentialLease {
	return &interfaces.CredentialLease{
		AccountID:   credential.AccountID,
		Backend:     credential.Backend,
		AccessToken: credential.AccessToken,
		TokenType:   credential.TokenType,
		ExpiresAt:   credential.ExpiresAt,
	}
}
