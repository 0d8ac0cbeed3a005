package resolver

import (
	"context"
	"sync"
	"time"

	"github.com/opentracing/opentracing-go"
	"golang.org/x/sync/semaphore"

	"github.com/customeros/mailbridge/interfaces"
	"github.com/customeros/mailbridge/internal/enum"
	mberrors "github.com/customeros/mailbridge/internal/errors"
	"github.com/customeros/mailbridge/internal/logger"
	"github.com/customeros/mailbridge/internal/tracing"
	"github.com/customeros/mailbridge/internal/utils"
)

const (
	DefaultMaxConcurrency = 4
	DefaultRequestTimeout = 30 * time.Second
)

type Config struct {
	MaxConcurrencyPerAccount int64
	RequestTimeout           time.Duration
	Retry                    utils.RetryPolicy
}

// Resolver picks the backend of an account and binds it to a live credential.
// Calls for one account never exceed MaxConcurrencyPerAccount in flight.
type Resolver struct {
	cfg         Config
	log         logger.Logger
	accounts    interfaces.AccountRepository
	credentials interfaces.CredentialManager
	backends    map[enum.BackendKind]interfaces.Backend

	mu    sync.Mutex
	slots map[string]*semaphore.Weighted
}

func NewResolver(cfg Config, log logger.Logger, accounts interfaces.AccountRepository, credentials interfaces.CredentialManager, backends ...interfaces.Backend) *Resolver {
	if cfg.MaxConcurrencyPerAccount <= 0 {
		cfg.MaxConcurrencyPerAccount = DefaultMaxConcurrency
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = utils.DefaultRetryPolicy()
	}
	r := &Resolver{
		cfg:         cfg,
		log:         log,
		accounts:    accounts,
		credentials: credentials,
		backends:    make(map[enum.BackendKind]interfaces.Backend, len(backends)),
		slots:       make(map[string]*semaphore.Weighted),
	}
	for _, b := range backends {
		r.backends[b.Kind()] = b
	}
	return r
}

var _ interfaces.AdapterResolver = (*Resolver)(nil)

func (r *Resolver) backendFor(kind enum.BackendKind) (interfaces.Backend, error) {
	switch kind {
	case enum.BackendGoogleWorkspace, enum.BackendOutlook:
		backend, ok := r.backends[kind]
		if !ok {
			return nil, mberrors.Validation("resolver.backend", "backend %s is not configured", kind)
		}
		return backend, nil
	default:
		return nil, mberrors.Validation("resolver.backend", "unsupported backend %q", kind)
	}
}

func (r *Resolver) BackendOf(ctx context.Context, accountID string) (enum.BackendKind, error) {
	account, err := r.accounts.GetAccount(ctx, accountID)
	if err != nil {
		return "", mberrors.Unavailable("resolver.BackendOf", err)
	}
	if account == nil {
		return "", mberrors.NotFound("resolver.BackendOf", "account %s not found", accountID)
	}
	if _, err = r.backendFor(account.Backend); err != nil {
		return "", err
	}
	return account.Backend, nil
}

func (r *Resolver) Resolve(ctx context.Context, accountID string) (interfaces.MailboxAdapter, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "Resolver.Resolve")
	defer span.Finish()
	tracing.SetDefaultServiceSpanTags(ctx, span)
	tracing.TagAccount(span, accountID)

	kind, err := r.BackendOf(ctx, accountID)
	if err != nil {
		tracing.TraceErr(span, err)
		return nil, err
	}
	tracing.TagBackend(span, kind.String())

	lease, err := r.credentials.AcquireLiveCredential(ctx, accountID)
	if err != nil {
		tracing.TraceErr(span, err)
		return nil, err
	}
	backend, _ := r.backendFor(kind)
	return backend.Bind(*lease), nil
}

// Read runs fn with bounded retries on RateLimited and BackendUnavailable. Each
// attempt resolves again so a refreshed credential is picked up.
func (r *Resolver) Read(ctx context.Context, accountID string, fn func(ctx context.Context, adapter interfaces.MailboxAdapter) error) error {
	return utils.Retry(ctx, r.cfg.Retry, mberrors.Retryable, func(attempt int) error {
		if attempt > 1 {
			r.log.Debugf("Retrying read for account %s, attempt %d", accountID, attempt)
		}
		return r.run(ctx, accountID, fn)
	})
}

// Write runs fn once. Sends and mutations are not idempotent on every backend.
func (r *Resolver) Write(ctx context.Context, accountID string, fn func(ctx context.Context, adapter interfaces.MailboxAdapter) error) error {
	return r.run(ctx, accountID, fn)
}

func (r *Resolver) run(ctx context.Context, accountID string, fn func(ctx context.Context, adapter interfaces.MailboxAdapter) error) error {
	slot := r.slotFor(accountID)
	if err := slot.Acquire(ctx, 1); err != nil {
		return mberrors.Unavailable("resolver.acquire", err)
	}
	defer slot.Release(1)

	callCtx, cancel := context.WithTimeout(ctx, r.cfg.RequestTimeout)
	defer cancel()

	adapter, err := r.Resolve(callCtx, accountID)
	if err != nil {
		return err
	}
	return fn(callCtx, adapter)
}

func (r *Resolver) slotFor(accountID string) *semaphore.Weighted {
	r.mu.Lock()
	defer r.mu.Unlock()
	slot, ok := r.slots[accountID]
	if !ok {
		slot = semaphore.NewWeighted(r.cfg.MaxConcurrencyPerAccount)
		r.slots[accountID] = slot
	}
	return slot
}

func (r *Resolver) MaxSubscriptionLifetime(kind enum.BackendKind) time.Duration {
	backend, err := r.backendFor(kind)
	if err != nil {
		return 0
	}
	return backend.MaxSubscriptionLifetime()
}
