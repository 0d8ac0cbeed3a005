package gmail

import (
	"net/http"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/customeros/mailbridge/config"
	"github.com/customeros/mailbridge/interfaces"
	"github.com/customeros/mailbridge/internal/enum"
	"github.com/customeros/mailbridge/internal/logger"
)

// MaxWatchLifetime is the longest a Gmail watch stays registered.
const MaxWatchLifetime = 7 * 24 * time.Hour

// See https://developers.google.com/gmail/api/reference/quota
const (
	quotaUnitsPerSecond      = 250
	quotaUnitsMessagesList   = 5
	quotaUnitsMessagesGet    = 5
	quotaUnitsMessagesSend   = 100
	quotaUnitsMessagesModify = 5
	quotaUnitsMessagesTrash  = 5
	quotaUnitsLabelsList     = 1
	quotaUnitsLabelsGet      = 1
	quotaUnitsLabelsWrite    = 5
	quotaUnitsThreadsGet     = 10
	quotaUnitsAttachmentsGet = 5
	quotaUnitsWatch          = 100
	quotaUnitsStop           = 50
	quotaUnitsHistoryList    = 2
	quotaUnitsGetProfile     = 1

	limiterCacheSize = 4096
)

type Option func(*Backend)

// WithHTTPClient sets the transport the oauth2 client wraps.
func WithHTTPClient(client *http.Client) Option {
	return func(b *Backend) {
		b.httpClient = client
	}
}

// WithEndpoint points the Gmail client at another base URL.
func WithEndpoint(endpoint string) Option {
	return func(b *Backend) {
		b.endpoint = endpoint
	}
}

// Backend builds Gmail adapters. Quota limiters are per account, the circuit
// breaker is shared by every account.
type Backend struct {
	cfg        *config.GoogleConfig
	log        logger.Logger
	httpClient *http.Client
	endpoint   string
	breaker    *gobreaker.CircuitBreaker
	limiters   *lru.Cache[string, *rate.Limiter]
	quota      int
}

func NewBackend(cfg *config.GoogleConfig, log logger.Logger, opts ...Option) *Backend {
	quota := cfg.QuotaPerSecond
	if quota <= 0 {
		quota = quotaUnitsPerSecond
	}
	limiters, _ := lru.New[string, *rate.Limiter](limiterCacheSize)

	b := &Backend{
		cfg:        cfg,
		log:        log,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		limiters:   limiters,
		quota:      quota,
	}
	b.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "gmail-api",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.ConsecutiveFailures > 5 ||
				(counts.Requests >= 10 && failureRatio >= 0.6)
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !tripsBreaker(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warnf("Circuit breaker %s changed from %s to %s", name, from.String(), to.String())
		},
	})
	for _, opt := range opts {
		opt(b)
	}
	return b
}

var _ interfaces.Backend = (*Backend)(nil)

func (b *Backend) Kind() enum.BackendKind {
	return enum.BackendGoogleWorkspace
}

func (b *Backend) MaxSubscriptionLifetime() time.Duration {
	return MaxWatchLifetime
}

func (b *Backend) Bind(lease interfaces.CredentialLease) interfaces.MailboxAdapter {
	return &Adapter{
		backend: b,
		lease:   lease,
		limiter: b.limiterFor(lease.AccountID),
	}
}

func (b *Backend) BreakerState() string {
	return b.breaker.State().String()
}

// limiterFor keeps 80% of the per user quota as steady rate with the full quota as burst.
func (b *Backend) limiterFor(accountID string) *rate.Limiter {
	if limiter, ok := b.limiters.Get(accountID); ok {
		return limiter
	}
	limiter := rate.NewLimiter(rate.Limit(float64(b.quota)*0.8), b.quota)
	if previous, ok, _ := b.limiters.PeekOrAdd(accountID, limiter); ok {
		return previous
	}
	return limiter
}
