package outlook

import (
	"net/http"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/customeros/mailbridge/config"
	"github.com/customeros/mailbridge/interfaces"
	"github.com/customeros/mailbridge/internal/enum"
	"github.com/customeros/mailbridge/internal/logger"
)

// MaxSubscriptionLifetime is the Graph limit for message subscriptions.
const MaxSubscriptionLifetime = 4230 * time.Minute

const (
	defaultBaseURL           = "https://graph.microsoft.com/v1.0"
	defaultRequestsPerSecond = 10
	limiterCacheSize         = 4096
)

type Option func(*Backend)

func WithHTTPClient(client *http.Client) Option {
	return func(b *Backend) {
		b.httpClient = client
	}
}

func WithBaseURL(baseURL string) Option {
	return func(b *Backend) {
		b.baseURL = strings.TrimRight(baseURL, "/")
	}
}

type Backend struct {
	cfg        *config.MicrosoftConfig
	log        logger.Logger
	httpClient *http.Client
	baseURL    string
	breaker    *gobreaker.CircuitBreaker
	limiters   *lru.Cache[string, *rate.Limiter]
	rps        int
}

func NewBackend(cfg *config.MicrosoftConfig, log logger.Logger, opts ...Option) *Backend {
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = defaultRequestsPerSecond
	}
	baseURL := strings.TrimRight(cfg.GraphBaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	limiters, _ := lru.New[string, *rate.Limiter](limiterCacheSize)

	b := &Backend{
		cfg:        cfg,
		log:        log,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    baseURL,
		limiters:   limiters,
		rps:        rps,
	}
	b.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "microsoft-graph",
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
	return enum.BackendOutlook
}

func (b *Backend) MaxSubscriptionLifetime() time.Duration {
	return MaxSubscriptionLifetime
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

func (b *Backend) limiterFor(accountID string) *rate.Limiter {
	if limiter, ok := b.limiters.Get(accountID); ok {
		return limiter
	}
	limiter := rate.NewLimiter(rate.Limit(b.rps), b.rps)
	if previous, ok, _ := b.limiters.PeekOrAdd(accountID, limiter); ok {
		return previous
	}
	return limiter
}
