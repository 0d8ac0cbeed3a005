package services

import (
	"github.com/customeros/mailbridge/config"
	"github.com/customeros/mailbridge/interfaces"
	"github.com/customeros/mailbridge/internal/enum"
	"github.com/customeros/mailbridge/internal/logger"
	"github.com/customeros/mailbridge/internal/repository"
	"github.com/customeros/mailbridge/internal/utils"
	"github.com/customeros/mailbridge/services/credentials"
	"github.com/customeros/mailbridge/services/dispatcher"
	"github.com/customeros/mailbridge/services/events"
	"github.com/customeros/mailbridge/services/mailbox"
	"github.com/customeros/mailbridge/services/providers/gmail"
	"github.com/customeros/mailbridge/services/providers/outlook"
	"github.com/customeros/mailbridge/services/resolver"
	"github.com/customeros/mailbridge/services/storage"
	"github.com/customeros/mailbridge/services/subscriptions"
)

type Services struct {
	Credentials   *credentials.Manager
	Resolver      *resolver.Resolver
	Subscriptions *subscriptions.Manager
	Dispatcher    *dispatcher.Dispatcher
	Mailbox       interfaces.MailboxService
	Publisher     interfaces.EventPublisher
	Storage       interfaces.StorageService
}

func InitServices(cfg *config.Config, log logger.Logger, repos *repository.Repositories) (*Services, error) {
	clock := utils.SystemClock

	credentialManager := credentials.NewManager(credentials.Config{
		RefreshMargin: cfg.CredentialsConfig.RefreshMargin,
		Retry: utils.RetryPolicy{
			MaxAttempts: cfg.CredentialsConfig.RefreshMaxAttempts,
			MinBackoff:  cfg.CredentialsConfig.RefreshMinBackoff,
			MaxBackoff:  cfg.CredentialsConfig.RefreshMaxBackoff,
			Factor:      2,
			Jitter:      true,
		},
	}, log, repos.AccountRepository, repos.CredentialRepository,
		credentials.NewOAuthRefresher(cfg.GoogleConfig, cfg.MicrosoftConfig), clock)

	readRetry := utils.DefaultRetryPolicy()
	if cfg.ResolverConfig.ReadMaxAttempts > 0 {
		readRetry.MaxAttempts = cfg.ResolverConfig.ReadMaxAttempts
	}
	adapterResolver := resolver.NewResolver(resolver.Config{
		MaxConcurrencyPerAccount: cfg.ResolverConfig.MaxConcurrencyPerAccount,
		RequestTimeout:           cfg.ResolverConfig.RequestTimeout,
		Retry:                    readRetry,
	}, log, repos.AccountRepository, credentialManager,
		gmail.NewBackend(cfg.GoogleConfig, log),
		outlook.NewBackend(cfg.MicrosoftConfig, log),
	)

	subscriptionManager := subscriptions.NewManager(subscriptions.Config{
		RenewalMargin:     cfg.SubscriptionConfig.RenewalMargin,
		RequestedLifetime: cfg.SubscriptionConfig.RequestedLifetime,
		NotificationURLs: map[enum.BackendKind]string{
			enum.BackendOutlook:         cfg.AppConfig.PublicURL + "/webhooks/outlook",
			enum.BackendGoogleWorkspace: cfg.AppConfig.PublicURL + "/webhooks/gmail",
		},
		Retry: utils.RetryPolicy{
			MaxAttempts: cfg.SubscriptionConfig.RenewalMaxAttempts,
			MinBackoff:  cfg.SubscriptionConfig.RenewalMinBackoff,
			MaxBackoff:  cfg.SubscriptionConfig.RenewalMaxBackoff,
			Factor:      2,
			Jitter:      true,
		},
	}, log, repos.SubscriptionRepository, adapterResolver, clock)

	changeDispatcher := dispatcher.NewDispatcher(dispatcher.Config{
		DedupWindow:    cfg.DispatcherConfig.DedupWindow,
		DedupCacheSize: cfg.DispatcherConfig.DedupCacheSize,
	}, log, subscriptionManager, repos.NotificationRepository, adapterResolver, clock)

	var publisher interfaces.EventPublisher
	if cfg.DispatcherConfig.PublishEvents && cfg.AppConfig.RabbitMQURL != "" {
		rabbit, err := events.NewRabbitMQPublisher(cfg.AppConfig.RabbitMQURL, log, events.DefaultPublisherConfig())
		if err != nil {
			return nil, err
		}
		publisher = rabbit
		changeDispatcher.RegisterConsumer(events.NewPublishingConsumer(publisher, log))
	} else {
		log.Warn("No message broker configured, change events are only logged")
		changeDispatcher.RegisterConsumer(events.NewLoggingConsumer(log))
	}

	var objectStorage interfaces.StorageService
	if cfg.R2StorageConfig.Enabled {
		objectStorage = storage.NewR2StorageService(
			cfg.R2StorageConfig.AccountID,
			cfg.R2StorageConfig.AccessKeyID,
			cfg.R2StorageConfig.AccessKeySecret,
			cfg.R2StorageConfig.EmailAttachmentBucket,
		)
	} else {
		objectStorage = storage.NewMemoryStorage()
	}

	return &Services{
		Credentials:   credentialManager,
		Resolver:      adapterResolver,
		Subscriptions: subscriptionManager,
		Dispatcher:    changeDispatcher,
		Mailbox:       mailbox.NewMailboxService(log, repos.AccountRepository, adapterResolver, subscriptionManager, objectStorage),
		Publisher:     publisher,
		Storage:       objectStorage,
	}, nil
}

func (s *Services) Close() error {
	if s.Publisher != nil {
		return s.Publisher.Close()
	}
	return nil
}
