package config

import (
	"time"
)

type AppConfig struct {
	APIPort         string        `env:"PORT,required" envDefault:"12222"`
	APIKey          string        `env:"API_KEY,required"`
	PublicURL       string        `env:"PUBLIC_URL" envDefault:"http://localhost:12222"`
	RabbitMQURL     string        `env:"RABBITMQ_URL"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"15s"`
}

type DatabaseConfig struct {
	Host            string `env:"MAILBRIDGE_POSTGRES_HOST,required"`
	Port            string `env:"MAILBRIDGE_POSTGRES_PORT,required"`
	User            string `env:"MAILBRIDGE_POSTGRES_USER,required"`
	DBName          string `env:"MAILBRIDGE_POSTGRES_DB_NAME,required"`
	Password        string `env:"MAILBRIDGE_POSTGRES_PASSWORD,required"`
	MaxConn         int    `env:"MAILBRIDGE_POSTGRES_DB_MAX_CONN" envDefault:"25"`
	MaxIdleConn     int    `env:"MAILBRIDGE_POSTGRES_DB_MAX_IDLE_CONN" envDefault:"10"`
	ConnMaxLifetime int    `env:"MAILBRIDGE_POSTGRES_DB_CONN_MAX_LIFETIME" envDefault:"60"`
	LogLevel        string `env:"MAILBRIDGE_POSTGRES_LOG_LEVEL" envDefault:"WARN"`
	SSLMode         string `env:"MAILBRIDGE_POSTGRES_SSL_MODE" envDefault:"require"`
}

type R2StorageConfig struct {
	Enabled               bool   `env:"CLOUDFLARE_R2_ENABLED" envDefault:"false"`
	AccountID             string `env:"CLOUDFLARE_R2_ACCOUNT_ID"`
	AccessKeyID           string `env:"CLOUDFLARE_R2_ACCESS_KEY_ID"`
	AccessKeySecret       string `env:"CLOUDFLARE_R2_ACCESS_KEY_SECRET"`
	EmailAttachmentBucket string `env:"BUCKET_NAME_EMAIL_ATTACHMENT" envDefault:"attachments"`
}

type GoogleConfig struct {
	ClientID       string `env:"GOOGLE_OAUTH_CLIENT_ID"`
	ClientSecret   string `env:"GOOGLE_OAUTH_CLIENT_SECRET"`
	PubSubTopic    string `env:"GOOGLE_PUBSUB_TOPIC"`
	PushToken      string `env:"GOOGLE_PUBSUB_PUSH_TOKEN"`
	QuotaPerSecond int    `env:"GOOGLE_GMAIL_QUOTA_UNITS_PER_SECOND" envDefault:"250"`
}

type MicrosoftConfig struct {
	ClientID          string `env:"MICROSOFT_OAUTH_CLIENT_ID"`
	ClientSecret      string `env:"MICROSOFT_OAUTH_CLIENT_SECRET"`
	TenantID          string `env:"MICROSOFT_TENANT_ID" envDefault:"common"`
	GraphBaseURL      string `env:"MICROSOFT_GRAPH_BASE_URL" envDefault:"https://graph.microsoft.com/v1.0"`
	RequestsPerSecond int    `env:"MICROSOFT_GRAPH_REQUESTS_PER_SECOND" envDefault:"10"`
}

type CredentialsConfig struct {
	RefreshMargin      time.Duration `env:"CREDENTIAL_REFRESH_MARGIN" envDefault:"2m"`
	RefreshMaxAttempts int           `env:"CREDENTIAL_REFRESH_MAX_ATTEMPTS" envDefault:"4"`
	RefreshMinBackoff  time.Duration `env:"CREDENTIAL_REFRESH_MIN_BACKOFF" envDefault:"500ms"`
	RefreshMaxBackoff  time.Duration `env:"CREDENTIAL_REFRESH_MAX_BACKOFF" envDefault:"10s"`
}

type SubscriptionConfig struct {
	RenewalMargin      time.Duration `env:"SUBSCRIPTION_RENEWAL_MARGIN" envDefault:"30m"`
	RequestedLifetime  time.Duration `env:"SUBSCRIPTION_REQUESTED_LIFETIME" envDefault:"48h"`
	RenewalMaxAttempts int           `env:"SUBSCRIPTION_RENEWAL_MAX_ATTEMPTS" envDefault:"3"`
	RenewalMinBackoff  time.Duration `env:"SUBSCRIPTION_RENEWAL_MIN_BACKOFF" envDefault:"1s"`
	RenewalMaxBackoff  time.Duration `env:"SUBSCRIPTION_RENEWAL_MAX_BACKOFF" envDefault:"30s"`
}

type DispatcherConfig struct {
	DedupWindow    time.Duration `env:"DISPATCHER_DEDUP_WINDOW" envDefault:"24h"`
	DedupCacheSize int           `env:"DISPATCHER_DEDUP_CACHE_SIZE" envDefault:"10000"`
	PublishEvents  bool          `env:"DISPATCHER_PUBLISH_EVENTS" envDefault:"true"`
}

type ResolverConfig struct {
	MaxConcurrencyPerAccount int64         `env:"RESOLVER_MAX_CONCURRENCY_PER_ACCOUNT" envDefault:"4"`
	ReadMaxAttempts          int           `env:"RESOLVER_READ_MAX_ATTEMPTS" envDefault:"4"`
	RequestTimeout           time.Duration `env:"RESOLVER_REQUEST_TIMEOUT" envDefault:"30s"`
}

type CronConfig struct {
	// every minute
	CronScheduleHeartbeat string `env:"CRON_SCHEDULE_HEARTBEAT" envDefault:"0 * * * * *"`
	// every five minutes
	CronScheduleSubscriptionRenewal string `env:"CRON_SCHEDULE_SUBSCRIPTION_RENEWAL" envDefault:"0 */5 * * * *"`
	// hourly
	CronScheduleReceiptPrune string `env:"CRON_SCHEDULE_RECEIPT_PRUNE" envDefault:"0 30 * * * *"`
	LeaseName                string `env:"CRON_LEADER_LEASE_NAME" envDefault:"mailbridge-cron-leader"`
	PodName                  string `env:"POD_NAME" envDefault:"local"`
	Namespace                string `env:"POD_NAMESPACE" envDefault:"default"`
	LocalMode                bool   `env:"LOCAL_DEV" envDefault:"false"`
}
