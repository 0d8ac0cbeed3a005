package interfaces

import (
	"context"
	"time"

	"github.com/customeros/mailbridge/dto"
	"github.com/customeros/mailbridge/internal/enum"
	"github.com/customeros/mailbridge/internal/models"
)

type NewCredential struct {
	AccountID    string
	AccessToken  string
	RefreshToken string
	TokenType    string
	Scopes       []string
	ExpiresAt    time.Time
}

type RefreshStats struct {
	Successes int64 `json:"successes"`
	Failures  int64 `json:"failures"`
	Revoked   int64 `json:"revoked"`
}

type CredentialManager interface {
	AcquireLiveCredential(ctx context.Context, accountID string) (*CredentialLease, error)
	StoreCredential(ctx context.Context, input NewCredential) error
	RevokeCredential(ctx context.Context, accountID, reason string) error
	Stats() RefreshStats
}

type AdapterResolver interface {
	// Resolve binds the account's backend adapter to a live credential.
	Resolve(ctx context.Context, accountID string) (MailboxAdapter, error)
	// Read runs a retryable operation under the per account concurrency cap.
	Read(ctx context.Context, accountID string, fn func(ctx context.Context, adapter MailboxAdapter) error) error
	// Write runs a non idempotent operation under the cap without retries.
	Write(ctx context.Context, accountID string, fn func(ctx context.Context, adapter MailboxAdapter) error) error
	BackendOf(ctx context.Context, accountID string) (enum.BackendKind, error)
	MaxSubscriptionLifetime(kind enum.BackendKind) time.Duration
}

type SubscriptionManager interface {
	Subscribe(ctx context.Context, accountID string, lifetime time.Duration) (*models.Subscription, error)
	Unsubscribe(ctx context.Context, accountID string) (*models.Subscription, error)
	RenewDue(ctx context.Context) (int, error)
	RequireActive(ctx context.Context, accountID string) (*models.Subscription, error)
	Get(ctx context.Context, accountID string) (*models.Subscription, error)
	// FindForNotification returns a copy of the subscription a notification claims to belong to.
	FindForNotification(ctx context.Context, backend enum.BackendKind, nativeID, accountID string) (*models.Subscription, error)
	AdvanceCursor(ctx context.Context, accountID, cursor string) error
}

type ChangeConsumer interface {
	Name() string
	Consume(ctx context.Context, event dto.ChangeEvent) error
}

type ChangeDispatcher interface {
	Dispatch(ctx context.Context, notifications []dto.InboundNotification) DispatchResult
	RegisterConsumer(consumer ChangeConsumer)
	PruneReceipts(ctx context.Context) (int64, error)
}

type DispatchResult struct {
	Accepted   int `json:"accepted"`
	Duplicates int `json:"duplicates"`
	Rejected   int `json:"rejected"`
	Events     int `json:"events"`
}

type EventPublisher interface {
	PublishChangeEvent(ctx context.Context, event dto.ChangeEvent) error
	Close() error
}

type StorageService interface {
	Upload(ctx context.Context, key string, data []byte, contentType string) error
	Download(ctx context.Context, key string) ([]byte, error)
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
}

// MailboxService is the unified operation contract over every backend.
type MailboxService interface {
	ListMessages(ctx context.Context, accountID string, request dto.ListRequest) (*dto.MessageList, error)
	GetMessage(ctx context.Context, accountID, messageID string) (*dto.UnifiedMessage, error)
	SendMessage(ctx context.Context, accountID string, message dto.OutgoingMessage) (*dto.SentMessage, error)
	DeleteMessage(ctx context.Context, accountID, messageID string) error
	SetReadState(ctx context.Context, accountID, messageID string, read bool) error
	AssignUnit(ctx context.Context, accountID, messageID, unit string) (*dto.UnifiedMessage, error)
	RemoveUnit(ctx context.Context, accountID, messageID, unit string) (*dto.UnifiedMessage, error)
	ListFolders(ctx context.Context, accountID string) ([]dto.UnifiedFolder, error)
	CreateFolder(ctx context.Context, accountID string, input dto.FolderInput) (*dto.UnifiedFolder, error)
	UpdateFolder(ctx context.Context, accountID, folder string, input dto.FolderInput) (*dto.UnifiedFolder, error)
	DeleteFolder(ctx context.Context, accountID, folder string) error
	GetThread(ctx context.Context, accountID, threadID string) (*dto.UnifiedThread, error)
	Search(ctx context.Context, accountID string, request dto.ListRequest) (*dto.MessageList, error)
	GetAttachment(ctx context.Context, accountID, messageID, attachmentID string) (*dto.Attachment, error)
	Subscribe(ctx context.Context, accountID string, lifetime time.Duration) (*models.Subscription, error)
	Unsubscribe(ctx context.Context, accountID string) (*models.Subscription, error)
}
