package interfaces

import (
	"context"
	"time"

	"github.com/customeros/mailbridge/dto"
	"github.com/customeros/mailbridge/internal/enum"
)

// CredentialLease is a read only, time boxed view of an account credential.
type CredentialLease struct {
	AccountID   string
	Backend     enum.BackendKind
	AccessToken string
	TokenType   string
	ExpiresAt   time.Time
}

func (l CredentialLease) ValidAt(now time.Time) bool {
	return l.AccessToken != "" && now.Before(l.ExpiresAt)
}

// MailboxAdapter is bound to one account lease and speaks to one backend.
// Every error it returns is a *errors.ProviderError.
type MailboxAdapter interface {
	Kind() enum.BackendKind

	ListMessages(ctx context.Context, query dto.ListQuery) (*dto.MessagePage, error)
	GetMessage(ctx context.Context, messageID string) (*dto.UnifiedMessage, error)
	SendMessage(ctx context.Context, message dto.OutgoingMessage) (*dto.SentMessage, error)
	DeleteMessage(ctx context.Context, messageID string) error
	SetReadState(ctx context.Context, messageID string, read bool) error

	AddToUnit(ctx context.Context, messageID, unitID string) error
	MoveToUnit(ctx context.Context, messageID, unitID string) error
	RemoveFromUnit(ctx context.Context, messageID, unitID string) error

	ListFolders(ctx context.Context) ([]dto.UnifiedFolder, error)
	CreateFolder(ctx context.Context, input dto.FolderInput) (*dto.UnifiedFolder, error)
	UpdateFolder(ctx context.Context, folderID string, input dto.FolderInput) (*dto.UnifiedFolder, error)
	DeleteFolder(ctx context.Context, folderID string) error

	GetThread(ctx context.Context, threadID string) (*dto.UnifiedThread, error)
	Search(ctx context.Context, query dto.ListQuery) (*dto.MessagePage, error)
	GetAttachment(ctx context.Context, messageID, attachmentID string) (*dto.Attachment, error)

	RegisterSubscription(ctx context.Context, request dto.SubscriptionRequest) (*dto.SubscriptionGrant, error)
	RenewSubscription(ctx context.Context, nativeID string, request dto.SubscriptionRequest) (*dto.SubscriptionGrant, error)
	CancelSubscription(ctx context.Context, nativeID string) error
}

// HistoryExpander is implemented by adapters whose notifications only carry a
// mailbox cursor and need a follow up call to learn what changed.
type HistoryExpander interface {
	ListChanges(ctx context.Context, sinceCursor string) (*dto.HistoryPage, error)
}

// UnitLister is implemented by adapters that can list unit names and ids more
// cheaply than ListFolders, which also fills counts.
type UnitLister interface {
	ListUnits(ctx context.Context) ([]dto.UnifiedFolder, error)
}

// Backend creates adapters for one backend kind.
type Backend interface {
	Kind() enum.BackendKind
	Bind(lease CredentialLease) MailboxAdapter
	MaxSubscriptionLifetime() time.Duration
}
