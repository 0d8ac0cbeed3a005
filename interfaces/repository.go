package interfaces

import (
	"context"
	"time"

	"github.com/customeros/mailbridge/internal/enum"
	"github.com/customeros/mailbridge/internal/models"
)

type AccountRepository interface {
	GetAccount(ctx context.Context, id string) (*models.Account, error)
	GetAccountByEmail(ctx context.Context, backend enum.BackendKind, emailAddress string) (*models.Account, error)
	ListAccounts(ctx context.Context) ([]*models.Account, error)
	SaveAccount(ctx context.Context, account *models.Account) error
}

type CredentialRepository interface {
	GetCredential(ctx context.Context, accountID string) (*models.Credential, error)
	// ReplaceCredential swaps the stored credential for the given one in a single transaction.
	ReplaceCredential(ctx context.Context, credential *models.Credential) error
	MarkRevoked(ctx context.Context, accountID, reason string, at time.Time) error
}

type SubscriptionRepository interface {
	GetByAccount(ctx context.Context, accountID string) (*models.Subscription, error)
	GetByNativeID(ctx context.Context, backend enum.BackendKind, nativeID string) (*models.Subscription, error)
	ListByState(ctx context.Context, states ...enum.SubscriptionState) ([]*models.Subscription, error)
	ListExpiringBefore(ctx context.Context, before time.Time) ([]*models.Subscription, error)
	Save(ctx context.Context, subscription *models.Subscription) error
}

type NotificationRepository interface {
	HasReceipt(ctx context.Context, accountID, notificationID string, since time.Time) (bool, error)
	SaveReceipt(ctx context.Context, receipt *models.NotificationReceipt) error
	// ReserveSequence reserves n consecutive sequence numbers and returns the first.
	ReserveSequence(ctx context.Context, accountID string, n int64) (int64, error)
	PruneReceipts(ctx context.Context, before time.Time) (int64, error)
}
