// Package memory holds map backed repositories used by tests and local runs.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/customeros/mailbridge/interfaces"
	"github.com/customeros/mailbridge/internal/enum"
	"github.com/customeros/mailbridge/internal/models"
	"github.com/customeros/mailbridge/internal/utils"
)

type AccountRepository struct {
	mu       sync.RWMutex
	accounts map[string]models.Account
}

func NewAccountRepository(accounts ...models.Account) *AccountRepository {
	r := &AccountRepository{accounts: make(map[string]models.Account)}
	for _, a := range accounts {
		r.accounts[a.ID] = a
	}
	return r
}

var _ interfaces.AccountRepository = (*AccountRepository)(nil)

func (r *AccountRepository) GetAccount(_ context.Context, id string) (*models.Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.accounts[id]
	if !ok {
		return nil, nil
	}
	return &a, nil
}

func (r *AccountRepository) GetAccountByEmail(_ context.Context, backend enum.BackendKind, emailAddress string) (*models.Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, a := range r.accounts {
		if a.Backend == backend && strings.EqualFold(a.EmailAddress, emailAddress) {
			found := a
			return &found, nil
		}
	}
	return nil, nil
}

func (r *AccountRepository) ListAccounts(_ context.Context) ([]*models.Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*models.Account, 0, len(r.accounts))
	for _, a := range r.accounts {
		found := a
		out = append(out, &found)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *AccountRepository) SaveAccount(_ context.Context, account *models.Account) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if account.ID == "" {
		account.ID = utils.GenerateNanoIDWithPrefix("acct", 16)
	}
	r.accounts[account.ID] = *account
	return nil
}

type CredentialRepository struct {
	mu          sync.RWMutex
	credentials map[string]models.Credential
	Replaced    int
}

func NewCredentialRepository() *CredentialRepository {
	return &CredentialRepository{credentials: make(map[string]models.Credential)}
}

var _ interfaces.CredentialRepository = (*CredentialRepository)(nil)

func (r *CredentialRepository) GetCredential(_ context.Context, accountID string) (*models.Credential, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.credentials[accountID]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (r *CredentialRepository) ReplaceCredential(_ context.Context, credential *models.Credential) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.credentials[credential.AccountID]; ok {
		credential.ID = existing.ID
		credential.CreatedAt = existing.CreatedAt
	}
	if credential.ID == "" {
		credential.ID = utils.GenerateNanoIDWithPrefix("cred", 16)
	}
	r.credentials[credential.AccountID] = *credential
	r.Replaced++
	return nil
}

func (r *CredentialRepository) MarkRevoked(_ context.Context, accountID, reason string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.credentials[accountID]
	if !ok {
		return nil
	}
	c.Revoked = true
	c.RevokedAt = &at
	c.RevokedReason = reason
	r.credentials[accountID] = c
	return nil
}

type SubscriptionRepository struct {
	mu            sync.RWMutex
	subscriptions map[string]models.Subscription
}

func NewSubscriptionRepository() *SubscriptionRepository {
	return &SubscriptionRepository{subscriptions: make(map[string]models.Subscription)}
}

var _ interfaces.SubscriptionRepository = (*SubscriptionRepository)(nil)

func (r *SubscriptionRepository) GetByAccount(_ context.Context, accountID string) (*models.Subscription, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.subscriptions[accountID]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func (r *SubscriptionRepository) GetByNativeID(_ context.Context, backend enum.BackendKind, nativeID string) (*models.Subscription, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.subscriptions {
		if s.Backend == backend && s.NativeID == nativeID {
			found := s
			return &found, nil
		}
	}
	return nil, nil
}

func (r *SubscriptionRepository) ListByState(_ context.Context, states ...enum.SubscriptionState) ([]*models.Subscription, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*models.Subscription
	for _, s := range r.subscriptions {
		if len(states) == 0 || containsState(states, s.State) {
			found := s
			out = append(out, &found)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AccountID < out[j].AccountID })
	return out, nil
}

func (r *SubscriptionRepository) ListExpiringBefore(_ context.Context, before time.Time) ([]*models.Subscription, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*models.Subscription
	for _, s := range r.subscriptions {
		if s.ExpiresAt == nil || s.ExpiresAt.After(before) {
			continue
		}
		if s.State == enum.SubscriptionActive || s.State == enum.SubscriptionRenewalDue {
			found := s
			out = append(out, &found)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(*out[j].ExpiresAt) })
	return out, nil
}

func (r *SubscriptionRepository) Save(_ context.Context, subscription *models.Subscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if subscription.ID == "" {
		subscription.ID = utils.GenerateNanoIDWithPrefix("subs", 16)
	}
	r.subscriptions[subscription.AccountID] = *subscription
	return nil
}

func containsState(states []enum.SubscriptionState, state enum.SubscriptionState) bool {
	for _, s := range states {
		if s == state {
			return true
		}
	}
	return false
}

type NotificationRepository struct {
	mu        sync.Mutex
	receipts  map[string]models.NotificationReceipt
	sequences map[string]int64
}

func NewNotificationRepository() *NotificationRepository {
	return &NotificationRepository{
		receipts:  make(map[string]models.NotificationReceipt),
		sequences: make(map[string]int64),
	}
}

var _ interfaces.NotificationRepository = (*NotificationRepository)(nil)

func receiptKey(accountID, notificationID string) string {
	return accountID + "\x00" + notificationID
}

func (r *NotificationRepository) HasReceipt(_ context.Context, accountID, notificationID string, since time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	receipt, ok := r.receipts[receiptKey(accountID, notificationID)]
	return ok && !receipt.ReceivedAt.Before(since), nil
}

func (r *NotificationRepository) SaveReceipt(_ context.Context, receipt *models.NotificationReceipt) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.receipts[receiptKey(receipt.AccountID, receipt.NotificationID)] = *receipt
	return nil
}

func (r *NotificationRepository) ReserveSequence(_ context.Context, accountID string, n int64) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	first := r.sequences[accountID] + 1
	r.sequences[accountID] += n
	return first, nil
}

func (r *NotificationRepository) PruneReceipts(_ context.Context, before time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var pruned int64
	for key, receipt := range r.receipts {
		if receipt.ReceivedAt.Before(before) {
			delete(r.receipts, key)
			pruned++
		}
	}
	return pruned, nil
}
