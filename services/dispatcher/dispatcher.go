package dispatcher

import (
	"context"
	"crypto/subtle"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/opentracing/opentracing-go"

	"github.com/customeros/mailbridge/dto"
	"github.com/customeros/mailbridge/interfaces"
	"github.com/customeros/mailbridge/internal/enum"
	mberrors "github.com/customeros/mailbridge/internal/errors"
	"github.com/customeros/mailbridge/internal/logger"
	"github.com/customeros/mailbridge/internal/models"
	"github.com/customeros/mailbridge/internal/tracing"
	"github.com/customeros/mailbridge/internal/utils"
)

const (
	DefaultDedupWindow    = 24 * time.Hour
	DefaultDedupCacheSize = 10000
)

type Config struct {
	DedupWindow    time.Duration
	DedupCacheSize int
}

// Dispatcher turns raw webhook notifications into ordered change events. Work
// for one account runs under that account's lock so sequence numbers are
// delivered in order.
type Dispatcher struct {
	cfg           Config
	log           logger.Logger
	subscriptions interfaces.SubscriptionManager
	notifications interfaces.NotificationRepository
	resolver      interfaces.AdapterResolver
	clock         utils.Clock
	seen          *expirable.LRU[string, struct{}]

	consumersMu sync.RWMutex
	consumers   []interfaces.ChangeConsumer

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

func NewDispatcher(cfg Config, log logger.Logger, subscriptions interfaces.SubscriptionManager, notifications interfaces.NotificationRepository, resolver interfaces.AdapterResolver, clock utils.Clock) *Dispatcher {
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = DefaultDedupWindow
	}
	if cfg.DedupCacheSize <= 0 {
		cfg.DedupCacheSize = DefaultDedupCacheSize
	}
	if clock == nil {
		clock = utils.SystemClock
	}
	return &Dispatcher{
		cfg:           cfg,
		log:           log,
		subscriptions: subscriptions,
		notifications: notifications,
		resolver:      resolver,
		clock:         clock,
		seen:          expirable.NewLRU[string, struct{}](cfg.DedupCacheSize, nil, cfg.DedupWindow),
		locks:         make(map[string]*sync.Mutex),
	}
}

var _ interfaces.ChangeDispatcher = (*Dispatcher)(nil)

func (d *Dispatcher) RegisterConsumer(consumer interfaces.ChangeConsumer) {
	d.consumersMu.Lock()
	defer d.consumersMu.Unlock()
	d.consumers = append(d.consumers, consumer)
}

func (d *Dispatcher) lock(accountID string) func() {
	d.locksMu.Lock()
	l, ok := d.locks[accountID]
	if !ok {
		l = &sync.Mutex{}
		d.locks[accountID] = l
	}
	d.locksMu.Unlock()
	l.Lock()
	return l.Unlock
}

// Dispatch handles a batch in order. Individual failures are logged and
// counted; they never fail the batch.
func (d *Dispatcher) Dispatch(ctx context.Context, batch []dto.InboundNotification) interfaces.DispatchResult {
	span, ctx := opentracing.StartSpanFromContext(ctx, "Dispatcher.Dispatch")
	defer span.Finish()
	tracing.SetDefaultServiceSpanTags(ctx, span)
	span.LogKV("batch.size", len(batch))

	var result interfaces.DispatchResult
	for _, notification := range batch {
		events, duplicate, err := d.dispatchOne(ctx, notification)
		switch {
		case err != nil:
			result.Rejected++
			d.log.Warnf("Dropped %s notification %s: %v", notification.Backend, notification.NotificationID, err)
		case duplicate:
			result.Duplicates++
		default:
			result.Accepted++
			result.Events += events
		}
	}
	span.LogKV("accepted", result.Accepted, "duplicates", result.Duplicates, "rejected", result.Rejected)
	return result
}

func (d *Dispatcher) dispatchOne(ctx context.Context, n dto.InboundNotification) (int, bool, error) {
	const op = "dispatcher.dispatch"

	subscription, err := d.subscriptions.FindForNotification(ctx, n.Backend, nativeIDOf(n), n.AccountID)
	if err != nil {
		return 0, false, err
	}
	if subtle.ConstantTimeCompare([]byte(n.ClientState), []byte(subscription.Secret)) != 1 {
		return 0, false, mberrors.Validation(op, "secret mismatch for subscription %s", subscription.NativeID)
	}
	if subscription.State != enum.SubscriptionActive && subscription.State != enum.SubscriptionRenewalDue {
		return 0, false, mberrors.SubscriptionExpired(op, "subscription %s is %s", subscription.NativeID, subscription.State)
	}

	accountID := subscription.AccountID
	notificationID := notificationIDOf(n)
	unlock := d.lock(accountID)
	defer unlock()

	duplicate, err := d.isDuplicate(ctx, accountID, notificationID)
	if err != nil || duplicate {
		return 0, duplicate, err
	}

	var changes []dto.Change
	var cursor string
	switch n.Backend {
	case enum.BackendGoogleWorkspace:
		changes, cursor, err = d.expandHistory(ctx, accountID, n)
	default:
		changes, err = directChanges(n)
	}
	if err != nil {
		return 0, false, err
	}

	now := d.clock()
	var first int64
	if len(changes) > 0 {
		if first, err = d.notifications.ReserveSequence(ctx, accountID, int64(len(changes))); err != nil {
			return 0, false, mberrors.Unavailable(op, err)
		}
		for i, change := range changes {
			d.deliver(ctx, dto.ChangeEvent{
				AccountID:  accountID,
				Sequence:   first + int64(i),
				Kind:       change.Kind,
				MessageID:  change.MessageID,
				ThreadID:   change.ThreadID,
				OccurredAt: now,
			})
		}
	}

	// the cursor only moves past changes that reached the consumers
	if err = d.subscriptions.AdvanceCursor(ctx, accountID, cursor); err != nil {
		d.log.Errorf("Failed to advance history cursor of account %s to %s, changes will be delivered again: %v", accountID, cursor, err)
	}

	err = d.notifications.SaveReceipt(ctx, &models.NotificationReceipt{
		AccountID:      accountID,
		NotificationID: notificationID,
		Sequence:       first,
		ReceivedAt:     now,
	})
	if err != nil {
		d.log.Errorf("Failed to save receipt for notification %s of account %s: %v", notificationID, accountID, err)
	}
	d.seen.Add(dedupKey(accountID, notificationID), struct{}{})
	return len(changes), false, nil
}

func (d *Dispatcher) isDuplicate(ctx context.Context, accountID, notificationID string) (bool, error) {
	key := dedupKey(accountID, notificationID)
	if _, ok := d.seen.Get(key); ok {
		return true, nil
	}
	seen, err := d.notifications.HasReceipt(ctx, accountID, notificationID, d.clock().Add(-d.cfg.DedupWindow))
	if err != nil {
		return false, mberrors.Unavailable("dispatcher.isDuplicate", err)
	}
	if seen {
		d.seen.Add(key, struct{}{})
	}
	return seen, nil
}

// deliver hands one event to every consumer. Consumers are idempotent on
// (account, sequence) and own their retries.
func (d *Dispatcher) deliver(ctx context.Context, event dto.ChangeEvent) {
	d.consumersMu.RLock()
	consumers := append([]interfaces.ChangeConsumer(nil), d.consumers...)
	d.consumersMu.RUnlock()

	for _, consumer := range consumers {
		if err := consumer.Consume(ctx, event); err != nil {
			d.log.Errorf("Consumer %s failed on event %d of account %s: %v", consumer.Name(), event.Sequence, event.AccountID, err)
		}
	}
}

// expandHistory asks the backend what changed since the stored cursor and
// returns the changes with the cursor to store once they are delivered. A
// cursor the backend no longer knows is skipped forward to the notification's
// own history id; the changes in between cannot be recovered from history.
func (d *Dispatcher) expandHistory(ctx context.Context, accountID string, n dto.InboundNotification) ([]dto.Change, string, error) {
	subscription, err := d.subscriptions.Get(ctx, accountID)
	if err != nil {
		return nil, "", err
	}
	notified := strconv.FormatUint(n.HistoryID, 10)
	if subscription.Cursor == "" {
		return nil, notified, nil
	}

	var page *dto.HistoryPage
	err = d.resolver.Read(ctx, accountID, func(ctx context.Context, adapter interfaces.MailboxAdapter) error {
		expander, ok := adapter.(interfaces.HistoryExpander)
		if !ok {
			return mberrors.Validation("dispatcher.expandHistory", "%s has no history to expand", adapter.Kind())
		}
		var err error
		page, err = expander.ListChanges(ctx, subscription.Cursor)
		return err
	})
	if mberrors.KindOf(err) == mberrors.KindNotFound {
		d.log.Warnf("History cursor %s of account %s expired, skipping to %s", subscription.Cursor, accountID, notified)
		return nil, notified, nil
	}
	if err != nil {
		return nil, "", err
	}
	return page.Changes, page.Cursor, nil
}

func directChanges(n dto.InboundNotification) ([]dto.Change, error) {
	messageID := messageIDFromResource(n.ResourceID)
	if messageID == "" {
		return nil, mberrors.Validation("dispatcher.directChanges", "notification %s names no message", n.NotificationID)
	}
	kind := enum.ChangeUpdated
	switch strings.ToLower(n.ChangeType) {
	case "created":
		kind = enum.ChangeCreated
	case "deleted":
		kind = enum.ChangeDeleted
	}
	return []dto.Change{{Kind: kind, MessageID: messageID}}, nil
}

// messageIDFromResource takes the message id out of a resource path such as
// Users/{user}/Messages/{id}.
func messageIDFromResource(resource string) string {
	resource = strings.TrimRight(strings.TrimSpace(resource), "/")
	if i := strings.LastIndex(resource, "/"); i >= 0 {
		resource = resource[i+1:]
	}
	if strings.HasPrefix(resource, "Messages('") && strings.HasSuffix(resource, "')") {
		resource = strings.TrimSuffix(strings.TrimPrefix(resource, "Messages('"), "')")
	}
	return resource
}

// nativeIDOf names the subscription a notification belongs to. Gmail pushes
// carry only the mailbox address; once the webhook has resolved the account
// the lookup goes by account instead.
func nativeIDOf(n dto.InboundNotification) string {
	if n.SubscriptionID != "" {
		return n.SubscriptionID
	}
	if n.AccountID != "" {
		return ""
	}
	return strings.ToLower(n.EmailAddress)
}

// notificationIDOf falls back to a key built from the notification content
// when the transport carries no delivery id.
func notificationIDOf(n dto.InboundNotification) string {
	if n.NotificationID != "" {
		return n.NotificationID
	}
	if n.HistoryID > 0 {
		return "history:" + strconv.FormatUint(n.HistoryID, 10)
	}
	return strings.Join([]string{n.SubscriptionID, strings.ToLower(n.ChangeType), n.ResourceID}, ":")
}

func dedupKey(accountID, notificationID string) string {
	return accountID + "\x00" + notificationID
}

func (d *Dispatcher) PruneReceipts(ctx context.Context) (int64, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "Dispatcher.PruneReceipts")
	defer span.Finish()
	tracing.SetDefaultServiceSpanTags(ctx, span)

	pruned, err := d.notifications.PruneReceipts(ctx, d.clock().Add(-d.cfg.DedupWindow))
	if err != nil {
		tracing.TraceErr(span, err)
		return 0, mberrors.Unavailable("dispatcher.PruneReceipts", err)
	}
	span.LogKV("pruned", pruned)
	return pruned, nil
}
