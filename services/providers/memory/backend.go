// Package memory is an in-process mailbox backend used by tests and local runs.
// It follows the unit semantics of the backend kind it is created for.
package memory

import (
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/customeros/mailbridge/dto"
	"github.com/customeros/mailbridge/interfaces"
	"github.com/customeros/mailbridge/internal/enum"
	"github.com/customeros/mailbridge/internal/utils"
	"github.com/customeros/mailbridge/services/normalizer"
)

type Backend struct {
	kind        enum.BackendKind
	maxLifetime time.Duration
	clock       utils.Clock
	// fixedSecret mimics a push channel that presents one shared secret
	fixedSecret string

	mu        sync.Mutex
	mailboxes map[string]*Mailbox
}

type Option func(*Backend)

func WithClock(clock utils.Clock) Option {
	return func(b *Backend) {
		b.clock = clock
	}
}

func WithFixedSecret(secret string) Option {
	return func(b *Backend) {
		b.fixedSecret = secret
	}
}

func NewBackend(kind enum.BackendKind, maxLifetime time.Duration, opts ...Option) *Backend {
	b := &Backend{
		kind:        kind,
		maxLifetime: maxLifetime,
		clock:       utils.SystemClock,
		mailboxes:   make(map[string]*Mailbox),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

var _ interfaces.Backend = (*Backend)(nil)

func (b *Backend) Kind() enum.BackendKind {
	return b.kind
}

func (b *Backend) MaxSubscriptionLifetime() time.Duration {
	return b.maxLifetime
}

func (b *Backend) Bind(lease interfaces.CredentialLease) interfaces.MailboxAdapter {
	adapter := &Adapter{backend: b, mailbox: b.Mailbox(lease.AccountID), lease: lease}
	if b.kind.MultiLabel() {
		return &HistoryAdapter{Adapter: adapter}
	}
	return adapter
}

// Mailbox returns the account's mailbox, creating an empty one with the
// backend's system units on first use.
func (b *Backend) Mailbox(accountID string) *Mailbox {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.mailboxes[accountID]
	if !ok {
		m = newMailbox(b.kind)
		b.mailboxes[accountID] = m
	}
	return m
}

type Mailbox struct {
	kind enum.BackendKind

	mu            sync.Mutex
	messages      map[string]*dto.UnifiedMessage
	attachments   map[string]dto.Attachment
	folders       []dto.UnifiedFolder
	subscriptions map[string]dto.SubscriptionGrant
	history       []historyEntry
	historyID     uint64
	historyFloor  uint64
	sent          []dto.OutgoingMessage
	failures      map[string][]error
	calls         map[string]int
	sequence      int
	// grantLimit shortens subscription grants below the backend maximum
	grantLimit time.Duration
}

type historyEntry struct {
	id     uint64
	change dto.Change
}

func newMailbox(kind enum.BackendKind) *Mailbox {
	m := &Mailbox{
		kind:          kind,
		messages:      make(map[string]*dto.UnifiedMessage),
		attachments:   make(map[string]dto.Attachment),
		subscriptions: make(map[string]dto.SubscriptionGrant),
		failures:      make(map[string][]error),
		calls:         make(map[string]int),
		historyID:     100,
	}
	unitKind := enum.UnitFolder
	if kind.MultiLabel() {
		unitKind = enum.UnitLabel
	}
	for _, name := range []string{normalizer.UnitInbox, normalizer.UnitSent, normalizer.UnitDrafts, normalizer.UnitTrash, normalizer.UnitSpam, normalizer.UnitArchive} {
		native, ok := normalizer.WellKnownUnit(kind, name)
		if !ok {
			continue
		}
		m.folders = append(m.folders, dto.UnifiedFolder{ID: native, Name: name, NativeID: native, Kind: unitKind, System: true})
	}
	return m
}

func (m *Mailbox) AddMessage(msg dto.UnifiedMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg.Backend = m.kind
	if msg.Units == nil {
		msg.Units = []string{}
	}
	m.messages[msg.ID] = &msg
}

func (m *Mailbox) AddFolder(folder dto.UnifiedFolder) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if folder.NativeID == "" {
		folder.NativeID = folder.ID
	}
	m.folders = append(m.folders, folder)
}

func (m *Mailbox) AddAttachment(messageID string, attachment dto.Attachment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attachments[messageID+"/"+attachment.ID] = attachment
	if msg, ok := m.messages[messageID]; ok {
		msg.Attachments = append(msg.Attachments, attachment.AttachmentDescriptor)
	}
}

// RecordChange appends a change to the mailbox history and returns its history id.
func (m *Mailbox) RecordChange(change dto.Change) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.historyID++
	m.history = append(m.history, historyEntry{id: m.historyID, change: change})
	return m.historyID
}

// ExpireHistory drops history up to and including id, as a backend does once
// its retention passes.
func (m *Mailbox) ExpireHistory(id uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.historyFloor = id
}

func (m *Mailbox) HistoryID() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.historyID
}

// FailNext makes the next calls of op return errs in order.
func (m *Mailbox) FailNext(op string, errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[op] = append(m.failures[op], errs...)
}

// GrantAtMost makes later subscription grants last no longer than d.
func (m *Mailbox) GrantAtMost(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.grantLimit = d
}

func (m *Mailbox) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

func (m *Mailbox) Sent() []dto.OutgoingMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]dto.OutgoingMessage(nil), m.sent...)
}

func (m *Mailbox) Message(id string) (dto.UnifiedMessage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	if !ok {
		return dto.UnifiedMessage{}, false
	}
	return copyMessage(msg), true
}

func (m *Mailbox) Subscription(nativeID string) (dto.SubscriptionGrant, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	grant, ok := m.subscriptions[nativeID]
	return grant, ok
}

// enter counts the call and pops a queued failure. The caller holds m.mu.
func (m *Mailbox) enter(op string) error {
	m.calls[op]++
	queued := m.failures[op]
	if len(queued) == 0 {
		return nil
	}
	m.failures[op] = queued[1:]
	return queued[0]
}

func (m *Mailbox) nextID(prefix string) string {
	m.sequence++
	return prefix + "-" + strconv.Itoa(m.sequence)
}

func (m *Mailbox) folderIndex(unitID string) int {
	for i, f := range m.folders {
		if f.ID == unitID || f.NativeID == unitID {
			return i
		}
	}
	return -1
}

func copyMessage(msg *dto.UnifiedMessage) dto.UnifiedMessage {
	out := *msg
	out.Units = append([]string{}, msg.Units...)
	out.Attachments = append([]dto.AttachmentDescriptor(nil), msg.Attachments...)
	return out
}

func (m *Mailbox) sortedMessages() []*dto.UnifiedMessage {
	list := make([]*dto.UnifiedMessage, 0, len(m.messages))
	for _, msg := range m.messages {
		list = append(list, msg)
	}
	sort.Slice(list, func(i, j int) bool {
		if !list[i].ReceivedAt.Equal(list[j].ReceivedAt) {
			return list[i].ReceivedAt.After(list[j].ReceivedAt)
		}
		return list[i].ID < list[j].ID
	})
	return list
}

func matches(msg *dto.UnifiedMessage, q *normalizer.Query) bool {
	if q == nil {
		return true
	}
	if q.Read != nil && msg.IsRead != *q.Read {
		return false
	}
	if q.HasAttachment && len(msg.Attachments) == 0 {
		return false
	}
	if q.After != nil && msg.ReceivedAt.Before(*q.After) {
		return false
	}
	if q.Before != nil && !msg.ReceivedAt.Before(*q.Before) {
		return false
	}
	for _, from := range q.From {
		if !containsFold(msg.From.Address, from) && !containsFold(msg.From.Name, from) {
			return false
		}
	}
	for _, to := range q.To {
		found := false
		for _, addr := range msg.To {
			found = found || containsFold(addr.Address, to)
		}
		if !found {
			return false
		}
	}
	for _, subject := range q.Subject {
		if !containsFold(msg.Subject, subject) {
			return false
		}
	}
	for _, text := range q.Text {
		if !containsFold(msg.Subject, text) && !containsFold(msg.BodyText, text) {
			return false
		}
	}
	return true
}

func containsFold(s, sub string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(sub))
}
