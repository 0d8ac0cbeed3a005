package memory

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/customeros/mailbridge/dto"
	"github.com/customeros/mailbridge/interfaces"
	"github.com/customeros/mailbridge/internal/enum"
	mberrors "github.com/customeros/mailbridge/internal/errors"
	"github.com/customeros/mailbridge/services/normalizer"
)

const defaultPageSize = 25

// stateUnits survive a move on the multi-label kind
var stateUnits = map[string]bool{"UNREAD": true, "STARRED": true, "IMPORTANT": true}

type Adapter struct {
	backend *Backend
	mailbox *Mailbox
	lease   interfaces.CredentialLease
}

var _ interfaces.MailboxAdapter = (*Adapter)(nil)

// HistoryAdapter is bound for the multi-label kind, whose notifications only
// carry a history cursor.
type HistoryAdapter struct {
	*Adapter
}

var _ interfaces.HistoryExpander = (*HistoryAdapter)(nil)

func (a *Adapter) Kind() enum.BackendKind {
	return a.backend.kind
}

func (a *Adapter) op(name string) string {
	return "memory." + name
}

func (a *Adapter) ListMessages(ctx context.Context, query dto.ListQuery) (*dto.MessagePage, error) {
	if err := normalizer.CheckCursor(query.Cursor, a.Kind()); err != nil {
		return nil, err
	}
	var parsed *normalizer.Query
	if strings.TrimSpace(query.Query) != "" {
		q, err := normalizer.ParseQuery(query.Query)
		if err != nil {
			return nil, err
		}
		parsed = q
	}
	offset := 0
	if query.Cursor != nil {
		n, err := strconv.Atoi(query.Cursor.Token)
		if err != nil || n < 0 {
			return nil, mberrors.Validation(a.op("ListMessages"), "malformed cursor")
		}
		offset = n
	}
	pageSize := int(query.PageSize)
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}

	m := a.mailbox
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("ListMessages"); err != nil {
		return nil, err
	}

	var selected []dto.UnifiedMessage
	for _, msg := range m.sortedMessages() {
		if query.UnitID != "" && !msg.HasUnit(query.UnitID) {
			continue
		}
		if !matches(msg, parsed) {
			continue
		}
		selected = append(selected, copyMessage(msg))
	}

	page := &dto.MessagePage{Messages: []dto.UnifiedMessage{}}
	if offset < len(selected) {
		end := offset + pageSize
		if end > len(selected) {
			end = len(selected)
		}
		page.Messages = selected[offset:end]
		if end < len(selected) {
			page.Next = &dto.SyncCursor{Kind: a.Kind(), Token: strconv.Itoa(end)}
		}
	}
	return page, nil
}

func (a *Adapter) GetMessage(ctx context.Context, messageID string) (*dto.UnifiedMessage, error) {
	m := a.mailbox
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("GetMessage"); err != nil {
		return nil, err
	}
	msg, ok := m.messages[messageID]
	if !ok {
		return nil, mberrors.NotFound(a.op("GetMessage"), "message %s not found", messageID)
	}
	out := copyMessage(msg)
	return &out, nil
}

func (a *Adapter) SendMessage(ctx context.Context, message dto.OutgoingMessage) (*dto.SentMessage, error) {
	m := a.mailbox
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("SendMessage"); err != nil {
		return nil, err
	}
	if len(message.To)+len(message.Cc)+len(message.Bcc) == 0 {
		return nil, mberrors.Validation(a.op("SendMessage"), "at least one recipient is required")
	}
	m.sent = append(m.sent, message)
	sent := &dto.SentMessage{ThreadID: message.ThreadID}
	if a.Kind().MultiLabel() {
		sent.ID = m.nextID("sent")
		if sent.ThreadID == "" {
			sent.ThreadID = sent.ID
		}
	}
	return sent, nil
}

func (a *Adapter) DeleteMessage(ctx context.Context, messageID string) error {
	m := a.mailbox
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("DeleteMessage"); err != nil {
		return err
	}
	if _, ok := m.messages[messageID]; !ok {
		return mberrors.NotFound(a.op("DeleteMessage"), "message %s not found", messageID)
	}
	delete(m.messages, messageID)
	return nil
}

func (a *Adapter) SetReadState(ctx context.Context, messageID string, read bool) error {
	return a.mutate("SetReadState", messageID, func(msg *dto.UnifiedMessage) error {
		msg.IsRead = read
		return nil
	})
}

func (a *Adapter) AddToUnit(ctx context.Context, messageID, unitID string) error {
	if !a.Kind().MultiLabel() {
		return mberrors.Validation(a.op("AddToUnit"), "a message lives in exactly one folder; move it instead")
	}
	return a.mutate("AddToUnit", messageID, func(msg *dto.UnifiedMessage) error {
		if a.mailbox.folderIndex(unitID) < 0 {
			return mberrors.NotFound(a.op("AddToUnit"), "unit %s not found", unitID)
		}
		msg.Units = normalizer.MergeUnits(a.Kind(), msg.Units, unitID)
		return nil
	})
}

func (a *Adapter) MoveToUnit(ctx context.Context, messageID, unitID string) error {
	return a.mutate("MoveToUnit", messageID, func(msg *dto.UnifiedMessage) error {
		if a.mailbox.folderIndex(unitID) < 0 {
			return mberrors.NotFound(a.op("MoveToUnit"), "unit %s not found", unitID)
		}
		units := []string{}
		for _, u := range msg.Units {
			if stateUnits[u] {
				units = append(units, u)
			}
		}
		msg.Units = append(units, unitID)
		return nil
	})
}

func (a *Adapter) RemoveFromUnit(ctx context.Context, messageID, unitID string) error {
	if !a.Kind().MultiLabel() {
		return mberrors.Validation(a.op("RemoveFromUnit"), "a message lives in exactly one folder; move it instead")
	}
	return a.mutate("RemoveFromUnit", messageID, func(msg *dto.UnifiedMessage) error {
		units := msg.Units[:0]
		for _, u := range msg.Units {
			if u != unitID {
				units = append(units, u)
			}
		}
		msg.Units = units
		return nil
	})
}

func (a *Adapter) mutate(op, messageID string, fn func(msg *dto.UnifiedMessage) error) error {
	m := a.mailbox
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(op); err != nil {
		return err
	}
	msg, ok := m.messages[messageID]
	if !ok {
		return mberrors.NotFound(a.op(op), "message %s not found", messageID)
	}
	return fn(msg)
}

func (a *Adapter) ListFolders(ctx context.Context) ([]dto.UnifiedFolder, error) {
	m := a.mailbox
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("ListFolders"); err != nil {
		return nil, err
	}
	folders := append([]dto.UnifiedFolder(nil), m.folders...)
	for i := range folders {
		folders[i].TotalCount, folders[i].UnreadCount = 0, 0
		for _, msg := range m.messages {
			if msg.HasUnit(folders[i].NativeID) {
				folders[i].TotalCount++
				if !msg.IsRead {
					folders[i].UnreadCount++
				}
			}
		}
	}
	return folders, nil
}

func (a *Adapter) CreateFolder(ctx context.Context, input dto.FolderInput) (*dto.UnifiedFolder, error) {
	m := a.mailbox
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("CreateFolder"); err != nil {
		return nil, err
	}
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return nil, mberrors.Validation(a.op("CreateFolder"), "folder name is required")
	}
	for _, f := range m.folders {
		if strings.EqualFold(f.Name, name) && f.ParentID == input.ParentID {
			return nil, mberrors.Validation(a.op("CreateFolder"), "folder %s already exists", name)
		}
	}
	folder := dto.UnifiedFolder{Name: name, ParentID: input.ParentID, Kind: enum.UnitFolder}
	if a.Kind().MultiLabel() {
		folder.Kind = enum.UnitLabel
		folder.ID = m.nextID("Label")
	} else {
		folder.ID = m.nextID("folder")
	}
	folder.NativeID = folder.ID
	m.folders = append(m.folders, folder)
	return &folder, nil
}

func (a *Adapter) UpdateFolder(ctx context.Context, folderID string, input dto.FolderInput) (*dto.UnifiedFolder, error) {
	m := a.mailbox
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("UpdateFolder"); err != nil {
		return nil, err
	}
	i := m.folderIndex(folderID)
	if i < 0 {
		return nil, mberrors.NotFound(a.op("UpdateFolder"), "folder %s not found", folderID)
	}
	if m.folders[i].System {
		return nil, mberrors.Validation(a.op("UpdateFolder"), "system folder %s cannot be changed", folderID)
	}
	if name := strings.TrimSpace(input.Name); name != "" {
		m.folders[i].Name = name
	}
	if input.ParentID != "" {
		m.folders[i].ParentID = input.ParentID
	}
	folder := m.folders[i]
	return &folder, nil
}

func (a *Adapter) DeleteFolder(ctx context.Context, folderID string) error {
	m := a.mailbox
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("DeleteFolder"); err != nil {
		return err
	}
	i := m.folderIndex(folderID)
	if i < 0 {
		return mberrors.NotFound(a.op("DeleteFolder"), "folder %s not found", folderID)
	}
	if m.folders[i].System {
		return mberrors.Validation(a.op("DeleteFolder"), "system folder %s cannot be deleted", folderID)
	}
	m.folders = append(m.folders[:i], m.folders[i+1:]...)
	return nil
}

func (a *Adapter) GetThread(ctx context.Context, threadID string) (*dto.UnifiedThread, error) {
	m := a.mailbox
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("GetThread"); err != nil {
		return nil, err
	}
	var messages []dto.UnifiedMessage
	for _, msg := range m.messages {
		if msg.ThreadID == threadID {
			messages = append(messages, copyMessage(msg))
		}
	}
	if len(messages) == 0 {
		return nil, mberrors.NotFound(a.op("GetThread"), "thread %s not found", threadID)
	}
	return normalizer.BuildThread(threadID, messages), nil
}

func (a *Adapter) Search(ctx context.Context, query dto.ListQuery) (*dto.MessagePage, error) {
	if strings.TrimSpace(query.Query) == "" && query.Cursor == nil {
		return nil, mberrors.Validation(a.op("Search"), "search query is required")
	}
	return a.ListMessages(ctx, query)
}

func (a *Adapter) GetAttachment(ctx context.Context, messageID, attachmentID string) (*dto.Attachment, error) {
	m := a.mailbox
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("GetAttachment"); err != nil {
		return nil, err
	}
	att, ok := m.attachments[messageID+"/"+attachmentID]
	if !ok {
		return nil, mberrors.NotFound(a.op("GetAttachment"), "attachment %s not found", attachmentID)
	}
	att.Content = append([]byte(nil), att.Content...)
	return &att, nil
}

func (a *Adapter) RegisterSubscription(ctx context.Context, req dto.SubscriptionRequest) (*dto.SubscriptionGrant, error) {
	m := a.mailbox
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("RegisterSubscription"); err != nil {
		return nil, err
	}
	grant := dto.SubscriptionGrant{
		NativeID:  m.nextID("sub"),
		Resource:  "me/messages",
		ExpiresAt: a.capExpiry(req),
		Secret:    a.backend.fixedSecret,
	}
	if a.Kind().MultiLabel() {
		grant.NativeID = strings.ToLower(a.lease.AccountID)
		grant.Resource = "INBOX"
		grant.Cursor = strconv.FormatUint(m.historyID, 10)
	}
	m.subscriptions[grant.NativeID] = grant
	return &grant, nil
}

func (a *Adapter) RenewSubscription(ctx context.Context, nativeID string, req dto.SubscriptionRequest) (*dto.SubscriptionGrant, error) {
	m := a.mailbox
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("RenewSubscription"); err != nil {
		return nil, err
	}
	grant, ok := m.subscriptions[nativeID]
	if !ok {
		return nil, mberrors.NotFound(a.op("RenewSubscription"), "subscription %s not found", nativeID)
	}
	grant.ExpiresAt = a.capExpiry(req)
	grant.Cursor = ""
	m.subscriptions[nativeID] = grant
	return &grant, nil
}

func (a *Adapter) CancelSubscription(ctx context.Context, nativeID string) error {
	m := a.mailbox
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("CancelSubscription"); err != nil {
		return err
	}
	delete(m.subscriptions, nativeID)
	return nil
}

// capExpiry is called with a.mailbox.mu held.
func (a *Adapter) capExpiry(req dto.SubscriptionRequest) time.Time {
	lifetime := a.backend.maxLifetime
	if a.mailbox.grantLimit > 0 && a.mailbox.grantLimit < lifetime {
		lifetime = a.mailbox.grantLimit
	}
	limit := a.backend.clock().Add(lifetime)
	if req.ExpiresAt.After(limit) {
		return limit
	}
	return req.ExpiresAt
}

func (a *HistoryAdapter) ListChanges(ctx context.Context, sinceCursor string) (*dto.HistoryPage, error) {
	since, err := strconv.ParseUint(sinceCursor, 10, 64)
	if err != nil {
		return nil, mberrors.Validation(a.op("ListChanges"), "invalid history cursor %q", sinceCursor)
	}
	m := a.mailbox
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("ListChanges"); err != nil {
		return nil, err
	}
	if since < m.historyFloor {
		return nil, mberrors.NotFound(a.op("ListChanges"), "history %d is no longer available", since)
	}
	page := &dto.HistoryPage{Cursor: strconv.FormatUint(m.historyID, 10)}
	for _, entry := range m.history {
		if entry.id > since {
			page.Changes = append(page.Changes, entry.change)
		}
	}
	return page, nil
}
