package gmail

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/opentracing/opentracing-go"
	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/customeros/mailbridge/dto"
	"github.com/customeros/mailbridge/interfaces"
	"github.com/customeros/mailbridge/internal/enum"
	mberrors "github.com/customeros/mailbridge/internal/errors"
	"github.com/customeros/mailbridge/internal/tracing"
	"github.com/customeros/mailbridge/services/normalizer"
)

const (
	me              = "me"
	defaultPageSize = 25
	maxPageSize     = 500
	fetchParallel   = 8
)

var historyTypes = []string{"messageAdded", "messageDeleted", "labelAdded", "labelRemoved"}

// Adapter talks to the Gmail API on behalf of one account lease.
type Adapter struct {
	backend *Backend
	lease   interfaces.CredentialLease
	limiter *rate.Limiter
}

var (
	_ interfaces.MailboxAdapter  = (*Adapter)(nil)
	_ interfaces.HistoryExpander = (*Adapter)(nil)
)

func (a *Adapter) Kind() enum.BackendKind {
	return enum.BackendGoogleWorkspace
}

func (a *Adapter) service(ctx context.Context) (*gmail.Service, error) {
	tokenSource := oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: a.lease.AccessToken,
		TokenType:   a.lease.TokenType,
		Expiry:      a.lease.ExpiresAt,
	})
	client := oauth2.NewClient(context.WithValue(ctx, oauth2.HTTPClient, a.backend.httpClient), tokenSource)

	opts := []option.ClientOption{option.WithHTTPClient(client)}
	if a.backend.endpoint != "" {
		opts = append(opts, option.WithEndpoint(a.backend.endpoint))
	}
	return gmail.NewService(ctx, opts...)
}

// call waits for quota, runs fn through the circuit breaker and translates its error.
func (a *Adapter) call(ctx context.Context, method string, units int, fn func(svc *gmail.Service) error) error {
	op := "gmail." + method
	span, ctx := opentracing.StartSpanFromContext(ctx, "GmailAdapter."+method)
	defer span.Finish()
	tracing.TagComponentAdapter(span)
	tracing.TagAccount(span, a.lease.AccountID)
	tracing.TagBackend(span, enum.BackendGoogleWorkspace.String())

	if err := a.limiter.WaitN(ctx, units); err != nil {
		err = mberrors.Unavailable(op, err)
		tracing.TraceErr(span, err)
		return err
	}

	svc, err := a.service(ctx)
	if err != nil {
		err = mberrors.Unavailable(op, err)
		tracing.TraceErr(span, err)
		return err
	}

	_, err = a.backend.breaker.Execute(func() (interface{}, error) {
		return nil, fn(svc)
	})
	if err != nil {
		err = translateError(op, err)
		tracing.TraceErr(span, err)
		return err
	}
	return nil
}

func (a *Adapter) ListMessages(ctx context.Context, query dto.ListQuery) (*dto.MessagePage, error) {
	if err := normalizer.CheckCursor(query.Cursor, enum.BackendGoogleWorkspace); err != nil {
		return nil, err
	}
	q := ""
	if strings.TrimSpace(query.Query) != "" {
		parsed, err := normalizer.ParseQuery(query.Query)
		if err != nil {
			return nil, err
		}
		q = parsed.GmailQuery()
	}

	pageSize := query.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}

	var resp *gmail.ListMessagesResponse
	err := a.call(ctx, "ListMessages", quotaUnitsMessagesList, func(svc *gmail.Service) error {
		req := svc.Users.Messages.List(me).MaxResults(pageSize).Context(ctx)
		if query.UnitID != "" {
			req = req.LabelIds(query.UnitID)
		}
		if q != "" {
			req = req.Q(q)
		}
		if query.Cursor != nil {
			req = req.PageToken(query.Cursor.Token)
		}
		var err error
		resp, err = req.Do()
		return err
	})
	if err != nil {
		return nil, err
	}

	messages, err := a.fetchMessages(ctx, resp.Messages)
	if err != nil {
		return nil, err
	}
	page := &dto.MessagePage{Messages: messages}
	if resp.NextPageToken != "" {
		page.Next = &dto.SyncCursor{Kind: enum.BackendGoogleWorkspace, Token: resp.NextPageToken}
	}
	return page, nil
}

// fetchMessages loads full messages concurrently, keeping the listing order.
func (a *Adapter) fetchMessages(ctx context.Context, refs []*gmail.Message) ([]dto.UnifiedMessage, error) {
	messages := make([]dto.UnifiedMessage, len(refs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fetchParallel)
	for i, ref := range refs {
		i, id := i, ref.Id
		g.Go(func() error {
			msg, err := a.getRaw(gctx, id)
			if err != nil {
				return err
			}
			messages[i] = toUnifiedMessage(msg)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return messages, nil
}

func (a *Adapter) getRaw(ctx context.Context, messageID string) (*gmail.Message, error) {
	var msg *gmail.Message
	err := a.call(ctx, "GetMessage", quotaUnitsMessagesGet, func(svc *gmail.Service) error {
		var err error
		msg, err = svc.Users.Messages.Get(me, messageID).Format("full").Context(ctx).Do()
		return err
	})
	return msg, err
}

func (a *Adapter) GetMessage(ctx context.Context, messageID string) (*dto.UnifiedMessage, error) {
	if messageID == "" {
		return nil, mberrors.Validation("gmail.GetMessage", "message id is required")
	}
	msg, err := a.getRaw(ctx, messageID)
	if err != nil {
		return nil, err
	}
	unified := toUnifiedMessage(msg)
	return &unified, nil
}

func (a *Adapter) Search(ctx context.Context, query dto.ListQuery) (*dto.MessagePage, error) {
	if strings.TrimSpace(query.Query) == "" {
		return nil, mberrors.Validation("gmail.Search", "search query is required")
	}
	return a.ListMessages(ctx, query)
}

func (a *Adapter) SendMessage(ctx context.Context, message dto.OutgoingMessage) (*dto.SentMessage, error) {
	raw, err := buildRawMessage(message)
	if err != nil {
		return nil, err
	}

	var sent *gmail.Message
	err = a.call(ctx, "SendMessage", quotaUnitsMessagesSend, func(svc *gmail.Service) error {
		var err error
		sent, err = svc.Users.Messages.Send(me, &gmail.Message{Raw: raw, ThreadId: message.ThreadID}).Context(ctx).Do()
		return err
	})
	if err != nil {
		return nil, err
	}
	return &dto.SentMessage{ID: sent.Id, ThreadID: sent.ThreadId}, nil
}

// DeleteMessage moves the message to trash, matching what Graph does on delete.
func (a *Adapter) DeleteMessage(ctx context.Context, messageID string) error {
	return a.call(ctx, "DeleteMessage", quotaUnitsMessagesTrash, func(svc *gmail.Service) error {
		_, err := svc.Users.Messages.Trash(me, messageID).Context(ctx).Do()
		return err
	})
}

func (a *Adapter) modifyLabels(ctx context.Context, method, messageID string, add, remove []string) error {
	if messageID == "" {
		return mberrors.Validation("gmail."+method, "message id is required")
	}
	return a.call(ctx, method, quotaUnitsMessagesModify, func(svc *gmail.Service) error {
		_, err := svc.Users.Messages.Modify(me, messageID, &gmail.ModifyMessageRequest{
			AddLabelIds:    add,
			RemoveLabelIds: remove,
		}).Context(ctx).Do()
		return err
	})
}

func (a *Adapter) SetReadState(ctx context.Context, messageID string, read bool) error {
	if read {
		return a.modifyLabels(ctx, "SetReadState", messageID, nil, []string{labelUnread})
	}
	return a.modifyLabels(ctx, "SetReadState", messageID, []string{labelUnread}, nil)
}

func (a *Adapter) AddToUnit(ctx context.Context, messageID, unitID string) error {
	return a.modifyLabels(ctx, "AddToUnit", messageID, []string{unitID}, nil)
}

// MoveToUnit gives exclusive placement: every other placement label is removed.
func (a *Adapter) MoveToUnit(ctx context.Context, messageID, unitID string) error {
	var msg *gmail.Message
	err := a.call(ctx, "MoveToUnit", quotaUnitsMessagesGet, func(svc *gmail.Service) error {
		var err error
		msg, err = svc.Users.Messages.Get(me, messageID).Format("minimal").Context(ctx).Do()
		return err
	})
	if err != nil {
		return err
	}
	var remove []string
	for _, label := range msg.LabelIds {
		if label != unitID && isPlacementLabel(label) {
			remove = append(remove, label)
		}
	}
	return a.modifyLabels(ctx, "MoveToUnit", messageID, []string{unitID}, remove)
}

func (a *Adapter) RemoveFromUnit(ctx context.Context, messageID, unitID string) error {
	return a.modifyLabels(ctx, "RemoveFromUnit", messageID, nil, []string{unitID})
}

func (a *Adapter) listLabels(ctx context.Context, method string) (*gmail.ListLabelsResponse, error) {
	var resp *gmail.ListLabelsResponse
	err := a.call(ctx, method, quotaUnitsLabelsList, func(svc *gmail.Service) error {
		var err error
		resp, err = svc.Users.Labels.List(me).Context(ctx).Do()
		return err
	})
	return resp, err
}

// ListUnits lists labels without counts in a single labels.list call.
func (a *Adapter) ListUnits(ctx context.Context) ([]dto.UnifiedFolder, error) {
	resp, err := a.listLabels(ctx, "ListUnits")
	if err != nil {
		return nil, err
	}
	folders := make([]dto.UnifiedFolder, len(resp.Labels))
	for i, label := range resp.Labels {
		folders[i] = toUnifiedFolder(label)
	}
	linkNestedLabels(folders)
	return folders, nil
}

// ListFolders lists labels and fetches their counts, which labels.list omits.
func (a *Adapter) ListFolders(ctx context.Context) ([]dto.UnifiedFolder, error) {
	resp, err := a.listLabels(ctx, "ListFolders")
	if err != nil {
		return nil, err
	}

	folders := make([]dto.UnifiedFolder, len(resp.Labels))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fetchParallel)
	for i, label := range resp.Labels {
		i, label := i, label
		g.Go(func() error {
			detailed, err := a.getLabel(gctx, label.Id)
			if err != nil {
				if mberrors.KindOf(err) == mberrors.KindNotFound {
					folders[i] = toUnifiedFolder(label)
					return nil
				}
				return err
			}
			folders[i] = toUnifiedFolder(detailed)
			return nil
		})
	}
	if err = g.Wait(); err != nil {
		return nil, err
	}
	linkNestedLabels(folders)
	return folders, nil
}

func (a *Adapter) getLabel(ctx context.Context, labelID string) (*gmail.Label, error) {
	var label *gmail.Label
	err := a.call(ctx, "GetLabel", quotaUnitsLabelsGet, func(svc *gmail.Service) error {
		var err error
		label, err = svc.Users.Labels.Get(me, labelID).Context(ctx).Do()
		return err
	})
	return label, err
}

func (a *Adapter) CreateFolder(ctx context.Context, input dto.FolderInput) (*dto.UnifiedFolder, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return nil, mberrors.Validation("gmail.CreateFolder", "label name is required")
	}
	if input.ParentID != "" {
		parent, err := a.getLabel(ctx, input.ParentID)
		if err != nil {
			return nil, err
		}
		name = parent.Name + "/" + name
	}

	var created *gmail.Label
	err := a.call(ctx, "CreateFolder", quotaUnitsLabelsWrite, func(svc *gmail.Service) error {
		var err error
		created, err = svc.Users.Labels.Create(me, &gmail.Label{
			Name:                  name,
			LabelListVisibility:   "labelShow",
			MessageListVisibility: "show",
		}).Context(ctx).Do()
		return err
	})
	if err != nil {
		return nil, err
	}
	folder := toUnifiedFolder(created)
	folder.ParentID = input.ParentID
	return &folder, nil
}

func (a *Adapter) UpdateFolder(ctx context.Context, folderID string, input dto.FolderInput) (*dto.UnifiedFolder, error) {
	if _, system := normalizer.WellKnownName(enum.BackendGoogleWorkspace, folderID); system {
		return nil, mberrors.Validation("gmail.UpdateFolder", "system label %s cannot be changed", folderID)
	}
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return nil, mberrors.Validation("gmail.UpdateFolder", "label name is required")
	}
	if input.ParentID != "" {
		parent, err := a.getLabel(ctx, input.ParentID)
		if err != nil {
			return nil, err
		}
		name = parent.Name + "/" + name
	}

	var updated *gmail.Label
	err := a.call(ctx, "UpdateFolder", quotaUnitsLabelsWrite, func(svc *gmail.Service) error {
		var err error
		updated, err = svc.Users.Labels.Patch(me, folderID, &gmail.Label{Name: name}).Context(ctx).Do()
		return err
	})
	if err != nil {
		return nil, err
	}
	folder := toUnifiedFolder(updated)
	folder.ParentID = input.ParentID
	return &folder, nil
}

func (a *Adapter) DeleteFolder(ctx context.Context, folderID string) error {
	if _, system := normalizer.WellKnownName(enum.BackendGoogleWorkspace, folderID); system {
		return mberrors.Validation("gmail.DeleteFolder", "system label %s cannot be deleted", folderID)
	}
	return a.call(ctx, "DeleteFolder", quotaUnitsLabelsWrite, func(svc *gmail.Service) error {
		return svc.Users.Labels.Delete(me, folderID).Context(ctx).Do()
	})
}

func (a *Adapter) GetThread(ctx context.Context, threadID string) (*dto.UnifiedThread, error) {
	var thread *gmail.Thread
	err := a.call(ctx, "GetThread", quotaUnitsThreadsGet, func(svc *gmail.Service) error {
		var err error
		thread, err = svc.Users.Threads.Get(me, threadID).Format("full").Context(ctx).Do()
		return err
	})
	if err != nil {
		return nil, err
	}
	messages := make([]dto.UnifiedMessage, 0, len(thread.Messages))
	for _, msg := range thread.Messages {
		messages = append(messages, toUnifiedMessage(msg))
	}
	return normalizer.BuildThread(thread.Id, messages), nil
}

func (a *Adapter) GetAttachment(ctx context.Context, messageID, attachmentID string) (*dto.Attachment, error) {
	msg, err := a.getRaw(ctx, messageID)
	if err != nil {
		return nil, err
	}
	part := findPart(msg.Payload, attachmentID)
	if part == nil {
		return nil, mberrors.NotFound("gmail.GetAttachment", "attachment %s not found on message %s", attachmentID, messageID)
	}

	attachment := &dto.Attachment{
		AttachmentDescriptor: dto.AttachmentDescriptor{
			ID:       attachmentID,
			Filename: part.Filename,
			MimeType: part.MimeType,
		},
	}
	if part.Body != nil && part.Body.Data != "" {
		attachment.Content = decodeData(part.Body.Data)
		attachment.Size = int64(len(attachment.Content))
		return attachment, nil
	}
	if part.Body == nil || part.Body.AttachmentId == "" {
		return nil, mberrors.NotFound("gmail.GetAttachment", "attachment %s has no content", attachmentID)
	}

	var body *gmail.MessagePartBody
	err = a.call(ctx, "GetAttachment", quotaUnitsAttachmentsGet, func(svc *gmail.Service) error {
		var err error
		body, err = svc.Users.Messages.Attachments.Get(me, messageID, part.Body.AttachmentId).Context(ctx).Do()
		return err
	})
	if err != nil {
		return nil, err
	}
	attachment.Content = decodeData(body.Data)
	attachment.Size = int64(len(attachment.Content))
	return attachment, nil
}

// RegisterSubscription starts a mailbox watch publishing to the configured
// Pub/Sub topic. Gmail decides the expiry; the requested one is not sent.
func (a *Adapter) RegisterSubscription(ctx context.Context, request dto.SubscriptionRequest) (*dto.SubscriptionGrant, error) {
	grant, err := a.watch(ctx, "RegisterSubscription")
	if err != nil {
		return nil, err
	}

	var profile *gmail.Profile
	err = a.call(ctx, "GetProfile", quotaUnitsGetProfile, func(svc *gmail.Service) error {
		var err error
		profile, err = svc.Users.GetProfile(me).Context(ctx).Do()
		return err
	})
	if err != nil {
		return nil, err
	}
	grant.NativeID = strings.ToLower(profile.EmailAddress)
	return grant, nil
}

// RenewSubscription re-issues the watch. The history cursor is left untouched so
// no changes between the two watches are skipped.
func (a *Adapter) RenewSubscription(ctx context.Context, nativeID string, request dto.SubscriptionRequest) (*dto.SubscriptionGrant, error) {
	grant, err := a.watch(ctx, "RenewSubscription")
	if err != nil {
		return nil, err
	}
	grant.NativeID = nativeID
	grant.Cursor = ""
	return grant, nil
}

func (a *Adapter) watch(ctx context.Context, method string) (*dto.SubscriptionGrant, error) {
	topic := a.backend.cfg.PubSubTopic
	if topic == "" {
		return nil, mberrors.Validation("gmail."+method, "pub/sub topic is not configured")
	}

	var resp *gmail.WatchResponse
	err := a.call(ctx, method, quotaUnitsWatch, func(svc *gmail.Service) error {
		var err error
		resp, err = svc.Users.Watch(me, &gmail.WatchRequest{TopicName: topic}).Context(ctx).Do()
		return err
	})
	if err != nil {
		return nil, err
	}
	return &dto.SubscriptionGrant{
		Resource:  "users/" + me,
		ExpiresAt: time.UnixMilli(resp.Expiration).UTC(),
		Cursor:    strconv.FormatUint(resp.HistoryId, 10),
		Secret:    a.backend.cfg.PushToken,
	}, nil
}

func (a *Adapter) CancelSubscription(ctx context.Context, nativeID string) error {
	return a.call(ctx, "CancelSubscription", quotaUnitsStop, func(svc *gmail.Service) error {
		return svc.Users.Stop(me).Context(ctx).Do()
	})
}

// ListChanges expands history since the cursor into message level changes.
func (a *Adapter) ListChanges(ctx context.Context, sinceCursor string) (*dto.HistoryPage, error) {
	startID, err := strconv.ParseUint(sinceCursor, 10, 64)
	if err != nil {
		return nil, mberrors.Validation("gmail.ListChanges", "invalid history cursor %q", sinceCursor)
	}

	page := &dto.HistoryPage{Cursor: sinceCursor}
	seen := make(map[dto.Change]bool)
	add := func(kind enum.ChangeKind, msg *gmail.Message) {
		if msg == nil {
			return
		}
		change := dto.Change{Kind: kind, MessageID: msg.Id, ThreadID: msg.ThreadId}
		if seen[change] {
			return
		}
		seen[change] = true
		page.Changes = append(page.Changes, change)
	}

	pageToken := ""
	for {
		var resp *gmail.ListHistoryResponse
		err = a.call(ctx, "ListChanges", quotaUnitsHistoryList, func(svc *gmail.Service) error {
			req := svc.Users.History.List(me).StartHistoryId(startID).HistoryTypes(historyTypes...).Context(ctx)
			if pageToken != "" {
				req = req.PageToken(pageToken)
			}
			var err error
			resp, err = req.Do()
			return err
		})
		if err != nil {
			return nil, err
		}

		for _, h := range resp.History {
			for _, added := range h.MessagesAdded {
				add(enum.ChangeCreated, added.Message)
			}
			for _, labelAdded := range h.LabelsAdded {
				add(enum.ChangeUpdated, labelAdded.Message)
			}
			for _, labelRemoved := range h.LabelsRemoved {
				add(enum.ChangeUpdated, labelRemoved.Message)
			}
			for _, deleted := range h.MessagesDeleted {
				add(enum.ChangeDeleted, deleted.Message)
			}
		}
		if resp.HistoryId > 0 {
			page.Cursor = strconv.FormatUint(resp.HistoryId, 10)
		}
		if resp.NextPageToken == "" {
			break
		}
		pageToken = resp.NextPageToken
	}
	return page, nil
}
