package outlook

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/time/rate"

	"github.com/customeros/mailbridge/dto"
	"github.com/customeros/mailbridge/interfaces"
	"github.com/customeros/mailbridge/internal/enum"
	mberrors "github.com/customeros/mailbridge/internal/errors"
	"github.com/customeros/mailbridge/services/normalizer"
)

const (
	defaultPageSize = 25
	maxPageSize     = 1000
	folderPageSize  = 100

	messageSelect    = "id,conversationId,subject,from,toRecipients,ccRecipients,bccRecipients,body,receivedDateTime,isRead,parentFolderId,hasAttachments"
	attachmentExpand = "attachments($select=id,name,contentType,size,isInline)"

	subscriptionChangeTypes = "created,updated,deleted"
	subscriptionResource    = "me/messages"
)

// Adapter talks to Microsoft Graph on behalf of one account lease. Message ids
// are immutable ids so they survive moves between folders.
type Adapter struct {
	backend *Backend
	lease   interfaces.CredentialLease
	limiter *rate.Limiter
}

var _ interfaces.MailboxAdapter = (*Adapter)(nil)

func (a *Adapter) Kind() enum.BackendKind {
	return enum.BackendOutlook
}

func (a *Adapter) ListMessages(ctx context.Context, query dto.ListQuery) (*dto.MessagePage, error) {
	if err := normalizer.CheckCursor(query.Cursor, enum.BackendOutlook); err != nil {
		return nil, err
	}

	var r request
	if query.Cursor != nil {
		r = request{method: http.MethodGet, path: query.Cursor.Token}
	} else {
		params := url.Values{}
		if strings.TrimSpace(query.Query) != "" {
			parsed, err := normalizer.ParseQuery(query.Query)
			if err != nil {
				return nil, err
			}
			if params, err = parsed.GraphParams(); err != nil {
				return nil, err
			}
		}
		pageSize := query.PageSize
		if pageSize <= 0 {
			pageSize = defaultPageSize
		}
		if pageSize > maxPageSize {
			pageSize = maxPageSize
		}
		params.Set("$top", strconv.FormatInt(pageSize, 10))
		params.Set("$select", messageSelect)
		params.Set("$expand", attachmentExpand)
		if params.Get("$search") == "" && params.Get("$filter") == "" {
			params.Set("$orderby", "receivedDateTime desc")
		}

		path := "me/messages"
		if query.UnitID != "" {
			path = "me/mailFolders/" + url.PathEscape(query.UnitID) + "/messages"
		}
		r = request{method: http.MethodGet, path: path, query: params}
	}

	var list graphList[graphMessage]
	r.out = &list
	if err := a.do(ctx, "ListMessages", r); err != nil {
		return nil, err
	}

	page := &dto.MessagePage{Messages: make([]dto.UnifiedMessage, 0, len(list.Value))}
	for i := range list.Value {
		page.Messages = append(page.Messages, toUnifiedMessage(&list.Value[i]))
	}
	if list.NextLink != "" {
		page.Next = &dto.SyncCursor{Kind: enum.BackendOutlook, Token: list.NextLink}
	}
	return page, nil
}

func (a *Adapter) GetMessage(ctx context.Context, messageID string) (*dto.UnifiedMessage, error) {
	if messageID == "" {
		return nil, mberrors.Validation("outlook.GetMessage", "message id is required")
	}
	var m graphMessage
	err := a.do(ctx, "GetMessage", request{
		method: http.MethodGet,
		path:   "me/messages/" + url.PathEscape(messageID),
		query:  url.Values{"$select": {messageSelect}, "$expand": {attachmentExpand}},
		out:    &m,
	})
	if err != nil {
		return nil, err
	}
	unified := toUnifiedMessage(&m)
	return &unified, nil
}

func (a *Adapter) Search(ctx context.Context, query dto.ListQuery) (*dto.MessagePage, error) {
	if strings.TrimSpace(query.Query) == "" && query.Cursor == nil {
		return nil, mberrors.Validation("outlook.Search", "search query is required")
	}
	return a.ListMessages(ctx, query)
}

// SendMessage sends a new message, or a reply when InReplyTo names a message id.
// Graph does not return the id of a sent message.
func (a *Adapter) SendMessage(ctx context.Context, message dto.OutgoingMessage) (*dto.SentMessage, error) {
	if len(message.To)+len(message.Cc)+len(message.Bcc) == 0 {
		return nil, mberrors.Validation("outlook.SendMessage", "at least one recipient is required")
	}
	graphMsg := toGraphMessage(message)

	if message.InReplyTo != "" {
		err := a.do(ctx, "SendMessage", request{
			method: http.MethodPost,
			path:   "me/messages/" + url.PathEscape(message.InReplyTo) + "/reply",
			body:   map[string]interface{}{"message": graphMsg},
		})
		if err != nil {
			return nil, err
		}
		return &dto.SentMessage{ThreadID: message.ThreadID}, nil
	}

	err := a.do(ctx, "SendMessage", request{
		method: http.MethodPost,
		path:   "me/sendMail",
		body:   map[string]interface{}{"message": graphMsg, "saveToSentItems": true},
	})
	if err != nil {
		return nil, err
	}
	return &dto.SentMessage{}, nil
}

func (a *Adapter) DeleteMessage(ctx context.Context, messageID string) error {
	return a.do(ctx, "DeleteMessage", request{
		method: http.MethodDelete,
		path:   "me/messages/" + url.PathEscape(messageID),
	})
}

func (a *Adapter) SetReadState(ctx context.Context, messageID string, read bool) error {
	return a.do(ctx, "SetReadState", request{
		method: http.MethodPatch,
		path:   "me/messages/" + url.PathEscape(messageID),
		body:   map[string]bool{"isRead": read},
	})
}

func (a *Adapter) AddToUnit(ctx context.Context, messageID, unitID string) error {
	return mberrors.Validation("outlook.AddToUnit", "a message lives in exactly one folder; move it instead")
}

func (a *Adapter) MoveToUnit(ctx context.Context, messageID, unitID string) error {
	if messageID == "" || unitID == "" {
		return mberrors.Validation("outlook.MoveToUnit", "message id and folder id are required")
	}
	return a.do(ctx, "MoveToUnit", request{
		method: http.MethodPost,
		path:   "me/messages/" + url.PathEscape(messageID) + "/move",
		body:   map[string]string{"destinationId": unitID},
		out:    &graphMessage{},
	})
}

func (a *Adapter) RemoveFromUnit(ctx context.Context, messageID, unitID string) error {
	return mberrors.Validation("outlook.RemoveFromUnit", "a message lives in exactly one folder; move it instead")
}

// ListFolders walks the folder tree, top level first.
func (a *Adapter) ListFolders(ctx context.Context) ([]dto.UnifiedFolder, error) {
	var folders []dto.UnifiedFolder
	queue := []string{"me/mailFolders"}
	for len(queue) > 0 {
		path := queue[0]
		queue = queue[1:]

		r := request{
			method: http.MethodGet,
			path:   path,
			query:  url.Values{"$top": {strconv.Itoa(folderPageSize)}},
		}
		for {
			var list graphList[graphFolder]
			r.out = &list
			if err := a.do(ctx, "ListFolders", r); err != nil {
				return nil, err
			}
			for _, f := range list.Value {
				folders = append(folders, toUnifiedFolder(f))
				if f.ChildFolderCount > 0 {
					queue = append(queue, "me/mailFolders/"+url.PathEscape(f.ID)+"/childFolders")
				}
			}
			if list.NextLink == "" {
				break
			}
			r = request{method: http.MethodGet, path: list.NextLink}
		}
	}
	return folders, nil
}

func (a *Adapter) CreateFolder(ctx context.Context, input dto.FolderInput) (*dto.UnifiedFolder, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return nil, mberrors.Validation("outlook.CreateFolder", "folder name is required")
	}
	path := "me/mailFolders"
	if input.ParentID != "" {
		path = "me/mailFolders/" + url.PathEscape(input.ParentID) + "/childFolders"
	}
	var created graphFolder
	err := a.do(ctx, "CreateFolder", request{
		method: http.MethodPost,
		path:   path,
		body:   graphFolder{DisplayName: name},
		out:    &created,
	})
	if err != nil {
		return nil, err
	}
	folder := toUnifiedFolder(created)
	return &folder, nil
}

// UpdateFolder renames a folder and moves it when a new parent is given.
func (a *Adapter) UpdateFolder(ctx context.Context, folderID string, input dto.FolderInput) (*dto.UnifiedFolder, error) {
	if _, wellKnown := normalizer.WellKnownName(enum.BackendOutlook, folderID); wellKnown {
		return nil, mberrors.Validation("outlook.UpdateFolder", "well-known folder %s cannot be changed", folderID)
	}
	var updated graphFolder
	if name := strings.TrimSpace(input.Name); name != "" {
		err := a.do(ctx, "UpdateFolder", request{
			method: http.MethodPatch,
			path:   "me/mailFolders/" + url.PathEscape(folderID),
			body:   graphFolder{DisplayName: name},
			out:    &updated,
		})
		if err != nil {
			return nil, err
		}
	}
	if input.ParentID != "" {
		err := a.do(ctx, "UpdateFolder", request{
			method: http.MethodPost,
			path:   "me/mailFolders/" + url.PathEscape(folderID) + "/move",
			body:   map[string]string{"destinationId": input.ParentID},
			out:    &updated,
		})
		if err != nil {
			return nil, err
		}
	}
	if updated.ID == "" {
		return nil, mberrors.Validation("outlook.UpdateFolder", "nothing to update")
	}
	folder := toUnifiedFolder(updated)
	return &folder, nil
}

func (a *Adapter) DeleteFolder(ctx context.Context, folderID string) error {
	if _, wellKnown := normalizer.WellKnownName(enum.BackendOutlook, folderID); wellKnown {
		return mberrors.Validation("outlook.DeleteFolder", "well-known folder %s cannot be deleted", folderID)
	}
	return a.do(ctx, "DeleteFolder", request{
		method: http.MethodDelete,
		path:   "me/mailFolders/" + url.PathEscape(folderID),
	})
}

// GetThread collects the conversation. Graph rejects ordering on this filter,
// so ordering happens locally.
func (a *Adapter) GetThread(ctx context.Context, threadID string) (*dto.UnifiedThread, error) {
	if threadID == "" {
		return nil, mberrors.Validation("outlook.GetThread", "thread id is required")
	}
	r := request{
		method: http.MethodGet,
		path:   "me/messages",
		query: url.Values{
			"$filter": {"conversationId eq '" + strings.ReplaceAll(threadID, "'", "''") + "'"},
			"$select": {messageSelect},
			"$expand": {attachmentExpand},
			"$top":    {strconv.Itoa(folderPageSize)},
		},
	}
	var messages []dto.UnifiedMessage
	for {
		var list graphList[graphMessage]
		r.out = &list
		if err := a.do(ctx, "GetThread", r); err != nil {
			return nil, err
		}
		for i := range list.Value {
			messages = append(messages, toUnifiedMessage(&list.Value[i]))
		}
		if list.NextLink == "" {
			break
		}
		r = request{method: http.MethodGet, path: list.NextLink}
	}
	if len(messages) == 0 {
		return nil, mberrors.NotFound("outlook.GetThread", "conversation %s not found", threadID)
	}
	return normalizer.BuildThread(threadID, messages), nil
}

func (a *Adapter) GetAttachment(ctx context.Context, messageID, attachmentID string) (*dto.Attachment, error) {
	var att graphAttachment
	err := a.do(ctx, "GetAttachment", request{
		method: http.MethodGet,
		path:   "me/messages/" + url.PathEscape(messageID) + "/attachments/" + url.PathEscape(attachmentID),
		out:    &att,
	})
	if err != nil {
		return nil, err
	}
	if att.ODataType != "" && att.ODataType != fileAttachmentType {
		return nil, mberrors.Validation("outlook.GetAttachment", "attachment type %s has no file content", att.ODataType)
	}
	return &dto.Attachment{
		AttachmentDescriptor: dto.AttachmentDescriptor{
			ID:       att.ID,
			Filename: att.Name,
			MimeType: att.ContentType,
			Size:     att.Size,
		},
		Content: att.ContentBytes,
	}, nil
}

func (a *Adapter) RegisterSubscription(ctx context.Context, req dto.SubscriptionRequest) (*dto.SubscriptionGrant, error) {
	if req.NotificationURL == "" || req.Secret == "" {
		return nil, mberrors.Validation("outlook.RegisterSubscription", "notification url and secret are required")
	}
	var created graphSubscription
	err := a.do(ctx, "RegisterSubscription", request{
		method: http.MethodPost,
		path:   "subscriptions",
		body: graphSubscription{
			ChangeType:         subscriptionChangeTypes,
			NotificationURL:    req.NotificationURL,
			Resource:           subscriptionResource,
			ClientState:        req.Secret,
			ExpirationDateTime: req.ExpiresAt.UTC(),
		},
		out: &created,
	})
	if err != nil {
		return nil, err
	}
	return &dto.SubscriptionGrant{
		NativeID:  created.ID,
		Resource:  created.Resource,
		ExpiresAt: created.ExpirationDateTime.UTC(),
	}, nil
}

func (a *Adapter) RenewSubscription(ctx context.Context, nativeID string, req dto.SubscriptionRequest) (*dto.SubscriptionGrant, error) {
	var renewed graphSubscription
	err := a.do(ctx, "RenewSubscription", request{
		method: http.MethodPatch,
		path:   "subscriptions/" + url.PathEscape(nativeID),
		body:   map[string]interface{}{"expirationDateTime": req.ExpiresAt.UTC()},
		out:    &renewed,
	})
	if err != nil {
		return nil, err
	}
	return &dto.SubscriptionGrant{
		NativeID:  nativeID,
		Resource:  renewed.Resource,
		ExpiresAt: renewed.ExpirationDateTime.UTC(),
	}, nil
}

// CancelSubscription treats an already removed subscription as cancelled.
func (a *Adapter) CancelSubscription(ctx context.Context, nativeID string) error {
	err := a.do(ctx, "CancelSubscription", request{
		method: http.MethodDelete,
		path:   "subscriptions/" + url.PathEscape(nativeID),
	})
	if mberrors.KindOf(err) == mberrors.KindNotFound {
		return nil
	}
	return err
}
