package dto

import (
	"time"

	"github.com/customeros/mailbridge/internal/enum"
)

type EmailAddress struct {
	Name    string `json:"name,omitempty"`
	Address string `json:"address"`
}

// AttachmentDescriptor describes an attachment without its content.
type AttachmentDescriptor struct {
	ID       string `json:"id"`
	Filename string `json:"filename"`
	MimeType string `json:"mimeType"`
	Size     int64  `json:"size"`
}

type Attachment struct {
	AttachmentDescriptor
	Content []byte `json:"-"`
}

// UnifiedMessage is a message in the backend independent model. Units is a set
// of backend native unit ids kept in backend order; for the single folder
// backend it holds at most one element.
type UnifiedMessage struct {
	ID          string                 `json:"id"`
	ThreadID    string                 `json:"threadId"`
	Backend     enum.BackendKind       `json:"backend"`
	From        EmailAddress           `json:"from"`
	To          []EmailAddress         `json:"to,omitempty"`
	Cc          []EmailAddress         `json:"cc,omitempty"`
	Bcc         []EmailAddress         `json:"bcc,omitempty"`
	Subject     string                 `json:"subject"`
	BodyText    string                 `json:"bodyText,omitempty"`
	BodyHTML    string                 `json:"bodyHtml,omitempty"`
	ReceivedAt  time.Time              `json:"receivedAt"`
	IsRead      bool                   `json:"isRead"`
	Units       []string               `json:"units"`
	Attachments []AttachmentDescriptor `json:"attachments,omitempty"`
}

func (m *UnifiedMessage) HasUnit(unitID string) bool {
	for _, u := range m.Units {
		if u == unitID {
			return true
		}
	}
	return false
}

type UnifiedFolder struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	NativeID    string        `json:"nativeId"`
	Kind        enum.UnitKind `json:"kind"`
	System      bool          `json:"system"`
	ParentID    string        `json:"parentId,omitempty"`
	UnreadCount int64         `json:"unreadCount"`
	TotalCount  int64         `json:"totalCount"`
}

type UnifiedThread struct {
	ID         string           `json:"id"`
	MessageIDs []string         `json:"messageIds"`
	Messages   []UnifiedMessage `json:"messages,omitempty"`
}

// SyncCursor is an opaque continuation token tagged with the backend that issued it.
type SyncCursor struct {
	Kind  enum.BackendKind `json:"kind"`
	Token string           `json:"token"`
}

type MessagePage struct {
	Messages []UnifiedMessage `json:"messages"`
	Next     *SyncCursor      `json:"-"`
}

type ListQuery struct {
	UnitID   string
	Query    string
	PageSize int64
	Cursor   *SyncCursor
}

type OutgoingAttachment struct {
	Filename string `json:"filename"`
	MimeType string `json:"mimeType"`
	Content  []byte `json:"content"`
}

type OutgoingMessage struct {
	From        EmailAddress         `json:"from"`
	To          []EmailAddress       `json:"to"`
	Cc          []EmailAddress       `json:"cc,omitempty"`
	Bcc         []EmailAddress       `json:"bcc,omitempty"`
	Subject     string               `json:"subject"`
	BodyText    string               `json:"bodyText,omitempty"`
	BodyHTML    string               `json:"bodyHtml,omitempty"`
	ThreadID    string               `json:"threadId,omitempty"`
	InReplyTo   string               `json:"inReplyTo,omitempty"`
	Attachments []OutgoingAttachment `json:"attachments,omitempty"`
}

type SentMessage struct {
	ID       string `json:"id,omitempty"`
	ThreadID string `json:"threadId,omitempty"`
}

type FolderInput struct {
	Name     string `json:"name"`
	ParentID string `json:"parentId,omitempty"`
}

type SubscriptionRequest struct {
	NotificationURL string
	Secret          string
	ExpiresAt       time.Time
}

// SubscriptionGrant is what the backend actually granted, which may differ from the request.
type SubscriptionGrant struct {
	NativeID  string
	Resource  string
	ExpiresAt time.Time
	Cursor    string
	// Secret is set when the backend presents a fixed secret instead of the requested one.
	Secret string
}

// ListRequest is the transport level list/search request; Cursor is an encoded SyncCursor.
type ListRequest struct {
	Unit     string `form:"unit" json:"unit,omitempty"`
	Query    string `form:"q" json:"q,omitempty"`
	PageSize int64  `form:"pageSize" json:"pageSize,omitempty"`
	Cursor   string `form:"cursor" json:"cursor,omitempty"`
}

type MessageList struct {
	Messages   []UnifiedMessage `json:"messages"`
	NextCursor string           `json:"nextCursor,omitempty"`
}
