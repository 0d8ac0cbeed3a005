package outlook

import (
	"strings"
	"time"

	"github.com/customeros/mailbridge/dto"
	"github.com/customeros/mailbridge/internal/enum"
	"github.com/customeros/mailbridge/services/normalizer"
)

const fileAttachmentType = "#microsoft.graph.fileAttachment"

type graphEmailAddress struct {
	Name    string `json:"name,omitempty"`
	Address string `json:"address"`
}

type graphRecipient struct {
	EmailAddress graphEmailAddress `json:"emailAddress"`
}

type graphBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

type graphAttachment struct {
	ODataType    string `json:"@odata.type,omitempty"`
	ID           string `json:"id,omitempty"`
	Name         string `json:"name"`
	ContentType  string `json:"contentType,omitempty"`
	Size         int64  `json:"size,omitempty"`
	IsInline     bool   `json:"isInline,omitempty"`
	ContentBytes []byte `json:"contentBytes,omitempty"`
}

type graphMessage struct {
	ID               string            `json:"id,omitempty"`
	ConversationID   string            `json:"conversationId,omitempty"`
	Subject          string            `json:"subject"`
	From             *graphRecipient   `json:"from,omitempty"`
	ToRecipients     []graphRecipient  `json:"toRecipients,omitempty"`
	CcRecipients     []graphRecipient  `json:"ccRecipients,omitempty"`
	BccRecipients    []graphRecipient  `json:"bccRecipients,omitempty"`
	Body             *graphBody        `json:"body,omitempty"`
	ReceivedDateTime *time.Time        `json:"receivedDateTime,omitempty"`
	IsRead           bool              `json:"isRead,omitempty"`
	ParentFolderID   string            `json:"parentFolderId,omitempty"`
	HasAttachments   bool              `json:"hasAttachments,omitempty"`
	Attachments      []graphAttachment `json:"attachments,omitempty"`
}

type graphFolder struct {
	ID               string `json:"id,omitempty"`
	DisplayName      string `json:"displayName"`
	ParentFolderID   string `json:"parentFolderId,omitempty"`
	ChildFolderCount int64  `json:"childFolderCount,omitempty"`
	UnreadItemCount  int64  `json:"unreadItemCount,omitempty"`
	TotalItemCount   int64  `json:"totalItemCount,omitempty"`
}

type graphSubscription struct {
	ID                 string    `json:"id,omitempty"`
	ChangeType         string    `json:"changeType,omitempty"`
	NotificationURL    string    `json:"notificationUrl,omitempty"`
	Resource           string    `json:"resource,omitempty"`
	ClientState        string    `json:"clientState,omitempty"`
	ExpirationDateTime time.Time `json:"expirationDateTime"`
}

type graphList[T any] struct {
	Value    []T    `json:"value"`
	NextLink string `json:"@odata.nextLink,omitempty"`
}

func toEmailAddress(r *graphRecipient) dto.EmailAddress {
	if r == nil {
		return dto.EmailAddress{}
	}
	return dto.EmailAddress{Name: r.EmailAddress.Name, Address: r.EmailAddress.Address}
}

func toEmailAddresses(recipients []graphRecipient) []dto.EmailAddress {
	if len(recipients) == 0 {
		return nil
	}
	result := make([]dto.EmailAddress, len(recipients))
	for i := range recipients {
		result[i] = toEmailAddress(&recipients[i])
	}
	return result
}

func toRecipients(addresses []dto.EmailAddress) []graphRecipient {
	if len(addresses) == 0 {
		return nil
	}
	result := make([]graphRecipient, len(addresses))
	for i, a := range addresses {
		result[i] = graphRecipient{EmailAddress: graphEmailAddress{Name: a.Name, Address: a.Address}}
	}
	return result
}

func toUnifiedMessage(m *graphMessage) dto.UnifiedMessage {
	result := dto.UnifiedMessage{
		ID:       m.ID,
		ThreadID: m.ConversationID,
		Backend:  enum.BackendOutlook,
		From:     toEmailAddress(m.From),
		To:       toEmailAddresses(m.ToRecipients),
		Cc:       toEmailAddresses(m.CcRecipients),
		Bcc:      toEmailAddresses(m.BccRecipients),
		Subject:  m.Subject,
		IsRead:   m.IsRead,
		Units:    []string{},
	}
	if m.ReceivedDateTime != nil {
		result.ReceivedAt = m.ReceivedDateTime.UTC()
	}
	if m.ParentFolderID != "" {
		result.Units = []string{m.ParentFolderID}
	}
	if m.Body != nil {
		if strings.EqualFold(m.Body.ContentType, "html") {
			result.BodyText, result.BodyHTML = normalizer.FillBodyVariants("", m.Body.Content)
		} else {
			result.BodyText = m.Body.Content
		}
	}
	for _, a := range m.Attachments {
		result.Attachments = append(result.Attachments, dto.AttachmentDescriptor{
			ID:       a.ID,
			Filename: a.Name,
			MimeType: a.ContentType,
			Size:     a.Size,
		})
	}
	return result
}

func toUnifiedFolder(f graphFolder) dto.UnifiedFolder {
	_, system := normalizer.WellKnownName(enum.BackendOutlook, f.DisplayName)
	return dto.UnifiedFolder{
		ID:          f.ID,
		Name:        f.DisplayName,
		NativeID:    f.ID,
		Kind:        enum.UnitFolder,
		System:      system || isSystemFolderName(f.DisplayName),
		ParentID:    f.ParentFolderID,
		UnreadCount: f.UnreadItemCount,
		TotalCount:  f.TotalItemCount,
	}
}

var systemFolderNames = map[string]bool{
	"inbox":         true,
	"archive":       true,
	"sent items":    true,
	"drafts":        true,
	"deleted items": true,
	"junk email":    true,
	"outbox":        true,
}

func isSystemFolderName(name string) bool {
	return systemFolderNames[strings.ToLower(name)]
}

func toGraphMessage(message dto.OutgoingMessage) *graphMessage {
	m := &graphMessage{
		Subject:       message.Subject,
		ToRecipients:  toRecipients(message.To),
		CcRecipients:  toRecipients(message.Cc),
		BccRecipients: toRecipients(message.Bcc),
	}
	if message.From.Address != "" {
		m.From = &graphRecipient{EmailAddress: graphEmailAddress{Name: message.From.Name, Address: message.From.Address}}
	}
	switch {
	case message.BodyHTML != "":
		m.Body = &graphBody{ContentType: "HTML", Content: message.BodyHTML}
	default:
		m.Body = &graphBody{ContentType: "Text", Content: message.BodyText}
	}
	for _, a := range message.Attachments {
		m.Attachments = append(m.Attachments, graphAttachment{
			ODataType:    fileAttachmentType,
			Name:         a.Filename,
			ContentType:  a.MimeType,
			ContentBytes: a.Content,
		})
	}
	return m
}
