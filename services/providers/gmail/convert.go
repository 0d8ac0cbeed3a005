package gmail

import (
	"encoding/base64"
	"net/mail"
	"strings"
	"time"

	"google.golang.org/api/gmail/v1"

	"github.com/customeros/mailbridge/dto"
	"github.com/customeros/mailbridge/internal/enum"
	"github.com/customeros/mailbridge/services/normalizer"
)

const (
	labelUnread = "UNREAD"
	labelInbox  = "INBOX"
)

// labels that describe state rather than placement; MoveToUnit leaves them alone
var stateLabels = map[string]bool{
	labelUnread: true,
	"STARRED":   true,
	"IMPORTANT": true,
	"SENT":      true,
	"DRAFT":     true,
	"CHAT":      true,
}

func isPlacementLabel(labelID string) bool {
	return !stateLabels[labelID] && !strings.HasPrefix(labelID, "CATEGORY_")
}

func toUnifiedMessage(msg *gmail.Message) dto.UnifiedMessage {
	result := dto.UnifiedMessage{
		ID:         msg.Id,
		ThreadID:   msg.ThreadId,
		Backend:    enum.BackendGoogleWorkspace,
		ReceivedAt: time.UnixMilli(msg.InternalDate).UTC(),
		IsRead:     true,
		Units:      []string{},
	}
	for _, label := range msg.LabelIds {
		if label == labelUnread {
			result.IsRead = false
			continue
		}
		result.Units = append(result.Units, label)
	}

	if msg.Payload == nil {
		return result
	}
	for _, h := range msg.Payload.Headers {
		switch strings.ToLower(h.Name) {
		case "subject":
			result.Subject = h.Value
		case "from":
			result.From = parseAddress(h.Value)
		case "to":
			result.To = parseAddressList(h.Value)
		case "cc":
			result.Cc = parseAddressList(h.Value)
		case "bcc":
			result.Bcc = parseAddressList(h.Value)
		}
	}

	var text, html string
	extractBody(msg.Payload, &text, &html)
	result.BodyText, result.BodyHTML = normalizer.FillBodyVariants(text, html)
	result.Attachments = extractAttachments(msg.Payload)
	return result
}

func extractBody(part *gmail.MessagePart, text, html *string) {
	if part == nil {
		return
	}
	if part.Filename == "" && part.Body != nil && part.Body.Data != "" {
		switch part.MimeType {
		case "text/plain":
			if *text == "" {
				*text = string(decodeData(part.Body.Data))
			}
		case "text/html":
			if *html == "" {
				*html = string(decodeData(part.Body.Data))
			}
		}
	}
	for _, p := range part.Parts {
		extractBody(p, text, html)
	}
}

// extractAttachments uses the part id as attachment id; Gmail attachment ids
// change between fetches of the same message.
func extractAttachments(part *gmail.MessagePart) []dto.AttachmentDescriptor {
	if part == nil {
		return nil
	}
	var attachments []dto.AttachmentDescriptor
	if part.Filename != "" {
		descriptor := dto.AttachmentDescriptor{
			ID:       part.PartId,
			Filename: part.Filename,
			MimeType: part.MimeType,
		}
		if part.Body != nil {
			descriptor.Size = part.Body.Size
		}
		attachments = append(attachments, descriptor)
	}
	for _, p := range part.Parts {
		attachments = append(attachments, extractAttachments(p)...)
	}
	return attachments
}

func findPart(part *gmail.MessagePart, partID string) *gmail.MessagePart {
	if part == nil {
		return nil
	}
	if part.PartId == partID && part.Filename != "" {
		return part
	}
	for _, p := range part.Parts {
		if found := findPart(p, partID); found != nil {
			return found
		}
	}
	return nil
}

// decodeData accepts base64url with or without padding.
func decodeData(data string) []byte {
	if decoded, err := base64.URLEncoding.DecodeString(data); err == nil {
		return decoded
	}
	decoded, _ := base64.RawURLEncoding.DecodeString(strings.TrimRight(data, "="))
	return decoded
}

func parseAddress(s string) dto.EmailAddress {
	addr, err := mail.ParseAddress(s)
	if err != nil {
		return dto.EmailAddress{Address: strings.TrimSpace(s)}
	}
	return dto.EmailAddress{Name: addr.Name, Address: addr.Address}
}

func parseAddressList(s string) []dto.EmailAddress {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	list, err := mail.ParseAddressList(s)
	if err != nil {
		return []dto.EmailAddress{{Address: strings.TrimSpace(s)}}
	}
	result := make([]dto.EmailAddress, len(list))
	for i, addr := range list {
		result[i] = dto.EmailAddress{Name: addr.Name, Address: addr.Address}
	}
	return result
}

func toUnifiedFolder(label *gmail.Label) dto.UnifiedFolder {
	return dto.UnifiedFolder{
		ID:          label.Id,
		Name:        label.Name,
		NativeID:    label.Id,
		Kind:        enum.UnitLabel,
		System:      label.Type == "system",
		UnreadCount: label.MessagesUnread,
		TotalCount:  label.MessagesTotal,
	}
}

// linkNestedLabels derives parent ids from Gmail's "Parent/Child" label names.
func linkNestedLabels(folders []dto.UnifiedFolder) {
	byName := make(map[string]string, len(folders))
	for _, f := range folders {
		byName[f.Name] = f.ID
	}
	for i := range folders {
		idx := strings.LastIndex(folders[i].Name, "/")
		if idx <= 0 {
			continue
		}
		if parentID, ok := byName[folders[i].Name[:idx]]; ok {
			folders[i].ParentID = parentID
		}
	}
}
