package gmail

import (
	"bytes"
	"encoding/base64"
	"mime"
	"strings"

	"github.com/jhillyerd/enmime"

	"github.com/customeros/mailbridge/dto"
	mberrors "github.com/customeros/mailbridge/internal/errors"
)

// buildRawMessage renders an outgoing message as base64url RFC 5322 for messages.send.
func buildRawMessage(message dto.OutgoingMessage) (string, error) {
	const op = "gmail.SendMessage"

	builder := enmime.Builder().
		From(message.From.Name, message.From.Address).
		Subject(message.Subject)
	for _, to := range message.To {
		builder = builder.To(to.Name, to.Address)
	}
	for _, cc := range message.Cc {
		builder = builder.CC(cc.Name, cc.Address)
	}
	if len(message.Bcc) > 0 {
		for _, bcc := range message.Bcc {
			builder = builder.BCC(bcc.Name, bcc.Address)
		}
		// gmail reads Bcc recipients from the raw headers and strips them on delivery
		builder = builder.Header("Bcc", formatAddresses(message.Bcc))
	}
	if message.InReplyTo != "" {
		builder = builder.Header("In-Reply-To", message.InReplyTo).Header("References", message.InReplyTo)
	}
	if message.BodyText != "" {
		builder = builder.Text([]byte(message.BodyText))
	}
	if message.BodyHTML != "" {
		builder = builder.HTML([]byte(message.BodyHTML))
	}
	for _, attachment := range message.Attachments {
		contentType := attachment.MimeType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		builder = builder.AddAttachment(attachment.Content, contentType, attachment.Filename)
	}

	root, err := builder.Build()
	if err != nil {
		return "", mberrors.New(mberrors.KindValidation, op, "invalid outgoing message", err)
	}
	var buf bytes.Buffer
	if err = root.Encode(&buf); err != nil {
		return "", mberrors.New(mberrors.KindValidation, op, "failed to encode outgoing message", err)
	}
	return base64.URLEncoding.EncodeToString(buf.Bytes()), nil
}

func formatAddresses(addresses []dto.EmailAddress) string {
	parts := make([]string, len(addresses))
	for i, a := range addresses {
		if a.Name != "" {
			parts[i] = mime.QEncoding.Encode("utf-8", a.Name) + " <" + a.Address + ">"
		} else {
			parts[i] = a.Address
		}
	}
	return strings.Join(parts, ", ")
}
