package mailbox

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/customeros/mailsherpa/mailvalidate"
	"github.com/opentracing/opentracing-go"
	"github.com/opentracing/opentracing-go/log"

	"github.com/customeros/mailbridge/dto"
	"github.com/customeros/mailbridge/interfaces"
	mberrors "github.com/customeros/mailbridge/internal/errors"
	"github.com/customeros/mailbridge/internal/logger"
	"github.com/customeros/mailbridge/internal/models"
	"github.com/customeros/mailbridge/internal/tracing"
	"github.com/customeros/mailbridge/services/normalizer"
)

const maxPageSize = 500

type mailboxService struct {
	log           logger.Logger
	accounts      interfaces.AccountRepository
	resolver      interfaces.AdapterResolver
	subscriptions interfaces.SubscriptionManager
	storage       interfaces.StorageService
}

// NewMailboxService builds the unified operation contract. storage may be nil,
// in which case attachments are always fetched from the backend.
func NewMailboxService(log logger.Logger, accounts interfaces.AccountRepository, resolver interfaces.AdapterResolver, subscriptions interfaces.SubscriptionManager, storage interfaces.StorageService) interfaces.MailboxService {
	return &mailboxService{
		log:           log,
		accounts:      accounts,
		resolver:      resolver,
		subscriptions: subscriptions,
		storage:       storage,
	}
}

func startSpan(ctx context.Context, method, accountID string) (opentracing.Span, context.Context) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "MailboxService."+method)
	tracing.SetDefaultServiceSpanTags(ctx, span)
	tracing.TagAccount(span, accountID)
	return span, ctx
}

func (s *mailboxService) ListMessages(ctx context.Context, accountID string, request dto.ListRequest) (*dto.MessageList, error) {
	span, ctx := startSpan(ctx, "ListMessages", accountID)
	defer span.Finish()

	list, err := s.list(ctx, accountID, request, false)
	if err != nil {
		tracing.TraceErr(span, err)
	}
	return list, err
}

func (s *mailboxService) Search(ctx context.Context, accountID string, request dto.ListRequest) (*dto.MessageList, error) {
	span, ctx := startSpan(ctx, "Search", accountID)
	defer span.Finish()
	span.LogFields(log.String("query", request.Query))

	list, err := s.list(ctx, accountID, request, true)
	if err != nil {
		tracing.TraceErr(span, err)
	}
	return list, err
}

func (s *mailboxService) list(ctx context.Context, accountID string, request dto.ListRequest, search bool) (*dto.MessageList, error) {
	if request.PageSize < 0 || request.PageSize > maxPageSize {
		return nil, mberrors.Validation("mailbox.list", "page size must be between 1 and %d", maxPageSize)
	}
	if request.Query != "" {
		if _, err := normalizer.ParseQuery(request.Query); err != nil {
			return nil, err
		}
	}

	var page *dto.MessagePage
	err := s.resolver.Read(ctx, accountID, func(ctx context.Context, adapter interfaces.MailboxAdapter) error {
		cursor, err := normalizer.DecodeCursor(request.Cursor, adapter.Kind())
		if err != nil {
			return err
		}
		query := dto.ListQuery{Query: request.Query, PageSize: request.PageSize, Cursor: cursor}
		if request.Unit != "" {
			if query.UnitID, err = s.resolveUnit(ctx, adapter, request.Unit); err != nil {
				return err
			}
		}
		if search {
			page, err = adapter.Search(ctx, query)
		} else {
			page, err = adapter.ListMessages(ctx, query)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return &dto.MessageList{Messages: page.Messages, NextCursor: normalizer.EncodeCursor(page.Next)}, nil
}

func (s *mailboxService) GetMessage(ctx context.Context, accountID, messageID string) (*dto.UnifiedMessage, error) {
	span, ctx := startSpan(ctx, "GetMessage", accountID)
	defer span.Finish()

	var message *dto.UnifiedMessage
	err := s.resolver.Read(ctx, accountID, func(ctx context.Context, adapter interfaces.MailboxAdapter) error {
		var err error
		message, err = adapter.GetMessage(ctx, messageID)
		return err
	})
	if err != nil {
		tracing.TraceErr(span, err)
		return nil, err
	}
	return message, nil
}

func (s *mailboxService) SendMessage(ctx context.Context, accountID string, message dto.OutgoingMessage) (*dto.SentMessage, error) {
	span, ctx := startSpan(ctx, "SendMessage", accountID)
	defer span.Finish()

	account, err := s.account(ctx, accountID)
	if err != nil {
		tracing.TraceErr(span, err)
		return nil, err
	}
	if message.From.Address == "" {
		message.From = dto.EmailAddress{Name: account.DisplayName, Address: account.EmailAddress}
	}
	if err = validateOutgoing(&message); err != nil {
		tracing.TraceErr(span, err)
		return nil, err
	}

	var sent *dto.SentMessage
	err = s.resolver.Write(ctx, accountID, func(ctx context.Context, adapter interfaces.MailboxAdapter) error {
		sent, err = adapter.SendMessage(ctx, message)
		return err
	})
	if err != nil {
		tracing.TraceErr(span, err)
		return nil, err
	}
	return sent, nil
}

func validateOutgoing(message *dto.OutgoingMessage) error {
	const op = "mailbox.SendMessage"

	var problems []string
	check := func(field string, addresses []dto.EmailAddress) {
		for i := range addresses {
			validation := mailvalidate.ValidateEmailSyntax(addresses[i].Address)
			if !validation.IsValid {
				problems = append(problems, fmt.Sprintf("%s address %q is not valid", field, addresses[i].Address))
				continue
			}
			addresses[i].Address = validation.CleanEmail
		}
	}
	from := []dto.EmailAddress{message.From}
	check("from", from)
	message.From = from[0]
	check("to", message.To)
	check("cc", message.Cc)
	check("bcc", message.Bcc)

	if len(message.To)+len(message.Cc)+len(message.Bcc) == 0 {
		problems = append(problems, "at least one recipient is required")
	}
	if message.BodyText == "" && message.BodyHTML == "" && len(message.Attachments) == 0 {
		problems = append(problems, "message body is empty")
	}
	if len(problems) > 0 {
		return mberrors.Validation(op, "%s", strings.Join(problems, "; "))
	}
	return nil
}

func (s *mailboxService) DeleteMessage(ctx context.Context, accountID, messageID string) error {
	span, ctx := startSpan(ctx, "DeleteMessage", accountID)
	defer span.Finish()

	err := s.resolver.Write(ctx, accountID, func(ctx context.Context, adapter interfaces.MailboxAdapter) error {
		return adapter.DeleteMessage(ctx, messageID)
	})
	if err != nil {
		tracing.TraceErr(span, err)
	}
	return err
}

// SetReadState is idempotent on both backends, so it runs with read retries.
func (s *mailboxService) SetReadState(ctx context.Context, accountID, messageID string, read bool) error {
	span, ctx := startSpan(ctx, "SetReadState", accountID)
	defer span.Finish()
	span.LogFields(log.Bool("read", read))

	err := s.resolver.Read(ctx, accountID, func(ctx context.Context, adapter interfaces.MailboxAdapter) error {
		return adapter.SetReadState(ctx, messageID, read)
	})
	if err != nil {
		tracing.TraceErr(span, err)
	}
	return err
}

// AssignUnit places the message in unit and returns the message as it is after
// the assignment.
func (s *mailboxService) AssignUnit(ctx context.Context, accountID, messageID, unit string) (*dto.UnifiedMessage, error) {
	span, ctx := startSpan(ctx, "AssignUnit", accountID)
	defer span.Finish()
	span.LogFields(log.String("unit", unit))

	message, err := s.changeUnit(ctx, accountID, messageID, unit, normalizer.AssignOrganizationalUnit)
	if err != nil {
		tracing.TraceErr(span, err)
	}
	return message, err
}

func (s *mailboxService) RemoveUnit(ctx context.Context, accountID, messageID, unit string) (*dto.UnifiedMessage, error) {
	span, ctx := startSpan(ctx, "RemoveUnit", accountID)
	defer span.Finish()
	span.LogFields(log.String("unit", unit))

	message, err := s.changeUnit(ctx, accountID, messageID, unit, normalizer.RemoveOrganizationalUnit)
	if err != nil {
		tracing.TraceErr(span, err)
	}
	return message, err
}

// changeUnit runs the unit change once, since a folder move is not idempotent,
// and reads the message back with read retries.
func (s *mailboxService) changeUnit(ctx context.Context, accountID, messageID, unit string, change func(context.Context, interfaces.MailboxAdapter, string, string) error) (*dto.UnifiedMessage, error) {
	var unitID string
	err := s.resolver.Read(ctx, accountID, func(ctx context.Context, adapter interfaces.MailboxAdapter) error {
		var err error
		unitID, err = s.resolveUnit(ctx, adapter, unit)
		return err
	})
	if err != nil {
		return nil, err
	}

	err = s.resolver.Write(ctx, accountID, func(ctx context.Context, adapter interfaces.MailboxAdapter) error {
		return change(ctx, adapter, messageID, unitID)
	})
	if err != nil {
		return nil, err
	}

	var message *dto.UnifiedMessage
	err = s.resolver.Read(ctx, accountID, func(ctx context.Context, adapter interfaces.MailboxAdapter) error {
		var err error
		message, err = adapter.GetMessage(ctx, messageID)
		return err
	})
	return message, err
}

func (s *mailboxService) ListFolders(ctx context.Context, accountID string) ([]dto.UnifiedFolder, error) {
	span, ctx := startSpan(ctx, "ListFolders", accountID)
	defer span.Finish()

	var folders []dto.UnifiedFolder
	err := s.resolver.Read(ctx, accountID, func(ctx context.Context, adapter interfaces.MailboxAdapter) error {
		var err error
		folders, err = adapter.ListFolders(ctx)
		return err
	})
	if err != nil {
		tracing.TraceErr(span, err)
		return nil, err
	}
	return folders, nil
}

func (s *mailboxService) CreateFolder(ctx context.Context, accountID string, input dto.FolderInput) (*dto.UnifiedFolder, error) {
	span, ctx := startSpan(ctx, "CreateFolder", accountID)
	defer span.Finish()

	if strings.TrimSpace(input.Name) == "" {
		return nil, mberrors.Validation("mailbox.CreateFolder", "folder name is required")
	}
	var folder *dto.UnifiedFolder
	err := s.resolver.Write(ctx, accountID, func(ctx context.Context, adapter interfaces.MailboxAdapter) error {
		var err error
		if input.ParentID != "" {
			if input.ParentID, err = s.resolveUnit(ctx, adapter, input.ParentID); err != nil {
				return err
			}
		}
		folder, err = adapter.CreateFolder(ctx, input)
		return err
	})
	if err != nil {
		tracing.TraceErr(span, err)
		return nil, err
	}
	return folder, nil
}

func (s *mailboxService) UpdateFolder(ctx context.Context, accountID, folder string, input dto.FolderInput) (*dto.UnifiedFolder, error) {
	span, ctx := startSpan(ctx, "UpdateFolder", accountID)
	defer span.Finish()

	var updated *dto.UnifiedFolder
	err := s.resolver.Write(ctx, accountID, func(ctx context.Context, adapter interfaces.MailboxAdapter) error {
		folderID, err := s.resolveUnit(ctx, adapter, folder)
		if err != nil {
			return err
		}
		if input.ParentID != "" {
			if input.ParentID, err = s.resolveUnit(ctx, adapter, input.ParentID); err != nil {
				return err
			}
		}
		updated, err = adapter.UpdateFolder(ctx, folderID, input)
		return err
	})
	if err != nil {
		tracing.TraceErr(span, err)
		return nil, err
	}
	return updated, nil
}

func (s *mailboxService) DeleteFolder(ctx context.Context, accountID, folder string) error {
	span, ctx := startSpan(ctx, "DeleteFolder", accountID)
	defer span.Finish()

	err := s.resolver.Write(ctx, accountID, func(ctx context.Context, adapter interfaces.MailboxAdapter) error {
		folderID, err := s.resolveUnit(ctx, adapter, folder)
		if err != nil {
			return err
		}
		return adapter.DeleteFolder(ctx, folderID)
	})
	if err != nil {
		tracing.TraceErr(span, err)
	}
	return err
}

func (s *mailboxService) GetThread(ctx context.Context, accountID, threadID string) (*dto.UnifiedThread, error) {
	span, ctx := startSpan(ctx, "GetThread", accountID)
	defer span.Finish()

	var thread *dto.UnifiedThread
	err := s.resolver.Read(ctx, accountID, func(ctx context.Context, adapter interfaces.MailboxAdapter) error {
		var err error
		thread, err = adapter.GetThread(ctx, threadID)
		return err
	})
	if err != nil {
		tracing.TraceErr(span, err)
		return nil, err
	}
	return thread, nil
}

type cachedAttachment struct {
	Descriptor dto.AttachmentDescriptor `json:"descriptor"`
	Content    []byte                   `json:"content"`
}

func attachmentKey(accountID, messageID, attachmentID string) string {
	return fmt.Sprintf("attachments/%s/%s/%s", accountID, messageID, attachmentID)
}

// GetAttachment serves attachment content from object storage when cached and
// fills the cache after a backend fetch. Cache failures never fail the call.
func (s *mailboxService) GetAttachment(ctx context.Context, accountID, messageID, attachmentID string) (*dto.Attachment, error) {
	span, ctx := startSpan(ctx, "GetAttachment", accountID)
	defer span.Finish()

	key := attachmentKey(accountID, messageID, attachmentID)
	if cached := s.cachedAttachment(ctx, key); cached != nil {
		span.LogFields(log.Bool("cache.hit", true))
		return cached, nil
	}

	var attachment *dto.Attachment
	err := s.resolver.Read(ctx, accountID, func(ctx context.Context, adapter interfaces.MailboxAdapter) error {
		var err error
		attachment, err = adapter.GetAttachment(ctx, messageID, attachmentID)
		return err
	})
	if err != nil {
		tracing.TraceErr(span, err)
		return nil, err
	}

	if s.storage != nil {
		payload, err := json.Marshal(cachedAttachment{Descriptor: attachment.AttachmentDescriptor, Content: attachment.Content})
		if err == nil {
			err = s.storage.Upload(ctx, key, payload, "application/json")
		}
		if err != nil {
			s.log.Warnf("Failed to cache attachment %s: %v", key, err)
		}
	}
	return attachment, nil
}

func (s *mailboxService) cachedAttachment(ctx context.Context, key string) *dto.Attachment {
	if s.storage == nil {
		return nil
	}
	exists, err := s.storage.Exists(ctx, key)
	if err != nil || !exists {
		return nil
	}
	payload, err := s.storage.Download(ctx, key)
	if err != nil {
		s.log.Warnf("Failed to read cached attachment %s: %v", key, err)
		return nil
	}
	var cached cachedAttachment
	if err = json.Unmarshal(payload, &cached); err != nil {
		s.log.Warnf("Discarding corrupt cached attachment %s: %v", key, err)
		return nil
	}
	return &dto.Attachment{AttachmentDescriptor: cached.Descriptor, Content: cached.Content}
}

func (s *mailboxService) Subscribe(ctx context.Context, accountID string, lifetime time.Duration) (*models.Subscription, error) {
	span, ctx := startSpan(ctx, "Subscribe", accountID)
	defer span.Finish()

	subscription, err := s.subscriptions.Subscribe(ctx, accountID, lifetime)
	if err != nil {
		tracing.TraceErr(span, err)
	}
	return subscription, err
}

func (s *mailboxService) Unsubscribe(ctx context.Context, accountID string) (*models.Subscription, error) {
	span, ctx := startSpan(ctx, "Unsubscribe", accountID)
	defer span.Finish()

	subscription, err := s.subscriptions.Unsubscribe(ctx, accountID)
	if err != nil {
		tracing.TraceErr(span, err)
	}
	return subscription, err
}

func (s *mailboxService) account(ctx context.Context, accountID string) (*models.Account, error) {
	account, err := s.accounts.GetAccount(ctx, accountID)
	if err != nil {
		return nil, mberrors.Unavailable("mailbox.account", err)
	}
	if account == nil {
		return nil, mberrors.NotFound("mailbox.account", "account %s not found", accountID)
	}
	return account, nil
}

func (s *mailboxService) resolveUnit(ctx context.Context, adapter interfaces.MailboxAdapter, unit string) (string, error) {
	if native, ok := normalizer.WellKnownUnit(adapter.Kind(), unit); ok {
		return native, nil
	}
	var folders []dto.UnifiedFolder
	var err error
	if lister, ok := adapter.(interfaces.UnitLister); ok {
		folders, err = lister.ListUnits(ctx)
	} else {
		folders, err = adapter.ListFolders(ctx)
	}
	if err != nil {
		return "", err
	}
	return normalizer.ResolveUnit(adapter.Kind(), unit, folders)
}
