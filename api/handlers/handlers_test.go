package handlers

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apierrors "github.com/customeros/mailbridge/api/errors"
	"github.com/customeros/mailbridge/dto"
	"github.com/customeros/mailbridge/interfaces"
	"github.com/customeros/mailbridge/internal/enum"
	mberrors "github.com/customeros/mailbridge/internal/errors"
	"github.com/customeros/mailbridge/internal/logger"
	"github.com/customeros/mailbridge/internal/models"
	"github.com/customeros/mailbridge/internal/repository/memory"
	"github.com/customeros/mailbridge/internal/utils"
	"github.com/customeros/mailbridge/services/dispatcher"
	"github.com/customeros/mailbridge/services/mailbox"
	memorybackend "github.com/customeros/mailbridge/services/providers/memory"
	"github.com/customeros/mailbridge/services/resolver"
	"github.com/customeros/mailbridge/services/storage"
	"github.com/customeros/mailbridge/services/subscriptions"
)

type staticCredentials struct {
	stored []interfaces.NewCredential
}

func (s *staticCredentials) AcquireLiveCredential(ctx context.Context, accountID string) (*interfaces.CredentialLease, error) {
	return &interfaces.CredentialLease{AccountID: accountID, AccessToken: "token", ExpiresAt: time.Now().Add(time.Hour)}, nil
}

func (s *staticCredentials) StoreCredential(ctx context.Context, input interfaces.NewCredential) error {
	s.stored = append(s.stored, input)
	return nil
}

func (s *staticCredentials) RevokeCredential(ctx context.Context, accountID, reason string) error {
	return nil
}

func (s *staticCredentials) Stats() interfaces.RefreshStats {
	return interfaces.RefreshStats{Successes: 3}
}

type recordingConsumer struct {
	events []dto.ChangeEvent
}

func (c *recordingConsumer) Name() string {
	return "recorder"
}

func (c *recordingConsumer) Consume(ctx context.Context, event dto.ChangeEvent) error {
	c.events = append(c.events, event)
	return nil
}

func getLogger() logger.Logger {
	appLogger := logger.NewAppLogger(&logger.Config{DevMode: true})
	appLogger.InitLogger()
	return appLogger
}

type fixture struct {
	router        *gin.Engine
	accounts      *memory.AccountRepository
	subscriptions *subscriptions.Manager
	gmail         *memorybackend.Backend
	outlook       *memorybackend.Backend
	consumer      *recordingConsumer
	credentials   *staticCredentials
}

func setup(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := getLogger()
	clock := utils.NewFixedClock(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))

	f := &fixture{
		accounts: memory.NewAccountRepository(
			models.Account{ID: "acct-g", Backend: enum.BackendGoogleWorkspace, EmailAddress: "g@example.com"},
			models.Account{ID: "acct-o", Backend: enum.BackendOutlook, EmailAddress: "o@example.com"},
		),
		gmail:       memorybackend.NewBackend(enum.BackendGoogleWorkspace, 7*24*time.Hour, memorybackend.WithClock(clock.Now), memorybackend.WithFixedSecret("push-token")),
		outlook:     memorybackend.NewBackend(enum.BackendOutlook, 4230*time.Minute, memorybackend.WithClock(clock.Now)),
		consumer:    &recordingConsumer{},
		credentials: &staticCredentials{},
	}
	retry := utils.RetryPolicy{MaxAttempts: 2, MinBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond, Factor: 2}
	res := resolver.NewResolver(resolver.Config{Retry: retry}, log, f.accounts, f.credentials, f.gmail, f.outlook)
	subscriptionRepo := memory.NewSubscriptionRepository()
	f.subscriptions = subscriptions.NewManager(subscriptions.Config{Retry: retry}, log, subscriptionRepo, res, clock.Now)
	changes := dispatcher.NewDispatcher(dispatcher.Config{}, log, f.subscriptions, memory.NewNotificationRepository(), res, clock.Now)
	changes.RegisterConsumer(f.consumer)
	service := mailbox.NewMailboxService(log, f.accounts, res, f.subscriptions, storage.NewMemoryStorage())

	mailboxHandler := NewMailboxHandler(service)
	accountsHandler := NewAccountsHandler(f.accounts, f.credentials)
	webhooks := NewWebhookHandler(changes, f.accounts, log, clock.Now)

	r := gin.New()
	r.POST("/webhooks/outlook", webhooks.Outlook())
	r.POST("/webhooks/gmail", webhooks.Gmail())
	r.GET("/status", Status(f.credentials, subscriptionRepo))
	r.POST("/v1/accounts", accountsHandler.Register())
	r.PUT("/v1/accounts/:accountId/credential", accountsHandler.StoreCredential())
	r.GET("/v1/accounts/:accountId/messages", mailboxHandler.ListMessages())
	r.GET("/v1/accounts/:accountId/messages/:messageId", mailboxHandler.GetMessage())
	r.POST("/v1/accounts/:accountId/messages/:messageId/read", mailboxHandler.SetReadState(true))
	r.PUT("/v1/accounts/:accountId/messages/:messageId/units/:unit", mailboxHandler.AssignUnit())
	r.DELETE("/v1/accounts/:accountId/messages/:messageId/units/:unit", mailboxHandler.RemoveUnit())
	r.GET("/v1/accounts/:accountId/messages/:messageId/attachments/:attachmentId", mailboxHandler.GetAttachment())
	r.POST("/v1/accounts/:accountId/subscription", mailboxHandler.Subscribe())
	f.router = r
	return f
}

func (f *fixture) do(method, path string, body any) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case []byte:
		reader = bytes.NewReader(b)
	default:
		payload, _ := json.Marshal(b)
		reader = bytes.NewReader(payload)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestOutlookWebhook_EchoesValidationToken(t *testing.T) {
	f := setup(t)

	w := f.do(http.MethodPost, "/webhooks/outlook?validationToken=Validation%3A+Testing+client", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "Validation: Testing client", w.Body.String())
	assert.Contains(t, w.Header().Get("Content-Type"), "text/plain")
}

func TestOutlookWebhook_DispatchesBatchOnce(t *testing.T) {
	f := setup(t)
	sub, err := f.subscriptions.Subscribe(context.Background(), "acct-o", 0)
	require.NoError(t, err)

	body, _ := json.Marshal(map[string]any{
		"value": []map[string]any{
			{"subscriptionId": sub.NativeID, "clientState": sub.Secret, "changeType": "created", "resource": "Users/u1/Messages/AAMk-1", "resourceData": map[string]string{"id": "AAMk-1"}},
			{"subscriptionId": sub.NativeID, "clientState": "wrong", "changeType": "created", "resource": "Users/u1/Messages/AAMk-2"},
		},
	})

	w := f.do(http.MethodPost, "/webhooks/outlook", body)
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, webhookResponse{Accepted: 1, Rejected: 1}, decode[webhookResponse](t, w))

	w = f.do(http.MethodPost, "/webhooks/outlook", body)
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, webhookResponse{Duplicates: 1, Rejected: 1}, decode[webhookResponse](t, w))

	require.Len(t, f.consumer.events, 1)
	assert.Equal(t, "AAMk-1", f.consumer.events[0].MessageID)
	assert.Equal(t, enum.ChangeCreated, f.consumer.events[0].Kind)
}

func TestOutlookWebhook_RedeliveryInAnotherBatchIsDuplicate(t *testing.T) {
	f := setup(t)
	sub, err := f.subscriptions.Subscribe(context.Background(), "acct-o", 0)
	require.NoError(t, err)
	notification := func(id, etag string) map[string]any {
		return map[string]any{
			"subscriptionId": sub.NativeID, "clientState": sub.Secret, "changeType": "updated",
			"resource":     "Users/u1/Messages/" + id,
			"resourceData": map[string]string{"id": id, "@odata.etag": etag},
		}
	}

	first, _ := json.Marshal(map[string]any{"value": []map[string]any{notification("AAMk-1", "W/\"1\"")}})
	w := f.do(http.MethodPost, "/webhooks/outlook", first)
	assert.Equal(t, webhookResponse{Accepted: 1}, decode[webhookResponse](t, w))

	second, _ := json.Marshal(map[string]any{"value": []map[string]any{
		notification("AAMk-2", "W/\"1\""),
		notification("AAMk-1", "W/\"1\""),
		notification("AAMk-1", "W/\"2\""),
	}})
	w = f.do(http.MethodPost, "/webhooks/outlook", second)
	assert.Equal(t, webhookResponse{Accepted: 2, Duplicates: 1}, decode[webhookResponse](t, w))
	require.Len(t, f.consumer.events, 3)
}

func TestOutlookWebhook_MalformedBodyIsAcknowledged(t *testing.T) {
	f := setup(t)

	w := f.do(http.MethodPost, "/webhooks/outlook", []byte("{not json"))
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Empty(t, f.consumer.events)
}

func gmailPush(messageID, email string, historyID uint64) map[string]any {
	data, _ := json.Marshal(map[string]any{"emailAddress": email, "historyId": historyID})
	return map[string]any{
		"message":      map[string]any{"data": base64.StdEncoding.EncodeToString(data), "messageId": messageID},
		"subscription": "projects/p/subscriptions/mail",
	}
}

func TestGmailWebhook_ExpandsHistory(t *testing.T) {
	f := setup(t)
	_, err := f.subscriptions.Subscribe(context.Background(), "acct-g", 0)
	require.NoError(t, err)
	history := f.gmail.Mailbox("acct-g").RecordChange(dto.Change{Kind: enum.ChangeCreated, MessageID: "m-1", ThreadID: "t-1"})

	w := f.do(http.MethodPost, "/webhooks/gmail?token=push-token", gmailPush("pubsub-1", "G@Example.com", history))

	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, webhookResponse{Accepted: 1}, decode[webhookResponse](t, w))
	require.Len(t, f.consumer.events, 1)
	assert.Equal(t, "acct-g", f.consumer.events[0].AccountID)
	assert.Equal(t, "m-1", f.consumer.events[0].MessageID)
}

func TestGmailWebhook_WrongTokenIsRejected(t *testing.T) {
	f := setup(t)
	_, err := f.subscriptions.Subscribe(context.Background(), "acct-g", 0)
	require.NoError(t, err)

	w := f.do(http.MethodPost, "/webhooks/gmail?token=guess", gmailPush("pubsub-1", "g@example.com", 101))

	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, webhookResponse{Rejected: 1}, decode[webhookResponse](t, w))
	assert.Empty(t, f.consumer.events)
}

func TestGmailWebhook_UndecodableDataIsAcknowledged(t *testing.T) {
	f := setup(t)
	push := map[string]any{"message": map[string]any{"data": "%%%", "messageId": "pubsub-1"}}

	w := f.do(http.MethodPost, "/webhooks/gmail?token=push-token", push)
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, webhookResponse{Rejected: 1}, decode[webhookResponse](t, w))
}

func TestMailboxRoutes_AssignAndRemoveUnit(t *testing.T) {
	f := setup(t)
	mailboxG := f.gmail.Mailbox("acct-g")
	mailboxG.AddFolder(dto.UnifiedFolder{ID: "Label_7", Name: "Projects", NativeID: "Label_7", Kind: enum.UnitLabel})
	mailboxG.AddMessage(dto.UnifiedMessage{ID: "m-1", ThreadID: "t-1", Subject: "Hello", Units: []string{"INBOX", "UNREAD"}})

	w := f.do(http.MethodPut, "/v1/accounts/acct-g/messages/m-1/units/Projects", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	message := decode[dto.UnifiedMessage](t, w)
	assert.ElementsMatch(t, []string{"INBOX", "UNREAD", "Label_7"}, message.Units)

	w = f.do(http.MethodDelete, "/v1/accounts/acct-g/messages/m-1/units/inbox", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	message = decode[dto.UnifiedMessage](t, w)
	assert.NotContains(t, message.Units, "INBOX")
}

func TestMailboxRoutes_OutlookRemoveIsValidationError(t *testing.T) {
	f := setup(t)
	f.outlook.Mailbox("acct-o").AddMessage(dto.UnifiedMessage{ID: "AAMk-1", Units: []string{"inbox"}})

	w := f.do(http.MethodDelete, "/v1/accounts/acct-o/messages/AAMk-1/units/inbox", nil)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "validation_error", decode[apierrors.ErrorResponse](t, w).Kind)
}

func TestMailboxRoutes_ErrorMapping(t *testing.T) {
	f := setup(t)

	w := f.do(http.MethodGet, "/v1/accounts/acct-o/messages/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "not_found", decode[apierrors.ErrorResponse](t, w).Kind)

	w = f.do(http.MethodGet, "/v1/accounts/nobody/messages", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	f.outlook.Mailbox("acct-o").FailNext("ListMessages",
		mberrors.RateLimited("memory.ListMessages", assert.AnError),
		mberrors.RateLimited("memory.ListMessages", assert.AnError))
	w = f.do(http.MethodGet, "/v1/accounts/acct-o/messages", nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestMailboxRoutes_ListAndMarkRead(t *testing.T) {
	f := setup(t)
	mailboxO := f.outlook.Mailbox("acct-o")
	mailboxO.AddMessage(dto.UnifiedMessage{ID: "AAMk-1", Subject: "First", Units: []string{"inbox"}})

	w := f.do(http.MethodGet, "/v1/accounts/acct-o/messages?unit=inbox&pageSize=10", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	list := decode[dto.MessageList](t, w)
	require.Len(t, list.Messages, 1)
	assert.False(t, list.Messages[0].IsRead)

	w = f.do(http.MethodPost, "/v1/accounts/acct-o/messages/AAMk-1/read", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	stored, ok := mailboxO.Message("AAMk-1")
	require.True(t, ok)
	assert.True(t, stored.IsRead)
}

func TestMailboxRoutes_GetAttachmentStreamsContent(t *testing.T) {
	f := setup(t)
	mailboxO := f.outlook.Mailbox("acct-o")
	mailboxO.AddMessage(dto.UnifiedMessage{ID: "AAMk-1", Units: []string{"inbox"}})
	mailboxO.AddAttachment("AAMk-1", dto.Attachment{
		AttachmentDescriptor: dto.AttachmentDescriptor{ID: "att-1", Filename: "notes.txt", MimeType: "text/plain", Size: 5},
		Content:              []byte("hello"),
	})

	w := f.do(http.MethodGet, "/v1/accounts/acct-o/messages/AAMk-1/attachments/att-1", nil)

	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "hello", w.Body.String())
	assert.Equal(t, "text/plain", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Header().Get("Content-Disposition"), "notes.txt")
}

func TestSubscribeRoute_RejectsExpiryBeyondMaximum(t *testing.T) {
	f := setup(t)

	w := f.do(http.MethodPost, "/v1/accounts/acct-o/subscription", map[string]int{"expiresInMinutes": 5000})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, decode[apierrors.ErrorResponse](t, w).Error, "subscription expiry exceeds backend maximum")

	w = f.do(http.MethodPost, "/v1/accounts/acct-o/subscription", map[string]int{"expiresInMinutes": 60})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "active", decode[models.Subscription](t, w).State.String())
}

func TestAccountsRoutes(t *testing.T) {
	f := setup(t)

	w := f.do(http.MethodPost, "/v1/accounts", map[string]string{"backend": "imap", "emailAddress": "not-an-address"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(http.MethodPost, "/v1/accounts", map[string]string{"id": "acct-new", "backend": "outlook", "emailAddress": "New@Example.com"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	account, err := f.accounts.GetAccount(context.Background(), "acct-new")
	require.NoError(t, err)
	require.NotNil(t, account)
	assert.Equal(t, enum.BackendOutlook, account.Backend)

	w = f.do(http.MethodPut, "/v1/accounts/acct-new/credential", map[string]any{"accessToken": "at", "refreshToken": "rt", "expiresAt": time.Now().Add(time.Hour)})
	assert.Equal(t, http.StatusNoContent, w.Code)
	require.Len(t, f.credentials.stored, 1)
	assert.Equal(t, "acct-new", f.credentials.stored[0].AccountID)
}

func TestStatusReportsSubscriptionStates(t *testing.T) {
	f := setup(t)
	_, err := f.subscriptions.Subscribe(context.Background(), "acct-o", 0)
	require.NoError(t, err)

	w := f.do(http.MethodGet, "/status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	status := decode[statusResponse](t, w)
	assert.Equal(t, int64(3), status.Credentials.Successes)
	assert.Equal(t, 1, status.Subscriptions["active"])
	assert.Equal(t, 0, status.Subscriptions["expired"])
}
