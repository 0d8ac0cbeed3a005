package handlers

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/opentracing/opentracing-go"

	"github.com/customeros/mailbridge/dto"
	"github.com/customeros/mailbridge/interfaces"
	"github.com/customeros/mailbridge/internal/enum"
	"github.com/customeros/mailbridge/internal/logger"
	"github.com/customeros/mailbridge/internal/tracing"
	"github.com/customeros/mailbridge/internal/utils"
)

const maxWebhookBody = 4 << 20

// WebhookHandler receives backend push notifications. Every delivery is
// acknowledged with 202 whatever happens to the individual notifications;
// rejected ones are only logged.
type WebhookHandler struct {
	dispatcher interfaces.ChangeDispatcher
	accounts   interfaces.AccountRepository
	log        logger.Logger
	clock      utils.Clock
	// Async hands batches to a goroutine so the backend gets its answer
	// before history expansion runs.
	Async bool
}

func NewWebhookHandler(dispatcher interfaces.ChangeDispatcher, accounts interfaces.AccountRepository, log logger.Logger, clock utils.Clock) *WebhookHandler {
	if clock == nil {
		clock = utils.SystemClock
	}
	return &WebhookHandler{dispatcher: dispatcher, accounts: accounts, log: log, clock: clock}
}

type graphNotificationBatch struct {
	Value []graphNotification `json:"value"`
}

type graphNotification struct {
	SubscriptionID string `json:"subscriptionId"`
	ClientState    string `json:"clientState"`
	ChangeType     string `json:"changeType"`
	Resource       string `json:"resource"`
	TenantID       string `json:"tenantId"`
	ResourceData   struct {
		ID   string `json:"id"`
		ETag string `json:"@odata.etag"`
	} `json:"resourceData"`
}

// graphDeliveryID identifies a Graph notification across redeliveries, which
// carry no delivery id of their own and may arrive in a different batch. The
// etag tells successive updates of one message apart; without it repeated
// updates of the same message inside the dedup window collapse into one.
func graphDeliveryID(item graphNotification, resource string) string {
	sum := sha256.Sum256([]byte(strings.Join([]string{
		item.SubscriptionID,
		strings.ToLower(item.ChangeType),
		resource,
		item.ResourceData.ETag,
	}, "\x00")))
	return "graph:" + hex.EncodeToString(sum[:16])
}

type pubSubPush struct {
	Message struct {
		Data      string `json:"data"`
		MessageID string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

type gmailPushData struct {
	EmailAddress string      `json:"emailAddress"`
	HistoryID    json.Number `json:"historyId"`
}

type webhookResponse struct {
	Accepted   int `json:"accepted"`
	Duplicates int `json:"duplicates"`
	Rejected   int `json:"rejected"`
}

// Outlook answers the Graph validation handshake and dispatches change
// notification batches.
func (h *WebhookHandler) Outlook() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := tracing.StartHttpServerTracerSpanWithHeader(c.Request.Context(), "WebhookHandler.Outlook", c.Request.Header)
		defer span.Finish()
		tracing.TagComponentWebhook(span)
		tracing.TagBackend(span, enum.BackendOutlook.String())

		if token := c.Query("validationToken"); token != "" {
			c.Data(http.StatusOK, "text/plain; charset=utf-8", []byte(token))
			return
		}

		body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
		if err != nil {
			tracing.TraceErr(span, err)
			h.log.Warnf("Failed to read Outlook notification body: %v", err)
			c.JSON(http.StatusAccepted, webhookResponse{})
			return
		}
		var batch graphNotificationBatch
		if err := json.Unmarshal(body, &batch); err != nil {
			tracing.TraceErr(span, err)
			h.log.Warnf("Malformed Outlook notification body: %v", err)
			c.JSON(http.StatusAccepted, webhookResponse{})
			return
		}

		now := h.clock()
		notifications := make([]dto.InboundNotification, 0, len(batch.Value))
		for _, item := range batch.Value {
			resource := item.ResourceData.ID
			if resource == "" {
				resource = item.Resource
			}
			notifications = append(notifications, dto.InboundNotification{
				Backend:        enum.BackendOutlook,
				SubscriptionID: item.SubscriptionID,
				ClientState:    item.ClientState,
				NotificationID: graphDeliveryID(item, resource),
				ChangeType:     item.ChangeType,
				ResourceID:     resource,
				ReceivedAt:     now,
			})
		}
		span.LogKV("notifications", len(notifications))
		h.dispatch(ctx, c, span, notifications)
	}
}

// Gmail handles a Pub/Sub push. The subscription token travels in the query
// string of the push endpoint.
func (h *WebhookHandler) Gmail() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := tracing.StartHttpServerTracerSpanWithHeader(c.Request.Context(), "WebhookHandler.Gmail", c.Request.Header)
		defer span.Finish()
		tracing.TagComponentWebhook(span)
		tracing.TagBackend(span, enum.BackendGoogleWorkspace.String())

		var push pubSubPush
		if err := c.ShouldBindJSON(&push); err != nil {
			tracing.TraceErr(span, err)
			h.log.Warnf("Malformed Pub/Sub push: %v", err)
			c.JSON(http.StatusAccepted, webhookResponse{})
			return
		}
		notification, err := h.decodeGmailPush(ctx, push)
		if err != nil {
			tracing.TraceErr(span, err)
			h.log.Warnf("Undecodable Gmail push %s: %v", push.Message.MessageID, err)
			c.JSON(http.StatusAccepted, webhookResponse{Rejected: 1})
			return
		}
		notification.ClientState = c.Query("token")
		tracing.TagAccount(span, notification.AccountID)
		h.dispatch(ctx, c, span, []dto.InboundNotification{notification})
	}
}

func (h *WebhookHandler) decodeGmailPush(ctx context.Context, push pubSubPush) (dto.InboundNotification, error) {
	raw, err := base64.StdEncoding.DecodeString(push.Message.Data)
	if err != nil {
		if raw, err = base64.URLEncoding.DecodeString(push.Message.Data); err != nil {
			return dto.InboundNotification{}, err
		}
	}
	var data gmailPushData
	if err := json.Unmarshal(raw, &data); err != nil {
		return dto.InboundNotification{}, err
	}
	historyID, err := strconv.ParseUint(data.HistoryID.String(), 10, 64)
	if err != nil {
		return dto.InboundNotification{}, err
	}

	notification := dto.InboundNotification{
		Backend:        enum.BackendGoogleWorkspace,
		NotificationID: push.Message.MessageID,
		EmailAddress:   strings.ToLower(strings.TrimSpace(data.EmailAddress)),
		HistoryID:      historyID,
		ReceivedAt:     h.clock(),
	}
	account, err := h.accounts.GetAccountByEmail(ctx, enum.BackendGoogleWorkspace, notification.EmailAddress)
	if err != nil {
		return dto.InboundNotification{}, err
	}
	if account != nil {
		notification.AccountID = account.ID
	}
	return notification, nil
}

func (h *WebhookHandler) dispatch(ctx context.Context, c *gin.Context, span opentracing.Span, notifications []dto.InboundNotification) {
	if h.Async {
		detached := context.WithoutCancel(ctx)
		go func() {
			defer tracing.RecoverAndLogToJaeger(h.log)
			h.report(h.dispatcher.Dispatch(detached, notifications))
		}()
		c.JSON(http.StatusAccepted, webhookResponse{})
		return
	}
	result := h.dispatcher.Dispatch(ctx, notifications)
	h.report(result)
	span.LogKV("accepted", result.Accepted, "duplicates", result.Duplicates, "rejected", result.Rejected)
	c.JSON(http.StatusAccepted, webhookResponse{
		Accepted:   result.Accepted,
		Duplicates: result.Duplicates,
		Rejected:   result.Rejected,
	})
}

func (h *WebhookHandler) report(result interfaces.DispatchResult) {
	if result.Rejected > 0 {
		h.log.Warnf("Webhook batch: %d accepted, %d duplicates, %d rejected", result.Accepted, result.Duplicates, result.Rejected)
	}
}
