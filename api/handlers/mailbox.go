package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/opentracing/opentracing-go"

	apierrors "github.com/customeros/mailbridge/api/errors"
	"github.com/customeros/mailbridge/dto"
	"github.com/customeros/mailbridge/interfaces"
	"github.com/customeros/mailbridge/internal/tracing"
)

// MailboxHandler exposes the unified mailbox operations over REST.
type MailboxHandler struct {
	mailbox interfaces.MailboxService
}

func NewMailboxHandler(mailbox interfaces.MailboxService) *MailboxHandler {
	return &MailboxHandler{mailbox: mailbox}
}

type subscribeRequest struct {
	ExpiresInMinutes int `json:"expiresInMinutes"`
}

func startSpan(c *gin.Context, operation string) opentracing.Span {
	span, ctx := opentracing.StartSpanFromContext(c.Request.Context(), "MailboxHandler."+operation)
	tracing.TagComponentRest(span)
	tracing.TagAccount(span, c.Param("accountId"))
	c.Request = c.Request.WithContext(ctx)
	return span
}

func fail(c *gin.Context, span opentracing.Span, err error) {
	tracing.TraceErr(span, err)
	apierrors.Respond(c, err)
}

func badRequest(c *gin.Context, span opentracing.Span, err error) {
	tracing.TraceErr(span, err)
	c.JSON(http.StatusBadRequest, apierrors.ErrorResponse{Error: err.Error(), Kind: "validation_error"})
}

func (h *MailboxHandler) ListMessages() gin.HandlerFunc {
	return h.list(false)
}

func (h *MailboxHandler) Search() gin.HandlerFunc {
	return h.list(true)
}

func (h *MailboxHandler) list(search bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		operation := "ListMessages"
		if search {
			operation = "Search"
		}
		span := startSpan(c, operation)
		defer span.Finish()

		var request dto.ListRequest
		if err := c.ShouldBindQuery(&request); err != nil {
			badRequest(c, span, err)
			return
		}

		var list *dto.MessageList
		var err error
		if search {
			list, err = h.mailbox.Search(c.Request.Context(), c.Param("accountId"), request)
		} else {
			list, err = h.mailbox.ListMessages(c.Request.Context(), c.Param("accountId"), request)
		}
		if err != nil {
			fail(c, span, err)
			return
		}
		c.JSON(http.StatusOK, list)
	}
}

func (h *MailboxHandler) GetMessage() gin.HandlerFunc {
	return func(c *gin.Context) {
		span := startSpan(c, "GetMessage")
		defer span.Finish()

		message, err := h.mailbox.GetMessage(c.Request.Context(), c.Param("accountId"), c.Param("messageId"))
		if err != nil {
			fail(c, span, err)
			return
		}
		c.JSON(http.StatusOK, message)
	}
}

func (h *MailboxHandler) SendMessage() gin.HandlerFunc {
	return func(c *gin.Context) {
		span := startSpan(c, "SendMessage")
		defer span.Finish()

		var message dto.OutgoingMessage
		if err := c.ShouldBindJSON(&message); err != nil {
			badRequest(c, span, err)
			return
		}

		sent, err := h.mailbox.SendMessage(c.Request.Context(), c.Param("accountId"), message)
		if err != nil {
			fail(c, span, err)
			return
		}
		c.JSON(http.StatusAccepted, sent)
	}
}

func (h *MailboxHandler) DeleteMessage() gin.HandlerFunc {
	return func(c *gin.Context) {
		span := startSpan(c, "DeleteMessage")
		defer span.Finish()

		if err := h.mailbox.DeleteMessage(c.Request.Context(), c.Param("accountId"), c.Param("messageId")); err != nil {
			fail(c, span, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

// SetReadState backs both the read and unread routes.
func (h *MailboxHandler) SetReadState(read bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		span := startSpan(c, "SetReadState")
		defer span.Finish()
		span.LogKV("read", read)

		if err := h.mailbox.SetReadState(c.Request.Context(), c.Param("accountId"), c.Param("messageId"), read); err != nil {
			fail(c, span, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

func (h *MailboxHandler) AssignUnit() gin.HandlerFunc {
	return func(c *gin.Context) {
		span := startSpan(c, "AssignUnit")
		defer span.Finish()

		message, err := h.mailbox.AssignUnit(c.Request.Context(), c.Param("accountId"), c.Param("messageId"), c.Param("unit"))
		if err != nil {
			fail(c, span, err)
			return
		}
		c.JSON(http.StatusOK, message)
	}
}

func (h *MailboxHandler) RemoveUnit() gin.HandlerFunc {
	return func(c *gin.Context) {
		span := startSpan(c, "RemoveUnit")
		defer span.Finish()

		message, err := h.mailbox.RemoveUnit(c.Request.Context(), c.Param("accountId"), c.Param("messageId"), c.Param("unit"))
		if err != nil {
			fail(c, span, err)
			return
		}
		c.JSON(http.StatusOK, message)
	}
}

func (h *MailboxHandler) ListFolders() gin.HandlerFunc {
	return func(c *gin.Context) {
		span := startSpan(c, "ListFolders")
		defer span.Finish()

		folders, err := h.mailbox.ListFolders(c.Request.Context(), c.Param("accountId"))
		if err != nil {
			fail(c, span, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"folders": folders})
	}
}

func (h *MailboxHandler) CreateFolder() gin.HandlerFunc {
	return func(c *gin.Context) {
		span := startSpan(c, "CreateFolder")
		defer span.Finish()

		var input dto.FolderInput
		if err := c.ShouldBindJSON(&input); err != nil {
			badRequest(c, span, err)
			return
		}

		folder, err := h.mailbox.CreateFolder(c.Request.Context(), c.Param("accountId"), input)
		if err != nil {
			fail(c, span, err)
			return
		}
		c.JSON(http.StatusCreated, folder)
	}
}

func (h *MailboxHandler) UpdateFolder() gin.HandlerFunc {
	return func(c *gin.Context) {
		span := startSpan(c, "UpdateFolder")
		defer span.Finish()

		var input dto.FolderInput
		if err := c.ShouldBindJSON(&input); err != nil {
			badRequest(c, span, err)
			return
		}

		folder, err := h.mailbox.UpdateFolder(c.Request.Context(), c.Param("accountId"), c.Param("folder"), input)
		if err != nil {
			fail(c, span, err)
			return
		}
		c.JSON(http.StatusOK, folder)
	}
}

func (h *MailboxHandler) DeleteFolder() gin.HandlerFunc {
	return func(c *gin.Context) {
		span := startSpan(c, "DeleteFolder")
		defer span.Finish()

		if err := h.mailbox.DeleteFolder(c.Request.Context(), c.Param("accountId"), c.Param("folder")); err != nil {
			fail(c, span, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

func (h *MailboxHandler) GetThread() gin.HandlerFunc {
	return func(c *gin.Context) {
		span := startSpan(c, "GetThread")
		defer span.Finish()

		thread, err := h.mailbox.GetThread(c.Request.Context(), c.Param("accountId"), c.Param("threadId"))
		if err != nil {
			fail(c, span, err)
			return
		}
		c.JSON(http.StatusOK, thread)
	}
}

// GetAttachment streams the attachment body with its recorded content type.
func (h *MailboxHandler) GetAttachment() gin.HandlerFunc {
	return func(c *gin.Context) {
		span := startSpan(c, "GetAttachment")
		defer span.Finish()

		attachment, err := h.mailbox.GetAttachment(c.Request.Context(), c.Param("accountId"), c.Param("messageId"), c.Param("attachmentId"))
		if err != nil {
			fail(c, span, err)
			return
		}
		contentType := attachment.MimeType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		if attachment.Filename != "" {
			c.Header("Content-Disposition", `attachment; filename="`+attachment.Filename+`"`)
		}
		c.Data(http.StatusOK, contentType, attachment.Content)
	}
}

func (h *MailboxHandler) Subscribe() gin.HandlerFunc {
	return func(c *gin.Context) {
		span := startSpan(c, "Subscribe")
		defer span.Finish()

		var request subscribeRequest
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&request); err != nil {
				badRequest(c, span, err)
				return
			}
		}

		lifetime := time.Duration(request.ExpiresInMinutes) * time.Minute
		subscription, err := h.mailbox.Subscribe(c.Request.Context(), c.Param("accountId"), lifetime)
		if err != nil {
			fail(c, span, err)
			return
		}
		c.JSON(http.StatusOK, subscription)
	}
}

func (h *MailboxHandler) Unsubscribe() gin.HandlerFunc {
	return func(c *gin.Context) {
		span := startSpan(c, "Unsubscribe")
		defer span.Finish()

		subscription, err := h.mailbox.Unsubscribe(c.Request.Context(), c.Param("accountId"))
		if err != nil {
			fail(c, span, err)
			return
		}
		c.JSON(http.StatusOK, subscription)
	}
}
