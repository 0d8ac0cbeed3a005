package api

import (
	"github.com/gin-gonic/gin"
	"github.com/opentracing/opentracing-go"

	"github.com/customeros/mailbridge/api/handlers"
	"github.com/customeros/mailbridge/api/middleware"
	"github.com/customeros/mailbridge/internal/logger"
	"github.com/customeros/mailbridge/internal/repository"
	"github.com/customeros/mailbridge/internal/tracing"
	"github.com/customeros/mailbridge/services"
)

const (
	APIKeyHeader = "X-MAILBRIDGE-API-KEY"
	AppSource    = "mailbridge"
)

// RegisterRoutes sets up all API endpoints
func RegisterRoutes(r *gin.Engine, s *services.Services, repos *repository.Repositories, log logger.Logger, apikey string, asyncWebhooks bool) {
	if s == nil {
		panic("Services cannot be nil")
	}
	if repos == nil {
		panic("Repositories cannot be nil")
	}

	// Add recovery middlewares
	r.Use(gin.Recovery())
	r.Use(tracing.RecoveryWithJaeger(opentracing.GlobalTracer()))

	mailbox := handlers.NewMailboxHandler(s.Mailbox)
	accounts := handlers.NewAccountsHandler(repos.AccountRepository, s.Credentials)
	webhooks := handlers.NewWebhookHandler(s.Dispatcher, repos.AccountRepository, log, nil)
	webhooks.Async = asyncWebhooks

	r.GET("/health", handlers.HealthCheck)

	// Backends authenticate with the subscription secret, not the API key
	hooks := r.Group("/webhooks")
	{
		hooks.POST("/outlook", webhooks.Outlook())
		hooks.POST("/gmail", webhooks.Gmail())
	}

	apiKeyMiddleware := middleware.APIKeyMiddleware(middleware.APIKeyConfig{
		HeaderName:  APIKeyHeader,
		ValidAPIKey: apikey,
	})

	r.GET("/status", apiKeyMiddleware, handlers.Status(s.Credentials, repos.SubscriptionRepository))

	api := r.Group("/v1")
	api.Use(apiKeyMiddleware)
	api.Use(middleware.CustomContextMiddleware(AppSource))
	api.Use(middleware.TracingMiddleware())
	{
		api.POST("/accounts", accounts.Register())

		account := api.Group("/accounts/:accountId")
		{
			account.PUT("/credential", accounts.StoreCredential())

			account.GET("/messages", mailbox.ListMessages())
			account.POST("/messages", mailbox.SendMessage())
			account.GET("/search", mailbox.Search())
			account.GET("/messages/:messageId", mailbox.GetMessage())
			account.DELETE("/messages/:messageId", mailbox.DeleteMessage())
			account.POST("/messages/:messageId/read", mailbox.SetReadState(true))
			account.POST("/messages/:messageId/unread", mailbox.SetReadState(false))
			account.PUT("/messages/:messageId/units/:unit", mailbox.AssignUnit())
			account.DELETE("/messages/:messageId/units/:unit", mailbox.RemoveUnit())
			account.GET("/messages/:messageId/attachments/:attachmentId", mailbox.GetAttachment())

			account.GET("/folders", mailbox.ListFolders())
			account.POST("/folders", mailbox.CreateFolder())
			account.PATCH("/folders/:folder", mailbox.UpdateFolder())
			account.DELETE("/folders/:folder", mailbox.DeleteFolder())

			account.GET("/threads/:threadId", mailbox.GetThread())

			account.POST("/subscription", mailbox.Subscribe())
			account.DELETE("/subscription", mailbox.Unsubscribe())
		}
	}
}
