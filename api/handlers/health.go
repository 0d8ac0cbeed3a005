package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/customeros/mailbridge/interfaces"
	"github.com/customeros/mailbridge/internal/enum"
	"github.com/customeros/mailbridge/internal/models"
)

// HealthCheck provides a simple health check endpoint
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
	})
}

type statusResponse struct {
	Credentials   interfaces.RefreshStats `json:"credentials"`
	Subscriptions map[string]int          `json:"subscriptions"`
	Failing       []*models.Subscription  `json:"failing,omitempty"`
}

// Status reports credential refresh counters and subscriptions per state.
// Expired and revoked subscriptions are listed so operators can resubscribe.
func Status(credentials interfaces.CredentialManager, subscriptions interfaces.SubscriptionRepository) gin.HandlerFunc {
	return func(c *gin.Context) {
		span := startSpan(c, "Status")
		defer span.Finish()

		states := []enum.SubscriptionState{
			enum.SubscriptionUnregistered,
			enum.SubscriptionPending,
			enum.SubscriptionActive,
			enum.SubscriptionRenewalDue,
			enum.SubscriptionExpired,
			enum.SubscriptionRevoked,
		}
		response := statusResponse{
			Credentials:   credentials.Stats(),
			Subscriptions: make(map[string]int, len(states)),
		}
		for _, state := range states {
			records, err := subscriptions.ListByState(c.Request.Context(), state)
			if err != nil {
				fail(c, span, err)
				return
			}
			response.Subscriptions[string(state)] = len(records)
			if state == enum.SubscriptionExpired || state == enum.SubscriptionRevoked {
				response.Failing = append(response.Failing, records...)
			}
		}
		c.JSON(http.StatusOK, response)
	}
}
