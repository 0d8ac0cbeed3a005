package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/customeros/mailsherpa/mailvalidate"
	"github.com/gin-gonic/gin"

	apierrors "github.com/customeros/mailbridge/api/errors"
	"github.com/customeros/mailbridge/interfaces"
	"github.com/customeros/mailbridge/internal/enum"
	"github.com/customeros/mailbridge/internal/models"
	"github.com/customeros/mailbridge/internal/utils"
)

// AccountsHandler registers mailbox accounts and their OAuth credentials.
type AccountsHandler struct {
	accounts    interfaces.AccountRepository
	credentials interfaces.CredentialManager
}

func NewAccountsHandler(accounts interfaces.AccountRepository, credentials interfaces.CredentialManager) *AccountsHandler {
	return &AccountsHandler{accounts: accounts, credentials: credentials}
}

type registerAccountRequest struct {
	ID           string `json:"id"`
	Tenant       string `json:"tenant"`
	Backend      string `json:"backend" binding:"required"`
	EmailAddress string `json:"emailAddress" binding:"required"`
	DisplayName  string `json:"displayName"`
}

type storeCredentialRequest struct {
	AccessToken  string    `json:"accessToken" binding:"required"`
	RefreshToken string    `json:"refreshToken"`
	TokenType    string    `json:"tokenType"`
	Scopes       []string  `json:"scopes"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

func (h *AccountsHandler) Register() gin.HandlerFunc {
	return func(c *gin.Context) {
		span := startSpan(c, "RegisterAccount")
		defer span.Finish()

		var request registerAccountRequest
		if err := c.ShouldBindJSON(&request); err != nil {
			badRequest(c, span, err)
			return
		}

		validation := apierrors.NewMultiErrors()
		backend := enum.BackendKind(strings.ToLower(request.Backend))
		if !backend.IsValid() {
			validation.Add("backend", "unsupported backend "+request.Backend, nil)
		}
		syntax := mailvalidate.ValidateEmailSyntax(request.EmailAddress)
		if !syntax.IsValid {
			validation.Add("emailAddress", "invalid email address", nil)
		}
		if validation.HasErrors() {
			fail(c, span, validation)
			return
		}

		account := &models.Account{
			ID:           request.ID,
			Tenant:       request.Tenant,
			Backend:      backend,
			EmailAddress: syntax.CleanEmail,
			DisplayName:  request.DisplayName,
		}
		if account.ID == "" {
			account.ID = utils.GenerateNanoIDWithPrefix("acct", 16)
		}
		if err := h.accounts.SaveAccount(c.Request.Context(), account); err != nil {
			fail(c, span, err)
			return
		}
		c.JSON(http.StatusCreated, account)
	}
}

func (h *AccountsHandler) StoreCredential() gin.HandlerFunc {
	return func(c *gin.Context) {
		span := startSpan(c, "StoreCredential")
		defer span.Finish()

		var request storeCredentialRequest
		if err := c.ShouldBindJSON(&request); err != nil {
			badRequest(c, span, err)
			return
		}

		err := h.credentials.StoreCredential(c.Request.Context(), interfaces.NewCredential{
			AccountID:    c.Param("accountId"),
			AccessToken:  request.AccessToken,
			RefreshToken: request.RefreshToken,
			TokenType:    request.TokenType,
			Scopes:       request.Scopes,
			ExpiresAt:    request.ExpiresAt,
		})
		if err != nil {
			fail(c, span, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}
