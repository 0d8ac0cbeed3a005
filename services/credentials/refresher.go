package credentials

import (
	"context"
	stderrors "errors"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/microsoft"

	"github.com/customeros/mailbridge/config"
	"github.com/customeros/mailbridge/internal/enum"
	mberrors "github.com/customeros/mailbridge/internal/errors"
)

// Refresher exchanges a refresh token for a new token at the backend's token endpoint.
type Refresher interface {
	Refresh(ctx context.Context, backend enum.BackendKind, refreshToken string) (*oauth2.Token, error)
}

type OAuthRefresher struct {
	configs    map[enum.BackendKind]*oauth2.Config
	httpClient *http.Client
}

func NewOAuthRefresher(googleCfg *config.GoogleConfig, microsoftCfg *config.MicrosoftConfig) *OAuthRefresher {
	configs := map[enum.BackendKind]*oauth2.Config{
		enum.BackendGoogleWorkspace: {
			ClientID:     googleCfg.ClientID,
			ClientSecret: googleCfg.ClientSecret,
			Endpoint:     google.Endpoint,
		},
		enum.BackendOutlook: {
			ClientID:     microsoftCfg.ClientID,
			ClientSecret: microsoftCfg.ClientSecret,
			Endpoint:     microsoft.AzureADEndpoint(microsoftCfg.TenantID),
			Scopes:       []string{"offline_access", "https://graph.microsoft.com/.default"},
		},
	}
	return NewOAuthRefresherWithConfigs(configs, &http.Client{Timeout: 20 * time.Second})
}

func NewOAuthRefresherWithConfigs(configs map[enum.BackendKind]*oauth2.Config, httpClient *http.Client) *OAuthRefresher {
	return &OAuthRefresher{configs: configs, httpClient: httpClient}
}

func (r *OAuthRefresher) Refresh(ctx context.Context, backend enum.BackendKind, refreshToken string) (*oauth2.Token, error) {
	cfg, ok := r.configs[backend]
	if !ok {
		return nil, mberrors.Validation("credentials.Refresh", "no oauth client configured for backend %s", backend)
	}
	if refreshToken == "" {
		return nil, mberrors.AuthExpired("credentials.Refresh", "credential has no refresh token")
	}

	if r.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, r.httpClient)
	}

	token, err := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return nil, classifyRefreshError(err)
	}
	return token, nil
}

// classifyRefreshError maps token endpoint failures to the taxonomy. Only a
// rejected grant is permanent; everything else is worth another attempt.
func classifyRefreshError(err error) error {
	const op = "credentials.Refresh"

	if stderrors.Is(err, context.DeadlineExceeded) || stderrors.Is(err, context.Canceled) {
		return mberrors.Unavailable(op, err)
	}

	var retrieveErr *oauth2.RetrieveError
	if !stderrors.As(err, &retrieveErr) {
		return mberrors.Unavailable(op, err)
	}

	switch retrieveErr.ErrorCode {
	case "invalid_grant", "unauthorized_client", "invalid_client":
		return mberrors.New(mberrors.KindAuthExpired, op, retrieveErr.ErrorCode, err)
	}

	status := 0
	if retrieveErr.Response != nil {
		status = retrieveErr.Response.StatusCode
	}
	switch {
	case status == http.StatusTooManyRequests:
		return mberrors.RateLimited(op, err)
	case status == http.StatusBadRequest || status == http.StatusUnauthorized:
		if strings.Contains(strings.ToLower(string(retrieveErr.Body)), "invalid_grant") {
			return mberrors.New(mberrors.KindAuthExpired, op, "invalid_grant", err)
		}
		return mberrors.New(mberrors.KindAuthExpired, op, "token endpoint rejected the refresh", err)
	default:
		return mberrors.Unavailable(op, err)
	}
}
