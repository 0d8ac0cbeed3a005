package gmail

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"

	"github.com/sony/gobreaker"
	"google.golang.org/api/googleapi"

	mberrors "github.com/customeros/mailbridge/internal/errors"
)

var rateLimitReasons = map[string]bool{
	"rateLimitExceeded":       true,
	"userRateLimitExceeded":   true,
	"quotaExceeded":           true,
	"concurrentLimitExceeded": true,
}

// tripsBreaker reports whether a failure says something about the health of the
// Gmail API rather than about the request.
func tripsBreaker(err error) bool {
	if stderrors.Is(err, context.Canceled) {
		return false
	}
	var apiErr *googleapi.Error
	if stderrors.As(err, &apiErr) {
		return apiErr.Code == http.StatusTooManyRequests || apiErr.Code >= http.StatusInternalServerError
	}
	return true
}

// translateError maps a Gmail client failure onto the provider taxonomy. The
// googleapi error itself is not kept in the chain.
func translateError(op string, err error) error {
	if err == nil {
		return nil
	}
	var providerErr *mberrors.ProviderError
	if stderrors.As(err, &providerErr) {
		return err
	}
	if stderrors.Is(err, context.DeadlineExceeded) || stderrors.Is(err, context.Canceled) {
		return mberrors.Unavailable(op, err)
	}
	if stderrors.Is(err, gobreaker.ErrOpenState) || stderrors.Is(err, gobreaker.ErrTooManyRequests) {
		return mberrors.New(mberrors.KindBackendUnavailable, op, "gmail circuit breaker is open", err)
	}

	var apiErr *googleapi.Error
	if !stderrors.As(err, &apiErr) {
		return mberrors.Unavailable(op, err)
	}

	cause := fmt.Errorf("gmail api %d: %s", apiErr.Code, apiErr.Message)
	switch apiErr.Code {
	case http.StatusBadRequest:
		if hasReason(apiErr, "failedPrecondition") {
			return mberrors.New(mberrors.KindValidation, op, "gmail rejected the request state: "+apiErr.Message, cause)
		}
		return mberrors.New(mberrors.KindValidation, op, apiErr.Message, cause)
	case http.StatusUnauthorized:
		return mberrors.New(mberrors.KindAuthExpired, op, "gmail rejected the access token", cause)
	case http.StatusForbidden:
		if hasAnyReason(apiErr, rateLimitReasons) {
			return mberrors.RateLimited(op, cause)
		}
		return mberrors.New(mberrors.KindAuthExpired, op, "gmail denied access: "+apiErr.Message, cause)
	case http.StatusNotFound:
		return mberrors.New(mberrors.KindNotFound, op, apiErr.Message, cause)
	case http.StatusConflict:
		return mberrors.New(mberrors.KindValidation, op, apiErr.Message, cause)
	case http.StatusTooManyRequests:
		return mberrors.RateLimited(op, cause)
	}
	return mberrors.Unavailable(op, cause)
}

func hasReason(apiErr *googleapi.Error, reason string) bool {
	for _, item := range apiErr.Errors {
		if item.Reason == reason {
			return true
		}
	}
	return false
}

func hasAnyReason(apiErr *googleapi.Error, reasons map[string]bool) bool {
	for _, item := range apiErr.Errors {
		if reasons[item.Reason] {
			return true
		}
	}
	return false
}
