package errors

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	mberrors "github.com/customeros/mailbridge/internal/errors"
)

type MultiErrors struct {
	Errors map[string][]ErrorInfo
}

type ErrorInfo struct {
	Message  string
	RawError error
}

func NewMultiErrors() *MultiErrors {
	return &MultiErrors{
		Errors: make(map[string][]ErrorInfo),
	}
}

func (e *MultiErrors) Add(key, message string, err error) {
	e.Errors[key] = append(e.Errors[key], ErrorInfo{
		Message:  message,
		RawError: err,
	})
}

func (e *MultiErrors) HasErrors() bool {
	return len(e.Errors) > 0
}

func (e *MultiErrors) Error() string {
	var parts []string
	for field, errors := range e.Errors {
		for _, err := range errors {
			parts = append(parts, fmt.Sprintf("%s: %s", field, err.Message))
		}
	}
	return strings.Join(parts, " | ")
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// StatusFor maps the error taxonomy onto HTTP status codes.
func StatusFor(err error) int {
	var multi *MultiErrors
	if errors.As(err, &multi) {
		return http.StatusBadRequest
	}
	switch mberrors.KindOf(err) {
	case mberrors.KindAuthExpired:
		return http.StatusUnauthorized
	case mberrors.KindRateLimited:
		return http.StatusTooManyRequests
	case mberrors.KindBackendUnavailable:
		return http.StatusServiceUnavailable
	case mberrors.KindNotFound:
		return http.StatusNotFound
	case mberrors.KindValidation:
		return http.StatusBadRequest
	case mberrors.KindSubscriptionExpired:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func Respond(c *gin.Context, err error) {
	response := ErrorResponse{Error: err.Error()}
	if kind := mberrors.KindOf(err); kind != "" {
		response.Kind = string(kind)
	}
	c.JSON(StatusFor(err), response)
}
