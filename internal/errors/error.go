package errors

import (
	"context"
	stderrors "errors"
	"fmt"
)

type Kind string

const (
	KindAuthExpired         Kind = "auth_expired"
	KindRateLimited         Kind = "rate_limited"
	KindBackendUnavailable  Kind = "backend_unavailable"
	KindNotFound            Kind = "not_found"
	KindValidation          Kind = "validation_error"
	KindSubscriptionExpired Kind = "subscription_expired"
)

var (
	ErrAuthExpired         = &ProviderError{Kind: KindAuthExpired}
	ErrRateLimited         = &ProviderError{Kind: KindRateLimited}
	ErrBackendUnavailable  = &ProviderError{Kind: KindBackendUnavailable}
	ErrNotFound            = &ProviderError{Kind: KindNotFound}
	ErrValidation          = &ProviderError{Kind: KindValidation}
	ErrSubscriptionExpired = &ProviderError{Kind: KindSubscriptionExpired}
)

// ProviderError is the only error shape that crosses the adapter boundary.
type ProviderError struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *ProviderError) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Is matches on Kind so the exported sentinels work with errors.Is.
func (e *ProviderError) Is(target error) bool {
	t, ok := target.(*ProviderError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

func New(kind Kind, op, message string, err error) *ProviderError {
	return &ProviderError{Kind: kind, Op: op, Message: message, Err: err}
}

func AuthExpired(op, format string, args ...interface{}) error {
	return New(KindAuthExpired, op, fmt.Sprintf(format, args...), nil)
}

func NotFound(op, format string, args ...interface{}) error {
	return New(KindNotFound, op, fmt.Sprintf(format, args...), nil)
}

func Validation(op, format string, args ...interface{}) error {
	return New(KindValidation, op, fmt.Sprintf(format, args...), nil)
}

func SubscriptionExpired(op, format string, args ...interface{}) error {
	return New(KindSubscriptionExpired, op, fmt.Sprintf(format, args...), nil)
}

func Unavailable(op string, err error) error {
	return New(KindBackendUnavailable, op, "", err)
}

func RateLimited(op string, err error) error {
	return New(KindRateLimited, op, "", err)
}

// KindOf returns the taxonomy kind of err. Context cancellation and deadline
// errors count as BackendUnavailable, anything unknown as well.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var pe *ProviderError
	if stderrors.As(err, &pe) {
		return pe.Kind
	}
	return KindBackendUnavailable
}

// Retryable reports whether a bounded local retry is allowed for err.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return false
	}
	switch KindOf(err) {
	case KindRateLimited, KindBackendUnavailable:
		return true
	}
	return false
}

// Permanent reports whether err should stop any further attempt for the same resource.
func Permanent(err error) bool {
	switch KindOf(err) {
	case KindAuthExpired, KindNotFound, KindValidation, KindSubscriptionExpired:
		return true
	}
	return false
}
