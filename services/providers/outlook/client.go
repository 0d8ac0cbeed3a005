package outlook

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/opentracing/opentracing-go"
	"github.com/sony/gobreaker"

	mberrors "github.com/customeros/mailbridge/internal/errors"
	"github.com/customeros/mailbridge/internal/tracing"
)

const maxErrorBody = 64 * 1024

// graphStatusError is an unsuccessful Graph response. It never leaves the package.
type graphStatusError struct {
	Status     int
	Code       string
	Message    string
	RetryAfter string
}

func (e *graphStatusError) Error() string {
	return fmt.Sprintf("graph %d %s: %s", e.Status, e.Code, e.Message)
}

type graphErrorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type request struct {
	method string
	// path is relative to the base url, or an absolute @odata.nextLink
	path  string
	query url.Values
	body  interface{}
	out   interface{}
}

// do sends one Graph request under the account limiter and the shared breaker.
func (a *Adapter) do(ctx context.Context, method string, r request) error {
	op := "outlook." + method
	span, ctx := opentracing.StartSpanFromContext(ctx, "OutlookAdapter."+method)
	defer span.Finish()
	tracing.TagComponentAdapter(span)
	tracing.TagAccount(span, a.lease.AccountID)
	tracing.TagBackend(span, a.Kind().String())

	target, err := a.resolveURL(r.path, r.query)
	if err != nil {
		tracing.TraceErr(span, err)
		return err
	}

	if err = a.limiter.Wait(ctx); err != nil {
		err = mberrors.Unavailable(op, err)
		tracing.TraceErr(span, err)
		return err
	}

	var payload []byte
	if r.body != nil {
		if payload, err = json.Marshal(r.body); err != nil {
			return mberrors.New(mberrors.KindValidation, op, "failed to encode request", err)
		}
	}

	_, err = a.backend.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, r.method, target, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+a.lease.AccessToken)
		req.Header.Set("Accept", "application/json")
		req.Header.Set("Prefer", `IdType="ImmutableId"`)
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		req = tracing.InjectSpanContextIntoHTTPRequest(req, span)

		resp, err := a.backend.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= http.StatusBadRequest {
			return nil, readStatusError(resp)
		}
		if r.out == nil || resp.StatusCode == http.StatusNoContent || resp.StatusCode == http.StatusAccepted {
			_, _ = io.Copy(io.Discard, resp.Body)
			return nil, nil
		}
		return nil, json.NewDecoder(resp.Body).Decode(r.out)
	})
	if err != nil {
		err = translateError(op, err)
		tracing.TraceErr(span, err)
		return err
	}
	return nil
}

// resolveURL only follows absolute links that point back at the configured
// Graph base, so the bearer token is never sent elsewhere.
func (a *Adapter) resolveURL(path string, query url.Values) (string, error) {
	if strings.HasPrefix(path, "https://") || strings.HasPrefix(path, "http://") {
		if !strings.HasPrefix(path, a.backend.baseURL+"/") {
			return "", mberrors.Validation("outlook.request", "cursor does not point at the graph endpoint")
		}
		return path, nil
	}
	target := a.backend.baseURL + "/" + strings.TrimLeft(path, "/")
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	return target, nil
}

func readStatusError(resp *http.Response) error {
	statusErr := &graphStatusError{
		Status:     resp.StatusCode,
		RetryAfter: resp.Header.Get("Retry-After"),
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var body graphErrorBody
	if json.Unmarshal(raw, &body) == nil {
		statusErr.Code = body.Error.Code
		statusErr.Message = body.Error.Message
	}
	if statusErr.Message == "" {
		statusErr.Message = http.StatusText(resp.StatusCode)
	}
	return statusErr
}

func tripsBreaker(err error) bool {
	if stderrors.Is(err, context.Canceled) {
		return false
	}
	var statusErr *graphStatusError
	if stderrors.As(err, &statusErr) {
		return statusErr.Status == http.StatusTooManyRequests || statusErr.Status >= http.StatusInternalServerError
	}
	return true
}

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
		return mberrors.New(mberrors.KindBackendUnavailable, op, "graph circuit breaker is open", err)
	}

	var statusErr *graphStatusError
	if !stderrors.As(err, &statusErr) {
		return mberrors.Unavailable(op, err)
	}

	cause := stderrors.New(statusErr.Error())
	switch statusErr.Status {
	case http.StatusBadRequest, http.StatusConflict, http.StatusUnprocessableEntity:
		return mberrors.New(mberrors.KindValidation, op, statusErr.Message, cause)
	case http.StatusUnauthorized:
		return mberrors.New(mberrors.KindAuthExpired, op, "graph rejected the access token", cause)
	case http.StatusForbidden:
		return mberrors.New(mberrors.KindAuthExpired, op, "graph denied access: "+statusErr.Message, cause)
	case http.StatusNotFound:
		return mberrors.New(mberrors.KindNotFound, op, statusErr.Message, cause)
	case http.StatusTooManyRequests:
		message := "graph throttled the request"
		if statusErr.RetryAfter != "" {
			message += ", retry after " + statusErr.RetryAfter + "s"
		}
		return mberrors.New(mberrors.KindRateLimited, op, message, cause)
	}
	return mberrors.Unavailable(op, cause)
}
