package gateway

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/Sternrassler/simgate/pkg/bodylimit"
	"github.com/Sternrassler/simgate/pkg/fetch"
)

// ErrRedirectBlocked is returned when the upstream answers with a 3xx.
var ErrRedirectBlocked = errors.New("upstream redirect blocked")

// errInvalidJSON marks an upstream JSON body that does not parse.
var errInvalidJSON = errors.New("invalid JSON from upstream")

// ValidationError rejects an inbound request before any upstream call.
type ValidationError struct {
	Status  int
	Message string
	Err     error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// errorBody is the JSON envelope of every gateway-generated error.
type errorBody struct {
	Message        string `json:"message"`
	UpstreamStatus int    `json:"upstreamStatus,omitempty"`
}

// failure is a resolved error response.
type failure struct {
	status int
	reason string
	body   errorBody
}

// classify maps an error to its response. Upstream internals stay in the
// logs; callers only see the stable message.
func classify(err error) failure {
	var validationErr *ValidationError
	var timeoutErr *fetch.TimeoutError
	var abortedErr *fetch.AbortedError

	switch {
	case errors.As(err, &validationErr):
		reason := "invalid_body"
		if validationErr.Status == http.StatusRequestEntityTooLarge {
			reason = "request_too_large"
		} else if errors.Is(err, ErrInvalidPath) {
			reason = "invalid_path"
		}
		return failure{validationErr.Status, reason, errorBody{Message: validationErr.Message}}
	case errors.Is(err, ErrRedirectBlocked):
		return failure{http.StatusBadGateway, "redirect_blocked", errorBody{Message: "Upstream redirect blocked"}}
	case errors.Is(err, errInvalidJSON):
		return failure{http.StatusBadGateway, "invalid_json", errorBody{Message: "Invalid JSON from upstream"}}
	case errors.Is(err, bodylimit.ErrTooLarge):
		return failure{http.StatusBadGateway, "response_too_large", errorBody{Message: "Upstream response too large"}}
	case errors.As(err, &timeoutErr):
		return failure{http.StatusBadGateway, "upstream_timeout", errorBody{Message: timeoutErr.Error()}}
	case errors.Is(err, fetch.ErrBudgetExceeded):
		return failure{http.StatusBadGateway, "upstream_budget", errorBody{Message: "Upstream retry budget exceeded"}}
	case errors.As(err, &abortedErr):
		return failure{http.StatusBadGateway, "upstream_aborted", errorBody{Message: "Request aborted"}}
	default:
		return failure{http.StatusBadGateway, "upstream_failure", errorBody{Message: "Upstream request failed"}}
	}
}
