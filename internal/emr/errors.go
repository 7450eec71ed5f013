// Package emr provides an HTTP client for the clinic EMR API with
// automatic retry, error classification, and bearer authentication.
package emr

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors, one per EMR failure class. Callers match them with
// errors.Is through the APIError wrapper.
var (
	ErrBadRequest   = errors.New("emr: bad request")
	ErrUnauthorized = errors.New("emr: unauthorized")
	ErrForbidden    = errors.New("emr: forbidden")
	ErrNotFound     = errors.New("emr: not found")
	ErrConflict     = errors.New("emr: conflict")
	ErrThrottled    = errors.New("emr: throttled")
	ErrServerError  = errors.New("emr: server error")
)

// APIError carries the status code, the X-Request-Id the EMR stamped on
// the response, and the raw error body, wrapped around the sentinel for
// the status class.
type APIError struct {
	StatusCode int
	RequestID  string
	Message    string
	Err        error
}

func (e *APIError) Error() string {
	if e.RequestID != "" {
		return fmt.Sprintf("emr: HTTP %d (request-id: %s): %s", e.StatusCode, e.RequestID, e.Message)
	}

	return fmt.Sprintf("emr: HTTP %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// statusSentinels maps the EMR's known failure statuses to their
// sentinels. Unlisted 5xx codes fall back to ErrServerError.
var statusSentinels = map[int]error{
	http.StatusBadRequest:      ErrBadRequest,
	http.StatusUnauthorized:    ErrUnauthorized,
	http.StatusForbidden:       ErrForbidden,
	http.StatusNotFound:        ErrNotFound,
	http.StatusConflict:        ErrConflict,
	http.StatusTooManyRequests: ErrThrottled,
}

// classifyStatus returns the sentinel for a status code, or nil for 2xx.
func classifyStatus(code int) error {
	if sentinel, ok := statusSentinels[code]; ok {
		return sentinel
	}

	if code >= http.StatusInternalServerError {
		return ErrServerError
	}

	return nil
}

// isRetryable reports whether a status is worth retrying within the
// same request: throttling, request timeouts, and upstream 5xx.
func isRetryable(code int) bool {
	switch code {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}

	return false
}

// IsTransient reports whether the error warrants retrying the whole
// workflow step later. Throttling, server errors, and network failures
// qualify. So does ErrNotFound: the EMR propagates uploads
// asynchronously, and a document that is not visible yet may appear on
// the next attempt.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrThrottled) ||
		errors.Is(err, ErrServerError) ||
		errors.Is(err, ErrNotFound) {
		return true
	}

	// An unclassified error is a network-level failure (dial, TLS,
	// timeout) and worth retrying.
	var apiErr *APIError
	return !errors.As(err, &apiErr)
}
