package backend

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// ErrNotConfigured indicates a missing backend URL or API key. This is
// a configuration error: it is fatal for the invoked operation and is
// never retried.
var ErrNotConfigured = errors.New("backend: project URL and API key must be configured")

// APIError is a non-2xx response from the backend REST API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("backend: HTTP %d", e.StatusCode)
	}

	return fmt.Sprintf("backend: HTTP %d: %s", e.StatusCode, e.Message)
}

// retryable reports whether the error is worth retrying: rate limiting
// and server-side failures are transient, everything else is not.
func (e *APIError) retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= http.StatusInternalServerError
}

// IsNotFound reports whether err is an APIError with status 404.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// newAPIError builds an APIError from a status code and response body,
// extracting the backend's message field when the body is JSON.
func newAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status}

	if len(body) == 0 {
		return apiErr
	}

	var payload struct {
		Message string `json:"message"`
		Msg     string `json:"msg"`
	}

	if err := json.Unmarshal(body, &payload); err == nil {
		if payload.Message != "" {
			apiErr.Message = payload.Message
		} else {
			apiErr.Message = payload.Msg
		}
	}

	return apiErr
}
