package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/hyperjump/sodan/internal/models"
)

var (
	// ErrAllAttemptsFailed is returned when retries ran out without any
	// attempt reporting an error.
	ErrAllAttemptsFailed = errors.New("all retry attempts failed")

	// ErrClientClosed is returned by calls made after Close.
	ErrClientClosed = errors.New("completion client closed")
)

// APIError is a non-200 response from the completion endpoint. It wraps
// models.ErrTransientProvider for 429 and 5xx, models.ErrPermanentProvider
// otherwise.
type APIError struct {
	StatusCode int
	Message    string
	Type       string
}

func (e *APIError) Error() string {
	switch {
	case e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden:
		return fmt.Sprintf("authentication error %d: %s", e.StatusCode, e.Message)
	case e.StatusCode == http.StatusTooManyRequests:
		return fmt.Sprintf("rate limited: %s", e.Message)
	default:
		return fmt.Sprintf("API error %d: %s", e.StatusCode, e.Message)
	}
}

func (e *APIError) Unwrap() error {
	if e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500 {
		return models.ErrTransientProvider
	}
	return models.ErrPermanentProvider
}

// newAPIError builds an APIError from a status and response body. JSON
// bodies of the form {"error":{"message","type"}} are unpacked.
func newAPIError(status int, body []byte) *APIError {
	e := &APIError{StatusCode: status}
	var eb errorBody
	if json.Unmarshal(body, &eb) == nil && eb.Error != nil {
		e.Message = eb.Error.Message
		e.Type = eb.Error.Type
	}
	if e.Message == "" {
		e.Message = strings.TrimSpace(string(body))
	}
	if e.Message == "" {
		e.Message = http.StatusText(status)
	}
	return e
}

// transportError classifies a failure to send a request or read its
// response. Timeouts and transport failures are transient.
func transportError(err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%w: request timeout: %w", models.ErrTransientProvider, err)
	}
	return fmt.Errorf("%w: request error: %w", models.ErrTransientProvider, err)
}

// IsRateLimited reports whether err is a 429 response.
func IsRateLimited(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests
}

// IsAuthError reports whether err is a 401 or 403 response.
func IsAuthError(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) &&
		(apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden)
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, models.ErrTransientProvider)
}
