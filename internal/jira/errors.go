package jira

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	apperrors "github.com/jhgg/jeev-jiracache/pkg/errors"
	"github.com/jhgg/jeev-jiracache/pkg/resilience"
)

// APIError is a non-2xx response from Jira.
type APIError struct {
	StatusCode int
	Messages   []string
}

func (e *APIError) Error() string {
	msg := strings.Join(e.Messages, "; ")
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	return fmt.Sprintf("jira: HTTP %d: %s", e.StatusCode, msg)
}

// Unwrap maps 404 to ErrIssueNotFound and everything else to ErrUpstream.
func (e *APIError) Unwrap() error {
	if e.StatusCode == http.StatusNotFound {
		return apperrors.ErrIssueNotFound
	}
	return apperrors.ErrUpstream
}

// IsNotFound reports whether err is a Jira 404.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

func parseAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status}
	var parsed struct {
		ErrorMessages []string          `json:"errorMessages"`
		Errors        map[string]string `json:"errors"`
	}
	if json.Unmarshal(body, &parsed) == nil {
		apiErr.Messages = append(apiErr.Messages, parsed.ErrorMessages...)
		for field, msg := range parsed.Errors {
			apiErr.Messages = append(apiErr.Messages, field+": "+msg)
		}
	}
	return apiErr
}

// isTransient reports whether a failed call may succeed if repeated: server
// errors, rate limiting and transport failures. Other 4xx answers and an
// open breaker are final.
func isTransient(err error) bool {
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= 500 || apiErr.StatusCode == http.StatusTooManyRequests
	}
	return true
}
