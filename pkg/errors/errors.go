package errors

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrIssueNotFound    = errors.New("issue not found")
	ErrInvalidInput     = errors.New("invalid input")
	ErrResyncInProgress = errors.New("resync already in progress")
	ErrUpstream         = errors.New("upstream fetch failed")
	ErrStore            = errors.New("store operation failed")
	ErrInternal         = errors.New("internal error")
	ErrTimeout          = errors.New("operation timed out")
)

type AppError struct {
	Err        error
	Message    string
	StatusCode int
}

func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Err.Error(), e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func New(sentinel error, statusCode int, message string) *AppError {
	return &AppError{
		Err:        sentinel,
		Message:    message,
		StatusCode: statusCode,
	}
}

func Newf(sentinel error, statusCode int, format string, args ...any) *AppError {
	return &AppError{
		Err:        sentinel,
		Message:    fmt.Sprintf(format, args...),
		StatusCode: statusCode,
	}
}

// Is and As re-export the standard library helpers so callers importing this
// package under its own name need not import both.
func Is(err, target error) bool { return errors.Is(err, target) }

func As(err error, target any) bool { return errors.As(err, target) }

func HTTPStatusCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.StatusCode
	}

	switch {
	case errors.Is(err, ErrIssueNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrResyncInProgress):
		return http.StatusConflict
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ErrUpstream):
		return http.StatusBadGateway
	case errors.Is(err, ErrTimeout):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
