package apiclient

import (
	"errors"
	"fmt"
	"net/http"
)

// Error is a failed backend call: either a non-2xx HTTP status or a 2xx
// response whose envelope code reports a logical failure.
type Error struct {
	StatusCode int
	Code       int
	Message    string
}

func (e *Error) Error() string {
	if e.Code != 0 && e.Code != e.StatusCode {
		return fmt.Sprintf("apiclient: %s (HTTP %d, code %d)", e.Message, e.StatusCode, e.Code)
	}
	return fmt.Sprintf("apiclient: %s (HTTP %d)", e.Message, e.StatusCode)
}

func statusOf(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode
	}
	return 0
}

// IsUnauthorized returns true if the error is a 401.
func IsUnauthorized(err error) bool { return statusOf(err) == http.StatusUnauthorized }

// IsForbidden returns true if the error is a 403.
func IsForbidden(err error) bool { return statusOf(err) == http.StatusForbidden }

// IsNotFound returns true if the error is a 404.
func IsNotFound(err error) bool { return statusOf(err) == http.StatusNotFound }

// IsConflict returns true if the error is a 409.
func IsConflict(err error) bool { return statusOf(err) == http.StatusConflict }

// IsRateLimited returns true if the error is a 429 (Too Many Requests).
func IsRateLimited(err error) bool { return statusOf(err) == http.StatusTooManyRequests }
