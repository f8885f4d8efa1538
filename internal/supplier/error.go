package supplier

import (
	"errors"
	"fmt"
	"net/http"
)

// Error is returned for every failed supplier call. Transient errors (network
// failures, throttling, 5xx) may be retried by the caller; the rest are terminal.
type Error struct {
	Op         string
	StatusCode int
	Body       string
	Transient  bool
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("supplier %s: status %d: %s", e.Op, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("supplier %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is a retryable supplier error.
func IsTransient(err error) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.Transient
	}
	return false
}

func statusError(op string, status int, body []byte) *Error {
	return &Error{
		Op:         op,
		StatusCode: status,
		Body:       string(body),
		Transient:  status == http.StatusTooManyRequests || status == http.StatusUnauthorized || status >= 500,
	}
}
