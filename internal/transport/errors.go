package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// StatusError is a non-2xx response from the service.
type StatusError struct {
	Status    int
	Operation string
	Pool      string
	RequestID string
	Snippet   string
	// RetryAfter is the server's backoff hint on 429 responses, zero when
	// the server sent none.
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	if e.Snippet != "" {
		return fmt.Sprintf("%s: status %d: %s", e.Operation, e.Status, e.Snippet)
	}
	return fmt.Sprintf("%s: status %d", e.Operation, e.Status)
}

// ConnError is a failure to reach the service at all.
type ConnError struct {
	Operation string
	Err       error
}

func (e *ConnError) Error() string {
	return fmt.Sprintf("%s: connection error: %v", e.Operation, e.Err)
}

func (e *ConnError) Unwrap() error { return e.Err }

// TimeoutError is a request that ran out of time, either the pool's own
// timeout or the caller's context deadline.
type TimeoutError struct {
	Operation string
	Err       error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: timed out: %v", e.Operation, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// classifyDoError separates timeouts from plain connection failures.
func classifyDoError(operation string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &TimeoutError{Operation: operation, Err: err}
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return &TimeoutError{Operation: operation, Err: err}
	}
	return &ConnError{Operation: operation, Err: err}
}

// IsRetryable reports whether err is worth another attempt: connection
// errors, timeouts, 408, 409, 429 and 5xx. Other statuses are the caller's
// mistake and retrying cannot fix them.
func IsRetryable(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Status == http.StatusRequestTimeout ||
			se.Status == http.StatusConflict ||
			se.Status == http.StatusTooManyRequests ||
			se.Status >= 500
	}
	var te *TimeoutError
	if errors.As(err, &te) {
		return true
	}
	var ce *ConnError
	return errors.As(err, &ce)
}

// IsServerResponse reports whether err came with an actual HTTP response.
// Responses count as forward progress for the retry watchdog; connection
// failures and timeouts do not.
func IsServerResponse(err error) bool {
	var se *StatusError
	return errors.As(err, &se)
}

// RetryAfterOf extracts the 429 backoff hint, zero when err carries none.
func RetryAfterOf(err error) time.Duration {
	var se *StatusError
	if errors.As(err, &se) && se.Status == http.StatusTooManyRequests {
		return se.RetryAfter
	}
	return 0
}
