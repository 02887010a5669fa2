package tinker

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/tinkerapi/tinker-go/api/types"
	"github.com/tinkerapi/tinker-go/internal/futures"
	"github.com/tinkerapi/tinker-go/internal/retry"
	"github.com/tinkerapi/tinker-go/internal/transport"
)

// ErrorKind classifies what went wrong; Category (when set) says whose fault
// it was.
type ErrorKind string

const (
	// ErrKindValidation is caller-supplied input failing local checks.
	ErrKindValidation ErrorKind = "validation"
	// ErrKindAPIStatus is a non-2xx HTTP response from the service.
	ErrKindAPIStatus ErrorKind = "api_status"
	// ErrKindAPIConnection is a transport-layer failure.
	ErrKindAPIConnection ErrorKind = "api_connection"
	// ErrKindAPITimeout is a local deadline or the progress watchdog firing.
	ErrKindAPITimeout ErrorKind = "api_timeout"
	// ErrKindRequestFailed is a failure envelope from retrieve_future, or a
	// user callback blowing up mid-pipeline.
	ErrKindRequestFailed ErrorKind = "request_failed"
)

// Error is the one error type every public function returns. Wrapped causes
// stay reachable through errors.As / errors.Is.
type Error struct {
	Kind     ErrorKind
	Category types.ErrorCategory
	Status   int
	Message  string
	Data     map[string]any
	cause    error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s (status %d): %s", e.Kind, e.Status, e.Message)
	}
	if e.Category != "" {
		return fmt.Sprintf("%s (%s): %s", e.Kind, e.Category, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Retryable reports whether resubmitting the operation could help.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case ErrKindAPIConnection:
		return true
	case ErrKindAPIStatus:
		return e.Status == http.StatusRequestTimeout ||
			e.Status == http.StatusConflict ||
			e.Status == http.StatusTooManyRequests ||
			e.Status >= 500
	case ErrKindRequestFailed:
		return e.Category == types.CategoryServer || e.Category == types.CategoryUnknown
	default:
		return false
	}
}

func validationError(format string, args ...any) *Error {
	return &Error{
		Kind:     ErrKindValidation,
		Category: types.CategoryUser,
		Message:  fmt.Sprintf(format, args...),
	}
}

// userCallbackError wraps a failure inside a user-provided callback. These
// carry category user and are never retried; the original failure point
// rides along as structured data.
func userCallbackError(err error, stack string) *Error {
	return &Error{
		Kind:     ErrKindRequestFailed,
		Category: types.CategoryUser,
		Message:  fmt.Sprintf("user callback failed: %v", err),
		Data:     map[string]any{"stacktrace": stack},
		cause:    err,
	}
}

// wrapErr folds lower-layer errors into the public taxonomy. Idempotent.
func wrapErr(err error) error {
	if err == nil {
		return nil
	}
	var already *Error
	if errors.As(err, &already) {
		return already
	}

	var se *transport.StatusError
	if errors.As(err, &se) {
		cat := types.CategoryServer
		if se.Status >= 400 && se.Status < 500 &&
			se.Status != http.StatusRequestTimeout &&
			se.Status != http.StatusConflict &&
			se.Status != http.StatusTooManyRequests {
			cat = types.CategoryUser
		}
		return &Error{Kind: ErrKindAPIStatus, Category: cat, Status: se.Status, Message: se.Error(), cause: err}
	}

	var te *transport.TimeoutError
	if errors.As(err, &te) || errors.Is(err, retry.ErrProgressTimeout) ||
		errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &Error{Kind: ErrKindAPITimeout, Category: types.CategoryServer, Message: err.Error(), cause: err}
	}

	var ce *transport.ConnError
	if errors.As(err, &ce) {
		return &Error{Kind: ErrKindAPIConnection, Category: types.CategoryServer, Message: err.Error(), cause: err}
	}

	var re *futures.RequestError
	if errors.As(err, &re) {
		return &Error{Kind: ErrKindRequestFailed, Category: re.Category, Message: re.Message, Data: re.Data, cause: err}
	}

	return &Error{Kind: ErrKindRequestFailed, Category: types.CategoryUnknown, Message: err.Error(), cause: err}
}
