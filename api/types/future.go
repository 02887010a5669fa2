package types

import (
	"encoding/json"
	"fmt"
)

// QueueState is the server's admission state attached to pending futures.
type QueueState string

const (
	QueueStateActive          QueueState = "active"
	QueueStatePausedCapacity  QueueState = "paused_capacity"
	QueueStatePausedRateLimit QueueState = "paused_rate_limit"
	QueueStateUnknown         QueueState = "unknown"
)

// UnmarshalJSON folds unrecognized states into QueueStateUnknown so that a
// newer server never breaks polling.
func (q *QueueState) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	switch QueueState(s) {
	case QueueStateActive, QueueStatePausedCapacity, QueueStatePausedRateLimit:
		*q = QueueState(s)
	default:
		*q = QueueStateUnknown
	}
	return nil
}

// Reason renders the state as an operator-readable waiting explanation.
func (q QueueState) Reason() string {
	switch q {
	case QueueStateActive:
		return "request is queued and the server is actively working"
	case QueueStatePausedCapacity:
		return "server paused the queue: no capacity available"
	case QueueStatePausedRateLimit:
		return "server paused the queue: tenant is rate limited"
	default:
		return "server reported an unrecognized queue state"
	}
}

// AsyncFuture is the server handle returned by every write endpoint.
type AsyncFuture struct {
	RequestID    string      `json:"request_id"`
	QueueState   *QueueState `json:"queue_state,omitempty"`
	RetryAfterMS *int64      `json:"retry_after_ms,omitempty"`
}

// Future terminal status values returned by retrieve_future.
const (
	FutureStatusCompleted = "completed"
	FutureStatusFailed    = "failed"
	FutureStatusPending   = "pending"
)

// TryAgainType is the type tag on transient retrieve_future responses.
const TryAgainType = "try_again"

// TryAgainResponse tells the poller to come back later; RetryAfterMS is
// advisory and QueueState explains the wait.
type TryAgainResponse struct {
	Type         string     `json:"type"`
	QueueState   QueueState `json:"queue_state"`
	RetryAfterMS *int64     `json:"retry_after_ms,omitempty"`
	Message      string     `json:"message,omitempty"`
}

// ErrorCategory attributes a request failure to a side of the wire.
type ErrorCategory string

const (
	CategoryUser    ErrorCategory = "user"
	CategoryServer  ErrorCategory = "server"
	CategoryUnknown ErrorCategory = "unknown"
)

// RequestFailedPayload is the failure envelope inside a terminal "failed"
// retrieve_future response. Category is preserved verbatim for retry policy.
type RequestFailedPayload struct {
	Category ErrorCategory  `json:"category"`
	Message  string         `json:"message"`
	Data     map[string]any `json:"data,omitempty"`
}

// CompletedEnvelope is the terminal success shape of retrieve_future.
type CompletedEnvelope struct {
	Status string          `json:"status"`
	Result json.RawMessage `json:"result"`
}

// FailedEnvelope is the terminal failure shape of retrieve_future.
type FailedEnvelope struct {
	Status string               `json:"status"`
	Error  RequestFailedPayload `json:"error"`
}

// DecodeResult unmarshals a terminal result payload into out.
func DecodeResult(raw json.RawMessage, out any) error {
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode future result: %w", err)
	}
	return nil
}
