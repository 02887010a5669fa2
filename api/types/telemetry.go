package types

import "time"

// EventKind enumerates client telemetry event kinds.
type EventKind string

const (
	EventSessionStart       EventKind = "session_start"
	EventSessionEnd         EventKind = "session_end"
	EventUnhandledException EventKind = "unhandled_exception"
	EventGeneric            EventKind = "generic_event"
)

// Severity grades a telemetry event.
type Severity string

const (
	SeverityDebug    Severity = "debug"
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// TelemetryEvent is one client-side log/metric record shipped to the service.
type TelemetryEvent struct {
	EventID   string         `json:"event_id"`
	Kind      EventKind      `json:"event_kind"`
	Severity  Severity       `json:"severity"`
	SessionID string         `json:"session_id"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// TelemetrySendRequest is one ingestion batch.
type TelemetrySendRequest struct {
	SessionID  string           `json:"session_id"`
	Platform   string           `json:"platform"`
	SDKVersion string           `json:"sdk_version"`
	Events     []TelemetryEvent `json:"events"`
}
