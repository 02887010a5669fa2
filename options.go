package tinker

import (
	"log/slog"
	"time"
)

type clientOptions struct {
	apiKey            string
	baseURL           string
	logger            *slog.Logger
	tags              []string
	telemetry         *bool
	httpTimeout       time.Duration
	maxConnections    int
	progressTimeout   time.Duration
	heartbeatInterval time.Duration
}

// Option overrides one connection parameter. Explicit options win over the
// config file, which wins over environment variables, which win over the
// built-in defaults.
type Option func(*clientOptions)

// WithAPIKey sets the API key, overriding TINKER_API_KEY.
func WithAPIKey(key string) Option {
	return func(o *clientOptions) { o.apiKey = key }
}

// WithBaseURL points the client at a different service deployment.
func WithBaseURL(u string) Option {
	return func(o *clientOptions) { o.baseURL = u }
}

// WithLogger routes client logs through lg instead of the default slog setup.
func WithLogger(lg *slog.Logger) Option {
	return func(o *clientOptions) { o.logger = lg }
}

// WithTags annotates the server-side session for dashboard filtering.
func WithTags(tags ...string) Option {
	return func(o *clientOptions) { o.tags = append(o.tags, tags...) }
}

// WithTelemetry turns event shipping on or off.
func WithTelemetry(enabled bool) Option {
	return func(o *clientOptions) { o.telemetry = &enabled }
}

// WithHTTPTimeout caps each individual HTTP request.
func WithHTTPTimeout(d time.Duration) Option {
	return func(o *clientOptions) { o.httpTimeout = d }
}

// WithMaxConnections caps concurrently admitted requests per destination.
func WithMaxConnections(n int) Option {
	return func(o *clientOptions) { o.maxConnections = n }
}

// WithProgressTimeout bounds elapsed time without forward progress on any
// retried operation.
func WithProgressTimeout(d time.Duration) Option {
	return func(o *clientOptions) { o.progressTimeout = d }
}

// WithHeartbeatInterval sets the keepalive cadence. The server may override
// it in the create_session response.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(o *clientOptions) { o.heartbeatInterval = d }
}
