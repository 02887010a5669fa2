// Package config defines configuration parsing and helpers.
package config

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// DefaultBaseURL is the production service endpoint.
const DefaultBaseURL = "https://tinker.thinkingmachines.dev/services/tinker-prod"

// Config holds all client configuration. Values are resolved in order:
// struct defaults, then environment variables, then the optional YAML file
// named by TINKER_CONFIG_FILE, then explicit client options.
type Config struct {
	BaseURL            string `env:"TINKER_BASE_URL" yaml:"base_url" validate:"required,url"`
	APIKey             string `env:"TINKER_API_KEY" yaml:"api_key"`
	AccessTunnelID     string `env:"TINKER_ACCESS_TUNNEL_ID" yaml:"access_tunnel_id"`
	AccessTunnelSecret string `env:"TINKER_ACCESS_TUNNEL_SECRET" yaml:"access_tunnel_secret"`
	AppEnv             string `env:"TINKER_ENV" envDefault:"prod" yaml:"env"`
	LogLevel           string `env:"TINKER_LOG_LEVEL" envDefault:"info" yaml:"log_level" validate:"oneof=debug info warn error"`
	ConfigFile         string `env:"TINKER_CONFIG_FILE" yaml:"-"`
	// Tags annotate the server-side session for dashboard filtering.
	Tags []string `env:"TINKER_SESSION_TAGS" envSeparator:"," yaml:"tags"`

	// Outbound proxy. ProxyHeaders entries are "Name=Value" pairs attached to
	// every request when set.
	ProxyURL     string   `env:"TINKER_PROXY_URL" yaml:"proxy_url" validate:"omitempty,url"`
	ProxyHeaders []string `env:"TINKER_PROXY_HEADERS" envSeparator:"," yaml:"proxy_headers"`

	// DebugDumpHeaders logs request headers (secrets redacted) at debug level.
	DebugDumpHeaders bool `env:"TINKER_DEBUG_DUMP_HEADERS" yaml:"debug_dump_headers"`

	// MaxConnections caps concurrently admitted requests per destination.
	MaxConnections int           `env:"TINKER_MAX_CONNECTIONS" envDefault:"100" yaml:"max_connections" validate:"gt=0"`
	HTTPTimeout    time.Duration `env:"TINKER_HTTP_TIMEOUT" envDefault:"300s" yaml:"http_timeout" validate:"gt=0"`

	// Retry configuration. ProgressTimeout bounds elapsed time without
	// progress, never the attempt count.
	EnableRetryLogic bool          `env:"TINKER_ENABLE_RETRY_LOGIC" envDefault:"true" yaml:"enable_retry_logic"`
	RetryBaseDelay   time.Duration `env:"TINKER_RETRY_BASE_DELAY" envDefault:"500ms" yaml:"retry_base_delay" validate:"gt=0"`
	RetryMaxDelay    time.Duration `env:"TINKER_RETRY_MAX_DELAY" envDefault:"10s" yaml:"retry_max_delay" validate:"gt=0"`
	RetryJitterPct   float64       `env:"TINKER_RETRY_JITTER_PCT" envDefault:"0.25" yaml:"retry_jitter_pct" validate:"gte=0,lte=1"`
	ProgressTimeout  time.Duration `env:"TINKER_PROGRESS_TIMEOUT" envDefault:"120m" yaml:"progress_timeout" validate:"gt=0"`

	// Future polling.
	PollDelay       time.Duration `env:"TINKER_POLL_DELAY" envDefault:"500ms" yaml:"poll_delay" validate:"gt=0"`
	ObserveInterval time.Duration `env:"TINKER_QUEUE_OBSERVE_INTERVAL" envDefault:"30s" yaml:"observe_interval" validate:"gt=0"`
	FutureCacheSize int           `env:"TINKER_FUTURE_CACHE_SIZE" envDefault:"4096" yaml:"future_cache_size" validate:"gt=0"`

	// Session keepalive. The server may override the interval in its
	// create_session response.
	HeartbeatInterval   time.Duration `env:"TINKER_HEARTBEAT_INTERVAL" envDefault:"10s" yaml:"heartbeat_interval" validate:"gt=0"`
	HeartbeatLossWindow time.Duration `env:"TINKER_HEARTBEAT_LOSS_WINDOW" envDefault:"120s" yaml:"heartbeat_loss_window" validate:"gt=0"`

	// Telemetry batching.
	TelemetryEnabled        bool          `env:"TINKER_TELEMETRY_ENABLED" envDefault:"true" yaml:"telemetry_enabled"`
	TelemetryQueueSize      int           `env:"TINKER_TELEMETRY_QUEUE_SIZE" envDefault:"1024" yaml:"telemetry_queue_size" validate:"gt=0"`
	TelemetryFlushThreshold int           `env:"TINKER_TELEMETRY_FLUSH_THRESHOLD" envDefault:"100" yaml:"telemetry_flush_threshold" validate:"gt=0"`
	TelemetryFlushInterval  time.Duration `env:"TINKER_TELEMETRY_FLUSH_INTERVAL" envDefault:"10s" yaml:"telemetry_flush_interval" validate:"gt=0"`
}

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

// Load parses environment variables into a Config, overlays the YAML file
// named by TINKER_CONFIG_FILE when present, then validates the result.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("op=config.Load: %w", err)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.ConfigFile != "" {
		if err := overlayFile(&cfg, cfg.ConfigFile); err != nil {
			return Config{}, err
		}
	}
	if err := getValidator().Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("op=config.Load: %w", err)
	}
	return cfg, nil
}

// overlayFile applies values present in a YAML file on top of cfg. Keys
// absent from the file leave the existing values untouched.
func overlayFile(cfg *Config, path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("op=config.Load file=%s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return fmt.Errorf("op=config.Load file=%s: %w", path, err)
	}
	return nil
}

// IsDev reports whether the client is running in development mode.
func (c Config) IsDev() bool { return strings.ToLower(c.AppEnv) == "dev" }

// IsProd reports whether the client is running in production mode.
func (c Config) IsProd() bool { return strings.ToLower(c.AppEnv) == "prod" }

// IsTest reports whether the client is running in test mode.
func (c Config) IsTest() bool { return strings.ToLower(c.AppEnv) == "test" }

// Redacted returns a value suitable for logs: empty stays empty, anything
// else collapses to a fixed placeholder so neither length nor prefix leaks.
func Redacted(secret string) string {
	if secret == "" {
		return ""
	}
	return "[REDACTED]"
}
