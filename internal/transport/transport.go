// Package transport issues single-attempt JSON requests to the service over
// pooled HTTP/2 connections. Admission, retrying and backoff sharing live in
// the layers above; this package never retries on its own.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/net/http2"

	"github.com/tinkerapi/tinker-go/internal/config"
	"github.com/tinkerapi/tinker-go/internal/observability"
	"github.com/tinkerapi/tinker-go/internal/version"
)

// Pool names one of the purpose-tuned HTTP client pools. Training traffic
// must never queue behind a slow sampling burst, so each concern gets its
// own connections.
type Pool string

// The five pools.
const (
	PoolSession   Pool = "session"
	PoolTraining  Pool = "training"
	PoolSampling  Pool = "sampling"
	PoolFutures   Pool = "futures"
	PoolTelemetry Pool = "telemetry"
)

// APIPrefix is the path prefix of every RPC endpoint.
const APIPrefix = "/api/v1"

const (
	headerAccessTunnelID     = "X-Tinker-Access-Tunnel-Id"
	headerAccessTunnelSecret = "X-Tinker-Access-Tunnel-Secret"
	headerRequestID          = "X-Request-Id"

	errorSnippetLimit = 512
)

// RequestRecord describes one completed attempt, handed to the request hook
// for piggybacked telemetry.
type RequestRecord struct {
	Pool      Pool
	Operation string
	Status    int // zero when the request never completed
	Duration  time.Duration
	Err       error
}

// Client owns the pooled HTTP clients and the request headers. Build once
// and share; all methods are safe for concurrent use after SetRequestHook.
type Client struct {
	cfg      config.Config
	baseURL  string
	lg       *slog.Logger
	pools    map[Pool]*http.Client
	proxyHdr http.Header
	hook     func(RequestRecord)
}

// New builds a client with one tuned HTTP/2 pool per traffic class.
func New(cfg config.Config, lg *slog.Logger) (*Client, error) {
	if lg == nil {
		lg = slog.Default()
	}
	c := &Client{
		cfg:      cfg,
		baseURL:  NormalizeBaseURL(cfg.BaseURL),
		lg:       lg,
		pools:    make(map[Pool]*http.Client, 5),
		proxyHdr: parseProxyHeaders(cfg.ProxyHeaders),
	}
	for pool, timeout := range map[Pool]time.Duration{
		PoolSession:   30 * time.Second,
		PoolTraining:  cfg.HTTPTimeout,
		PoolSampling:  cfg.HTTPTimeout,
		PoolFutures:   cfg.HTTPTimeout,
		PoolTelemetry: 15 * time.Second,
	} {
		hc, err := newHTTPClient(pool, cfg, timeout)
		if err != nil {
			return nil, fmt.Errorf("op=transport.New pool=%s: %w", pool, err)
		}
		c.pools[pool] = hc
	}
	return c, nil
}

func newHTTPClient(pool Pool, cfg config.Config, timeout time.Duration) (*http.Client, error) {
	tr := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          cfg.MaxConnections,
		MaxIdleConnsPerHost:   cfg.MaxConnections,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
	if cfg.ProxyURL != "" {
		pu, err := url.Parse(cfg.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("proxy url: %w", err)
		}
		tr.Proxy = http.ProxyURL(pu)
	}
	if err := http2.ConfigureTransport(tr); err != nil {
		return nil, fmt.Errorf("configure http2: %w", err)
	}
	wrapped := otelhttp.NewTransport(tr,
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return fmt.Sprintf("Tinker %s %s %s", pool, r.Method, r.URL.Host)
		}),
	)
	return &http.Client{Timeout: timeout, Transport: wrapped}, nil
}

// NormalizeBaseURL lowercases the scheme and host and drops any trailing
// slash so equivalent spellings share rate-limit state.
func NormalizeBaseURL(raw string) string {
	trimmed := strings.TrimRight(raw, "/")
	u, err := url.Parse(trimmed)
	if err != nil || u.Scheme == "" {
		return trimmed
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	return strings.TrimRight(u.String(), "/")
}

func parseProxyHeaders(entries []string) http.Header {
	if len(entries) == 0 {
		return nil
	}
	h := make(http.Header, len(entries))
	for _, e := range entries {
		name, value, ok := strings.Cut(e, "=")
		if !ok || strings.TrimSpace(name) == "" {
			continue
		}
		h.Add(strings.TrimSpace(name), strings.TrimSpace(value))
	}
	return h
}

// SetRequestHook installs the per-attempt observer. Call once during wiring,
// before any request is issued.
func (c *Client) SetRequestHook(h func(RequestRecord)) { c.hook = h }

// BaseURL returns the normalized service URL.
func (c *Client) BaseURL() string { return c.baseURL }

// DestinationKey identifies this (base URL, API key) pair for rate-limit
// and admission sharing. The raw key is embedded; never log this value.
func (c *Client) DestinationKey() string {
	return c.baseURL + "\x00" + c.cfg.APIKey
}

// DestinationLabel is the loggable form of the destination.
func (c *Client) DestinationLabel() string { return c.baseURL }

// CloseIdleConnections drops pooled connections across every pool. Requests
// already in flight finish normally.
func (c *Client) CloseIdleConnections() {
	for _, hc := range c.pools {
		hc.CloseIdleConnections()
	}
}

// PostRaw sends one POST and returns the raw response body. The path must
// start with "/". No retries happen here.
func (c *Client) PostRaw(ctx context.Context, pool Pool, operation, path string, body any) ([]byte, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("op=%s: encode request: %w", operation, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("op=%s: build request: %w", operation, err)
	}
	return c.do(req, pool, operation)
}

// PostJSON sends one POST and decodes the 2xx response into out when out is
// non-nil.
func (c *Client) PostJSON(ctx context.Context, pool Pool, operation, path string, body, out any) error {
	data, err := c.PostRaw(ctx, pool, operation, path, body)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("op=%s: decode response: %w", operation, err)
	}
	return nil
}

// GetJSON sends one GET and decodes the 2xx response into out.
func (c *Client) GetJSON(ctx context.Context, pool Pool, operation, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("op=%s: build request: %w", operation, err)
	}
	data, err := c.do(req, pool, operation)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("op=%s: decode response: %w", operation, err)
	}
	return nil
}

func (c *Client) do(req *http.Request, pool Pool, operation string) ([]byte, error) {
	c.setHeaders(req)
	if c.cfg.DebugDumpHeaders {
		c.lg.Debug("request headers",
			slog.String("operation", operation),
			slog.Any("headers", dumpHeaders(req.Header)))
	}

	hc, ok := c.pools[pool]
	if !ok {
		return nil, fmt.Errorf("op=%s: unknown pool %q", operation, pool)
	}

	start := time.Now()
	resp, err := hc.Do(req)
	dur := time.Since(start)

	status := 0
	if resp != nil {
		status = resp.StatusCode
	}
	observability.ObserveRequest(string(pool), operation, statusLabel(status, err), dur)
	if c.hook != nil {
		c.hook(RequestRecord{Pool: pool, Operation: operation, Status: status, Duration: dur, Err: err})
	}

	if err != nil {
		return nil, classifyDoError(operation, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &ConnError{Operation: operation, Err: fmt.Errorf("read body: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		se := &StatusError{
			Status:    resp.StatusCode,
			Operation: operation,
			Pool:      string(pool),
			RequestID: resp.Header.Get(headerRequestID),
			Snippet:   snippet(data),
		}
		if resp.StatusCode == http.StatusTooManyRequests {
			se.RetryAfter = parseRetryAfter(resp.Header, data)
			c.lg.Warn("service rate limited",
				slog.String("operation", operation),
				slog.String("pool", string(pool)),
				slog.Duration("retry_after", se.RetryAfter),
				slog.String("x_request_id", se.RequestID))
		} else {
			c.lg.Warn("service returned non-2xx",
				slog.String("operation", operation),
				slog.String("pool", string(pool)),
				slog.Int("status", resp.StatusCode),
				slog.String("x_request_id", se.RequestID),
				slog.String("body", se.Snippet))
		}
		return nil, se
	}
	return data, nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "tinker-go/"+version.Version)
	// Each attempt carries its own correlation id; the server echoes it back
	// on errors so client and server logs line up per attempt, not per call.
	req.Header.Set(headerRequestID, uuid.NewString())
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	if c.cfg.AccessTunnelID != "" {
		req.Header.Set(headerAccessTunnelID, c.cfg.AccessTunnelID)
	}
	if c.cfg.AccessTunnelSecret != "" {
		req.Header.Set(headerAccessTunnelSecret, c.cfg.AccessTunnelSecret)
	}
	for name, values := range c.proxyHdr {
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}
}

// dumpHeaders renders headers for debug logs with credentials redacted.
func dumpHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for name := range h {
		switch http.CanonicalHeaderKey(name) {
		case "Authorization", headerAccessTunnelSecret:
			out[name] = config.Redacted(h.Get(name))
		default:
			out[name] = h.Get(name)
		}
	}
	return out
}

func statusLabel(status int, err error) string {
	if err != nil {
		return "error"
	}
	return strconv.Itoa(status)
}

func snippet(body []byte) string {
	if len(body) > errorSnippetLimit {
		return string(body[:errorSnippetLimit])
	}
	return string(body)
}

// parseRetryAfter prefers the Retry-After header (whole seconds), then the
// retry_after_ms field of the JSON body.
func parseRetryAfter(h http.Header, body []byte) time.Duration {
	if v := h.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
			return time.Duration(secs) * time.Second
		}
	}
	if v := gjson.GetBytes(body, "retry_after_ms"); v.Exists() && v.Int() >= 0 {
		return time.Duration(v.Int()) * time.Millisecond
	}
	return 0
}
