// Package retry wraps fallible operations in time-bounded retries with
// jittered exponential backoff and per-destination admission control.
//
// Retries are never capped by attempt count. The watchdog tracks forward
// progress (any response from the server, success or failure) and gives up
// only when the configured window passes without any.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/puzpuzpuz/xsync/v4"
	"golang.org/x/sync/semaphore"

	"github.com/tinkerapi/tinker-go/internal/observability"
	"github.com/tinkerapi/tinker-go/internal/ratelimit"
	"github.com/tinkerapi/tinker-go/internal/transport"
)

// ErrProgressTimeout marks an operation abandoned because the progress
// window elapsed without any response from the server.
var ErrProgressTimeout = errors.New("progress timeout exceeded")

// defaultRateLimitBackoff applies when a 429 carries no retry-after hint.
const defaultRateLimitBackoff = time.Second

// Config tunes one executor call.
type Config struct {
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	JitterPct       float64
	ProgressTimeout time.Duration
	MaxConnections  int
	Enabled         bool
}

// DefaultConfig returns the stock tuning.
func DefaultConfig() Config {
	return Config{
		BaseDelay:       500 * time.Millisecond,
		MaxDelay:        10 * time.Second,
		JitterPct:       0.25,
		ProgressTimeout: 120 * time.Minute,
		MaxConnections:  100,
		Enabled:         true,
	}
}

// EventKind names the lifecycle notifications an executor emits.
type EventKind string

// Executor lifecycle events.
const (
	EventStart  EventKind = "retry.attempt.start"
	EventRetry  EventKind = "retry.attempt.retry"
	EventStop   EventKind = "retry.attempt.stop"
	EventFailed EventKind = "retry.attempt.failed"
)

// Event is one lifecycle notification. Metadata is passed through from the
// caller untouched.
type Event struct {
	Kind        EventKind
	Operation   string
	Destination string
	Attempt     int
	Delay       time.Duration
	Err         error
	Metadata    map[string]string
}

// EventSink receives executor events. Sinks must be fast and must not block.
type EventSink func(Event)

// Request identifies one guarded operation.
type Request struct {
	// Operation names the call for logs and events.
	Operation string
	// DestKey is the (base URL, API key) identity used for rate-limit and
	// admission sharing. Never logged.
	DestKey string
	// DestLabel is the loggable destination.
	DestLabel string
	Config    Config
	Metadata  map[string]string
}

// Executor runs operations under admission control, shared 429 backoff and
// the retry schedule. One executor serves any number of destinations.
type Executor struct {
	limiter *ratelimit.Table
	sems    *xsync.Map[string, *semaphore.Weighted]
	sink    EventSink
}

// NewExecutor builds an executor on the given backoff table. A nil sink
// disables event emission.
func NewExecutor(limiter *ratelimit.Table, sink EventSink) *Executor {
	if limiter == nil {
		limiter = ratelimit.Shared()
	}
	return &Executor{
		limiter: limiter,
		sems:    xsync.NewMap[string, *semaphore.Weighted](),
		sink:    sink,
	}
}

// Limiter exposes the backoff table the executor consults.
func (e *Executor) Limiter() *ratelimit.Table { return e.limiter }

func (e *Executor) emit(ev Event) {
	if e.sink != nil {
		e.sink(ev)
	}
}

// admission returns the semaphore for (width, destination), creating it on
// first use. The width is part of the key so two configs with different caps
// do not fight over one semaphore.
func (e *Executor) admission(cfg Config, destKey string) *semaphore.Weighted {
	width := cfg.MaxConnections
	if width <= 0 {
		width = DefaultConfig().MaxConnections
	}
	key := fmt.Sprintf("%d\x00%s", width, destKey)
	sem, _ := e.sems.LoadOrStore(key, semaphore.NewWeighted(int64(width)))
	return sem
}

// Do runs op under the request's retry policy. The op is handed the caller's
// context; a context error is terminal no matter what op returns.
func (e *Executor) Do(ctx context.Context, req Request, op func(context.Context) error) error {
	lg := observability.LoggerFromContext(ctx).With(
		slog.String("operation", req.Operation),
		slog.String("destination", req.DestLabel))
	if id := observability.RequestIDFromContext(ctx); id != "" {
		lg = lg.With(slog.String("request_id", id))
	}

	sem := e.admission(req.Config, req.DestKey)
	if err := sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("op=%s: admission: %w", req.Operation, err)
	}
	defer sem.Release(1)

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = req.Config.BaseDelay
	expo.Multiplier = 2
	expo.RandomizationFactor = req.Config.JitterPct
	expo.MaxInterval = req.Config.MaxDelay
	expo.MaxElapsedTime = 0 // the progress watchdog owns the time budget
	expo.Reset()

	e.emit(Event{Kind: EventStart, Operation: req.Operation, Destination: req.DestLabel, Metadata: req.Metadata})

	lastProgress := time.Now()
	attempt := 0
	for {
		if err := e.limiter.WaitForBackoff(ctx, req.DestKey); err != nil {
			e.emit(Event{Kind: EventFailed, Operation: req.Operation, Destination: req.DestLabel,
				Attempt: attempt, Err: err, Metadata: req.Metadata})
			return fmt.Errorf("op=%s: %w", req.Operation, err)
		}

		err := op(ctx)
		if err == nil {
			e.limiter.ClearBackoff(req.DestKey)
			observability.RecordRetry(req.DestLabel, "success")
			e.emit(Event{Kind: EventStop, Operation: req.Operation, Destination: req.DestLabel,
				Attempt: attempt, Metadata: req.Metadata})
			return nil
		}

		e.primeLimiter(req.DestKey, err)

		if transport.IsServerResponse(err) {
			lastProgress = time.Now()
		}

		retryable := req.Config.Enabled && transport.IsRetryable(err) && ctx.Err() == nil
		if !retryable {
			observability.RecordRetry(req.DestLabel, "permanent")
			e.emit(Event{Kind: EventFailed, Operation: req.Operation, Destination: req.DestLabel,
				Attempt: attempt, Err: err, Metadata: req.Metadata})
			return err
		}

		if waited := time.Since(lastProgress); waited > req.Config.ProgressTimeout {
			observability.RecordRetry(req.DestLabel, "progress_timeout")
			terr := fmt.Errorf("op=%s: %w after %s without progress: last error: %v",
				req.Operation, ErrProgressTimeout, waited.Round(time.Millisecond), err)
			e.emit(Event{Kind: EventFailed, Operation: req.Operation, Destination: req.DestLabel,
				Attempt: attempt, Err: terr, Metadata: req.Metadata})
			return terr
		}

		delay := clampDelay(expo.NextBackOff(), req.Config.MaxDelay)
		attempt++
		observability.RecordRetry(req.DestLabel, "retry")
		observability.RecordRetrySleep(req.DestLabel, delay)
		e.emit(Event{Kind: EventRetry, Operation: req.Operation, Destination: req.DestLabel,
			Attempt: attempt, Delay: delay, Err: err, Metadata: req.Metadata})
		lg.Warn("attempt failed, backing off",
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.Any("error", err))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			e.emit(Event{Kind: EventFailed, Operation: req.Operation, Destination: req.DestLabel,
				Attempt: attempt, Err: ctx.Err(), Metadata: req.Metadata})
			return fmt.Errorf("op=%s: %w", req.Operation, ctx.Err())
		case <-timer.C:
		}
	}
}

// primeLimiter shares a 429 deadline with every sender to the destination.
// The server's advisory hint wins; absent one, a short default applies.
func (e *Executor) primeLimiter(destKey string, err error) {
	var se *transport.StatusError
	if !errors.As(err, &se) || se.Status != http.StatusTooManyRequests {
		return
	}
	hint := transport.RetryAfterOf(err)
	if hint <= 0 {
		hint = defaultRateLimitBackoff
	}
	e.limiter.SetBackoff(destKey, hint)
}

// clampDelay bounds a computed delay to [0, max]. backoff.Stop never occurs
// with MaxElapsedTime zero, but guard anyway.
func clampDelay(d, max time.Duration) time.Duration {
	if d < 0 || d == backoff.Stop {
		return 0
	}
	if max > 0 && d > max {
		return max
	}
	return d
}
