// Package futures resolves server-side async operation handles. Every write
// endpoint returns a request_id; Await polls /retrieve_future until the
// server reports a terminal state, translating queue-state pushback into
// bounded waits and debounced observations.
package futures

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"github.com/tinkerapi/tinker-go/api/types"
	"github.com/tinkerapi/tinker-go/internal/observability"
	"github.com/tinkerapi/tinker-go/internal/retry"
	"github.com/tinkerapi/tinker-go/internal/transport"
)

// RequestError is the terminal "failed" envelope of an async operation,
// unwrapped. Category comes from the server verbatim and drives retry policy
// in the layers above.
type RequestError struct {
	RequestID string
	Category  types.ErrorCategory
	Message   string
	Data      map[string]any
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("request %s failed (%s): %s", e.RequestID, e.Category, e.Message)
}

// Observation is one debounced queue-state report handed to the observer.
type Observation struct {
	RequestID  string
	QueueState types.QueueState
	Reason     string
	Transition bool
	Metadata   map[string]string
}

// Options tune one Await call.
type Options struct {
	// MaxWait caps the total time spent awaiting; zero means the caller's
	// context is the only bound. Exceeding it abandons the awaiter, never
	// the server-side operation.
	MaxWait time.Duration
	// PollDelay is the sleep between polls when the server gives no hint.
	PollDelay time.Duration
	// ObserveInterval spaces periodic queue-state reminders per request.
	ObserveInterval time.Duration
	// Metadata is tagged onto every emitted observation and retry event.
	Metadata map[string]string
}

type terminal struct {
	result json.RawMessage
	err    *RequestError
}

// Poller owns the poll loop and the process-wide terminal cache. Safe for
// concurrent use.
type Poller struct {
	tp       *transport.Client
	exec     *retry.Executor
	retryCfg retry.Config

	defaultPollDelay time.Duration
	observeInterval  time.Duration
	progressTimeout  time.Duration

	// Re-awaiting a request after its terminal state was observed is a
	// caller bug, but the contract is to hand back the cached terminal
	// rather than poll a handle the server may have forgotten.
	cache *lru.Cache[string, terminal]

	observe func(Observation)
}

// Config carries the poller's construction knobs.
type Config struct {
	PollDelay       time.Duration
	ObserveInterval time.Duration
	CacheSize       int
	Retry           retry.Config
}

// New builds a poller. A nil observe drops observations.
func New(tp *transport.Client, exec *retry.Executor, cfg Config, observe func(Observation)) (*Poller, error) {
	if cfg.PollDelay <= 0 {
		cfg.PollDelay = 500 * time.Millisecond
	}
	if cfg.ObserveInterval <= 0 {
		cfg.ObserveInterval = 30 * time.Second
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 4096
	}
	cache, err := lru.New[string, terminal](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("op=futures.New: %w", err)
	}
	return &Poller{
		tp:               tp,
		exec:             exec,
		retryCfg:         cfg.Retry,
		defaultPollDelay: cfg.PollDelay,
		observeInterval:  cfg.ObserveInterval,
		progressTimeout:  cfg.Retry.ProgressTimeout,
		cache:            cache,
		observe:          observe,
	}, nil
}

// Await polls requestID until the server reports a terminal state and
// returns the raw result payload. Transport failures inside each poll go
// through the retry executor under the caller's deadline; queue-state
// pushback stretches the inter-poll sleep but never fails the await.
func (p *Poller) Await(ctx context.Context, requestID string, opts Options) (json.RawMessage, error) {
	if term, ok := p.cache.Get(requestID); ok {
		if term.err != nil {
			return nil, term.err
		}
		return term.result, nil
	}

	if opts.PollDelay <= 0 {
		opts.PollDelay = p.defaultPollDelay
	}
	if opts.ObserveInterval <= 0 {
		opts.ObserveInterval = p.observeInterval
	}
	if opts.MaxWait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.MaxWait)
		defer cancel()
	}
	ctx = observability.ContextWithRequestID(ctx, requestID)

	lg := observability.LoggerFromContext(ctx).With(slog.String("request_id", requestID))
	start := time.Now()
	reminder := rate.Sometimes{Interval: opts.ObserveInterval}
	lastState := types.QueueState("")

	for {
		raw, err := p.pollOnce(ctx, requestID, opts.Metadata)
		if err != nil {
			observability.ResolveFuture("error", time.Since(start))
			return nil, err
		}

		switch {
		case gjson.GetBytes(raw, "type").String() == types.TryAgainType:
			var ta types.TryAgainResponse
			if err := json.Unmarshal(raw, &ta); err != nil {
				return nil, fmt.Errorf("op=retrieve_future request_id=%s: decode try_again: %w", requestID, err)
			}
			observability.RecordPoll(string(ta.QueueState))
			p.observeState(requestID, ta.QueueState, &lastState, &reminder, opts.Metadata, lg)
			if err := p.sleep(ctx, p.advisoryDelay(ta.RetryAfterMS, opts.PollDelay)); err != nil {
				observability.ResolveFuture("abandoned", time.Since(start))
				return nil, err
			}

		case gjson.GetBytes(raw, "status").String() == types.FutureStatusPending:
			observability.RecordPoll("pending")
			if err := p.sleep(ctx, opts.PollDelay); err != nil {
				observability.ResolveFuture("abandoned", time.Since(start))
				return nil, err
			}

		case gjson.GetBytes(raw, "status").String() == types.FutureStatusCompleted:
			var env types.CompletedEnvelope
			if err := json.Unmarshal(raw, &env); err != nil {
				return nil, fmt.Errorf("op=retrieve_future request_id=%s: decode result: %w", requestID, err)
			}
			p.cache.Add(requestID, terminal{result: env.Result})
			observability.ResolveFuture("completed", time.Since(start))
			return env.Result, nil

		case gjson.GetBytes(raw, "status").String() == types.FutureStatusFailed:
			var env types.FailedEnvelope
			if err := json.Unmarshal(raw, &env); err != nil {
				return nil, fmt.Errorf("op=retrieve_future request_id=%s: decode failure: %w", requestID, err)
			}
			rerr := &RequestError{
				RequestID: requestID,
				Category:  env.Error.Category,
				Message:   env.Error.Message,
				Data:      env.Error.Data,
			}
			p.cache.Add(requestID, terminal{err: rerr})
			observability.ResolveFuture("failed", time.Since(start))
			return nil, rerr

		default:
			// The server sometimes short-circuits and streams the typed
			// payload directly with no envelope. Normalize to completed.
			p.cache.Add(requestID, terminal{result: json.RawMessage(raw)})
			observability.ResolveFuture("completed", time.Since(start))
			return json.RawMessage(raw), nil
		}
	}
}

// pollOnce issues one retrieve_future round trip under the retry policy.
func (p *Poller) pollOnce(ctx context.Context, requestID string, metadata map[string]string) ([]byte, error) {
	var raw []byte
	err := p.exec.Do(ctx, retry.Request{
		Operation: "retrieve_future",
		DestKey:   p.tp.DestinationKey(),
		DestLabel: p.tp.DestinationLabel(),
		Config:    p.retryCfg,
		Metadata:  metadata,
	}, func(ctx context.Context) error {
		var err error
		raw, err = p.tp.PostRaw(ctx, transport.PoolFutures, "retrieve_future",
			transport.APIPrefix+"/retrieve_future",
			types.RetrieveFutureRequest{RequestID: requestID})
		return err
	})
	return raw, err
}

// observeState emits at most one observation per state transition plus one
// periodic reminder per interval while a state persists.
func (p *Poller) observeState(requestID string, state types.QueueState, lastState *types.QueueState,
	reminder *rate.Sometimes, metadata map[string]string, lg *slog.Logger) {
	if state != *lastState {
		*lastState = state
		lg.Info("future waiting", slog.String("queue_state", string(state)), slog.String("reason", state.Reason()))
		if p.observe != nil {
			p.observe(Observation{RequestID: requestID, QueueState: state, Reason: state.Reason(),
				Transition: true, Metadata: metadata})
		}
		// Restart the reminder clock so the first reminder lands a full
		// interval after the transition, not on the very next poll.
		reminder.Do(func() {})
		return
	}
	reminder.Do(func() {
		lg.Info("future still waiting", slog.String("queue_state", string(state)), slog.String("reason", state.Reason()))
		if p.observe != nil {
			p.observe(Observation{RequestID: requestID, QueueState: state, Reason: state.Reason(),
				Metadata: metadata})
		}
	})
}

// advisoryDelay bounds the server's retry hint: never shorter than the
// default poll delay, never longer than the progress timeout.
func (p *Poller) advisoryDelay(retryAfterMS *int64, pollDelay time.Duration) time.Duration {
	if retryAfterMS == nil {
		return pollDelay
	}
	d := time.Duration(*retryAfterMS) * time.Millisecond
	if d < pollDelay {
		return pollDelay
	}
	if p.progressTimeout > 0 && d > p.progressTimeout {
		return p.progressTimeout
	}
	return d
}

func (p *Poller) sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
