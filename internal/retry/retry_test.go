package retry

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinkerapi/tinker-go/internal/observability"
	"github.com/tinkerapi/tinker-go/internal/ratelimit"
	"github.com/tinkerapi/tinker-go/internal/transport"
)

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) sink(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) kinds() []EventKind {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]EventKind, len(l.events))
	for i, ev := range l.events {
		out[i] = ev.Kind
	}
	return out
}

func (l *eventLog) count(kind EventKind) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, ev := range l.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func fastConfig() Config {
	return Config{
		BaseDelay:       10 * time.Millisecond,
		MaxDelay:        100 * time.Millisecond,
		JitterPct:       0,
		ProgressTimeout: 5 * time.Second,
		MaxConnections:  10,
		Enabled:         true,
	}
}

func testRequest(cfg Config) Request {
	return Request{
		Operation: "sample",
		DestKey:   "https://api.example.com\x00key-a",
		DestLabel: "https://api.example.com",
		Config:    cfg,
		Metadata:  map[string]string{"model_id": "m1"},
	}
}

func TestDo_SuccessFirstAttempt(t *testing.T) {
	lg := &eventLog{}
	ex := NewExecutor(ratelimit.New(), lg.sink)

	calls := 0
	err := ex.Do(context.Background(), testRequest(fastConfig()), func(context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, []EventKind{EventStart, EventStop}, lg.kinds())
}

func TestDo_RetriesUntilSuccess(t *testing.T) {
	lg := &eventLog{}
	ex := NewExecutor(ratelimit.New(), lg.sink)

	calls := 0
	err := ex.Do(context.Background(), testRequest(fastConfig()), func(context.Context) error {
		calls++
		if calls < 3 {
			return &transport.StatusError{Status: http.StatusBadGateway, Operation: "sample"}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 2, lg.count(EventRetry))
	assert.Equal(t, 1, lg.count(EventStop))
	assert.Zero(t, lg.count(EventFailed))
}

func TestDo_NonRetryableFailsImmediately(t *testing.T) {
	lg := &eventLog{}
	ex := NewExecutor(ratelimit.New(), lg.sink)

	calls := 0
	wantErr := &transport.StatusError{Status: http.StatusBadRequest, Operation: "sample", Snippet: "bad dtype"}
	err := ex.Do(context.Background(), testRequest(fastConfig()), func(context.Context) error {
		calls++
		return wantErr
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)

	var se *transport.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusBadRequest, se.Status)
	assert.Equal(t, []EventKind{EventStart, EventFailed}, lg.kinds())
}

func TestDo_DisabledRetriesPassThroughOneAttempt(t *testing.T) {
	cfg := fastConfig()
	cfg.Enabled = false
	ex := NewExecutor(ratelimit.New(), nil)

	calls := 0
	err := ex.Do(context.Background(), testRequest(cfg), func(context.Context) error {
		calls++
		return &transport.StatusError{Status: http.StatusServiceUnavailable, Operation: "sample"}
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_RateLimitPrimesAndClearsSharedBackoff(t *testing.T) {
	limiter := ratelimit.New()
	ex := NewExecutor(limiter, nil)
	req := testRequest(fastConfig())

	calls := 0
	start := time.Now()
	err := ex.Do(context.Background(), req, func(context.Context) error {
		calls++
		if calls == 1 {
			return &transport.StatusError{
				Status:     http.StatusTooManyRequests,
				Operation:  "sample",
				RetryAfter: 60 * time.Millisecond,
			}
		}
		// The standing deadline must have been waited out.
		_, active := limiter.Deadline(req.DestKey)
		assert.False(t, active)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond)

	_, active := limiter.Deadline(req.DestKey)
	assert.False(t, active, "success clears the destination's backoff")
}

func TestDo_RateLimitWithoutHintUsesDefault(t *testing.T) {
	limiter := ratelimit.New()
	ex := NewExecutor(limiter, nil)
	req := testRequest(fastConfig())

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	go func() {
		// Cancel once the limiter is primed so the test does not sit out the
		// full default second.
		for {
			if _, ok := limiter.Deadline(req.DestKey); ok {
				cancel()
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()
	_ = ex.Do(ctx, req, func(context.Context) error {
		calls++
		return &transport.StatusError{Status: http.StatusTooManyRequests, Operation: "sample"}
	})

	d, ok := limiter.Deadline(req.DestKey)
	require.True(t, ok)
	assert.InDelta(t, time.Second.Milliseconds(), time.Until(d).Milliseconds(), 150)
}

func TestDo_ProgressTimeoutFires(t *testing.T) {
	cfg := Config{
		BaseDelay:       50 * time.Millisecond,
		MaxDelay:        2 * time.Second,
		JitterPct:       0,
		ProgressTimeout: 300 * time.Millisecond,
		MaxConnections:  10,
		Enabled:         true,
	}
	lg := &eventLog{}
	ex := NewExecutor(ratelimit.New(), lg.sink)

	calls := 0
	start := time.Now()
	err := ex.Do(context.Background(), testRequest(cfg), func(context.Context) error {
		calls++
		return &transport.ConnError{Operation: "sample", Err: errors.New("connection refused")}
	})
	require.Error(t, err)
	require.ErrorIs(t, err, ErrProgressTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 300*time.Millisecond)
	assert.Greater(t, calls, 1, "the schedule must run before the watchdog fires")
	assert.GreaterOrEqual(t, lg.count(EventRetry), 1)
	assert.Equal(t, 1, lg.count(EventFailed))
}

func TestDo_ServerResponsesCountAsProgress(t *testing.T) {
	cfg := Config{
		BaseDelay:       20 * time.Millisecond,
		MaxDelay:        50 * time.Millisecond,
		JitterPct:       0,
		ProgressTimeout: 200 * time.Millisecond,
		MaxConnections:  10,
		Enabled:         true,
	}
	ex := NewExecutor(ratelimit.New(), nil)

	// 5xx responses keep resetting the watchdog; success on the sixth call
	// arrives well past the 200ms window measured from the start.
	calls := 0
	err := ex.Do(context.Background(), testRequest(cfg), func(context.Context) error {
		calls++
		if calls < 6 {
			time.Sleep(60 * time.Millisecond)
			return &transport.StatusError{Status: http.StatusInternalServerError, Operation: "sample"}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 6, calls)
}

func TestDo_ContextCancelDuringBackoff(t *testing.T) {
	lg := &eventLog{}
	cfg := fastConfig()
	cfg.BaseDelay = 5 * time.Second
	cfg.MaxDelay = 5 * time.Second
	ex := NewExecutor(ratelimit.New(), lg.sink)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := ex.Do(ctx, testRequest(cfg), func(context.Context) error {
		return &transport.StatusError{Status: http.StatusBadGateway, Operation: "sample"}
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, lg.count(EventFailed))
}

func TestDo_AdmissionBoundsConcurrency(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxConnections = 2
	ex := NewExecutor(ratelimit.New(), nil)

	var inFlight, peak atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := ex.Do(context.Background(), testRequest(cfg), func(context.Context) error {
				cur := inFlight.Add(1)
				for {
					p := peak.Load()
					if cur <= p || peak.CompareAndSwap(p, cur) {
						break
					}
				}
				time.Sleep(20 * time.Millisecond)
				inFlight.Add(-1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, peak.Load(), int64(2))
}

func TestDo_DelayStaysWithinJitterBounds(t *testing.T) {
	cfg := Config{
		BaseDelay:       60 * time.Millisecond,
		MaxDelay:        100 * time.Millisecond,
		JitterPct:       0.5,
		ProgressTimeout: 5 * time.Second,
		MaxConnections:  10,
		Enabled:         true,
	}
	lg := &eventLog{}
	ex := NewExecutor(ratelimit.New(), lg.sink)

	calls := 0
	err := ex.Do(context.Background(), testRequest(cfg), func(context.Context) error {
		calls++
		if calls < 5 {
			return &transport.StatusError{Status: http.StatusBadGateway, Operation: "sample"}
		}
		return nil
	})
	require.NoError(t, err)

	// Every scheduled sleep is jittered at most 50% below the base and never
	// past the cap. The events carry the computed delays verbatim.
	lg.mu.Lock()
	defer lg.mu.Unlock()
	retries := 0
	for _, ev := range lg.events {
		if ev.Kind != EventRetry {
			continue
		}
		retries++
		assert.GreaterOrEqual(t, ev.Delay, 30*time.Millisecond, "delay below BaseDelay*(1-jitter)")
		assert.LessOrEqual(t, ev.Delay, 100*time.Millisecond, "delay above MaxDelay")
	}
	assert.Equal(t, 4, retries)
}

func TestDo_LogsThroughContextLoggerWithRequestID(t *testing.T) {
	var buf bytes.Buffer
	ctx := observability.ContextWithLogger(context.Background(),
		slog.New(slog.NewJSONHandler(&buf, nil)))
	ctx = observability.ContextWithRequestID(ctx, "R42")

	ex := NewExecutor(ratelimit.New(), nil)
	calls := 0
	err := ex.Do(ctx, testRequest(fastConfig()), func(context.Context) error {
		calls++
		if calls == 1 {
			return &transport.StatusError{Status: http.StatusBadGateway, Operation: "sample"}
		}
		return nil
	})
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, "attempt failed")
	assert.Contains(t, out, "R42")
}

func TestClampDelay(t *testing.T) {
	assert.Equal(t, time.Duration(0), clampDelay(-time.Second, time.Second))
	assert.Equal(t, time.Duration(0), clampDelay(backoff.Stop, time.Second))
	assert.Equal(t, time.Second, clampDelay(5*time.Second, time.Second))
	assert.Equal(t, 300*time.Millisecond, clampDelay(300*time.Millisecond, time.Second))
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 500*time.Millisecond, cfg.BaseDelay)
	assert.Equal(t, 10*time.Second, cfg.MaxDelay)
	assert.InDelta(t, 0.25, cfg.JitterPct, 0)
	assert.Equal(t, 120*time.Minute, cfg.ProgressTimeout)
	assert.Equal(t, 100, cfg.MaxConnections)
	assert.True(t, cfg.Enabled)
}
