// Package telemetry ships client-side events back to the service in batches.
// Delivery is best effort: the queue never blocks producers, sends are
// retried briefly, and a batch that keeps failing is dropped.
package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"runtime"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/tinkerapi/tinker-go/api/types"
	"github.com/tinkerapi/tinker-go/internal/config"
	"github.com/tinkerapi/tinker-go/internal/observability"
	"github.com/tinkerapi/tinker-go/internal/retry"
	"github.com/tinkerapi/tinker-go/internal/transport"
	"github.com/tinkerapi/tinker-go/internal/version"
)

const sendTimeout = 15 * time.Second

// telemetryOperation names the reporter's own flush RPC. Executor events and
// request records for it are skipped, otherwise every flush would enqueue
// fresh events for the next flush and an idle client would post forever.
const telemetryOperation = "telemetry"

// sendRetryConfig bounds delivery attempts tightly; telemetry must never
// hold up shutdown the way a training call may.
func sendRetryConfig(maxConnections int) retry.Config {
	return retry.Config{
		BaseDelay:       200 * time.Millisecond,
		MaxDelay:        2 * time.Second,
		JitterPct:       0.25,
		ProgressTimeout: 10 * time.Second,
		MaxConnections:  maxConnections,
		Enabled:         true,
	}
}

// Reporter batches events and flushes them on a size threshold, a timer, or
// an explicit drain. One goroutine owns the queue; Enqueue is non-blocking
// from any goroutine.
type Reporter struct {
	cfg       config.Config
	tp        *transport.Client
	exec      *retry.Executor
	lg        *slog.Logger
	sessionID string
	platform  string

	events chan types.TelemetryEvent
	drains chan chan struct{}
	stop   chan struct{}
	done   chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once
	endOnce   sync.Once

	entropy   *ulid.MonotonicEntropy
	entropyMu sync.Mutex
}

// New builds a reporter for one session. Call Start before enqueueing.
func New(cfg config.Config, tp *transport.Client, exec *retry.Executor, sessionID string, lg *slog.Logger) *Reporter {
	if lg == nil {
		lg = slog.Default()
	}
	return &Reporter{
		cfg:       cfg,
		tp:        tp,
		exec:      exec,
		lg:        lg.With(slog.String("component", "telemetry")),
		sessionID: sessionID,
		platform:  runtime.GOOS + "/" + runtime.GOARCH,
		events:    make(chan types.TelemetryEvent, cfg.TelemetryQueueSize),
		drains:    make(chan chan struct{}, 4),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		entropy:   ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
	}
}

// Enabled reports whether events will actually be shipped.
func (r *Reporter) Enabled() bool { return r != nil && r.cfg.TelemetryEnabled }

// SessionID returns the session every event is tagged with.
func (r *Reporter) SessionID() string { return r.sessionID }

// Start launches the drainer and emits the session_start event. Idempotent.
func (r *Reporter) Start() {
	if !r.Enabled() {
		return
	}
	r.startOnce.Do(func() {
		go r.run()
		r.Emit(types.EventSessionStart, types.SeverityInfo, map[string]any{
			"platform":    r.platform,
			"sdk_version": version.Version,
		})
	})
}

// newEvent stamps an event with a sortable id and the session.
func (r *Reporter) newEvent(kind types.EventKind, sev types.Severity, payload map[string]any) types.TelemetryEvent {
	r.entropyMu.Lock()
	id := ulid.MustNew(ulid.Timestamp(time.Now()), r.entropy).String()
	r.entropyMu.Unlock()
	return types.TelemetryEvent{
		EventID:   id,
		Kind:      kind,
		Severity:  sev,
		SessionID: r.sessionID,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}

// Emit queues one event. It never blocks: when the queue is full the event
// is counted as dropped and discarded.
func (r *Reporter) Emit(kind types.EventKind, sev types.Severity, payload map[string]any) {
	if !r.Enabled() {
		return
	}
	ev := r.newEvent(kind, sev, payload)
	select {
	case r.events <- ev:
		observability.TelemetryQueueDepth.Set(float64(len(r.events)))
	default:
		observability.TelemetryDroppedTotal.Inc()
		r.lg.Debug("telemetry queue full, dropping event", slog.String("event_kind", string(kind)))
	}
}

// LogGenericEvent records an arbitrary client-side observation.
func (r *Reporter) LogGenericEvent(sev types.Severity, payload map[string]any) {
	r.Emit(types.EventGeneric, sev, payload)
}

// LogFatalException records an unhandled error and emits the session_end
// event. The session_end is at-most-once across this and Stop.
func (r *Reporter) LogFatalException(err error) {
	if !r.Enabled() {
		return
	}
	r.Emit(types.EventUnhandledException, types.SeverityCritical, map[string]any{
		"error": err.Error(),
	})
	r.emitSessionEnd("fatal_exception")
}

func (r *Reporter) emitSessionEnd(reason string) {
	r.endOnce.Do(func() {
		r.Emit(types.EventSessionEnd, types.SeverityInfo, map[string]any{"reason": reason})
	})
}

// RetryEvent implements the retry executor's sink, re-emitting executor
// lifecycle notifications as ingestion records. The reporter's own flushes
// are skipped to avoid feedback.
func (r *Reporter) RetryEvent(ev retry.Event) {
	if !r.Enabled() || ev.Operation == telemetryOperation {
		return
	}
	sev := types.SeverityDebug
	if ev.Kind == retry.EventFailed {
		sev = types.SeverityWarning
	}
	payload := map[string]any{
		"event":       string(ev.Kind),
		"operation":   ev.Operation,
		"destination": ev.Destination,
		"attempt":     ev.Attempt,
	}
	if ev.Delay > 0 {
		payload["delay_ms"] = ev.Delay.Milliseconds()
	}
	if ev.Err != nil {
		payload["error"] = ev.Err.Error()
	}
	for k, v := range ev.Metadata {
		payload["meta."+k] = v
	}
	r.LogGenericEvent(sev, payload)
}

// RequestRecord re-emits one HTTP attempt as an ingestion record so the
// server can correlate transport behavior with this session. Telemetry's
// own sends are skipped to avoid feedback.
func (r *Reporter) RequestRecord(rec transport.RequestRecord) {
	if !r.Enabled() || rec.Pool == transport.PoolTelemetry {
		return
	}
	payload := map[string]any{
		"event":       "http.request",
		"pool":        string(rec.Pool),
		"operation":   rec.Operation,
		"status":      rec.Status,
		"duration_ms": rec.Duration.Milliseconds(),
	}
	if rec.Err != nil {
		payload["error"] = rec.Err.Error()
	}
	r.LogGenericEvent(types.SeverityDebug, payload)
}

// WaitUntilDrained blocks until every queued event has been flushed or the
// timeout passes, reporting which happened.
func (r *Reporter) WaitUntilDrained(timeout time.Duration) bool {
	if !r.Enabled() {
		return true
	}
	ack := make(chan struct{})
	select {
	case r.drains <- ack:
	case <-r.done:
		return true
	case <-time.After(timeout):
		return false
	}
	select {
	case <-ack:
		return true
	case <-r.done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Stop emits session_end (if not already emitted), drains the queue and
// terminates the drainer. Safe to call more than once.
func (r *Reporter) Stop(timeout time.Duration) {
	if !r.Enabled() {
		return
	}
	r.stopOnce.Do(func() {
		r.emitSessionEnd("stop")
		r.WaitUntilDrained(timeout)
		close(r.stop)
		select {
		case <-r.done:
		case <-time.After(timeout):
			r.lg.Warn("telemetry drainer did not stop in time")
		}
	})
}

// run is the single consumer of the queue.
func (r *Reporter) run() {
	defer close(r.done)

	ticker := time.NewTicker(r.cfg.TelemetryFlushInterval)
	defer ticker.Stop()

	batch := make([]types.TelemetryEvent, 0, r.cfg.TelemetryFlushThreshold)
	for {
		select {
		case ev := <-r.events:
			batch = append(batch, ev)
			observability.TelemetryQueueDepth.Set(float64(len(r.events)))
			if len(batch) >= r.cfg.TelemetryFlushThreshold {
				r.flush(&batch, "threshold")
			}

		case <-ticker.C:
			r.flush(&batch, "interval")

		case ack := <-r.drains:
			batch = append(batch, r.collect()...)
			r.flush(&batch, "drain")
			close(ack)

		case <-r.stop:
			batch = append(batch, r.collect()...)
			r.flush(&batch, "drain")
			return
		}
	}
}

// collect empties whatever is queued right now without blocking.
func (r *Reporter) collect() []types.TelemetryEvent {
	var out []types.TelemetryEvent
	for {
		select {
		case ev := <-r.events:
			out = append(out, ev)
		default:
			observability.TelemetryQueueDepth.Set(0)
			return out
		}
	}
}

// flush sends the batch and resets it. A batch the retry policy cannot
// deliver is dropped; telemetry never fails the client.
func (r *Reporter) flush(batch *[]types.TelemetryEvent, trigger string) {
	if len(*batch) == 0 {
		return
	}
	events := *batch
	*batch = (*batch)[:0]

	req := types.TelemetrySendRequest{
		SessionID:  r.sessionID,
		Platform:   r.platform,
		SDKVersion: version.Version,
		Events:     events,
	}

	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()

	err := r.exec.Do(ctx, retry.Request{
		Operation: telemetryOperation,
		DestKey:   r.tp.DestinationKey(),
		DestLabel: r.tp.DestinationLabel(),
		Config:    sendRetryConfig(r.cfg.MaxConnections),
	}, func(ctx context.Context) error {
		var resp types.TelemetryResponse
		return r.tp.PostJSON(ctx, transport.PoolTelemetry, telemetryOperation,
			transport.APIPrefix+"/telemetry", req, &resp)
	})
	if err != nil {
		r.lg.Warn("telemetry batch dropped",
			slog.Int("events", len(events)),
			slog.String("trigger", trigger),
			slog.Any("error", err))
		return
	}
	observability.TelemetryBatchesTotal.WithLabelValues(trigger).Inc()
	r.lg.Debug(fmt.Sprintf("flushed %d telemetry events", len(events)), slog.String("trigger", trigger))
}
