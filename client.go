// Package tinker is a client SDK for a remote distributed training and
// sampling service. A ServiceClient owns one server-side session; training
// and sampling clients created from it share the session's transport pools,
// retry policy and telemetry reporter.
package tinker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sony/gobreaker/v2"

	"github.com/tinkerapi/tinker-go/api/types"
	"github.com/tinkerapi/tinker-go/internal/config"
	"github.com/tinkerapi/tinker-go/internal/futures"
	"github.com/tinkerapi/tinker-go/internal/observability"
	"github.com/tinkerapi/tinker-go/internal/ratelimit"
	"github.com/tinkerapi/tinker-go/internal/retry"
	"github.com/tinkerapi/tinker-go/internal/telemetry"
	"github.com/tinkerapi/tinker-go/internal/transport"
	"github.com/tinkerapi/tinker-go/internal/version"
)

// Version is the SDK version reported in User-Agent and telemetry.
const Version = version.Version

const stopTimeout = 30 * time.Second

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

// ServiceClient owns one session: its heartbeat loop, telemetry reporter and
// the sub-clients created under it. Build with NewServiceClient; always call
// StopSession when done.
type ServiceClient struct {
	cfg      config.Config
	lg       *slog.Logger
	tp       *transport.Client
	limiter  *ratelimit.Table
	exec     *retry.Executor
	poller   *futures.Poller
	reporter atomic.Pointer[telemetry.Reporter]

	sessionID         string
	heartbeatInterval time.Duration
	hbBreaker         *gobreaker.CircuitBreaker[types.SessionHeartbeatResponse]
	hbStop            chan struct{}
	hbDone            chan struct{}
	sessionLost       atomic.Bool

	trainCount  atomic.Uint64
	sampleCount atomic.Uint64
	stopOnce    sync.Once
}

// NewServiceClient resolves configuration, opens a session and starts the
// heartbeat loop and telemetry reporter.
func NewServiceClient(ctx context.Context, opts ...Option) (*ServiceClient, error) {
	var o clientOptions
	for _, opt := range opts {
		opt(&o)
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, wrapErr(err)
	}
	applyOptions(&cfg, o)

	lg := o.logger
	if lg == nil {
		lg = observability.SetupLogger(cfg)
	}
	observability.InitMetrics()

	tp, err := transport.New(cfg, lg)
	if err != nil {
		return nil, wrapErr(err)
	}

	sc := &ServiceClient{
		cfg:               cfg,
		lg:                lg,
		tp:                tp,
		limiter:           ratelimit.Shared(),
		heartbeatInterval: cfg.HeartbeatInterval,
		hbStop:            make(chan struct{}),
		hbDone:            make(chan struct{}),
	}
	sc.exec = retry.NewExecutor(sc.limiter, func(ev retry.Event) {
		if r := sc.reporter.Load(); r != nil {
			r.RetryEvent(ev)
		}
	})
	sc.poller, err = futures.New(tp, sc.exec, futures.Config{
		PollDelay:       cfg.PollDelay,
		ObserveInterval: cfg.ObserveInterval,
		CacheSize:       cfg.FutureCacheSize,
		Retry:           retryConfig(cfg),
	}, func(obs futures.Observation) {
		if r := sc.reporter.Load(); r != nil {
			r.LogGenericEvent(types.SeverityInfo, map[string]any{
				"event":       "queue_state",
				"request_id":  obs.RequestID,
				"queue_state": string(obs.QueueState),
				"reason":      obs.Reason,
				"transition":  obs.Transition,
			})
		}
	})
	if err != nil {
		return nil, wrapErr(err)
	}

	if err := sc.createSession(ctx); err != nil {
		return nil, err
	}

	rep := telemetry.New(cfg, tp, sc.exec, sc.sessionID, lg)
	sc.reporter.Store(rep)
	tp.SetRequestHook(rep.RequestRecord)
	rep.Start()

	sc.hbBreaker = sc.newHeartbeatBreaker()
	go sc.heartbeatLoop()

	sc.lg.Info("session created",
		slog.String("session_id", sc.sessionID),
		slog.Duration("heartbeat_interval", sc.heartbeatInterval))
	return sc, nil
}

func applyOptions(cfg *config.Config, o clientOptions) {
	if o.apiKey != "" {
		cfg.APIKey = o.apiKey
	}
	if o.baseURL != "" {
		cfg.BaseURL = o.baseURL
	}
	if len(o.tags) > 0 {
		cfg.Tags = append(cfg.Tags, o.tags...)
	}
	if o.telemetry != nil {
		cfg.TelemetryEnabled = *o.telemetry
	}
	if o.httpTimeout > 0 {
		cfg.HTTPTimeout = o.httpTimeout
	}
	if o.maxConnections > 0 {
		cfg.MaxConnections = o.maxConnections
	}
	if o.progressTimeout > 0 {
		cfg.ProgressTimeout = o.progressTimeout
	}
	if o.heartbeatInterval > 0 {
		cfg.HeartbeatInterval = o.heartbeatInterval
	}
}

func retryConfig(cfg config.Config) retry.Config {
	rc := cfg.GetRetryConfig()
	return retry.Config{
		BaseDelay:       rc.BaseDelay,
		MaxDelay:        rc.MaxDelay,
		JitterPct:       rc.JitterPct,
		ProgressTimeout: rc.ProgressTimeout,
		MaxConnections:  rc.MaxConnections,
		Enabled:         rc.Enabled,
	}
}

func (sc *ServiceClient) createSession(ctx context.Context) error {
	var resp types.CreateSessionResponse
	err := sc.exec.Do(sc.opCtx(ctx), sc.retryRequest("create_session", nil), func(ctx context.Context) error {
		return sc.tp.PostJSON(ctx, transport.PoolSession, "create_session",
			transport.APIPrefix+"/create_session",
			types.CreateSessionRequest{
				Tags:       sc.cfg.Tags,
				Platform:   "go",
				SDKVersion: version.Version,
			}, &resp)
	})
	if err != nil {
		return wrapErr(err)
	}
	if resp.SessionID == "" {
		return &Error{Kind: ErrKindRequestFailed, Category: types.CategoryServer,
			Message: "create_session returned no session_id"}
	}
	sc.sessionID = resp.SessionID
	if resp.HeartbeatIntervalMS > 0 {
		sc.heartbeatInterval = time.Duration(resp.HeartbeatIntervalMS) * time.Millisecond
	}
	return nil
}

func (sc *ServiceClient) retryRequest(operation string, metadata map[string]string) retry.Request {
	return retry.Request{
		Operation: operation,
		DestKey:   sc.tp.DestinationKey(),
		DestLabel: sc.tp.DestinationLabel(),
		Config:    retryConfig(sc.cfg),
		Metadata:  metadata,
	}
}

// SessionID returns the opaque server-side session handle.
func (sc *ServiceClient) SessionID() string { return sc.sessionID }

// opCtx threads the client's logger into a request context so retry and
// polling layers log through it rather than slog.Default.
func (sc *ServiceClient) opCtx(ctx context.Context) context.Context {
	return observability.ContextWithLogger(ctx, sc.lg)
}

// newHeartbeatBreaker trips after the loss window passes with nothing but
// consecutive failures, and emits the single session-lost warning on the
// closed-to-open transition.
func (sc *ServiceClient) newHeartbeatBreaker() *gobreaker.CircuitBreaker[types.SessionHeartbeatResponse] {
	threshold := uint32(sc.cfg.HeartbeatLossWindow / sc.heartbeatInterval)
	if threshold < 1 {
		threshold = 1
	}
	return gobreaker.NewCircuitBreaker[types.SessionHeartbeatResponse](gobreaker.Settings{
		Name:    "session_heartbeat",
		Timeout: sc.cfg.HeartbeatLossWindow,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			if from == gobreaker.StateClosed && to == gobreaker.StateOpen {
				sc.sessionLost.Store(true)
				sc.lg.Warn("session heartbeats failing, treating session as lost",
					slog.String("session_id", sc.sessionID),
					slog.Duration("window", sc.cfg.HeartbeatLossWindow))
			}
		},
	})
}

// heartbeatLoop keeps the session alive. Individual failures never terminate
// the session; the breaker decides when it is lost.
func (sc *ServiceClient) heartbeatLoop() {
	defer close(sc.hbDone)
	ticker := time.NewTicker(sc.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-sc.hbStop:
			return
		case <-ticker.C:
			_, err := sc.hbBreaker.Execute(func() (types.SessionHeartbeatResponse, error) {
				ctx, cancel := context.WithTimeout(context.Background(), sc.heartbeatInterval)
				defer cancel()
				var resp types.SessionHeartbeatResponse
				err := sc.tp.PostJSON(ctx, transport.PoolSession, "session_heartbeat",
					transport.APIPrefix+"/session_heartbeat",
					types.SessionHeartbeatRequest{SessionID: sc.sessionID, Type: types.HeartbeatType},
					&resp)
				return resp, err
			})
			if err != nil {
				sc.lg.Debug("heartbeat failed", slog.Any("error", err))
			}
		}
	}
}

// checkSession rejects user-initiated calls once the heartbeat breaker has
// declared the session lost.
func (sc *ServiceClient) checkSession() error {
	if sc.sessionLost.Load() {
		return &Error{
			Kind:     ErrKindRequestFailed,
			Category: types.CategoryServer,
			Message:  fmt.Sprintf("session %s lost: heartbeats failed for %s", sc.sessionID, sc.cfg.HeartbeatLossWindow),
		}
	}
	return nil
}

// awaitRaw resolves one async future under the session's polling policy.
func (sc *ServiceClient) awaitRaw(ctx context.Context, requestID string, metadata map[string]string) ([]byte, error) {
	raw, err := sc.poller.Await(sc.opCtx(ctx), requestID, futures.Options{Metadata: metadata})
	if err != nil {
		return nil, wrapErr(err)
	}
	return raw, nil
}

// CreateLoRATrainingClient registers a LoRA training run under this session
// and starts its writer.
func (sc *ServiceClient) CreateLoRATrainingClient(ctx context.Context, baseModel string, loraRank int64) (*TrainingClient, error) {
	if err := sc.checkSession(); err != nil {
		return nil, err
	}
	if baseModel == "" {
		return nil, validationError("base model must not be empty")
	}
	if loraRank <= 0 {
		return nil, validationError("lora rank must be positive, got %d", loraRank)
	}

	modelID := fmt.Sprintf("%s:train:%d", sc.sessionID, sc.trainCount.Add(1)-1)
	var resp types.CreateModelResponse
	err := sc.exec.Do(sc.opCtx(ctx), sc.retryRequest("create_model", map[string]string{"model_id": modelID}),
		func(ctx context.Context) error {
			return sc.tp.PostJSON(ctx, transport.PoolSession, "create_model",
				transport.APIPrefix+"/create_model",
				types.CreateModelRequest{
					SessionID: sc.sessionID,
					ModelID:   modelID,
					BaseModel: baseModel,
					LoraRank:  loraRank,
				}, &resp)
		})
	if err != nil {
		return nil, wrapErr(err)
	}
	return newTrainingClient(sc, modelID, baseModel, loraRank), nil
}

// SamplingClientParams selects the model a sampling client serves. Exactly
// one of BaseModel or ModelPath must be set.
type SamplingClientParams struct {
	BaseModel string
	// ModelPath is a tinker URI in sampler_weights format, usually produced
	// by TrainingClient.SaveWeightsForSampler.
	ModelPath string
}

// CreateSamplingClient opens a sampling session under this client.
func (sc *ServiceClient) CreateSamplingClient(ctx context.Context, params SamplingClientParams) (*SamplingClient, error) {
	if err := sc.checkSession(); err != nil {
		return nil, err
	}
	if (params.BaseModel == "") == (params.ModelPath == "") {
		return nil, validationError("exactly one of BaseModel or ModelPath must be set")
	}
	if params.ModelPath != "" {
		tp, err := types.ParseTinkerPath(params.ModelPath)
		if err != nil {
			return nil, validationError("model path: %v", err)
		}
		if !tp.IsSamplerPath() {
			return nil, validationError("model path %q is not in sampler_weights format", params.ModelPath)
		}
	}

	clientID := fmt.Sprintf("%s:sample:%d", sc.sessionID, sc.sampleCount.Add(1)-1)
	req := types.CreateSamplingSessionRequest{
		SessionID:        sc.sessionID,
		SamplingClientID: clientID,
	}
	if params.BaseModel != "" {
		req.BaseModel = &params.BaseModel
	} else {
		req.ModelPath = &params.ModelPath
	}

	var resp types.CreateSamplingSessionResponse
	err := sc.exec.Do(sc.opCtx(ctx), sc.retryRequest("create_sampling_session", map[string]string{"sampling_client_id": clientID}),
		func(ctx context.Context) error {
			return sc.tp.PostJSON(ctx, transport.PoolSession, "create_sampling_session",
				transport.APIPrefix+"/create_sampling_session", req, &resp)
		})
	if err != nil {
		return nil, wrapErr(err)
	}
	return registerSamplingClient(sc, clientID, resp.SamplingSessionID), nil
}

// Rest returns a typed read-only client sharing this session's transport.
func (sc *ServiceClient) Rest() *RestClient {
	return &RestClient{sc: sc}
}

// StopSession shuts the session down synchronously: when it returns, no
// further heartbeat RPC will be issued and telemetry has been drained.
func (sc *ServiceClient) StopSession() {
	sc.stopOnce.Do(func() {
		close(sc.hbStop)
		<-sc.hbDone
		if r := sc.reporter.Load(); r != nil {
			r.Stop(stopTimeout)
		}
		sc.tp.CloseIdleConnections()
		sc.lg.Info("session stopped", slog.String("session_id", sc.sessionID))
	})
}
