package tinker

import (
	"context"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/tinkerapi/tinker-go/api/types"
	"github.com/tinkerapi/tinker-go/internal/transport"
)

// samplingRegistry holds every live sampling client's configuration,
// process-wide. Entries are inserted once and immutable afterwards (the
// sequence counter mutates atomically); the hot path is one lock-free map
// read plus a fetch-add, with no mailbox between caller and RPC.
var samplingRegistry = xsync.NewMap[string, *samplerEntry]()

type samplerEntry struct {
	sc                *ServiceClient
	samplingSessionID string
	seq               atomic.Uint64
}

// SamplingClient issues concurrent, non-blocking sample calls against one
// sampling session. Server-visible ordering is carried by seq_id, drawn
// atomically at call time; calls never serialize behind each other.
type SamplingClient struct {
	id string
}

func registerSamplingClient(sc *ServiceClient, clientID, samplingSessionID string) *SamplingClient {
	samplingRegistry.Store(clientID, &samplerEntry{sc: sc, samplingSessionID: samplingSessionID})
	return &SamplingClient{id: clientID}
}

// ID returns the client identifier, {session_id}:sample:{n}.
func (s *SamplingClient) ID() string { return s.id }

func (s *SamplingClient) entry() (*samplerEntry, error) {
	e, ok := samplingRegistry.Load(s.id)
	if !ok {
		return nil, validationError("sampling client %s is closed", s.id)
	}
	return e, nil
}

// SampleParams configures one Sample call.
type SampleParams struct {
	NumSamples int `validate:"gt=0"`
	// PromptLogprobs requests per-token logprobs for the prompt. Left nil,
	// the field stays off the wire entirely.
	PromptLogprobs *bool
	Sampling       types.SamplingParams
}

// Sample enqueues one sampling request and returns immediately with a
// future. The seq_id is assigned atomically here, so concurrent calls on
// one client keep a well-defined server-visible order.
func (s *SamplingClient) Sample(ctx context.Context, prompt types.ModelInput, params SampleParams) (*Future[types.SampleResponse], error) {
	e, err := s.entry()
	if err != nil {
		return nil, err
	}
	if len(prompt.Chunks) == 0 {
		return nil, validationError("prompt must not be empty")
	}
	if params.NumSamples <= 0 {
		params.NumSamples = 1
	}
	if err := getValidator().Struct(params.Sampling); err != nil {
		return nil, validationError("sampling params: %v", err)
	}

	req := types.SampleRequest{
		SamplingSessionID: e.samplingSessionID,
		SeqID:             e.seq.Add(1) - 1,
		Prompt:            prompt,
		NumSamples:        params.NumSamples,
		SamplingParams:    params.Sampling,
		PromptLogprobs:    params.PromptLogprobs,
	}
	return submitSample[types.SampleResponse](e, ctx, "asample", req, s.id), nil
}

// ComputeLogprobs scores the prompt without spending sampled tokens.
func (s *SamplingClient) ComputeLogprobs(ctx context.Context, prompt types.ModelInput) (*Future[types.ComputeLogprobsResponse], error) {
	e, err := s.entry()
	if err != nil {
		return nil, err
	}
	if len(prompt.Chunks) == 0 {
		return nil, validationError("prompt must not be empty")
	}
	req := types.ComputeLogprobsRequest{
		SamplingSessionID: e.samplingSessionID,
		SeqID:             e.seq.Add(1) - 1,
		Prompt:            prompt,
	}
	return submitSample[types.ComputeLogprobsResponse](e, ctx, "compute_logprobs", req, s.id), nil
}

// submitSample issues the RPC and polls the resulting future, all in the
// background. The retry executor interleaves 429 handling with the shared
// rate limiter: a rate-limited response primes the destination's backoff
// and a success clears it.
func submitSample[T any](e *samplerEntry, ctx context.Context, operation string, body any, clientID string) *Future[T] {
	sc := e.sc
	metadata := map[string]string{"sampling_client_id": clientID, "operation": operation}
	return newFuture(func(setID func(string)) (T, error) {
		var zero T
		if err := sc.checkSession(); err != nil {
			return zero, err
		}
		var af types.AsyncFuture
		err := sc.exec.Do(sc.opCtx(ctx), sc.retryRequest(operation, metadata), func(ctx context.Context) error {
			return sc.tp.PostJSON(ctx, transport.PoolSampling, operation,
				transport.APIPrefix+"/"+operation, body, &af)
		})
		if err != nil {
			return zero, wrapErr(err)
		}
		setID(af.RequestID)

		raw, err := sc.awaitRaw(context.Background(), af.RequestID, metadata)
		if err != nil {
			return zero, err
		}
		var out T
		if err := types.DecodeResult(raw, &out); err != nil {
			return zero, wrapErr(err)
		}
		return out, nil
	})
}

// Close removes the client from the registry. Tolerant of double close and
// close after session shutdown; in-flight futures keep resolving.
func (s *SamplingClient) Close() {
	samplingRegistry.Delete(s.id)
}
