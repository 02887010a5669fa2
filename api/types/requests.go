package types

// LossKind selects the server-side loss function for forward/backward passes.
type LossKind string

const (
	LossCrossEntropy       LossKind = "cross_entropy"
	LossImportanceSampling LossKind = "importance_sampling"
	LossPPO                LossKind = "ppo"
	LossCISPO              LossKind = "cispo"
	LossDRO                LossKind = "dro"

	// LossCustom marks a backward submission whose gradients were computed
	// client-side; each datum carries a "logprob_grads" loss-fn input.
	LossCustom LossKind = "custom"
)

// BuiltinLossKinds enumerates the losses the server computes itself.
var BuiltinLossKinds = []LossKind{
	LossCrossEntropy,
	LossImportanceSampling,
	LossPPO,
	LossCISPO,
	LossDRO,
}

// IsBuiltin reports whether the server computes this loss without
// client-supplied gradients.
func (k LossKind) IsBuiltin() bool {
	for _, b := range BuiltinLossKinds {
		if k == b {
			return true
		}
	}
	return false
}

// CreateSessionRequest opens a server-side logical session.
type CreateSessionRequest struct {
	Tags       []string `json:"tags,omitempty"`
	Platform   string   `json:"platform"`
	SDKVersion string   `json:"sdk_version"`
}

// CreateSessionResponse carries the opaque session id and the keepalive cadence.
type CreateSessionResponse struct {
	SessionID           string `json:"session_id"`
	HeartbeatIntervalMS int64  `json:"heartbeat_interval_ms,omitempty"`
}

// CreateModelRequest registers a training run under a session.
type CreateModelRequest struct {
	SessionID string `json:"session_id"`
	ModelID   string `json:"model_id"`
	BaseModel string `json:"base_model"`
	LoraRank  int64  `json:"lora_rank,omitempty"`
}

// CreateModelResponse acknowledges training run registration.
type CreateModelResponse struct {
	ModelID string `json:"model_id"`
}

// CreateSamplingSessionRequest opens a sampling session. Exactly one of
// BaseModel or ModelPath must be set.
type CreateSamplingSessionRequest struct {
	SessionID        string  `json:"session_id"`
	SamplingClientID string  `json:"sampling_client_id"`
	BaseModel        *string `json:"base_model,omitempty"`
	ModelPath        *string `json:"model_path,omitempty"`
}

// CreateSamplingSessionResponse carries the sampling session handle.
type CreateSamplingSessionResponse struct {
	SamplingSessionID string `json:"sampling_session_id"`
}

// SamplingParams controls decoding for one sample call.
type SamplingParams struct {
	MaxTokens   int     `json:"max_tokens" validate:"gt=0"`
	Temperature float64 `json:"temperature" validate:"gte=0"`
	TopP        float64 `json:"top_p,omitempty" validate:"gte=0,lte=1"`
	TopK        int     `json:"top_k,omitempty" validate:"gte=0"`
	StopTokens  []int64 `json:"stop_tokens,omitempty"`
	Seed        *int64  `json:"seed,omitempty"`
}

// SampleRequest enqueues a sample. PromptLogprobs must be omitted from the
// JSON when nil; the server rejects an explicit null.
type SampleRequest struct {
	SamplingSessionID string         `json:"sampling_session_id"`
	SeqID             uint64         `json:"seq_id"`
	Prompt            ModelInput     `json:"prompt"`
	NumSamples        int            `json:"num_samples"`
	SamplingParams    SamplingParams `json:"sampling_params"`
	PromptLogprobs    *bool          `json:"prompt_logprobs,omitempty"`
}

// ComputeLogprobsRequest scores a prompt without spending sampled tokens.
type ComputeLogprobsRequest struct {
	SamplingSessionID string     `json:"sampling_session_id"`
	SeqID             uint64     `json:"seq_id"`
	Prompt            ModelInput `json:"prompt"`
}

// ForwardBackwardRequest drives both /forward and /forward_backward.
type ForwardBackwardRequest struct {
	ModelID string   `json:"model_id"`
	SeqID   uint64   `json:"seq_id"`
	Data    []Datum  `json:"data"`
	LossFn  LossKind `json:"loss_fn"`
}

// AdamParams is the optimizer configuration applied by optim_step. The wire
// field for epsilon is "eps".
type AdamParams struct {
	LearningRate float64 `json:"learning_rate"`
	Beta1        float64 `json:"beta1"`
	Beta2        float64 `json:"beta2"`
	Eps          float64 `json:"eps"`
}

// DefaultAdamParams returns the service defaults, which differ from the
// common library defaults (note beta2 and eps).
func DefaultAdamParams() AdamParams {
	return AdamParams{
		LearningRate: 1e-4,
		Beta1:        0.9,
		Beta2:        0.95,
		Eps:          1e-12,
	}
}

// OptimStepRequest applies gradients accumulated by earlier passes.
type OptimStepRequest struct {
	ModelID    string     `json:"model_id"`
	SeqID      uint64     `json:"seq_id"`
	AdamParams AdamParams `json:"adam_params"`
}

// SaveWeightsRequest persists a named checkpoint.
type SaveWeightsRequest struct {
	ModelID string `json:"model_id"`
	Path    string `json:"path"`
	SeqID   uint64 `json:"seq_id"`
}

// LoadWeightsRequest restores a checkpoint. The wire field is "optimizer";
// the server accepts no other spelling.
type LoadWeightsRequest struct {
	ModelID   string `json:"model_id"`
	Path      string `json:"path"`
	Optimizer bool   `json:"optimizer"`
	SeqID     uint64 `json:"seq_id"`
}

// SaveWeightsForSamplerRequest snapshots weights for handoff to a sampler.
type SaveWeightsForSamplerRequest struct {
	ModelID string `json:"model_id"`
	SeqID   uint64 `json:"seq_id"`
}

// GetInfoRequest asks for model metadata.
type GetInfoRequest struct {
	ModelID string `json:"model_id"`
}

// WeightsInfoRequest inspects a stored artifact by tinker path.
type WeightsInfoRequest struct {
	TinkerPath string `json:"tinker_path"`
}

// RetrieveFutureRequest polls an async operation.
type RetrieveFutureRequest struct {
	RequestID string `json:"request_id"`
}

// HeartbeatType is the fixed type tag on heartbeat messages.
const HeartbeatType = "session_heartbeat"

// SessionHeartbeatRequest keeps a session alive.
type SessionHeartbeatRequest struct {
	SessionID string `json:"session_id"`
	Type      string `json:"type"`
}

// SessionHeartbeatResponse echoes the heartbeat type tag.
type SessionHeartbeatResponse struct {
	Type string `json:"type"`
}
