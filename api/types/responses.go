package types

import "time"

// StopReason explains why a sampled sequence ended.
type StopReason string

const (
	StopReasonLength       StopReason = "length"
	StopReasonStopToken    StopReason = "stop_token"
	StopReasonStopSequence StopReason = "stop_sequence"
)

// SampledSequence is one decoded continuation.
type SampledSequence struct {
	Tokens     []int64    `json:"tokens"`
	Logprobs   []float64  `json:"logprobs"`
	StopReason StopReason `json:"stop_reason"`
}

// SampleResponse is the terminal result of a sample future.
type SampleResponse struct {
	Sequences      []SampledSequence `json:"sequences"`
	PromptLogprobs []float64         `json:"prompt_logprobs,omitempty"`
}

// ComputeLogprobsResponse carries per-token prompt logprobs.
type ComputeLogprobsResponse struct {
	Logprobs []float64 `json:"logprobs"`
}

// ForwardBackwardOutput is the terminal result of forward and
// forward_backward futures: per-datum loss-fn outputs plus scalar metrics.
type ForwardBackwardOutput struct {
	LossFnOutputs []map[string]TensorData `json:"loss_fn_outputs"`
	Metrics       map[string]float64      `json:"metrics"`
}

// OptimStepResponse reports optimizer step metrics.
type OptimStepResponse struct {
	Metrics map[string]float64 `json:"metrics"`
}

// SaveWeightsResponse names the persisted checkpoint as a tinker URI.
type SaveWeightsResponse struct {
	Path string `json:"path"`
}

// LoadWeightsResponse acknowledges a checkpoint restore.
type LoadWeightsResponse struct {
	Path string `json:"path,omitempty"`
}

// SaveWeightsForSamplerResponse names the sampler-format snapshot.
type SaveWeightsForSamplerResponse struct {
	Path string `json:"path"`
}

// GetInfoResponse describes a training run's model.
type GetInfoResponse struct {
	Arch        string `json:"arch"`
	ModelName   string `json:"model_name"`
	TokenizerID string `json:"tokenizer_id"`
	IsLora      bool   `json:"is_lora"`
	LoraRank    int64  `json:"lora_rank,omitempty"`
}

// GetSamplerResponse describes a live sampler.
type GetSamplerResponse struct {
	SamplerID string `json:"sampler_id"`
	BaseModel string `json:"base_model"`
	ModelPath string `json:"model_path,omitempty"`
	Status    string `json:"status"`
}

// WeightsInfoResponse describes a stored artifact.
type WeightsInfoResponse struct {
	BaseModel string `json:"base_model"`
	IsLora    bool   `json:"is_lora"`
	LoraRank  *int64 `json:"lora_rank,omitempty"`
}

// Checkpoint is a stored weights artifact belonging to a training run.
type Checkpoint struct {
	CheckpointID  string    `json:"checkpoint_id"`
	TrainingRunID string    `json:"training_run_id"`
	Kind          PathKind  `json:"kind"`
	Path          string    `json:"path"`
	CreatedAt     time.Time `json:"created_at"`
}

// TrainingRun describes a registered training run.
type TrainingRun struct {
	TrainingRunID string    `json:"training_run_id"`
	BaseModel     string    `json:"base_model"`
	IsLora        bool      `json:"is_lora"`
	LoraRank      int64     `json:"lora_rank,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// ListCheckpointsResponse pages a run's checkpoints.
type ListCheckpointsResponse struct {
	Checkpoints []Checkpoint `json:"checkpoints"`
}

// TelemetryResponse acknowledges an ingestion batch.
type TelemetryResponse struct {
	Status string `json:"status"`
}

// HealthzResponse reports service liveness.
type HealthzResponse struct {
	Status string `json:"status"`
}
