package types

import (
	"fmt"
	"strings"
)

// PathKind classifies a tinker path by its middle segment.
type PathKind string

const (
	PathKindWeights        PathKind = "weights"
	PathKindSamplerWeights PathKind = "sampler_weights"
)

const tinkerScheme = "tinker://"

// TinkerPath names a stored artifact:
// tinker://{training_run_id}/{weights|sampler_weights}/{checkpoint_id}.
type TinkerPath struct {
	TrainingRunID string
	Kind          PathKind
	CheckpointID  string
}

// ParseTinkerPath splits and classifies a tinker URI.
func ParseTinkerPath(s string) (TinkerPath, error) {
	if !strings.HasPrefix(s, tinkerScheme) {
		return TinkerPath{}, fmt.Errorf("not a tinker path: %q", s)
	}
	parts := strings.Split(strings.TrimPrefix(s, tinkerScheme), "/")
	if len(parts) != 3 || parts[0] == "" || parts[2] == "" {
		return TinkerPath{}, fmt.Errorf("malformed tinker path: %q", s)
	}
	kind := PathKind(parts[1])
	switch kind {
	case PathKindWeights, PathKindSamplerWeights:
	default:
		return TinkerPath{}, fmt.Errorf("unknown tinker path kind %q in %q", parts[1], s)
	}
	return TinkerPath{TrainingRunID: parts[0], Kind: kind, CheckpointID: parts[2]}, nil
}

// String renders the canonical URI form.
func (p TinkerPath) String() string {
	return tinkerScheme + p.TrainingRunID + "/" + string(p.Kind) + "/" + p.CheckpointID
}

// IsSamplerPath reports whether the artifact is in sampler handoff format.
func (p TinkerPath) IsSamplerPath() bool { return p.Kind == PathKindSamplerWeights }
