package tinker

import (
	"context"
	"net/url"

	"github.com/tinkerapi/tinker-go/api/types"
	"github.com/tinkerapi/tinker-go/internal/transport"
)

// RestClient exposes the read-only inspection surface of the service. It
// shares the owning session's transport and retry policy; none of its calls
// are sequenced or asynchronous.
type RestClient struct {
	sc *ServiceClient
}

// GetSampler inspects a live sampler by id.
func (rc *RestClient) GetSampler(ctx context.Context, samplerID string) (types.GetSamplerResponse, error) {
	if samplerID == "" {
		return types.GetSamplerResponse{}, validationError("sampler id must not be empty")
	}
	var resp types.GetSamplerResponse
	err := rc.get(ctx, "get_sampler", "/samplers/"+url.PathEscape(samplerID), &resp)
	return resp, err
}

// WeightsInfo describes a stored artifact by tinker path.
func (rc *RestClient) WeightsInfo(ctx context.Context, tinkerPath string) (types.WeightsInfoResponse, error) {
	if _, err := types.ParseTinkerPath(tinkerPath); err != nil {
		return types.WeightsInfoResponse{}, validationError("weights info: %v", err)
	}
	var resp types.WeightsInfoResponse
	err := rc.post(ctx, "weights_info", "/weights_info", types.WeightsInfoRequest{TinkerPath: tinkerPath}, &resp)
	return resp, err
}

// GetTrainingRun describes a registered training run.
func (rc *RestClient) GetTrainingRun(ctx context.Context, runID string) (types.TrainingRun, error) {
	if runID == "" {
		return types.TrainingRun{}, validationError("training run id must not be empty")
	}
	var resp types.TrainingRun
	err := rc.get(ctx, "get_training_run", "/training_runs/"+url.PathEscape(runID), &resp)
	return resp, err
}

// ListCheckpoints lists a run's stored checkpoints.
func (rc *RestClient) ListCheckpoints(ctx context.Context, runID string) ([]types.Checkpoint, error) {
	if runID == "" {
		return nil, validationError("training run id must not be empty")
	}
	var resp types.ListCheckpointsResponse
	if err := rc.get(ctx, "list_checkpoints", "/training_runs/"+url.PathEscape(runID)+"/checkpoints", &resp); err != nil {
		return nil, err
	}
	return resp.Checkpoints, nil
}

// Healthz checks service liveness.
func (rc *RestClient) Healthz(ctx context.Context) error {
	var resp types.HealthzResponse
	return rc.get(ctx, "healthz", "/healthz", &resp)
}

func (rc *RestClient) get(ctx context.Context, operation, path string, out any) error {
	if err := rc.sc.checkSession(); err != nil {
		return err
	}
	err := rc.sc.exec.Do(rc.sc.opCtx(ctx), rc.sc.retryRequest(operation, nil), func(ctx context.Context) error {
		return rc.sc.tp.GetJSON(ctx, transport.PoolSession, operation, transport.APIPrefix+path, out)
	})
	return wrapErr(err)
}

func (rc *RestClient) post(ctx context.Context, operation, path string, body, out any) error {
	if err := rc.sc.checkSession(); err != nil {
		return err
	}
	err := rc.sc.exec.Do(rc.sc.opCtx(ctx), rc.sc.retryRequest(operation, nil), func(ctx context.Context) error {
		return rc.sc.tp.PostJSON(ctx, transport.PoolSession, operation, transport.APIPrefix+path, body, out)
	})
	return wrapErr(err)
}
