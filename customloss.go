package tinker

import (
	"context"
	"fmt"
	"runtime/debug"

	"golang.org/x/sync/errgroup"

	"github.com/tinkerapi/tinker-go/api/types"
	"github.com/tinkerapi/tinker-go/pkg/tensor"
)

// logprobsKey is the loss_fn_outputs key under which forward passes return
// per-datum token logprobs.
const logprobsKey = "logprobs"

// gradsKey is the loss_fn_inputs key carrying client-computed logprob
// gradients on the backward submission.
const gradsKey = "logprob_grads"

// CustomLossFn computes a scalar loss from per-datum logprob tensors. The
// returned tensor must be a scalar built from the given logprobs so that
// gradients can flow back to them; the metrics map is merged into the
// server's metrics on the returned output.
type CustomLossFn func(data []types.Datum, logprobs []*tensor.Tensor) (*tensor.Tensor, map[string]float64, error)

// WithRegularizer composes a penalty term onto a loss function:
// loss' = loss + weight * reg(logprobs). The penalty's value is reported
// under the "regularizer" metric.
func WithRegularizer(fn CustomLossFn, weight float64, reg func(logprobs []*tensor.Tensor) *tensor.Tensor) CustomLossFn {
	return func(data []types.Datum, logprobs []*tensor.Tensor) (*tensor.Tensor, map[string]float64, error) {
		loss, metrics, err := fn(data, logprobs)
		if err != nil {
			return nil, nil, err
		}
		penalty := reg(logprobs)
		if metrics == nil {
			metrics = make(map[string]float64)
		}
		metrics["regularizer"] = penalty.Value()
		return loss.Add(penalty.Scale(weight)), metrics, nil
	}
}

// ForwardBackwardCustom runs a forward pass remotely, evaluates lossFn on
// the returned logprobs locally, differentiates it, and submits the logprob
// gradients back as the backward pass. The returned output carries the
// backward pass's loss_fn_outputs and the server metrics merged with the
// caller's.
//
// Failures inside lossFn are reported with category user and are never
// retried.
func (tc *TrainingClient) ForwardBackwardCustom(ctx context.Context, data []types.Datum, lossFn CustomLossFn) (*Future[types.ForwardBackwardOutput], error) {
	if len(data) == 0 {
		return nil, validationError("forward_backward_custom requires at least one datum")
	}
	if lossFn == nil {
		return nil, validationError("loss function must not be nil")
	}

	fwd, err := tc.forwardImpl(ctx, "forward", data, types.LossCrossEntropy)
	if err != nil {
		return nil, err
	}

	fut := newFuture(func(setID func(string)) (types.ForwardBackwardOutput, error) {
		setID(fwd.RequestID())
		fwdOut, err := fwd.Result(context.Background())
		if err != nil {
			return types.ForwardBackwardOutput{}, err
		}
		if len(fwdOut.LossFnOutputs) != len(data) {
			return types.ForwardBackwardOutput{}, &Error{
				Kind: ErrKindRequestFailed, Category: types.CategoryServer,
				Message: fmt.Sprintf("forward returned %d outputs for %d data", len(fwdOut.LossFnOutputs), len(data)),
			}
		}

		logprobs := make([]*tensor.Tensor, len(data))
		for i, out := range fwdOut.LossFnOutputs {
			td, ok := out[logprobsKey]
			if !ok {
				return types.ForwardBackwardOutput{}, &Error{
					Kind: ErrKindRequestFailed, Category: types.CategoryServer,
					Message: fmt.Sprintf("forward output %d carries no %q tensor", i, logprobsKey),
				}
			}
			lp, err := tensor.FromWire(td)
			if err != nil {
				return types.ForwardBackwardOutput{}, wrapErr(err)
			}
			logprobs[i] = lp
		}

		userMetrics, err := runLossFn(lossFn, data, logprobs)
		if err != nil {
			return types.ForwardBackwardOutput{}, err
		}

		// Package d(loss)/d(logprobs) as the backward submission. The
		// float32 narrowing warns, as every wire downcast must.
		bwdData := make([]types.Datum, len(data))
		for i, d := range data {
			bwdData[i] = types.Datum{
				ModelInput:   d.ModelInput,
				LossFnInputs: map[string]types.TensorData{gradsKey: logprobs[i].GradWire()},
			}
		}
		chunks := chunkData(bwdData, tc.maxChunk)
		ops := make([]*writeOp, len(chunks))
		for i, chunk := range chunks {
			chunk := chunk
			ops[i] = &writeOp{operation: "forward_backward", build: func(seq uint64) any {
				return types.ForwardBackwardRequest{ModelID: tc.modelID, SeqID: seq, Data: chunk, LossFn: types.LossCustom}
			}}
		}
		if err := tc.submit(ctx, ops); err != nil {
			return types.ForwardBackwardOutput{}, err
		}

		outs := make([]types.ForwardBackwardOutput, len(ops))
		g := new(errgroup.Group)
		for i, op := range ops {
			i, op := i, op
			g.Go(func() error {
				raw, err := tc.sc.awaitRaw(context.Background(), op.fut.RequestID,
					map[string]string{"model_id": tc.modelID, "operation": "forward_backward_custom"})
				if err != nil {
					return err
				}
				return types.DecodeResult(raw, &outs[i])
			})
		}
		if err := g.Wait(); err != nil {
			return types.ForwardBackwardOutput{}, wrapErr(err)
		}
		bwdOut := mergeOutputs(outs)

		if bwdOut.Metrics == nil {
			bwdOut.Metrics = make(map[string]float64)
		}
		for k, v := range userMetrics {
			bwdOut.Metrics[k] = v
		}
		return bwdOut, nil
	})
	return fut, nil
}

// runLossFn evaluates the user callback behind a recover boundary and runs
// the backward pass on its scalar output.
func runLossFn(lossFn CustomLossFn, data []types.Datum, logprobs []*tensor.Tensor) (metrics map[string]float64, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = userCallbackError(fmt.Errorf("panic: %v", r), string(debug.Stack()))
		}
	}()

	loss, metrics, err := lossFn(data, logprobs)
	if err != nil {
		return nil, userCallbackError(err, string(debug.Stack()))
	}
	if loss == nil {
		return nil, userCallbackError(fmt.Errorf("loss function returned nil loss"), "")
	}
	loss.Backward()
	return metrics, nil
}
