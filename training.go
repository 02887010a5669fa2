package tinker

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/tinkerapi/tinker-go/api/types"
	"github.com/tinkerapi/tinker-go/internal/transport"
)

// MaxChunkNumberCount caps the bin-packing weight of one forward/backward
// submission. Calls heavier than this are split into several sequenced RPCs
// and their outputs merged.
const MaxChunkNumberCount int64 = 100_000_000

// TrainingClient drives one training run. All writes funnel through a single
// writer goroutine that owns the run's sequence counter, so server-visible
// seq_ids are strictly increasing and contiguous from 0 no matter how many
// goroutines call in.
type TrainingClient struct {
	sc        *ServiceClient
	modelID   string
	baseModel string
	loraRank  int64
	maxChunk  int64

	mailbox chan *writeBatch
	done    chan struct{}

	mu     sync.RWMutex
	closed bool
}

// writeOp is one sequenced RPC. build receives the seq_id the writer assigns
// at submission time; fut holds the server handle afterwards.
type writeOp struct {
	operation string
	build     func(seq uint64) any
	fut       types.AsyncFuture
}

// writeBatch is a group of ops that must occupy consecutive seq_ids with
// nothing interleaved, e.g. the chunks of one large forward_backward call.
type writeBatch struct {
	ctx   context.Context
	ops   []*writeOp
	reply chan error
}

func newTrainingClient(sc *ServiceClient, modelID, baseModel string, loraRank int64) *TrainingClient {
	tc := &TrainingClient{
		sc:        sc,
		modelID:   modelID,
		baseModel: baseModel,
		loraRank:  loraRank,
		maxChunk:  MaxChunkNumberCount,
		mailbox:   make(chan *writeBatch, 64),
		done:      make(chan struct{}),
	}
	go tc.writer()
	return tc
}

// ModelID returns the run identifier, {session_id}:train:{n}.
func (tc *TrainingClient) ModelID() string { return tc.modelID }

// BaseModel returns the model this run fine-tunes.
func (tc *TrainingClient) BaseModel() string { return tc.baseModel }

// LoraRank returns the LoRA rank of the run.
func (tc *TrainingClient) LoraRank() int64 { return tc.loraRank }

// writer is the run's one logical writer. It owns the sequence counter; a
// seq_id is consumed only when its RPC was accepted, keeping the submitted
// multiset contiguous even when a submission fails outright.
func (tc *TrainingClient) writer() {
	defer close(tc.done)
	var seq uint64
	for batch := range tc.mailbox {
		var batchErr error
		for _, op := range batch.ops {
			body := op.build(seq)
			var af types.AsyncFuture
			err := tc.sc.exec.Do(tc.sc.opCtx(batch.ctx),
				tc.sc.retryRequest(op.operation, map[string]string{"model_id": tc.modelID}),
				func(ctx context.Context) error {
					return tc.sc.tp.PostJSON(ctx, transport.PoolTraining, op.operation,
						transport.APIPrefix+"/"+op.operation, body, &af)
				})
			if err != nil {
				batchErr = err
				break
			}
			op.fut = af
			seq++
		}
		batch.reply <- batchErr
	}
}

// submit queues a batch behind the writer and waits for the RPCs to be
// accepted. Concurrent callers serialize here, by design.
func (tc *TrainingClient) submit(ctx context.Context, ops []*writeOp) error {
	if err := tc.sc.checkSession(); err != nil {
		return err
	}
	tc.mu.RLock()
	if tc.closed {
		tc.mu.RUnlock()
		return validationError("training client for %s is closed", tc.modelID)
	}
	batch := &writeBatch{ctx: ctx, ops: ops, reply: make(chan error, 1)}
	select {
	case tc.mailbox <- batch:
		tc.mu.RUnlock()
	case <-ctx.Done():
		tc.mu.RUnlock()
		return wrapErr(ctx.Err())
	}
	select {
	case err := <-batch.reply:
		if err != nil {
			return wrapErr(err)
		}
		return nil
	case <-ctx.Done():
		// The writer may still issue the RPCs; the reply channel is
		// buffered so it never blocks on us.
		return wrapErr(ctx.Err())
	}
}

// Close stops the writer. In-flight futures keep resolving; new submissions
// fail. Idempotent.
func (tc *TrainingClient) Close() {
	tc.mu.Lock()
	if tc.closed {
		tc.mu.Unlock()
		return
	}
	tc.closed = true
	close(tc.mailbox)
	tc.mu.Unlock()
	<-tc.done
}

// ForwardBackward runs a forward and backward pass with a server-side loss.
// Oversized calls are split into several sequenced submissions and the
// outputs merged.
func (tc *TrainingClient) ForwardBackward(ctx context.Context, data []types.Datum, loss types.LossKind) (*Future[types.ForwardBackwardOutput], error) {
	if !loss.IsBuiltin() {
		return nil, validationError("loss %q is not a built-in loss", loss)
	}
	return tc.forwardImpl(ctx, "forward_backward", data, loss)
}

// Forward runs a forward pass only, for evaluation or custom-loss pipelines.
func (tc *TrainingClient) Forward(ctx context.Context, data []types.Datum, loss types.LossKind) (*Future[types.ForwardBackwardOutput], error) {
	if !loss.IsBuiltin() {
		return nil, validationError("loss %q is not a built-in loss", loss)
	}
	return tc.forwardImpl(ctx, "forward", data, loss)
}

func (tc *TrainingClient) forwardImpl(ctx context.Context, operation string, data []types.Datum, loss types.LossKind) (*Future[types.ForwardBackwardOutput], error) {
	if len(data) == 0 {
		return nil, validationError("%s requires at least one datum", operation)
	}

	chunks := chunkData(data, tc.maxChunk)
	ops := make([]*writeOp, len(chunks))
	for i, chunk := range chunks {
		chunk := chunk
		ops[i] = &writeOp{operation: operation, build: func(seq uint64) any {
			return types.ForwardBackwardRequest{ModelID: tc.modelID, SeqID: seq, Data: chunk, LossFn: loss}
		}}
	}
	if err := tc.submit(ctx, ops); err != nil {
		return nil, err
	}
	if len(chunks) > 1 {
		tc.sc.lg.Debug("split oversized call",
			slog.String("operation", operation),
			slog.String("model_id", tc.modelID),
			slog.Int("chunks", len(chunks)))
	}

	fut := newFuture(func(setID func(string)) (types.ForwardBackwardOutput, error) {
		setID(ops[0].fut.RequestID)
		outs := make([]types.ForwardBackwardOutput, len(ops))
		g := new(errgroup.Group)
		for i, op := range ops {
			i, op := i, op
			g.Go(func() error {
				raw, err := tc.sc.awaitRaw(context.Background(), op.fut.RequestID,
					map[string]string{"model_id": tc.modelID, "operation": operation})
				if err != nil {
					return err
				}
				return types.DecodeResult(raw, &outs[i])
			})
		}
		if err := g.Wait(); err != nil {
			return types.ForwardBackwardOutput{}, wrapErr(err)
		}
		return mergeOutputs(outs), nil
	})
	return fut, nil
}

// OptimStep applies the gradients accumulated by prior passes in sequence.
func (tc *TrainingClient) OptimStep(ctx context.Context, params types.AdamParams) (*Future[types.OptimStepResponse], error) {
	op := &writeOp{operation: "optim_step", build: func(seq uint64) any {
		return types.OptimStepRequest{ModelID: tc.modelID, SeqID: seq, AdamParams: params}
	}}
	return submitOne[types.OptimStepResponse](tc, ctx, op)
}

// SaveState persists a named checkpoint and yields its tinker URI.
func (tc *TrainingClient) SaveState(ctx context.Context, name string) (*Future[types.SaveWeightsResponse], error) {
	if name == "" {
		return nil, validationError("checkpoint name must not be empty")
	}
	op := &writeOp{operation: "save_weights", build: func(seq uint64) any {
		return types.SaveWeightsRequest{ModelID: tc.modelID, Path: name, SeqID: seq}
	}}
	return submitOne[types.SaveWeightsResponse](tc, ctx, op)
}

// LoadStateParams configures a checkpoint restore.
type LoadStateParams struct {
	// Path is the tinker URI of the checkpoint.
	Path string
	// Optimizer restores optimizer moments alongside the weights.
	Optimizer bool

	// Deprecated: LoadOptimizerState is the old name for Optimizer and will
	// be removed; it is translated, never sent on the wire.
	LoadOptimizerState *bool
}

func (p LoadStateParams) optimizer(lg *slog.Logger) bool {
	if p.LoadOptimizerState != nil {
		lg.Warn("LoadOptimizerState is deprecated, use Optimizer")
		return *p.LoadOptimizerState
	}
	return p.Optimizer
}

// LoadState restores a checkpoint, optionally with optimizer moments.
func (tc *TrainingClient) LoadState(ctx context.Context, params LoadStateParams) (*Future[types.LoadWeightsResponse], error) {
	if _, err := types.ParseTinkerPath(params.Path); err != nil {
		return nil, validationError("load state: %v", err)
	}
	optimizer := params.optimizer(tc.sc.lg)
	op := &writeOp{operation: "load_weights", build: func(seq uint64) any {
		return types.LoadWeightsRequest{ModelID: tc.modelID, Path: params.Path, Optimizer: optimizer, SeqID: seq}
	}}
	return submitOne[types.LoadWeightsResponse](tc, ctx, op)
}

// SaveWeightsForSampler snapshots current weights in sampler format.
func (tc *TrainingClient) SaveWeightsForSampler(ctx context.Context) (*Future[types.SaveWeightsForSamplerResponse], error) {
	op := &writeOp{operation: "save_weights_for_sampler", build: func(seq uint64) any {
		return types.SaveWeightsForSamplerRequest{ModelID: tc.modelID, SeqID: seq}
	}}
	return submitOne[types.SaveWeightsForSamplerResponse](tc, ctx, op)
}

// SaveWeightsAndGetSamplingClient snapshots current weights and opens a
// sampling client on them.
func (tc *TrainingClient) SaveWeightsAndGetSamplingClient(ctx context.Context) (*SamplingClient, error) {
	fut, err := tc.SaveWeightsForSampler(ctx)
	if err != nil {
		return nil, err
	}
	resp, err := fut.Result(ctx)
	if err != nil {
		return nil, err
	}
	return tc.sc.CreateSamplingClient(ctx, SamplingClientParams{ModelPath: resp.Path})
}

// GetInfo fetches model metadata for the run. Reads are not sequenced.
func (tc *TrainingClient) GetInfo(ctx context.Context) (types.GetInfoResponse, error) {
	if err := tc.sc.checkSession(); err != nil {
		return types.GetInfoResponse{}, err
	}
	var resp types.GetInfoResponse
	err := tc.sc.exec.Do(tc.sc.opCtx(ctx), tc.sc.retryRequest("get_info", map[string]string{"model_id": tc.modelID}),
		func(ctx context.Context) error {
			return tc.sc.tp.PostJSON(ctx, transport.PoolTraining, "get_info",
				transport.APIPrefix+"/get_info",
				types.GetInfoRequest{ModelID: tc.modelID}, &resp)
		})
	if err != nil {
		return types.GetInfoResponse{}, wrapErr(err)
	}
	return resp, nil
}

// submitOne sequences a single write and returns a future decoding into T.
func submitOne[T any](tc *TrainingClient, ctx context.Context, op *writeOp) (*Future[T], error) {
	if err := tc.submit(ctx, []*writeOp{op}); err != nil {
		return nil, err
	}
	fut := newFuture(func(setID func(string)) (T, error) {
		setID(op.fut.RequestID)
		var out T
		raw, err := tc.sc.awaitRaw(context.Background(), op.fut.RequestID,
			map[string]string{"model_id": tc.modelID, "operation": op.operation})
		if err != nil {
			return out, err
		}
		if err := types.DecodeResult(raw, &out); err != nil {
			return out, wrapErr(err)
		}
		return out, nil
	})
	return fut, nil
}

// chunkData bin-packs data greedily: a chunk is flushed when adding the next
// datum would push it past maxCount. A single datum heavier than maxCount
// still ships alone.
func chunkData(data []types.Datum, maxCount int64) [][]types.Datum {
	var chunks [][]types.Datum
	var cur []types.Datum
	var count int64
	for _, d := range data {
		n := d.NumberCount()
		if len(cur) > 0 && count+n > maxCount {
			chunks = append(chunks, cur)
			cur = nil
			count = 0
		}
		cur = append(cur, d)
		count += n
	}
	if len(cur) > 0 {
		chunks = append(chunks, cur)
	}
	return chunks
}

// mergeOutputs folds per-chunk outputs into one: loss_fn_outputs concatenate
// in chunk order; metric keys ending in :sum or :count add up, :max and :min
// reduce accordingly, anything else takes the last chunk's value.
func mergeOutputs(outs []types.ForwardBackwardOutput) types.ForwardBackwardOutput {
	if len(outs) == 1 {
		return outs[0]
	}
	merged := types.ForwardBackwardOutput{Metrics: make(map[string]float64)}
	for _, out := range outs {
		merged.LossFnOutputs = append(merged.LossFnOutputs, out.LossFnOutputs...)
		for k, v := range out.Metrics {
			prev, seen := merged.Metrics[k]
			switch {
			case !seen:
				merged.Metrics[k] = v
			case strings.HasSuffix(k, ":sum") || strings.HasSuffix(k, ":count"):
				merged.Metrics[k] = prev + v
			case strings.HasSuffix(k, ":max"):
				merged.Metrics[k] = max(prev, v)
			case strings.HasSuffix(k, ":min"):
				merged.Metrics[k] = min(prev, v)
			default:
				merged.Metrics[k] = v
			}
		}
	}
	return merged
}
