package tinker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/tinkerapi/tinker-go/api/types"
	"github.com/tinkerapi/tinker-go/internal/transport"
)

// fakeService is an in-process stand-in for the training service: every
// write endpoint returns an async future, retrieve_future replays a per-id
// script, and the recorded traffic is available for assertions.
type fakeService struct {
	t *testing.T

	mu       sync.Mutex
	nextID   int
	scripts  map[string][]string // request_id -> retrieve_future bodies
	requests []recordedRequest

	heartbeats    atomic.Int64
	heartbeatFail atomic.Bool

	// rateLimit429s serves this many 429s on asample for the given API key
	// before letting requests through.
	rateLimit429s    atomic.Int64
	rateLimitKey     string
	rateLimitAfterMS int64

	samplePending int // pending polls before each sample completes
}

type recordedRequest struct {
	Operation string
	APIKey    string
	SeqID     uint64
	LossFn    types.LossKind
	Body      map[string]any
	Raw       []byte
}

func newFakeService(t *testing.T) *fakeService {
	return &fakeService{t: t, scripts: map[string][]string{}}
}

func (f *fakeService) record(op string, r *http.Request, raw []byte) recordedRequest {
	var body map[string]any
	_ = json.Unmarshal(raw, &body)
	rec := recordedRequest{
		Operation: op,
		APIKey:    strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "),
		Body:      body,
		Raw:       raw,
	}
	if v, ok := body["seq_id"].(float64); ok {
		rec.SeqID = uint64(v)
	}
	if v, ok := body["loss_fn"].(string); ok {
		rec.LossFn = types.LossKind(v)
	}
	f.mu.Lock()
	f.requests = append(f.requests, rec)
	f.mu.Unlock()
	return rec
}

func (f *fakeService) recorded(op string) []recordedRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []recordedRequest
	for _, r := range f.requests {
		if r.Operation == op {
			out = append(out, r)
		}
	}
	return out
}

// enqueue registers a fresh future whose retrieve_future script is pending
// polls followed by the terminal body.
func (f *fakeService) enqueue(pending int, terminalBody string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := fmt.Sprintf("R%d", f.nextID)
	var script []string
	for i := 0; i < pending; i++ {
		script = append(script, `{"status":"pending"}`)
	}
	f.scripts[id] = append(script, terminalBody)
	return id
}

func completed(result any) string {
	b, _ := json.Marshal(map[string]any{"status": "completed", "result": result})
	return string(b)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func (f *fakeService) handler() http.Handler {
	r := chi.NewRouter()
	api := transport.APIPrefix

	r.Post(api+"/create_session", func(w http.ResponseWriter, req *http.Request) {
		f.record("create_session", req, readAll(req))
		writeJSON(w, types.CreateSessionResponse{SessionID: "sess-test"})
	})
	r.Post(api+"/session_heartbeat", func(w http.ResponseWriter, req *http.Request) {
		f.heartbeats.Add(1)
		if f.heartbeatFail.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		writeJSON(w, types.SessionHeartbeatResponse{Type: types.HeartbeatType})
	})
	r.Post(api+"/create_model", func(w http.ResponseWriter, req *http.Request) {
		raw := readAll(req)
		rec := f.record("create_model", req, raw)
		writeJSON(w, types.CreateModelResponse{ModelID: rec.Body["model_id"].(string)})
	})
	r.Post(api+"/create_sampling_session", func(w http.ResponseWriter, req *http.Request) {
		f.record("create_sampling_session", req, readAll(req))
		writeJSON(w, types.CreateSamplingSessionResponse{SamplingSessionID: "samp-sess-1"})
	})

	r.Post(api+"/asample", func(w http.ResponseWriter, req *http.Request) {
		raw := readAll(req)
		rec := f.record("asample", req, raw)
		if f.rateLimitKey != "" && rec.APIKey == f.rateLimitKey && f.rateLimit429s.Add(-1) >= 0 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(map[string]any{"retry_after_ms": f.rateLimitAfterMS})
			return
		}
		id := f.enqueue(f.samplePending, completed(types.SampleResponse{
			Sequences: []types.SampledSequence{{
				Tokens:     []int64{1, 2, 3},
				Logprobs:   []float64{-0.1, -0.2, -0.3},
				StopReason: types.StopReasonLength,
			}},
		}))
		writeJSON(w, types.AsyncFuture{RequestID: id})
	})
	r.Post(api+"/compute_logprobs", func(w http.ResponseWriter, req *http.Request) {
		f.record("compute_logprobs", req, readAll(req))
		id := f.enqueue(0, completed(types.ComputeLogprobsResponse{Logprobs: []float64{-0.5, -0.6}}))
		writeJSON(w, types.AsyncFuture{RequestID: id})
	})

	r.Post(api+"/forward", func(w http.ResponseWriter, req *http.Request) {
		raw := readAll(req)
		f.record("forward", req, raw)
		var in types.ForwardBackwardRequest
		require.NoError(f.t, json.Unmarshal(raw, &in))
		outs := make([]map[string]types.TensorData, len(in.Data))
		for i, d := range in.Data {
			n, err := d.ModelInput.Length()
			require.NoError(f.t, err)
			lp := make([]float32, n)
			for j := range lp {
				lp[j] = -0.5
			}
			outs[i] = map[string]types.TensorData{"logprobs": types.Float32Tensor(lp, n)}
		}
		id := f.enqueue(0, completed(types.ForwardBackwardOutput{
			LossFnOutputs: outs,
			Metrics:       map[string]float64{"loss:sum": 5.0},
		}))
		writeJSON(w, types.AsyncFuture{RequestID: id})
	})
	r.Post(api+"/forward_backward", func(w http.ResponseWriter, req *http.Request) {
		f.record("forward_backward", req, readAll(req))
		id := f.enqueue(0, completed(types.ForwardBackwardOutput{
			LossFnOutputs: []map[string]types.TensorData{},
			Metrics:       map[string]float64{"loss:sum": 4.2},
		}))
		writeJSON(w, types.AsyncFuture{RequestID: id})
	})
	r.Post(api+"/optim_step", func(w http.ResponseWriter, req *http.Request) {
		f.record("optim_step", req, readAll(req))
		id := f.enqueue(0, completed(types.OptimStepResponse{Metrics: map[string]float64{"lr": 1e-4}}))
		writeJSON(w, types.AsyncFuture{RequestID: id})
	})
	r.Post(api+"/save_weights", func(w http.ResponseWriter, req *http.Request) {
		raw := readAll(req)
		rec := f.record("save_weights", req, raw)
		id := f.enqueue(0, completed(types.SaveWeightsResponse{
			Path: fmt.Sprintf("tinker://run-1/weights/%s", rec.Body["path"]),
		}))
		writeJSON(w, types.AsyncFuture{RequestID: id})
	})
	r.Post(api+"/load_weights", func(w http.ResponseWriter, req *http.Request) {
		f.record("load_weights", req, readAll(req))
		id := f.enqueue(0, completed(types.LoadWeightsResponse{}))
		writeJSON(w, types.AsyncFuture{RequestID: id})
	})
	r.Post(api+"/save_weights_for_sampler", func(w http.ResponseWriter, req *http.Request) {
		f.record("save_weights_for_sampler", req, readAll(req))
		id := f.enqueue(0, completed(types.SaveWeightsForSamplerResponse{Path: "tinker://run-1/sampler_weights/ck-s"}))
		writeJSON(w, types.AsyncFuture{RequestID: id})
	})
	r.Post(api+"/get_info", func(w http.ResponseWriter, req *http.Request) {
		f.record("get_info", req, readAll(req))
		writeJSON(w, types.GetInfoResponse{
			Arch: "llama", ModelName: "base-8b", TokenizerID: "tok-1", IsLora: true, LoraRank: 16,
		})
	})

	r.Post(api+"/retrieve_future", func(w http.ResponseWriter, req *http.Request) {
		var in types.RetrieveFutureRequest
		require.NoError(f.t, json.NewDecoder(req.Body).Decode(&in))
		f.mu.Lock()
		script := f.scripts[in.RequestID]
		var body string
		if len(script) == 0 {
			body = `{"status":"failed","error":{"category":"user","message":"unknown request_id"}}`
		} else {
			body = script[0]
			if len(script) > 1 {
				f.scripts[in.RequestID] = script[1:]
			}
		}
		f.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	})

	r.Get(api+"/samplers/{id}", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, types.GetSamplerResponse{
			SamplerID: chi.URLParam(req, "id"), BaseModel: "base-8b", Status: "ready",
		})
	})
	r.Post(api+"/weights_info", func(w http.ResponseWriter, req *http.Request) {
		rank := int64(16)
		writeJSON(w, types.WeightsInfoResponse{BaseModel: "base-8b", IsLora: true, LoraRank: &rank})
	})
	r.Get(api+"/training_runs/{id}", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, types.TrainingRun{TrainingRunID: chi.URLParam(req, "id"), BaseModel: "base-8b", IsLora: true, LoraRank: 16})
	})
	r.Get(api+"/training_runs/{id}/checkpoints", func(w http.ResponseWriter, req *http.Request) {
		runID := chi.URLParam(req, "id")
		writeJSON(w, types.ListCheckpointsResponse{Checkpoints: []types.Checkpoint{{
			CheckpointID: "ck-1", TrainingRunID: runID, Kind: types.PathKindWeights,
			Path: "tinker://" + runID + "/weights/ck-1",
		}}})
	})
	r.Get(api+"/healthz", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, types.HealthzResponse{Status: "ok"})
	})
	return r
}

func readAll(r *http.Request) []byte {
	b, _ := io.ReadAll(r.Body)
	return b
}

// setTestEnv pins fast timings and an isolated destination for one test.
// Tests using it must not run in parallel.
func setTestEnv(t *testing.T) {
	t.Setenv("TINKER_ENV", "test")
	t.Setenv("TINKER_POLL_DELAY", "10ms")
	t.Setenv("TINKER_HEARTBEAT_INTERVAL", "25ms")
	t.Setenv("TINKER_TELEMETRY_ENABLED", "false")
	t.Setenv("TINKER_API_KEY", "test-key")
	t.Setenv("TINKER_CONFIG_FILE", "")
}

// startClient boots a client against a fresh fake service.
func startClient(t *testing.T, f *fakeService, opts ...Option) (*ServiceClient, *httptest.Server) {
	t.Helper()
	setTestEnv(t)
	ts := httptest.NewServer(f.handler())
	t.Cleanup(ts.Close)
	sc, err := NewServiceClient(context.Background(), append([]Option{WithBaseURL(ts.URL)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(sc.StopSession)
	return sc, ts
}
