package tinker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinkerapi/tinker-go/api/types"
)

func TestNewServiceClient_CreatesSession(t *testing.T) {
	f := newFakeService(t)
	sc, _ := startClient(t, f)

	assert.Equal(t, "sess-test", sc.SessionID())
	require.Len(t, f.recorded("create_session"), 1)
	assert.Equal(t, "test-key", f.recorded("create_session")[0].APIKey)
}

func TestHeartbeatLoop_Beats(t *testing.T) {
	f := newFakeService(t)
	startClient(t, f)

	// 25ms cadence: a handful of beats land well inside the window.
	require.Eventually(t, func() bool {
		return f.heartbeats.Load() >= 3
	}, 5*time.Second, 10*time.Millisecond)
}

func TestStopSession_IsSynchronous(t *testing.T) {
	f := newFakeService(t)
	sc, _ := startClient(t, f)

	require.Eventually(t, func() bool {
		return f.heartbeats.Load() >= 1
	}, 5*time.Second, 10*time.Millisecond)

	sc.StopSession()
	after := f.heartbeats.Load()
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, after, f.heartbeats.Load(), "no heartbeat may be issued after StopSession returns")

	sc.StopSession() // idempotent
}

func TestHeartbeatLoss_MarksSessionLost(t *testing.T) {
	f := newFakeService(t)
	f.heartbeatFail.Store(true)

	setTestEnv(t)
	t.Setenv("TINKER_HEARTBEAT_LOSS_WINDOW", "75ms")
	sc, _ := startClient(t, f)

	require.Eventually(t, func() bool {
		return sc.sessionLost.Load()
	}, 5*time.Second, 10*time.Millisecond)

	// User-initiated calls are rejected; the failure names the session.
	_, err := sc.CreateSamplingClient(context.Background(), SamplingClientParams{BaseModel: "base-8b"})
	require.Error(t, err)
	var terr *Error
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, ErrKindRequestFailed, terr.Kind)
	assert.Contains(t, terr.Message, "sess-test")

	_, err = sc.CreateLoRATrainingClient(context.Background(), "base-8b", 16)
	require.Error(t, err)
}

func TestHeartbeatLoss_RejectsTrainingAndRestCalls(t *testing.T) {
	f := newFakeService(t)

	setTestEnv(t)
	t.Setenv("TINKER_HEARTBEAT_LOSS_WINDOW", "75ms")
	sc, _ := startClient(t, f)
	ctx := context.Background()

	// Heartbeats are healthy while the run is created.
	tc, err := sc.CreateLoRATrainingClient(ctx, "base-8b", 16)
	require.NoError(t, err)
	t.Cleanup(tc.Close)

	f.heartbeatFail.Store(true)
	require.Eventually(t, func() bool {
		return sc.sessionLost.Load()
	}, 5*time.Second, 10*time.Millisecond)

	// Training writes, training reads and rest calls are all rejected, not
	// just new client creation.
	_, err = tc.ForwardBackward(ctx, []types.Datum{tokenDatum(1, 2)}, types.LossCrossEntropy)
	require.Error(t, err)
	var terr *Error
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, ErrKindRequestFailed, terr.Kind)
	assert.Contains(t, terr.Message, "sess-test")

	_, err = tc.GetInfo(ctx)
	require.Error(t, err)
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, ErrKindRequestFailed, terr.Kind)

	err = sc.Rest().Healthz(ctx)
	require.Error(t, err)
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, ErrKindRequestFailed, terr.Kind)
}

func TestHeartbeatFailuresBelowWindowAreTolerated(t *testing.T) {
	f := newFakeService(t)
	sc, _ := startClient(t, f)

	// A couple of failed beats inside a generous window must not lose the
	// session.
	f.heartbeatFail.Store(true)
	time.Sleep(80 * time.Millisecond)
	f.heartbeatFail.Store(false)

	assert.False(t, sc.sessionLost.Load())
	_, err := sc.CreateSamplingClient(context.Background(), SamplingClientParams{BaseModel: "base-8b"})
	require.NoError(t, err)
}

func TestCreateLoRATrainingClient_Validation(t *testing.T) {
	f := newFakeService(t)
	sc, _ := startClient(t, f)

	_, err := sc.CreateLoRATrainingClient(context.Background(), "", 16)
	require.Error(t, err)
	_, err = sc.CreateLoRATrainingClient(context.Background(), "base-8b", 0)
	require.Error(t, err)
}

func TestCreateSamplingClient_Validation(t *testing.T) {
	f := newFakeService(t)
	sc, _ := startClient(t, f)
	ctx := context.Background()

	_, err := sc.CreateSamplingClient(ctx, SamplingClientParams{})
	require.Error(t, err)
	_, err = sc.CreateSamplingClient(ctx, SamplingClientParams{BaseModel: "m", ModelPath: "tinker://r/sampler_weights/c"})
	require.Error(t, err)
	_, err = sc.CreateSamplingClient(ctx, SamplingClientParams{ModelPath: "tinker://r/weights/c"})
	require.Error(t, err, "non-sampler checkpoints cannot back a sampling client")
}

func TestClientIDsAreSessionScopedAndOrdered(t *testing.T) {
	f := newFakeService(t)
	sc, _ := startClient(t, f)
	ctx := context.Background()

	tc0, err := sc.CreateLoRATrainingClient(ctx, "base-8b", 16)
	require.NoError(t, err)
	t.Cleanup(tc0.Close)
	tc1, err := sc.CreateLoRATrainingClient(ctx, "base-8b", 32)
	require.NoError(t, err)
	t.Cleanup(tc1.Close)
	s0, err := sc.CreateSamplingClient(ctx, SamplingClientParams{BaseModel: "base-8b"})
	require.NoError(t, err)
	t.Cleanup(s0.Close)

	assert.Equal(t, "sess-test:train:0", tc0.ModelID())
	assert.Equal(t, "sess-test:train:1", tc1.ModelID())
	assert.Equal(t, "sess-test:sample:0", s0.ID())
}
