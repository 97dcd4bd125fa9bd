package inferno

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/inferno/internal/provider"
	"github.com/ashita-ai/inferno/internal/xerrors"
)

// stallingDownloadAdapter reports an indeterminate download (no total
// bytes) that never progresses past its first heartbeat, used to
// exercise the download watchdog (spec.md §8 S5).
type stallingDownloadAdapter struct {
	*provider.Mock
}

func (s *stallingDownloadAdapter) Init(ctx context.Context, model *provider.ModelSpec, onProgress provider.OnProgress) error {
	if onProgress != nil {
		onProgress(0, nil) // indeterminate: no total
	}
	<-ctx.Done()
	return ctx.Err()
}

// silentGenerateAdapter never emits a token and blocks until the
// context is cancelled, used to exercise the healthcheck watchdog
// (spec.md §4.10).
type silentGenerateAdapter struct {
	*provider.Mock
}

func (s *silentGenerateAdapter) Generate(ctx context.Context, params provider.GenerateParams, onToken provider.OnToken) (provider.GenerateResult, error) {
	<-ctx.Done()
	return provider.GenerateResult{}, ctx.Err()
}

// paramRecordingAdapter records the GenerateParams it was last invoked
// with, then delegates to the embedded mock, used to assert that
// Generate clamps temperature/topP before forwarding to the provider
// (spec.md §4.13).
type paramRecordingAdapter struct {
	*provider.Mock
	lastParams provider.GenerateParams
}

func (p *paramRecordingAdapter) Generate(ctx context.Context, params provider.GenerateParams, onToken provider.OnToken) (provider.GenerateResult, error) {
	p.lastParams = params
	return p.Mock.Generate(ctx, params, onToken)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRuntime(t *testing.T, opts ...Option) *Runtime {
	t.Helper()
	base := []Option{
		WithLogger(testLogger()),
		WithStorageDir(t.TempDir()),
	}
	rt, err := New(append(base, opts...)...)
	require.NoError(t, err)
	return rt
}

// TestS1HappyPathMockProvider exercises spec.md §8 scenario S1: mock
// provider, full state sequence into READY, non-empty result text,
// no recorded errors.
func TestS1HappyPathMockProvider(t *testing.T) {
	rt := newTestRuntime(t)

	var seq []State
	rt.Subscribe(func(next, prev RuntimeState) { seq = append(seq, next.Tag) })

	require.NoError(t, rt.Init(context.Background()))
	assert.Equal(t, []State{
		StateBooting, StateSelectingProvider, StatePreflightQuota,
		StateCheckingCache, StateWarmingUp, StateReady,
	}, seq)

	result, err := rt.Generate(context.Background(), GenerateParams{
		Messages:  []Message{{Role: "user", Content: "hi"}},
		MaxTokens: 5,
	}, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, result.Text)
	assert.Equal(t, StateReady, rt.GetState().Tag)

	diag := rt.GetDiagnostics(context.Background())
	assert.Empty(t, diag.RecentErrors)
	assert.Equal(t, "1", diag.SchemaVersion)
}

// TestS2ProviderUnavailable exercises spec.md §8 scenario S2: a
// webllm-only policy order where detect reports unavailable drives the
// machine into ERROR with canRehydrate=false (native-unavailable is
// non-recoverable) and the selection report records PROBE_FAILED.
func TestS2ProviderUnavailable(t *testing.T) {
	rt := newTestRuntime(t,
		WithPolicyOrder(provider.IDWebLLM),
		WithProviders(map[provider.ID]provider.Adapter{provider.IDWebLLM: provider.NewWebLLMStub()}),
	)

	err := rt.Init(context.Background())
	require.Error(t, err)
	state := rt.GetState()
	assert.Equal(t, StateError, state.Tag)
	assert.False(t, state.CanRehydrate)

	diag := rt.GetDiagnostics(context.Background())
	require.NotNil(t, diag.SelectionReport)
	require.Len(t, diag.SelectionReport.Reasons, 1)
	assert.EqualValues(t, "PROBE_FAILED", diag.SelectionReport.Reasons[0].Reason)
	require.Len(t, diag.RecentErrors, 1)
}

func TestGenerateRejectsEmptyMessages(t *testing.T) {
	rt := newTestRuntime(t)
	require.NoError(t, rt.Init(context.Background()))

	_, err := rt.Generate(context.Background(), GenerateParams{}, nil)
	assert.Error(t, err)
	assert.Equal(t, StateReady, rt.GetState().Tag, "an input-validation error must not move the machine out of READY")
}

func TestGenerateRejectsOutsideReady(t *testing.T) {
	rt := newTestRuntime(t)
	_, err := rt.Generate(context.Background(), GenerateParams{Messages: []Message{{Role: "user", Content: "hi"}}}, nil)
	assert.Error(t, err)
}

// TestGenerateRejectsNonPositiveMaxTokens exercises spec.md §4.13:
// "reject maxTokens <= 0".
func TestGenerateRejectsNonPositiveMaxTokens(t *testing.T) {
	rt := newTestRuntime(t)
	require.NoError(t, rt.Init(context.Background()))

	_, err := rt.Generate(context.Background(), GenerateParams{
		Messages:  []Message{{Role: "user", Content: "hi"}},
		MaxTokens: 0,
	}, nil)
	require.Error(t, err)
	xe, ok := xerrors.As(err)
	require.True(t, ok)
	assert.Equal(t, xerrors.CodeInvalidInputMaxTokens, xe.Code)
	assert.Equal(t, StateReady, rt.GetState().Tag, "an input-validation error must not move the machine out of READY")
}

// TestGenerateClampsTemperatureAndTopP exercises spec.md §4.13: "clamp
// temperature ∈ [0,2], topP ∈ [0,1]" rather than rejecting or forwarding
// out-of-range values verbatim.
func TestGenerateClampsTemperatureAndTopP(t *testing.T) {
	adapter := &paramRecordingAdapter{Mock: provider.NewMock()}
	rt := newTestRuntime(t,
		WithProviders(map[provider.ID]provider.Adapter{provider.IDMock: adapter}),
	)
	require.NoError(t, rt.Init(context.Background()))

	_, err := rt.Generate(context.Background(), GenerateParams{
		Messages:    []Message{{Role: "user", Content: "hi"}},
		MaxTokens:   5,
		Temperature: 5,
		TopP:        -1,
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, 2.0, adapter.lastParams.Temperature)
	assert.Equal(t, 0.0, adapter.lastParams.TopP)
}

func TestAbortReturnsToReadyNotError(t *testing.T) {
	rt := newTestRuntime(t,
		WithProviders(map[provider.ID]provider.Adapter{
			provider.IDMock: provider.NewMock(provider.WithTokenDelay(20 * time.Millisecond)),
		}),
	)
	require.NoError(t, rt.Init(context.Background()))

	done := make(chan error, 1)
	go func() {
		_, err := rt.Generate(context.Background(), GenerateParams{
			Messages:  []Message{{Role: "user", Content: "a rather long reply with many words in it"}},
			MaxTokens: 100,
		}, nil)
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, rt.Abort(context.Background()))

	err := <-done
	require.Error(t, err)
	assert.Equal(t, StateReady, rt.GetState().Tag)
}

// TestS5IndeterminateStuckWatchdog exercises spec.md §8 scenario S5: an
// indeterminate download with no progress past the stall threshold is
// flagged ERROR_NATIVE_DOWNLOAD_STUCK (recoverable) and the FSM enters
// ERROR with canRehydrate=true.
func TestS5IndeterminateStuckWatchdog(t *testing.T) {
	rt := newTestRuntime(t,
		WithProviders(map[provider.ID]provider.Adapter{
			provider.IDMock: &stallingDownloadAdapter{Mock: provider.NewMock()},
		}),
		WithDownloadWatchdog(2*time.Millisecond, 10*time.Millisecond),
	)

	err := rt.Init(context.Background())
	require.Error(t, err)

	xe, ok := xerrors.As(err)
	require.True(t, ok)
	assert.Equal(t, xerrors.CodeNativeDownloadStuck, xe.Code)
	assert.True(t, xe.CanRehydrate())

	state := rt.GetState()
	assert.Equal(t, StateError, state.Tag)
	assert.True(t, state.CanRehydrate)
}

// TestAbortCancelsInFlightDownload exercises spec.md §4.11: abort is
// "safe from any non-terminal state", including DOWNLOADING, and must
// actually stop the in-flight download rather than being a no-op until
// READY.
func TestAbortCancelsInFlightDownload(t *testing.T) {
	rt := newTestRuntime(t,
		WithProviders(map[provider.ID]provider.Adapter{
			provider.IDMock: &stallingDownloadAdapter{Mock: provider.NewMock()},
		}),
	)

	done := make(chan error, 1)
	go func() {
		done <- rt.Init(context.Background())
	}()

	require.Eventually(t, func() bool {
		return rt.GetState().Tag == StateDownloading
	}, time.Second, time.Millisecond)

	require.NoError(t, rt.Abort(context.Background()))

	err := <-done
	require.Error(t, err)
	xe, ok := xerrors.As(err)
	require.True(t, ok)
	assert.Equal(t, xerrors.CodeAborted, xe.Code)
	assert.True(t, xe.CanRehydrate())
}

// TestHealthcheckWatchdogTimeoutReturnsToReady exercises spec.md §4.10:
// a silent generation (no tokens emitted within the silence budget) is
// aborted by the watchdog, the FSM returns to READY (not ERROR), and
// ERROR_HEALTHCHECK_TIMEOUT_DURING_GENERATION is recorded.
func TestHealthcheckWatchdogTimeoutReturnsToReady(t *testing.T) {
	rt := newTestRuntime(t,
		WithProviders(map[provider.ID]provider.Adapter{
			provider.IDMock: &silentGenerateAdapter{Mock: provider.NewMock()},
		}),
		WithHealthcheckBudgets(5*time.Millisecond, 5*time.Millisecond),
	)
	require.NoError(t, rt.Init(context.Background()))

	_, err := rt.Generate(context.Background(), GenerateParams{
		Messages:  []Message{{Role: "user", Content: "hi"}},
		MaxTokens: 5,
	}, nil)
	require.Error(t, err)

	xe, ok := xerrors.As(err)
	require.True(t, ok)
	assert.Equal(t, xerrors.CodeHealthcheckTimeoutDuringGen, xe.Code)
	assert.Equal(t, StateReady, rt.GetState().Tag)

	diag := rt.GetDiagnostics(context.Background())
	require.NotEmpty(t, diag.RecentErrors)
}

func TestTeardownIsIdempotent(t *testing.T) {
	rt := newTestRuntime(t)
	require.NoError(t, rt.Init(context.Background()))

	require.NoError(t, rt.Teardown(context.Background()))
	assert.Equal(t, StateIdle, rt.GetState().Tag)

	require.NoError(t, rt.Teardown(context.Background()))
	assert.Equal(t, StateIdle, rt.GetState().Tag)
}

func TestSubscribeUnsubscribeStopsNotifications(t *testing.T) {
	rt := newTestRuntime(t)
	var count int
	unsub := rt.Subscribe(func(next, prev RuntimeState) { count++ })
	require.NoError(t, rt.Init(context.Background()))
	seen := count
	assert.Greater(t, seen, 0)

	unsub()
	require.NoError(t, rt.Teardown(context.Background()))
	assert.Equal(t, seen, count, "unsubscribed listener must not observe further transitions")
}
