package bridge_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MischaAhrens/rawstore/pkg/bridge"
	"github.com/MischaAhrens/rawstore/pkg/metrics"
	"github.com/MischaAhrens/rawstore/pkg/mqttsource"
)

type testHarness struct {
	svc      *bridge.Service
	rec      *callRecorder
	pipeline *fakePipeline
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()
	rec := &callRecorder{}
	pipeline := &fakePipeline{rec: rec, fatal: make(chan error, 1)}
	cfg := bridge.Config{
		HTTPAddr:     "127.0.0.1:0",
		DrainTimeout: time.Second,
		CloseTimeout: time.Second,
	}
	svc, err := bridge.New(cfg, &fakeStore{rec: rec}, &fakeSource{rec: rec}, pipeline,
		metrics.New(prometheus.NewRegistry()), zerolog.Nop())
	require.NoError(t, err)
	return &testHarness{svc: svc, rec: rec, pipeline: pipeline}
}

func httpStatus(t *testing.T, url string) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode
}

// --- Test Cases ---

func TestNew_Validation(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	rec := &callRecorder{}
	pipeline := &fakePipeline{rec: rec, fatal: make(chan error, 1)}

	_, err := bridge.New(bridge.Config{}, nil, &fakeSource{rec: rec}, pipeline, m, zerolog.Nop())
	require.Error(t, err)

	_, err = bridge.New(bridge.Config{}, &fakeStore{rec: rec}, nil, pipeline, m, zerolog.Nop())
	require.Error(t, err)

	_, err = bridge.New(bridge.Config{}, &fakeStore{rec: rec}, &fakeSource{rec: rec}, nil, m, zerolog.Nop())
	require.Error(t, err)

	_, err = bridge.New(bridge.Config{}, &fakeStore{rec: rec}, &fakeSource{rec: rec}, pipeline, nil, zerolog.Nop())
	require.Error(t, err)
}

func TestService_StopRunsOrderedShutdown(t *testing.T) {
	// Arrange
	h := newTestHarness(t)
	require.NoError(t, h.svc.Start())

	// Act
	h.svc.Stop()
	h.svc.Stop() // idempotent

	// Assert: intake stops before the drain, the drain completes before the
	// store closes, and the broker connection is dropped last.
	want := []string{
		"pipeline.Start",
		"source.Start",
		"source.StopIntake",
		"pipeline.Drain",
		"store.Close",
		"source.Close",
	}
	assert.Equal(t, want, h.rec.snapshot())
}

func TestService_RunReturnsNilOnShutdownSignal(t *testing.T) {
	// Arrange
	h := newTestHarness(t)
	require.NoError(t, h.svc.Start())
	ctx, cancel := context.WithCancel(context.Background())

	// Act
	cancel()
	err := h.svc.Run(ctx)

	// Assert: an orderly signal-driven shutdown exits cleanly.
	require.NoError(t, err)
	calls := h.rec.snapshot()
	assert.Contains(t, calls, "pipeline.Drain")
	assert.Contains(t, calls, "store.Close")
}

func TestService_RunReturnsPipelineFatal(t *testing.T) {
	// Arrange
	h := newTestHarness(t)
	require.NoError(t, h.svc.Start())
	fatal := errors.New("store rejected write permanently")
	h.pipeline.fatal <- fatal

	// Act
	err := h.svc.Run(context.Background())

	// Assert: the fatal error propagates after the ordered shutdown ran.
	require.ErrorIs(t, err, fatal)
	assert.Contains(t, h.rec.snapshot(), "source.StopIntake")
}

func TestService_ReadinessFollowsLifecycle(t *testing.T) {
	// Arrange
	h := newTestHarness(t)
	require.NoError(t, h.svc.Start())
	base := fmt.Sprintf("http://%s", h.svc.ServerAddr())

	// Assert: live but not ready while the broker session is still down.
	assert.Equal(t, http.StatusOK, httpStatus(t, base+"/healthz"))
	assert.Equal(t, http.StatusServiceUnavailable, httpStatus(t, base+"/readyz"))

	// Act: the first active broker session promotes the bridge to running.
	h.svc.HandleBrokerState(mqttsource.StateSubscribing, mqttsource.StateActive)

	// Assert
	assert.Equal(t, http.StatusOK, httpStatus(t, base+"/readyz"))
	assert.Equal(t, http.StatusOK, httpStatus(t, base+"/metrics"))

	// A later reconnect must not flap readiness back.
	h.svc.HandleBrokerState(mqttsource.StateActive, mqttsource.StateReconnecting)
	h.svc.HandleBrokerState(mqttsource.StateReconnecting, mqttsource.StateConnecting)
	assert.Equal(t, http.StatusOK, httpStatus(t, base+"/readyz"))

	h.svc.Stop()
}

func TestService_DrainReportsDiscardedMessages(t *testing.T) {
	// Arrange
	h := newTestHarness(t)
	h.pipeline.dropped = 7
	require.NoError(t, h.svc.Start())

	// Act: a timed-out drain still counts as an orderly shutdown.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := h.svc.Run(ctx)

	// Assert
	require.NoError(t, err)
}

// --- Mocks ---

type callRecorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *callRecorder) add(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, name)
}

func (r *callRecorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.calls))
	copy(out, r.calls)
	return out
}

type fakeStore struct {
	rec *callRecorder
}

func (f *fakeStore) Close(_ context.Context) error {
	f.rec.add("store.Close")
	return nil
}

type fakeSource struct {
	rec *callRecorder
}

func (f *fakeSource) Start(_ context.Context) error {
	f.rec.add("source.Start")
	return nil
}

func (f *fakeSource) StopIntake() {
	f.rec.add("source.StopIntake")
}

func (f *fakeSource) Close() {
	f.rec.add("source.Close")
}

type fakePipeline struct {
	rec     *callRecorder
	fatal   chan error
	dropped int
}

func (f *fakePipeline) Start(_ context.Context) {
	f.rec.add("pipeline.Start")
}

func (f *fakePipeline) Drain(_ context.Context) int {
	f.rec.add("pipeline.Drain")
	return f.dropped
}

func (f *fakePipeline) Fatal() <-chan error {
	return f.fatal
}
