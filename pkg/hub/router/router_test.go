// SPDX-FileCopyrightText: Copyright 2026 Portico Labs
// SPDX-License-Identifier: Apache-2.0

package router

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/porticolabs/portico/pkg/hub"
	"github.com/porticolabs/portico/pkg/hub/registry"
)

// fakeControl is a scripted BackendControl.
type fakeControl struct {
	id      string
	backend hub.Backend

	mu       sync.Mutex
	state    hub.BackendState
	startErr error
	starts   int32
	startGap time.Duration

	callFn func(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error)
}

func (f *fakeControl) BackendID() string    { return f.id }
func (f *fakeControl) Backend() hub.Backend { return f.backend }

func (f *fakeControl) State() hub.BackendState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeControl) Start(_ context.Context) error {
	atomic.AddInt32(&f.starts, 1)
	if f.startGap > 0 {
		time.Sleep(f.startGap)
	}
	if f.startErr != nil {
		return f.startErr
	}
	f.mu.Lock()
	f.state = hub.StateRunning
	f.mu.Unlock()
	return nil
}

func (f *fakeControl) CallTool(ctx context.Context, name string, args, _ json.RawMessage) (json.RawMessage, error) {
	if f.callFn != nil {
		return f.callFn(ctx, name, args)
	}
	return json.RawMessage(`{"content":[{"type":"text","text":"ok"}],"isError":false}`), nil
}

func newTestRouter(t *testing.T, opts Options, controls ...*fakeControl) (*Router, *registry.Registry) {
	t.Helper()
	reg := registry.New(hub.DefaultNamingConfig())
	r := New(reg, opts)
	for _, ctl := range controls {
		r.AddBackend(ctl)
		require.NoError(t, reg.RegisterBackendTools(ctl.id, []hub.ToolDescriptor{{Name: "echo"}}, ctl.backend.Aliases))
	}
	return r, reg
}

func runningControl(id string) *fakeControl {
	return &fakeControl{
		id:      id,
		backend: hub.Backend{ID: id, Kind: hub.KindLocal, StartMode: hub.StartEager},
		state:   hub.StateRunning,
	}
}

func TestCallToolHappyPath(t *testing.T) {
	t.Parallel()

	ctl := runningControl("srv")
	r, _ := newTestRouter(t, Options{}, ctl)

	result, err := r.CallTool(context.Background(), "srv_echo", json.RawMessage(`{"msg":"hi"}`), nil)
	require.NoError(t, err)

	var decoded struct {
		IsError bool `json:"isError"`
	}
	require.NoError(t, json.Unmarshal(result, &decoded))
	assert.False(t, decoded.IsError)
}

func TestCallToolUnknownName(t *testing.T) {
	t.Parallel()

	r, _ := newTestRouter(t, Options{}, runningControl("srv"))

	_, err := r.CallTool(context.Background(), "nope", nil, nil)
	assert.ErrorIs(t, err, ErrToolNotFound)
}

func TestCallToolIsErrorFlagPassesThrough(t *testing.T) {
	t.Parallel()

	ctl := runningControl("srv")
	ctl.callFn = func(context.Context, string, json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`{"content":[{"type":"text","text":"boom"}],"isError":true}`), nil
	}
	r, _ := newTestRouter(t, Options{}, ctl)

	result, err := r.CallTool(context.Background(), "srv_echo", nil, nil)
	require.NoError(t, err, "a tool-level failure is not a transport failure")
	assert.Contains(t, string(result), `"isError":true`)
}

func TestCallToolLazyStart(t *testing.T) {
	t.Parallel()

	ctl := &fakeControl{
		id:      "lazy",
		backend: hub.Backend{ID: "lazy", StartMode: hub.StartLazy},
		state:   hub.StateStopped,
	}
	r, _ := newTestRouter(t, Options{}, ctl)

	_, err := r.CallTool(context.Background(), "lazy_echo", nil, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 1, atomic.LoadInt32(&ctl.starts))
}

func TestCallToolNonLazyStoppedIsUnavailable(t *testing.T) {
	t.Parallel()

	ctl := &fakeControl{
		id:      "srv",
		backend: hub.Backend{ID: "srv", StartMode: hub.StartEager},
		state:   hub.StateStopped,
	}
	r, _ := newTestRouter(t, Options{}, ctl)

	_, err := r.CallTool(context.Background(), "srv_echo", nil, nil)
	assert.ErrorIs(t, err, ErrBackendUnavailable)
	assert.EqualValues(t, 0, atomic.LoadInt32(&ctl.starts), "eager backends are never lazy-started")
}

func TestCallToolLazyStartFailure(t *testing.T) {
	t.Parallel()

	ctl := &fakeControl{
		id:       "lazy",
		backend:  hub.Backend{ID: "lazy", StartMode: hub.StartLazy},
		state:    hub.StateStopped,
		startErr: errors.New("spawn failed"),
	}
	r, _ := newTestRouter(t, Options{}, ctl)

	_, err := r.CallTool(context.Background(), "lazy_echo", nil, nil)
	assert.ErrorIs(t, err, ErrBackendUnavailable)
}

func TestCallToolPerCallTimeout(t *testing.T) {
	t.Parallel()

	ctl := runningControl("slow")
	ctl.backend.Timeouts.ToolCall = 50 * time.Millisecond
	ctl.callFn = func(ctx context.Context, _ string, _ json.RawMessage) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	r, _ := newTestRouter(t, Options{}, ctl)

	start := time.Now()
	_, err := r.CallTool(context.Background(), "slow_echo", nil, nil)
	require.ErrorIs(t, err, ErrCallTimeout)
	assert.Less(t, time.Since(start), time.Second)
}

func TestCallToolClientCancelWinsOverTimeout(t *testing.T) {
	t.Parallel()

	ctl := runningControl("slow")
	ctl.backend.Timeouts.ToolCall = time.Minute
	ctl.callFn = func(ctx context.Context, _ string, _ json.RawMessage) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	r, _ := newTestRouter(t, Options{}, ctl)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := r.CallTool(ctx, "slow_echo", nil, nil)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrCallTimeout, "client cancellation is not a call timeout")
}

func TestPerBackendConcurrencyGateCapsInFlight(t *testing.T) {
	t.Parallel()

	var inFlight, peak int32
	release := make(chan struct{})
	ctl := runningControl("gated")
	ctl.backend.MaxConcurrency = 2
	ctl.callFn = func(ctx context.Context, _ string, _ json.RawMessage) (json.RawMessage, error) {
		cur := atomic.AddInt32(&inFlight, 1)
		for {
			old := atomic.LoadInt32(&peak)
			if cur <= old || atomic.CompareAndSwapInt32(&peak, old, cur) {
				break
			}
		}
		<-release
		atomic.AddInt32(&inFlight, -1)
		return json.RawMessage(`{"isError":false}`), nil
	}
	r, _ := newTestRouter(t, Options{}, ctl)

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.CallTool(context.Background(), "gated_echo", nil, nil)
			assert.NoError(t, err)
		}()
	}

	// Let callers pile up against the gate, then open the gate.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2), "per-backend gate must cap concurrency")
}

func TestConcurrentCallsToDifferentBackendsDoNotBlock(t *testing.T) {
	t.Parallel()

	stuck := runningControl("stuck")
	stuck.backend.Timeouts.ToolCall = 200 * time.Millisecond
	stuck.callFn = func(ctx context.Context, _ string, _ json.RawMessage) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	fast := runningControl("fast")
	r, _ := newTestRouter(t, Options{}, stuck, fast)

	slowDone := make(chan struct{})
	go func() {
		defer close(slowDone)
		_, _ = r.CallTool(context.Background(), "stuck_echo", nil, nil)
	}()

	start := time.Now()
	_, err := r.CallTool(context.Background(), "fast_echo", nil, nil)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 100*time.Millisecond, "a stuck backend must not block others")
	<-slowDone
}
