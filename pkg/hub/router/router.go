// SPDX-FileCopyrightText: Copyright 2026 Portico Labs
// SPDX-License-Identifier: Apache-2.0

// Package router accepts tool calls by public name and forwards them to the
// owning backend, enforcing lazy start, concurrency gates and per-call
// deadlines.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/porticolabs/portico/pkg/hub"
	"github.com/porticolabs/portico/pkg/logger"
	"github.com/porticolabs/portico/pkg/telemetry"
)

var (
	// ErrToolNotFound reports an unknown public tool name. Per-call, never
	// fatal.
	ErrToolNotFound = errors.New("tool not found")

	// ErrBackendUnavailable reports that the owning backend could not be
	// brought to RUNNING within the call's deadline.
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrCallTimeout reports that the per-call deadline elapsed.
	ErrCallTimeout = errors.New("tool call timed out")
)

// ToolResolver is the registry slice the router consumes.
type ToolResolver interface {
	ResolveTool(publicName string) (backendID, originalName string, ok bool)
}

// BackendControl is the supervisor slice the router consumes.
type BackendControl interface {
	BackendID() string
	Backend() hub.Backend
	State() hub.BackendState
	Start(ctx context.Context) error
	CallTool(ctx context.Context, originalName string, args, meta json.RawMessage) (json.RawMessage, error)
}

// Options configures a router.
type Options struct {
	// GlobalConcurrency caps in-flight calls across all backends. Zero
	// means unlimited.
	GlobalConcurrency int
	// DefaultToolTimeout bounds a call when the backend sets no override.
	DefaultToolTimeout time.Duration
	// Metrics records call outcomes. Nil disables instrumentation.
	Metrics *telemetry.Metrics
}

// Router maps public tool names to backend calls.
type Router struct {
	resolver ToolResolver
	opts     Options
	global   *semaphore.Weighted

	mu         sync.RWMutex
	backends   map[string]BackendControl
	perBackend map[string]*semaphore.Weighted
}

// New builds a router over the given resolver.
func New(resolver ToolResolver, opts Options) *Router {
	var global *semaphore.Weighted
	if opts.GlobalConcurrency > 0 {
		global = semaphore.NewWeighted(int64(opts.GlobalConcurrency))
	}
	return &Router{
		resolver:   resolver,
		opts:       opts,
		global:     global,
		backends:   map[string]BackendControl{},
		perBackend: map[string]*semaphore.Weighted{},
	}
}

// AddBackend registers a backend's control surface with the router.
func (r *Router) AddBackend(ctl BackendControl) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[ctl.BackendID()] = ctl
	if limit := ctl.Backend().MaxConcurrency; limit > 0 {
		r.perBackend[ctl.BackendID()] = semaphore.NewWeighted(int64(limit))
	}
}

// Backend returns a registered control surface.
func (r *Router) Backend(backendID string) (BackendControl, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ctl, ok := r.backends[backendID]
	return ctl, ok
}

// CallTool resolves a public name, readies the backend, and forwards the
// call. The meta object rides along so progress tokens reach the backend.
// The result object is returned verbatim, including its isError flag.
func (r *Router) CallTool(ctx context.Context, publicName string, args, meta json.RawMessage) (json.RawMessage, error) {
	backendID, originalName, ok := r.resolver.ResolveTool(publicName)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrToolNotFound, publicName)
	}

	ctl, ok := r.Backend(backendID)
	if !ok {
		return nil, fmt.Errorf("%w: backend %q is not managed", ErrBackendUnavailable, backendID)
	}

	if err := r.ensureRunning(ctx, ctl); err != nil {
		r.record(backendID, "unavailable")
		return nil, err
	}

	if r.global != nil {
		if err := r.global.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		defer r.global.Release(1)
	}
	if gate := r.backendGate(backendID); gate != nil {
		if err := gate.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		defer gate.Release(1)
	}

	timeout := ctl.Backend().Timeouts.ToolCall
	if timeout <= 0 {
		timeout = r.opts.DefaultToolTimeout
	}
	if timeout <= 0 {
		timeout = hub.DefaultToolCallTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := ctl.CallTool(callCtx, originalName, args, meta)
	switch {
	case err == nil:
		r.record(backendID, "ok")
		return result, nil
	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		// The per-call deadline lost the race, not the client's context.
		r.record(backendID, "timeout")
		return nil, fmt.Errorf("%w after %s", ErrCallTimeout, timeout)
	default:
		r.record(backendID, "error")
		return nil, err
	}
}

// ensureRunning lazily starts a stopped backend when its start mode allows,
// sharing the supervisor's single-flight start across concurrent callers.
func (r *Router) ensureRunning(ctx context.Context, ctl BackendControl) error {
	if ctl.State() == hub.StateRunning {
		return nil
	}
	if ctl.Backend().StartMode != hub.StartLazy {
		return fmt.Errorf("%w: backend %q is %s", ErrBackendUnavailable, ctl.BackendID(), ctl.State())
	}

	logger.Debugw("lazy-starting backend", "backend", ctl.BackendID())
	if err := ctl.Start(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	if ctl.State() != hub.StateRunning {
		return fmt.Errorf("%w: backend %q is %s after start", ErrBackendUnavailable, ctl.BackendID(), ctl.State())
	}
	return nil
}

func (r *Router) backendGate(backendID string) *semaphore.Weighted {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.perBackend[backendID]
}

func (r *Router) record(backendID, outcome string) {
	if r.opts.Metrics != nil {
		r.opts.Metrics.RecordToolCall(backendID, outcome)
	}
}
