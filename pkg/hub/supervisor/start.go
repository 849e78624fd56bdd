// SPDX-FileCopyrightText: Copyright 2026 Portico Labs
// SPDX-License-Identifier: Apache-2.0

package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"regexp"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"golang.org/x/exp/jsonrpc2"

	"github.com/porticolabs/portico/pkg/hub"
	"github.com/porticolabs/portico/pkg/hub/registry"
	"github.com/porticolabs/portico/pkg/logger"
	"github.com/porticolabs/portico/pkg/transport"
	transporterrors "github.com/porticolabs/portico/pkg/transport/errors"
)

// installPattern matches the package runner's first-run installation output
// on stderr, which switches the start phase to the longer install deadline.
var installPattern = regexp.MustCompile(`(?i)\binstalling\b|added \d+ packages|audited \d+ packages`)

type initializeParams struct {
	ProtocolVersion string                 `json:"protocolVersion"`
	Capabilities    mcp.ClientCapabilities `json:"capabilities"`
	ClientInfo      mcp.Implementation     `json:"clientInfo"`
}

type toolsListResult struct {
	Tools []hub.ToolDescriptor `json:"tools"`
}

func (s *Supervisor) doStart() error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	if !s.st.Startable() {
		// A start racing a completed start succeeds: the goal state holds.
		if s.st == hub.StateRunning {
			s.mu.Unlock()
			return nil
		}
		st := s.st
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotStartable, st)
	}

	s.gen++
	gen := s.gen
	// An accepted start supersedes any earlier stop request.
	s.shutdownRequested.Store(false)

	startCtx, cancel := context.WithCancel(context.Background())
	s.startCancel = cancel

	// Phase deadline. The stderr observer may extend it once when a
	// package backend enters its first-run installation phase.
	var deadlineFired atomic.Bool
	timer := time.AfterFunc(s.backend.Timeouts.SpawnOrDefault(), func() {
		deadlineFired.Store(true)
		cancel()
	})
	s.deadlineTimer = timer

	s.setStateLocked(hub.StateStarting, hub.EventStarting, nil)
	s.mu.Unlock()

	defer func() {
		timer.Stop()
		cancel()
		s.mu.Lock()
		s.startCancel = nil
		s.deadlineTimer = nil
		s.mu.Unlock()
	}()

	err := s.startPipeline(startCtx, gen)
	if err != nil {
		if deadlineFired.Load() {
			err = fmt.Errorf("%w after %s: %v", ErrStartupTimeout, s.backend.Timeouts.SpawnOrDefault(), err)
		}
		s.failStart(gen, err)
		return err
	}
	return nil
}

// startPipeline runs spawn -> initialize -> discover -> running in strict
// order under the phase deadline.
func (s *Supervisor) startPipeline(ctx context.Context, gen int) error {
	tr, err := s.factory(s.backend, s.installObserver())
	if err != nil {
		return fmt.Errorf("%w: %v", transporterrors.ErrSpawnFailed, err)
	}
	if err := tr.Open(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	s.tr = tr
	if stdio, ok := tr.(*transport.Stdio); ok {
		s.stdio = stdio
	}
	s.mu.Unlock()

	go s.readLoop(gen, tr)

	// Initialize handshake with a freshly minted correlation id. Inbound
	// frames that do not match it are logged and ignored by the read loop.
	initParams, err := json.Marshal(initializeParams{
		ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
		Capabilities:    mcp.ClientCapabilities{},
		ClientInfo: mcp.Implementation{
			Name:    s.clientName(),
			Version: s.clientVersion(),
		},
	})
	if err != nil {
		return fmt.Errorf("encoding initialize params: %w", err)
	}

	resp, err := s.phaseRoundTrip(ctx, tr, "initialize", initParams)
	if err != nil {
		return fmt.Errorf("initialize failed: %w", err)
	}

	var initResult mcp.InitializeResult
	if err := json.Unmarshal(resp.Result, &initResult); err != nil {
		return fmt.Errorf("%w: bad initialize result: %v", ErrProtocol, err)
	}
	logger.Infow("backend initialized",
		"backend", s.backend.ID,
		"server", initResult.ServerInfo.Name,
		"version", initResult.ServerInfo.Version,
		"protocol", initResult.ProtocolVersion)

	initialized := &jsonrpc2.Request{Method: "notifications/initialized"}
	if err := tr.Send(ctx, initialized); err != nil {
		return fmt.Errorf("sending initialized notification: %w", err)
	}

	s.mu.Lock()
	s.setStateLocked(hub.StateInitialized, "", nil)
	s.setStateLocked(hub.StateToolsDiscovering, "", nil)
	s.mu.Unlock()

	toolsResp, err := s.phaseRoundTrip(ctx, tr, "tools/list", nil)
	if err != nil {
		return fmt.Errorf("tools/list failed: %w", err)
	}
	var listed toolsListResult
	if err := json.Unmarshal(toolsResp.Result, &listed); err != nil {
		return fmt.Errorf("%w: bad tools/list result: %v", ErrProtocol, err)
	}
	tools := filterTools(listed.Tools, s.backend.ToolsInclude, s.backend.ToolsExclude)

	s.mu.Lock()
	s.setStateLocked(hub.StateToolsReady, "", nil)
	s.mu.Unlock()

	if s.opts.Registrar != nil {
		if err := s.opts.Registrar.RegisterBackendTools(s.backend.ID, tools, s.backend.Aliases); err != nil {
			return fmt.Errorf("registering tools: %w", err)
		}
	}

	now := time.Now()
	s.mu.Lock()
	s.tools = tools
	s.lastStartedAt = &now
	s.lastFailure = ""
	s.failureCount = 0
	s.runDone = make(chan struct{})
	runDone := s.runDone
	s.restarts = newRestartBackoff(s.backend.Restart.Delay)
	s.setStateLocked(hub.StateRunning, hub.EventStarted, nil)
	s.mu.Unlock()

	s.emit(hub.Event{Type: hub.EventToolsDiscovered, State: hub.StateRunning, Tools: tools})

	if s.backend.HealthCheck.Enabled {
		go s.healthLoop(gen, runDone)
	}
	return nil
}

// installObserver extends the phase deadline once when a package backend's
// first run starts installing.
func (s *Supervisor) installObserver() func(string) {
	if s.backend.Kind != hub.KindPackage {
		return nil
	}
	var detected atomic.Bool
	return func(line string) {
		if !installPattern.MatchString(line) || detected.Swap(true) {
			return
		}
		s.mu.Lock()
		if s.deadlineTimer != nil {
			s.deadlineTimer.Reset(s.backend.Timeouts.InstallOrDefault())
			logger.Infow("install phase detected, extending startup deadline",
				"backend", s.backend.ID, "deadline", s.backend.Timeouts.InstallOrDefault())
		}
		s.mu.Unlock()
	}
}

// phaseRoundTrip is the handshake variant of roundTrip: it does not require
// the RUNNING state and rejects error replies as protocol failures.
func (s *Supervisor) phaseRoundTrip(ctx context.Context, tr transport.Transport, method string, params json.RawMessage) (*jsonrpc2.Response, error) {
	id := mintID()

	s.mu.Lock()
	pc := &pendingCall{ch: make(chan *jsonrpc2.Response, 1)}
	s.pending[id] = pc
	s.mu.Unlock()

	call := &jsonrpc2.Request{ID: jsonrpc2.StringID(id), Method: method, Params: params}
	if err := tr.Send(ctx, call); err != nil {
		s.removePending(id)
		return nil, err
	}

	select {
	case resp, ok := <-pc.ch:
		if !ok {
			return nil, transporterrors.ErrTransportClosed
		}
		if resp.Error != nil {
			return nil, fmt.Errorf("%w: %v", ErrProtocol, resp.Error)
		}
		return resp, nil
	case <-ctx.Done():
		s.removePending(id)
		return nil, ctx.Err()
	}
}

// failStart records a failed start attempt. Safe to call after the read loop
// already handled a transport loss for the same generation.
func (s *Supervisor) failStart(gen int, cause error) {
	s.mu.Lock()
	if s.gen != gen || s.st == hub.StateCrashed {
		s.mu.Unlock()
		return
	}
	tr := s.tr
	s.tr = nil
	s.stdio = nil
	s.drainPendingLocked()
	s.failureCount++
	s.lastFailure = cause.Error()
	s.setStateLocked(hub.StateCrashed, hub.EventCrashed, cause)
	s.mu.Unlock()

	if tr != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = tr.Close(closeCtx)
	}

	logger.Errorw("backend start failed", "backend", s.backend.ID, "err", cause)
	s.maybeScheduleRestart(cause)
}

// readLoop consumes transport frames and failures for one connection
// generation. Responses are demuxed by request id; notifications are handed
// to the hub; requests from the backend are unsupported and logged.
func (s *Supervisor) readLoop(gen int, tr transport.Transport) {
	frames := tr.Frames()
	errs := tr.Errors()
	var fatal error

	for frames != nil || errs != nil {
		select {
		case msg, ok := <-frames:
			if !ok {
				frames = nil
				continue
			}
			s.handleFrame(msg)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if errors.Is(err, transporterrors.ErrProtocolParse) && s.State() == hub.StateRunning {
				// One corrupted line mid-run is logged, not fatal.
				logger.Warnw("discarding unparseable frame", "backend", s.backend.ID, "err", err)
				continue
			}
			fatal = err
		}
	}

	s.handleTransportGone(gen, fatal)
}

func (s *Supervisor) handleFrame(msg jsonrpc2.Message) {
	switch m := msg.(type) {
	case *jsonrpc2.Response:
		key := fmt.Sprint(m.ID.Raw())
		s.mu.Lock()
		pc, ok := s.pending[key]
		if ok {
			delete(s.pending, key)
		}
		s.mu.Unlock()
		if !ok {
			// Replies whose caller is gone (deadline, init mismatch) are
			// ignored here; stderr retains whatever the backend printed.
			logger.Debugw("ignoring response with no pending handler",
				"backend", s.backend.ID, "id", key)
			return
		}
		pc.ch <- m

	case *jsonrpc2.Request:
		if m.ID.IsValid() {
			logger.Warnw("backend-initiated requests are not supported",
				"backend", s.backend.ID, "method", m.Method)
			return
		}
		if s.opts.OnNotification != nil {
			s.opts.OnNotification(s.backend.ID, m)
		}
	}
}

// handleTransportGone runs when both transport channels have closed. If the
// backend was RUNNING and the loss was not requested, this is a crash.
func (s *Supervisor) handleTransportGone(gen int, cause error) {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	if s.st != hub.StateRunning {
		// During startup the pipeline owns the failure transition; during
		// stop the stop path does. Either way, unblock any waiters.
		s.drainPendingLocked()
		s.mu.Unlock()
		return
	}

	if cause == nil {
		cause = transporterrors.ErrTransportClosed
	}
	if s.runDone != nil {
		close(s.runDone)
		s.runDone = nil
	}
	stderrTail := ""
	if s.stdio != nil {
		stderrTail = s.stdio.StderrTail()
	}
	s.tr = nil
	s.stdio = nil
	s.drainPendingLocked()
	s.failureCount++
	s.lastFailure = cause.Error()
	s.setStateLocked(hub.StateCrashed, hub.EventCrashed, cause)
	s.mu.Unlock()

	if stderrTail != "" {
		logger.Warnw("backend crashed", "backend", s.backend.ID, "err", cause, "stderr", stderrTail)
	} else {
		logger.Warnw("backend crashed", "backend", s.backend.ID, "err", cause)
	}
	s.maybeScheduleRestart(cause)
}

func (s *Supervisor) doStop() error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	switch s.st {
	case hub.StateStopped:
		s.mu.Unlock()
		return nil
	case hub.StateCrashed:
		now := time.Now()
		s.lastStoppedAt = &now
		s.setStateLocked(hub.StateStopping, hub.EventStopping, nil)
		s.setStateLocked(hub.StateStopped, hub.EventStopped, nil)
		s.mu.Unlock()
		return nil
	}

	if s.runDone != nil {
		close(s.runDone)
		s.runDone = nil
	}
	s.setStateLocked(hub.StateStopping, hub.EventStopping, nil)
	tr := s.tr
	s.tr = nil
	s.stdio = nil
	s.drainPendingLocked()
	s.mu.Unlock()

	if tr != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := tr.Close(closeCtx); err != nil {
			logger.Warnw("transport close failed", "backend", s.backend.ID, "err", err)
		}
	}

	now := time.Now()
	s.mu.Lock()
	s.lastStoppedAt = &now
	s.setStateLocked(hub.StateStopped, hub.EventStopped, nil)
	s.mu.Unlock()
	return nil
}

func (s *Supervisor) maybeScheduleRestart(cause error) {
	if s.shutdownRequested.Load() || !s.backend.Restart.AutoRestart {
		return
	}
	if errors.Is(cause, registry.ErrToolNameCollision) {
		// Non-transient: retrying would collide again.
		return
	}

	maxRestarts := s.backend.Restart.MaxRestarts
	if maxRestarts <= 0 {
		maxRestarts = 3
	}

	s.mu.Lock()
	failures := s.failureCount
	delay := s.restarts.NextBackOff()
	s.mu.Unlock()
	if failures > maxRestarts {
		logger.Errorw("restart cap reached, backend stays crashed",
			"backend", s.backend.ID, "failures", failures)
		s.emit(hub.Event{Type: hub.EventError, State: hub.StateCrashed,
			Err: fmt.Errorf("restart cap of %d reached", maxRestarts)})
		return
	}

	if s.opts.Metrics != nil {
		s.opts.Metrics.RecordRestart(s.backend.ID)
	}
	s.emit(hub.Event{Type: hub.EventAutoRestart, State: hub.StateCrashed, Err: cause})
	logger.Infow("scheduling backend restart",
		"backend", s.backend.ID, "delay", delay, "attempt", failures)

	s.mu.Lock()
	s.restartTimer = time.AfterFunc(delay, func() {
		if s.shutdownRequested.Load() {
			return
		}
		if err := s.Start(context.Background()); err != nil {
			logger.Warnw("automatic restart failed", "backend", s.backend.ID, "err", err)
		}
	})
	s.mu.Unlock()
}

func (s *Supervisor) cancelScheduledRestart() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.restartTimer != nil {
		s.restartTimer.Stop()
		s.restartTimer = nil
	}
}

func (s *Supervisor) clientName() string {
	if s.opts.ClientName != "" {
		return s.opts.ClientName
	}
	return "portico"
}

func (s *Supervisor) clientVersion() string {
	if s.opts.ClientVersion != "" {
		return s.opts.ClientVersion
	}
	return "dev"
}

func mintID() string {
	return uuid.NewString()
}

// filterTools applies the backend's include and exclude glob patterns.
func filterTools(tools []hub.ToolDescriptor, include, exclude []string) []hub.ToolDescriptor {
	matches := func(patterns []string, name string) bool {
		for _, pattern := range patterns {
			if ok, err := path.Match(pattern, name); err == nil && ok {
				return true
			}
		}
		return false
	}

	out := make([]hub.ToolDescriptor, 0, len(tools))
	for _, tool := range tools {
		if len(include) > 0 && !matches(include, tool.Name) {
			continue
		}
		if matches(exclude, tool.Name) {
			continue
		}
		out = append(out, tool)
	}
	return out
}
