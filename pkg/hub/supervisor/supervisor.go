// SPDX-FileCopyrightText: Copyright 2026 Portico Labs
// SPDX-License-Identifier: Apache-2.0

// Package supervisor owns the lifecycle of one backend: spawn, initialize,
// tool discovery, steady-state call demuxing, crash detection and restart.
// One supervisor owns at most one transport at a time.
package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/exp/jsonrpc2"
	"golang.org/x/sync/singleflight"

	"github.com/porticolabs/portico/pkg/hub"
	"github.com/porticolabs/portico/pkg/logger"
	"github.com/porticolabs/portico/pkg/state"
	"github.com/porticolabs/portico/pkg/telemetry"
	"github.com/porticolabs/portico/pkg/transport"
)

var (
	// ErrNotStartable is returned when start is requested outside of the
	// STOPPED and CRASHED states. A start while RUNNING returns nil instead.
	ErrNotStartable = errors.New("backend not startable in current state")

	// ErrNotRunning is returned for calls against a backend that is not in
	// the RUNNING state.
	ErrNotRunning = errors.New("backend is not running")

	// ErrSupervisorStopping drains pending call handlers when the
	// supervisor leaves RUNNING.
	ErrSupervisorStopping = errors.New("supervisor stopping")

	// ErrStartupTimeout is the crash reason when a phase deadline fires
	// during startup.
	ErrStartupTimeout = errors.New("startup-timeout")

	// ErrProtocol is the crash reason for malformed handshake traffic.
	ErrProtocol = errors.New("backend protocol error")
)

// ToolRegistrar is the slice of the registry the supervisor needs.
type ToolRegistrar interface {
	RegisterBackendTools(backendID string, descriptors []hub.ToolDescriptor, aliases map[string]string) error
	ClearBackend(backendID string)
}

// NotificationHandler receives backend-emitted notifications for fan-out to
// client streams.
type NotificationHandler func(backendID string, notif *jsonrpc2.Request)

// TransportFactory builds the transport for one start attempt. The stderr
// observer is only meaningful for pipe transports.
type TransportFactory func(backend hub.Backend, stderrObserver func(string)) (transport.Transport, error)

// Options configures a supervisor.
type Options struct {
	Backend hub.Backend

	// Registrar receives discovered tools before the backend is declared
	// RUNNING. Nil skips registration.
	Registrar ToolRegistrar

	// OnNotification receives backend notifications. Nil drops them.
	OnNotification NotificationHandler

	// Store persists state transitions. Nil disables persistence.
	Store state.Store

	// Metrics records lifecycle counters. Nil disables instrumentation.
	Metrics *telemetry.Metrics

	// Factory overrides transport construction, used by tests.
	Factory TransportFactory

	// ClientName and ClientVersion identify the hub in initialize.
	ClientName    string
	ClientVersion string
}

type pendingCall struct {
	ch chan *jsonrpc2.Response
}

// Supervisor runs the lifecycle state machine for one backend.
type Supervisor struct {
	backend  hub.Backend
	opts     Options
	factory  TransportFactory
	flight   singleflight.Group
	restarts *backoff.ExponentialBackOff

	// opMu serializes doStart and doStop so lifecycle phases never
	// interleave.
	opMu sync.Mutex

	mu            sync.Mutex
	st            hub.BackendState
	gen           int
	tr            transport.Transport
	stdio         *transport.Stdio
	tools         []hub.ToolDescriptor
	pending       map[string]*pendingCall
	runDone       chan struct{}
	startCancel   context.CancelFunc
	deadlineTimer *time.Timer
	failureCount  int
	lastStartedAt *time.Time
	lastStoppedAt *time.Time
	lastFailure   string

	subMu       sync.Mutex
	subscribers map[int]chan hub.Event
	nextSubID   int

	shutdownRequested atomic.Bool
	restartTimer      *time.Timer
}

// New builds a supervisor in the STOPPED state.
func New(opts Options) *Supervisor {
	factory := opts.Factory
	if factory == nil {
		factory = NewTransport
	}

	return &Supervisor{
		backend:     opts.Backend,
		opts:        opts,
		factory:     factory,
		restarts:    newRestartBackoff(opts.Backend.Restart.Delay),
		st:          hub.StateStopped,
		pending:     map[string]*pendingCall{},
		subscribers: map[int]chan hub.Event{},
	}
}

// newRestartBackoff builds the restart delay schedule: the configured delay,
// doubling on each consecutive failure.
func newRestartBackoff(delay time.Duration) *backoff.ExponentialBackOff {
	if delay <= 0 {
		delay = time.Second
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = delay
	bo.Multiplier = 2
	bo.MaxInterval = 5 * time.Minute
	bo.RandomizationFactor = 0
	return bo
}

// BackendID returns the supervised backend's id.
func (s *Supervisor) BackendID() string { return s.backend.ID }

// Backend returns the backend definition.
func (s *Supervisor) Backend() hub.Backend { return s.backend }

// State returns the current lifecycle state.
func (s *Supervisor) State() hub.BackendState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st
}

// Tools returns the descriptors discovered by the last successful start.
func (s *Supervisor) Tools() []hub.ToolDescriptor {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]hub.ToolDescriptor, len(s.tools))
	copy(out, s.tools)
	return out
}

// FailureCount returns the consecutive failure count (failed starts and
// crashes) since the last start that reached RUNNING.
func (s *Supervisor) FailureCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failureCount
}

// StderrTail returns the retained stderr output of a pipe backend.
func (s *Supervisor) StderrTail() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stdio == nil {
		return ""
	}
	return s.stdio.StderrTail()
}

// Subscribe registers an event observer. The returned cancel must be called
// to release the channel. Events are dropped, never blocked on, when the
// subscriber falls behind.
func (s *Supervisor) Subscribe() (<-chan hub.Event, func()) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	id := s.nextSubID
	s.nextSubID++
	ch := make(chan hub.Event, 32)
	s.subscribers[id] = ch

	cancel := func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		if _, ok := s.subscribers[id]; ok {
			delete(s.subscribers, id)
			close(ch)
		}
	}
	return ch, cancel
}

func (s *Supervisor) emit(event hub.Event) {
	event.BackendID = s.backend.ID
	event.Time = time.Now()

	s.subMu.Lock()
	defer s.subMu.Unlock()
	for id, ch := range s.subscribers {
		select {
		case ch <- event:
		default:
			logger.Warnw("dropping supervisor event, subscriber behind",
				"backend", s.backend.ID, "subscriber", id, "event", event.Type)
		}
	}
}

// Start brings the backend to RUNNING. Concurrent callers share one in-flight
// start; a caller whose context ends stops waiting but the start itself
// continues to completion.
func (s *Supervisor) Start(ctx context.Context) error {
	ch := s.flight.DoChan("start", func() (any, error) {
		return nil, s.doStart()
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop brings the backend to STOPPED and suppresses auto-restart. Concurrent
// callers share one in-flight stop.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.shutdownRequested.Store(true)
	s.cancelScheduledRestart()

	// Interrupt a hung start before waiting for the operation lock.
	s.mu.Lock()
	if cancel := s.startCancel; cancel != nil {
		cancel()
	}
	s.mu.Unlock()

	ch := s.flight.DoChan("stop", func() (any, error) {
		return nil, s.doStop()
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Restart is stop followed by start with the failure counter reset.
func (s *Supervisor) Restart(ctx context.Context) error {
	if err := s.Stop(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	s.failureCount = 0
	s.restarts = newRestartBackoff(s.backend.Restart.Delay)
	s.mu.Unlock()
	s.shutdownRequested.Store(false)

	return s.Start(ctx)
}

// Send writes one raw frame to the backend transport.
func (s *Supervisor) Send(ctx context.Context, msg jsonrpc2.Message) error {
	s.mu.Lock()
	tr := s.tr
	st := s.st
	s.mu.Unlock()

	if tr == nil || st != hub.StateRunning {
		return ErrNotRunning
	}
	return tr.Send(ctx, msg)
}

// CallTool invokes one tool by its backend-local name and returns the raw
// result object verbatim. The meta object, when present, is forwarded under
// params._meta so progress tokens reach the backend. It resolves when the
// matching response arrives and fails when ctx ends or the supervisor leaves
// RUNNING.
func (s *Supervisor) CallTool(ctx context.Context, originalName string, args, meta json.RawMessage) (json.RawMessage, error) {
	fields := map[string]any{"name": originalName}
	if len(args) > 0 {
		fields["arguments"] = args
	}
	if len(meta) > 0 {
		fields["_meta"] = meta
	}
	params, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("encoding call params: %w", err)
	}

	resp, err := s.roundTrip(ctx, "tools/call", params)
	if err != nil {
		return nil, err
	}
	return resp.Result, nil
}

// Ping performs the health probe RPC.
func (s *Supervisor) Ping(ctx context.Context) error {
	_, err := s.roundTrip(ctx, "ping", nil)
	return err
}

// roundTrip assigns a fresh id, writes one frame, and awaits the matching
// response. The pending handler is removed on every exit path.
func (s *Supervisor) roundTrip(ctx context.Context, method string, params json.RawMessage) (*jsonrpc2.Response, error) {
	id := mintID()

	s.mu.Lock()
	if s.st != hub.StateRunning || s.tr == nil {
		s.mu.Unlock()
		return nil, ErrNotRunning
	}
	tr := s.tr
	call := &jsonrpc2.Request{ID: jsonrpc2.StringID(id), Method: method, Params: params}
	pc := &pendingCall{ch: make(chan *jsonrpc2.Response, 1)}
	s.pending[id] = pc
	s.mu.Unlock()

	if err := tr.Send(ctx, call); err != nil {
		s.removePending(id)
		return nil, fmt.Errorf("sending %s: %w", method, err)
	}

	select {
	case resp, ok := <-pc.ch:
		if !ok {
			return nil, ErrSupervisorStopping
		}
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp, nil
	case <-ctx.Done():
		s.removePending(id)
		s.notifyCancelled(id)
		return nil, ctx.Err()
	}
}

func (s *Supervisor) removePending(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, id)
}

// notifyCancelled tells a pipe backend that a request was abandoned. Remote
// backends get nothing: the hub has no standing connection to signal on.
func (s *Supervisor) notifyCancelled(id string) {
	if s.backend.Kind != hub.KindLocal && s.backend.Kind != hub.KindPackage {
		return
	}
	s.mu.Lock()
	tr := s.tr
	st := s.st
	s.mu.Unlock()
	if tr == nil || st != hub.StateRunning {
		return
	}

	params, _ := json.Marshal(map[string]any{"requestId": id, "reason": "cancelled"})
	notif := &jsonrpc2.Request{Method: "notifications/cancelled", Params: params}
	sendCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := tr.Send(sendCtx, notif); err != nil {
		logger.Debugw("cancel notification not delivered", "backend", s.backend.ID, "err", err)
	}
}

// drainPendingLocked fails every outstanding handler. Callers hold s.mu.
func (s *Supervisor) drainPendingLocked() {
	for id, pc := range s.pending {
		close(pc.ch)
		delete(s.pending, id)
	}
}

// setStateLocked transitions the state machine, emits the transition event,
// and persists the record. Callers hold s.mu.
func (s *Supervisor) setStateLocked(next hub.BackendState, eventType hub.EventType, err error) {
	if !s.st.CanTransitionTo(next) {
		logger.Panicf("backend %s: invalid state transition %s -> %s", s.backend.ID, s.st, next)
	}
	prev := s.st
	s.st = next

	if s.opts.Metrics != nil {
		s.opts.Metrics.SetBackendRunning(s.backend.ID, next == hub.StateRunning)
		switch {
		case next == hub.StateRunning && prev != hub.StateRunning:
			s.opts.Metrics.BackendRunningDelta(1)
		case prev == hub.StateRunning && next != hub.StateRunning:
			s.opts.Metrics.BackendRunningDelta(-1)
		}
	}

	s.persistLocked()
	if eventType != "" {
		s.emit(hub.Event{Type: eventType, State: next, Err: err})
	}
}

func (s *Supervisor) persistLocked() {
	if s.opts.Store == nil {
		return
	}
	record := state.Record{
		BackendID:         s.backend.ID,
		Kind:              string(s.backend.Kind),
		State:             string(s.st),
		LastStartedAt:     s.lastStartedAt,
		LastStoppedAt:     s.lastStoppedAt,
		FailureCount:      s.failureCount,
		LastFailureReason: s.lastFailure,
	}
	for _, tool := range s.tools {
		record.ToolNames = append(record.ToolNames, tool.Name)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.opts.Store.Save(ctx, record); err != nil {
		logger.Warnw("persisting backend state failed", "backend", s.backend.ID, "err", err)
	}
}
