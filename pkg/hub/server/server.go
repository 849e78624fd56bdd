// SPDX-FileCopyrightText: Copyright 2026 Portico Labs
// SPDX-License-Identifier: Apache-2.0

// Package server is the client-facing side of the hub: one streamable HTTP
// endpoint speaking JSON-RPC with optional SSE upgrade, wired to the tool
// registry, the router, and the backend supervisors.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/tidwall/gjson"
	"golang.org/x/exp/jsonrpc2"
	"golang.org/x/sync/errgroup"

	"github.com/porticolabs/portico/pkg/hub"
	"github.com/porticolabs/portico/pkg/hub/registry"
	"github.com/porticolabs/portico/pkg/hub/router"
	"github.com/porticolabs/portico/pkg/hub/supervisor"
	"github.com/porticolabs/portico/pkg/logger"
	"github.com/porticolabs/portico/pkg/state"
	"github.com/porticolabs/portico/pkg/telemetry"
	"github.com/porticolabs/portico/pkg/transport/session"
)

// HeaderSessionID is the session header name, matched case-insensitively.
const HeaderSessionID = "Mcp-Session-Id"

// DefaultEndpoint is the MCP path when none is configured.
const DefaultEndpoint = "/mcp"

// Config carries the front transport knobs.
type Config struct {
	Host     string
	Port     int
	Endpoint string

	// Stateless auto-creates ephemeral sessions and disables GET streams.
	Stateless bool

	// KeepAliveInterval is the SSE heartbeat period.
	KeepAliveInterval time.Duration
	// StreamTTL is the idle TTL enforced by the sweeper. Must exceed
	// KeepAliveInterval.
	StreamTTL time.Duration
	// StreamDeadline bounds how long an SSE stream waits for its final
	// response.
	StreamDeadline time.Duration
	// JSONWait bounds one request's wait in the buffered JSON path.
	JSONWait time.Duration
	// SweepInterval is the map janitor period.
	SweepInterval time.Duration
	// SessionTTL expires idle sessions.
	SessionTTL time.Duration
	// MaxSessions caps the session table, evicting oldest first.
	MaxSessions int
	// ShutdownConcurrency bounds parallel supervisor stops.
	ShutdownConcurrency int

	ServerName    string
	ServerVersion string
}

func (c *Config) applyDefaults() {
	if c.Endpoint == "" {
		c.Endpoint = DefaultEndpoint
	}
	if c.KeepAliveInterval <= 0 {
		c.KeepAliveInterval = 30 * time.Second
	}
	if c.StreamTTL <= 0 {
		c.StreamTTL = 120 * time.Second
	}
	if c.StreamTTL <= c.KeepAliveInterval {
		c.StreamTTL = 4 * c.KeepAliveInterval
	}
	if c.StreamDeadline <= 0 {
		c.StreamDeadline = 120 * time.Second
	}
	if c.JSONWait <= 0 {
		c.JSONWait = 30 * time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 10 * time.Second
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = 30 * time.Minute
	}
	if c.ShutdownConcurrency <= 0 {
		c.ShutdownConcurrency = 4
	}
	if c.ServerName == "" {
		c.ServerName = "portico"
	}
	if c.ServerVersion == "" {
		c.ServerVersion = "dev"
	}
}

// Options assembles a hub server.
type Options struct {
	Config   Config
	Backends []hub.Backend
	Naming   hub.NamingConfig

	// GlobalConcurrency caps in-flight tool calls hub-wide.
	GlobalConcurrency int
	// DefaultToolTimeout is the per-call deadline fallback.
	DefaultToolTimeout time.Duration

	// Store persists supervisor transitions. Nil disables persistence.
	Store state.Store
	// Metrics instruments the hub. Nil builds a fresh set.
	Metrics *telemetry.Metrics

	// Factory overrides supervisor transport construction, used by tests.
	Factory supervisor.TransportFactory
}

// Server owns the hub: supervisors, registry, router, sessions, streams.
type Server struct {
	cfg     Config
	reg     *registry.Registry
	rtr     *router.Router
	sups    []*supervisor.Supervisor
	supByID map[string]*supervisor.Supervisor

	sessions *session.Manager
	routes   *routeTable
	metrics  *telemetry.Metrics
	store    state.Store

	httpServer *http.Server
	listener   net.Listener
	sweepStop  chan struct{}
	drainCh    chan struct{}
}

// New assembles the hub from an already-validated configuration.
func New(opts Options) (*Server, error) {
	cfg := opts.Config
	cfg.applyDefaults()

	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewMetrics()
	}

	reg := registry.New(opts.Naming)
	rtr := router.New(reg, router.Options{
		GlobalConcurrency:  opts.GlobalConcurrency,
		DefaultToolTimeout: opts.DefaultToolTimeout,
		Metrics:            metrics,
	})

	s := &Server{
		cfg:       cfg,
		reg:       reg,
		rtr:       rtr,
		supByID:   map[string]*supervisor.Supervisor{},
		sessions:  session.NewManager(cfg.SessionTTL, nil),
		routes:    newRouteTable(),
		metrics:   metrics,
		store:     opts.Store,
		sweepStop: make(chan struct{}),
		drainCh:   make(chan struct{}),
	}
	if cfg.MaxSessions > 0 {
		s.sessions.SetMaxSessions(cfg.MaxSessions)
	}

	for _, backend := range opts.Backends {
		if err := hub.ValidateBackendID(backend.ID); err != nil {
			return nil, err
		}
		if _, dup := s.supByID[backend.ID]; dup {
			return nil, fmt.Errorf("duplicate backend id %q", backend.ID)
		}
		sup := supervisor.New(supervisor.Options{
			Backend:        backend,
			Registrar:      reg,
			OnNotification: s.handleBackendNotification,
			Store:          opts.Store,
			Metrics:        metrics,
			Factory:        opts.Factory,
			ClientName:     cfg.ServerName,
			ClientVersion:  cfg.ServerVersion,
		})
		s.sups = append(s.sups, sup)
		s.supByID[backend.ID] = sup
		rtr.AddBackend(sup)
	}

	mux := chi.NewRouter()
	mux.HandleFunc(cfg.Endpoint, s.handleMCP)
	mux.Get("/health", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Registry exposes the tool registry, mainly for tests and diagnostics.
func (s *Server) Registry() *registry.Registry { return s.reg }

// Supervisor returns the supervisor for a backend id.
func (s *Server) Supervisor(backendID string) (*supervisor.Supervisor, bool) {
	sup, ok := s.supByID[backendID]
	return sup, ok
}

// Handler returns the HTTP handler, used by tests through httptest.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Start eagerly launches backends, starts the sweeper, and begins serving.
// Lazy backends stay STOPPED until their first call. A backend that fails to
// start is logged and left to its restart policy; it does not fail the hub.
func (s *Server) Start(ctx context.Context) error {
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(s.cfg.ShutdownConcurrency)
	for _, sup := range s.sups {
		if sup.Backend().StartMode != hub.StartEager {
			continue
		}
		group.Go(func() error {
			if err := sup.Start(groupCtx); err != nil {
				logger.Errorw("eager backend failed to start",
					"backend", sup.BackendID(), "err", err)
			}
			return nil
		})
	}
	_ = group.Wait()

	go s.sweepLoop()

	listener, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.httpServer.Addr, err)
	}
	s.listener = listener
	logger.Infow("hub serving", "addr", listener.Addr().String(), "endpoint", s.cfg.Endpoint)

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorw("http server stopped", "err", err)
		}
	}()
	return nil
}

// Addr returns the bound listen address once Start has succeeded.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.httpServer.Addr
	}
	return s.listener.Addr().String()
}

// Shutdown drains the hub: no new requests, every open stream gets a final
// draining error, supervisors stop in parallel with bounded concurrency.
func (s *Server) Shutdown(ctx context.Context) error {
	close(s.drainCh)

	drainFrame, _ := jsonrpc2.EncodeMessage(&jsonrpc2.Response{
		ID:    jsonrpc2.StringID("shutdown"),
		Error: &jsonrpc2.WireError{Code: -32000, Message: "Server draining"},
	})
	for _, st := range s.routes.allStreams() {
		st.closeWithFinalFrame(drainFrame)
	}

	if err := s.httpServer.Shutdown(ctx); err != nil {
		logger.Warnw("http shutdown incomplete", "err", err)
	}

	group, groupCtx := errgroup.WithContext(context.WithoutCancel(ctx))
	group.SetLimit(s.cfg.ShutdownConcurrency)
	for _, sup := range s.sups {
		group.Go(func() error {
			stopCtx, cancel := context.WithTimeout(groupCtx, 30*time.Second)
			defer cancel()
			if err := sup.Stop(stopCtx); err != nil {
				logger.Warnw("supervisor stop failed", "backend", sup.BackendID(), "err", err)
			}
			return nil
		})
	}
	_ = group.Wait()

	close(s.sweepStop)
	s.sessions.Stop()
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			logger.Warnw("state store close failed", "err", err)
		}
	}
	return nil
}

func (s *Server) sweepLoop() {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.sweepStop:
			return
		case <-ticker.C:
			s.routes.sweep(s.cfg.StreamTTL)
		}
	}
}

// handleBackendNotification fans a backend-emitted notification out to the
// correct client stream. Progress goes only to the stream owning its token;
// everything else is broadcast to the open server-push streams. When no
// stream matches, the notification is dropped: there is no queue.
func (s *Server) handleBackendNotification(backendID string, notif *jsonrpc2.Request) {
	payload, err := jsonrpc2.EncodeMessage(notif)
	if err != nil {
		logger.Warnw("dropping unencodable notification", "backend", backendID, "err", err)
		return
	}

	if notif.Method == "notifications/progress" {
		token := gjson.GetBytes(notif.Params, "progressToken").String()
		if token == "" {
			return
		}
		if st, ok := s.routes.streamForToken(token); ok {
			st.writeFrame(payload)
		}
		return
	}

	for _, st := range s.routes.standaloneStreams("") {
		st.writeFrame(payload)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	type backendHealth struct {
		ID           string `json:"id"`
		State        string `json:"state"`
		Tools        int    `json:"tools"`
		FailureCount int    `json:"failureCount,omitempty"`
	}
	out := struct {
		Status   string          `json:"status"`
		Backends []backendHealth `json:"backends"`
	}{Status: "ok"}

	for _, sup := range s.sups {
		out.Backends = append(out.Backends, backendHealth{
			ID:           sup.BackendID(),
			State:        string(sup.State()),
			Tools:        len(sup.Tools()),
			FailureCount: sup.FailureCount(),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, http.StatusOK, out)
}
