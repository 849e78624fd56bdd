// SPDX-FileCopyrightText: Copyright 2026 Portico Labs
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"golang.org/x/exp/jsonrpc2"

	"github.com/porticolabs/portico/pkg/logger"
	"github.com/porticolabs/portico/pkg/transport/session"
)

const maxBodySize = 10 * 1024 * 1024

// inboundMessage is one parsed element of a POST body.
type inboundMessage struct {
	raw gjson.Result
	// key is the request id's raw JSON token, "" for notifications.
	key string
	// progressToken is the declared token's string form, "" when absent.
	progressToken string
	method        string
}

func (m inboundMessage) isRequest() bool { return m.key != "" }

// id decodes the JSON-RPC id for building replies.
func (m inboundMessage) id() jsonrpc2.ID {
	id, err := jsonrpc2.MakeID(m.raw.Get("id").Value())
	if err != nil {
		return jsonrpc2.ID{}
	}
	return id
}

// handleMCP is the single MCP endpoint: POST submits JSON-RPC, GET opens a
// server-push stream, DELETE terminates a session.
func (s *Server) handleMCP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handlePost(w, r)
	case http.MethodGet:
		s.handleGet(w, r)
	case http.MethodDelete:
		s.handleDelete(w, r)
	default:
		w.Header().Set("Allow", "GET, POST, DELETE")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func acceptsEventStream(r *http.Request) bool {
	accept := r.Header.Get("Accept")
	return strings.Contains(accept, "text/event-stream") || strings.Contains(accept, "*/*")
}

func acceptsJSON(r *http.Request) bool {
	accept := r.Header.Get("Accept")
	return strings.Contains(accept, "application/json") || strings.Contains(accept, "*/*") || accept == ""
}

func (s *Server) handlePost(w http.ResponseWriter, r *http.Request) {
	if !acceptsJSON(r) && !acceptsEventStream(r) {
		http.Error(w, "Accept must include application/json or text/event-stream", http.StatusNotAcceptable)
		return
	}
	if ct := r.Header.Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		http.Error(w, "Content-Type must be application/json", http.StatusUnsupportedMediaType)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		http.Error(w, "reading body", http.StatusBadRequest)
		return
	}
	if !gjson.ValidBytes(body) {
		writeRPCError(w, jsonrpc2.ID{}, -32700, "Parse error")
		return
	}

	parsed := gjson.ParseBytes(body)
	batch := parsed.IsArray()
	var messages []inboundMessage
	appendMessage := func(item gjson.Result) {
		msg := inboundMessage{raw: item, method: item.Get("method").String()}
		// A request carries both an id and a method; an id without a method
		// is a client-side response and gets no reply of its own.
		if id := item.Get("id"); id.Exists() && id.Type != gjson.Null && msg.method != "" {
			msg.key = id.Raw
		}
		if token := item.Get("params._meta.progressToken"); token.Exists() {
			msg.progressToken = token.String()
		}
		messages = append(messages, msg)
	}
	if batch {
		parsed.ForEach(func(_, item gjson.Result) bool {
			appendMessage(item)
			return true
		})
	} else {
		appendMessage(parsed)
	}
	if len(messages) == 0 {
		writeRPCError(w, jsonrpc2.ID{}, -32600, "Invalid Request: empty batch")
		return
	}

	sess, status, err := s.establishSession(r, messages)
	if err != nil {
		http.Error(w, err.Error(), status)
		return
	}
	w.Header().Set(HeaderSessionID, sess.ID())

	var requests []inboundMessage
	for _, msg := range messages {
		if msg.isRequest() {
			requests = append(requests, msg)
		}
	}

	// Notifications-only fast path: dispatch and acknowledge immediately.
	if len(requests) == 0 {
		for _, msg := range messages {
			go s.dispatchNotification(msg)
		}
		w.WriteHeader(http.StatusAccepted)
		return
	}

	if s.selectSSE(r, requests) {
		s.serveSSE(w, r, sess, messages, requests, batch)
		return
	}
	s.serveJSON(w, r, sess, messages, requests, batch)
}

// selectSSE decides the response mode: a stream is used when the client can
// consume one and the batch contains a long-running call, identified by a
// declared progress token or the tools/call method.
func (s *Server) selectSSE(r *http.Request, requests []inboundMessage) bool {
	if !acceptsEventStream(r) {
		return false
	}
	for _, req := range requests {
		if req.progressToken != "" || req.method == "tools/call" {
			return true
		}
	}
	return false
}

// establishSession resolves or creates the session for one POST.
func (s *Server) establishSession(r *http.Request, messages []inboundMessage) (session.Session, int, error) {
	headerID := r.Header.Get(HeaderSessionID)

	hasInitialize := false
	for _, msg := range messages {
		if msg.method == "initialize" {
			hasInitialize = true
			break
		}
	}

	if hasInitialize {
		if headerID != "" {
			if existing, ok := s.sessions.Get(headerID); ok {
				if ps, isProxy := existing.(*session.ProxySession); isProxy && ps.Initialized() {
					return nil, http.StatusBadRequest, fmt.Errorf("session %q is already initialized", headerID)
				}
				return existing, 0, nil
			}
		}
		id := headerID
		if id == "" {
			id = uuid.NewString()
		}
		sess := session.NewProxySession(id)
		if err := s.sessions.AddSession(sess); err != nil {
			return nil, http.StatusBadRequest, err
		}
		return sess, 0, nil
	}

	if headerID == "" {
		if !s.cfg.Stateless {
			return nil, http.StatusBadRequest, fmt.Errorf("missing %s header", HeaderSessionID)
		}
		sess := session.NewProxySession(uuid.NewString())
		sess.MarkInitialized()
		if err := s.sessions.AddSession(sess); err != nil {
			return nil, http.StatusBadRequest, err
		}
		return sess, 0, nil
	}

	sess, ok := s.sessions.Get(headerID)
	if !ok {
		if s.cfg.Stateless {
			created := session.NewProxySession(headerID)
			created.MarkInitialized()
			if err := s.sessions.AddSession(created); err != nil {
				return nil, http.StatusBadRequest, err
			}
			return created, 0, nil
		}
		return nil, http.StatusNotFound, fmt.Errorf("unknown session %q", headerID)
	}
	return sess, 0, nil
}

// serveSSE answers one POST with an event stream carrying progress frames
// and the final responses.
func (s *Server) serveSSE(w http.ResponseWriter, r *http.Request, sess session.Session, messages, requests []inboundMessage, _ bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	st := newStream(uuid.NewString(), sess.ID(), w, flusher, len(requests))
	s.routes.addStream(st)
	s.metrics.StreamOpened()

	for _, req := range requests {
		s.routes.bindRequestToStream(req.key, st.id, req.progressToken)
	}

	defer func() {
		for _, req := range requests {
			s.routes.dropRequest(req.key)
		}
		s.routes.removeStream(st.id)
		st.close()
		s.metrics.StreamClosed()
	}()

	for _, msg := range messages {
		go s.dispatchMessage(r.Context(), sess, msg)
	}

	heartbeat := time.NewTicker(s.cfg.KeepAliveInterval)
	defer heartbeat.Stop()
	deadline := time.NewTimer(s.cfg.StreamDeadline)
	defer deadline.Stop()

	for {
		select {
		case <-st.completion:
			// Every request answered; the stream's work is done.
			return
		case <-heartbeat.C:
			st.writeHeartbeat()
		case <-deadline.C:
			frame, _ := jsonrpc2.EncodeMessage(&jsonrpc2.Response{
				ID:    requests[0].id(),
				Error: &jsonrpc2.WireError{Code: -32001, Message: "Request timed out"},
			})
			st.closeWithFinalFrame(frame)
			return
		case <-st.done:
			return
		case <-r.Context().Done():
			return
		case <-s.drainCh:
			return
		}
	}
}

// serveJSON answers one POST with a buffered JSON body.
func (s *Server) serveJSON(w http.ResponseWriter, r *http.Request, sess session.Session, messages, requests []inboundMessage, batch bool) {
	waiters := make(map[string]chan json.RawMessage, len(requests))
	for _, req := range requests {
		waiters[req.key] = s.routes.bindRequestBuffer(req.key)
	}
	defer func() {
		for _, req := range requests {
			s.routes.dropRequest(req.key)
		}
	}()

	for _, msg := range messages {
		go s.dispatchMessage(r.Context(), sess, msg)
	}

	responses := make([]json.RawMessage, 0, len(requests))
	for _, req := range requests {
		wait := time.NewTimer(s.cfg.JSONWait)
		select {
		case resp := <-waiters[req.key]:
			responses = append(responses, resp)
		case <-wait.C:
			timedOut, _ := jsonrpc2.EncodeMessage(&jsonrpc2.Response{
				ID:    req.id(),
				Error: &jsonrpc2.WireError{Code: -32001, Message: "Request timed out"},
			})
			responses = append(responses, timedOut)
		case <-r.Context().Done():
			wait.Stop()
			return
		}
		wait.Stop()
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if batch {
		raw, err := json.Marshal(responses)
		if err != nil {
			logger.Errorw("encoding batch response", "err", err)
			return
		}
		_, _ = w.Write(raw)
		return
	}
	_, _ = w.Write(responses[0])
}

// handleGet opens a server-push stream for session-scoped notifications.
func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Stateless {
		w.Header().Set("Allow", "POST, DELETE")
		http.Error(w, "server-push streams are disabled in stateless mode", http.StatusMethodNotAllowed)
		return
	}
	if !acceptsEventStream(r) {
		http.Error(w, "Accept must include text/event-stream", http.StatusNotAcceptable)
		return
	}

	sessionID := r.Header.Get(HeaderSessionID)
	sess, ok := s.sessions.Get(sessionID)
	if !ok {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set(HeaderSessionID, sess.ID())
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	st := newStream(uuid.NewString(), sess.ID(), w, flusher, 0)
	s.routes.addStream(st)
	s.metrics.StreamOpened()
	defer func() {
		s.routes.removeStream(st.id)
		st.close()
		s.metrics.StreamClosed()
	}()

	heartbeat := time.NewTicker(s.cfg.KeepAliveInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-heartbeat.C:
			st.writeHeartbeat()
		case <-st.done:
			return
		case <-r.Context().Done():
			return
		case <-s.drainCh:
			return
		}
	}
}

// handleDelete terminates a session. Idempotent: unknown sessions still get
// a 200.
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get(HeaderSessionID)
	if sessionID != "" {
		_ = s.sessions.Delete(sessionID)
		for _, st := range s.routes.standaloneStreams(sessionID) {
			st.close()
		}
	}
	w.WriteHeader(http.StatusOK)
}

// deliverResponse routes one finished response to its stream or JSON future.
// Late responses whose request entry is gone are dropped.
func (s *Server) deliverResponse(requestKey string, payload json.RawMessage) {
	if st, ok := s.routes.streamForRequest(requestKey); ok {
		st.writeFrame(payload)
		s.routes.dropRequest(requestKey)
		st.finishRequest()
		return
	}
	if ch, ok := s.routes.bufferForRequest(requestKey); ok {
		select {
		case ch <- payload:
		default:
		}
		return
	}
	logger.Debugw("dropping late response", "request", requestKey)
}

func writeRPCError(w http.ResponseWriter, id jsonrpc2.ID, code int64, message string) {
	payload, err := jsonrpc2.EncodeMessage(&jsonrpc2.Response{
		ID:    id,
		Error: &jsonrpc2.WireError{Code: code, Message: message},
	})
	if err != nil {
		http.Error(w, message, http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	_, _ = w.Write(payload)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debugw("encoding response failed", "err", err)
	}
}
