// SPDX-FileCopyrightText: Copyright 2026 Portico Labs
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/porticolabs/portico/pkg/logger"
)

// streamState is the lifecycle of one SSE stream. Only CLOSING may emit a
// final error frame; writes to CLOSED streams are silently dropped.
type streamState int

const (
	streamOpen streamState = iota
	streamClosing
	streamClosed
)

// stream is one open SSE response. It is owned by the front transport; all
// writes are serialized through its mutex and a write failure marks the
// stream closed so later routing becomes a no-op.
type stream struct {
	id        string
	sessionID string
	// standalone marks a GET server-push stream (no request set).
	standalone bool
	createdAt  time.Time

	mu           sync.Mutex
	state        streamState
	lastActivity time.Time
	w            http.ResponseWriter
	flusher      http.Flusher

	// outstanding is the number of requests still awaiting a response on
	// this stream; completion fires when it reaches zero.
	outstanding int
	completion  chan struct{}

	heartbeat *time.Ticker
	done      chan struct{}
}

func newStream(id, sessionID string, w http.ResponseWriter, flusher http.Flusher, outstanding int) *stream {
	now := time.Now()
	return &stream{
		id:           id,
		sessionID:    sessionID,
		standalone:   outstanding == 0,
		createdAt:    now,
		lastActivity: now,
		w:            w,
		flusher:      flusher,
		outstanding:  outstanding,
		completion:   make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// writeFrame writes one data frame. Returns false once the stream is closed
// or the client is gone.
func (s *stream) writeFrame(payload []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == streamClosed {
		return false
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", payload); err != nil {
		logger.Debugw("stream write failed, marking closed", "stream", s.id, "err", err)
		s.closeLocked()
		return false
	}
	s.flusher.Flush()
	s.lastActivity = time.Now()
	return true
}

// writeHeartbeat writes an SSE comment to keep intermediaries from timing
// the connection out.
func (s *stream) writeHeartbeat() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != streamOpen {
		return
	}
	if _, err := fmt.Fprint(s.w, ":heartbeat\n\n"); err != nil {
		s.closeLocked()
		return
	}
	s.flusher.Flush()
	s.lastActivity = time.Now()
}

// finishRequest decrements the outstanding count, resolving the stream
// completion when the last response has been written.
func (s *stream) finishRequest() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.outstanding == 0 {
		return
	}
	s.outstanding--
	if s.outstanding == 0 {
		close(s.completion)
	}
}

// closeWithFinalFrame transitions OPEN -> CLOSING, emits one final error
// frame, and closes. Used for stream deadlines and shutdown draining.
func (s *stream) closeWithFinalFrame(payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != streamOpen {
		return
	}
	s.state = streamClosing
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", payload); err == nil {
		s.flusher.Flush()
	}
	s.closeLocked()
}

// close tears the stream down without a final frame.
func (s *stream) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
}

func (s *stream) closeLocked() {
	if s.state == streamClosed {
		return
	}
	s.state = streamClosed
	close(s.done)
}

func (s *stream) closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == streamClosed
}

func (s *stream) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}
