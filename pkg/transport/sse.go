// SPDX-FileCopyrightText: Copyright 2026 Portico Labs
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/exp/jsonrpc2"

	transporterrors "github.com/porticolabs/portico/pkg/transport/errors"
)

// SSE is the server-sent-events variant. Each Send POSTs a frame; when the
// backend answers with a text/event-stream body, every data: line of that
// body is decoded as one inbound frame. Comment lines beginning with ":" are
// heartbeats and are skipped.
type SSE struct {
	cfg    HTTPConfig
	client *http.Client
	frames chan jsonrpc2.Message
	errs   chan error

	mu        sync.RWMutex
	wg        sync.WaitGroup
	closeOnce sync.Once
	closed    chan struct{}
}

// NewSSE builds an SSE transport.
func NewSSE(cfg HTTPConfig, opts Options) *SSE {
	return &SSE{
		cfg:    cfg,
		client: cfg.client(),
		frames: make(chan jsonrpc2.Message, opts.frameBuffer()),
		errs:   make(chan error, 4),
		closed: make(chan struct{}),
	}
}

// Open is a no-op; streams are opened per Send.
func (*SSE) Open(_ context.Context) error { return nil }

// Send posts one frame. A JSON reply is queued directly; an event-stream
// reply is consumed in the background until the backend closes it.
func (s *SSE) Send(ctx context.Context, msg jsonrpc2.Message) error {
	select {
	case <-s.closed:
		return transporterrors.ErrWriteAfterClose
	default:
	}

	data, err := jsonrpc2.EncodeMessage(msg)
	if err != nil {
		return fmt.Errorf("encoding frame: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.Endpoint, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	s.cfg.apply(req)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", transporterrors.ErrTransportClosed, err)
	}

	if resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusNoContent {
		resp.Body.Close()
		return nil
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return fmt.Errorf("backend returned status %d", resp.StatusCode)
	}

	if strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer resp.Body.Close()
			s.consumeStream(resp.Body)
		}()
		return nil
	}

	defer resp.Body.Close()
	body := make([]byte, 0, 4096)
	buf := bufio.NewReader(resp.Body)
	for {
		chunk, err := buf.ReadBytes('\n')
		body = append(body, chunk...)
		if err != nil {
			break
		}
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	reply, err := jsonrpc2.DecodeMessage(bytes.TrimSpace(body))
	if err != nil {
		return fmt.Errorf("%w: %v", transporterrors.ErrProtocolParse, err)
	}
	return s.deliver(reply)
}

// consumeStream reads data: lines from an open event-stream body.
func (s *SSE) consumeStream(body io.Reader) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			// Event delimiter.
		case strings.HasPrefix(line, ":"):
			// Heartbeat comment, keep the stream alive.
		case strings.HasPrefix(line, "data:"):
			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if payload == "" {
				continue
			}
			msg, err := jsonrpc2.DecodeMessage([]byte(payload))
			if err != nil {
				s.pushErr(fmt.Errorf("%w: %v", transporterrors.ErrProtocolParse, err))
				continue
			}
			if err := s.deliver(msg); err != nil {
				return
			}
		default:
			// Field we do not use (event:, id:, retry:).
		}
	}
}

func (s *SSE) deliver(msg jsonrpc2.Message) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	select {
	case <-s.closed:
		return transporterrors.ErrTransportClosed
	default:
	}
	select {
	case s.frames <- msg:
		return nil
	default:
		return fmt.Errorf("inbound frame buffer full")
	}
}

func (s *SSE) pushErr(err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	select {
	case <-s.closed:
		return
	default:
	}
	select {
	case s.errs <- err:
	default:
	}
}

// Frames returns the inbound frame stream.
func (s *SSE) Frames() <-chan jsonrpc2.Message { return s.frames }

// Errors returns the fatal failure stream.
func (s *SSE) Errors() <-chan error { return s.errs }

// Close stops accepting writes and tears down open streams.
func (s *SSE) Close(_ context.Context) error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		close(s.closed)
		close(s.frames)
		close(s.errs)
		s.mu.Unlock()
	})
	return nil
}
