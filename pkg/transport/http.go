// SPDX-FileCopyrightText: Copyright 2026 Portico Labs
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"golang.org/x/exp/jsonrpc2"

	transporterrors "github.com/porticolabs/portico/pkg/transport/errors"
)

// HTTPConfig describes a remote backend endpoint shared by the http, sse and
// websocket variants.
type HTTPConfig struct {
	// Endpoint is the backend URL. For websocket this is a ws:// or wss://
	// URL.
	Endpoint string
	// Headers are added to every request.
	Headers map[string]string
	// BearerToken, when set, is sent as an Authorization: Bearer header.
	BearerToken string
	// BasicAuthUser and BasicAuthPass, when set, are sent as basic auth.
	BasicAuthUser string
	BasicAuthPass string
	// RequestTimeout bounds a single HTTP exchange. Defaults to 30s.
	RequestTimeout time.Duration
	// Client overrides the HTTP client, used by tests.
	Client *http.Client
}

func (c HTTPConfig) client() *http.Client {
	if c.Client != nil {
		return c.Client
	}
	timeout := c.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &http.Client{Timeout: timeout}
}

func (c HTTPConfig) apply(req *http.Request) {
	for k, v := range c.Headers {
		req.Header.Set(k, v)
	}
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	if c.BasicAuthUser != "" {
		req.SetBasicAuth(c.BasicAuthUser, c.BasicAuthPass)
	}
}

// HTTP is the plain request/response variant: each Send is a POST and the
// synchronous JSON reply is delivered on Frames.
type HTTP struct {
	cfg    HTTPConfig
	client *http.Client
	frames chan jsonrpc2.Message
	errs   chan error

	mu        sync.RWMutex
	closeOnce sync.Once
	closed    chan struct{}
}

// NewHTTP builds a plain HTTP POST transport.
func NewHTTP(cfg HTTPConfig, opts Options) *HTTP {
	return &HTTP{
		cfg:    cfg,
		client: cfg.client(),
		frames: make(chan jsonrpc2.Message, opts.frameBuffer()),
		errs:   make(chan error, 4),
		closed: make(chan struct{}),
	}
}

// Open is a no-op for plain HTTP; each Send carries its own connection.
func (*HTTP) Open(_ context.Context) error { return nil }

// Send posts one frame and queues the decoded JSON reply, if any.
func (h *HTTP) Send(ctx context.Context, msg jsonrpc2.Message) error {
	select {
	case <-h.closed:
		return transporterrors.ErrWriteAfterClose
	default:
	}

	data, err := jsonrpc2.EncodeMessage(msg)
	if err != nil {
		return fmt.Errorf("encoding frame: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.cfg.Endpoint, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	h.cfg.apply(req)

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", transporterrors.ErrTransportClosed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("backend returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxLineSize))
	if err != nil {
		return fmt.Errorf("%w: %v", transporterrors.ErrTransportClosed, err)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil
	}

	reply, err := jsonrpc2.DecodeMessage(body)
	if err != nil {
		return fmt.Errorf("%w: %v", transporterrors.ErrProtocolParse, err)
	}

	return h.deliver(reply)
}

// deliver queues an inbound frame unless the transport has been closed.
func (h *HTTP) deliver(msg jsonrpc2.Message) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	select {
	case <-h.closed:
		return transporterrors.ErrTransportClosed
	default:
	}
	select {
	case h.frames <- msg:
		return nil
	default:
		return fmt.Errorf("inbound frame buffer full")
	}
}

// Frames returns the inbound frame stream.
func (h *HTTP) Frames() <-chan jsonrpc2.Message { return h.frames }

// Errors returns the fatal failure stream.
func (h *HTTP) Errors() <-chan error { return h.errs }

// Close shuts the transport down.
func (h *HTTP) Close(_ context.Context) error {
	h.closeOnce.Do(func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		close(h.closed)
		close(h.frames)
		close(h.errs)
	})
	return nil
}
