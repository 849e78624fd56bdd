// SPDX-FileCopyrightText: Copyright 2026 Portico Labs
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/exp/jsonrpc2"

	transporterrors "github.com/porticolabs/portico/pkg/transport/errors"
)

// WebSocket exchanges JSON-RPC frames as WebSocket text messages.
type WebSocket struct {
	cfg    HTTPConfig
	frames chan jsonrpc2.Message
	errs   chan error

	writeMu sync.Mutex
	conn    *websocket.Conn

	mu        sync.RWMutex
	closeOnce sync.Once
	closed    chan struct{}
}

// NewWebSocket builds a websocket transport; Open dials the endpoint.
func NewWebSocket(cfg HTTPConfig, opts Options) *WebSocket {
	return &WebSocket{
		cfg:    cfg,
		frames: make(chan jsonrpc2.Message, opts.frameBuffer()),
		errs:   make(chan error, 4),
		closed: make(chan struct{}),
	}
}

// Open dials the backend and starts the read loop.
func (w *WebSocket) Open(ctx context.Context) error {
	header := http.Header{}
	for k, v := range w.cfg.Headers {
		header.Set(k, v)
	}
	if w.cfg.BearerToken != "" {
		header.Set("Authorization", "Bearer "+w.cfg.BearerToken)
	}
	if w.cfg.BasicAuthUser != "" {
		creds := w.cfg.BasicAuthUser + ":" + w.cfg.BasicAuthPass
		header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(creds)))
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, w.cfg.Endpoint, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("%w: dial failed with status %d: %v", transporterrors.ErrTransportClosed, resp.StatusCode, err)
		}
		return fmt.Errorf("%w: %v", transporterrors.ErrTransportClosed, err)
	}
	w.conn = conn

	go w.readLoop()
	return nil
}

// Send writes one frame as a text message.
func (w *WebSocket) Send(_ context.Context, msg jsonrpc2.Message) error {
	select {
	case <-w.closed:
		return transporterrors.ErrWriteAfterClose
	default:
	}
	if w.conn == nil {
		return transporterrors.ErrWriteAfterClose
	}

	data, err := jsonrpc2.EncodeMessage(msg)
	if err != nil {
		return fmt.Errorf("encoding frame: %w", err)
	}

	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	if err := w.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("%w: %v", transporterrors.ErrWriteAfterClose, err)
	}
	return nil
}

func (w *WebSocket) readLoop() {
	for {
		kind, data, err := w.conn.ReadMessage()
		if err != nil {
			select {
			case <-w.closed:
			default:
				w.pushErr(fmt.Errorf("%w: %v", transporterrors.ErrTransportClosed, err))
			}
			w.shutdown()
			return
		}
		if kind != websocket.TextMessage {
			continue
		}
		msg, err := jsonrpc2.DecodeMessage(data)
		if err != nil {
			w.pushErr(fmt.Errorf("%w: %v", transporterrors.ErrProtocolParse, err))
			continue
		}
		if err := w.deliver(msg); err != nil {
			return
		}
	}
}

func (w *WebSocket) deliver(msg jsonrpc2.Message) error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	select {
	case <-w.closed:
		return transporterrors.ErrTransportClosed
	default:
	}
	select {
	case w.frames <- msg:
		return nil
	default:
		return fmt.Errorf("inbound frame buffer full")
	}
}

func (w *WebSocket) pushErr(err error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	select {
	case <-w.closed:
		return
	default:
	}
	select {
	case w.errs <- err:
	default:
	}
}

// Frames returns the inbound frame stream.
func (w *WebSocket) Frames() <-chan jsonrpc2.Message { return w.frames }

// Errors returns the fatal failure stream.
func (w *WebSocket) Errors() <-chan error { return w.errs }

// Close sends a normal-closure frame and tears the connection down.
func (w *WebSocket) Close(_ context.Context) error {
	w.shutdown()
	return nil
}

func (w *WebSocket) shutdown() {
	w.closeOnce.Do(func() {
		if w.conn != nil {
			w.writeMu.Lock()
			deadline := time.Now().Add(time.Second)
			_ = w.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			w.writeMu.Unlock()
			_ = w.conn.Close()
		}
		w.mu.Lock()
		close(w.closed)
		close(w.frames)
		close(w.errs)
		w.mu.Unlock()
	})
}
