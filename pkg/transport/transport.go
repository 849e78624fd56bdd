// SPDX-FileCopyrightText: Copyright 2026 Portico Labs
// SPDX-License-Identifier: Apache-2.0

// Package transport implements the physical connection between the hub and a
// single backend. Each variant carries framed JSON-RPC messages in both
// directions: newline-delimited over a child process pipe, request/response
// over HTTP POST, server-sent events, or WebSocket text messages.
package transport

import (
	"context"
	"fmt"

	"golang.org/x/exp/jsonrpc2"

	transporterrors "github.com/porticolabs/portico/pkg/transport/errors"
)

// Kind identifies a transport variant.
type Kind string

const (
	// KindStdio is a long-lived child process speaking newline-delimited
	// JSON-RPC over its stdin/stdout pipes.
	KindStdio Kind = "stdio"
	// KindHTTP posts each frame and reads the synchronous JSON reply.
	KindHTTP Kind = "http"
	// KindSSE posts frames and reads replies from a server-sent event body.
	KindSSE Kind = "sse"
	// KindWebSocket exchanges frames as WebSocket text messages.
	KindWebSocket Kind = "websocket"
)

// Transport is one physical connection to one backend. Implementations are
// safe for concurrent Send; Frames and Errors each have a single consumer.
type Transport interface {
	// Open establishes the connection. For stdio this spawns the child
	// process; for websocket it dials. Open must be called exactly once.
	Open(ctx context.Context) error

	// Send writes one framed message to the backend. Returns
	// ErrWriteAfterClose once the far end is gone.
	Send(ctx context.Context, msg jsonrpc2.Message) error

	// Frames is the stream of inbound messages. It is closed when the
	// transport shuts down.
	Frames() <-chan jsonrpc2.Message

	// Errors carries fatal transport failures (process exit, protocol
	// corruption, connection loss). It is closed together with Frames.
	Errors() <-chan error

	// Close tears the connection down. For stdio it signals the child and
	// escalates to a hard kill after the grace window. Close is idempotent.
	Close(ctx context.Context) error
}

// Options carries the variant-independent knobs of a transport.
type Options struct {
	// FrameBufferSize bounds the inbound frame channel. Defaults to 100.
	FrameBufferSize int
}

func (o Options) frameBuffer() int {
	if o.FrameBufferSize <= 0 {
		return 100
	}
	return o.FrameBufferSize
}

// New builds a transport for the given kind.
func New(kind Kind, cfg any, opts Options) (Transport, error) {
	switch kind {
	case KindStdio:
		c, ok := cfg.(StdioConfig)
		if !ok {
			return nil, fmt.Errorf("%w: stdio requires StdioConfig", transporterrors.ErrUnsupportedTransport)
		}
		return NewStdio(c, opts), nil
	case KindHTTP:
		c, ok := cfg.(HTTPConfig)
		if !ok {
			return nil, fmt.Errorf("%w: http requires HTTPConfig", transporterrors.ErrUnsupportedTransport)
		}
		return NewHTTP(c, opts), nil
	case KindSSE:
		c, ok := cfg.(HTTPConfig)
		if !ok {
			return nil, fmt.Errorf("%w: sse requires HTTPConfig", transporterrors.ErrUnsupportedTransport)
		}
		return NewSSE(c, opts), nil
	case KindWebSocket:
		c, ok := cfg.(HTTPConfig)
		if !ok {
			return nil, fmt.Errorf("%w: websocket requires HTTPConfig", transporterrors.ErrUnsupportedTransport)
		}
		return NewWebSocket(c, opts), nil
	default:
		return nil, fmt.Errorf("%w: %q", transporterrors.ErrUnsupportedTransport, kind)
	}
}
