// SPDX-FileCopyrightText: Copyright 2026 Portico Labs
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/mark3labs/mcp-go/mcp"
	"golang.org/x/exp/jsonrpc2"

	"github.com/porticolabs/portico/pkg/hub/router"
	"github.com/porticolabs/portico/pkg/logger"
	"github.com/porticolabs/portico/pkg/transport/session"
)

// serverCapabilities is the capability block the hub advertises.
type serverCapabilities struct {
	Tools struct {
		ListChanged bool `json:"listChanged"`
	} `json:"tools"`
}

type initializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    serverCapabilities `json:"capabilities"`
	ServerInfo      mcp.Implementation `json:"serverInfo"`
}

// dispatchMessage handles one inbound message and, for requests, delivers
// the encoded response through the route table. The context is the client
// request's: cancelling the HTTP request cancels every dispatched message.
func (s *Server) dispatchMessage(ctx context.Context, sess session.Session, msg inboundMessage) {
	if !msg.isRequest() {
		s.dispatchNotification(msg)
		return
	}

	var response *jsonrpc2.Response

	switch msg.method {
	case "initialize":
		response = s.handleInitialize(sess, msg)
	case "ping":
		response = successResponse(msg, json.RawMessage(`{}`))
	case "tools/list":
		response = s.handleToolsList(msg)
	case "tools/call":
		response = s.handleToolsCall(ctx, msg)
	default:
		response = &jsonrpc2.Response{
			ID:    msg.id(),
			Error: &jsonrpc2.WireError{Code: -32601, Message: "Method not found: " + msg.method},
		}
	}

	payload, err := jsonrpc2.EncodeMessage(response)
	if err != nil {
		logger.Errorw("encoding response failed", "method", msg.method, "err", err)
		return
	}
	s.deliverResponse(msg.key, payload)
}

// dispatchNotification handles messages that get no reply.
func (s *Server) dispatchNotification(msg inboundMessage) {
	switch msg.method {
	case "notifications/initialized":
		// Handshake complete; nothing to do.
	case "notifications/cancelled":
		logger.Debugw("client cancelled request",
			"requestId", msg.raw.Get("params.requestId").String())
	case "":
		// A response from the client; the hub sends no client-bound
		// requests, so there is nothing to correlate it with.
		logger.Debugw("ignoring unexpected client response")
	default:
		logger.Debugw("ignoring client notification", "method", msg.method)
	}
}

func (s *Server) handleInitialize(sess session.Session, msg inboundMessage) *jsonrpc2.Response {
	protocolVersion := msg.raw.Get("params.protocolVersion").String()
	if protocolVersion == "" {
		protocolVersion = mcp.LATEST_PROTOCOL_VERSION
	}

	if ps, ok := sess.(*session.ProxySession); ok {
		ps.MarkInitialized()
	}

	result := initializeResult{
		ProtocolVersion: protocolVersion,
		ServerInfo: mcp.Implementation{
			Name:    s.cfg.ServerName,
			Version: s.cfg.ServerVersion,
		},
	}
	result.Capabilities.Tools.ListChanged = true

	raw, err := json.Marshal(result)
	if err != nil {
		return internalError(msg, err)
	}
	return successResponse(msg, raw)
}

func (s *Server) handleToolsList(msg inboundMessage) *jsonrpc2.Response {
	registered := s.reg.ListPublicTools()
	tools := make([]mcp.Tool, 0, len(registered))
	for _, entry := range registered {
		tool := mcp.Tool{
			Name:        entry.PublicName,
			Description: entry.Descriptor.Description,
		}
		if len(entry.Descriptor.InputSchema) > 0 {
			tool.RawInputSchema = json.RawMessage(entry.Descriptor.InputSchema)
		} else {
			tool.RawInputSchema = json.RawMessage(`{"type":"object"}`)
		}
		tools = append(tools, tool)
	}

	raw, err := json.Marshal(map[string]any{"tools": tools})
	if err != nil {
		return internalError(msg, err)
	}
	return successResponse(msg, raw)
}

func (s *Server) handleToolsCall(ctx context.Context, msg inboundMessage) *jsonrpc2.Response {
	name := msg.raw.Get("params.name").String()
	if name == "" {
		return &jsonrpc2.Response{
			ID:    msg.id(),
			Error: &jsonrpc2.WireError{Code: -32602, Message: "tool name is required"},
		}
	}

	var args json.RawMessage
	if arguments := msg.raw.Get("params.arguments"); arguments.Exists() {
		args = json.RawMessage(arguments.Raw)
	}
	var meta json.RawMessage
	if rawMeta := msg.raw.Get("params._meta"); rawMeta.Exists() {
		meta = json.RawMessage(rawMeta.Raw)
	}

	result, err := s.rtr.CallTool(ctx, name, args, meta)
	switch {
	case err == nil:
		return successResponse(msg, result)
	case errors.Is(err, router.ErrToolNotFound):
		return &jsonrpc2.Response{
			ID:    msg.id(),
			Error: &jsonrpc2.WireError{Code: -32602, Message: err.Error()},
		}
	default:
		// Routing failures surface as tool results so callers see a plain
		// text description instead of an internal error chain.
		return successResponse(msg, errorToolResult(err))
	}
}

// errorToolResult renders a failure as a CallToolResult with isError set.
func errorToolResult(err error) json.RawMessage {
	raw, marshalErr := json.Marshal(mcp.NewToolResultError(err.Error()))
	if marshalErr != nil {
		return json.RawMessage(`{"content":[{"type":"text","text":"internal error"}],"isError":true}`)
	}
	return raw
}

func successResponse(msg inboundMessage, result json.RawMessage) *jsonrpc2.Response {
	return &jsonrpc2.Response{ID: msg.id(), Result: result}
}

func internalError(msg inboundMessage, err error) *jsonrpc2.Response {
	logger.Errorw("internal error handling request", "method", msg.method, "err", err)
	return &jsonrpc2.Response{
		ID:    msg.id(),
		Error: &jsonrpc2.WireError{Code: -32603, Message: "Internal error"},
	}
}
