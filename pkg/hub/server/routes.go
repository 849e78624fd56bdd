// SPDX-FileCopyrightText: Copyright 2026 Portico Labs
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/porticolabs/portico/pkg/logger"
)

// routeTable owns the four correlation maps of the front transport. Nothing
// outside this file mutates them; every entry has one documented exit path
// and the sweeper enforces the TTL invariants.
type routeTable struct {
	mu sync.Mutex

	// streams: streamId -> stream. Removed when the stream closes or goes
	// idle past the TTL.
	streams map[string]*stream

	// requestToStream: requestId -> streamId. Removed when the request's
	// final response is delivered.
	requestToStream map[string]string

	// responseBuffer: requestId -> future for the JSON reply path. Removed
	// when consumed or abandoned by its waiter.
	responseBuffer map[string]chan json.RawMessage

	// progressTokenToStream: progressToken -> streamId. Removed together
	// with the owning request.
	progressTokenToStream map[string]string

	// requestTokens remembers which progress token a request declared so
	// the token entry dies with the request entry.
	requestTokens map[string]string
}

func newRouteTable() *routeTable {
	return &routeTable{
		streams:               map[string]*stream{},
		requestToStream:       map[string]string{},
		responseBuffer:        map[string]chan json.RawMessage{},
		progressTokenToStream: map[string]string{},
		requestTokens:         map[string]string{},
	}
}

// addStream registers an open stream.
func (rt *routeTable) addStream(s *stream) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.streams[s.id] = s
}

// removeStream drops a stream and every request entry pointing at it.
func (rt *routeTable) removeStream(streamID string) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	delete(rt.streams, streamID)
	for requestID, sid := range rt.requestToStream {
		if sid == streamID {
			rt.dropRequestLocked(requestID)
		}
	}
}

// bindRequestToStream records that a request's response belongs to a stream,
// along with its progress token when one was declared.
func (rt *routeTable) bindRequestToStream(requestID, streamID, progressToken string) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.requestToStream[requestID] = streamID
	if progressToken != "" {
		rt.progressTokenToStream[progressToken] = streamID
		rt.requestTokens[requestID] = progressToken
	}
}

// bindRequestBuffer registers a JSON-path future for a request.
func (rt *routeTable) bindRequestBuffer(requestID string) chan json.RawMessage {
	ch := make(chan json.RawMessage, 1)
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.responseBuffer[requestID] = ch
	return ch
}

// dropRequest removes a request's entries on its single exit path: response
// delivered, deadline fired, or owning stream gone.
func (rt *routeTable) dropRequest(requestID string) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.dropRequestLocked(requestID)
}

func (rt *routeTable) dropRequestLocked(requestID string) {
	delete(rt.requestToStream, requestID)
	delete(rt.responseBuffer, requestID)
	if token, ok := rt.requestTokens[requestID]; ok {
		delete(rt.progressTokenToStream, token)
		delete(rt.requestTokens, requestID)
	}
}

// streamForRequest resolves the stream a response should be written to.
func (rt *routeTable) streamForRequest(requestID string) (*stream, bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	streamID, ok := rt.requestToStream[requestID]
	if !ok {
		return nil, false
	}
	s, ok := rt.streams[streamID]
	return s, ok
}

// bufferForRequest resolves the JSON future for a response.
func (rt *routeTable) bufferForRequest(requestID string) (chan json.RawMessage, bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	ch, ok := rt.responseBuffer[requestID]
	return ch, ok
}

// streamForToken resolves the stream owning a progress token. Never falls
// back to another stream: progress is routed to its owner or dropped.
func (rt *routeTable) streamForToken(token string) (*stream, bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	streamID, ok := rt.progressTokenToStream[token]
	if !ok {
		return nil, false
	}
	s, ok := rt.streams[streamID]
	return s, ok
}

// standaloneStreams snapshots the open server-push streams, optionally
// filtered by session.
func (rt *routeTable) standaloneStreams(sessionID string) []*stream {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	var out []*stream
	for _, s := range rt.streams {
		if !s.standalone {
			continue
		}
		if sessionID != "" && s.sessionID != sessionID {
			continue
		}
		out = append(out, s)
	}
	return out
}

// allStreams snapshots every registered stream.
func (rt *routeTable) allStreams() []*stream {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	out := make([]*stream, 0, len(rt.streams))
	for _, s := range rt.streams {
		out = append(out, s)
	}
	return out
}

// sweep removes closed and idle streams and orphaned request entries. Runs
// on the sweeper interval.
func (rt *routeTable) sweep(ttl time.Duration) {
	cutoff := time.Now().Add(-ttl)

	rt.mu.Lock()
	var victims []*stream
	for id, s := range rt.streams {
		if s.closed() || s.idleSince().Before(cutoff) {
			victims = append(victims, s)
			delete(rt.streams, id)
		}
	}
	for requestID, streamID := range rt.requestToStream {
		if _, live := rt.streams[streamID]; !live {
			rt.dropRequestLocked(requestID)
		}
	}
	for token, streamID := range rt.progressTokenToStream {
		if _, live := rt.streams[streamID]; !live {
			delete(rt.progressTokenToStream, token)
		}
	}
	rt.mu.Unlock()

	for _, s := range victims {
		s.close()
		logger.Debugw("sweeper removed stream", "stream", s.id)
	}
}
