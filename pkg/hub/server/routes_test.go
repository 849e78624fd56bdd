// SPDX-FileCopyrightText: Copyright 2026 Portico Labs
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recorderStream(id, sessionID string, outstanding int) (*stream, *httptest.ResponseRecorder) {
	rec := httptest.NewRecorder()
	return newStream(id, sessionID, rec, rec, outstanding), rec
}

func TestStreamStateMachine(t *testing.T) {
	t.Parallel()

	st, rec := recorderStream("s1", "sess", 1)

	assert.True(t, st.writeFrame([]byte(`{"a":1}`)))
	assert.Contains(t, rec.Body.String(), "data: {\"a\":1}\n\n")

	st.writeHeartbeat()
	assert.Contains(t, rec.Body.String(), ":heartbeat\n\n")

	// CLOSING emits exactly one final frame, then CLOSED drops writes.
	st.closeWithFinalFrame([]byte(`{"final":true}`))
	assert.Contains(t, rec.Body.String(), `{"final":true}`)

	before := rec.Body.Len()
	assert.False(t, st.writeFrame([]byte(`{"late":true}`)))
	st.writeHeartbeat()
	assert.Equal(t, before, rec.Body.Len(), "writes after close are silently dropped")
}

func TestStreamCompletionFiresOnLastRequest(t *testing.T) {
	t.Parallel()

	st, _ := recorderStream("s1", "sess", 2)

	st.finishRequest()
	select {
	case <-st.completion:
		t.Fatal("completion fired with one request outstanding")
	default:
	}

	st.finishRequest()
	select {
	case <-st.completion:
	case <-time.After(time.Second):
		t.Fatal("completion did not fire")
	}

	// Over-completion is a no-op.
	st.finishRequest()
}

func TestRouteTableSweepRemovesIdleStreamsAndOrphans(t *testing.T) {
	t.Parallel()

	rt := newRouteTable()
	fresh, _ := recorderStream("fresh", "sess", 1)
	idle, _ := recorderStream("idle", "sess", 1)
	idle.mu.Lock()
	idle.lastActivity = time.Now().Add(-time.Hour)
	idle.mu.Unlock()

	rt.addStream(fresh)
	rt.addStream(idle)
	rt.bindRequestToStream("r-fresh", "fresh", "tok-fresh")
	rt.bindRequestToStream("r-idle", "idle", "tok-idle")

	rt.sweep(time.Minute)

	// Stream accounting: every surviving entry points at a live stream.
	rt.mu.Lock()
	defer rt.mu.Unlock()
	assert.Contains(t, rt.streams, "fresh")
	assert.NotContains(t, rt.streams, "idle")
	for requestID, streamID := range rt.requestToStream {
		_, live := rt.streams[streamID]
		assert.True(t, live, "request %s bound to dead stream %s", requestID, streamID)
	}
	for token, streamID := range rt.progressTokenToStream {
		_, live := rt.streams[streamID]
		assert.True(t, live, "token %s bound to dead stream %s", token, streamID)
	}
	assert.NotContains(t, rt.requestToStream, "r-idle")
	assert.NotContains(t, rt.progressTokenToStream, "tok-idle")
}

func TestRouteTableSweepRemovesClosedStreams(t *testing.T) {
	t.Parallel()

	rt := newRouteTable()
	st, _ := recorderStream("s1", "sess", 1)
	rt.addStream(st)
	st.close()

	rt.sweep(time.Hour)

	rt.mu.Lock()
	defer rt.mu.Unlock()
	assert.Empty(t, rt.streams)
}

func TestProgressIsolation(t *testing.T) {
	t.Parallel()

	rt := newRouteTable()
	one, recOne := recorderStream("one", "sess", 1)
	two, recTwo := recorderStream("two", "sess", 1)
	rt.addStream(one)
	rt.addStream(two)
	rt.bindRequestToStream("r1", "one", "t1")
	rt.bindRequestToStream("r2", "two", "t2")

	st, ok := rt.streamForToken("t1")
	require.True(t, ok)
	st.writeFrame([]byte(`{"token":"t1"}`))

	assert.Contains(t, recOne.Body.String(), `"t1"`)
	assert.NotContains(t, recTwo.Body.String(), `"t1"`, "progress must never reach another token's stream")

	// An unknown token resolves to nothing: the notification is dropped.
	_, ok = rt.streamForToken("t3")
	assert.False(t, ok)
}

func TestDropRequestRemovesTokenWithOwningRequest(t *testing.T) {
	t.Parallel()

	rt := newRouteTable()
	st, _ := recorderStream("s1", "sess", 1)
	rt.addStream(st)
	rt.bindRequestToStream("r1", "s1", "t1")

	rt.dropRequest("r1")

	rt.mu.Lock()
	defer rt.mu.Unlock()
	assert.Empty(t, rt.requestToStream)
	assert.Empty(t, rt.progressTokenToStream)
	assert.Empty(t, rt.requestTokens)
}
