// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package sinks

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/sentinel/services/telemetry"
)

func dialTestSink(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestWebSocketSink_Broadcast(t *testing.T) {
	s := NewWebSocketSink(nil)
	srv := httptest.NewServer(s)
	defer srv.Close()

	c1 := dialTestSink(t, srv)
	c2 := dialTestSink(t, srv)
	require.Eventually(t, func() bool { return s.Clients() == 2 }, 2*time.Second, 10*time.Millisecond)

	b := testBatch(sample("temp", 21.5, 0))
	require.NoError(t, s.Write(context.Background(), b))

	for _, c := range []*websocket.Conn{c1, c2} {
		require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, msg, err := c.ReadMessage()
		require.NoError(t, err)
		var got telemetry.Batch
		require.NoError(t, json.Unmarshal(msg, &got))
		assert.Equal(t, b.ID, got.ID)
		require.Len(t, got.Samples, 1)
		assert.Equal(t, 21.5, got.Samples[0].Value)
	}
}

func TestWebSocketSink_ClientDisconnect(t *testing.T) {
	s := NewWebSocketSink(nil)
	srv := httptest.NewServer(s)
	defer srv.Close()

	c := dialTestSink(t, srv)
	require.Eventually(t, func() bool { return s.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, c.Close())
	require.Eventually(t, func() bool { return s.Clients() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.NoError(t, s.Write(context.Background(), testBatch(sample("temp", 1, 0))))
}

func TestWebSocketSink_SlowClientDrops(t *testing.T) {
	s := NewWebSocketSink(nil)

	// A client with no writer running never drains its queue.
	slow := &wsClient{id: "slow", send: make(chan []byte, 2)}
	s.mu.Lock()
	s.clients[slow.id] = slow
	s.mu.Unlock()

	for i := 0; i < 5; i++ {
		require.NoError(t, s.Write(context.Background(), testBatch(sample("temp", float64(i), 0))),
			"a full client queue never fails the sink")
	}
	assert.Len(t, slow.send, 2)
	assert.Equal(t, int64(3), s.Dropped())
}

func TestWebSocketSink_Close(t *testing.T) {
	s := NewWebSocketSink(nil)
	srv := httptest.NewServer(s)
	defer srv.Close()

	c := dialTestSink(t, srv)
	require.Eventually(t, func() bool { return s.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, s.Close())
	assert.Equal(t, 0, s.Clients())

	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := c.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 503, resp.StatusCode)
}
