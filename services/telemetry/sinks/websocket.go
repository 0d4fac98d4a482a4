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
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/sentinel/services/telemetry"
)

var _ telemetry.Sink = (*WebSocketSink)(nil)

const (
	wsSendBuffer = 64
	wsWriteWait  = 5 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 64 * 1024,
}

type wsClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (c *wsClient) close() {
	c.once.Do(func() { close(c.send) })
}

// WebSocketSink broadcasts every batch as a JSON text message to all
// connected clients.
//
// A client that cannot keep up loses messages rather than slowing the
// drain loop: each client has a bounded queue and a full queue drops the
// batch for that client only.
type WebSocketSink struct {
	logger  *slog.Logger
	mu      sync.RWMutex
	clients map[string]*wsClient
	closed  bool
	dropped atomic.Int64
	wg      sync.WaitGroup
}

// NewWebSocketSink creates a sink with no clients. Mount it as an
// http.Handler to accept connections.
func NewWebSocketSink(logger *slog.Logger) *WebSocketSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketSink{
		logger:  logger.With(slog.String("sink", "websocket")),
		clients: make(map[string]*wsClient),
	}
}

func (s *WebSocketSink) Name() string { return "websocket" }

// ServeHTTP upgrades the request and registers the connection as a client.
// It blocks until the client disconnects or the sink closes.
func (s *WebSocketSink) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		http.Error(w, "telemetry stream closed", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("failed to upgrade the websocket", slog.String("error", err.Error()))
		return
	}

	c := &wsClient{id: uuid.NewString(), conn: conn, send: make(chan []byte, wsSendBuffer)}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.clients[c.id] = c
	s.wg.Add(1)
	s.mu.Unlock()
	s.logger.Info("websocket client connected", slog.String("client", c.id))

	go s.readPump(c)
	s.writePump(c)
}

// readPump discards inbound messages and notices disconnects.
func (s *WebSocketSink) readPump(c *wsClient) {
	defer s.remove(c)
	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *WebSocketSink) writePump(c *wsClient) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
		s.wg.Done()
		s.logger.Info("websocket client disconnected", slog.String("client", c.id))
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				s.remove(c)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.remove(c)
				return
			}
		}
	}
}

func (s *WebSocketSink) remove(c *wsClient) {
	s.mu.Lock()
	if _, ok := s.clients[c.id]; ok {
		delete(s.clients, c.id)
		c.close()
	}
	s.mu.Unlock()
}

// Write queues the encoded batch on every client.
func (s *WebSocketSink) Write(_ context.Context, b telemetry.Batch) error {
	msg, err := json.Marshal(b)
	if err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.clients {
		select {
		case c.send <- msg:
		default:
			s.dropped.Add(1)
		}
	}
	return nil
}

// Clients returns the number of connected clients.
func (s *WebSocketSink) Clients() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Dropped returns how many per-client messages were discarded.
func (s *WebSocketSink) Dropped() int64 { return s.dropped.Load() }

func (s *WebSocketSink) Flush(context.Context) error { return nil }

// Close disconnects every client and waits for their writers to exit.
func (s *WebSocketSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for id, c := range s.clients {
		delete(s.clients, id)
		c.close()
	}
	s.mu.Unlock()
	s.wg.Wait()
	return nil
}
