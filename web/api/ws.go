package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"buildrelay/internal/events"
)

const wsWriteWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	// Runners connect from arbitrary machines; token auth already ran.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsEnvelope is the WebSocket wire form of a channel event.
type wsEnvelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// wsSubscriber delivers channel events over a WebSocket connection. Writes
// are serialized by a mutex since keepalive pings and event sends come from
// different goroutines.
type wsSubscriber struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	once    sync.Once
}

func (s *wsSubscriber) Send(event string, payload []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return s.conn.WriteJSON(wsEnvelope{Event: event, Payload: payload})
}

func (s *wsSubscriber) Close() {
	s.once.Do(func() { s.conn.Close() })
}

func (s *wsSubscriber) ping() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return s.conn.WriteMessage(websocket.PingMessage, nil)
}

// handlePlatformWS is the WebSocket flavor of the platform event stream,
// for runners that hold a persistent connection instead of an SSE poll.
func (s *Server) handlePlatformWS(w http.ResponseWriter, r *http.Request) {
	platform := chi.URLParam(r, "platform")
	if !s.validPlatform(platform) {
		writeError(w, http.StatusBadRequest, "unknown platform "+platform)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	sub := &wsSubscriber{conn: conn}
	id := uuid.NewString()
	channel := events.PlatformChannel(platform)
	s.events.Subscribe(channel, id, sub)

	done := make(chan struct{})

	// Keepalive pings; a broken connection surfaces as a write error and
	// the read loop then observes the close.
	go func() {
		ticker := time.NewTicker(s.keepalive)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := sub.ping(); err != nil {
					conn.Close()
					return
				}
			}
		}
	}()

	// The read loop exists only to notice disconnects; runners do not
	// send application messages on this stream.
	readTimeout := 3 * s.keepalive
	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))
	}

	close(done)
	s.events.Unsubscribe(channel, id)
	sub.Close()
}
