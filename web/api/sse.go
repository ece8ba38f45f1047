package api

import (
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"buildrelay/internal/events"
)

// sseMessage is one queued delivery for a streaming client.
type sseMessage struct {
	event   string
	payload []byte
}

// sseSubscriber buffers deliveries for a single SSE connection. A full
// buffer fails that subscriber's send only; the registry logs it and the
// stream loop keeps the connection for subsequent events.
type sseSubscriber struct {
	ch   chan sseMessage
	done chan struct{}
	once sync.Once
}

func newSSESubscriber(buffer int) *sseSubscriber {
	return &sseSubscriber{
		ch:   make(chan sseMessage, buffer),
		done: make(chan struct{}),
	}
}

func (s *sseSubscriber) Send(event string, payload []byte) error {
	select {
	case <-s.done:
		return errors.New("subscriber closed")
	case s.ch <- sseMessage{event: event, payload: payload}:
		return nil
	default:
		return errors.New("subscriber buffer full")
	}
}

func (s *sseSubscriber) Close() {
	s.once.Do(func() { close(s.done) })
}

// handleJobEvents streams a job's status/log/artifact events to its
// submitter until the client disconnects.
func (s *Server) handleJobEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := s.queue.Get(id); !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	s.streamSSE(w, r, events.JobChannel(id))
}

// handlePlatformEvents streams job:created announcements to runners
// waiting for work on a platform.
func (s *Server) handlePlatformEvents(w http.ResponseWriter, r *http.Request) {
	platform := chi.URLParam(r, "platform")
	if !s.validPlatform(platform) {
		writeError(w, http.StatusBadRequest, "unknown platform "+platform)
		return
	}
	s.streamSSE(w, r, events.PlatformChannel(platform))
}

// streamSSE subscribes the connection to a channel and writes events until
// the client goes away. Disconnect deterministically unsubscribes — a
// leaked subscription would degrade every later broadcast.
func (s *Server) streamSSE(w http.ResponseWriter, r *http.Request, channel string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	sub := newSSESubscriber(64)
	id := uuid.NewString()
	s.events.Subscribe(channel, id, sub)
	defer func() {
		s.events.Unsubscribe(channel, id)
		sub.Close()
	}()

	// Open the stream immediately so proxies and clients see headers.
	fmt.Fprint(w, ": stream open\n\n")
	flusher.Flush()

	keepalive := time.NewTicker(s.keepalive)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-sub.done:
			// Registry shutdown closed us.
			return
		case msg := <-sub.ch:
			fmt.Fprintf(w, "event: %s\n", msg.event)
			fmt.Fprintf(w, "data: %s\n\n", msg.payload)
			flusher.Flush()
		case <-keepalive.C:
			// Keeps idle proxies from cutting the connection; distinct
			// from runner heartbeats.
			fmt.Fprintf(w, "event: %s\ndata: {}\n\n", events.EventHeartbeat)
			flusher.Flush()
		}
	}
}
