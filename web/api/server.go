// Package api exposes the coordination core over HTTP: job submission and
// claiming, bundle and artifact transfer, runner heartbeats, and live event
// streams for submitters and runners. Handlers translate between the wire
// and the in-memory components; all coordination rules live in the
// internal packages.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"buildrelay/internal/events"
	"buildrelay/internal/queue"
	"buildrelay/internal/runnerpool"
	"buildrelay/internal/storage"
)

// Options configures the API server.
type Options struct {
	Addr      string
	AuthToken string
	Platforms []string
	Keepalive time.Duration
}

// Server is the HTTP API server.
type Server struct {
	queue   *queue.Queue
	runners *runnerpool.Registry
	events  *events.Registry
	store   *storage.Store
	log     *slog.Logger

	addr      string
	platforms map[string]bool
	keepalive time.Duration

	authMu    sync.RWMutex
	authToken string

	router chi.Router
	http   *http.Server
}

// NewServer wires the coordination components behind the HTTP surface.
func NewServer(opts Options, q *queue.Queue, runners *runnerpool.Registry,
	ev *events.Registry, store *storage.Store, logger *slog.Logger) *Server {

	if logger == nil {
		logger = slog.Default()
	}
	if opts.Keepalive <= 0 {
		opts.Keepalive = 30 * time.Second
	}

	platforms := make(map[string]bool, len(opts.Platforms))
	for _, p := range opts.Platforms {
		platforms[p] = true
	}

	s := &Server{
		queue:     q,
		runners:   runners,
		events:    ev,
		store:     store,
		log:       logger,
		addr:      opts.Addr,
		platforms: platforms,
		keepalive: opts.Keepalive,
		authToken: opts.AuthToken,
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(s.requestLogger)
	r.Use(s.recovery)

	// Health stays reachable without a token.
	r.Get("/healthz", s.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.requireAuth)

		r.Post("/jobs", s.handleCreateJob)
		r.Get("/jobs", s.handleListJobs)
		r.Post("/jobs/claim", s.handleClaimJob)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Delete("/jobs/{id}", s.handleDeleteJob)
		r.Post("/jobs/{id}/cancel", s.handleCancelJob)
		r.Post("/jobs/{id}/status", s.handleUpdateStatus)
		r.Post("/jobs/{id}/logs", s.handlePushLogs)
		r.Get("/jobs/{id}/bundle", s.handleDownloadBundle)
		r.Post("/jobs/{id}/artifacts", s.handleUploadArtifact)
		r.Get("/jobs/{id}/artifacts/{filename}", s.handleDownloadArtifact)
		r.Get("/jobs/{id}/events", s.handleJobEvents)

		r.Get("/events/platforms/{platform}", s.handlePlatformEvents)
		r.Get("/events/platforms/{platform}/ws", s.handlePlatformWS)

		r.Post("/runners/heartbeat", s.handleRunnerHeartbeat)
		r.Get("/runners", s.handleListRunners)

		r.Get("/stats", s.handleStats)
	})

	return r
}

// Handler returns the HTTP handler, exported for httptest use.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start runs the server until ctx is cancelled, then shuts it down
// gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.http = &http.Server{
		Addr:    s.addr,
		Handler: s.router,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.http.ListenAndServe()
	}()

	s.log.Info("api server listening", "addr", s.addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}

// SetAuthToken swaps the bearer token at runtime (config reload).
func (s *Server) SetAuthToken(token string) {
	s.authMu.Lock()
	s.authToken = token
	s.authMu.Unlock()
}

func (s *Server) currentToken() string {
	s.authMu.RLock()
	defer s.authMu.RUnlock()
	return s.authToken
}

func (s *Server) validPlatform(p string) bool {
	return s.platforms[p]
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeQueueError maps queue errors onto the HTTP taxonomy: unknown job is
// 404, an illegal edge is 409 with both statuses named, anything else is a
// generic 500.
func (s *Server) writeQueueError(w http.ResponseWriter, err error) {
	var inv *queue.InvalidTransitionError
	switch {
	case errors.Is(err, queue.ErrNotFound):
		writeError(w, http.StatusNotFound, "job not found")
	case errors.As(err, &inv):
		writeError(w, http.StatusConflict, inv.Error())
	default:
		s.log.Error("unexpected queue error", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// writeStorageError maps storage errors: traversal and bad names are the
// caller's fault, oversize uploads get 413, missing files 404.
func (s *Server) writeStorageError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "file not found")
	case errors.Is(err, storage.ErrTooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, err.Error())
	case errors.Is(err, storage.ErrPathEscape), errors.Is(err, storage.ErrBadName):
		writeError(w, http.StatusBadRequest, "invalid file name")
	default:
		s.log.Error("unexpected storage error", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
