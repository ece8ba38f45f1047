package api

import (
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"buildrelay/internal/events"
	"buildrelay/internal/queue"
)

// createJobFields is the multipart metadata accompanying a bundle upload.
type createJobFields struct {
	platform  string
	profile   string
	flags     []string
	submitter string
}

// handleCreateJob accepts a multipart submission: metadata fields first,
// then the bundle file part. The bundle is streamed straight into storage,
// so it must come after the fields it depends on; a bundle part seen before
// a platform field is rejected rather than buffered.
func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	mr, err := r.MultipartReader()
	if err != nil {
		writeError(w, http.StatusBadRequest, "multipart body required")
		return
	}

	var fields createJobFields
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "bundle file part is required")
			return
		}
		if err != nil {
			writeError(w, http.StatusBadRequest, "malformed multipart body")
			return
		}

		if part.FormName() != "bundle" {
			if err := readField(part, &fields); err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			continue
		}

		s.createJobFromBundle(w, fields, part)
		return
	}
}

func readField(part *multipart.Part, fields *createJobFields) error {
	// Metadata fields are tiny; cap reads defensively anyway.
	data, err := io.ReadAll(io.LimitReader(part, 4<<10))
	if err != nil {
		return errors.New("unreadable form field")
	}
	value := string(data)

	switch part.FormName() {
	case "platform":
		fields.platform = value
	case "profile":
		fields.profile = value
	case "flags":
		fields.flags = append(fields.flags, value)
	case "submitter":
		fields.submitter = value
	}
	return nil
}

func (s *Server) createJobFromBundle(w http.ResponseWriter, fields createJobFields, bundle *multipart.Part) {
	if !s.validPlatform(fields.platform) {
		writeError(w, http.StatusBadRequest, "unknown platform (metadata fields must precede the bundle part)")
		return
	}
	if fields.profile == "" {
		fields.profile = "default"
	}

	job := s.queue.Create(fields.platform, fields.profile, fields.flags, fields.submitter)

	if _, err := s.store.SaveBundle(job.ID, bundle); err != nil {
		// The submission owns its files; a failed upload removes the record.
		s.queue.Delete(job.ID)
		s.writeStorageError(w, err)
		return
	}
	if err := s.queue.SetBundleFile(job.ID, job.ID+".tar.gz"); err != nil {
		s.writeQueueError(w, err)
		return
	}

	job, _ = s.queue.Get(job.ID)
	s.events.Publish(events.PlatformChannel(job.Platform), events.EventJobCreated,
		events.CreatedPayload{Job: job})

	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	f := queue.Filter{
		Platform: r.URL.Query().Get("platform"),
		Limit:    100,
	}
	if st := r.URL.Query().Get("status"); st != "" {
		status := queue.Status(st)
		if !status.Known() {
			writeError(w, http.StatusBadRequest, "unknown status "+st)
			return
		}
		f.Status = status
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		f.Limit = n
	}

	writeJSON(w, http.StatusOK, s.queue.List(f))
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.queue.Get(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

type claimRequest struct {
	Platform string `json:"platform"`
	RunnerID string `json:"runner_id"`
}

// handleClaimJob hands the oldest eligible job to a runner. 204 means the
// queue has nothing for this platform — that is not an error.
func (s *Server) handleClaimJob(w http.ResponseWriter, r *http.Request) {
	var req claimRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !s.validPlatform(req.Platform) {
		writeError(w, http.StatusBadRequest, "unknown platform "+req.Platform)
		return
	}
	if req.RunnerID == "" {
		writeError(w, http.StatusBadRequest, "runner_id is required")
		return
	}

	job := s.queue.ClaimNext(req.Platform, req.RunnerID)
	if job == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	s.publishStatus(job)
	writeJSON(w, http.StatusOK, job)
}

type statusRequest struct {
	Status       string  `json:"status"`
	Error        *string `json:"error,omitempty"`
	ExitCode     *int    `json:"exit_code,omitempty"`
	ArtifactFile *string `json:"artifact_file,omitempty"`
}

func (s *Server) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	next := queue.Status(req.Status)
	if !next.Known() {
		writeError(w, http.StatusBadRequest, "unknown status "+req.Status)
		return
	}

	job, err := s.queue.UpdateStatus(chi.URLParam(r, "id"), next, queue.Update{
		Error:        req.Error,
		ExitCode:     req.ExitCode,
		ArtifactFile: req.ArtifactFile,
	})
	if err != nil {
		s.writeQueueError(w, err)
		return
	}

	s.publishStatus(job)
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.queue.UpdateStatus(chi.URLParam(r, "id"), queue.StatusCancelled, queue.Update{})
	if err != nil {
		s.writeQueueError(w, err)
		return
	}

	s.publishStatus(job)
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := s.queue.Get(id); !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}

	if err := s.store.DeleteJobFiles(id); err != nil {
		s.log.Warn("could not delete job files", "job", id, "error", err)
	}
	s.queue.Delete(id)
	w.WriteHeader(http.StatusNoContent)
}

type logRequest struct {
	Stream string `json:"stream"`
	Data   string `json:"data"`
}

// handlePushLogs forwards runner build output verbatim to the job's
// watchers. Log lines are not retained server-side.
func (s *Server) handlePushLogs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := s.queue.Get(id); !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}

	var req logRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Stream != "stdout" && req.Stream != "stderr" {
		writeError(w, http.StatusBadRequest, "stream must be stdout or stderr")
		return
	}

	s.events.Publish(events.JobChannel(id), events.EventJobLog, events.LogPayload{
		JobID:  id,
		Stream: req.Stream,
		Data:   req.Data,
	})
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleDownloadBundle(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := s.queue.Get(id); !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}

	path, err := s.store.BundlePath(id)
	if err != nil {
		s.writeStorageError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/gzip")
	http.ServeFile(w, r, path)
}

// handleUploadArtifact streams the request body into artifact storage. The
// original filename travels in the `filename` query parameter so the body
// can stay a raw byte stream.
func (s *Server) handleUploadArtifact(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := s.queue.Get(id); !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}

	filename := r.URL.Query().Get("filename")
	if filename == "" {
		writeError(w, http.StatusBadRequest, "filename query parameter is required")
		return
	}

	if _, err := s.store.SaveArtifact(id, filename, r.Body); err != nil {
		s.writeStorageError(w, err)
		return
	}
	stored, err := s.store.StoredName(id, filename)
	if err != nil {
		s.writeStorageError(w, err)
		return
	}
	if err := s.queue.SetArtifactFile(id, stored); err != nil {
		s.writeQueueError(w, err)
		return
	}

	s.events.Publish(events.JobChannel(id), events.EventJobArtifact, events.ArtifactPayload{
		JobID:    id,
		Filename: stored,
	})

	writeJSON(w, http.StatusCreated, map[string]string{"filename": stored})
}

func (s *Server) handleDownloadArtifact(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	filename := chi.URLParam(r, "filename")

	path, err := s.store.ArtifactPath(id, trimStoredPrefix(id, filename))
	if err != nil {
		s.writeStorageError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	http.ServeFile(w, r, path)
}

// trimStoredPrefix accepts both the original artifact name and the stored
// `<jobID>_name` form announced in job:artifact events.
func trimStoredPrefix(jobID, filename string) string {
	prefix := jobID + "_"
	if len(filename) > len(prefix) && filename[:len(prefix)] == prefix {
		return filename[len(prefix):]
	}
	return filename
}

type heartbeatRequest struct {
	RunnerID  string   `json:"runner_id"`
	Hostname  string   `json:"hostname"`
	Platforms []string `json:"platforms"`
}

func (s *Server) handleRunnerHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.RunnerID == "" {
		writeError(w, http.StatusBadRequest, "runner_id is required")
		return
	}

	runner := s.runners.Heartbeat(req.RunnerID, req.Hostname, req.Platforms)
	writeJSON(w, http.StatusOK, runner)
}

func (s *Server) handleListRunners(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.runners.List())
}

type statsResponse struct {
	Jobs        map[queue.Status]int `json:"jobs"`
	Runners     int                  `json:"runners"`
	Subscribers int                  `json:"subscribers"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statsResponse{
		Jobs:        s.queue.Stats(),
		Runners:     s.runners.Count(),
		Subscribers: s.events.SubscriberCount(),
	})
}

// publishStatus broadcasts a job's current status on its job channel.
// Mutation first, broadcast second — the queue itself never does I/O.
func (s *Server) publishStatus(job *queue.Job) {
	s.events.Publish(events.JobChannel(job.ID), events.EventJobStatus, events.StatusPayload{
		JobID:    job.ID,
		Status:   string(job.Status),
		Error:    job.Error,
		ExitCode: job.ExitCode,
	})
}

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errors.New("invalid JSON body")
	}
	return nil
}
