// Package cleanup reaps jobs older than the retention window together with
// their stored files. A job's lifetime owns its bundle and artifacts, so the
// sweeper always deletes files before dropping the record.
package cleanup

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"buildrelay/internal/queue"
	"buildrelay/internal/storage"
)

// DefaultRetention is how long finished jobs are kept around.
const DefaultRetention = 24 * time.Hour

// Sweeper removes expired jobs and their files.
type Sweeper struct {
	queue *queue.Queue
	store *storage.Store
	log   *slog.Logger

	mu        sync.RWMutex
	retention time.Duration
}

// New creates a Sweeper. A non-positive retention falls back to the default.
func New(q *queue.Queue, store *storage.Store, logger *slog.Logger, retention time.Duration) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Sweeper{queue: q, store: store, log: logger, retention: retention}
}

// Retention returns the current retention window.
func (s *Sweeper) Retention() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.retention
}

// SetRetention changes the retention window at runtime; the next tick uses
// the new value.
func (s *Sweeper) SetRetention(d time.Duration) {
	if d <= 0 {
		return
	}
	s.mu.Lock()
	s.retention = d
	s.mu.Unlock()
}

// RunOnce performs one sweep and returns how many jobs were removed. It is
// the manual entry point; the daemon also schedules it on a timer. Jobs
// still claimed or building are never reaped regardless of age, and a file
// deletion failure is logged but does not keep the job record alive.
func (s *Sweeper) RunOnce(ctx context.Context) int {
	removed := 0
	for _, job := range s.queue.OlderThan(s.Retention()) {
		if ctx.Err() != nil {
			break
		}
		if job.Status.InFlight() {
			continue
		}
		if err := s.store.DeleteJobFiles(job.ID); err != nil {
			s.log.Warn("cleanup could not delete job files", "job", job.ID, "error", err)
		}
		if s.queue.Delete(job.ID) {
			removed++
			s.log.Info("expired job removed", "job", job.ID, "status", job.Status, "created_at", job.CreatedAt)
		}
	}
	return removed
}
