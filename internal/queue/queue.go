package queue

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Queue holds all known jobs. The mutex is scoped strictly to in-memory
// scan/mutate operations; nothing blocking runs while it is held.
type Queue struct {
	mu   sync.Mutex
	jobs map[string]*Job
}

// New creates an empty job queue.
func New() *Queue {
	return &Queue{jobs: make(map[string]*Job)}
}

// Create registers a new queued job and returns a copy of it.
func (q *Queue) Create(platform, profile string, flags []string, submitter string) *Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now().UTC()
	j := &Job{
		ID:        uuid.NewString(),
		Status:    StatusQueued,
		Platform:  platform,
		Profile:   profile,
		Flags:     append([]string(nil), flags...),
		Submitter: submitter,
		CreatedAt: now,
		UpdatedAt: now,
	}
	q.jobs[j.ID] = j
	return j.clone()
}

// ClaimNext atomically claims the oldest queued job for the platform and
// binds it to runnerID. It returns nil when no eligible job exists. Ties on
// creation time break on job ID so the result is deterministic.
func (q *Queue) ClaimNext(platform, runnerID string) *Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	var oldest *Job
	for _, j := range q.jobs {
		if j.Status != StatusQueued || j.Platform != platform {
			continue
		}
		if oldest == nil || j.CreatedAt.Before(oldest.CreatedAt) ||
			(j.CreatedAt.Equal(oldest.CreatedAt) && j.ID < oldest.ID) {
			oldest = j
		}
	}
	if oldest == nil {
		return nil
	}

	oldest.Status = StatusClaimed
	oldest.ClaimedBy = runnerID
	oldest.UpdatedAt = time.Now().UTC()
	return oldest.clone()
}

// Update carries the optional fields of a status update. Nil fields leave
// the previously stored value untouched.
type Update struct {
	Error        *string
	ExitCode     *int
	ArtifactFile *string
}

// UpdateStatus applies a validated status transition plus any optional
// fields, and returns a copy of the updated job. It fails with ErrNotFound
// for unknown IDs and *InvalidTransitionError for illegal edges; on failure
// the stored job is unchanged.
func (q *Queue) UpdateStatus(id string, next Status, upd Update) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	j, ok := q.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !j.Status.CanTransitionTo(next) {
		return nil, &InvalidTransitionError{From: j.Status, To: next}
	}

	j.Status = next
	if upd.Error != nil {
		j.Error = *upd.Error
	}
	if upd.ExitCode != nil {
		code := *upd.ExitCode
		j.ExitCode = &code
	}
	if upd.ArtifactFile != nil {
		j.ArtifactFile = *upd.ArtifactFile
	}
	j.UpdatedAt = time.Now().UTC()
	return j.clone(), nil
}

// SetBundleFile records the stored bundle filename for a job. Called once
// right after the uploaded bundle has been persisted.
func (q *Queue) SetBundleFile(id, filename string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	j, ok := q.jobs[id]
	if !ok {
		return ErrNotFound
	}
	j.BundleFile = filename
	j.UpdatedAt = time.Now().UTC()
	return nil
}

// SetArtifactFile records the stored artifact filename for a job without a
// status transition; runners upload artifacts before reporting success.
func (q *Queue) SetArtifactFile(id, filename string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	j, ok := q.jobs[id]
	if !ok {
		return ErrNotFound
	}
	j.ArtifactFile = filename
	j.UpdatedAt = time.Now().UTC()
	return nil
}

// Get returns a copy of the job, or false if the ID is unknown.
func (q *Queue) Get(id string) (*Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	j, ok := q.jobs[id]
	if !ok {
		return nil, false
	}
	return j.clone(), true
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Status   Status
	Platform string
	Limit    int
}

// List returns matching jobs newest-first.
func (q *Queue) List(f Filter) []*Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*Job, 0, len(q.jobs))
	for _, j := range q.jobs {
		if f.Status != "" && j.Status != f.Status {
			continue
		}
		if f.Platform != "" && j.Platform != f.Platform {
			continue
		}
		out = append(out, j.clone())
	}

	sort.Slice(out, func(i, k int) bool {
		if !out[i].CreatedAt.Equal(out[k].CreatedAt) {
			return out[i].CreatedAt.After(out[k].CreatedAt)
		}
		return out[i].ID > out[k].ID
	})

	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

// Stats returns the job count per status. Every known status is present in
// the result, zero or not, so callers get a stable shape.
func (q *Queue) Stats() map[Status]int {
	q.mu.Lock()
	defer q.mu.Unlock()

	stats := map[Status]int{
		StatusQueued:    0,
		StatusClaimed:   0,
		StatusBuilding:  0,
		StatusSuccess:   0,
		StatusError:     0,
		StatusCancelled: 0,
	}
	for _, j := range q.jobs {
		stats[j.Status]++
	}
	return stats
}

// OlderThan returns copies of all jobs, any status, created before
// now-age. The cleanup sweeper applies its own in-flight exclusion.
func (q *Queue) OlderThan(age time.Duration) []*Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	cutoff := time.Now().UTC().Add(-age)
	var out []*Job
	for _, j := range q.jobs {
		if j.CreatedAt.Before(cutoff) {
			out = append(out, j.clone())
		}
	}
	return out
}

// Delete removes a job record and reports whether it existed.
func (q *Queue) Delete(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.jobs[id]; !ok {
		return false
	}
	delete(q.jobs, id)
	return true
}

// Len returns the number of stored jobs.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}
