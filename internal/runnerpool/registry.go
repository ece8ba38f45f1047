// Package runnerpool tracks registered build runners and their liveness.
// Runners are remote agents the coordinator cannot control; all it knows is
// what they report through periodic heartbeats. A runner that misses the
// active threshold is reported inactive, and one silent past the stale
// threshold is removed outright — its identifier may be reused later.
package runnerpool

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

const (
	// DefaultActiveThreshold is how recent a heartbeat must be for a
	// runner to count as active.
	DefaultActiveThreshold = 90 * time.Second
	// DefaultStaleThreshold is how long a runner may stay silent before
	// the sweep removes it entirely.
	DefaultStaleThreshold = 5 * time.Minute
)

// Runner is one registered execution agent.
type Runner struct {
	ID        string    `json:"id"`
	Hostname  string    `json:"hostname"`
	Platforms []string  `json:"platforms"`
	LastSeen  time.Time `json:"last_seen"`
}

// RunnerStatus is a Runner with its derived liveness flag.
type RunnerStatus struct {
	Runner
	Active bool `json:"active"`
}

// Registry is the in-memory runner table.
type Registry struct {
	mu      sync.RWMutex
	runners map[string]*Runner

	active time.Duration
	stale  time.Duration
	log    *slog.Logger
}

// NewRegistry creates a registry. Non-positive thresholds fall back to the
// defaults.
func NewRegistry(logger *slog.Logger, active, stale time.Duration) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if active <= 0 {
		active = DefaultActiveThreshold
	}
	if stale <= 0 {
		stale = DefaultStaleThreshold
	}
	return &Registry{
		runners: make(map[string]*Runner),
		active:  active,
		stale:   stale,
		log:     logger,
	}
}

// Heartbeat upserts a runner: first sight creates it, later beats refresh
// hostname, platforms and the timestamp. An empty platform list is a valid
// "going away" signal and is recorded as-is; the stale sweep retires the
// record later.
func (r *Registry) Heartbeat(id, hostname string, platforms []string) Runner {
	r.mu.Lock()
	defer r.mu.Unlock()

	run, ok := r.runners[id]
	if !ok {
		run = &Runner{ID: id}
		r.runners[id] = run
		r.log.Info("runner registered", "runner", id, "hostname", hostname, "platforms", platforms)
	}
	run.Hostname = hostname
	run.Platforms = append([]string(nil), platforms...)
	run.LastSeen = time.Now().UTC()
	return *run
}

// List returns all runners sorted by ID, each with its derived active flag.
func (r *Registry) List() []RunnerStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := time.Now().UTC()
	out := make([]RunnerStatus, 0, len(r.runners))
	for _, run := range r.runners {
		c := *run
		c.Platforms = append([]string(nil), run.Platforms...)
		out = append(out, RunnerStatus{
			Runner: c,
			Active: now.Sub(run.LastSeen) < r.active,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Remove deletes a runner record and reports whether it existed.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.runners[id]; !ok {
		return false
	}
	delete(r.runners, id)
	return true
}

// Count returns the number of known runners, live or not.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.runners)
}

// HasActiveRunnerFor reports whether any active runner can build the
// platform. Informational only — dispatch never depends on it.
func (r *Registry) HasActiveRunnerFor(platform string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := time.Now().UTC()
	for _, run := range r.runners {
		if now.Sub(run.LastSeen) >= r.active {
			continue
		}
		for _, p := range run.Platforms {
			if p == platform {
				return true
			}
		}
	}
	return false
}

// SweepStale removes every runner whose last heartbeat exceeds the stale
// threshold and returns how many were removed.
func (r *Registry) SweepStale() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().UTC().Add(-r.stale)
	removed := 0
	for id, run := range r.runners {
		if run.LastSeen.Before(cutoff) {
			delete(r.runners, id)
			removed++
			r.log.Info("runner removed after stale timeout", "runner", id, "last_seen", run.LastSeen)
		}
	}
	return removed
}
