// Package queue implements the in-memory job table and status state machine
// for the build coordinator. All mutation goes through a single mutex so
// concurrent claim attempts never race, and the package performs no I/O:
// callers publish events after a successful mutation.
package queue

import "time"

// Status is a job lifecycle state.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusClaimed   Status = "claimed"
	StatusBuilding  Status = "building"
	StatusSuccess   Status = "success"
	StatusError     Status = "error"
	StatusCancelled Status = "cancelled"
)

// transitions is the set of legal status edges. Terminal states have no
// outgoing edges and queued is never re-entered.
var transitions = map[Status][]Status{
	StatusQueued:   {StatusClaimed, StatusCancelled},
	StatusClaimed:  {StatusBuilding, StatusError, StatusCancelled},
	StatusBuilding: {StatusSuccess, StatusError, StatusCancelled},
}

// Known reports whether s is a recognized status value.
func (s Status) Known() bool {
	switch s {
	case StatusQueued, StatusClaimed, StatusBuilding, StatusSuccess, StatusError, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether s has no outgoing transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusError, StatusCancelled:
		return true
	}
	return false
}

// CanTransitionTo reports whether the edge s -> next is legal.
func (s Status) CanTransitionTo(next Status) bool {
	for _, t := range transitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// InFlight reports whether a job in this status is actively held by a
// runner. In-flight jobs are never reaped by the cleanup sweeper.
func (s Status) InFlight() bool {
	return s == StatusClaimed || s == StatusBuilding
}

// Job is one unit of submitted work.
type Job struct {
	ID           string    `json:"id"`
	Status       Status    `json:"status"`
	Platform     string    `json:"platform"`
	Profile      string    `json:"profile"`
	Flags        []string  `json:"flags,omitempty"`
	Submitter    string    `json:"submitter,omitempty"`
	ClaimedBy    string    `json:"claimed_by,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	Error        string    `json:"error,omitempty"`
	ExitCode     *int      `json:"exit_code,omitempty"`
	BundleFile   string    `json:"bundle_file,omitempty"`
	ArtifactFile string    `json:"artifact_file,omitempty"`
}

// clone returns a copy safe to hand outside the queue mutex. The flags
// slice and exit code are duplicated so callers cannot alias queue state.
func (j *Job) clone() *Job {
	c := *j
	if j.Flags != nil {
		c.Flags = append([]string(nil), j.Flags...)
	}
	if j.ExitCode != nil {
		code := *j.ExitCode
		c.ExitCode = &code
	}
	return &c
}
