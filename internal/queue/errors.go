package queue

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a job ID is unknown.
var ErrNotFound = errors.New("job not found")

// InvalidTransitionError reports an attempted illegal status edge. It is
// distinct from ErrNotFound so callers can map the two to different
// failure responses.
type InvalidTransitionError struct {
	From Status
	To   Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid status transition %s -> %s", e.From, e.To)
}
