package events

// Event names published by the coordinator.
const (
	// EventJobCreated is broadcast on a platform channel when a new job is
	// submitted for that platform.
	EventJobCreated = "job:created"
	// EventJobStatus is broadcast on a job channel after every status change.
	EventJobStatus = "job:status"
	// EventJobLog carries runner build output, forwarded verbatim.
	EventJobLog = "job:log"
	// EventJobArtifact announces an uploaded artifact.
	EventJobArtifact = "job:artifact"
	// EventHeartbeat is the content-free stream keepalive. It is unrelated
	// to runner heartbeats.
	EventHeartbeat = "heartbeat"
)

// JobChannel names the broadcast channel watched by a job's submitter.
func JobChannel(jobID string) string { return "job:" + jobID }

// PlatformChannel names the broadcast channel watched by runners waiting
// for work on a platform.
func PlatformChannel(platform string) string { return "platform:" + platform }

// StatusPayload is the wire shape of EventJobStatus.
type StatusPayload struct {
	JobID    string `json:"jobId"`
	Status   string `json:"status"`
	Error    string `json:"error,omitempty"`
	ExitCode *int   `json:"exitCode,omitempty"`
}

// LogPayload is the wire shape of EventJobLog. Stream discriminates
// "stdout" from "stderr".
type LogPayload struct {
	JobID  string `json:"jobId"`
	Stream string `json:"stream"`
	Data   string `json:"data"`
}

// ArtifactPayload is the wire shape of EventJobArtifact.
type ArtifactPayload struct {
	JobID    string `json:"jobId"`
	Filename string `json:"filename"`
}

// CreatedPayload is the wire shape of EventJobCreated; Job is the full job
// object as served by the jobs API.
type CreatedPayload struct {
	Job any `json:"job"`
}
