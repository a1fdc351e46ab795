package domain

import "time"

// JobState enumerates the generation job lifecycle. Transitions only move
// forward: pending -> generating -> completed | failed. Terminal states are
// sticky; the repository enforces this with conditional writes.
type JobState string

const (
	JobStatePending    JobState = "pending"
	JobStateGenerating JobState = "generating"
	JobStateCompleted  JobState = "completed"
	JobStateFailed     JobState = "failed"
)

// Terminal reports whether the state admits no further transitions.
func (s JobState) Terminal() bool {
	return s == JobStateCompleted || s == JobStateFailed
}

// TrackParams is the normalized generation request. Validation happens at the
// HTTP layer; by the time a job is created these are trusted values.
type TrackParams struct {
	Title        string `json:"title,omitempty"`
	Tags         string `json:"tags"`
	Lyrics       string `json:"lyrics"`
	Instrumental bool   `json:"instrumental,omitempty"`
	ModelVersion string `json:"model_version,omitempty"`
}

// TrackResult is the durable outcome of a completed job. DurableURL points at
// our own storage, never at the provider's transient URL.
type TrackResult struct {
	DurableURL      string  `json:"durable_url"`
	PreviewURL      string  `json:"preview_url,omitempty"`
	Title           string  `json:"title,omitempty"`
	DurationSeconds float64 `json:"duration_seconds,omitempty"`
}

// GenerationJob tracks one remote generation request from submission to a
// terminal state. RemoteTaskID is assigned exactly once, at the
// pending -> generating transition, and is the sole correlation key used by
// both the webhook and the poll path.
type GenerationJob struct {
	ID           string
	OwnerID      string
	State        JobState
	RemoteTaskID string
	Fingerprint  string
	Params       TrackParams
	Country      string
	// SourceURL records the transient provider URL the artifact came from.
	// It is the identity used to suppress duplicate fan-out of alternate
	// takes on webhook redelivery.
	SourceURL     string
	PrimaryResult *TrackResult
	FailureReason string
	AssetID       string
	PlaybackID    string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
