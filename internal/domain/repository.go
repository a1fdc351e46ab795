package domain

import (
	"context"
	"time"
)

// JobRepository defines persistence for generation jobs. State transitions
// are expressed as conditional writes keyed on the current state so that the
// webhook path, the poll path and the sweeper can race safely across
// processes; the swapped return reports whether this caller won the write.
type JobRepository interface {
	Create(ctx context.Context, job *GenerationJob) error
	GetByID(ctx context.Context, id string) (*GenerationJob, error)
	GetByRemoteTaskID(ctx context.Context, taskID string) (*GenerationJob, error)

	// FindRecentByFingerprint returns a job from the same owner with the same
	// request fingerprint created at or after since, or ErrNotFound.
	FindRecentByFingerprint(ctx context.Context, ownerID, fingerprint string, since time.Time) (*GenerationJob, error)

	// MarkGenerating moves pending -> generating and records the remote task
	// id. The task id is written exactly once.
	MarkGenerating(ctx context.Context, id, remoteTaskID string) (swapped bool, err error)

	// CompleteFromGenerating moves generating -> completed, storing the
	// primary result and its transient source identity.
	CompleteFromGenerating(ctx context.Context, id string, result *TrackResult, sourceURL string) (swapped bool, err error)

	// MarkFailed moves a non-terminal job to failed with a reason.
	MarkFailed(ctx context.Context, id, reason string) (swapped bool, err error)

	// Touch bumps updated_at without changing state.
	Touch(ctx context.Context, id string) error

	// ExistsByOwnerSource reports whether the owner already has a record for
	// the given transient source URL.
	ExistsByOwnerSource(ctx context.Context, ownerID, sourceURL string) (bool, error)

	// ListStaleGenerating returns jobs still generating whose last update is
	// older than cutoff, oldest first.
	ListStaleGenerating(ctx context.Context, cutoff time.Time, limit int) ([]GenerationJob, error)

	// SetPlayback writes transcode identifiers back onto a completed job.
	SetPlayback(ctx context.Context, id, assetID, playbackID string) error
}

// QuotaService gates and accounts for generation usage. TryConsume is
// consulted before submission; Commit is called exactly once after the job
// reaches generating.
type QuotaService interface {
	TryConsume(ctx context.Context, ownerID string) (allowed bool, reason string, err error)
	Commit(ctx context.Context, ownerID string) error
}
