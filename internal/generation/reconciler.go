package generation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"trackforge/internal/domain"
	"trackforge/internal/infra"
)

// RemoteClient is the generation provider contract the reconciler consumes.
type RemoteClient interface {
	Submit(ctx context.Context, params domain.TrackParams) (string, error)
	Status(ctx context.Context, taskID string) (domain.RemoteStatus, error)
}

// Ingestor converts a transient remote URL into a durable reference.
type Ingestor interface {
	Ingest(ctx context.Context, sourceURL, destKey string) (string, error)
}

// TranscodeEnqueuer hands a durably stored artifact to the transcode manager.
// Optional; a nil enqueuer disables the handoff.
type TranscodeEnqueuer interface {
	Enqueue(sourceJobID, artifactURL string)
}

// Service owns the generation job state machine. Both completion paths
// (webhook push and status poll) funnel into Reconcile, which is idempotent
// and commutative: whichever path observes completion first wins, the other
// becomes a no-op. Correctness under concurrent callers rests on the
// repository's conditional writes, not on in-process locking.
type Service struct {
	repo       domain.JobRepository
	quota      domain.QuotaService
	client     RemoteClient
	ingestor   Ingestor
	transcoder TranscodeEnqueuer
	logger     infra.Logger
	dupWindow  time.Duration
}

// Options bundle the service dependencies.
type Options struct {
	Repo       domain.JobRepository
	Quota      domain.QuotaService
	Client     RemoteClient
	Ingestor   Ingestor
	Transcoder TranscodeEnqueuer
	Logger     infra.Logger
	// DuplicateWindow is how long an identical submission from the same
	// owner is rejected as already in flight.
	DuplicateWindow time.Duration
}

// NewService constructs the reconciler.
func NewService(opts Options) *Service {
	dupWindow := opts.DuplicateWindow
	if dupWindow <= 0 {
		dupWindow = 10 * time.Second
	}
	return &Service{
		repo:       opts.Repo,
		quota:      opts.Quota,
		client:     opts.Client,
		ingestor:   opts.Ingestor,
		transcoder: opts.Transcoder,
		logger:     opts.Logger,
		dupWindow:  dupWindow,
	}
}

// SubmitJob creates a job record, submits it to the remote provider and moves
// it to generating. Exactly one quota commit happens per successful
// transition into generating.
func (s *Service) SubmitJob(ctx context.Context, ownerID string, params domain.TrackParams, country string) (*domain.GenerationJob, error) {
	allowed, reason, err := s.quota.TryConsume(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("quota check: %w", err)
	}
	if !allowed {
		if reason == "" {
			reason = "quota exhausted"
		}
		return nil, fmt.Errorf("%w: %s", domain.ErrQuotaExceeded, reason)
	}

	fingerprint := Fingerprint(ownerID, params)
	since := time.Now().Add(-s.dupWindow)
	if existing, err := s.repo.FindRecentByFingerprint(ctx, ownerID, fingerprint, since); err == nil && existing != nil {
		return existing, domain.ErrDuplicateSubmission
	} else if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("fingerprint lookup: %w", err)
	}

	job := &domain.GenerationJob{
		ID:          uuid.NewString(),
		OwnerID:     ownerID,
		State:       domain.JobStatePending,
		Fingerprint: fingerprint,
		Params:      params,
		Country:     strings.ToUpper(strings.TrimSpace(country)),
	}
	if err := s.repo.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	taskID, err := s.client.Submit(ctx, params)
	if err != nil {
		if _, ferr := s.repo.MarkFailed(ctx, job.ID, err.Error()); ferr != nil {
			s.logger.Error().Err(ferr).Str("job_id", job.ID).Msg("generation: mark failed after submit error")
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrRemoteSubmission, err)
	}

	swapped, err := s.repo.MarkGenerating(ctx, job.ID, taskID)
	if err != nil {
		return nil, fmt.Errorf("mark generating: %w", err)
	}
	if swapped {
		if err := s.quota.Commit(ctx, ownerID); err != nil {
			s.logger.Error().Err(err).Str("owner_id", ownerID).Msg("generation: quota commit failed")
		}
	}

	s.logger.Info().
		Str("job_id", job.ID).
		Str("task_id", taskID).
		Str("country", job.Country).
		Msg("generation: job submitted")
	return s.repo.GetByID(ctx, job.ID)
}

// Poll fetches the remote status for a generating job and reconciles it.
// Retryable errors, whether from the status check or from artifact ingestion,
// are swallowed: the caller simply observes generating until a later poll or
// a webhook delivery succeeds. Inviting a retry is the webhook path's job.
func (s *Service) Poll(ctx context.Context, jobID string) (*domain.GenerationJob, error) {
	job, err := s.repo.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.State != domain.JobStateGenerating || job.RemoteTaskID == "" {
		return job, nil
	}
	st, err := s.client.Status(ctx, job.RemoteTaskID)
	if err != nil {
		s.logger.Warn().Err(err).Str("job_id", job.ID).Msg("generation: status check failed")
		return job, nil
	}
	reconciled, err := s.Reconcile(ctx, job.ID, st)
	if err != nil && domain.IsRetryableIngest(err) {
		s.logger.Warn().Err(err).Str("job_id", job.ID).Msg("generation: ingest pending retry")
		return reconciled, nil
	}
	return reconciled, err
}

// Reconcile applies a normalized remote status to a job. Calling it twice
// with the same completion, or once from each path in either order, leaves
// the store in the same final state with at most one primary ingestion.
func (s *Service) Reconcile(ctx context.Context, jobID string, st domain.RemoteStatus) (*domain.GenerationJob, error) {
	job, err := s.repo.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}

	if job.State.Terminal() {
		if st.Outcome == domain.OutcomeFailure && job.State == domain.JobStateCompleted {
			s.logger.Warn().
				Str("job_id", job.ID).
				Str("task_id", job.RemoteTaskID).
				Msg("generation: failure reported for completed job, ignoring")
		}
		return job, nil
	}

	switch st.Outcome {
	case domain.OutcomeInProgress:
		if err := s.repo.Touch(ctx, job.ID); err != nil {
			s.logger.Warn().Err(err).Str("job_id", job.ID).Msg("generation: touch failed")
		}
		return job, nil

	case domain.OutcomeFailure:
		reason := st.Reason
		if reason == "" {
			reason = "remote generation failed"
		}
		if _, err := s.repo.MarkFailed(ctx, job.ID, reason); err != nil {
			return nil, fmt.Errorf("mark failed: %w", err)
		}
		return s.repo.GetByID(ctx, job.ID)

	case domain.OutcomeSuccess:
		if len(st.Results) == 0 {
			if _, err := s.repo.MarkFailed(ctx, job.ID, "remote success without results"); err != nil {
				return nil, fmt.Errorf("mark failed: %w", err)
			}
			return s.repo.GetByID(ctx, job.ID)
		}
		return s.complete(ctx, job, st.Results)

	default:
		return job, fmt.Errorf("unknown remote outcome %q", st.Outcome)
	}
}

func (s *Service) complete(ctx context.Context, job *domain.GenerationJob, results []domain.ResultDescriptor) (*domain.GenerationJob, error) {
	primary := results[0]
	destKey := artifactKey(job.ID, primary.MIME, 0)
	durableURL, err := s.ingestor.Ingest(ctx, primary.SourceURL, destKey)
	if err != nil {
		if errors.Is(err, domain.ErrArtifactTooLarge) {
			// Oversize artifacts never shrink on retry; fail with a distinct
			// reason the UI can explain.
			if _, ferr := s.repo.MarkFailed(ctx, job.ID, "generated artifact exceeds the size limit"); ferr != nil {
				return job, fmt.Errorf("mark failed: %w", ferr)
			}
			return s.repo.GetByID(ctx, job.ID)
		}
		// The job stays generating; the webhook path answers retry-inviting
		// and the poll path tries again on the next tick.
		return job, fmt.Errorf("ingest primary: %w", err)
	}

	result := &domain.TrackResult{
		DurableURL:      durableURL,
		PreviewURL:      primary.PreviewURL,
		Title:           displayTitle(primary.Title, job.Params.Title),
		DurationSeconds: primary.DurationSeconds,
	}
	swapped, err := s.repo.CompleteFromGenerating(ctx, job.ID, result, primary.SourceURL)
	if err != nil {
		return job, fmt.Errorf("complete job: %w", err)
	}
	if !swapped {
		// Another path won the conditional write; it owns fan-out too.
		return s.repo.GetByID(ctx, job.ID)
	}

	s.fanOutAlternates(ctx, job, results[1:])

	if s.transcoder != nil {
		s.transcoder.Enqueue(job.ID, durableURL)
	}

	s.logger.Info().
		Str("job_id", job.ID).
		Int("alternates", len(results)-1).
		Msg("generation: job completed")
	return s.repo.GetByID(ctx, job.ID)
}

// fanOutAlternates turns extra remote takes into independent completed
// library records for the same owner. Failures here are isolated: nothing in
// this path may disturb the primary job's completed state.
func (s *Service) fanOutAlternates(ctx context.Context, job *domain.GenerationJob, alternates []domain.ResultDescriptor) {
	for i, alt := range alternates {
		if strings.TrimSpace(alt.SourceURL) == "" {
			continue
		}
		exists, err := s.repo.ExistsByOwnerSource(ctx, job.OwnerID, alt.SourceURL)
		if err != nil {
			s.logger.Error().Err(err).Str("job_id", job.ID).Msg("generation: alternate dedupe check failed")
			continue
		}
		if exists {
			continue
		}

		altID := uuid.NewString()
		durableURL, err := s.ingestor.Ingest(ctx, alt.SourceURL, artifactKey(altID, alt.MIME, i+1))
		if err != nil {
			s.logger.Error().Err(err).Str("job_id", job.ID).Str("source_url", alt.SourceURL).Msg("generation: alternate ingest failed")
			continue
		}

		record := &domain.GenerationJob{
			ID:      altID,
			OwnerID: job.OwnerID,
			State:   domain.JobStateCompleted,
			Params:  job.Params,
			Country: job.Country,
			// Identity for webhook-redelivery dedupe; no remote task id so
			// the correlation key stays unique to the original job.
			SourceURL: alt.SourceURL,
			PrimaryResult: &domain.TrackResult{
				DurableURL:      durableURL,
				PreviewURL:      alt.PreviewURL,
				Title:           displayTitle(alt.Title, job.Params.Title),
				DurationSeconds: alt.DurationSeconds,
			},
		}
		if err := s.repo.Create(ctx, record); err != nil {
			s.logger.Error().Err(err).Str("job_id", job.ID).Msg("generation: alternate record create failed")
		}
	}
}

func artifactKey(jobID, mime string, index int) string {
	return fmt.Sprintf("tracks/%s/take-%02d%s", jobID, index+1, extensionForMIME(mime))
}

func extensionForMIME(mime string) string {
	switch strings.ToLower(strings.TrimSpace(mime)) {
	case "audio/mpeg", "audio/mp3":
		return ".mp3"
	case "audio/wav", "audio/x-wav":
		return ".wav"
	case "video/mp4":
		return ".mp4"
	case "image/png":
		return ".png"
	case "image/jpeg", "image/jpg":
		return ".jpg"
	default:
		return ".bin"
	}
}
