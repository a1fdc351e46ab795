package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"trackforge/internal/domain"
)

// JobRepositoryPG implements domain.JobRepository on PostgreSQL. Every state
// transition is a conditional UPDATE keyed on the current state, so racing
// callers (webhook, poll, sweeper, possibly in different processes) resolve
// through the database rather than in-process locks.
type JobRepositoryPG struct {
	pool *pgxpool.Pool
}

// NewJobRepository creates a new job repository backed by PostgreSQL.
func NewJobRepository(pool *pgxpool.Pool) *JobRepositoryPG {
	return &JobRepositoryPG{pool: pool}
}

const jobColumns = `
id, owner_id, state, COALESCE(remote_task_id, ''), COALESCE(fingerprint, ''),
params_json, COALESCE(country, ''), COALESCE(source_url, ''), result_json,
COALESCE(failure_reason, ''), COALESCE(asset_id, ''), COALESCE(playback_id, ''),
created_at, updated_at`

// Create inserts a new job record.
func (r *JobRepositoryPG) Create(ctx context.Context, job *domain.GenerationJob) error {
	paramsJSON, err := json.Marshal(job.Params)
	if err != nil {
		return fmt.Errorf("encode params: %w", err)
	}
	var resultJSON []byte
	if job.PrimaryResult != nil {
		resultJSON, err = json.Marshal(job.PrimaryResult)
		if err != nil {
			return fmt.Errorf("encode result: %w", err)
		}
	}
	query := `
INSERT INTO generation_jobs
  (id, owner_id, state, remote_task_id, fingerprint, params_json, country, source_url, result_json, failure_reason)
VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), $6, NULLIF($7, ''), NULLIF($8, ''), $9, NULLIF($10, ''));
`
	_, err = r.pool.Exec(ctx, query,
		job.ID,
		job.OwnerID,
		job.State,
		job.RemoteTaskID,
		job.Fingerprint,
		paramsJSON,
		job.Country,
		job.SourceURL,
		nullableBytes(resultJSON),
		job.FailureReason,
	)
	return err
}

// GetByID fetches a job by its identifier.
func (r *JobRepositoryPG) GetByID(ctx context.Context, id string) (*domain.GenerationJob, error) {
	query := `SELECT ` + jobColumns + ` FROM generation_jobs WHERE id = $1;`
	return r.scanOne(r.pool.QueryRow(ctx, query, id))
}

// GetByRemoteTaskID fetches the job correlated with a remote task.
func (r *JobRepositoryPG) GetByRemoteTaskID(ctx context.Context, taskID string) (*domain.GenerationJob, error) {
	query := `SELECT ` + jobColumns + ` FROM generation_jobs WHERE remote_task_id = $1;`
	return r.scanOne(r.pool.QueryRow(ctx, query, taskID))
}

// FindRecentByFingerprint returns the newest job matching owner and
// fingerprint created at or after since.
func (r *JobRepositoryPG) FindRecentByFingerprint(ctx context.Context, ownerID, fingerprint string, since time.Time) (*domain.GenerationJob, error) {
	query := `
SELECT ` + jobColumns + `
FROM generation_jobs
WHERE owner_id = $1 AND fingerprint = $2 AND created_at >= $3
ORDER BY created_at DESC
LIMIT 1;
`
	return r.scanOne(r.pool.QueryRow(ctx, query, ownerID, fingerprint, since))
}

// MarkGenerating moves pending -> generating and records the remote task id.
func (r *JobRepositoryPG) MarkGenerating(ctx context.Context, id, remoteTaskID string) (bool, error) {
	query := `
UPDATE generation_jobs
SET state = 'generating', remote_task_id = $2, updated_at = NOW()
WHERE id = $1 AND state = 'pending';
`
	tag, err := r.pool.Exec(ctx, query, id, remoteTaskID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// CompleteFromGenerating is the single write that flips a job to completed.
func (r *JobRepositoryPG) CompleteFromGenerating(ctx context.Context, id string, result *domain.TrackResult, sourceURL string) (bool, error) {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return false, fmt.Errorf("encode result: %w", err)
	}
	query := `
UPDATE generation_jobs
SET state = 'completed', result_json = $2, source_url = NULLIF($3, ''), updated_at = NOW()
WHERE id = $1 AND state = 'generating';
`
	tag, err := r.pool.Exec(ctx, query, id, resultJSON, sourceURL)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// MarkFailed moves a non-terminal job to failed.
func (r *JobRepositoryPG) MarkFailed(ctx context.Context, id, reason string) (bool, error) {
	query := `
UPDATE generation_jobs
SET state = 'failed', failure_reason = $2, updated_at = NOW()
WHERE id = $1 AND state IN ('pending', 'generating');
`
	tag, err := r.pool.Exec(ctx, query, id, reason)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// Touch bumps updated_at without changing state.
func (r *JobRepositoryPG) Touch(ctx context.Context, id string) error {
	_, err := r.pool.Exec(ctx, `UPDATE generation_jobs SET updated_at = NOW() WHERE id = $1;`, id)
	return err
}

// ExistsByOwnerSource reports whether the owner already has a record for the
// given transient source URL.
func (r *JobRepositoryPG) ExistsByOwnerSource(ctx context.Context, ownerID, sourceURL string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM generation_jobs WHERE owner_id = $1 AND source_url = $2);`,
		ownerID, sourceURL,
	).Scan(&exists)
	return exists, err
}

// ListStaleGenerating returns generating jobs last updated before cutoff,
// oldest first.
func (r *JobRepositoryPG) ListStaleGenerating(ctx context.Context, cutoff time.Time, limit int) ([]domain.GenerationJob, error) {
	query := `
SELECT ` + jobColumns + `
FROM generation_jobs
WHERE state = 'generating' AND updated_at < $1
ORDER BY updated_at ASC
LIMIT $2;
`
	rows, err := r.pool.Query(ctx, query, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var jobs []domain.GenerationJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

// SetPlayback writes transcode identifiers back onto a job.
func (r *JobRepositoryPG) SetPlayback(ctx context.Context, id, assetID, playbackID string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE generation_jobs SET asset_id = $2, playback_id = $3, updated_at = NOW() WHERE id = $1;`,
		id, assetID, playbackID,
	)
	return err
}

func (r *JobRepositoryPG) scanOne(row pgx.Row) (*domain.GenerationJob, error) {
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return job, nil
}

func scanJob(row pgx.Row) (*domain.GenerationJob, error) {
	var job domain.GenerationJob
	var paramsJSON, resultJSON []byte
	if err := row.Scan(
		&job.ID,
		&job.OwnerID,
		&job.State,
		&job.RemoteTaskID,
		&job.Fingerprint,
		&paramsJSON,
		&job.Country,
		&job.SourceURL,
		&resultJSON,
		&job.FailureReason,
		&job.AssetID,
		&job.PlaybackID,
		&job.CreatedAt,
		&job.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if len(paramsJSON) > 0 {
		if err := json.Unmarshal(paramsJSON, &job.Params); err != nil {
			return nil, fmt.Errorf("decode params: %w", err)
		}
	}
	if len(resultJSON) > 0 {
		var result domain.TrackResult
		if err := json.Unmarshal(resultJSON, &result); err != nil {
			return nil, fmt.Errorf("decode result: %w", err)
		}
		job.PrimaryResult = &result
	}
	return &job, nil
}

func nullableBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return b
}

var _ domain.JobRepository = (*JobRepositoryPG)(nil)
