package transcode

import (
	"context"
	"strings"
	"sync"
	"time"

	"trackforge/internal/infra"
	"trackforge/internal/providers/mux"
)

// AssetClient is the transcode provider contract.
type AssetClient interface {
	Enabled() bool
	CreateAsset(ctx context.Context, sourceURL string) (*mux.Asset, error)
	AssetStatus(ctx context.Context, assetID string) (*mux.Asset, error)
}

// PlaybackWriter writes final transcode identifiers back onto the source
// generation job record.
type PlaybackWriter interface {
	SetPlayback(ctx context.Context, id, assetID, playbackID string) error
}

// JobState enumerates the transcode job lifecycle.
type JobState string

const (
	JobPending    JobState = "pending"
	JobProcessing JobState = "processing"
	JobCompleted  JobState = "completed"
	JobFailed     JobState = "failed"
)

// Job tracks one in-flight transcode of a stored artifact. It back-references
// the generation job whose artifact it processes; history lives in the
// playback identifiers written back onto that record, not here.
type Job struct {
	SourceJobID string
	SourceURL   string
	State       JobState
	Attempts    int
	AssetID     string
	PlaybackID  string
	CreatedAt   time.Time
	DoneAt      time.Time
}

// Options configure the manager.
type Options struct {
	Client      AssetClient
	Repo        PlaybackWriter
	Logger      infra.Logger
	Interval    time.Duration
	MaxAttempts int
	// Retention keeps terminal entries visible for a grace period so late
	// duplicate enqueues are recognized as already handled.
	Retention time.Duration
}

// Manager drives zero or more transcode jobs on its own fixed-interval timer,
// independent of request traffic and of the generation reconciler. The job
// map is owned state: constructed here, mutated only by Enqueue and the tick,
// and dropped entry by entry after terminal+retention.
type Manager struct {
	client      AssetClient
	repo        PlaybackWriter
	logger      infra.Logger
	interval    time.Duration
	maxAttempts int
	retention   time.Duration

	mu   sync.Mutex
	jobs map[string]*Job
}

// NewManager constructs a manager. It does nothing until Run is called.
func NewManager(opts Options) *Manager {
	interval := opts.Interval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	retention := opts.Retention
	if retention <= 0 {
		retention = 10 * time.Minute
	}
	return &Manager{
		client:      opts.Client,
		repo:        opts.Repo,
		logger:      opts.Logger,
		interval:    interval,
		maxAttempts: maxAttempts,
		retention:   retention,
		jobs:        map[string]*Job{},
	}
}

// Enabled reports whether the transcode provider is configured.
func (m *Manager) Enabled() bool {
	return m != nil && m.client != nil && m.client.Enabled()
}

// Enqueue registers an artifact for transcoding. It never blocks on network
// I/O; the next tick picks the job up. Without a configured provider this is
// a documented no-op, so callers must not depend on it for primary
// functionality. A job already tracked for the same source is left alone.
func (m *Manager) Enqueue(sourceJobID, artifactURL string) {
	if !m.Enabled() {
		return
	}
	sourceJobID = strings.TrimSpace(sourceJobID)
	artifactURL = strings.TrimSpace(artifactURL)
	if sourceJobID == "" || artifactURL == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.jobs[sourceJobID]; exists {
		return
	}
	m.jobs[sourceJobID] = &Job{
		SourceJobID: sourceJobID,
		SourceURL:   artifactURL,
		State:       JobPending,
		CreatedAt:   time.Now(),
	}
	m.logger.Info().Str("job_id", sourceJobID).Msg("transcode: enqueued")
}

// Run executes the polling loop until ctx is cancelled. Ticks run one at a
// time in this goroutine; a tick still in flight when the timer fires means
// that firing is dropped by the ticker, never queued.
func (m *Manager) Run(ctx context.Context) {
	if !m.Enabled() {
		m.logger.Info().Msg("transcode: provider not configured, manager idle")
		return
	}
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

// tick advances every tracked job one step. Errors are contained per job; a
// failing job never blocks the rest of the batch and the tick itself never
// panics out of the loop.
func (m *Manager) tick(ctx context.Context) {
	m.mu.Lock()
	var submits, polls []*Job
	for _, job := range m.jobs {
		switch job.State {
		case JobPending:
			submits = append(submits, job)
		case JobProcessing:
			polls = append(polls, job)
		}
	}
	m.mu.Unlock()

	for _, job := range submits {
		m.submit(ctx, job)
	}
	for _, job := range polls {
		m.poll(ctx, job)
	}

	m.cleanup()
}

// Field mutations in submit, poll and fail take mu so Snapshot can run
// concurrently with the tick. Network calls stay outside the lock.
func (m *Manager) submit(ctx context.Context, job *Job) {
	asset, err := m.client.CreateAsset(ctx, job.SourceURL)
	if err != nil {
		m.mu.Lock()
		job.Attempts++
		attempts := job.Attempts
		m.mu.Unlock()
		if attempts >= m.maxAttempts {
			m.fail(job, err.Error())
			return
		}
		m.logger.Warn().Err(err).
			Str("job_id", job.SourceJobID).
			Int("attempts", attempts).
			Msg("transcode: submit failed, will retry")
		return
	}
	m.mu.Lock()
	job.AssetID = asset.ID
	job.PlaybackID = asset.PlaybackID
	job.State = JobProcessing
	m.mu.Unlock()
	m.logger.Info().Str("job_id", job.SourceJobID).Str("asset_id", asset.ID).Msg("transcode: asset created")
}

func (m *Manager) poll(ctx context.Context, job *Job) {
	asset, err := m.client.AssetStatus(ctx, job.AssetID)
	if err != nil {
		m.logger.Warn().Err(err).Str("job_id", job.SourceJobID).Msg("transcode: status check failed")
		return
	}
	switch asset.State {
	case mux.AssetReady:
		playbackID := job.PlaybackID
		if asset.PlaybackID != "" {
			playbackID = asset.PlaybackID
		}
		if err := m.repo.SetPlayback(ctx, job.SourceJobID, job.AssetID, playbackID); err != nil {
			// Stay in processing; the write is retried next tick.
			m.logger.Error().Err(err).Str("job_id", job.SourceJobID).Msg("transcode: playback write-back failed")
			return
		}
		m.mu.Lock()
		job.PlaybackID = playbackID
		job.State = JobCompleted
		job.DoneAt = time.Now()
		m.mu.Unlock()
		m.logger.Info().Str("job_id", job.SourceJobID).Str("playback_id", playbackID).Msg("transcode: completed")
	case mux.AssetErrored:
		m.fail(job, "provider reported errored asset")
	}
}

// fail terminates a single transcode job. The source generation job's
// completed state is never touched from here.
func (m *Manager) fail(job *Job, reason string) {
	m.mu.Lock()
	job.State = JobFailed
	job.DoneAt = time.Now()
	attempts := job.Attempts
	m.mu.Unlock()
	m.logger.Error().
		Str("job_id", job.SourceJobID).
		Int("attempts", attempts).
		Str("reason", reason).
		Msg("transcode: job failed")
}

func (m *Manager) cleanup() {
	cutoff := time.Now().Add(-m.retention)
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, job := range m.jobs {
		if (job.State == JobCompleted || job.State == JobFailed) && !job.DoneAt.IsZero() && job.DoneAt.Before(cutoff) {
			delete(m.jobs, id)
		}
	}
}

// Snapshot returns a copy of the tracked jobs, for operational introspection.
func (m *Manager) Snapshot() []Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Job, 0, len(m.jobs))
	for _, job := range m.jobs {
		out = append(out, *job)
	}
	return out
}
