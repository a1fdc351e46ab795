package generation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"trackforge/internal/domain"
)

type fakeRepo struct {
	mu      sync.Mutex
	jobs    map[string]*domain.GenerationJob
	touched int
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{jobs: map[string]*domain.GenerationJob{}}
}

func (r *fakeRepo) Create(ctx context.Context, job *domain.GenerationJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	clone := *job
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = now
	}
	clone.UpdatedAt = now
	r.jobs[clone.ID] = &clone
	return nil
}

func (r *fakeRepo) GetByID(ctx context.Context, id string) (*domain.GenerationJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	clone := *job
	return &clone, nil
}

func (r *fakeRepo) GetByRemoteTaskID(ctx context.Context, taskID string) (*domain.GenerationJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, job := range r.jobs {
		if job.RemoteTaskID == taskID && taskID != "" {
			clone := *job
			return &clone, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (r *fakeRepo) FindRecentByFingerprint(ctx context.Context, ownerID, fingerprint string, since time.Time) (*domain.GenerationJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, job := range r.jobs {
		if job.OwnerID == ownerID && job.Fingerprint == fingerprint && fingerprint != "" && !job.CreatedAt.Before(since) {
			clone := *job
			return &clone, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (r *fakeRepo) MarkGenerating(ctx context.Context, id, remoteTaskID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return false, domain.ErrNotFound
	}
	if job.State != domain.JobStatePending {
		return false, nil
	}
	job.State = domain.JobStateGenerating
	job.RemoteTaskID = remoteTaskID
	job.UpdatedAt = time.Now()
	return true, nil
}

func (r *fakeRepo) CompleteFromGenerating(ctx context.Context, id string, result *domain.TrackResult, sourceURL string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return false, domain.ErrNotFound
	}
	if job.State != domain.JobStateGenerating {
		return false, nil
	}
	clone := *result
	job.State = domain.JobStateCompleted
	job.PrimaryResult = &clone
	job.SourceURL = sourceURL
	job.UpdatedAt = time.Now()
	return true, nil
}

func (r *fakeRepo) MarkFailed(ctx context.Context, id, reason string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return false, domain.ErrNotFound
	}
	if job.State.Terminal() {
		return false, nil
	}
	job.State = domain.JobStateFailed
	job.FailureReason = reason
	job.UpdatedAt = time.Now()
	return true, nil
}

func (r *fakeRepo) Touch(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return domain.ErrNotFound
	}
	job.UpdatedAt = time.Now()
	r.touched++
	return nil
}

func (r *fakeRepo) ExistsByOwnerSource(ctx context.Context, ownerID, sourceURL string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, job := range r.jobs {
		if job.OwnerID == ownerID && job.SourceURL == sourceURL && sourceURL != "" {
			return true, nil
		}
	}
	return false, nil
}

func (r *fakeRepo) ListStaleGenerating(ctx context.Context, cutoff time.Time, limit int) ([]domain.GenerationJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.GenerationJob
	for _, job := range r.jobs {
		if job.State == domain.JobStateGenerating && job.UpdatedAt.Before(cutoff) {
			out = append(out, *job)
		}
	}
	return out, nil
}

func (r *fakeRepo) SetPlayback(ctx context.Context, id, assetID, playbackID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return domain.ErrNotFound
	}
	job.AssetID = assetID
	job.PlaybackID = playbackID
	job.UpdatedAt = time.Now()
	return nil
}

func (r *fakeRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.jobs)
}

func (r *fakeRepo) completed() []domain.GenerationJob {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.GenerationJob
	for _, job := range r.jobs {
		if job.State == domain.JobStateCompleted {
			out = append(out, *job)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

type fakeQuota struct {
	allowed bool
	reason  string
	commits int
}

func (q *fakeQuota) TryConsume(ctx context.Context, ownerID string) (bool, string, error) {
	return q.allowed, q.reason, nil
}

func (q *fakeQuota) Commit(ctx context.Context, ownerID string) error {
	q.commits++
	return nil
}

type fakeClient struct {
	taskID      string
	submitErr   error
	submitCalls int
	status      domain.RemoteStatus
	statusErr   error
}

func (c *fakeClient) Submit(ctx context.Context, params domain.TrackParams) (string, error) {
	c.submitCalls++
	if c.submitErr != nil {
		return "", c.submitErr
	}
	return c.taskID, nil
}

func (c *fakeClient) Status(ctx context.Context, taskID string) (domain.RemoteStatus, error) {
	if c.statusErr != nil {
		return domain.RemoteStatus{}, c.statusErr
	}
	return c.status, nil
}

type fakeIngestor struct {
	calls int
	err   error
}

func (f *fakeIngestor) Ingest(ctx context.Context, sourceURL, destKey string) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return "https://static.local/" + destKey, nil
}

type fakeTranscoder struct {
	enqueued []string
}

func (f *fakeTranscoder) Enqueue(sourceJobID, artifactURL string) {
	f.enqueued = append(f.enqueued, sourceJobID+"|"+artifactURL)
}

type fixture struct {
	repo       *fakeRepo
	quota      *fakeQuota
	client     *fakeClient
	ingestor   *fakeIngestor
	transcoder *fakeTranscoder
	svc        *Service
}

func newFixture() *fixture {
	f := &fixture{
		repo:       newFakeRepo(),
		quota:      &fakeQuota{allowed: true},
		client:     &fakeClient{taskID: "task-1"},
		ingestor:   &fakeIngestor{},
		transcoder: &fakeTranscoder{},
	}
	f.svc = NewService(Options{
		Repo:            f.repo,
		Quota:           f.quota,
		Client:          f.client,
		Ingestor:        f.ingestor,
		Transcoder:      f.transcoder,
		Logger:          zerolog.New(io.Discard),
		DuplicateWindow: 10 * time.Second,
	})
	return f
}

func successStatus(urls ...string) domain.RemoteStatus {
	results := make([]domain.ResultDescriptor, 0, len(urls))
	for _, u := range urls {
		results = append(results, domain.ResultDescriptor{SourceURL: u, MIME: "audio/mpeg"})
	}
	return domain.RemoteStatus{Outcome: domain.OutcomeSuccess, Results: results}
}

func TestSubmitThenPollScenario(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	job, err := f.svc.SubmitJob(ctx, "owner-1", domain.TrackParams{Tags: "lofi", Lyrics: ""}, "US")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if job.State != domain.JobStateGenerating {
		t.Fatalf("state = %v, want generating", job.State)
	}
	if job.RemoteTaskID != "task-1" {
		t.Fatalf("remote task id = %q", job.RemoteTaskID)
	}
	if f.quota.commits != 1 {
		t.Fatalf("quota commits = %d, want 1", f.quota.commits)
	}

	f.client.status = successStatus("https://tmp/a.mp3")
	job, err = f.svc.Poll(ctx, job.ID)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if job.State != domain.JobStateCompleted {
		t.Fatalf("state = %v, want completed", job.State)
	}
	if job.PrimaryResult == nil || job.PrimaryResult.DurableURL != "https://static.local/tracks/"+job.ID+"/take-01.mp3" {
		t.Fatalf("primary result = %+v", job.PrimaryResult)
	}

	// Polling again must not commit quota or ingest a second time.
	job, err = f.svc.Poll(ctx, job.ID)
	if err != nil {
		t.Fatalf("second poll: %v", err)
	}
	if f.quota.commits != 1 {
		t.Fatalf("quota commits after re-poll = %d, want 1", f.quota.commits)
	}
	if f.ingestor.calls != 1 {
		t.Fatalf("ingest calls = %d, want 1", f.ingestor.calls)
	}
}

func TestSubmitDuplicateSuppression(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	params := domain.TrackParams{Tags: "lofi  chill", Lyrics: "rain on glass"}

	if _, err := f.svc.SubmitJob(ctx, "owner-1", params, ""); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	// Whitespace normalization must not defeat the fingerprint.
	_, err := f.svc.SubmitJob(ctx, "owner-1", domain.TrackParams{Tags: "lofi chill", Lyrics: "rain  on glass"}, "")
	if !errors.Is(err, domain.ErrDuplicateSubmission) {
		t.Fatalf("expected ErrDuplicateSubmission, got %v", err)
	}
	if f.client.submitCalls != 1 {
		t.Fatalf("remote submit calls = %d, want 1", f.client.submitCalls)
	}

	// A different owner with the same params is not a duplicate.
	if _, err := f.svc.SubmitJob(ctx, "owner-2", params, ""); err != nil {
		t.Fatalf("other owner submit: %v", err)
	}
}

func TestSubmitQuotaDenied(t *testing.T) {
	f := newFixture()
	f.quota.allowed = false
	f.quota.reason = "daily limit reached"

	_, err := f.svc.SubmitJob(context.Background(), "owner-1", domain.TrackParams{Tags: "pop"}, "")
	if !errors.Is(err, domain.ErrQuotaExceeded) {
		t.Fatalf("expected ErrQuotaExceeded, got %v", err)
	}
	if f.client.submitCalls != 0 {
		t.Fatalf("remote must not be called when quota denied")
	}
	if f.repo.count() != 0 {
		t.Fatalf("no record should be created when quota denied")
	}
}

func TestSubmitRemoteFailure(t *testing.T) {
	f := newFixture()
	f.client.submitErr = errors.New("provider down")

	_, err := f.svc.SubmitJob(context.Background(), "owner-1", domain.TrackParams{Tags: "pop"}, "")
	if !errors.Is(err, domain.ErrRemoteSubmission) {
		t.Fatalf("expected ErrRemoteSubmission, got %v", err)
	}
	if f.quota.commits != 0 {
		t.Fatalf("quota must not commit on submit failure")
	}

	jobs := f.repo.jobs
	if len(jobs) != 1 {
		t.Fatalf("jobs = %d, want 1", len(jobs))
	}
	for _, job := range jobs {
		if job.State != domain.JobStateFailed {
			t.Fatalf("state = %v, want failed", job.State)
		}
	}
}

func TestReconcileIdempotentOnCompletion(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	job, err := f.svc.SubmitJob(ctx, "owner-1", domain.TrackParams{Tags: "lofi"}, "")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	st := successStatus("https://tmp/a.mp3", "https://tmp/b.mp3")
	if _, err := f.svc.Reconcile(ctx, job.ID, st); err != nil {
		t.Fatalf("first reconcile: %v", err)
	}
	ingests := f.ingestor.calls
	records := f.repo.count()

	if _, err := f.svc.Reconcile(ctx, job.ID, st); err != nil {
		t.Fatalf("second reconcile: %v", err)
	}
	if f.ingestor.calls != ingests {
		t.Fatalf("second reconcile ingested again: %d -> %d", ingests, f.ingestor.calls)
	}
	if f.repo.count() != records {
		t.Fatalf("second reconcile created records: %d -> %d", records, f.repo.count())
	}
}

func TestReconcileCommutativeAcrossPaths(t *testing.T) {
	finalState := func(firstViaPoll bool) []domain.GenerationJob {
		f := newFixture()
		ctx := context.Background()
		job, err := f.svc.SubmitJob(ctx, "owner-1", domain.TrackParams{Tags: "lofi"}, "")
		if err != nil {
			t.Fatalf("submit: %v", err)
		}
		st := successStatus("https://tmp/a.mp3", "https://tmp/b.mp3")
		f.client.status = st

		if firstViaPoll {
			if _, err := f.svc.Poll(ctx, job.ID); err != nil {
				t.Fatalf("poll: %v", err)
			}
			if _, err := f.svc.Reconcile(ctx, job.ID, st); err != nil {
				t.Fatalf("webhook reconcile: %v", err)
			}
		} else {
			if _, err := f.svc.Reconcile(ctx, job.ID, st); err != nil {
				t.Fatalf("webhook reconcile: %v", err)
			}
			if _, err := f.svc.Poll(ctx, job.ID); err != nil {
				t.Fatalf("poll: %v", err)
			}
		}
		return f.repo.completed()
	}

	byWhich := func(records []domain.GenerationJob) map[string]domain.JobState {
		out := map[string]domain.JobState{}
		for _, rec := range records {
			out[rec.SourceURL] = rec.State
		}
		return out
	}
	pollFirst := byWhich(finalState(true))
	webhookFirst := byWhich(finalState(false))
	if len(pollFirst) != len(webhookFirst) {
		t.Fatalf("record sets differ: %v vs %v", pollFirst, webhookFirst)
	}
	for src, state := range pollFirst {
		if webhookFirst[src] != state {
			t.Fatalf("ordering changed outcome for %q: %v vs %v", src, state, webhookFirst[src])
		}
	}
}

func TestFailureAfterSuccessIgnored(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	job, err := f.svc.SubmitJob(ctx, "owner-1", domain.TrackParams{Tags: "lofi"}, "")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := f.svc.Reconcile(ctx, job.ID, successStatus("https://tmp/a.mp3")); err != nil {
		t.Fatalf("reconcile success: %v", err)
	}

	got, err := f.svc.Reconcile(ctx, job.ID, domain.RemoteStatus{Outcome: domain.OutcomeFailure, Reason: "late failure"})
	if err != nil {
		t.Fatalf("reconcile failure: %v", err)
	}
	if got.State != domain.JobStateCompleted {
		t.Fatalf("state = %v, completed must be sticky", got.State)
	}
	if got.FailureReason != "" {
		t.Fatalf("failure reason leaked onto completed job: %q", got.FailureReason)
	}
}

func TestMultiResultFanOut(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	job, err := f.svc.SubmitJob(ctx, "owner-1", domain.TrackParams{Tags: "lofi", Title: "night walk"}, "")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	st := successStatus("https://tmp/a.mp3", "https://tmp/b.mp3", "https://tmp/c.mp3")
	if _, err := f.svc.Reconcile(ctx, job.ID, st); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	completed := f.repo.completed()
	if len(completed) != 3 {
		t.Fatalf("completed records = %d, want 3", len(completed))
	}
	refs := map[string]bool{}
	for _, rec := range completed {
		if rec.PrimaryResult == nil {
			t.Fatalf("record %s missing result", rec.ID)
		}
		if refs[rec.PrimaryResult.DurableURL] {
			t.Fatalf("duplicate durable ref %q", rec.PrimaryResult.DurableURL)
		}
		refs[rec.PrimaryResult.DurableURL] = true
		if rec.OwnerID != "owner-1" {
			t.Fatalf("alternate attributed to %q", rec.OwnerID)
		}
	}

	// A redelivered callback must not fan out a second time.
	if _, err := f.svc.Reconcile(ctx, job.ID, st); err != nil {
		t.Fatalf("redelivery reconcile: %v", err)
	}
	if got := len(f.repo.completed()); got != 3 {
		t.Fatalf("records after redelivery = %d, want 3", got)
	}
}

func TestIngestFailureLeavesJobGenerating(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	job, err := f.svc.SubmitJob(ctx, "owner-1", domain.TrackParams{Tags: "lofi"}, "")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	f.ingestor.err = &domain.IngestError{Err: errors.New("cdn timeout"), Retryable: true}
	_, err = f.svc.Reconcile(ctx, job.ID, successStatus("https://tmp/a.mp3"))
	if !domain.IsRetryableIngest(err) {
		t.Fatalf("expected retryable ingest error, got %v", err)
	}
	got, err := f.repo.GetByID(ctx, job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != domain.JobStateGenerating {
		t.Fatalf("state = %v, want generating after ingest failure", got.State)
	}

	// Next attempt succeeds.
	f.ingestor.err = nil
	reconciled, err := f.svc.Reconcile(ctx, job.ID, successStatus("https://tmp/a.mp3"))
	if err != nil {
		t.Fatalf("retry reconcile: %v", err)
	}
	if reconciled.State != domain.JobStateCompleted {
		t.Fatalf("state = %v, want completed", reconciled.State)
	}
}

func TestOversizeArtifactFailsJob(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	job, err := f.svc.SubmitJob(ctx, "owner-1", domain.TrackParams{Tags: "lofi"}, "")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	f.ingestor.err = &domain.IngestError{Err: fmt.Errorf("%w: over 64 MiB", domain.ErrArtifactTooLarge)}
	got, err := f.svc.Reconcile(ctx, job.ID, successStatus("https://tmp/a.mp3"))
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if got.State != domain.JobStateFailed {
		t.Fatalf("state = %v, oversize artifacts must fail the job", got.State)
	}
	if got.FailureReason == "" {
		t.Fatalf("oversize failure must carry a reason")
	}
}

func TestReconcileInProgressOnlyTouches(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	job, err := f.svc.SubmitJob(ctx, "owner-1", domain.TrackParams{Tags: "lofi"}, "")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	got, err := f.svc.Reconcile(ctx, job.ID, domain.RemoteStatus{Outcome: domain.OutcomeInProgress})
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if got.State != domain.JobStateGenerating {
		t.Fatalf("state = %v, want generating", got.State)
	}
	if f.repo.touched != 1 {
		t.Fatalf("touched = %d, want 1", f.repo.touched)
	}
	if f.ingestor.calls != 0 {
		t.Fatalf("in-progress must not ingest")
	}
}

func TestCompletionHandsOffToTranscoder(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	job, err := f.svc.SubmitJob(ctx, "owner-1", domain.TrackParams{Tags: "lofi"}, "")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := f.svc.Reconcile(ctx, job.ID, successStatus("https://tmp/a.mp3")); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	want := fmt.Sprintf("%s|https://static.local/tracks/%s/take-01.mp3", job.ID, job.ID)
	if len(f.transcoder.enqueued) != 1 || f.transcoder.enqueued[0] != want {
		t.Fatalf("transcoder enqueued = %v, want [%s]", f.transcoder.enqueued, want)
	}
}

func TestPollSwallowsRetryableIngestErrors(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	job, err := f.svc.SubmitJob(ctx, "owner-1", domain.TrackParams{Tags: "lofi"}, "")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	f.client.status = successStatus("https://tmp/a.mp3")
	f.ingestor.err = &domain.IngestError{Err: errors.New("cdn timeout"), Retryable: true}
	got, err := f.svc.Poll(ctx, job.ID)
	if err != nil {
		t.Fatalf("poll must hide retryable ingest failures, got %v", err)
	}
	if got.State != domain.JobStateGenerating {
		t.Fatalf("state = %v, want generating", got.State)
	}

	// The ingest retries on the next poll and completion surfaces normally.
	f.ingestor.err = nil
	got, err = f.svc.Poll(ctx, job.ID)
	if err != nil {
		t.Fatalf("second poll: %v", err)
	}
	if got.State != domain.JobStateCompleted {
		t.Fatalf("state = %v, want completed", got.State)
	}
}

func TestPollSwallowsRetryableStatusErrors(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	job, err := f.svc.SubmitJob(ctx, "owner-1", domain.TrackParams{Tags: "lofi"}, "")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	f.client.statusErr = errors.New("gateway timeout")
	got, err := f.svc.Poll(ctx, job.ID)
	if err != nil {
		t.Fatalf("poll must swallow status errors, got %v", err)
	}
	if got.State != domain.JobStateGenerating {
		t.Fatalf("state = %v, want generating", got.State)
	}
}

func TestFingerprintNormalization(t *testing.T) {
	a := Fingerprint("owner", domain.TrackParams{Tags: "Lofi  Chill", Lyrics: "Rain"})
	b := Fingerprint("owner", domain.TrackParams{Tags: "lofi chill", Lyrics: "rain"})
	if a != b {
		t.Fatalf("fingerprints differ for equivalent params")
	}
	c := Fingerprint("owner", domain.TrackParams{Tags: "lofi chill", Lyrics: "rain", Instrumental: true})
	if a == c {
		t.Fatalf("instrumental flag must change the fingerprint")
	}
	d := Fingerprint("other", domain.TrackParams{Tags: "lofi chill", Lyrics: "rain"})
	if a == d {
		t.Fatalf("owner must change the fingerprint")
	}
}

func TestDisplayTitle(t *testing.T) {
	if got := displayTitle("midnight drive", ""); got != "Midnight Drive" {
		t.Fatalf("displayTitle = %q", got)
	}
	if got := displayTitle("", "Night Walk"); got != "Night Walk" {
		t.Fatalf("displayTitle fallback = %q", got)
	}
	if got := displayTitle("", ""); got != "Untitled Track" {
		t.Fatalf("displayTitle default = %q", got)
	}
	if got := displayTitle("MiXeD Case", ""); got != "MiXeD Case" {
		t.Fatalf("mixed-case titles must pass through, got %q", got)
	}
}
