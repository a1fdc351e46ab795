package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"trackforge/internal/adapter/repo"
	"trackforge/internal/domain"
	"trackforge/internal/generation"
	"trackforge/internal/infra"
	"trackforge/internal/ingest"
	"trackforge/internal/providers/suno"
	"trackforge/internal/storage"
)

const sweepBatchSize = 50

// statusPoller is the slice of the reconciler the sweeper drives.
type statusPoller interface {
	Poll(ctx context.Context, jobID string) (*domain.GenerationJob, error)
}

// sweeper is the safety net behind the webhook and the on-demand poll: it
// re-polls generating jobs nobody has looked at recently, so a track whose
// webhook was lost and whose owner stopped refreshing still completes.
type sweeper struct {
	cfg       *infra.Config
	logger    infra.Logger
	jobs      domain.JobRepository
	generator statusPoller
}

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("sweeper: db connection failed")
	}
	defer pool.Close()

	store, err := storage.NewFileStore(cfg.StoragePath)
	if err != nil {
		logger.Fatal().Err(err).Msg("sweeper: failed to configure storage")
	}

	sunoClient, err := suno.NewClient(suno.Options{
		APIKey:         cfg.SunoAPIKey,
		BaseURL:        cfg.SunoBaseURL,
		Model:          cfg.SunoModel,
		Logger:         &logger,
		RequestTimeout: cfg.RemoteTimeout,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("sweeper: failed to configure generation client")
	}

	jobs := repo.NewJobRepository(pool)
	pipeline := ingest.New(store, ingest.Options{
		PublicBaseURL: cfg.StorageBaseURL,
		MaxBytes:      cfg.MaxArtifactBytes,
		HTTPClient:    &http.Client{Timeout: cfg.RemoteTimeout},
		Logger:        &logger,
	})

	// The sweeper never submits, so quota is not wired; reconciliation of
	// already-submitted jobs is the whole job.
	generator := generation.NewService(generation.Options{
		Repo:     jobs,
		Client:   sunoClient,
		Ingestor: pipeline,
		Logger:   logger,
	})

	s := &sweeper{cfg: cfg, logger: logger, jobs: jobs, generator: generator}
	if err := s.run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("sweeper: stopped with error")
	}
	logger.Info().Msg("sweeper: stopped")
}

func (s *sweeper) run(ctx context.Context) error {
	s.logger.Info().
		Dur("interval", s.cfg.SweepInterval).
		Dur("stale_after", s.cfg.StaleAfter).
		Msg("sweeper: started")

	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *sweeper) sweep(ctx context.Context) {
	cutoff := time.Now().Add(-s.cfg.StaleAfter)
	stale, err := s.jobs.ListStaleGenerating(ctx, cutoff, sweepBatchSize)
	if err != nil {
		s.logger.Error().Err(err).Msg("sweeper: list stale jobs failed")
		return
	}
	if len(stale) == 0 {
		return
	}

	stuckCutoff := time.Now().Add(-s.cfg.StuckAfter)
	for i := range stale {
		job := &stale[i]
		// Jobs stuck past the hard threshold stay untouched; an operator has
		// to look at them, flipping them to failed could race a late webhook.
		// The age check keys on creation time: every in-progress poll bumps
		// updated_at, so that column never ages while sweeping continues.
		if job.CreatedAt.Before(stuckCutoff) {
			s.logger.Warn().
				Str("job_id", job.ID).
				Str("task_id", job.RemoteTaskID).
				Time("created_at", job.CreatedAt).
				Msg("sweeper: job stuck past hard threshold")
		}

		updated, err := s.generator.Poll(ctx, job.ID)
		if err != nil {
			s.logger.Error().Err(err).Str("job_id", job.ID).Msg("sweeper: poll failed")
			continue
		}
		if updated.State != job.State {
			s.logger.Info().
				Str("job_id", job.ID).
				Str("state", string(updated.State)).
				Msg("sweeper: job reconciled")
		}
	}
}
