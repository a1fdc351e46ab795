package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"trackforge/internal/adapter/repo"
	"trackforge/internal/generation"
	httpapi "trackforge/internal/http"
	"trackforge/internal/http/handlers"
	"trackforge/internal/infra"
	"trackforge/internal/infra/geoip"
	"trackforge/internal/ingest"
	"trackforge/internal/middleware"
	"trackforge/internal/providers/mux"
	"trackforge/internal/providers/suno"
	"trackforge/internal/storage"
	"trackforge/internal/transcode"
)

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	ctx := context.Background()
	dbpool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect database")
	}
	defer dbpool.Close()

	resolver, err := geoip.NewResolver(cfg.GeoIPDBPath)
	if err != nil {
		logger.Warn().Err(err).Msg("geoip disabled")
	}
	var lookup middleware.CountryLookup
	if resolver != nil {
		lookup = resolver.CountryCode
	}

	store, err := storage.NewFileStore(cfg.StoragePath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to init storage")
	}

	sunoClient, err := suno.NewClient(suno.Options{
		APIKey:         cfg.SunoAPIKey,
		BaseURL:        cfg.SunoBaseURL,
		Model:          cfg.SunoModel,
		CallbackURL:    cfg.SunoCallbackURL,
		Logger:         &logger,
		RequestTimeout: cfg.RemoteTimeout,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to init generation client")
	}

	muxClient := mux.NewClient(mux.Options{
		TokenID:     cfg.MuxTokenID,
		TokenSecret: cfg.MuxTokenSecret,
		BaseURL:     cfg.MuxBaseURL,
	})

	jobs := repo.NewJobRepository(dbpool)
	quota := repo.NewQuotaRepository(dbpool, 0)

	pipeline := ingest.New(store, ingest.Options{
		PublicBaseURL: cfg.StorageBaseURL,
		MaxBytes:      cfg.MaxArtifactBytes,
		HTTPClient:    &http.Client{Timeout: cfg.RemoteTimeout},
		Logger:        &logger,
	})

	manager := transcode.NewManager(transcode.Options{
		Client:      muxClient,
		Repo:        jobs,
		Logger:      logger,
		Interval:    cfg.TranscodeInterval,
		MaxAttempts: cfg.TranscodeMaxAttempts,
		Retention:   cfg.TranscodeRetention,
	})

	generator := generation.NewService(generation.Options{
		Repo:            jobs,
		Quota:           quota,
		Client:          sunoClient,
		Ingestor:        pipeline,
		Transcoder:      manager,
		Logger:          logger,
		DuplicateWindow: cfg.DuplicateWindow,
	})

	runCtx, stopSignals := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stopSignals()

	if manager.Enabled() {
		go manager.Run(runCtx)
	} else {
		logger.Info().Msg("transcode provider not configured, playback ids disabled")
	}

	app := handlers.NewApp(logger, jobs, generator, cfg.WebhookSecret)
	router := httpapi.NewRouter(app, logger, cfg, lookup)
	server := infra.NewHTTPServer(cfg, router)

	go func() {
		logger.Info().Msgf("API listening on :%s", cfg.Port)
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	<-runCtx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("failed to shutdown server")
	}
	logger.Info().Msg("server stopped")
}
