package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"trackforge/internal/domain"
	"trackforge/internal/infra"
)

// GenerationService is the slice of the reconciler the HTTP layer needs.
type GenerationService interface {
	SubmitJob(ctx context.Context, ownerID string, params domain.TrackParams, country string) (*domain.GenerationJob, error)
	Poll(ctx context.Context, jobID string) (*domain.GenerationJob, error)
	Reconcile(ctx context.Context, jobID string, st domain.RemoteStatus) (*domain.GenerationJob, error)
}

type App struct {
	Logger        infra.Logger
	Jobs          domain.JobRepository
	Generator     GenerationService
	WebhookSecret string
}

func NewApp(logger infra.Logger, jobs domain.JobRepository, generator GenerationService, webhookSecret string) *App {
	return &App{
		Logger:        logger,
		Jobs:          jobs,
		Generator:     generator,
		WebhookSecret: webhookSecret,
	}
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *App) error(w http.ResponseWriter, status int, code, message string) {
	a.json(w, status, map[string]string{"error": code, "message": message})
}

func (a *App) currentOwnerID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-Owner-ID"))
}
