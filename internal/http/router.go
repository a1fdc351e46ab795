package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"trackforge/internal/http/handlers"
	"trackforge/internal/infra"
	"trackforge/internal/middleware"
)

// NewRouter wires middleware and routes. The webhook endpoint sits outside
// the per-client rate limit so provider redeliveries are never throttled.
func NewRouter(app *handlers.App, logger infra.Logger, cfg *infra.Config, lookup middleware.CountryLookup) http.Handler {
	r := chi.NewRouter()

	r.Use(
		middleware.RequestID,
		chimw.RealIP,
		chimw.Recoverer,
		middleware.Logger(logger),
		middleware.CORS,
	)

	r.Get("/v1/healthz", app.Health)
	r.Post("/v1/callbacks/generation", app.GenerationCallback)

	r.Group(func(r chi.Router) {
		r.Use(middleware.RateLimit(cfg.RateLimitPerMin, time.Minute))
		r.Use(middleware.Geo(lookup))
		r.Post("/v1/tracks", app.TracksGenerate)
		r.Get("/v1/tracks/{job_id}", app.TrackStatus)
	})

	// Durable artifacts are served straight off local storage.
	fs := http.StripPrefix("/static/", http.FileServer(http.Dir(cfg.StoragePath)))
	r.Get("/static/*", fs.ServeHTTP)

	return r
}
