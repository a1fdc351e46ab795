package handlers

import (
	"crypto/subtle"
	"errors"
	"io"
	"net/http"

	"trackforge/internal/domain"
	"trackforge/internal/providers/suno"
)

const maxCallbackBytes = 1 << 20

// GenerationCallback is the push half of the completion protocol. The
// provider retries deliveries, so the response code is the contract: 2xx
// acknowledges, 5xx invites a redelivery. Reconcile is idempotent, which
// makes redeliveries and webhook-vs-poll races safe.
func (a *App) GenerationCallback(w http.ResponseWriter, r *http.Request) {
	if a.WebhookSecret != "" {
		got := r.Header.Get("X-Webhook-Secret")
		if subtle.ConstantTimeCompare([]byte(got), []byte(a.WebhookSecret)) != 1 {
			a.error(w, http.StatusUnauthorized, "unauthorized", "invalid webhook secret")
			return
		}
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxCallbackBytes))
	if err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "unreadable payload")
		return
	}
	taskID, st, err := suno.ParseCallback(body)
	if err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid callback payload")
		return
	}

	job, err := a.Jobs.GetByRemoteTaskID(r.Context(), taskID)
	if errors.Is(err, domain.ErrNotFound) {
		// Acknowledge so the provider stops retrying a task we never recorded.
		a.Logger.Warn().Str("task_id", taskID).Msg("webhook: unknown task id")
		a.json(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	}
	if err != nil {
		a.Logger.Error().Err(err).Str("task_id", taskID).Msg("webhook: job lookup failed")
		a.error(w, http.StatusServiceUnavailable, "unavailable", "job lookup failed, retry later")
		return
	}

	updated, err := a.Generator.Reconcile(r.Context(), job.ID, st)
	if err != nil {
		if domain.IsRetryableIngest(err) {
			a.Logger.Warn().Err(err).Str("job_id", job.ID).Msg("webhook: transient ingest failure, inviting redelivery")
			a.error(w, http.StatusServiceUnavailable, "unavailable", "artifact fetch failed, retry later")
			return
		}
		a.Logger.Error().Err(err).Str("job_id", job.ID).Msg("webhook: reconcile failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to apply callback")
		return
	}

	a.json(w, http.StatusOK, map[string]string{
		"status": "applied",
		"job_id": updated.ID,
		"state":  string(updated.State),
	})
}
