package handlers

import (
	"net/http"
)

// Health reports liveness. Generation and transcode progress are visible per
// job through the status endpoint, not here.
func (a *App) Health(w http.ResponseWriter, r *http.Request) {
	a.json(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": "trackforge",
	})
}
