package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/marmos91/presenced/pkg/directory"
)

// HealthCheckTimeout bounds directory probes so a slow backend cannot hang
// readiness checks.
const HealthCheckTimeout = 5 * time.Second

// HealthHandler handles the liveness and readiness probes.
type HealthHandler struct {
	dir       directory.Directory
	startTime time.Time
}

// NewHealthHandler creates a health handler. The directory may be nil, in
// which case readiness reports unavailable.
func NewHealthHandler(dir directory.Directory) *HealthHandler {
	return &HealthHandler{
		dir:       dir,
		startTime: time.Now(),
	}
}

// Liveness handles GET /health. Succeeds whenever the process serves HTTP.
func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"started_at": h.startTime.UTC().Format(time.RFC3339),
		"uptime_sec": int64(time.Since(h.startTime).Seconds()),
	})
}

// Readiness handles GET /health/ready. Ready means the directory answers a
// ping within the probe timeout.
func (h *HealthHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	if h.dir == nil {
		writeError(w, http.StatusServiceUnavailable, "directory not configured")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), HealthCheckTimeout)
	defer cancel()

	if err := h.dir.Ping(ctx); err != nil {
		writeError(w, http.StatusServiceUnavailable, "directory unreachable: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
