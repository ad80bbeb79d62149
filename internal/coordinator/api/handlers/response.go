// Package handlers contains the coordinator's HTTP handlers.
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/marmos91/presenced/internal/logger"
)

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("failed to encode response", logger.KeyError, err)
	}
}

// writeError writes an {error: string} body with the given status code.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
