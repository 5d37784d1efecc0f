package channel

import (
	"net/http"

	"coderun/internal/config"
)

// handleGetConfig returns the running config with secrets masked.
func (w *Web) handleGetConfig(rw http.ResponseWriter, r *http.Request) {
	if w.cfg == nil {
		writeJSON(rw, http.StatusServiceUnavailable, map[string]string{"error": "config not loaded"})
		return
	}
	writeJSON(rw, http.StatusOK, config.Sanitize(w.cfg))
}
