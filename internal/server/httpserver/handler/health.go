// Package handler provides the admin HTTP handlers of a cluster node.
package handler

import (
	"net/http"
	"time"

	adminv1 "github.com/yndnr/meshtopo/api/admin/v1"
)

// handleHealth handles GET /health.
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, r, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// handleReady handles GET /ready. A node is ready once it has processed a
// membership view.
func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) {
	if !h.node.Ready() {
		h.writeError(w, r, http.StatusServiceUnavailable, adminv1.CodeNotReady, "no membership view installed", nil)
		return
	}
	h.writeJSON(w, r, http.StatusOK, map[string]string{
		"status": "ready",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}
