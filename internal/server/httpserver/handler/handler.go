// Package handler provides the admin HTTP handlers of a cluster node.
//
// Every response uses the adminv1 envelope; node errors map to HTTP status
// codes in handleNodeError.
package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	adminv1 "github.com/yndnr/meshtopo/api/admin/v1"
	"github.com/yndnr/meshtopo/internal/topology"
)

// Node is the cluster node served by the admin API.
type Node interface {
	Status() adminv1.NodeStatus
	Ready() bool
	Stores() []adminv1.StoreSummary
	Store(name string) (adminv1.StoreDetail, bool)
	LocateKey(store, key string) (adminv1.KeyLocation, error)
	TriggerRebalance(name string) error
	SetRebalancingEnabled(enabled bool)
	RebalancingEnabled() bool
}

// Handler serves the admin API.
type Handler struct {
	node   Node
	logger *slog.Logger
	mux    *http.ServeMux
}

// New creates a handler for node.
func New(node Node, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{
		node:   node,
		logger: logger,
		mux:    http.NewServeMux(),
	}
	h.registerRoutes()
	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) registerRoutes() {
	h.mux.HandleFunc("GET /health", h.handleHealth)
	h.mux.HandleFunc("GET /ready", h.handleReady)

	h.mux.HandleFunc("GET /admin/v1/status", h.handleStatus)
	h.mux.HandleFunc("GET /admin/v1/stores", h.handleListStores)
	h.mux.HandleFunc("GET /admin/v1/stores/{name}", h.handleGetStore)
	h.mux.HandleFunc("GET /admin/v1/stores/{name}/keys/{key}", h.handleLocateKey)
	h.mux.HandleFunc("POST /admin/v1/stores/{name}/rebalance", h.handleTriggerRebalance)
	h.mux.HandleFunc("GET /admin/v1/rebalancing", h.handleGetRebalancing)
	h.mux.HandleFunc("PUT /admin/v1/rebalancing", h.handleSetRebalancing)
}

// writeJSON writes a JSON response with standard envelope format.
func (h *Handler) writeJSON(w http.ResponseWriter, r *http.Request, status int, data any) {
	requestID := getRequestID(r)
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Request-ID", requestID)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(adminv1.NewEnvelope(requestID, data)); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

// writeError writes an error response with standard envelope format.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, status int, code, message string, details any) {
	requestID := getRequestID(r)
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Error-Code", code)
	w.Header().Set("X-Request-ID", requestID)
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(adminv1.NewErrorEnvelope(requestID, code, message, details))
}

// handleNodeError converts topology errors to HTTP responses.
func (h *Handler) handleNodeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, topology.ErrUnknownStore):
		h.writeError(w, r, http.StatusNotFound, adminv1.CodeStoreNotFound, err.Error(), nil)
	case errors.Is(err, topology.ErrNotCoordinator):
		h.writeError(w, r, http.StatusConflict, adminv1.CodeNotCoordinator, "this node is not the coordinator",
			map[string]string{"coordinator": h.node.Status().Coordinator})
	case errors.Is(err, topology.ErrShuttingDown):
		h.writeError(w, r, http.StatusServiceUnavailable, adminv1.CodeShuttingDown, err.Error(), nil)
	default:
		h.logger.Error("internal error", "error", err)
		h.writeError(w, r, http.StatusInternalServerError, adminv1.CodeInternal, "internal server error", nil)
	}
}

// getRequestID returns the request ID set by the RequestID middleware.
func getRequestID(r *http.Request) string {
	return r.Header.Get("X-Request-ID")
}
