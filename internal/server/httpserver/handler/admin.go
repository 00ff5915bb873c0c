// Package handler provides the admin HTTP handlers of a cluster node.
package handler

import (
	"encoding/json"
	"net/http"

	adminv1 "github.com/yndnr/meshtopo/api/admin/v1"
	"github.com/yndnr/meshtopo/internal/infra/buildinfo"
)

// handleStatus handles GET /admin/v1/status.
func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := h.node.Status()
	st.Version = buildinfo.Version
	h.writeJSON(w, r, http.StatusOK, st)
}

// handleListStores handles GET /admin/v1/stores.
func (h *Handler) handleListStores(w http.ResponseWriter, r *http.Request) {
	stores := h.node.Stores()
	if stores == nil {
		stores = []adminv1.StoreSummary{}
	}
	h.writeJSON(w, r, http.StatusOK, stores)
}

// handleGetStore handles GET /admin/v1/stores/{name}.
func (h *Handler) handleGetStore(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	d, ok := h.node.Store(name)
	if !ok {
		h.writeError(w, r, http.StatusNotFound, adminv1.CodeStoreNotFound, "store not found: "+name, nil)
		return
	}
	h.writeJSON(w, r, http.StatusOK, d)
}

// handleLocateKey handles GET /admin/v1/stores/{name}/keys/{key}.
func (h *Handler) handleLocateKey(w http.ResponseWriter, r *http.Request) {
	loc, err := h.node.LocateKey(r.PathValue("name"), r.PathValue("key"))
	if err != nil {
		h.handleNodeError(w, r, err)
		return
	}
	h.writeJSON(w, r, http.StatusOK, loc)
}

// handleTriggerRebalance handles POST /admin/v1/stores/{name}/rebalance.
func (h *Handler) handleTriggerRebalance(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := h.node.TriggerRebalance(name); err != nil {
		h.handleNodeError(w, r, err)
		return
	}
	h.logger.Info("rebalance triggered by admin", "store", name)
	h.writeJSON(w, r, http.StatusAccepted, adminv1.TriggerResponse{Store: name, Triggered: true})
}

// handleGetRebalancing handles GET /admin/v1/rebalancing.
func (h *Handler) handleGetRebalancing(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, r, http.StatusOK, adminv1.RebalancingResponse{Enabled: h.node.RebalancingEnabled()})
}

// handleSetRebalancing handles PUT /admin/v1/rebalancing.
func (h *Handler) handleSetRebalancing(w http.ResponseWriter, r *http.Request) {
	var req adminv1.RebalancingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, http.StatusBadRequest, adminv1.CodeBadRequest, "invalid request body", nil)
		return
	}
	h.node.SetRebalancingEnabled(req.Enabled)
	h.logger.Info("automatic rebalancing toggled by admin", "enabled", req.Enabled)
	h.writeJSON(w, r, http.StatusOK, adminv1.RebalancingResponse{Enabled: h.node.RebalancingEnabled()})
}
