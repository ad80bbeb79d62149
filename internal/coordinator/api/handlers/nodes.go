package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/marmos91/presenced/internal/logger"
	"github.com/marmos91/presenced/pkg/coordinator"
)

// NodeHandler handles instance admission and eviction.
type NodeHandler struct {
	coord *coordinator.Coordinator
}

// NewNodeHandler creates a node handler.
func NewNodeHandler(coord *coordinator.Coordinator) *NodeHandler {
	return &NodeHandler{coord: coord}
}

type registerRequest struct {
	InstanceID string `json:"instanceId"`
	Weight     int    `json:"weight"`
}

type registerResponse struct {
	InstanceID     string `json:"instanceId"`
	AssignedVNodes []int  `json:"assignedVnodes"`
}

// Register handles POST /nodes/register.
//
// Responses: 201 with the assigned vnode ids, 400 on a missing instance id,
// 409 when the ring is full, 500 on directory failures.
func (h *NodeHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.InstanceID == "" {
		writeError(w, http.StatusBadRequest, "instanceId is required")
		return
	}

	assigned, err := h.coord.Register(r.Context(), req.InstanceID, req.Weight)
	if err != nil {
		if errors.Is(err, coordinator.ErrNoVNodesAvailable) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		logger.Error("register failed",
			logger.KeyInstanceID, req.InstanceID,
			logger.KeyError, err)
		writeError(w, http.StatusInternalServerError, "registration failed")
		return
	}

	writeJSON(w, http.StatusCreated, registerResponse{
		InstanceID:     req.InstanceID,
		AssignedVNodes: assigned,
	})
}

type unregisterRequest struct {
	InstanceID string `json:"instanceId"`
}

type unregisterResponse struct {
	InstanceID    string `json:"instanceId"`
	RemovedVNodes []int  `json:"removedVnodes"`
}

// Unregister handles POST /nodes/unregister.
//
// Responses: 200 with the released vnode ids, 400 on a missing instance id,
// 404 when the instance owns nothing, 500 on directory failures.
func (h *NodeHandler) Unregister(w http.ResponseWriter, r *http.Request) {
	var req unregisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.InstanceID == "" {
		writeError(w, http.StatusBadRequest, "instanceId is required")
		return
	}

	removed, err := h.coord.Unregister(r.Context(), req.InstanceID)
	if err != nil {
		if errors.Is(err, coordinator.ErrInstanceNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		logger.Error("unregister failed",
			logger.KeyInstanceID, req.InstanceID,
			logger.KeyError, err)
		writeError(w, http.StatusInternalServerError, "unregistration failed")
		return
	}

	writeJSON(w, http.StatusOK, unregisterResponse{
		InstanceID:    req.InstanceID,
		RemovedVNodes: removed,
	})
}
