package handlers

import (
	"errors"
	"net/http"

	"github.com/marmos91/presenced/internal/logger"
	"github.com/marmos91/presenced/pkg/coordinator"
)

// RouteHandler answers user routing queries.
type RouteHandler struct {
	coord *coordinator.Coordinator
}

// NewRouteHandler creates a route handler.
func NewRouteHandler(coord *coordinator.Coordinator) *RouteHandler {
	return &RouteHandler{coord: coord}
}

type routeResponse struct {
	UserID   string `json:"userId"`
	VNode    *int   `json:"vnode,omitempty"`
	Instance string `json:"instance"`
	Source   string `json:"source"`
}

// Route handles GET /route?userId=<s>.
//
// Responses: 200 with the owning instance, 400 on a missing userId, 404
// when no instance owns the user's vnode, 500 on directory failures.
// Cache answers omit the vnode field.
func (h *RouteHandler) Route(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}

	res, err := h.coord.Route(r.Context(), userID)
	if err != nil {
		if errors.Is(err, coordinator.ErrOwnerNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		logger.Error("route failed",
			logger.KeyUserID, userID,
			logger.KeyError, err)
		writeError(w, http.StatusInternalServerError, "routing failed")
		return
	}

	resp := routeResponse{
		UserID:   res.UserID,
		Instance: res.InstanceID,
		Source:   string(res.Source),
	}
	if res.Source == coordinator.SourceHash {
		vnode := res.VNode
		resp.VNode = &vnode
	}
	writeJSON(w, http.StatusOK, resp)
}
