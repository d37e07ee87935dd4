package audit

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/parceld/gate/internal/logging"
)

// Handler serves the admin audit query surface.
type Handler struct {
	store Store
}

// NewHandler creates an audit query handler.
func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// List handles GET /admin/audit/events.
// Query params: actor, kind, severity, resource_kind, resource_id, since (RFC3339), limit.
func (h *Handler) List(c *gin.Context) {
	f := Filter{
		Actor:        c.Query("actor"),
		Kind:         c.Query("kind"),
		Severity:     Severity(c.Query("severity")),
		ResourceKind: c.Query("resource_kind"),
		ResourceID:   c.Query("resource_id"),
	}

	if since := c.Query("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_since",
				"message": "since must be RFC3339",
			})
			return
		}
		f.Since = t
	}

	if limit := c.Query("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n <= 0 || n > 1000 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_limit",
				"message": "limit must be between 1 and 1000",
			})
			return
		}
		f.Limit = n
	}

	events, err := h.store.List(c.Request.Context(), f)
	if err != nil {
		logging.L(c.Request.Context()).Error("audit list failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "failed to list audit events",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"events": events,
		"count":  len(events),
	})
}
