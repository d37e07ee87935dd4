package risk

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler serves the admin risk inspection surface.
type Handler struct {
	scorer *Scorer
	store  Store
}

// NewHandler creates a risk query handler. store may be nil when flag
// persistence is disabled.
func NewHandler(scorer *Scorer, store Store) *Handler {
	return &Handler{scorer: scorer, store: store}
}

// GetActor handles GET /admin/risk/:actor — the live in-memory record.
func (h *Handler) GetActor(c *gin.Context) {
	actorID := c.Param("actor")

	behavior, tracked := h.scorer.Get(actorID)
	c.JSON(http.StatusOK, gin.H{
		"behavior": behavior,
		"tracked":  tracked,
	})
}

// ListFlags handles GET /admin/risk/:actor/flags — the persisted trail.
func (h *Handler) ListFlags(c *gin.Context) {
	if h.store == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "flag persistence is not enabled",
		})
		return
	}

	events, err := h.store.ListByActor(c.Request.Context(), c.Param("actor"), 100)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "failed to list flags",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"flags": events, "count": len(events)})
}
