package auth

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/parceld/gate/internal/logging"
	"github.com/parceld/gate/internal/state"
)

// Handler serves API key management endpoints.
type Handler struct {
	manager     *Manager
	adminSecret string
}

// NewHandler creates an auth handler. adminSecret, when set, allows
// bootstrapping the first admin key via the X-Admin-Secret header before
// any admin actor exists.
func NewHandler(manager *Manager, adminSecret string) *Handler {
	return &Handler{manager: manager, adminSecret: adminSecret}
}

type issueKeyRequest struct {
	ActorID string `json:"actorId" binding:"required"`
	Role    string `json:"role" binding:"required"`
	Name    string `json:"name"`
}

// Issue handles POST /admin/keys. Allowed for authenticated admins, or
// for callers presenting the bootstrap secret.
func (h *Handler) Issue(c *gin.Context) {
	if !h.callerMayIssue(c) {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": "Admin role or bootstrap secret required.",
		})
		return
	}

	var req issueKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "actorId and role are required",
		})
		return
	}

	role, err := state.ParseRole(req.Role)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_role",
			"message": "role must be one of customer, courier, admin, system",
		})
		return
	}

	rawKey, key, err := h.manager.GenerateKey(c.Request.Context(), req.ActorID, role, req.Name)
	if err != nil {
		logging.L(c.Request.Context()).Error("key issue failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "failed to issue key",
		})
		return
	}

	logging.L(c.Request.Context()).Info("api key issued",
		"key_id", key.ID, "actor", key.ActorID, "role", key.Role)

	c.JSON(http.StatusCreated, gin.H{
		"key":     rawKey, // shown once
		"id":      key.ID,
		"actorId": key.ActorID,
		"role":    key.Role,
	})
}

// List handles GET /admin/keys?actor=...
func (h *Handler) List(c *gin.Context) {
	actorID := c.Query("actor")
	if actorID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "actor query parameter required",
		})
		return
	}

	keys, err := h.manager.ListKeys(c.Request.Context(), actorID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "failed to list keys",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"keys": keys, "count": len(keys)})
}

// Revoke handles DELETE /admin/keys/:id?actor=...
func (h *Handler) Revoke(c *gin.Context) {
	keyID := c.Param("id")
	actorID := c.Query("actor")

	if err := h.manager.RevokeKey(c.Request.Context(), keyID, actorID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "key not found for actor",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"revoked": keyID})
}

func (h *Handler) callerMayIssue(c *gin.Context) bool {
	if actor, ok := ActorFromContext(c); ok && actor.Role == state.RoleAdmin {
		return true
	}
	if h.adminSecret == "" {
		return false
	}
	secret := c.GetHeader("X-Admin-Secret")
	return secret != "" &&
		subtle.ConstantTimeCompare([]byte(secret), []byte(h.adminSecret)) == 1
}
