package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/parceld/gate/internal/state"
)

const (
	// ContextKeyAPIKey is the key for storing API key in gin context
	ContextKeyAPIKey = "apiKey"
	// ContextKeyActor is the key for storing the authenticated actor
	ContextKeyActor = "authActor"
)

// Flagger feeds failed authentication attempts to the risk scorer.
type Flagger interface {
	Flag(actorID, flagType, detail string)
}

// Middleware extracts and validates the API key from the request and, if
// valid, sets the key and resolved actor in the gin context. Invalid keys
// are flagged as failed logins against the client IP but the request is
// not aborted here; RequireAuth does that.
func Middleware(m *Manager, flagger Flagger) gin.HandlerFunc {
	return func(c *gin.Context) {
		apiKey := c.GetHeader("Authorization")
		if apiKey == "" {
			apiKey = c.GetHeader("X-API-Key")
		}

		if apiKey != "" {
			key, err := m.ValidateKey(c.Request.Context(), apiKey)
			if err == nil {
				c.Set(ContextKeyAPIKey, key)
				c.Set(ContextKeyActor, key.Actor())
			} else if flagger != nil {
				flagger.Flag(c.ClientIP(), "failed_login", c.FullPath())
			}
		}

		c.Next()
	}
}

// RequireAuth rejects requests without a valid API key.
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, exists := c.Get(ContextKeyAPIKey); !exists {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "API key required. Include 'Authorization: Bearer pk_...' header.",
			})
			return
		}
		c.Next()
	}
}

// RequireRole rejects authenticated requests whose actor lacks the role.
func RequireRole(role state.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := ActorFromContext(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "API key required.",
			})
			return
		}
		if actor.Role != role {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Insufficient role for this endpoint.",
			})
			return
		}
		c.Next()
	}
}

// ActorFromContext returns the authenticated actor, if any.
func ActorFromContext(c *gin.Context) (state.Actor, bool) {
	v, exists := c.Get(ContextKeyActor)
	if !exists {
		return state.Actor{}, false
	}
	actor, ok := v.(state.Actor)
	return actor, ok
}

// GetAPIKey returns the API key from context (if authenticated)
func GetAPIKey(c *gin.Context) (*APIKey, bool) {
	key, exists := c.Get(ContextKeyAPIKey)
	if !exists {
		return nil, false
	}
	k, ok := key.(*APIKey)
	return k, ok
}
