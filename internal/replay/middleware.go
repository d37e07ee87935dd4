package replay

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/parceld/gate/internal/audit"
	"github.com/parceld/gate/internal/auth"
	"github.com/parceld/gate/internal/metrics"
)

// Emitter receives security events from the guard middleware.
type Emitter interface {
	Emit(e *audit.Event)
}

// Flagger feeds abuse signals to the risk scorer.
type Flagger interface {
	Flag(actorID, flagType, detail string)
}

// Middleware enforces the replay checks on a mutating route. When strict
// is true the route additionally requires a single-use X-Nonce (used for
// balance-moving payment calls).
//
// Stage contract: short-circuits with 400 on a missing/garbled header,
// 409 on any replay signal; otherwise passes through unchanged. Every
// rejection emits a REPLAY_ATTACK_ATTEMPT event.
func Middleware(g *Guard, strict bool, emitter Emitter, flagger Flagger) gin.HandlerFunc {
	return func(c *gin.Context) {
		actorID := c.ClientIP()
		if actor, ok := auth.ActorFromContext(c); ok {
			actorID = actor.ID
		}

		ts, err := g.CheckTimestamp(c.GetHeader("X-Timestamp"))
		if err != nil {
			if errors.Is(err, ErrStaleTimestamp) {
				reject(c, emitter, flagger, actorID, "stale_timestamp", "timestamp_skew",
					http.StatusConflict, "request timestamp outside the accepted window")
				return
			}
			reject(c, emitter, flagger, actorID, "timestamp_missing", "",
				http.StatusBadRequest, "X-Timestamp header (unix seconds) is required")
			return
		}

		if strict {
			if err := g.CheckNonce(actorID, c.GetHeader("X-Nonce")); err != nil {
				if errors.Is(err, ErrNonceRequired) {
					reject(c, emitter, flagger, actorID, "nonce_missing", "",
						http.StatusBadRequest, "X-Nonce header is required on this endpoint")
					return
				}
				reject(c, emitter, flagger, actorID, "nonce_reused", "replay_attempt",
					http.StatusConflict, "request could not be accepted")
				return
			}
		}

		// The content signature only backstops unkeyed submissions. A
		// request carrying an Idempotency-Key is deduplicated by the
		// cache, which is authoritative; double-checking its signature
		// here would turn a legitimate keyed retry into a rejection.
		if c.GetHeader("Idempotency-Key") == "" {
			body, err := io.ReadAll(c.Request.Body)
			if err != nil {
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
					"error":   "invalid_request",
					"message": "failed to read request body",
				})
				return
			}
			c.Request.Body = io.NopCloser(bytes.NewReader(body))

			if err := g.CheckSignature(c.Request.Method, c.Request.URL.Path, body, actorID, ts); err != nil {
				reject(c, emitter, flagger, actorID, "duplicate_signature", "replay_attempt",
					http.StatusConflict, "request could not be accepted")
				return
			}
		}

		c.Next()
	}
}

func reject(c *gin.Context, emitter Emitter, flagger Flagger, actorID, reason, flagType string, status int, message string) {
	metrics.ReplayRejectionsTotal.WithLabelValues(reason).Inc()

	if emitter != nil {
		emitter.Emit(&audit.Event{
			Actor:    actorID,
			Kind:     audit.KindReplayAttempt,
			Severity: audit.SeverityHigh,
			Detail: map[string]string{
				"reason": reason,
				"method": c.Request.Method,
				"path":   c.Request.URL.Path,
				"ip":     c.ClientIP(),
			},
			CreatedAt: time.Now().UTC(),
		})
	}
	if flagger != nil && flagType != "" {
		flagger.Flag(actorID, flagType, reason)
	}

	// Deliberately generic: the rejection reason lives in the audit trail.
	c.AbortWithStatusJSON(status, gin.H{
		"error":   "request_rejected",
		"message": message,
	})
}
