package risk

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/parceld/gate/internal/audit"
	"github.com/parceld/gate/internal/auth"
	"github.com/parceld/gate/internal/metrics"
)

// Response delays per tier. Slowing an abuser is cheaper than blocking a
// false positive, so the ladder only rejects outright at CRITICAL.
const (
	DelayHigh   = 2 * time.Second
	DelayMedium = 500 * time.Millisecond
)

// Delay returns the artificial latency for a tier.
func Delay(t Tier) time.Duration {
	switch t {
	case TierHigh:
		return DelayHigh
	case TierMedium:
		return DelayMedium
	default:
		return 0
	}
}

// Gate is the risk response middleware.
//
// Stage contract: assesses the actor's current tier (decayed to now) and
// either rejects with 429 (CRITICAL), stalls the request (HIGH/MEDIUM),
// or passes through untouched (LOW). Delays respect request cancellation.
func Gate(scorer *Scorer, emitter Emitter) gin.HandlerFunc {
	return func(c *gin.Context) {
		actorID := c.ClientIP()
		if actor, ok := auth.ActorFromContext(c); ok {
			actorID = actor.ID
		}

		tier := scorer.Assess(actorID)
		switch tier {
		case TierCritical:
			metrics.RiskBlockedTotal.Inc()
			if emitter != nil {
				emitter.Emit(&audit.Event{
					Actor:    actorID,
					Kind:     audit.KindRiskBlocked,
					Severity: audit.SeverityCritical,
					Detail: map[string]string{
						"method": c.Request.Method,
						"path":   c.Request.URL.Path,
						"ip":     c.ClientIP(),
					},
				})
			}
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   "too_many_requests",
				"message": "request rejected, try again later",
			})
			return

		case TierHigh, TierMedium:
			metrics.RiskDelayedTotal.WithLabelValues(string(tier)).Inc()
			select {
			case <-time.After(Delay(tier)):
			case <-c.Request.Context().Done():
				c.AbortWithStatus(http.StatusRequestTimeout)
				return
			}
		}

		c.Next()
	}
}
