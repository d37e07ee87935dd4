package idempotency

import (
	"bytes"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/parceld/gate/internal/auth"
	"github.com/parceld/gate/internal/logging"
	"github.com/parceld/gate/internal/metrics"
	"github.com/parceld/gate/internal/traces"
)

// HeaderKey is the client-supplied idempotency key header.
const HeaderKey = "Idempotency-Key"

// HeaderReplayed marks a response served from the cache.
const HeaderReplayed = "Idempotency-Replayed"

// bodyCapture tees the response body so it can be persisted after the
// handler runs.
type bodyCapture struct {
	gin.ResponseWriter
	buf bytes.Buffer
}

func (w *bodyCapture) Write(b []byte) (int, error) {
	w.buf.Write(b)
	return w.ResponseWriter.Write(b)
}

func (w *bodyCapture) WriteString(s string) (int, error) {
	w.buf.WriteString(s)
	return w.ResponseWriter.WriteString(s)
}

// reserveWindow bounds how long a pending reservation can block the key.
// A crashed execution self-heals after this instead of holding the key
// for the full record TTL.
const reserveWindow = time.Minute

// Middleware enforces the idempotency contract on a money-moving route.
//
// Stage contract: 400 if the Idempotency-Key header is missing; a cache
// hit short-circuits with the stored status and body verbatim. On a miss
// the key is reserved before the handler runs, so two racing first-sight
// requests cannot both execute: the loser gets 409 and retries into the
// cache. The captured response persists for ttl regardless of status, so
// a failed attempt replays as the same failure rather than re-executing.
func Middleware(store Store, ttl time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader(HeaderKey)
		if key == "" {
			metrics.IdempotencyTotal.WithLabelValues("missing_key").Inc()
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "idempotency_key_required",
				"message": "Idempotency-Key header is required on this endpoint",
			})
			return
		}

		actorID := c.ClientIP()
		if actor, ok := auth.ActorFromContext(c); ok {
			actorID = actor.ID
		}

		ctx, span := traces.StartSpan(c.Request.Context(), "idempotency.Lookup",
			traces.IdempotencyKey(key), traces.ActorID(actorID))
		defer span.End()

		rec, err := store.Reserve(ctx, actorID, key, time.Now().UTC().Add(reserveWindow))
		if err != nil {
			if errors.Is(err, ErrInFlight) {
				metrics.IdempotencyTotal.WithLabelValues("in_flight").Inc()
				c.AbortWithStatusJSON(http.StatusConflict, gin.H{
					"error":   "request_in_flight",
					"message": "a request with this Idempotency-Key is still being processed; retry shortly",
				})
				return
			}
			// Store trouble must not double-execute a payment: fail closed.
			logging.L(ctx).Error("idempotency reserve failed", "error", err)
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"error":   "unavailable",
				"message": "please retry with the same Idempotency-Key",
			})
			return
		}
		if rec != nil {
			metrics.IdempotencyTotal.WithLabelValues("replayed").Inc()
			c.Header(HeaderReplayed, "true")
			if rec.ContentType != "" {
				c.Header("Content-Type", rec.ContentType)
			}
			c.Status(rec.Status)
			_, _ = c.Writer.Write(rec.Body)
			c.Abort()
			return
		}

		capture := &bodyCapture{ResponseWriter: c.Writer}
		c.Writer = capture

		c.Next()

		if !c.Writer.Written() {
			// Nothing to commit; free the key for a clean retry.
			if err := store.Release(ctx, actorID, key); err != nil {
				logging.L(ctx).Error("idempotency release failed", "key", key, "error", err)
			}
			return
		}

		now := time.Now().UTC()
		stored := &Record{
			ActorID:     actorID,
			Key:         key,
			Status:      capture.Status(),
			Body:        capture.buf.Bytes(),
			ContentType: capture.Header().Get("Content-Type"),
			CreatedAt:   now,
			ExpiresAt:   now.Add(ttl),
		}
		if err := store.Put(ctx, stored); err != nil {
			logging.L(ctx).Error("idempotency record store failed",
				"key", key, "error", err)
			return
		}
		metrics.IdempotencyTotal.WithLabelValues("stored").Inc()
	}
}
