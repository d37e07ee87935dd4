// Package replay rejects requests that arrive outside the freshness
// window or that duplicate an already-seen request.
//
// Three independent checks, cheapest first: a client timestamp bounded
// by the window, a single-use nonce on strict endpoints, and a
// content-derived signature that catches duplicate submissions lacking
// an explicit nonce. The window store is in-process and best-effort; it
// is acceptable to lose it on restart.
package replay

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"
)

var (
	ErrTimestampRequired = errors.New("timestamp header required")
	ErrStaleTimestamp    = errors.New("timestamp outside freshness window")
	ErrNonceRequired     = errors.New("nonce header required")
	ErrNonceReused       = errors.New("nonce already consumed")
	ErrDuplicateRequest  = errors.New("duplicate request within window")
)

// Guard evaluates request freshness against a sliding window.
type Guard struct {
	window time.Duration
	now    func() time.Time

	mu   sync.Mutex
	seen map[string]time.Time // key -> expiry
}

// NewGuard creates a replay guard with the given freshness window.
func NewGuard(window time.Duration) *Guard {
	return &Guard{
		window: window,
		now:    time.Now,
		seen:   make(map[string]time.Time),
	}
}

// CheckTimestamp parses a unix-seconds timestamp header and verifies it
// lies within the window of now, in either direction (future skew is as
// suspect as a stale replay).
func (g *Guard) CheckTimestamp(header string) (time.Time, error) {
	if header == "" {
		return time.Time{}, ErrTimestampRequired
	}
	secs, err := strconv.ParseInt(header, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: not unix seconds", ErrTimestampRequired)
	}

	ts := time.Unix(secs, 0)
	skew := g.now().Sub(ts)
	if skew < 0 {
		skew = -skew
	}
	if skew > g.window {
		return ts, ErrStaleTimestamp
	}
	return ts, nil
}

// CheckNonce consumes a single-use nonce scoped to the actor. The first
// sight records it for the window's duration; any repeat within that
// window is a reuse.
func (g *Guard) CheckNonce(actorID, nonce string) error {
	if nonce == "" {
		return ErrNonceRequired
	}
	return g.consume("nonce:" + actorID + ":" + nonce)
}

// CheckSignature derives a content signature over (method, path,
// normalized body, actor, second bucket) and rejects an identical
// signature seen within the window. This is a heuristic backstop: on
// idempotency-keyed endpoints the key is authoritative and must be
// consulted first.
func (g *Guard) CheckSignature(method, path string, body []byte, actorID string, ts time.Time) error {
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{'|'})
	h.Write([]byte(path))
	h.Write([]byte{'|'})
	h.Write(bytes.TrimSpace(body))
	h.Write([]byte{'|'})
	h.Write([]byte(actorID))
	h.Write([]byte{'|'})
	h.Write([]byte(strconv.FormatInt(ts.Unix(), 10)))

	if err := g.consume("sig:" + hex.EncodeToString(h.Sum(nil))); err != nil {
		return ErrDuplicateRequest
	}
	return nil
}

// consume records key for the window's duration, failing if it is
// already present and unexpired.
func (g *Guard) consume(key string) error {
	now := g.now()

	g.mu.Lock()
	defer g.mu.Unlock()

	if expiry, ok := g.seen[key]; ok && now.Before(expiry) {
		return ErrNonceReused
	}
	g.seen[key] = now.Add(g.window)
	return nil
}

// Sweep drops expired entries. Called periodically by the owner.
func (g *Guard) Sweep() int {
	now := g.now()

	g.mu.Lock()
	defer g.mu.Unlock()

	removed := 0
	for key, expiry := range g.seen {
		if now.After(expiry) {
			delete(g.seen, key)
			removed++
		}
	}
	return removed
}

// Start sweeps on a ticker until ctx is cancelled.
func (g *Guard) Start(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				g.Sweep()
			}
		}
	}()
}
