// Package risk maintains a decaying abuse score per actor and imposes
// graduated responses on suspicious traffic.
//
// Each flagged event adds a fixed number of points to the actor's record;
// the score decays one point per minute of inactivity. The resulting tier
// drives the response: critical actors are blocked outright, high and
// medium ones are slowed down. Scores are ephemeral by design — they live
// in process memory and reset on restart.
package risk

import (
	"context"
	"errors"
	"time"
)

// ErrBlocked is returned when an actor's tier mandates outright rejection.
var ErrBlocked = errors.New("actor blocked by risk policy")

// Tier buckets a score for response policy.
type Tier string

const (
	TierLow      Tier = "LOW"
	TierMedium   Tier = "MEDIUM"
	TierHigh     Tier = "HIGH"
	TierCritical Tier = "CRITICAL"
)

// Tier thresholds: LOW < 20 <= MEDIUM < 50 <= HIGH < 100 <= CRITICAL.
const (
	ThresholdMedium   = 20
	ThresholdHigh     = 50
	ThresholdCritical = 100
)

// TierFor maps a score to its tier.
func TierFor(score int) Tier {
	switch {
	case score >= ThresholdCritical:
		return TierCritical
	case score >= ThresholdHigh:
		return TierHigh
	case score >= ThresholdMedium:
		return TierMedium
	default:
		return TierLow
	}
}

// FlagType enumerates the abuse signals the scorer understands.
type FlagType string

const (
	FlagFailedLogin        FlagType = "failed_login"
	FlagPaymentFailure     FlagType = "payment_failure"
	FlagEnumerationAttempt FlagType = "enumeration_attempt"
	FlagHoneypot           FlagType = "honeypot"
	FlagReplayAttempt      FlagType = "replay_attempt"
	FlagInjectionProbe     FlagType = "injection_probe"
	FlagHeaderConflict     FlagType = "header_conflict"
	FlagTimestampSkew      FlagType = "timestamp_skew"
)

// points per flag type. Unknown flag types score zero and are ignored.
var points = map[FlagType]int{
	FlagFailedLogin:        10,
	FlagPaymentFailure:     25,
	FlagEnumerationAttempt: 25,
	FlagHoneypot:           50,
	FlagReplayAttempt:      25,
	FlagInjectionProbe:     30,
	FlagHeaderConflict:     15,
	FlagTimestampSkew:      10,
}

// Points returns the score value of a flag type.
func Points(t FlagType) int {
	return points[t]
}

// Flag is one observed abuse signal on an actor's record.
type Flag struct {
	Type      FlagType  `json:"type"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Behavior is the per-actor risk record.
type Behavior struct {
	ActorID      string    `json:"actorId"`
	Score        int       `json:"score"`
	Tier         Tier      `json:"tier"`
	Flags        []Flag    `json:"flags"`
	LastActivity time.Time `json:"lastActivity"`
	LastDecay    time.Time `json:"lastDecay"`
}

// FlaggedEvent is the durable form of a flag, persisted best-effort for
// offline analysis.
type FlaggedEvent struct {
	ID        string    `json:"id"`
	ActorID   string    `json:"actorId"`
	Type      FlagType  `json:"type"`
	Points    int       `json:"points"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store persists flagged events.
type Store interface {
	Record(ctx context.Context, e *FlaggedEvent) error
	ListByActor(ctx context.Context, actorID string, limit int) ([]*FlaggedEvent, error)
}
