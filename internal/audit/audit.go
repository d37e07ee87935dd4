// Package audit emits security and transition events to the platform's
// append-only audit sink.
//
// The sink is write-only from this layer's point of view: events are
// buffered and written by a single background goroutine, and a failure to
// persist an event is logged and swallowed — it must never change the
// outcome of the transition that produced it.
package audit

import (
	"context"
	"errors"
	"time"
)

// Severity grades an event for triage.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Event kinds. The uppercase names match what the platform's SIEM ingests.
const (
	KindStateTransition    = "STATE_TRANSITION"
	KindTransitionDenied   = "TRANSITION_DENIED"
	KindUnauthorizedAccess = "UNAUTHORIZED_ACCESS"
	KindReplayAttempt      = "REPLAY_ATTACK_ATTEMPT"
	KindRiskBlocked        = "RISK_BLOCKED"
	KindRiskFlag           = "RISK_FLAG"
	KindRateLimited        = "RATE_LIMIT_EXCEEDED"
)

// Event is one append-only audit fact. Detail carries enough context to
// reconstruct the decision later; the user-facing error stays generic.
type Event struct {
	ID           string            `json:"id"`
	Actor        string            `json:"actor"`
	Kind         string            `json:"kind"`
	Severity     Severity          `json:"severity"`
	ResourceKind string            `json:"resourceKind,omitempty"`
	ResourceID   string            `json:"resourceId,omitempty"`
	Detail       map[string]string `json:"detail,omitempty"`
	CreatedAt    time.Time         `json:"createdAt"`
}

// ErrEventNotFound is returned by List-style lookups that match nothing.
var ErrEventNotFound = errors.New("audit event not found")

// Filter narrows event queries.
type Filter struct {
	Actor        string
	Kind         string
	Severity     Severity
	ResourceKind string
	ResourceID   string
	Since        time.Time
	Limit        int
}

// Store persists audit events.
type Store interface {
	Append(ctx context.Context, e *Event) error
	List(ctx context.Context, f Filter) ([]*Event, error)
}

// Broadcaster pushes events to live ops subscribers (best-effort).
type Broadcaster interface {
	BroadcastEvent(e *Event)
}
