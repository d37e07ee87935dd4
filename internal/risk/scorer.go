package risk

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/parceld/gate/internal/audit"
	"github.com/parceld/gate/internal/idgen"
	"github.com/parceld/gate/internal/metrics"
)

// maxFlagsPerActor caps the retained flag history per record.
const maxFlagsPerActor = 100

// Emitter receives audit events for flagged activity.
type Emitter interface {
	Emit(e *audit.Event)
}

// Scorer owns the per-actor behavior records. It is constructed once at
// process start and passed to every consumer explicitly; there is no
// package-level instance.
type Scorer struct {
	records sync.Map // actorID -> *record
	store   Store
	emitter Emitter
	now     func() time.Time
}

type record struct {
	mu sync.Mutex
	b  Behavior
}

// NewScorer creates a risk scorer.
func NewScorer() *Scorer {
	return &Scorer{now: time.Now}
}

// WithStore persists flagged events best-effort for offline analysis.
func (s *Scorer) WithStore(store Store) *Scorer {
	s.store = store
	return s
}

// WithEmitter mirrors flags into the audit stream.
func (s *Scorer) WithEmitter(e Emitter) *Scorer {
	s.emitter = e
	return s
}

// Flag records an abuse signal against the actor and returns the updated
// behavior snapshot. Decay is applied before the new points land.
func (s *Scorer) Flag(actorID string, t FlagType, detail string) Behavior {
	pts := Points(t)
	if pts == 0 {
		b, _ := s.Get(actorID)
		return b
	}

	now := s.now()
	rec := s.record(actorID)

	rec.mu.Lock()
	s.decayLocked(rec, now)
	rec.b.Score += pts
	rec.b.Tier = TierFor(rec.b.Score)
	rec.b.LastActivity = now
	rec.b.Flags = append(rec.b.Flags, Flag{Type: t, Detail: detail, Timestamp: now})
	if len(rec.b.Flags) > maxFlagsPerActor {
		rec.b.Flags = rec.b.Flags[len(rec.b.Flags)-maxFlagsPerActor:]
	}
	snapshot := snapshotLocked(rec)
	rec.mu.Unlock()

	metrics.RiskFlagsTotal.WithLabelValues(string(t)).Inc()

	if s.store != nil {
		// Best-effort audit trail; never blocks the request path.
		go func() {
			_ = s.store.Record(context.Background(), &FlaggedEvent{
				ID:        idgen.WithPrefix("flag_"),
				ActorID:   actorID,
				Type:      t,
				Points:    pts,
				Detail:    detail,
				CreatedAt: now,
			})
		}()
	}
	if s.emitter != nil {
		s.emitter.Emit(&audit.Event{
			Actor:    actorID,
			Kind:     audit.KindRiskFlag,
			Severity: flagSeverity(pts),
			Detail: map[string]string{
				"flag":   string(t),
				"detail": detail,
				"score":  strconv.Itoa(snapshot.Score),
				"tier":   string(snapshot.Tier),
			},
		})
	}

	return snapshot
}

// Assess applies decay and returns the actor's current tier without
// adding points. Actors with no record are LOW.
func (s *Scorer) Assess(actorID string) Tier {
	v, ok := s.records.Load(actorID)
	if !ok {
		return TierLow
	}
	rec := v.(*record)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	s.decayLocked(rec, s.now())
	return rec.b.Tier
}

// Get returns a snapshot of the actor's behavior record, decayed to now.
func (s *Scorer) Get(actorID string) (Behavior, bool) {
	v, ok := s.records.Load(actorID)
	if !ok {
		return Behavior{ActorID: actorID, Tier: TierLow}, false
	}
	rec := v.(*record)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	s.decayLocked(rec, s.now())
	return snapshotLocked(rec), true
}

// Sweep evicts records idle longer than idleEvict and prunes flags older
// than flagMaxAge from the records that remain. Returns the eviction count.
func (s *Scorer) Sweep(idleEvict, flagMaxAge time.Duration) int {
	now := s.now()
	evicted := 0
	tracked := 0

	s.records.Range(func(key, value any) bool {
		rec := value.(*record)
		rec.mu.Lock()
		if now.Sub(rec.b.LastActivity) > idleEvict {
			s.records.Delete(key)
			evicted++
			rec.mu.Unlock()
			return true
		}
		cutoff := now.Add(-flagMaxAge)
		kept := rec.b.Flags[:0]
		for _, f := range rec.b.Flags {
			if f.Timestamp.After(cutoff) {
				kept = append(kept, f)
			}
		}
		rec.b.Flags = kept
		tracked++
		rec.mu.Unlock()
		return true
	})

	metrics.TrackedActors.Set(float64(tracked))
	return evicted
}

func (s *Scorer) record(actorID string) *record {
	now := s.now()
	v, _ := s.records.LoadOrStore(actorID, &record{
		b: Behavior{
			ActorID:      actorID,
			Tier:         TierLow,
			LastActivity: now,
			LastDecay:    now,
		},
	})
	return v.(*record)
}

// decayLocked subtracts one point per full minute elapsed since the last
// decay, flooring at zero. Caller holds rec.mu.
func (s *Scorer) decayLocked(rec *record, now time.Time) {
	elapsed := now.Sub(rec.b.LastDecay)
	mins := int(elapsed.Minutes())
	if mins < 1 {
		return
	}

	rec.b.Score -= mins
	if rec.b.Score < 0 {
		rec.b.Score = 0
	}
	rec.b.Tier = TierFor(rec.b.Score)
	// Advance by whole minutes so fractional remainder keeps accruing.
	rec.b.LastDecay = rec.b.LastDecay.Add(time.Duration(mins) * time.Minute)
}

func snapshotLocked(rec *record) Behavior {
	b := rec.b
	b.Flags = append([]Flag(nil), rec.b.Flags...)
	return b
}

func flagSeverity(pts int) audit.Severity {
	switch {
	case pts >= 50:
		return audit.SeverityHigh
	case pts >= 25:
		return audit.SeverityMedium
	default:
		return audit.SeverityLow
	}
}

