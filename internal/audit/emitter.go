package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/parceld/gate/internal/idgen"
	"github.com/parceld/gate/internal/metrics"
	"github.com/parceld/gate/internal/retry"
)

const (
	defaultBuffer   = 1024
	appendAttempts  = 3
	appendBaseDelay = 50 * time.Millisecond
)

// Emitter is the asynchronous front door to the audit store. Emit never
// blocks the caller: events queue on a buffered channel and a single
// writer goroutine persists them, retrying transient store failures.
// When the buffer is full or the store keeps failing, the event is
// dropped and counted — the request that produced it already completed.
type Emitter struct {
	store       Store
	logger      *slog.Logger
	broadcaster Broadcaster

	events chan *Event
	done   chan struct{}
}

// NewEmitter creates an Emitter writing to store. Call Start to begin
// draining and Close on shutdown.
func NewEmitter(store Store, logger *slog.Logger) *Emitter {
	return &Emitter{
		store:  store,
		logger: logger,
		events: make(chan *Event, defaultBuffer),
		done:   make(chan struct{}),
	}
}

// WithBroadcaster mirrors persisted events to a live subscriber feed.
func (e *Emitter) WithBroadcaster(b Broadcaster) *Emitter {
	e.broadcaster = b
	return e
}

// Start launches the writer goroutine.
func (e *Emitter) Start(ctx context.Context) {
	go e.run(ctx)
}

// Emit enqueues an event. It stamps ID and CreatedAt if unset and
// returns immediately; a full buffer drops the event.
func (e *Emitter) Emit(ev *Event) {
	if ev.ID == "" {
		ev.ID = idgen.WithPrefix("evt_")
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}

	select {
	case e.events <- ev:
	default:
		metrics.AuditDroppedTotal.Inc()
		e.logger.Warn("audit buffer full, dropping event",
			"kind", ev.Kind, "actor", ev.Actor)
	}
}

// Close stops the writer after draining queued events.
func (e *Emitter) Close() {
	close(e.events)
	<-e.done
}

func (e *Emitter) run(ctx context.Context) {
	defer close(e.done)

	for ev := range e.events {
		e.persist(ctx, ev)
	}
}

func (e *Emitter) persist(ctx context.Context, ev *Event) {
	err := retry.Do(ctx, appendAttempts, appendBaseDelay, func() error {
		// Bound each attempt so a wedged store can't stall the drain loop.
		actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return e.store.Append(actx, ev)
	})
	if err != nil {
		metrics.AuditDroppedTotal.Inc()
		e.logger.Error("audit append failed, dropping event",
			"kind", ev.Kind, "actor", ev.Actor, "error", err)
		return
	}

	metrics.SecurityEventsTotal.WithLabelValues(ev.Kind, string(ev.Severity)).Inc()

	if e.broadcaster != nil {
		e.broadcaster.BroadcastEvent(ev)
	}
}
