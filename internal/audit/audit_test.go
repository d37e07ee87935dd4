package audit

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func TestMemoryStoreListFilters(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	base := time.Now().UTC()
	events := []*Event{
		{ID: "evt_1", Actor: "cust_1", Kind: KindStateTransition, Severity: SeverityLow, ResourceKind: "delivery", ResourceID: "del_1", CreatedAt: base},
		{ID: "evt_2", Actor: "cust_1", Kind: KindReplayAttempt, Severity: SeverityHigh, CreatedAt: base.Add(time.Second)},
		{ID: "evt_3", Actor: "cour_9", Kind: KindUnauthorizedAccess, Severity: SeverityHigh, ResourceKind: "delivery", ResourceID: "del_1", CreatedAt: base.Add(2 * time.Second)},
	}
	for _, e := range events {
		if err := store.Append(ctx, e); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	got, err := store.List(ctx, Filter{Actor: "cust_1"})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 events for cust_1, got %d", len(got))
	}
	// Newest first.
	if got[0].ID != "evt_2" || got[1].ID != "evt_1" {
		t.Errorf("expected newest-first ordering, got %s, %s", got[0].ID, got[1].ID)
	}

	got, err = store.List(ctx, Filter{Severity: SeverityHigh, ResourceID: "del_1"})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 1 || got[0].ID != "evt_3" {
		t.Fatalf("expected only evt_3, got %+v", got)
	}

	got, err = store.List(ctx, Filter{Since: base.Add(time.Second)})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("expected 2 events since base+1s, got %d", len(got))
	}
}

func TestMemoryStoreLimit(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	for i := 0; i < 10; i++ {
		if err := store.Append(ctx, &Event{ID: "evt", Actor: "a", Kind: KindRiskFlag, Severity: SeverityLow, CreatedAt: time.Now()}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	got, err := store.List(ctx, Filter{Limit: 3})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 3 {
		t.Errorf("expected 3 events, got %d", len(got))
	}
}

// recordingStore captures appends and can be told to fail.
type recordingStore struct {
	mu     sync.Mutex
	events []*Event
	fail   bool
}

func (s *recordingStore) Append(_ context.Context, e *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("store down")
	}
	s.events = append(s.events, e)
	return nil
}

func (s *recordingStore) List(_ context.Context, _ Filter) ([]*Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Event(nil), s.events...), nil
}

func (s *recordingStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

type recordingBroadcaster struct {
	mu     sync.Mutex
	events []*Event
}

func (b *recordingBroadcaster) BroadcastEvent(e *Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, e)
}

func (b *recordingBroadcaster) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestEmitterPersistsAndBroadcasts(t *testing.T) {
	store := &recordingStore{}
	bc := &recordingBroadcaster{}

	em := NewEmitter(store, slog.Default()).WithBroadcaster(bc)
	em.Start(context.Background())

	em.Emit(&Event{Actor: "cust_1", Kind: KindStateTransition, Severity: SeverityLow})
	em.Emit(&Event{Actor: "cust_1", Kind: KindReplayAttempt, Severity: SeverityHigh})

	waitFor(t, func() bool { return store.count() == 2 && bc.count() == 2 })

	events, _ := store.List(context.Background(), Filter{})
	for _, e := range events {
		if e.ID == "" {
			t.Error("expected emitter to stamp event ID")
		}
		if e.CreatedAt.IsZero() {
			t.Error("expected emitter to stamp CreatedAt")
		}
	}

	em.Close()
}

func TestEmitterDropsOnPersistentFailure(t *testing.T) {
	store := &recordingStore{fail: true}

	em := NewEmitter(store, slog.Default())
	em.Start(context.Background())

	em.Emit(&Event{Actor: "cust_1", Kind: KindRiskFlag, Severity: SeverityLow})

	// Close drains the queue; the failed event must not wedge shutdown.
	done := make(chan struct{})
	go func() {
		em.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("emitter did not shut down after store failure")
	}

	if store.count() != 0 {
		t.Errorf("expected no persisted events, got %d", store.count())
	}
}

func TestEmitterCloseDrainsQueue(t *testing.T) {
	store := &recordingStore{}

	em := NewEmitter(store, slog.Default())
	em.Start(context.Background())

	for i := 0; i < 50; i++ {
		em.Emit(&Event{Actor: "cust_1", Kind: KindStateTransition, Severity: SeverityLow})
	}
	em.Close()

	if store.count() != 50 {
		t.Errorf("expected 50 persisted events after Close, got %d", store.count())
	}
}
