package idempotency

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store implementation.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
	now     func() time.Time
}

// NewMemoryStore creates a new in-memory idempotency store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*Record),
		now:     time.Now,
	}
}

func recordKey(actorID, key string) string {
	return actorID + "\x00" + key
}

// Get returns the live committed record for (actor, key), or ErrMiss.
func (s *MemoryStore) Get(_ context.Context, actorID, key string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.records[recordKey(actorID, key)]
	if !ok || s.now().After(r.ExpiresAt) || r.Status == 0 {
		return nil, ErrMiss
	}
	cp := *r
	cp.Body = append([]byte(nil), r.Body...)
	return &cp, nil
}

// Reserve claims (actor, key) with a pending record. Exactly one of a
// set of racing callers gets (nil, nil); the rest see the committed
// record or ErrInFlight.
func (s *MemoryStore) Reserve(_ context.Context, actorID, key string, expiresAt time.Time) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := recordKey(actorID, key)
	if existing, ok := s.records[k]; ok && s.now().Before(existing.ExpiresAt) {
		if existing.Status == 0 {
			return nil, ErrInFlight
		}
		cp := *existing
		cp.Body = append([]byte(nil), existing.Body...)
		return &cp, nil
	}
	s.records[k] = &Record{
		ActorID:   actorID,
		Key:       key,
		CreatedAt: s.now(),
		ExpiresAt: expiresAt,
	}
	return nil, nil
}

// Put commits the record over a pending reservation or an expired row.
// A live committed record is never overwritten.
func (s *MemoryStore) Put(_ context.Context, r *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := recordKey(r.ActorID, r.Key)
	if existing, ok := s.records[k]; ok && s.now().Before(existing.ExpiresAt) && existing.Status != 0 {
		return nil
	}
	cp := *r
	cp.Body = append([]byte(nil), r.Body...)
	s.records[k] = &cp
	return nil
}

// Release drops a pending reservation; committed records are kept.
func (s *MemoryStore) Release(_ context.Context, actorID, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := recordKey(actorID, key)
	if existing, ok := s.records[k]; ok && existing.Status == 0 {
		delete(s.records, k)
	}
	return nil
}

// Sweep drops expired records.
func (s *MemoryStore) Sweep(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for k, r := range s.records {
		if now.After(r.ExpiresAt) {
			delete(s.records, k)
			removed++
		}
	}
	return removed, nil
}

var _ Store = (*MemoryStore)(nil)
