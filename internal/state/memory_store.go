package state

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory resource store for demo/development mode.
// CompareAndSwap is serialized under the store mutex, which gives it the
// same all-or-nothing semantics the Postgres store gets from a conditional
// UPDATE.
type MemoryStore struct {
	mu        sync.RWMutex
	resources map[Kind]map[string]*Resource
}

// NewMemoryStore creates a new in-memory resource store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		resources: map[Kind]map[string]*Resource{
			KindDelivery: make(map[string]*Resource),
			KindPayment:  make(map[string]*Resource),
		},
	}
}

func (m *MemoryStore) Create(ctx context.Context, r *Resource) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	byID, ok := m.resources[r.Kind]
	if !ok {
		byID = make(map[string]*Resource)
		m.resources[r.Kind] = byID
	}
	if _, exists := byID[r.ID]; exists {
		return ErrExists
	}
	cp := *r
	byID[r.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, kind Kind, id string) (*Resource, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.resources[kind][id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) CompareAndSwap(ctx context.Context, kind Kind, id string, expected, next State, updatedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.resources[kind][id]
	if !ok {
		return ErrNotFound
	}
	if r.State != expected {
		return ErrConflict
	}
	r.State = next
	r.UpdatedAt = updatedAt
	return nil
}

// Compile-time assertion.
var _ Store = (*MemoryStore)(nil)
