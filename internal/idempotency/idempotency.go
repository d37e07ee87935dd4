// Package idempotency deduplicates retried state-changing calls.
//
// A caller-supplied Idempotency-Key, scoped per actor, maps to the exact
// response the first execution produced. A retry within the TTL is served
// that stored response verbatim and the underlying operation never runs
// twice. The key is authoritative: on keyed endpoints this check runs
// before the replay guard's content signature, so a legitimate retry is
// answered from the cache rather than rejected as a duplicate.
package idempotency

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrKeyRequired is returned when a covered endpoint is called
	// without an Idempotency-Key header.
	ErrKeyRequired = errors.New("idempotency key required")
	// ErrMiss is returned when no committed record exists for (actor, key).
	ErrMiss = errors.New("no idempotency record")
	// ErrInFlight is returned by Reserve when another execution holds the
	// key but has not committed its response yet.
	ErrInFlight = errors.New("idempotency key execution in flight")
)

// Record is the stored outcome of a keyed request. Status 0 marks a
// pending reservation: the key is held, the response not yet committed.
type Record struct {
	ActorID     string    `json:"actorId"`
	Key         string    `json:"key"`
	Status      int       `json:"status"`
	Body        []byte    `json:"body"`
	ContentType string    `json:"contentType"`
	CreatedAt   time.Time `json:"createdAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// Store persists idempotency records.
//
// The cache commits through reservation semantics: Reserve claims the
// (actor, key) pair atomically before the operation runs, so two racing
// first-sight requests cannot both execute. Exactly one caller gets the
// reservation; the loser sees either the committed record (replay it) or
// ErrInFlight (the winner is still executing). Put then fills in the
// response, and a committed record is never overwritten, which keeps
// replays byte-identical.
type Store interface {
	// Get returns the committed record for (actor, key), or ErrMiss.
	// Pending reservations are not visible through Get.
	Get(ctx context.Context, actorID, key string) (*Record, error)
	// Reserve claims (actor, key) until expiresAt. Returns (nil, nil)
	// when the claim succeeds, the committed record when one already
	// exists, or ErrInFlight when the key is held uncommitted.
	Reserve(ctx context.Context, actorID, key string, expiresAt time.Time) (*Record, error)
	// Put commits the response onto the reservation.
	Put(ctx context.Context, r *Record) error
	// Release drops a pending reservation so the client can retry. A
	// committed record is left alone.
	Release(ctx context.Context, actorID, key string) error
	Sweep(ctx context.Context) (int, error)
}
