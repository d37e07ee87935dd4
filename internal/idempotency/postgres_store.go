package idempotency

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// PostgresStore is a PostgreSQL-backed Store implementation.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL idempotency store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the idempotency_records table if it doesn't exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS idempotency_records (
		actor_id TEXT NOT NULL,
		key TEXT NOT NULL,
		status INT NOT NULL,
		body BYTEA NOT NULL,
		content_type TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (actor_id, key)
	);
	CREATE INDEX IF NOT EXISTS idx_idempotency_expires ON idempotency_records(expires_at);
	`
	_, err := s.db.ExecContext(ctx, query)
	return err
}

// Get returns the live committed record for (actor, key), or ErrMiss.
// Pending reservations (status 0) are invisible here.
func (s *PostgresStore) Get(ctx context.Context, actorID, key string) (*Record, error) {
	var r Record
	err := s.db.QueryRowContext(ctx, `
		SELECT actor_id, key, status, body, content_type, created_at, expires_at
		FROM idempotency_records
		WHERE actor_id = $1 AND key = $2 AND expires_at > NOW() AND status <> 0`,
		actorID, key,
	).Scan(&r.ActorID, &r.Key, &r.Status, &r.Body, &r.ContentType, &r.CreatedAt, &r.ExpiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrMiss
		}
		return nil, err
	}
	return &r, nil
}

// Reserve claims (actor, key) by inserting a pending row; the primary
// key arbitrates races. An expired row under the same key is reclaimed.
func (s *PostgresStore) Reserve(ctx context.Context, actorID, key string, expiresAt time.Time) (*Record, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO idempotency_records (actor_id, key, status, body, content_type, created_at, expires_at)
		VALUES ($1, $2, 0, ''::bytea, '', NOW(), $3)
		ON CONFLICT (actor_id, key) DO UPDATE
		SET status = 0, body = ''::bytea, content_type = '',
		    created_at = NOW(), expires_at = EXCLUDED.expires_at
		WHERE idempotency_records.expires_at <= NOW()`,
		actorID, key, expiresAt,
	)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 1 {
		return nil, nil
	}

	// Lost the insert to a live row: committed means replay it, pending
	// means another execution is mid-flight.
	rec, err := s.Get(ctx, actorID, key)
	if err != nil {
		if errors.Is(err, ErrMiss) {
			return nil, ErrInFlight
		}
		return nil, err
	}
	return rec, nil
}

// Put commits the response onto the reservation. Only pending or
// expired rows are written, so concurrent duplicates stay
// first-writer-wins.
func (s *PostgresStore) Put(ctx context.Context, r *Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO idempotency_records (actor_id, key, status, body, content_type, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (actor_id, key) DO UPDATE
		SET status = EXCLUDED.status, body = EXCLUDED.body,
		    content_type = EXCLUDED.content_type,
		    created_at = EXCLUDED.created_at, expires_at = EXCLUDED.expires_at
		WHERE idempotency_records.status = 0
		   OR idempotency_records.expires_at <= NOW()`,
		r.ActorID, r.Key, r.Status, r.Body, r.ContentType, r.CreatedAt, r.ExpiresAt,
	)
	return err
}

// Release drops a pending reservation; committed rows are kept.
func (s *PostgresStore) Release(ctx context.Context, actorID, key string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM idempotency_records
		WHERE actor_id = $1 AND key = $2 AND status = 0`,
		actorID, key,
	)
	return err
}

// Sweep deletes expired records.
func (s *PostgresStore) Sweep(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM idempotency_records WHERE expires_at <= NOW()`)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

var _ Store = (*PostgresStore)(nil)
