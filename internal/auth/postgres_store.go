package auth

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/parceld/gate/internal/state"
)

// PostgresStore is a PostgreSQL-backed API key store.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL API key store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the api_keys table if it doesn't exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS api_keys (
		id TEXT PRIMARY KEY,
		hash TEXT NOT NULL UNIQUE,
		actor_id TEXT NOT NULL,
		role TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		last_used TIMESTAMPTZ,
		expires_at TIMESTAMPTZ,
		revoked BOOLEAN NOT NULL DEFAULT FALSE
	);
	CREATE INDEX IF NOT EXISTS idx_api_keys_actor ON api_keys(actor_id);
	`
	_, err := s.db.ExecContext(ctx, query)
	return err
}

func (s *PostgresStore) Create(ctx context.Context, key *APIKey) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO api_keys (id, hash, actor_id, role, name, created_at, last_used, expires_at, revoked)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		key.ID, key.Hash, key.ActorID, string(key.Role), key.Name,
		key.CreatedAt, nullTime(key.LastUsed), key.ExpiresAt, key.Revoked,
	)
	return err
}

func (s *PostgresStore) GetByHash(ctx context.Context, hash string) (*APIKey, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, hash, actor_id, role, name, created_at, last_used, expires_at, revoked
		FROM api_keys WHERE hash = $1`, hash)
	return scanKey(row)
}

func (s *PostgresStore) GetByActor(ctx context.Context, actorID string) ([]*APIKey, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, hash, actor_id, role, name, created_at, last_used, expires_at, revoked
		FROM api_keys WHERE actor_id = $1 ORDER BY created_at`, actorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []*APIKey
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) Update(ctx context.Context, key *APIKey) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE api_keys SET last_used = $2, expires_at = $3, revoked = $4
		WHERE id = $1`,
		key.ID, nullTime(key.LastUsed), key.ExpiresAt, key.Revoked,
	)
	return err
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM api_keys WHERE id = $1`, id)
	return err
}

type scannable interface {
	Scan(dest ...any) error
}

func scanKey(row scannable) (*APIKey, error) {
	var k APIKey
	var role string
	var lastUsed sql.NullTime
	err := row.Scan(&k.ID, &k.Hash, &k.ActorID, &role, &k.Name,
		&k.CreatedAt, &lastUsed, &k.ExpiresAt, &k.Revoked)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrKeyNotFound
		}
		return nil, err
	}
	k.Role = state.Role(role)
	if lastUsed.Valid {
		k.LastUsed = lastUsed.Time
	}
	return &k, nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

var _ Store = (*PostgresStore)(nil)
