package risk

import (
	"context"
	"database/sql"
)

// PostgresStore is a PostgreSQL-backed flagged-event store.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the risk_flags table if it doesn't exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS risk_flags (
		id TEXT PRIMARY KEY,
		actor_id TEXT NOT NULL,
		flag_type TEXT NOT NULL,
		points INT NOT NULL,
		detail TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_risk_flags_actor ON risk_flags(actor_id, created_at DESC);
	`
	_, err := s.db.ExecContext(ctx, query)
	return err
}

func (s *PostgresStore) Record(ctx context.Context, e *FlaggedEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO risk_flags (id, actor_id, flag_type, points, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		e.ID, e.ActorID, string(e.Type), e.Points, e.Detail, e.CreatedAt,
	)
	return err
}

func (s *PostgresStore) ListByActor(ctx context.Context, actorID string, limit int) ([]*FlaggedEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, actor_id, flag_type, points, detail, created_at
		FROM risk_flags WHERE actor_id = $1
		ORDER BY created_at DESC LIMIT $2`, actorID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*FlaggedEvent
	for rows.Next() {
		var e FlaggedEvent
		var flagType string
		if err := rows.Scan(&e.ID, &e.ActorID, &flagType, &e.Points, &e.Detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Type = FlagType(flagType)
		out = append(out, &e)
	}
	return out, rows.Err()
}

var _ Store = (*PostgresStore)(nil)
