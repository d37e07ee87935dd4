package state

import (
	"context"
	"database/sql"
	"time"
)

// PostgresStore persists resources in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed resource store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the resources table if it doesn't exist.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS resources (
			id          TEXT NOT NULL,
			kind        TEXT NOT NULL,
			state       TEXT NOT NULL,
			customer_id TEXT NOT NULL,
			courier_id  TEXT NOT NULL DEFAULT '',
			amount      TEXT NOT NULL DEFAULT '',
			total       TEXT NOT NULL DEFAULT '',
			delivery_id TEXT NOT NULL DEFAULT '',
			created_at  TIMESTAMPTZ NOT NULL,
			updated_at  TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (kind, id)
		);
		CREATE INDEX IF NOT EXISTS idx_resources_customer ON resources(customer_id);
		CREATE INDEX IF NOT EXISTS idx_resources_courier ON resources(courier_id) WHERE courier_id <> '';
	`)
	return err
}

func (p *PostgresStore) Create(ctx context.Context, r *Resource) error {
	result, err := p.db.ExecContext(ctx, `
		INSERT INTO resources (id, kind, state, customer_id, courier_id, amount, total, delivery_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (kind, id) DO NOTHING`,
		r.ID, string(r.Kind), string(r.State), r.CustomerID, r.CourierID,
		r.Amount, r.Total, r.DeliveryID, r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrExists
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, kind Kind, id string) (*Resource, error) {
	r := &Resource{}
	var k, s string
	err := p.db.QueryRowContext(ctx, `
		SELECT id, kind, state, customer_id, courier_id, amount, total, delivery_id, created_at, updated_at
		FROM resources WHERE kind = $1 AND id = $2`, string(kind), id,
	).Scan(&r.ID, &k, &s, &r.CustomerID, &r.CourierID, &r.Amount, &r.Total, &r.DeliveryID, &r.CreatedAt, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r.Kind = Kind(k)
	r.State = State(s)
	return r, nil
}

// CompareAndSwap commits the transition only if the row's state still
// equals expected. The database enforces the guard, so concurrent requests
// racing the same edge serialize here: exactly one UPDATE matches.
func (p *PostgresStore) CompareAndSwap(ctx context.Context, kind Kind, id string, expected, next State, updatedAt time.Time) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE resources SET state = $1, updated_at = $2
		WHERE kind = $3 AND id = $4 AND state = $5`,
		string(next), updatedAt, string(kind), id, string(expected),
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		// Distinguish a lost race from a missing row.
		var exists bool
		if err := p.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM resources WHERE kind = $1 AND id = $2)`,
			string(kind), id,
		).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		return ErrConflict
	}
	return nil
}

// Compile-time assertion.
var _ Store = (*PostgresStore)(nil)
