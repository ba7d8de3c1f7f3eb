package history

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore keeps history next to a pgvector memory table.
type PostgresStore struct {
	db    *pgxpool.Pool
	owned bool
	table string
	ids   *idSource
}

// NewPostgresStore connects to connStr and creates the history table.
func NewPostgresStore(ctx context.Context, connStr, table string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Postgres: %w", err)
	}
	s, err := NewPostgresStoreFromPool(ctx, pool, table)
	if err != nil {
		pool.Close()
		return nil, err
	}
	s.owned = true
	return s, nil
}

// NewPostgresStoreFromPool shares an existing pool. Close leaves it open.
func NewPostgresStoreFromPool(ctx context.Context, pool *pgxpool.Pool, table string) (*PostgresStore, error) {
	if table == "" {
		table = "memory_history"
	}
	s := &PostgresStore{db: pool, table: pgx.Identifier{table}.Sanitize(), ids: newIDSource()}
	if err := s.migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	_, err := s.db.Exec(ctx, fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
    id TEXT PRIMARY KEY,
    memory_id TEXT NOT NULL,
    old_memory TEXT,
    new_memory TEXT,
    event TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ,
    is_deleted BOOLEAN NOT NULL DEFAULT FALSE,
    actor_id TEXT
);
CREATE INDEX IF NOT EXISTS %[2]s_memory_idx ON %[1]s (memory_id, id);
`, s.table, trimQuotes(s.table)))
	return err
}

func (s *PostgresStore) Append(ctx context.Context, entries ...Entry) error {
	if len(entries) == 0 {
		return nil
	}
	query := fmt.Sprintf(`
INSERT INTO %s (id, memory_id, old_memory, new_memory, event, created_at, updated_at, is_deleted, actor_id)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`, s.table)

	now := time.Now().UTC()
	batch := &pgx.Batch{}
	for _, e := range entries {
		e = s.ids.prepare(e, now)
		batch.Queue(query, e.ID, e.MemoryID, e.OldMemory, e.NewMemory, e.Event,
			e.CreatedAt, e.UpdatedAt, e.IsDeleted, e.ActorID)
	}
	return s.db.SendBatch(ctx, batch).Close()
}

func (s *PostgresStore) List(ctx context.Context, memoryID string) ([]Entry, error) {
	rows, err := s.db.Query(ctx, fmt.Sprintf(`
SELECT id, memory_id, COALESCE(old_memory, ''), COALESCE(new_memory, ''), event,
       created_at, updated_at, is_deleted, COALESCE(actor_id, '')
FROM %s WHERE memory_id = $1 ORDER BY id ASC`, s.table), memoryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Entry, 0)
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.MemoryID, &e.OldMemory, &e.NewMemory, &e.Event,
			&e.CreatedAt, &e.UpdatedAt, &e.IsDeleted, &e.ActorID); err != nil {
			return nil, err
		}
		e.CreatedAt = e.CreatedAt.UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Close() error {
	if s.owned {
		s.db.Close()
	}
	return nil
}

func trimQuotes(ident string) string {
	if len(ident) >= 2 && ident[0] == '"' && ident[len(ident)-1] == '"' {
		return ident[1 : len(ident)-1]
	}
	return ident
}

var _ Store = (*PostgresStore)(nil)
