package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore keeps history in a local SQLite database.
type SQLiteStore struct {
	db  *sql.DB
	ids *idSource
}

// NewSQLiteStore opens or creates the database at dbPath. ":memory:" opens a
// private in-memory database.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dsn := dbPath
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
		dsn = dbPath + "?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// One connection keeps ":memory:" pointing at a single database.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, ids: newIDSource()}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS history (
		id          TEXT PRIMARY KEY,
		memory_id   TEXT NOT NULL,
		old_memory  TEXT,
		new_memory  TEXT,
		event       TEXT NOT NULL,
		created_at  TEXT NOT NULL,
		updated_at  TEXT,
		is_deleted  INTEGER NOT NULL DEFAULT 0,
		actor_id    TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_history_memory ON history(memory_id, id);
	`)
	return err
}

func (s *SQLiteStore) Append(ctx context.Context, entries ...Entry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	for _, e := range entries {
		e = s.ids.prepare(e, now)
		var updated any
		if e.UpdatedAt != nil {
			updated = e.UpdatedAt.UTC().Format(time.RFC3339Nano)
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO history (id, memory_id, old_memory, new_memory, event, created_at, updated_at, is_deleted, actor_id)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.ID, e.MemoryID, e.OldMemory, e.NewMemory, e.Event,
			e.CreatedAt.Format(time.RFC3339Nano), updated, boolToInt(e.IsDeleted), e.ActorID)
		if err != nil {
			return fmt.Errorf("insert history %s: %w", e.MemoryID, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) List(ctx context.Context, memoryID string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, memory_id, COALESCE(old_memory, ''), COALESCE(new_memory, ''), event,
		       created_at, updated_at, is_deleted, COALESCE(actor_id, '')
		FROM history WHERE memory_id = ? ORDER BY id ASC`, memoryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Entry, 0)
	for rows.Next() {
		var (
			e       Entry
			created string
			updated sql.NullString
			deleted int
		)
		if err := rows.Scan(&e.ID, &e.MemoryID, &e.OldMemory, &e.NewMemory, &e.Event,
			&created, &updated, &deleted, &e.ActorID); err != nil {
			return nil, err
		}
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		if updated.Valid {
			if ts, err := time.Parse(time.RFC3339Nano, updated.String); err == nil {
				e.UpdatedAt = &ts
			}
		}
		e.IsDeleted = deleted != 0
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var _ Store = (*SQLiteStore)(nil)
