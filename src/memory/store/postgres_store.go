package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Protocol-Lattice/go-memory/src/memory/model"
)

// PostgresStore implements VectorStore using Postgres + pgvector.
type PostgresStore struct {
	DB    *pgxpool.Pool
	table string
}

// NewPostgresStore connects to Postgres and returns a Postgres-backed VectorStore implementation.
func NewPostgresStore(ctx context.Context, connStr, table string) (*PostgresStore, error) {
	db, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Postgres: %w", err)
	}
	if table == "" {
		table = "memories"
	}
	return &PostgresStore{DB: db, table: pgx.Identifier{table}.Sanitize()}, nil
}

// CreateSchema ensures the pgvector extension, the table and its indexes exist.
func (ps *PostgresStore) CreateSchema(ctx context.Context, dims int) error {
	if dims <= 0 {
		return errors.New("postgres: vector size must be positive")
	}
	schema := fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS %[1]s (
    id TEXT PRIMARY KEY,
    embedding vector(%[2]d),
    payload JSONB NOT NULL,
    user_id TEXT NOT NULL DEFAULT '',
    agent_id TEXT NOT NULL DEFAULT '',
    run_id TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS %[3]s_scope_idx ON %[1]s (user_id, agent_id, run_id);
CREATE INDEX IF NOT EXISTS %[3]s_embedding_idx ON %[1]s USING hnsw (embedding vector_cosine_ops);
`, ps.table, dims, strings.Trim(ps.table, `"`))
	if _, err := ps.DB.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	return nil
}

func (ps *PostgresStore) Insert(ctx context.Context, records []model.MemoryRecord) error {
	if len(records) == 0 {
		return nil
	}
	query := fmt.Sprintf(`
INSERT INTO %s (id, embedding, payload, user_id, agent_id, run_id, created_at)
VALUES ($1, $2::vector, $3::jsonb, $4, $5, $6, $7)
ON CONFLICT (id) DO UPDATE
SET embedding = EXCLUDED.embedding, payload = EXCLUDED.payload,
    user_id = EXCLUDED.user_id, agent_id = EXCLUDED.agent_id, run_id = EXCLUDED.run_id`, ps.table)

	batch := &pgx.Batch{}
	for _, rec := range records {
		payload, err := json.Marshal(model.ToPayload(rec))
		if err != nil {
			return fmt.Errorf("encode payload %s: %w", rec.ID, err)
		}
		batch.Queue(query, rec.ID, vectorLiteral(rec.Embedding), string(payload),
			rec.Scope.UserID, rec.Scope.AgentID, rec.Scope.RunID, pgTime(rec.CreatedAt))
	}
	return ps.DB.SendBatch(ctx, batch).Close()
}

func (ps *PostgresStore) Search(ctx context.Context, query []float32, scope model.Scope, limit int) ([]model.MemoryRecord, error) {
	where, args := scopeClause(scope, 2)
	args = append([]any{vectorLiteral(query)}, args...)
	args = append(args, clampLimit(limit, 5))
	sql := fmt.Sprintf(`
SELECT id, payload::text, embedding::text, 1 - (embedding <=> $1::vector) AS score
FROM %s
%s
ORDER BY embedding <=> $1::vector
LIMIT $%d`, ps.table, where, len(args))
	rows, err := ps.DB.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return collectRecords(rows, true)
}

func (ps *PostgresStore) Get(ctx context.Context, id string) (model.MemoryRecord, error) {
	rows, err := ps.DB.Query(ctx, fmt.Sprintf(`SELECT id, payload::text, embedding::text FROM %s WHERE id = $1`, ps.table), id)
	if err != nil {
		return model.MemoryRecord{}, err
	}
	recs, err := collectRecords(rows, false)
	if err != nil {
		return model.MemoryRecord{}, err
	}
	if len(recs) == 0 {
		return model.MemoryRecord{}, ErrNotFound
	}
	return recs[0], nil
}

func (ps *PostgresStore) Update(ctx context.Context, record model.MemoryRecord) error {
	payload, err := json.Marshal(model.ToPayload(record))
	if err != nil {
		return err
	}
	tag, err := ps.DB.Exec(ctx, fmt.Sprintf(`
UPDATE %s SET embedding = $2::vector, payload = $3::jsonb, user_id = $4, agent_id = $5, run_id = $6
WHERE id = $1`, ps.table),
		record.ID, vectorLiteral(record.Embedding), string(payload),
		record.Scope.UserID, record.Scope.AgentID, record.Scope.RunID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (ps *PostgresStore) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := ps.DB.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = ANY($1)`, ps.table), ids)
	return err
}

// List returns records oldest first.
func (ps *PostgresStore) List(ctx context.Context, scope model.Scope, limit int) ([]model.MemoryRecord, error) {
	where, args := scopeClause(scope, 1)
	sql := fmt.Sprintf(`SELECT id, payload::text, embedding::text FROM %s %s ORDER BY created_at ASC, id ASC`, ps.table, where)
	if limit > 0 {
		args = append(args, limit)
		sql += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	rows, err := ps.DB.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return collectRecords(rows, false)
}

func (ps *PostgresStore) DeleteAll(ctx context.Context, scope model.Scope) error {
	if err := scope.Validate(); err != nil {
		return err
	}
	where, args := scopeClause(scope, 1)
	_, err := ps.DB.Exec(ctx, fmt.Sprintf(`DELETE FROM %s %s`, ps.table, where), args...)
	return err
}

// Close releases the underlying Postgres connection pool.
func (ps *PostgresStore) Close() error {
	if ps == nil || ps.DB == nil {
		return nil
	}
	ps.DB.Close()
	return nil
}

func collectRecords(rows pgx.Rows, withScore bool) ([]model.MemoryRecord, error) {
	defer rows.Close()
	out := make([]model.MemoryRecord, 0)
	for rows.Next() {
		var (
			id, payloadText, embeddingText string
			score                          float64
		)
		dest := []any{&id, &payloadText, &embeddingText}
		if withScore {
			dest = append(dest, &score)
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}
		var payload map[string]any
		if err := json.Unmarshal([]byte(payloadText), &payload); err != nil {
			return nil, fmt.Errorf("decode payload %s: %w", id, err)
		}
		rec := model.FromPayload(id, payload, parseVector(embeddingText))
		rec.Score = score
		out = append(out, rec)
	}
	return out, rows.Err()
}

// scopeClause renders the scope as a WHERE clause with positional args
// numbered from start.
func scopeClause(scope model.Scope, start int) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(col, val string) {
		if val == "" {
			return
		}
		args = append(args, val)
		conds = append(conds, fmt.Sprintf("%s = $%d", col, start+len(args)-1))
	}
	add("user_id", scope.UserID)
	add("agent_id", scope.AgentID)
	add("run_id", scope.RunID)
	if len(conds) == 0 {
		return "", nil
	}
	return "WHERE " + strings.Join(conds, " AND "), args
}

func vectorLiteral(vec []float32) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, v := range vec {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(v), 'f', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}

func parseVector(text string) []float32 {
	text = strings.Trim(text, "[]")
	if strings.TrimSpace(text) == "" {
		return nil
	}
	parts := strings.Split(text, ",")
	vec := make([]float32, 0, len(parts))
	for _, part := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(part), 32)
		if err != nil {
			continue
		}
		vec = append(vec, float32(f))
	}
	return vec
}

// pgTime keeps created_at ordering consistent with the payload timestamp.
func pgTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}

var (
	_ VectorStore       = (*PostgresStore)(nil)
	_ SchemaInitializer = (*PostgresStore)(nil)
)
