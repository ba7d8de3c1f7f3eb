package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Protocol-Lattice/go-memory/src/memory/model"
)

// neo4jRunner abstracts query execution so tests can provide lightweight
// fakes without a running database.
type neo4jRunner interface {
	Run(ctx context.Context, cypher string, params map[string]any, write bool) ([]map[string]any, error)
	Close(ctx context.Context) error
}

// Neo4jStore keeps records as (:Memory) nodes and searches them through a
// native vector index.
type Neo4jStore struct {
	runner neo4jRunner
	index  string
}

// ErrNeo4jUnavailable is returned when operations are attempted without a configured driver.
var ErrNeo4jUnavailable = errors.New("neo4j driver not configured")

const neo4jScopePredicate = `($user_id = '' OR m.user_id = $user_id)
  AND ($agent_id = '' OR m.agent_id = $agent_id)
  AND ($run_id = '' OR m.run_id = $run_id)`

func newNeo4jStore(runner neo4jRunner) (*Neo4jStore, error) {
	if runner == nil {
		return nil, ErrNeo4jUnavailable
	}
	return &Neo4jStore{runner: runner, index: "memory_embedding"}, nil
}

// CreateSchema creates the id constraint and the cosine vector index.
func (s *Neo4jStore) CreateSchema(ctx context.Context, dims int) error {
	if dims <= 0 {
		return errors.New("neo4j: vector size must be positive")
	}
	statements := []string{
		`CREATE CONSTRAINT memory_id IF NOT EXISTS FOR (m:Memory) REQUIRE m.id IS UNIQUE`,
		fmt.Sprintf("CREATE VECTOR INDEX %s IF NOT EXISTS FOR (m:Memory) ON (m.embedding) "+
			"OPTIONS {indexConfig: {`vector.dimensions`: %d, `vector.similarity_function`: 'cosine'}}", s.index, dims),
	}
	for _, stmt := range statements {
		if _, err := s.runner.Run(ctx, stmt, nil, true); err != nil {
			return fmt.Errorf("neo4j schema: %w", err)
		}
	}
	return nil
}

func (s *Neo4jStore) Insert(ctx context.Context, records []model.MemoryRecord) error {
	if len(records) == 0 {
		return nil
	}
	rows := make([]map[string]any, 0, len(records))
	for _, rec := range records {
		row, err := neo4jRow(rec)
		if err != nil {
			return err
		}
		rows = append(rows, row)
	}
	_, err := s.runner.Run(ctx, `
UNWIND $rows AS row
MERGE (m:Memory {id: row.id})
SET m.embedding = row.embedding, m.payload = row.payload,
    m.user_id = row.user_id, m.agent_id = row.agent_id, m.run_id = row.run_id,
    m.created_at = row.created_at`, map[string]any{"rows": rows}, true)
	return err
}

func (s *Neo4jStore) Search(ctx context.Context, query []float32, scope model.Scope, limit int) ([]model.MemoryRecord, error) {
	limit = clampLimit(limit, 5)
	params := neo4jScopeParams(scope)
	params["index"] = s.index
	params["k"] = limit * 10
	params["vector"] = float64Embedding(query)
	params["limit"] = limit
	rows, err := s.runner.Run(ctx, `
CALL db.index.vector.queryNodes($index, $k, $vector) YIELD node AS m, score
WHERE `+neo4jScopePredicate+`
RETURN m.id AS id, m.payload AS payload, m.embedding AS embedding, score
ORDER BY score DESC
LIMIT $limit`, params, false)
	if err != nil {
		return nil, err
	}
	return decodeNeo4jRows(rows)
}

func (s *Neo4jStore) Get(ctx context.Context, id string) (model.MemoryRecord, error) {
	rows, err := s.runner.Run(ctx, `
MATCH (m:Memory {id: $id})
RETURN m.id AS id, m.payload AS payload, m.embedding AS embedding`, map[string]any{"id": id}, false)
	if err != nil {
		return model.MemoryRecord{}, err
	}
	recs, err := decodeNeo4jRows(rows)
	if err != nil {
		return model.MemoryRecord{}, err
	}
	if len(recs) == 0 {
		return model.MemoryRecord{}, ErrNotFound
	}
	return recs[0], nil
}

func (s *Neo4jStore) Update(ctx context.Context, record model.MemoryRecord) error {
	row, err := neo4jRow(record)
	if err != nil {
		return err
	}
	rows, err := s.runner.Run(ctx, `
MATCH (m:Memory {id: $id})
SET m.embedding = $embedding, m.payload = $payload,
    m.user_id = $user_id, m.agent_id = $agent_id, m.run_id = $run_id
RETURN m.id AS id`, row, true)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Neo4jStore) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.runner.Run(ctx, `MATCH (m:Memory) WHERE m.id IN $ids DETACH DELETE m`, map[string]any{"ids": ids}, true)
	return err
}

func (s *Neo4jStore) List(ctx context.Context, scope model.Scope, limit int) ([]model.MemoryRecord, error) {
	params := neo4jScopeParams(scope)
	cypher := `
MATCH (m:Memory)
WHERE ` + neo4jScopePredicate + `
RETURN m.id AS id, m.payload AS payload, m.embedding AS embedding
ORDER BY m.created_at ASC, m.id ASC`
	if limit > 0 {
		cypher += "\nLIMIT $limit"
		params["limit"] = limit
	}
	rows, err := s.runner.Run(ctx, cypher, params, false)
	if err != nil {
		return nil, err
	}
	return decodeNeo4jRows(rows)
}

func (s *Neo4jStore) DeleteAll(ctx context.Context, scope model.Scope) error {
	if err := scope.Validate(); err != nil {
		return err
	}
	_, err := s.runner.Run(ctx, `
MATCH (m:Memory)
WHERE `+neo4jScopePredicate+`
DETACH DELETE m`, neo4jScopeParams(scope), true)
	return err
}

func (s *Neo4jStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	return s.runner.Close(ctx)
}

func neo4jRow(rec model.MemoryRecord) (map[string]any, error) {
	payload, err := json.Marshal(model.ToPayload(rec))
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"id":         rec.ID,
		"embedding":  float64Embedding(rec.Embedding),
		"payload":    string(payload),
		"user_id":    rec.Scope.UserID,
		"agent_id":   rec.Scope.AgentID,
		"run_id":     rec.Scope.RunID,
		"created_at": rec.CreatedAt.UTC().Format(time.RFC3339Nano),
	}, nil
}

func neo4jScopeParams(scope model.Scope) map[string]any {
	return map[string]any{
		"user_id":  scope.UserID,
		"agent_id": scope.AgentID,
		"run_id":   scope.RunID,
	}
}

func decodeNeo4jRows(rows []map[string]any) ([]model.MemoryRecord, error) {
	out := make([]model.MemoryRecord, 0, len(rows))
	for _, row := range rows {
		id := model.StringFromAny(row["id"])
		var payload map[string]any
		if err := json.Unmarshal([]byte(model.StringFromAny(row["payload"])), &payload); err != nil {
			return nil, fmt.Errorf("decode payload %s: %w", id, err)
		}
		rec := model.FromPayload(id, payload, model.Float32SliceFromAny(row["embedding"]))
		rec.Score = model.FloatFromAny(row["score"])
		out = append(out, rec)
	}
	return out, nil
}

var (
	_ VectorStore       = (*Neo4jStore)(nil)
	_ SchemaInitializer = (*Neo4jStore)(nil)
)
