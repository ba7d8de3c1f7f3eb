package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Protocol-Lattice/go-memory/src/memory/model"
)

// --- Qdrant types ---

type Distance string

const (
	DistanceCosine Distance = "Cosine"
	DistanceDot    Distance = "Dot"
	DistanceEuclid Distance = "Euclid"
)

// qdrantStatus supports both `status: "ok"` and `status: {"error":"..."}`.
type qdrantStatus struct {
	State string
	Error string
}

func (s *qdrantStatus) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		s.State = strings.ToLower(v)
		return nil
	}
	var obj struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	if obj.Error != "" {
		s.State = "error"
		s.Error = obj.Error
	}
	return nil
}

type qdrantEnvelope[T any] struct {
	Status qdrantStatus `json:"status"`
	Time   float64      `json:"time"`
	Result T            `json:"result"`
}

type qdrantPoint struct {
	ID      any            `json:"id"`
	Score   float64        `json:"score,omitempty"`
	Payload map[string]any `json:"payload"`
	Vector  []float32      `json:"vector,omitempty"`
}

type qdrantScrollResult struct {
	Points []qdrantPoint   `json:"points"`
	Offset json.RawMessage `json:"next_page_offset"`
}

type qdrantCondition struct {
	Key   string `json:"key"`
	Match struct {
		Value string `json:"value"`
	} `json:"match"`
}

type qdrantFilter struct {
	Must []qdrantCondition `json:"must"`
}

// qdrantHTTPError carries the status code so callers can map 404 to ErrNotFound.
type qdrantHTTPError struct {
	Method string
	URL    string
	Status int
	Body   string
}

func (e *qdrantHTTPError) Error() string {
	return fmt.Sprintf("qdrant %s %s -> http %d: %s", e.Method, e.URL, e.Status, e.Body)
}

// QdrantStore talks to Qdrant over its REST API. Point ids are the record
// UUIDs; scope identifiers are stored as top-level payload keys and indexed.
type QdrantStore struct {
	baseURL    string
	apiKey     string
	collection string
	distance   Distance
	client     *http.Client
}

// NewQdrantStore creates a Qdrant-backed VectorStore implementation.
func NewQdrantStore(baseURL, collection, apiKey string) *QdrantStore {
	if baseURL == "" {
		baseURL = "http://localhost:6333"
	}
	if collection == "" {
		collection = "memories"
	}
	return &QdrantStore{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		collection: collection,
		distance:   DistanceCosine,
		client:     &http.Client{Timeout: 15 * time.Second},
	}
}

// CreateSchema creates the collection and keyword indexes on the scope fields.
// An existing collection is left untouched.
func (qs *QdrantStore) CreateSchema(ctx context.Context, dims int) error {
	if dims <= 0 {
		return errors.New("qdrant: vector size must be positive")
	}
	req := map[string]any{
		"vectors": map[string]any{"size": dims, "distance": qs.distance},
	}
	err := qs.do(ctx, http.MethodPut, qs.collectionPath(""), req, nil)
	var httpErr *qdrantHTTPError
	if err != nil && !(errors.As(err, &httpErr) && strings.Contains(strings.ToLower(httpErr.Body), "already exists")) {
		return fmt.Errorf("create collection: %w", err)
	}
	for _, field := range []string{model.PayloadUserID, model.PayloadAgentID, model.PayloadRunID} {
		idx := map[string]any{"field_name": field, "field_schema": "keyword"}
		if err := qs.do(ctx, http.MethodPut, qs.collectionPath("/index?wait=true"), idx, nil); err != nil {
			return fmt.Errorf("create payload index %s: %w", field, err)
		}
	}
	return nil
}

func (qs *QdrantStore) Insert(ctx context.Context, records []model.MemoryRecord) error {
	if len(records) == 0 {
		return nil
	}
	points := make([]qdrantPoint, 0, len(records))
	for _, rec := range records {
		points = append(points, qdrantPoint{
			ID:      rec.ID,
			Vector:  rec.Embedding,
			Payload: model.ToPayload(rec),
		})
	}
	var resp qdrantEnvelope[json.RawMessage]
	if err := qs.do(ctx, http.MethodPut, qs.collectionPath("/points?wait=true"), map[string]any{"points": points}, &resp); err != nil {
		return err
	}
	if resp.Status.Error != "" {
		return errors.New(resp.Status.Error)
	}
	return nil
}

func (qs *QdrantStore) Search(ctx context.Context, query []float32, scope model.Scope, limit int) ([]model.MemoryRecord, error) {
	req := map[string]any{
		"vector":       query,
		"limit":        clampLimit(limit, 5),
		"with_payload": true,
		"with_vector":  true,
	}
	if f := scopeFilter(scope); f != nil {
		req["filter"] = f
	}
	var resp qdrantEnvelope[[]qdrantPoint]
	if err := qs.do(ctx, http.MethodPost, qs.collectionPath("/points/search"), req, &resp); err != nil {
		return nil, err
	}
	out := make([]model.MemoryRecord, 0, len(resp.Result))
	for _, p := range resp.Result {
		rec := model.FromPayload(pointID(p.ID), p.Payload, p.Vector)
		rec.Score = p.Score
		out = append(out, rec)
	}
	return out, nil
}

func (qs *QdrantStore) Get(ctx context.Context, id string) (model.MemoryRecord, error) {
	var resp qdrantEnvelope[qdrantPoint]
	err := qs.do(ctx, http.MethodGet, qs.collectionPath("/points/"+url.PathEscape(id)), nil, &resp)
	var httpErr *qdrantHTTPError
	if errors.As(err, &httpErr) && httpErr.Status == http.StatusNotFound {
		return model.MemoryRecord{}, ErrNotFound
	}
	if err != nil {
		return model.MemoryRecord{}, err
	}
	if resp.Result.Payload == nil {
		return model.MemoryRecord{}, ErrNotFound
	}
	return model.FromPayload(pointID(resp.Result.ID), resp.Result.Payload, resp.Result.Vector), nil
}

// Update overwrites vector and payload of an existing point.
func (qs *QdrantStore) Update(ctx context.Context, record model.MemoryRecord) error {
	return qs.Insert(ctx, []model.MemoryRecord{record})
}

func (qs *QdrantStore) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return qs.do(ctx, http.MethodPost, qs.collectionPath("/points/delete?wait=true"), map[string]any{"points": ids}, nil)
}

// List pages through the collection with scroll until limit records are read.
func (qs *QdrantStore) List(ctx context.Context, scope model.Scope, limit int) ([]model.MemoryRecord, error) {
	const pageSize = 256
	out := make([]model.MemoryRecord, 0)
	var offset json.RawMessage
	for {
		page := pageSize
		if limit > 0 && limit-len(out) < page {
			page = limit - len(out)
		}
		req := map[string]any{
			"limit":        page,
			"with_payload": true,
			"with_vector":  true,
		}
		if f := scopeFilter(scope); f != nil {
			req["filter"] = f
		}
		if len(offset) > 0 && string(offset) != "null" {
			req["offset"] = offset
		}
		var resp qdrantEnvelope[qdrantScrollResult]
		if err := qs.do(ctx, http.MethodPost, qs.collectionPath("/points/scroll"), req, &resp); err != nil {
			return nil, err
		}
		for _, p := range resp.Result.Points {
			out = append(out, model.FromPayload(pointID(p.ID), p.Payload, p.Vector))
		}
		offset = resp.Result.Offset
		if len(resp.Result.Points) == 0 || len(offset) == 0 || string(offset) == "null" {
			return out, nil
		}
		if limit > 0 && len(out) >= limit {
			return out, nil
		}
	}
}

func (qs *QdrantStore) DeleteAll(ctx context.Context, scope model.Scope) error {
	if err := scope.Validate(); err != nil {
		return err
	}
	return qs.do(ctx, http.MethodPost, qs.collectionPath("/points/delete?wait=true"), map[string]any{"filter": scopeFilter(scope)}, nil)
}

func (qs *QdrantStore) Close() error {
	qs.client.CloseIdleConnections()
	return nil
}

func (qs *QdrantStore) collectionPath(suffix string) string {
	return "/collections/" + url.PathEscape(qs.collection) + suffix
}

func (qs *QdrantStore) do(ctx context.Context, method, path string, body any, out any) error {
	u := qs.baseURL + path

	buf := bytes.NewBuffer(nil)
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		buf = bytes.NewBuffer(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if qs.apiKey != "" {
		req.Header.Set("api-key", qs.apiKey)
	}
	resp, err := qs.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	payload, _ := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if resp.StatusCode >= 400 {
		return &qdrantHTTPError{Method: method, URL: u, Status: resp.StatusCode, Body: strings.TrimSpace(string(payload))}
	}
	if out != nil && len(payload) > 0 {
		if err := json.Unmarshal(payload, out); err != nil {
			return err
		}
	}
	return nil
}

func scopeFilter(scope model.Scope) *qdrantFilter {
	fields := scope.Fields()
	if len(fields) == 0 {
		return nil
	}
	f := &qdrantFilter{}
	for _, key := range []string{model.PayloadUserID, model.PayloadAgentID, model.PayloadRunID} {
		val, ok := fields[key]
		if !ok {
			continue
		}
		cond := qdrantCondition{Key: key}
		cond.Match.Value = val
		f.Must = append(f.Must, cond)
	}
	return f
}

// pointID normalises ids that Qdrant may return as strings or numbers.
func pointID(raw any) string {
	switch v := raw.(type) {
	case string:
		return v
	case float64:
		return fmt.Sprintf("%.0f", v)
	case nil:
		return ""
	}
	return fmt.Sprint(raw)
}

var (
	_ VectorStore       = (*QdrantStore)(nil)
	_ SchemaInitializer = (*QdrantStore)(nil)
)
