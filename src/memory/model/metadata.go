package model

import (
	"encoding/json"
	"strconv"
	"time"
)

// Reserved payload keys. Caller metadata never overrides them.
const (
	PayloadText      = "data"
	PayloadHash      = "hash"
	PayloadCreatedAt = "created_at"
	PayloadUpdatedAt = "updated_at"
	PayloadUserID    = "user_id"
	PayloadAgentID   = "agent_id"
	PayloadRunID     = "run_id"
)

var reservedKeys = map[string]struct{}{
	PayloadText:      {},
	PayloadHash:      {},
	PayloadCreatedAt: {},
	PayloadUpdatedAt: {},
	PayloadUserID:    {},
	PayloadAgentID:   {},
	PayloadRunID:     {},
}

// IsReservedKey reports whether key is owned by the engine.
func IsReservedKey(key string) bool {
	_, ok := reservedKeys[key]
	return ok
}

// CloneMetadata returns a shallow copy that is safe to mutate.
func CloneMetadata(meta map[string]any) map[string]any {
	if meta == nil {
		return map[string]any{}
	}
	cp := make(map[string]any, len(meta))
	for k, v := range meta {
		cp[k] = v
	}
	return cp
}

// ToPayload flattens a record into the payload layout shared by every
// backend. Scope fields live at the top level so stores can filter on them.
func ToPayload(rec MemoryRecord) map[string]any {
	payload := make(map[string]any, len(rec.Metadata)+7)
	for k, v := range rec.Metadata {
		if IsReservedKey(k) {
			continue
		}
		payload[k] = v
	}
	payload[PayloadText] = rec.Text
	payload[PayloadHash] = rec.Hash
	payload[PayloadCreatedAt] = rec.CreatedAt.UTC().Format(time.RFC3339Nano)
	if rec.UpdatedAt != nil {
		payload[PayloadUpdatedAt] = rec.UpdatedAt.UTC().Format(time.RFC3339Nano)
	}
	for k, v := range rec.Scope.Fields() {
		payload[k] = v
	}
	return payload
}

// FromPayload rebuilds a record from its payload. Unknown keys become metadata.
func FromPayload(id string, payload map[string]any, embedding []float32) MemoryRecord {
	rec := MemoryRecord{
		ID:        id,
		Text:      StringFromAny(payload[PayloadText]),
		Hash:      StringFromAny(payload[PayloadHash]),
		Scope:     ScopeFromPayload(payload),
		CreatedAt: TimeFromAny(payload[PayloadCreatedAt]),
		Embedding: embedding,
		Metadata:  map[string]any{},
	}
	if ts := TimeFromAny(payload[PayloadUpdatedAt]); !ts.IsZero() {
		rec.UpdatedAt = &ts
	}
	for k, v := range payload {
		if IsReservedKey(k) {
			continue
		}
		rec.Metadata[k] = v
	}
	return rec
}

func FloatFromAny(v any) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case float32:
		return float64(t)
	case int:
		return float64(t)
	case int32:
		return float64(t)
	case int64:
		return float64(t)
	case json.Number:
		f, _ := t.Float64()
		return f
	case string:
		if f, err := strconv.ParseFloat(t, 64); err == nil {
			return f
		}
	}
	return 0
}

func StringFromAny(v any) string {
	if v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

// TimeFromAny accepts time values, RFC3339 strings and unix seconds.
// Anything else yields the zero time.
func TimeFromAny(v any) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t
	case *time.Time:
		if t != nil {
			return *t
		}
	case string:
		if ts, err := time.Parse(time.RFC3339Nano, t); err == nil {
			return ts
		}
	case float64:
		if t > 0 {
			return time.Unix(int64(t), 0).UTC()
		}
	case int64:
		if t > 0 {
			return time.Unix(t, 0).UTC()
		}
	}
	return time.Time{}
}

// Float32SliceFromAny decodes vectors returned by JSON-speaking backends.
func Float32SliceFromAny(v any) []float32 {
	switch t := v.(type) {
	case nil:
		return nil
	case []float32:
		out := make([]float32, len(t))
		copy(out, t)
		return out
	case []float64:
		out := make([]float32, len(t))
		for i, val := range t {
			out[i] = float32(val)
		}
		return out
	case []any:
		out := make([]float32, 0, len(t))
		for _, val := range t {
			out = append(out, float32(FloatFromAny(val)))
		}
		return out
	case string:
		if t == "" {
			return nil
		}
		var arr []float64
		if err := json.Unmarshal([]byte(t), &arr); err == nil {
			return Float32SliceFromAny(arr)
		}
	}
	return nil
}
