package model

import (
	"crypto/md5"
	"encoding/hex"
	"time"
)

// MemoryRecord represents a single stored fact in the vector store.
type MemoryRecord struct {
	ID        string         `json:"id"`
	Text      string         `json:"text"`
	Embedding []float32      `json:"embedding,omitempty"`
	Hash      string         `json:"hash"`
	Scope     Scope          `json:"scope"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt *time.Time     `json:"updated_at,omitempty"`
	Score     float64        `json:"score,omitempty"`
}

// ContentHash returns the md5 digest used for exact-duplicate short-circuiting.
func ContentHash(text string) string {
	sum := md5.Sum([]byte(text))
	return hex.EncodeToString(sum[:])
}

// Clone returns a deep copy of the record so callers can mutate it freely.
func (r MemoryRecord) Clone() MemoryRecord {
	cp := r
	if r.Embedding != nil {
		cp.Embedding = append([]float32(nil), r.Embedding...)
	}
	cp.Metadata = CloneMetadata(r.Metadata)
	if r.UpdatedAt != nil {
		ts := *r.UpdatedAt
		cp.UpdatedAt = &ts
	}
	return cp
}

// SizeEstimate approximates the stored footprint of a record in bytes.
func (r MemoryRecord) SizeEstimate() int {
	size := len(r.ID) + len(r.Text) + len(r.Hash) + len(r.Embedding)*4
	size += len(r.Scope.UserID) + len(r.Scope.AgentID) + len(r.Scope.RunID)
	for k, v := range r.Metadata {
		size += len(k) + len(StringFromAny(v))
	}
	return size
}
