package store

import (
	"context"
	"errors"
	"time"

	"github.com/Protocol-Lattice/go-memory/src/memory/model"
)

// ErrNotFound is returned by Get when no record carries the requested id.
var ErrNotFound = errors.New("memory record not found")

const closeTimeout = 5 * time.Second

// VectorStore defines the contract for long-term memory backends. Every
// multi-record operation takes a scope filter; implementations must never
// return or mutate a record outside it.
type VectorStore interface {
	Insert(ctx context.Context, records []model.MemoryRecord) error
	Search(ctx context.Context, query []float32, scope model.Scope, limit int) ([]model.MemoryRecord, error)
	Get(ctx context.Context, id string) (model.MemoryRecord, error)
	Update(ctx context.Context, record model.MemoryRecord) error
	Delete(ctx context.Context, ids []string) error
	List(ctx context.Context, scope model.Scope, limit int) ([]model.MemoryRecord, error)
	DeleteAll(ctx context.Context, scope model.Scope) error
	Close() error
}

// SchemaInitializer allows stores to expose optional schema/bootstrap routines.
type SchemaInitializer interface {
	CreateSchema(ctx context.Context, dims int) error
}

// EnsureSchema runs CreateSchema when the store supports it.
func EnsureSchema(ctx context.Context, vs VectorStore, dims int) error {
	if init, ok := vs.(SchemaInitializer); ok {
		return init.CreateSchema(ctx, dims)
	}
	return nil
}

func clampLimit(limit, fallback int) int {
	if limit <= 0 {
		return fallback
	}
	return limit
}
