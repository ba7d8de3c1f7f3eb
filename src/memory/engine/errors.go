package engine

import (
	"errors"
	"fmt"

	"github.com/Protocol-Lattice/go-memory/src/memory/model"
)

// Sentinels matched with errors.Is. Each typed error below unwraps to its
// sentinel and to its cause.
var (
	ErrEmbedding      = errors.New("embedding failed")
	ErrExtraction     = errors.New("fact extraction failed")
	ErrReconciliation = errors.New("reconciliation decision failed")
	ErrScopeMismatch  = errors.New("scope mismatch")
	ErrVectorStore    = errors.New("vector store operation failed")
	ErrNoLLM          = errors.New("memory engine has no language model")
)

// EmbeddingError reports an embedding provider failure.
type EmbeddingError struct {
	Err error
}

func (e *EmbeddingError) Error() string   { return fmt.Sprintf("%v: %v", ErrEmbedding, e.Err) }
func (e *EmbeddingError) Unwrap() []error { return []error{ErrEmbedding, e.Err} }

// ExtractionError reports missing or unparseable fact extraction output.
type ExtractionError struct {
	Raw string
	Err error
}

func (e *ExtractionError) Error() string   { return fmt.Sprintf("%v: %v", ErrExtraction, e.Err) }
func (e *ExtractionError) Unwrap() []error { return []error{ErrExtraction, e.Err} }

// ReconciliationError reports a failed decision phase. Nothing was applied.
type ReconciliationError struct {
	Raw string
	Err error
}

func (e *ReconciliationError) Error() string {
	return fmt.Sprintf("%v: %v", ErrReconciliation, e.Err)
}
func (e *ReconciliationError) Unwrap() []error { return []error{ErrReconciliation, e.Err} }

// ScopeMismatchError rejects a mutation whose target lies outside the
// caller's scope.
type ScopeMismatchError struct {
	ID     string
	Caller model.Scope
	Record model.Scope
}

func (e *ScopeMismatchError) Error() string {
	return fmt.Sprintf("%v: record %s belongs to %q, caller scope is %q", ErrScopeMismatch, e.ID, e.Record.Key(), e.Caller.Key())
}
func (e *ScopeMismatchError) Unwrap() error { return ErrScopeMismatch }

// VectorStoreError wraps a failed store call.
type VectorStoreError struct {
	Op  string
	Err error
}

func (e *VectorStoreError) Error() string {
	return fmt.Sprintf("%v: %s: %v", ErrVectorStore, e.Op, e.Err)
}
func (e *VectorStoreError) Unwrap() []error { return []error{ErrVectorStore, e.Err} }
