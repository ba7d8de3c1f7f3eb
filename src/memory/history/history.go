// Package history records an append-only audit trail of memory mutations.
package history

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("history store closed")

// Event names stored in Entry.Event.
const (
	EventAdd    = "ADD"
	EventUpdate = "UPDATE"
	EventDelete = "DELETE"
	EventNone   = "NONE"
)

// Entry is a single history row. Rows are never rewritten.
type Entry struct {
	ID        string     `json:"id"`
	MemoryID  string     `json:"memory_id"`
	OldMemory string     `json:"old_memory,omitempty"`
	NewMemory string     `json:"new_memory,omitempty"`
	Event     string     `json:"event"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
	IsDeleted bool       `json:"is_deleted"`
	ActorID   string     `json:"actor_id,omitempty"`
}

// Store persists history entries.
type Store interface {
	// Append assigns ID and CreatedAt when unset and stores the row.
	Append(ctx context.Context, entries ...Entry) error
	// List returns the rows of one memory in insertion order.
	List(ctx context.Context, memoryID string) ([]Entry, error)
	Close() error
}

// idSource hands out lexically increasing ULIDs so ordering by id matches
// insertion order even within the same millisecond.
type idSource struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

func newIDSource() *idSource {
	return &idSource{entropy: ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)}
}

func (s *idSource) next(ts time.Time) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(ts), s.entropy).String()
}

// prepare fills defaults on a copy of e.
func (s *idSource) prepare(e Entry, now time.Time) Entry {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.CreatedAt = e.CreatedAt.UTC()
	if e.ID == "" {
		e.ID = s.next(now)
	}
	if e.Event == EventDelete {
		e.IsDeleted = true
	}
	return e
}
