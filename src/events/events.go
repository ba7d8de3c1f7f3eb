// Package events publishes memory mutations to downstream consumers.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/Protocol-Lattice/go-memory/src/memory/model"
)

// MutationEvent describes one applied change to the memory store.
type MutationEvent struct {
	Event        string      `json:"event"`
	MemoryID     string      `json:"memory_id"`
	Scope        model.Scope `json:"scope"`
	Text         string      `json:"text,omitempty"`
	PreviousText string      `json:"previous_text,omitempty"`
	Source       string      `json:"source"`
	OccurredAt   time.Time   `json:"occurred_at"`
}

// Publisher delivers mutation events. Delivery is best-effort: callers log
// failures and carry on.
type Publisher interface {
	Publish(ctx context.Context, events ...MutationEvent) error
	Close() error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, ...MutationEvent) error { return nil }
func (Nop) Close() error                                     { return nil }

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []MutationEvent
}

func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) Publish(_ context.Context, events ...MutationEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, events...)
	return nil
}

// Events returns a copy of everything published so far.
func (r *Recorder) Events() []MutationEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]MutationEvent(nil), r.events...)
}

func (r *Recorder) Close() error { return nil }

var (
	_ Publisher = Nop{}
	_ Publisher = (*Recorder)(nil)
)
