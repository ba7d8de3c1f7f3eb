package adk

import (
	"errors"
	"log/slog"

	"github.com/Protocol-Lattice/go-memory/src/cache"
	"github.com/Protocol-Lattice/go-memory/src/events"
	"github.com/Protocol-Lattice/go-memory/src/memory/embed"
	"github.com/Protocol-Lattice/go-memory/src/memory/history"
	"github.com/Protocol-Lattice/go-memory/src/memory/store"
	"github.com/Protocol-Lattice/go-memory/src/models"
)

// Option configures the Kit during construction. A component supplied through
// an option replaces the one the config would build; the kit still closes it.
type Option func(*Kit) error

// WithLogger overrides the logger otherwise built from the log section.
func WithLogger(l *slog.Logger) Option {
	return func(kit *Kit) error {
		kit.logger = l
		return nil
	}
}

func WithEmbedder(e embed.Embedder) Option {
	return func(kit *Kit) error {
		if e == nil {
			return errors.New("kit embedder cannot be nil")
		}
		kit.embedder = e
		return nil
	}
}

func WithVectorStore(vs store.VectorStore) Option {
	return func(kit *Kit) error {
		if vs == nil {
			return errors.New("kit vector store cannot be nil")
		}
		kit.store = vs
		return nil
	}
}

func WithHistory(h history.Store) Option {
	return func(kit *Kit) error {
		if h == nil {
			return errors.New("kit history store cannot be nil")
		}
		kit.history = h
		return nil
	}
}

// WithLLM sets the model used for inference, bypassing the llm section.
func WithLLM(llm models.LLM) Option {
	return func(kit *Kit) error {
		if llm == nil {
			return errors.New("kit llm cannot be nil")
		}
		kit.llm = llm
		return nil
	}
}

// WithCacheBackend enables the semantic cache on b regardless of
// cache.enabled.
func WithCacheBackend(b cache.Backend) Option {
	return func(kit *Kit) error {
		if b == nil {
			return errors.New("kit cache backend cannot be nil")
		}
		kit.backend = b
		return nil
	}
}

func WithPublisher(p events.Publisher) Option {
	return func(kit *Kit) error {
		if p == nil {
			return errors.New("kit publisher cannot be nil")
		}
		kit.publisher = p
		return nil
	}
}
