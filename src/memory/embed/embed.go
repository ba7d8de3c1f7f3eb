package embed

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"os"
	"strings"
	"sync"
)

// Embedder is a pluggable text-embedding provider.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// ErrNotSupported is returned by providers that do not offer embeddings.
var ErrNotSupported = errors.New("embeddings not supported by this provider")

// ErrEmptyEmbedding is returned when a provider answers with no vector.
var ErrEmptyEmbedding = errors.New("provider returned an empty embedding")

// Config selects and parameterises a provider. Empty fields fall back to the
// provider's environment variables.
type Config struct {
	Provider string
	Model    string
	APIKey   string
	BaseURL  string
}

// New builds the embedder named by cfg.Provider.
func New(ctx context.Context, cfg Config) (Embedder, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "openai":
		return NewOpenAIEmbedder(cfg.Model, cfg.APIKey)
	case "google", "gemini", "vertex", "vertexai":
		return NewGeminiEmbedder(ctx, cfg.Model, cfg.APIKey)
	case "ollama":
		return NewOllamaEmbedder(cfg.Model, cfg.BaseURL)
	case "claude", "anthropic", "voyage":
		return NewClaudeEmbedder(cfg.Model, cfg.APIKey)
	case "fastembed":
		return NewFastEmbedder(ctx, defaultFastEmbedOptions())
	case "dummy", "":
		return DummyEmbedder{}, nil
	default:
		return nil, fmt.Errorf("unknown embedding provider: %s", cfg.Provider)
	}
}

// AutoEmbedder chooses a provider from env:
// ADK_EMBED_PROVIDER=openai|google|gemini|ollama|claude|fastembed
// ADK_EMBED_MODEL=<model string>
// It falls back to DummyEmbedder when nothing is configured or construction fails.
func AutoEmbedder() Embedder {
	cfg := Config{
		Provider: os.Getenv("ADK_EMBED_PROVIDER"),
		Model:    strings.TrimSpace(os.Getenv("ADK_EMBED_MODEL")),
	}
	if e, err := New(context.Background(), cfg); err == nil {
		return e
	}
	return DummyEmbedder{}
}

// Close releases provider resources when the embedder holds any.
func Close(e Embedder) error {
	if c, ok := e.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}

// ---------- Dummy (fallback) ----------

// DummyEmbedder hashes text into a fixed vector. Identical text always yields
// the same vector, which makes it suitable for tests and offline runs.
type DummyEmbedder struct{}

func (DummyEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	return DummyEmbedding(text), nil
}

const dummyDims = 768

// DummyEmbedding spreads hashed word tokens over a normalised vector so that
// texts sharing words land close together.
func DummyEmbedding(text string) []float32 {
	vec := make([]float32, dummyDims)
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(tok))
		vec[h.Sum32()%dummyDims] += 1
	}
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return vec
	}
	inv := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= inv
	}
	return vec
}

// ---------- Static (tests) ----------

// StaticEmbedder serves fixed vectors per text and falls back to Fallback, or
// DummyEmbedding when Fallback is nil. Calls are counted for assertions.
type StaticEmbedder struct {
	mu       sync.Mutex
	Vectors  map[string][]float32
	Fallback Embedder
	Err      error
	calls    int
}

func NewStaticEmbedder(vectors map[string][]float32) *StaticEmbedder {
	if vectors == nil {
		vectors = map[string][]float32{}
	}
	return &StaticEmbedder{Vectors: vectors}
}

// Set registers a vector for text.
func (s *StaticEmbedder) Set(text string, vec []float32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Vectors[text] = vec
}

func (s *StaticEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	s.mu.Lock()
	s.calls++
	err := s.Err
	vec, ok := s.Vectors[text]
	fallback := s.Fallback
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if ok {
		return append([]float32(nil), vec...), nil
	}
	if fallback != nil {
		return fallback.Embed(ctx, text)
	}
	return DummyEmbedding(text), nil
}

// Calls returns the number of Embed invocations.
func (s *StaticEmbedder) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func f64toF32(v []float64) []float32 {
	r := make([]float32, len(v))
	for i, x := range v {
		r[i] = float32(x)
	}
	return r
}
