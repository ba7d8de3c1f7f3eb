package config

import "time"

const (
	defaultLLMProvider = "openai"
	defaultLLMModel    = "gpt-4o-mini"

	defaultVectorProvider   = "memory"
	defaultQdrantCollection = "memories"

	defaultHistoryProvider = "sqlite"
	defaultHistoryPath     = ".memory/history.db"
	defaultHistoryTable    = "memory_history"

	defaultCacheBackend    = "memory"
	defaultCacheThreshold  = 0.85
	defaultCacheMaxEntries = 10000
	defaultCacheTTL        = time.Hour
	defaultCacheKeyPrefix  = "semcache"

	defaultEventsTopic = "memory.mutations"

	defaultRetrievalLimit = 5
	defaultMaxParallel    = 8
)

// NewDefaultConfig returns a Config with defaults for every field. It is the
// only place defaults are declared; InitViper registers them from here.
func NewDefaultConfig() *Config {
	return &Config{
		LLM: LLMConfig{
			Provider: defaultLLMProvider,
			Model:    defaultLLMModel,
		},
		VectorStore: VectorStoreConfig{
			Provider:   defaultVectorProvider,
			Collection: defaultQdrantCollection,
		},
		History: HistoryConfig{
			Provider:   defaultHistoryProvider,
			SQLitePath: defaultHistoryPath,
			Table:      defaultHistoryTable,
		},
		Cache: CacheConfig{
			Enabled:    true,
			Backend:    defaultCacheBackend,
			Threshold:  defaultCacheThreshold,
			MaxEntries: defaultCacheMaxEntries,
			TTL:        defaultCacheTTL,
			KeyPrefix:  defaultCacheKeyPrefix,
		},
		Events: EventsConfig{
			Topic:        defaultEventsTopic,
			BatchTimeout: 10 * time.Millisecond,
		},
		Engine: EngineConfig{
			RetrievalLimit: defaultRetrievalLimit,
			MaxParallel:    defaultMaxParallel,
		},
		Prune: PruneConfig{
			MaxAgeDays:          365,
			SimilarityThreshold: 0.95,
			MinContentLength:    10,
			MaxRemovalFraction:  0.3,
		},
		Log: LogConfig{
			Level:  "info",
			Pretty: true,
		},
	}
}
