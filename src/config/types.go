// Package config holds the settings for every component the memory kit
// builds, loaded through viper.
package config

import "time"

// Config is the full memory configuration. The layout mirrors the config file
// sections; every key is also reachable as a MEMORY_ environment variable.
type Config struct {
	LLM         LLMConfig         `mapstructure:"llm"`
	Embedding   EmbeddingConfig   `mapstructure:"embedding"`
	VectorStore VectorStoreConfig `mapstructure:"vector_store"`
	History     HistoryConfig     `mapstructure:"history"`
	Cache       CacheConfig       `mapstructure:"cache"`
	Events      EventsConfig      `mapstructure:"events"`
	Engine      EngineConfig      `mapstructure:"engine"`
	Prune       PruneConfig       `mapstructure:"prune"`
	Log         LogConfig         `mapstructure:"log"`
}

// LLMConfig selects the model used for extraction and decisions.
type LLMConfig struct {
	Provider string `mapstructure:"provider"`
	Model    string `mapstructure:"model"`
	APIKey   string `mapstructure:"api_key"`
	BaseURL  string `mapstructure:"base_url"`
	// CacheSize enables an LRU response cache in front of the model when positive.
	CacheSize int           `mapstructure:"cache_size"`
	CacheTTL  time.Duration `mapstructure:"cache_ttl"`
}

// EmbeddingConfig selects the embedding provider. An empty provider defers to
// ADK_EMBED_PROVIDER.
type EmbeddingConfig struct {
	Provider   string `mapstructure:"provider"`
	Model      string `mapstructure:"model"`
	APIKey     string `mapstructure:"api_key"`
	BaseURL    string `mapstructure:"base_url"`
	Dimensions int    `mapstructure:"dimensions"`
}

// VectorStoreConfig selects the long-term store. Target is the DSN or URL for
// the chosen provider.
type VectorStoreConfig struct {
	Provider   string `mapstructure:"provider"`
	Target     string `mapstructure:"target"`
	Collection string `mapstructure:"collection"`
	Database   string `mapstructure:"database"`
	APIKey     string `mapstructure:"api_key"`
	Username   string `mapstructure:"username"`
	Password   string `mapstructure:"password"`
	// CreateSchema runs the store's schema bootstrap on startup.
	CreateSchema bool `mapstructure:"create_schema"`
}

// HistoryConfig selects the audit log backend.
type HistoryConfig struct {
	Provider   string `mapstructure:"provider"`
	SQLitePath string `mapstructure:"sqlite_path"`
	Postgres   string `mapstructure:"postgres"`
	Table      string `mapstructure:"table"`
}

// CacheConfig tunes the semantic cache and selects its backend.
type CacheConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Backend    string        `mapstructure:"backend"`
	RedisURL   string        `mapstructure:"redis_url"`
	Threshold  float64       `mapstructure:"threshold"`
	MaxEntries int           `mapstructure:"max_entries"`
	TTL        time.Duration `mapstructure:"ttl"`
	KeyPrefix  string        `mapstructure:"key_prefix"`
}

// EventsConfig enables mutation event publishing.
type EventsConfig struct {
	Provider     string        `mapstructure:"provider"`
	Brokers      []string      `mapstructure:"brokers"`
	Topic        string        `mapstructure:"topic"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout"`
}

// EngineConfig tunes reconciliation.
type EngineConfig struct {
	RetrievalLimit int           `mapstructure:"retrieval_limit"`
	ParallelApply  bool          `mapstructure:"parallel_apply"`
	ApplyTimeout   time.Duration `mapstructure:"apply_timeout"`
	MaxParallel    int           `mapstructure:"max_parallel"`
}

// PruneConfig is the default pruning policy.
type PruneConfig struct {
	MaxAgeDays          int     `mapstructure:"max_age_days"`
	SimilarityThreshold float64 `mapstructure:"similarity_threshold"`
	MinContentLength    int     `mapstructure:"min_content_length"`
	MaxRemovalFraction  float64 `mapstructure:"max_removal_fraction"`
}

// LogConfig controls the slog handler.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
	JSON   bool   `mapstructure:"json"`
}
