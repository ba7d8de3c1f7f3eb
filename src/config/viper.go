package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix namespaces environment overrides: MEMORY_CACHE_TTL, MEMORY_LLM_PROVIDER.
const EnvPrefix = "MEMORY"

// InitViper creates a viper instance with defaults from NewDefaultConfig,
// the config file (configFile when set, otherwise memory.{toml,yaml,json}
// under ./ or ~/.memory) and MEMORY_ environment variables.
//
// Config precedence (highest to lowest):
//  1. CLI flags (once bound with BindPFlag)
//  2. Environment variables
//  3. Config file values
//  4. Defaults from NewDefaultConfig()
func InitViper(configFile string) (*viper.Viper, error) {
	v := viper.New()
	setViperDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("memory")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".memory"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		// An explicit file must exist; discovery misses fall back to defaults.
		if configFile != "" || !errors.As(err, &viper.ConfigFileNotFoundError{}) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return v, nil
}

// Load decodes the merged viper state into a Config.
func Load(v *viper.Viper) (*Config, error) {
	cfg := NewDefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings no component could run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Cache.Threshold < 0 || c.Cache.Threshold > 1 {
		errs = append(errs, fmt.Errorf("cache.threshold must be within [0,1], got %v", c.Cache.Threshold))
	}
	if c.Prune.SimilarityThreshold < 0 || c.Prune.SimilarityThreshold > 1 {
		errs = append(errs, fmt.Errorf("prune.similarity_threshold must be within [0,1], got %v", c.Prune.SimilarityThreshold))
	}
	if c.Prune.MaxRemovalFraction < 0 || c.Prune.MaxRemovalFraction > 1 {
		errs = append(errs, fmt.Errorf("prune.max_removal_fraction must be within [0,1], got %v", c.Prune.MaxRemovalFraction))
	}
	if strings.EqualFold(c.Events.Provider, "kafka") && len(c.Events.Brokers) == 0 {
		errs = append(errs, errors.New("events.brokers is required for the kafka provider"))
	}
	return errors.Join(errs...)
}

// setViperDefaults registers NewDefaultConfig() under dotted keys so that
// AutomaticEnv can resolve every key during Unmarshal.
func setViperDefaults(v *viper.Viper) {
	d := NewDefaultConfig()

	// LLM
	v.SetDefault("llm.provider", d.LLM.Provider)
	v.SetDefault("llm.model", d.LLM.Model)
	v.SetDefault("llm.api_key", d.LLM.APIKey)
	v.SetDefault("llm.base_url", d.LLM.BaseURL)
	v.SetDefault("llm.cache_size", d.LLM.CacheSize)
	v.SetDefault("llm.cache_ttl", d.LLM.CacheTTL)

	// Embedding
	v.SetDefault("embedding.provider", d.Embedding.Provider)
	v.SetDefault("embedding.model", d.Embedding.Model)
	v.SetDefault("embedding.api_key", d.Embedding.APIKey)
	v.SetDefault("embedding.base_url", d.Embedding.BaseURL)
	v.SetDefault("embedding.dimensions", d.Embedding.Dimensions)

	// Vector store
	v.SetDefault("vector_store.provider", d.VectorStore.Provider)
	v.SetDefault("vector_store.target", d.VectorStore.Target)
	v.SetDefault("vector_store.collection", d.VectorStore.Collection)
	v.SetDefault("vector_store.database", d.VectorStore.Database)
	v.SetDefault("vector_store.api_key", d.VectorStore.APIKey)
	v.SetDefault("vector_store.username", d.VectorStore.Username)
	v.SetDefault("vector_store.password", d.VectorStore.Password)
	v.SetDefault("vector_store.create_schema", d.VectorStore.CreateSchema)

	// History
	v.SetDefault("history.provider", d.History.Provider)
	v.SetDefault("history.sqlite_path", d.History.SQLitePath)
	v.SetDefault("history.postgres", d.History.Postgres)
	v.SetDefault("history.table", d.History.Table)

	// Semantic cache
	v.SetDefault("cache.enabled", d.Cache.Enabled)
	v.SetDefault("cache.backend", d.Cache.Backend)
	v.SetDefault("cache.redis_url", d.Cache.RedisURL)
	v.SetDefault("cache.threshold", d.Cache.Threshold)
	v.SetDefault("cache.max_entries", d.Cache.MaxEntries)
	v.SetDefault("cache.ttl", d.Cache.TTL)
	v.SetDefault("cache.key_prefix", d.Cache.KeyPrefix)

	// Events
	v.SetDefault("events.provider", d.Events.Provider)
	v.SetDefault("events.brokers", d.Events.Brokers)
	v.SetDefault("events.topic", d.Events.Topic)
	v.SetDefault("events.batch_timeout", d.Events.BatchTimeout)

	// Engine
	v.SetDefault("engine.retrieval_limit", d.Engine.RetrievalLimit)
	v.SetDefault("engine.parallel_apply", d.Engine.ParallelApply)
	v.SetDefault("engine.apply_timeout", d.Engine.ApplyTimeout)
	v.SetDefault("engine.max_parallel", d.Engine.MaxParallel)

	// Prune
	v.SetDefault("prune.max_age_days", d.Prune.MaxAgeDays)
	v.SetDefault("prune.similarity_threshold", d.Prune.SimilarityThreshold)
	v.SetDefault("prune.min_content_length", d.Prune.MinContentLength)
	v.SetDefault("prune.max_removal_fraction", d.Prune.MaxRemovalFraction)

	// Log
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.pretty", d.Log.Pretty)
	v.SetDefault("log.json", d.Log.JSON)
}
