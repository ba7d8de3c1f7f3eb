package models

import (
	"context"
	"fmt"
	"strings"
)

// Config selects and parameterises a provider.
type Config struct {
	Provider string `mapstructure:"provider"`
	Model    string `mapstructure:"model"`
	APIKey   string `mapstructure:"api_key"`
	BaseURL  string `mapstructure:"base_url"`
}

// NewLLMProvider returns a concrete LLM.
func NewLLMProvider(ctx context.Context, cfg Config) (LLM, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "openai":
		return NewOpenAILLM(cfg.Model, cfg.APIKey, cfg.BaseURL), nil
	case "gemini", "google":
		return NewGeminiLLM(ctx, cfg.Model, cfg.APIKey)
	case "ollama":
		return NewOllamaLLM(cfg.Model, cfg.BaseURL)
	case "anthropic", "claude":
		return NewAnthropicLLM(cfg.Model, cfg.APIKey, cfg.BaseURL), nil
	case "scripted":
		return NewScriptedLLM(), nil
	default:
		return nil, fmt.Errorf("unknown provider: %s", cfg.Provider)
	}
}
