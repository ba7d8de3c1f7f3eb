package models

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	ollama "github.com/ollama/ollama/api"
)

// ---------------------------- Ollama -----------------------------------------

type OllamaLLM struct {
	Client *ollama.Client
	Model  string
}

// NewOllamaLLM targets host, OLLAMA_HOST, or the local default.
func NewOllamaLLM(model, host string) (*OllamaLLM, error) {
	if host == "" {
		host = os.Getenv("OLLAMA_HOST")
	}
	if host == "" {
		host = "http://localhost:11434"
	}
	u, err := url.Parse(host)
	if err != nil {
		return nil, fmt.Errorf("invalid OLLAMA_HOST %q: %w", host, err)
	}
	if model == "" {
		model = "llama3.1"
	}
	httpClient := &http.Client{Timeout: 120 * time.Second}
	return &OllamaLLM{Client: ollama.NewClient(u, httpClient), Model: model}, nil
}

func (o *OllamaLLM) Generate(ctx context.Context, messages []Message, format ResponseFormat) (string, error) {
	stream := false
	req := &ollama.ChatRequest{
		Model:    o.Model,
		Stream:   &stream,
		Messages: make([]ollama.Message, 0, len(messages)),
	}
	for _, m := range messages {
		req.Messages = append(req.Messages, ollama.Message{Role: string(m.Role), Content: m.Content})
	}
	if format == FormatJSON {
		req.Format = json.RawMessage(`"json"`)
	}

	var text strings.Builder
	if err := o.Client.Chat(ctx, req, func(cr ollama.ChatResponse) error {
		text.WriteString(cr.Message.Content)
		return nil
	}); err != nil {
		return "", err
	}
	if strings.TrimSpace(text.String()) == "" {
		return "", ErrEmptyResponse
	}
	return text.String(), nil
}

var _ LLM = (*OllamaLLM)(nil)
