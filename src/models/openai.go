package models

import (
	"context"
	"os"
	"strings"

	"github.com/sashabaranov/go-openai"
)

type OpenAILLM struct {
	Client      *openai.Client
	Model       string
	Temperature float32
}

// NewOpenAILLM builds a chat client. Empty apiKey and baseURL fall back to
// OPENAI_API_KEY (or OPENAI_KEY) and OPENAI_BASE_URL.
func NewOpenAILLM(model, apiKey, baseURL string) *OpenAILLM {
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_KEY") // fallback
	}
	if baseURL == "" {
		baseURL = os.Getenv("OPENAI_BASE_URL")
	}
	if model == "" {
		model = openai.GPT4oMini
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	return &OpenAILLM{Client: openai.NewClientWithConfig(cfg), Model: model}
}

func (o *OpenAILLM) Generate(ctx context.Context, messages []Message, format ResponseFormat) (string, error) {
	req := openai.ChatCompletionRequest{
		Model:       o.Model,
		Temperature: o.Temperature,
		Messages:    make([]openai.ChatCompletionMessage, 0, len(messages)),
	}
	for _, m := range messages {
		req.Messages = append(req.Messages, openai.ChatCompletionMessage{Role: string(m.Role), Content: m.Content})
	}
	if format == FormatJSON {
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject}
	}

	resp, err := o.Client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return "", ErrEmptyResponse
	}
	return resp.Choices[0].Message.Content, nil
}

var _ LLM = (*OpenAILLM)(nil)
