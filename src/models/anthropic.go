package models

import (
	"context"
	"os"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	anthropicopt "github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicLLM talks to the Messages API. JSON mode is requested through the
// system prompt since the API has no response_format switch.
type AnthropicLLM struct {
	Client    *anthropic.Client
	Model     string
	MaxTokens int
}

// NewAnthropicLLM reads ANTHROPIC_API_KEY when apiKey is empty.
func NewAnthropicLLM(model, apiKey, baseURL string) *AnthropicLLM {
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if model == "" {
		model = "claude-3-5-haiku-latest"
	}
	opts := []anthropicopt.RequestOption{anthropicopt.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, anthropicopt.WithBaseURL(baseURL))
	}
	cl := anthropic.NewClient(opts...)
	return &AnthropicLLM{Client: &cl, Model: model, MaxTokens: 2048}
}

func (a *AnthropicLLM) Generate(ctx context.Context, messages []Message, format ResponseFormat) (string, error) {
	system, turns := splitSystem(messages)
	if format == FormatJSON {
		system = strings.TrimSpace(system + "\n\n" + jsonInstruction)
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(a.Model),
		MaxTokens: int64(a.MaxTokens),
		Messages:  make([]anthropic.MessageParam, 0, len(turns)),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	for _, m := range turns {
		block := anthropic.NewTextBlock(m.Content)
		if m.Role == RoleAssistant {
			params.Messages = append(params.Messages, anthropic.NewAssistantMessage(block))
			continue
		}
		params.Messages = append(params.Messages, anthropic.NewUserMessage(block))
	}

	msg, err := a.Client.Messages.New(ctx, params)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for _, cb := range msg.Content {
		if tb, ok := cb.AsAny().(anthropic.TextBlock); ok {
			b.WriteString(tb.Text)
		}
	}
	if strings.TrimSpace(b.String()) == "" {
		return "", ErrEmptyResponse
	}
	return b.String(), nil
}

var _ LLM = (*AnthropicLLM)(nil)
