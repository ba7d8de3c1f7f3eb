package models

import (
	"context"
	"errors"
	"strings"
)

// ErrEmptyResponse is returned when a provider answers with no text.
var ErrEmptyResponse = errors.New("model returned an empty response")

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn of a chat-style prompt.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// ResponseFormat selects free text or a constrained JSON object.
type ResponseFormat int

const (
	FormatText ResponseFormat = iota
	FormatJSON
)

func (f ResponseFormat) String() string {
	if f == FormatJSON {
		return "json"
	}
	return "text"
}

// LLM is the language-model boundary used by the reconciliation engine.
type LLM interface {
	Generate(ctx context.Context, messages []Message, format ResponseFormat) (string, error)
}

// System and User are shorthands for building prompts.
func System(content string) Message { return Message{Role: RoleSystem, Content: content} }
func User(content string) Message   { return Message{Role: RoleUser, Content: content} }

// splitSystem separates system turns from the conversation. Providers with a
// dedicated system field use it.
func splitSystem(messages []Message) (string, []Message) {
	var (
		sys  []string
		rest = make([]Message, 0, len(messages))
	)
	for _, m := range messages {
		if m.Role == RoleSystem {
			sys = append(sys, m.Content)
			continue
		}
		rest = append(rest, m)
	}
	return strings.Join(sys, "\n\n"), rest
}

const jsonInstruction = "Respond with a single valid JSON object and nothing else."
