package models

import (
	"context"
	"errors"
	"sync"
)

// ErrScriptExhausted is returned once every scripted response has been used.
var ErrScriptExhausted = errors.New("scripted llm: no responses left")

// ScriptedLLM replays canned responses in order. It is meant for tests and
// offline demos where no provider is reachable.
type ScriptedLLM struct {
	mu        sync.Mutex
	responses []string
	next      int
	calls     [][]Message
	formats   []ResponseFormat

	// Handler, when set, answers every call instead of the script.
	Handler func(ctx context.Context, messages []Message, format ResponseFormat) (string, error)
	// Err, when set, is returned by every call.
	Err error
}

func NewScriptedLLM(responses ...string) *ScriptedLLM {
	return &ScriptedLLM{responses: responses}
}

func (s *ScriptedLLM) Generate(ctx context.Context, messages []Message, format ResponseFormat) (string, error) {
	s.mu.Lock()
	cp := make([]Message, len(messages))
	copy(cp, messages)
	s.calls = append(s.calls, cp)
	s.formats = append(s.formats, format)
	if s.Err != nil {
		s.mu.Unlock()
		return "", s.Err
	}
	if h := s.Handler; h != nil {
		s.mu.Unlock()
		return h(ctx, messages, format)
	}
	defer s.mu.Unlock()
	if s.next >= len(s.responses) {
		return "", ErrScriptExhausted
	}
	out := s.responses[s.next]
	s.next++
	return out, nil
}

// Push appends responses to the script.
func (s *ScriptedLLM) Push(responses ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses = append(s.responses, responses...)
}

// Calls returns the prompts received so far.
func (s *ScriptedLLM) Calls() [][]Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]Message, len(s.calls))
	copy(out, s.calls)
	return out
}

// Formats returns the response format requested by each call.
func (s *ScriptedLLM) Formats() []ResponseFormat {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ResponseFormat(nil), s.formats...)
}

var _ LLM = (*ScriptedLLM)(nil)
