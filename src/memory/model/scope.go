package model

import (
	"errors"
	"strings"
)

// ErrEmptyScope is returned when a multi-record operation is attempted without
// any scope identifier.
var ErrEmptyScope = errors.New("at least one of user_id, agent_id or run_id is required")

// Scope partitions the store. Every search, list and delete is filtered by it.
type Scope struct {
	UserID  string `json:"user_id,omitempty"`
	AgentID string `json:"agent_id,omitempty"`
	RunID   string `json:"run_id,omitempty"`
}

// IsEmpty reports whether no identifier is set.
func (s Scope) IsEmpty() bool {
	return strings.TrimSpace(s.UserID) == "" &&
		strings.TrimSpace(s.AgentID) == "" &&
		strings.TrimSpace(s.RunID) == ""
}

// Validate rejects an empty scope.
func (s Scope) Validate() error {
	if s.IsEmpty() {
		return ErrEmptyScope
	}
	return nil
}

// Key renders the scope as a stable string, e.g. "user:alice|agent:planner".
func (s Scope) Key() string {
	parts := make([]string, 0, 3)
	if s.UserID != "" {
		parts = append(parts, "user:"+s.UserID)
	}
	if s.AgentID != "" {
		parts = append(parts, "agent:"+s.AgentID)
	}
	if s.RunID != "" {
		parts = append(parts, "run:"+s.RunID)
	}
	return strings.Join(parts, "|")
}

// Matches reports whether a record scope satisfies this filter. Only the
// identifiers set on the filter are compared.
func (s Scope) Matches(record Scope) bool {
	if s.UserID != "" && s.UserID != record.UserID {
		return false
	}
	if s.AgentID != "" && s.AgentID != record.AgentID {
		return false
	}
	if s.RunID != "" && s.RunID != record.RunID {
		return false
	}
	return true
}

// Fields returns the set identifiers keyed by their payload names.
func (s Scope) Fields() map[string]string {
	out := make(map[string]string, 3)
	if s.UserID != "" {
		out["user_id"] = s.UserID
	}
	if s.AgentID != "" {
		out["agent_id"] = s.AgentID
	}
	if s.RunID != "" {
		out["run_id"] = s.RunID
	}
	return out
}

// ScopeFromPayload rebuilds a scope from a store payload.
func ScopeFromPayload(payload map[string]any) Scope {
	return Scope{
		UserID:  StringFromAny(payload["user_id"]),
		AgentID: StringFromAny(payload["agent_id"]),
		RunID:   StringFromAny(payload["run_id"]),
	}
}

// Filters returns every non-empty filter that Matches s, starting with s
// itself. A write to a record in s is visible to searches under each of them.
func (s Scope) Filters() []Scope {
	set := make([]func(*Scope), 0, 3)
	if s.UserID != "" {
		set = append(set, func(f *Scope) { f.UserID = s.UserID })
	}
	if s.AgentID != "" {
		set = append(set, func(f *Scope) { f.AgentID = s.AgentID })
	}
	if s.RunID != "" {
		set = append(set, func(f *Scope) { f.RunID = s.RunID })
	}
	out := make([]Scope, 0, 1<<len(set))
	for mask := 1<<len(set) - 1; mask > 0; mask-- {
		var f Scope
		for i, apply := range set {
			if mask&(1<<i) != 0 {
				apply(&f)
			}
		}
		out = append(out, f)
	}
	return out
}
