package engine

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Event is the kind of mutation chosen for a fact.
type Event string

const (
	EventAdd    Event = "ADD"
	EventUpdate Event = "UPDATE"
	EventDelete Event = "DELETE"
	EventNone   Event = "NONE"
)

func (e Event) valid() bool {
	switch e {
	case EventAdd, EventUpdate, EventDelete, EventNone:
		return true
	}
	return false
}

// Action is one decision returned by the model. ID is the real record id
// once temporary ids have been resolved; it is empty for ADD.
type Action struct {
	Event   Event  `json:"event"`
	ID      string `json:"id,omitempty"`
	Text    string `json:"text,omitempty"`
	OldText string `json:"old_memory,omitempty"`
}

var errEmptyOutput = errors.New("empty model output")

// stripCodeFences removes a surrounding markdown code fence, which models
// add even in JSON mode.
func stripCodeFences(raw string) string {
	s := strings.TrimSpace(raw)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	} else {
		s = ""
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

// decodeObject decodes exactly one JSON object and rejects trailing data.
func decodeObject(raw string, v any) error {
	body := stripCodeFences(raw)
	if body == "" {
		return errEmptyOutput
	}
	dec := json.NewDecoder(strings.NewReader(body))
	if err := dec.Decode(v); err != nil {
		return err
	}
	var extra json.RawMessage
	if err := dec.Decode(&extra); err == nil {
		return errors.New("unexpected data after JSON object")
	}
	return nil
}

// parseFacts reads {"facts": [...]}. Elements that are not non-blank strings
// are reported by index in dropped instead of failing the batch.
func parseFacts(raw string) (facts []string, dropped []int, err error) {
	var out struct {
		Facts *[]json.RawMessage `json:"facts"`
	}
	if err := decodeObject(raw, &out); err != nil {
		return nil, nil, err
	}
	if out.Facts == nil {
		return nil, nil, errors.New(`missing "facts" array`)
	}
	facts = make([]string, 0, len(*out.Facts))
	for i, item := range *out.Facts {
		var s string
		if err := json.Unmarshal(item, &s); err != nil || strings.TrimSpace(s) == "" {
			dropped = append(dropped, i)
			continue
		}
		facts = append(facts, strings.TrimSpace(s))
	}
	return facts, dropped, nil
}

type rawAction struct {
	ID        *string `json:"id"`
	Text      *string `json:"text"`
	Event     *string `json:"event"`
	OldMemory *string `json:"old_memory"`
}

// parseActions reads {"memory": [...]} and maps temporary ids back to record
// ids. Any structural problem fails the whole decision.
func parseActions(raw string, tempIDs map[string]string) ([]Action, error) {
	var out struct {
		Memory *[]json.RawMessage `json:"memory"`
	}
	if err := decodeObject(raw, &out); err != nil {
		return nil, err
	}
	if out.Memory == nil {
		return nil, errors.New(`missing "memory" array`)
	}
	actions := make([]Action, 0, len(*out.Memory))
	for i, item := range *out.Memory {
		if !bytes.HasPrefix(bytes.TrimSpace(item), []byte("{")) {
			return nil, fmt.Errorf("action %d: not an object", i)
		}
		var ra rawAction
		if err := json.Unmarshal(item, &ra); err != nil {
			return nil, fmt.Errorf("action %d: %w", i, err)
		}
		act, err := ra.resolve(tempIDs)
		if err != nil {
			return nil, fmt.Errorf("action %d: %w", i, err)
		}
		actions = append(actions, act)
	}
	return actions, nil
}

func (ra rawAction) resolve(tempIDs map[string]string) (Action, error) {
	if ra.Event == nil {
		return Action{}, errors.New(`missing "event"`)
	}
	act := Action{Event: Event(strings.ToUpper(strings.TrimSpace(*ra.Event)))}
	if !act.Event.valid() {
		return Action{}, fmt.Errorf("unknown event %q", *ra.Event)
	}
	if ra.Text != nil {
		act.Text = strings.TrimSpace(*ra.Text)
	}
	if ra.OldMemory != nil {
		act.OldText = *ra.OldMemory
	}

	tempID := ""
	if ra.ID != nil {
		tempID = strings.TrimSpace(*ra.ID)
	}
	switch act.Event {
	case EventAdd:
		if act.Text == "" {
			return Action{}, errors.New("ADD requires text")
		}
		return act, nil
	case EventUpdate:
		if act.Text == "" {
			return Action{}, errors.New("UPDATE requires text")
		}
	case EventNone:
		if tempID == "" {
			return act, nil
		}
	}
	if tempID == "" {
		return Action{}, fmt.Errorf("%s requires id", act.Event)
	}
	id, ok := tempIDs[tempID]
	if !ok {
		return Action{}, fmt.Errorf("%s references unknown id %q", act.Event, tempID)
	}
	act.ID = id
	return act, nil
}

// distinctTargets reports whether no two actions touch the same record.
func distinctTargets(actions []Action) bool {
	seen := make(map[string]struct{}, len(actions))
	for _, a := range actions {
		if a.ID == "" {
			continue
		}
		if _, dup := seen[a.ID]; dup {
			return false
		}
		seen[a.ID] = struct{}{}
	}
	return true
}
