package engine

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Protocol-Lattice/go-memory/src/models"
)

const extractionPrompt = `You extract durable facts about the user from conversation text.
Each fact must be short, self-contained and written in the third person or as the user's own statement.
Keep preferences, plans, relationships, biographical details and opinions. Skip greetings and filler.
Today's date is %s.

Return JSON of the form {"facts": ["fact one", "fact two"]}. Return {"facts": []} when nothing is worth remembering.`

const decisionPrompt = `You maintain a memory store. Compare the new facts with the existing memories and decide, for each fact, one operation:

- ADD: the fact is new information. Omit "id".
- UPDATE: the fact refines or contradicts an existing memory. Use that memory's "id" and give the merged text.
- DELETE: the fact makes an existing memory false. Use that memory's "id".
- NONE: the fact is already captured. Use the matching memory's "id" when there is one.

Only use ids that appear in the existing memories.

Return JSON of the form:
{"memory": [{"id": "0", "text": "...", "event": "UPDATE", "old_memory": "..."}]}`

// neighborView is the only part of a stored record shown to the model.
type neighborView struct {
	ID    string  `json:"id"`
	Text  string  `json:"text"`
	Score float64 `json:"score"`
}

func extractionMessages(input string, now time.Time) []models.Message {
	return []models.Message{
		models.System(fmt.Sprintf(extractionPrompt, now.Format("2006-01-02"))),
		models.User("Input:\n" + input),
	}
}

func decisionMessages(facts []string, neighbors []neighborView) ([]models.Message, error) {
	if neighbors == nil {
		neighbors = []neighborView{}
	}
	existing, err := json.MarshalIndent(neighbors, "", "  ")
	if err != nil {
		return nil, err
	}
	newFacts, err := json.MarshalIndent(facts, "", "  ")
	if err != nil {
		return nil, err
	}
	var b strings.Builder
	b.WriteString("Existing memories:\n")
	b.Write(existing)
	b.WriteString("\n\nNew facts:\n")
	b.Write(newFacts)
	return []models.Message{models.System(decisionPrompt), models.User(b.String())}, nil
}
