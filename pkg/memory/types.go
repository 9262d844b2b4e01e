package memory

import (
	"encoding/json"
	"time"
)

// Type classifies how a memory's Data is interpreted.
type Type string

const (
	// TypeAgent memories hold a conversation: a JSON array of [Message]
	// values. Adding to an agent memory appends to the array.
	TypeAgent Type = "agent"

	// TypeRaw memories hold arbitrary JSON that is replaced wholesale.
	TypeRaw Type = "raw"
)

// Valid reports whether t is a known memory type.
func (t Type) Valid() bool {
	return t == TypeAgent || t == TypeRaw
}

// Memory is one keyed entry in a workflow's memory. The pair
// (WorkflowID, Key) is unique.
type Memory struct {
	ID         string          `json:"id"`
	Key        string          `json:"key"`
	WorkflowID string          `json:"workflowId"`
	Type       Type            `json:"type"`
	Data       json.RawMessage `json:"data"`
	CreatedAt  time.Time       `json:"createdAt"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

// Message is one turn of an agent memory.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Messages decodes the conversation held by an agent memory.
func (m *Memory) Messages() ([]Message, error) {
	var msgs []Message
	if len(m.Data) == 0 {
		return msgs, nil
	}
	if err := json.Unmarshal(m.Data, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}
