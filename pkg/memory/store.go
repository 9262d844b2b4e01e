// Package memory defines the per-workflow key/value memory that workflow
// agents read and write between runs.
//
// A memory is addressed by its workflow id and key. Agent memories hold a
// conversation that grows as messages are added; raw memories hold arbitrary
// JSON. The [Store] interface is public so storage backends live in
// sub-packages (postgres, mock) without depending on flowexec internals.
//
// Every implementation must be safe for concurrent use.
package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"

	"github.com/MrWong99/flowexec/pkg/apierr"
	"github.com/MrWong99/flowexec/pkg/types"
)

// Store persists workflow memories.
type Store interface {
	// Get returns the memory stored under key for workflowID.
	// Returns an [apierr.NotFoundError] when it does not exist.
	Get(ctx context.Context, workflowID, key string) (*Memory, error)

	// List returns every memory of workflowID, oldest first.
	// Returns an empty (non-nil) slice when there are none.
	List(ctx context.Context, workflowID string) ([]Memory, error)

	// Add creates the memory if absent. For an existing agent memory the new
	// messages are appended; an existing raw memory has its data replaced.
	// Adding with a type different from the stored one is a validation error.
	Add(ctx context.Context, m Memory) (*Memory, error)

	// Put creates the memory or replaces its data in place, keeping the
	// stored type when one exists.
	Put(ctx context.Context, m Memory) (*Memory, error)

	// Delete removes the memory. Returns an [apierr.NotFoundError] when it
	// does not exist.
	Delete(ctx context.Context, workflowID, key string) error
}

// Validate checks the addressing fields and type of m and returns m with its
// data normalised by [NormalizeData].
func Validate(m Memory) (Memory, error) {
	if strings.TrimSpace(m.WorkflowID) == "" {
		return m, apierr.Validation("workflowId", "is required")
	}
	if strings.TrimSpace(m.Key) == "" {
		return m, apierr.Validation("key", "is required")
	}
	if m.Type == "" {
		m.Type = TypeAgent
	}
	if !m.Type.Valid() {
		return m, apierr.Validation("type", "must be %q or %q, got %q", TypeAgent, TypeRaw, m.Type)
	}
	data, err := NormalizeData(m.Type, m.Data)
	if err != nil {
		return m, err
	}
	m.Data = data
	return m, nil
}

// NormalizeData validates data for a memory of type typ.
//
// Raw data must be any JSON value other than null. Agent data may be a single
// message object or an array of them; each needs a non-empty content and a
// role of user, assistant or system. Agent data is always returned as an
// array.
func NormalizeData(typ Type, data json.RawMessage) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, apierr.Validation("data", "memory data is required")
	}
	if !json.Valid(trimmed) {
		return nil, apierr.Validation("data", "memory data is not valid JSON")
	}
	if typ != TypeAgent {
		return json.RawMessage(trimmed), nil
	}

	var msgs []Message
	if trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &msgs); err != nil {
			return nil, apierr.Validation("data", "agent memory must hold role/content messages")
		}
	} else {
		var msg Message
		if err := json.Unmarshal(trimmed, &msg); err != nil {
			return nil, apierr.Validation("data", "agent memory must hold role/content messages")
		}
		msgs = []Message{msg}
	}
	if len(msgs) == 0 {
		return nil, apierr.Validation("data", "agent memory needs at least one message")
	}
	for _, msg := range msgs {
		if msg.Role == "" || msg.Content == "" {
			return nil, apierr.Validation("data", "agent memory requires role and content")
		}
		switch msg.Role {
		case types.RoleUser, types.RoleAssistant, types.RoleSystem:
		default:
			return nil, apierr.Validation("data", "agent role must be user, assistant or system, got %q", msg.Role)
		}
	}
	out, err := json.Marshal(msgs)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Merge computes the data stored after adding incoming to existing. Both
// must already be normalised.
func Merge(existing *Memory, incoming Memory) (json.RawMessage, error) {
	if existing == nil {
		return incoming.Data, nil
	}
	if existing.Type != incoming.Type {
		return nil, apierr.Validation("type", "memory %q is of type %q, cannot add %q data",
			existing.Key, existing.Type, incoming.Type)
	}
	if existing.Type != TypeAgent {
		return incoming.Data, nil
	}

	old, err := existing.Messages()
	if err != nil {
		return nil, apierr.Parse("stored agent memory", err)
	}
	added, err := incoming.Messages()
	if err != nil {
		return nil, apierr.Parse("agent memory", err)
	}
	return json.Marshal(append(old, added...))
}
