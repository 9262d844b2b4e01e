// Package memorytool exposes workflow memory to models as builtin tools.
//
// Three tools are returned by [NewTools]:
//   - "memory_get"    returns one memory by key, or every memory when the key
//     is omitted.
//   - "memory_add"    creates a memory or appends to an agent conversation.
//   - "memory_delete" removes a memory.
//
// Memories are scoped to the workflow id carried by the call context (see
// [types.WithWorkflowID]). A workflowId argument is used only when the
// context carries none.
package memorytool

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/MrWong99/flowexec/internal/mcp/tools"
	"github.com/MrWong99/flowexec/pkg/apierr"
	"github.com/MrWong99/flowexec/pkg/memory"
	"github.com/MrWong99/flowexec/pkg/types"
)

type getArgs struct {
	Key        string `json:"key,omitempty" jsonschema:"description=Memory key. Omit to list every memory of the workflow."`
	WorkflowID string `json:"workflowId,omitempty" jsonschema:"description=Workflow id. Only needed outside a workflow run."`
}

type addArgs struct {
	Key        string          `json:"key" jsonschema:"required,description=Memory key."`
	Type       memory.Type     `json:"type,omitempty" jsonschema:"enum=agent,enum=raw,description=agent appends role/content messages; raw stores arbitrary JSON. Defaults to agent."`
	Data       json.RawMessage `json:"data" jsonschema:"required,description=One {role content} message or a list of them. Any JSON for raw memories."`
	WorkflowID string          `json:"workflowId,omitempty" jsonschema:"description=Workflow id. Only needed outside a workflow run."`
}

type deleteArgs struct {
	Key        string `json:"key" jsonschema:"required,description=Memory key."`
	WorkflowID string `json:"workflowId,omitempty" jsonschema:"description=Workflow id. Only needed outside a workflow run."`
}

// workflowID picks the context id over the argument.
func workflowID(ctx context.Context, arg string) (string, error) {
	if id := types.WorkflowIDFrom(ctx); id != "" {
		return id, nil
	}
	if arg != "" {
		return arg, nil
	}
	return "", apierr.Validation("workflowId", "no workflow id in scope")
}

func makeGetHandler(store memory.Store) func(context.Context, string) (string, error) {
	return func(ctx context.Context, args string) (string, error) {
		a, err := tools.Decode[getArgs](args)
		if err != nil {
			return "", fmt.Errorf("memory_get: %w", err)
		}
		wf, err := workflowID(ctx, a.WorkflowID)
		if err != nil {
			return "", fmt.Errorf("memory_get: %w", err)
		}
		if a.Key == "" {
			list, err := store.List(ctx, wf)
			if err != nil {
				return "", fmt.Errorf("memory_get: %w", err)
			}
			return tools.Encode(list)
		}
		m, err := store.Get(ctx, wf, a.Key)
		if err != nil {
			return "", fmt.Errorf("memory_get: %w", err)
		}
		return tools.Encode(m)
	}
}

func makeAddHandler(store memory.Store) func(context.Context, string) (string, error) {
	return func(ctx context.Context, args string) (string, error) {
		a, err := tools.Decode[addArgs](args)
		if err != nil {
			return "", fmt.Errorf("memory_add: %w", err)
		}
		wf, err := workflowID(ctx, a.WorkflowID)
		if err != nil {
			return "", fmt.Errorf("memory_add: %w", err)
		}
		m, err := store.Add(ctx, memory.Memory{WorkflowID: wf, Key: a.Key, Type: a.Type, Data: a.Data})
		if err != nil {
			return "", fmt.Errorf("memory_add: %w", err)
		}
		return tools.Encode(m)
	}
}

func makeDeleteHandler(store memory.Store) func(context.Context, string) (string, error) {
	return func(ctx context.Context, args string) (string, error) {
		a, err := tools.Decode[deleteArgs](args)
		if err != nil {
			return "", fmt.Errorf("memory_delete: %w", err)
		}
		if a.Key == "" {
			return "", fmt.Errorf("memory_delete: %w", apierr.Validation("key", "is required"))
		}
		wf, err := workflowID(ctx, a.WorkflowID)
		if err != nil {
			return "", fmt.Errorf("memory_delete: %w", err)
		}
		if err := store.Delete(ctx, wf, a.Key); err != nil {
			return "", fmt.Errorf("memory_delete: %w", err)
		}
		return tools.Encode(map[string]string{"message": "Memory deleted successfully"})
	}
}

// NewTools returns the memory tools backed by store.
func NewTools(store memory.Store) []tools.Tool {
	return []tools.Tool{
		{
			Definition: types.ToolDefinition{
				Name:        "memory_get",
				Description: "Read workflow memory. Returns the memory stored under key, or all memories of the workflow when key is omitted.",
				Parameters:  tools.Schema[getArgs](),
			},
			Handler: makeGetHandler(store),
		},
		{
			Definition: types.ToolDefinition{
				Name:        "memory_add",
				Description: "Write workflow memory. Agent memories append the given messages to the stored conversation; raw memories replace their data.",
				Parameters:  tools.Schema[addArgs](),
			},
			Handler: makeAddHandler(store),
		},
		{
			Definition: types.ToolDefinition{
				Name:        "memory_delete",
				Description: "Delete the workflow memory stored under key.",
				Parameters:  tools.Schema[deleteArgs](),
			},
			Handler: makeDeleteHandler(store),
		},
	}
}
