// Package tools defines the shared [Tool] type returned by the builtin tool
// packages. Each sub-package exports a constructor returning the tools it
// provides, ready for registration with the MCP host.
package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"

	"github.com/MrWong99/flowexec/pkg/types"
)

// Tool is a builtin tool: its model-facing definition plus the handler that
// runs when the model calls it.
type Tool struct {
	Definition types.ToolDefinition

	// Handler executes the tool with JSON-encoded args and returns a
	// JSON-encoded result, or a descriptive error. It must be safe for
	// concurrent use and respect context cancellation.
	Handler func(ctx context.Context, args string) (string, error)
}

var reflector = jsonschema.Reflector{
	DoNotReference:             true,
	ExpandedStruct:             true,
	AllowAdditionalProperties:  false,
	RequiredFromJSONSchemaTags: true,
}

// Schema reflects the JSON Schema of the argument struct T into the map form
// used by [types.ToolDefinition.Parameters]. Fields are optional unless
// tagged `jsonschema:"required"`.
func Schema[T any]() map[string]any {
	s := reflector.Reflect(new(T))
	s.Version = ""
	data, err := json.Marshal(s)
	if err != nil {
		panic(fmt.Sprintf("tools: marshal schema of %T: %v", *new(T), err))
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		panic(fmt.Sprintf("tools: decode schema of %T: %v", *new(T), err))
	}
	return m
}

// Decode unmarshals the tool arguments into T. Empty args decode as {}.
func Decode[T any](args string) (T, error) {
	var v T
	if args == "" {
		return v, nil
	}
	if err := json.Unmarshal([]byte(args), &v); err != nil {
		return v, fmt.Errorf("invalid arguments: %w", err)
	}
	return v, nil
}

// Encode marshals a handler result.
func Encode(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode result: %w", err)
	}
	return string(data), nil
}
