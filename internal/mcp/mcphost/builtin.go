package mcphost

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/flowexec/pkg/types"
)

// builtinServerName is the pseudo server name reported for in-process tools.
const builtinServerName = "builtin"

// BuiltinTool is a tool implemented as a Go function that runs in-process.
//
// ExecuteTool calls the Handler directly without any network or subprocess
// round trip. Builtin tools are otherwise treated like server tools: they
// appear in [Host.Tools] and are measured in [Host.Health].
type BuiltinTool struct {
	// Definition is the tool's public descriptor presented to the model.
	Definition types.ToolDefinition

	// Handler receives a JSON object string (e.g. "{}" or `{"key":"value"}`).
	// A non-nil error marks the result with IsError.
	Handler func(ctx context.Context, args string) (string, error)
}

// RegisterBuiltin registers a builtin tool. A tool with the same name is
// replaced, including one imported from an MCP server.
func (h *Host) RegisterBuiltin(tool BuiltinTool) error {
	if tool.Definition.Name == "" {
		return errors.New("mcp host: builtin tool must have a non-empty name")
	}
	if tool.Handler == nil {
		return fmt.Errorf("mcp host: builtin tool %q must have a non-nil handler", tool.Definition.Name)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.tools[tool.Definition.Name] = toolEntry{
		def:          tool.Definition,
		serverName:   builtinServerName,
		measurements: newRollingWindow(defaultWindowSize),
		builtinFn:    tool.Handler,
	}
	return nil
}

// RegisterBuiltins registers every tool in order and stops at the first
// failure.
func (h *Host) RegisterBuiltins(tools ...BuiltinTool) error {
	for _, t := range tools {
		if err := h.RegisterBuiltin(t); err != nil {
			return err
		}
	}
	return nil
}
