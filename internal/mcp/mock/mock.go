// Package mock provides an in-memory test double for [mcp.Host].
//
// [Host] records every method call for assertion in tests and exposes fields
// that control what it returns. It is safe for concurrent use.
//
//	h := &mock.Host{ToolsResult: []types.ToolDefinition{{Name: "memory_get"}}}
//	h.ExecuteToolResults = map[string]*mcp.ToolResult{"memory_get": {Content: `{"id":"m1"}`}}
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/flowexec/internal/mcp"
	"github.com/MrWong99/flowexec/pkg/types"
)

// Call records one method invocation.
type Call struct {
	Method string
	Args   []any
}

// Host is a configurable test double for [mcp.Host].
type Host struct {
	mu    sync.Mutex
	calls []Call

	RegisterServerErr error
	RemoveServerErr   error

	// ToolsResult is returned by [Host.Tools]. Nil yields an empty slice.
	ToolsResult []types.ToolDefinition

	// ExecuteToolResult is returned for any tool without an entry in
	// ExecuteToolResults. Nil yields a zero result.
	ExecuteToolResult  *mcp.ToolResult
	ExecuteToolResults map[string]*mcp.ToolResult
	ExecuteToolErr     error

	HealthResult []mcp.ToolHealth

	CloseErr error
}

var _ mcp.Host = (*Host)(nil)

func (h *Host) record(method string, args ...any) {
	h.calls = append(h.calls, Call{Method: method, Args: args})
}

// Calls returns a copy of all recorded invocations.
func (h *Host) Calls() []Call {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Call, len(h.calls))
	copy(out, h.calls)
	return out
}

// CallCount returns how many times method was invoked.
func (h *Host) CallCount(method string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, c := range h.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Reset clears recorded calls.
func (h *Host) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = nil
}

func (h *Host) RegisterServer(_ context.Context, cfg mcp.ServerConfig) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.record("RegisterServer", cfg)
	return h.RegisterServerErr
}

func (h *Host) RemoveServer(name string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.record("RemoveServer", name)
	return h.RemoveServerErr
}

func (h *Host) Tools() []types.ToolDefinition {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.record("Tools")
	out := make([]types.ToolDefinition, len(h.ToolsResult))
	copy(out, h.ToolsResult)
	return out
}

func (h *Host) ExecuteTool(_ context.Context, name string, args string) (*mcp.ToolResult, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.record("ExecuteTool", name, args)
	if h.ExecuteToolErr != nil {
		return nil, h.ExecuteToolErr
	}
	res := h.ExecuteToolResult
	if r, ok := h.ExecuteToolResults[name]; ok {
		res = r
	}
	if res == nil {
		return &mcp.ToolResult{}, nil
	}
	cp := *res
	return &cp, nil
}

func (h *Host) Health() []mcp.ToolHealth {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.record("Health")
	out := make([]mcp.ToolHealth, len(h.HealthResult))
	copy(out, h.HealthResult)
	return out
}

func (h *Host) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.record("Close")
	return h.CloseErr
}
