// Package mcp defines the tool registry that provider executions call into.
//
// A [Host] holds a catalogue of tools from two sources: in-process builtin
// tools (memory, knowledge search, image generation, vision) and tools
// imported from external Model Context Protocol servers. The tool-call
// orchestrator executes model tool calls through [Host.ExecuteTool].
//
// Lifecycle:
//
//  1. Register builtin tools and call [Host.RegisterServer] for each
//     configured MCP server.
//  2. Use [Host.Tools] to list the catalogue and [Host.ExecuteTool] to run
//     tools.
//  3. Call [Host.Close] to release all server connections.
//
// All methods must be safe for concurrent use.
package mcp

import (
	"context"

	"github.com/MrWong99/flowexec/pkg/types"
)

// Transport names how the host reaches an MCP server.
type Transport string

// Supported transports.
const (
	// TransportStdio runs the server as a child process speaking JSON-RPC over
	// its standard streams.
	TransportStdio Transport = "stdio"

	// TransportStreamableHTTP talks to a remote server over MCP Streamable
	// HTTP.
	TransportStreamableHTTP Transport = "streamable-http"
)

// IsValid reports whether the host can use t.
func (t Transport) IsValid() bool {
	switch t {
	case TransportStdio, TransportStreamableHTTP:
		return true
	}
	return false
}

// ServerConfig describes how to connect to a single MCP server.
type ServerConfig struct {
	// Name identifies the server. Must be unique within a [Host].
	Name string `yaml:"name"`

	// Transport selects the connection mechanism.
	Transport Transport `yaml:"transport"`

	// Command is the executable and its arguments for [TransportStdio].
	Command string `yaml:"command"`

	// URL is the endpoint for [TransportStreamableHTTP].
	URL string `yaml:"url"`

	// Env holds additional environment variables for a stdio server process.
	Env map[string]string `yaml:"env"`
}

// ToolResult holds the outcome of a single tool execution.
type ToolResult struct {
	// Content is the tool's textual output, typically a JSON document.
	Content string

	// IsError reports an application-level failure. Content then holds the
	// error message. Transport failures are returned as Go errors instead.
	IsError bool

	// DurationMs is the wall-clock execution time.
	DurationMs int64
}

// ToolHealth is the observed runtime behaviour of one tool over its recent
// calls.
type ToolHealth struct {
	Name      string  `json:"name"`
	Server    string  `json:"server"`
	P50Ms     int64   `json:"p50Ms"`
	P99Ms     int64   `json:"p99Ms"`
	CallCount int     `json:"callCount"`
	ErrorRate float64 `json:"errorRate"`
}

// Host manages the tool catalogue and routes tool calls.
type Host interface {
	// RegisterServer connects to the MCP server described by cfg and imports
	// its tools. Registering a name again replaces the old connection.
	RegisterServer(ctx context.Context, cfg ServerConfig) error

	// RemoveServer closes the named server connection and drops its tools.
	// Removing an unknown name is a no-op.
	RemoveServer(name string) error

	// Tools returns every registered tool definition sorted by name.
	Tools() []types.ToolDefinition

	// ExecuteTool calls the named tool with JSON-encoded args. A non-nil
	// result is returned even when [ToolResult.IsError] is set; a Go error
	// means the tool is unknown or the transport failed.
	ExecuteTool(ctx context.Context, name string, args string) (*ToolResult, error)

	// Health reports per-tool latency and error statistics sorted by name.
	Health() []ToolHealth

	// Close shuts down all server connections. The Host must not be used
	// afterwards.
	Close() error
}
