// Package mcphost provides the concrete [mcp.Host] used by the service.
//
// It connects to MCP servers over stdio or streamable HTTP using the official
// MCP Go SDK (github.com/modelcontextprotocol/go-sdk), keeps a concurrent-safe
// in-memory tool catalogue that also holds in-process builtin tools, and
// tracks per-tool latency and error rate over a rolling window.
//
// Typical usage:
//
//	h := mcphost.New()
//
//	err := h.RegisterServer(ctx, mcp.ServerConfig{
//	    Name:      "search",
//	    Transport: mcp.TransportStreamableHTTP,
//	    URL:       "http://localhost:9000/mcp",
//	})
//
//	_ = h.RegisterBuiltin(mcphost.BuiltinTool{
//	    Definition: types.ToolDefinition{Name: "memory_get", ...},
//	    Handler:    memoryGet,
//	})
//
//	result, err := h.ExecuteTool(ctx, "memory_get", `{"key":"chat"}`)
//
//	h.Close()
package mcphost

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"slices"
	"strings"
	"sync"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/MrWong99/flowexec/internal/mcp"
	"github.com/MrWong99/flowexec/internal/observe"
	"github.com/MrWong99/flowexec/pkg/types"
)

const defaultWindowSize = 100

// toolEntry holds all metadata for a single registered tool.
type toolEntry struct {
	def          types.ToolDefinition
	serverName   string
	measurements *rollingWindow

	// builtinFn is non-nil for in-process tools registered via RegisterBuiltin.
	builtinFn func(ctx context.Context, args string) (string, error)
}

// Host is the concrete [mcp.Host].
//
// The zero value is NOT usable; create instances with [New].
type Host struct {
	mu      sync.RWMutex
	tools   map[string]toolEntry
	servers map[string]*mcpsdk.ClientSession

	// client is reused across all server connections. The SDK allows one
	// Client to manage multiple sessions concurrently.
	client  *mcpsdk.Client
	metrics *observe.Metrics
}

var _ mcp.Host = (*Host)(nil)

// Option configures a [Host].
type Option func(*Host)

// WithMetrics records tool calls on m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(h *Host) { h.metrics = m }
}

// New creates and returns a ready-to-use Host.
func New(opts ...Option) *Host {
	h := &Host{
		tools:   make(map[string]toolEntry),
		servers: make(map[string]*mcpsdk.ClientSession),
		client: mcpsdk.NewClient(
			&mcpsdk.Implementation{Name: "flowexec-mcphost", Version: "1.0.0"},
			nil,
		),
	}
	for _, o := range opts {
		o(h)
	}
	if h.metrics == nil {
		h.metrics = observe.DefaultMetrics()
	}
	return h
}

// RegisterServer connects to the MCP server described by cfg and imports its
// tool catalogue. If a server with the same Name is already registered, the
// old connection is closed and its tools are replaced.
//
// A server tool never shadows a builtin tool of the same name; such tools are
// skipped with a warning.
func (h *Host) RegisterServer(ctx context.Context, cfg mcp.ServerConfig) error {
	if cfg.Name == "" {
		return errors.New("mcp host: server config must have a non-empty name")
	}
	if cfg.Name == builtinServerName {
		return fmt.Errorf("mcp host: server name %q is reserved", cfg.Name)
	}
	if !cfg.Transport.IsValid() {
		return fmt.Errorf("mcp host: unknown transport %q for server %q", cfg.Transport, cfg.Name)
	}

	var transport mcpsdk.Transport
	switch cfg.Transport {
	case mcp.TransportStdio:
		executable, args := splitCommand(cfg.Command)
		if executable == "" {
			return fmt.Errorf("mcp host: stdio server %q requires a non-empty command", cfg.Name)
		}
		// The subprocess outlives the registration call, so it is not bound
		// to ctx.
		cmd := exec.Command(executable, args...)
		if len(cfg.Env) > 0 {
			cmd.Env = os.Environ()
			for k, v := range cfg.Env {
				cmd.Env = append(cmd.Env, k+"="+v)
			}
		}
		transport = &mcpsdk.CommandTransport{Command: cmd}

	case mcp.TransportStreamableHTTP:
		if cfg.URL == "" {
			return fmt.Errorf("mcp host: streamable-http server %q requires a non-empty URL", cfg.Name)
		}
		transport = &mcpsdk.StreamableClientTransport{
			Endpoint:   cfg.URL,
			HTTPClient: observe.HTTPClient(0),
		}
	}

	if err := h.attach(ctx, cfg.Name, transport); err != nil {
		return err
	}
	slog.Info("mcp server registered", "server", cfg.Name, "transport", cfg.Transport)
	return nil
}

// attach opens a session over transport and imports the server's tools under
// the given server name.
func (h *Host) attach(ctx context.Context, name string, transport mcpsdk.Transport) error {
	session, err := h.client.Connect(ctx, transport, nil)
	if err != nil {
		return fmt.Errorf("mcp host: connect to server %q: %w", name, err)
	}

	var discovered []*mcpsdk.Tool
	for tool, err := range session.Tools(ctx, nil) {
		if err != nil {
			_ = session.Close()
			return fmt.Errorf("mcp host: list tools of server %q: %w", name, err)
		}
		discovered = append(discovered, tool)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if old, ok := h.servers[name]; ok {
		_ = old.Close()
		for tool, t := range h.tools {
			if t.serverName == name {
				delete(h.tools, tool)
			}
		}
	}
	h.servers[name] = session

	for _, t := range discovered {
		if existing, ok := h.tools[t.Name]; ok && existing.serverName != name {
			slog.Warn("mcp host: skipping duplicate tool",
				"tool", t.Name, "server", name, "registered_by", existing.serverName)
			continue
		}
		h.tools[t.Name] = toolEntry{
			def: types.ToolDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  schemaToMap(t.InputSchema),
			},
			serverName:   name,
			measurements: newRollingWindow(defaultWindowSize),
		}
	}

	return nil
}

// RemoveServer implements [mcp.Host].
func (h *Host) RemoveServer(name string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	session, ok := h.servers[name]
	if !ok {
		return nil
	}
	delete(h.servers, name)
	for tool, t := range h.tools {
		if t.serverName == name {
			delete(h.tools, tool)
		}
	}
	if err := session.Close(); err != nil {
		return fmt.Errorf("mcp host: close server %q: %w", name, err)
	}
	slog.Info("mcp server removed", "server", name)
	return nil
}

// schemaToMap converts any schema value to a map[string]any.
func schemaToMap(schema any) map[string]any {
	if schema == nil {
		return map[string]any{"type": "object"}
	}
	if m, ok := schema.(map[string]any); ok {
		return m
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil || m == nil {
		return map[string]any{"type": "object"}
	}
	return m
}

// Tools implements [mcp.Host].
func (h *Host) Tools() []types.ToolDefinition {
	h.mu.RLock()
	defs := make([]types.ToolDefinition, 0, len(h.tools))
	for _, e := range h.tools {
		defs = append(defs, e.def)
	}
	h.mu.RUnlock()

	slices.SortFunc(defs, func(a, b types.ToolDefinition) int { return strings.Compare(a.Name, b.Name) })
	return defs
}

// ExecuteTool implements [mcp.Host].
//
// args must be a JSON object string; "" and "{}" both mean no arguments.
func (h *Host) ExecuteTool(ctx context.Context, name string, args string) (*mcp.ToolResult, error) {
	h.mu.RLock()
	entry, ok := h.tools[name]
	h.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("mcp host: tool %q not found", name)
	}

	ctx, span := observe.StartSpan(ctx, "tool "+name)
	defer span.End()

	start := time.Now()
	var (
		result  *mcp.ToolResult
		execErr error
	)
	if entry.builtinFn != nil {
		result = executeBuiltin(ctx, entry, args)
	} else {
		result, execErr = h.executeMCPTool(ctx, entry, args)
	}
	elapsed := time.Since(start)

	failed := execErr != nil || result.IsError
	entry.measurements.Record(elapsed.Milliseconds(), failed)
	h.metrics.RecordToolCall(ctx, name, elapsed.Seconds(), failed)

	if execErr != nil {
		span.RecordError(execErr)
		return nil, execErr
	}
	result.DurationMs = elapsed.Milliseconds()
	observe.Logger(ctx).Debug("tool executed",
		"tool", name, "server", entry.serverName, "duration_ms", result.DurationMs, "is_error", result.IsError)
	return result, nil
}

func executeBuiltin(ctx context.Context, entry toolEntry, args string) *mcp.ToolResult {
	output, err := entry.builtinFn(ctx, args)
	if err != nil {
		return &mcp.ToolResult{Content: err.Error(), IsError: true}
	}
	return &mcp.ToolResult{Content: output}
}

// executeMCPTool routes the call to the owning server session.
func (h *Host) executeMCPTool(ctx context.Context, entry toolEntry, args string) (*mcp.ToolResult, error) {
	h.mu.RLock()
	session, ok := h.servers[entry.serverName]
	h.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("mcp host: server %q not found for tool %q", entry.serverName, entry.def.Name)
	}

	argsMap := map[string]any{}
	if args != "" && args != "{}" {
		if err := json.Unmarshal([]byte(args), &argsMap); err != nil {
			return nil, fmt.Errorf("mcp host: invalid args JSON for tool %q: %w", entry.def.Name, err)
		}
	}

	res, err := session.CallTool(ctx, &mcpsdk.CallToolParams{
		Name:      entry.def.Name,
		Arguments: argsMap,
	})
	if err != nil {
		return nil, fmt.Errorf("mcp host: call tool %q: %w", entry.def.Name, err)
	}

	var sb strings.Builder
	for _, c := range res.Content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}
	return &mcp.ToolResult{Content: sb.String(), IsError: res.IsError}, nil
}

// Health implements [mcp.Host].
func (h *Host) Health() []mcp.ToolHealth {
	h.mu.RLock()
	out := make([]mcp.ToolHealth, 0, len(h.tools))
	for name, e := range h.tools {
		out = append(out, mcp.ToolHealth{
			Name:      name,
			Server:    e.serverName,
			P50Ms:     e.measurements.P50(),
			P99Ms:     e.measurements.P99(),
			CallCount: e.measurements.Count(),
			ErrorRate: e.measurements.ErrorRate(),
		})
	}
	h.mu.RUnlock()

	slices.SortFunc(out, func(a, b mcp.ToolHealth) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// Close implements [mcp.Host].
func (h *Host) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var errs []error
	for name, session := range h.servers {
		if err := session.Close(); err != nil {
			errs = append(errs, fmt.Errorf("mcp host: close server %q: %w", name, err))
		}
		delete(h.servers, name)
	}
	h.tools = make(map[string]toolEntry)
	return errors.Join(errs...)
}

// splitCommand splits "/bin/foo --bar baz" into ("/bin/foo", ["--bar", "baz"]).
func splitCommand(command string) (executable string, args []string) {
	parts := strings.Fields(command)
	if len(parts) == 0 {
		return "", nil
	}
	return parts[0], parts[1:]
}
