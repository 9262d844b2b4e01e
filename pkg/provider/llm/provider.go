// Package llm defines the provider-neutral request execution contract for
// chat-completion backends.
//
// An [Executor] wraps one remote provider (Kimi, Qwen, OpenAI, Anthropic, …)
// and turns a [Request] into either a complete [Response] or a
// [StreamingExecution]. Everything provider specific is resolved once through
// the capability table ([Lookup]) rather than by inspecting model names in the
// request and response builders.
//
// Implementors must be safe for concurrent use.
package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/MrWong99/flowexec/pkg/apierr"
	"github.com/MrWong99/flowexec/pkg/types"
)

// Executor is the abstraction over a chat-completion provider.
type Executor interface {
	// Provider identifies the backend.
	Provider() ProviderID

	// Complete performs a non-streaming execution, including at most one
	// round of tool calls.
	Complete(ctx context.Context, req Request) (*Response, error)

	// Stream starts a streaming execution. The returned stream must be
	// closed by the caller. Tool calls are not executed on this path.
	Stream(ctx context.Context, req Request) (*StreamingExecution, error)
}

// Execute dispatches req to the streaming or non-streaming path of e.
// Exactly one of the returned values is non-nil on success.
func Execute(ctx context.Context, e Executor, req Request) (*Response, *StreamingExecution, error) {
	if req.Stream {
		s, err := e.Stream(ctx, req)
		return nil, s, err
	}
	r, err := e.Complete(ctx, req)
	return r, nil, err
}

// Validate checks the caller-supplied parts of req that do not depend on the
// provider.
func (r *Request) Validate() error {
	for i, m := range r.Messages {
		if !types.ValidRole(m.Role) {
			return apierr.Validation("messages", "message %d has invalid role %q", i, m.Role)
		}
		if m.Role == types.RoleTool && m.ToolCallID == "" {
			return apierr.Validation("messages", "tool message %d is missing tool_call_id", i)
		}
	}
	seen := make(map[string]bool, len(r.Tools))
	for i, t := range r.Tools {
		if strings.TrimSpace(t.Name) == "" {
			return apierr.Validation("tools", "tool %d has no name", i)
		}
		if seen[t.Name] {
			return apierr.Validation("tools", "duplicate tool %q", t.Name)
		}
		seen[t.Name] = true
	}
	for name, c := range r.ToolUsageControl {
		switch c {
		case UsageAuto, UsageForce, UsageNone:
		default:
			return apierr.Validation("toolUsageControl", "tool %q has unknown usage control %q", name, c)
		}
	}
	if r.Temperature != nil && (*r.Temperature < 0 || *r.Temperature > 2) {
		return apierr.Validation("temperature", "must be within [0, 2], got %g", *r.Temperature)
	}
	if r.MaxTokens < 0 {
		return apierr.Validation("maxTokens", "must not be negative")
	}
	return nil
}

// BuildMessages assembles the conversation sent to the provider: the system
// prompt, then the context as a user message, then the caller messages in
// order.
func BuildMessages(req Request) []types.Message {
	msgs := make([]types.Message, 0, len(req.Messages)+2)
	if req.SystemPrompt != "" {
		msgs = append(msgs, types.Message{Role: types.RoleSystem, Content: req.SystemPrompt})
	}
	if req.Context != "" {
		msgs = append(msgs, types.Message{Role: types.RoleUser, Content: req.Context})
	}
	return append(msgs, req.Messages...)
}

// ResolveAPIKey returns the request key, falling back to the executor's
// configured key. A missing key is a validation error so it is rejected
// before any network call.
func ResolveAPIKey(req Request, configured string, id ProviderID) (string, error) {
	if req.APIKey != "" {
		return req.APIKey, nil
	}
	if configured != "" {
		return configured, nil
	}
	return "", apierr.Validation("apiKey", "no API key for provider %s", id)
}

// ModelOrDefault returns req.Model or the provider default.
func ModelOrDefault(req Request, c Capability) string {
	if req.Model != "" {
		return req.Model
	}
	return c.DefaultModel
}

// errorf prefixes errors raised by this package.
func errorf(format string, args ...any) error {
	return fmt.Errorf("llm: "+format, args...)
}
