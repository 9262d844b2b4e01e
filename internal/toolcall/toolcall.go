// Package toolcall runs the bounded tool-calling loop shared by every
// non-streaming provider adapter.
//
// A run moves through three states. It starts in [StateInitial] and issues the
// first model call. If the model answers with tool calls, the run enters
// [StateAwaitingToolResults], executes every call through the [Registry],
// appends the results to the conversation and issues one follow-up model
// call. After [MaxToolIterations] rounds the run is [StateCompleted] even if
// the follow-up asks for more tools.
package toolcall

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/flowexec/internal/mcp"
	"github.com/MrWong99/flowexec/pkg/apierr"
	"github.com/MrWong99/flowexec/pkg/provider/llm"
	"github.com/MrWong99/flowexec/pkg/types"
)

// MaxToolIterations is the number of tool-calling rounds a run may perform.
const MaxToolIterations = 1

// State is the position of a run in the tool-calling state machine.
type State int

const (
	StateInitial State = iota
	StateAwaitingToolResults
	StateCompleted
)

func (s State) String() string {
	switch s {
	case StateInitial:
		return "initial"
	case StateAwaitingToolResults:
		return "awaiting_tool_results"
	case StateCompleted:
		return "completed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Registry executes tools by name. [mcp.Host] satisfies it.
type Registry interface {
	ExecuteTool(ctx context.Context, name string, args string) (*mcp.ToolResult, error)
}

// ModelCall performs one round trip to the model with the given conversation.
type ModelCall func(ctx context.Context, msgs []types.Message) (*llm.Completion, error)

// Batch is the outcome of executing one round of tool calls.
type Batch struct {
	Calls   []llm.ToolCallRecord
	Results []llm.ToolResult

	// Messages extend the conversation before the follow-up call: one
	// assistant message carrying every tool call, then one tool message per
	// call in the same order.
	Messages []types.Message

	Segments []llm.TimeSegment
	Elapsed  time.Duration
}

// ExecuteTools parses every call's arguments, then runs the calls in order.
// A malformed argument string fails the whole batch before any tool runs. A
// call naming a tool outside defs, or a tool that reports an error, fails the
// batch as well.
func ExecuteTools(ctx context.Context, reg Registry, defs []types.ToolDefinition, assistant string, calls []types.ToolCall) (*Batch, error) {
	known := make(map[string]bool, len(defs))
	for _, d := range defs {
		known[d.Name] = true
	}

	parsed := make([]json.RawMessage, len(calls))
	for i, c := range calls {
		if !known[c.Name] {
			return nil, fmt.Errorf("toolcall: model requested unknown tool %q", c.Name)
		}
		args, err := parseArguments(c.Arguments)
		if err != nil {
			return nil, apierr.Parse(fmt.Sprintf("arguments of tool %q", c.Name), err)
		}
		parsed[i] = args
	}

	b := &Batch{
		Calls:    make([]llm.ToolCallRecord, len(calls)),
		Results:  make([]llm.ToolResult, len(calls)),
		Messages: make([]types.Message, 0, len(calls)+1),
	}
	b.Messages = append(b.Messages, types.Message{
		Role:      types.RoleAssistant,
		Content:   assistant,
		ToolCalls: calls,
	})

	for i, c := range calls {
		b.Calls[i] = llm.ToolCallRecord{Name: c.Name, Arguments: parsed[i]}

		start := time.Now()
		res, err := reg.ExecuteTool(ctx, c.Name, string(parsed[i]))
		end := time.Now()
		b.Segments = append(b.Segments, llm.TimeSegment{
			Type: "tool", Name: c.Name, StartTime: start, EndTime: end, Duration: end.Sub(start),
		})
		b.Elapsed += end.Sub(start)

		if err != nil {
			return nil, fmt.Errorf("toolcall: execute %q: %w", c.Name, err)
		}
		if res.IsError {
			return nil, fmt.Errorf("toolcall: tool %q failed: %s", c.Name, res.Content)
		}

		out := encodeResult(res.Content)
		b.Results[i] = llm.ToolResult{Name: c.Name, Arguments: parsed[i], Result: out}
		b.Messages = append(b.Messages, types.Message{
			Role:       types.RoleTool,
			Content:    string(out),
			ToolCallID: c.ID,
		})
	}
	return b, nil
}

// Outcome is the result of a completed run.
type Outcome struct {
	// Initial is the first model answer. Usage and cost are taken from it.
	Initial *llm.Completion

	// Content is the final answer: the follow-up content if a tool round ran,
	// otherwise the initial content.
	Content string

	ToolCalls   []llm.ToolCallRecord
	ToolResults []llm.ToolResult
	Timing      llm.Timing
	State       State
}

// Run drives the state machine to completion. msgs is the conversation sent
// with the first call.
func Run(ctx context.Context, reg Registry, defs []types.ToolDefinition, msgs []types.Message, call ModelCall) (*Outcome, error) {
	out := &Outcome{State: StateInitial}
	out.Timing.StartTime = time.Now()

	conv := msgs
	var last *llm.Completion
	for out.State != StateCompleted {
		switch out.State {
		case StateInitial:
			c, err := timedCall(ctx, call, conv, "initial", &out.Timing)
			if err != nil {
				return nil, err
			}
			out.Initial, last = c, c
			if len(c.ToolCalls) == 0 || reg == nil {
				out.State = StateCompleted
				continue
			}
			out.State = StateAwaitingToolResults

		case StateAwaitingToolResults:
			b, err := ExecuteTools(ctx, reg, defs, last.Content, last.ToolCalls)
			if err != nil {
				return nil, err
			}
			out.Timing.Iterations++
			out.Timing.ToolsTime += b.Elapsed
			out.Timing.TimeSegments = append(out.Timing.TimeSegments, b.Segments...)
			out.ToolCalls = append(out.ToolCalls, b.Calls...)
			out.ToolResults = append(out.ToolResults, b.Results...)

			conv = append(append(make([]types.Message, 0, len(conv)+len(b.Messages)), conv...), b.Messages...)
			c, err := timedCall(ctx, call, conv, "follow-up", &out.Timing)
			if err != nil {
				return nil, err
			}
			last = c
			if out.Timing.Iterations >= MaxToolIterations || len(c.ToolCalls) == 0 {
				out.State = StateCompleted
			}
		}
	}

	out.Content = last.Content
	out.Timing.EndTime = time.Now()
	out.Timing.Duration = out.Timing.EndTime.Sub(out.Timing.StartTime)
	return out, nil
}

func timedCall(ctx context.Context, call ModelCall, msgs []types.Message, name string, t *llm.Timing) (*llm.Completion, error) {
	start := time.Now()
	c, err := call(ctx, msgs)
	end := time.Now()
	t.ModelTime += end.Sub(start)
	t.TimeSegments = append(t.TimeSegments, llm.TimeSegment{
		Type: "model", Name: name, StartTime: start, EndTime: end, Duration: end.Sub(start),
	})
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, errors.New("toolcall: model returned no completion")
	}
	return c, nil
}

// parseArguments validates the model's argument string. An empty string is
// read as an empty object.
func parseArguments(s string) (json.RawMessage, error) {
	if s == "" {
		return json.RawMessage("{}"), nil
	}
	if !json.Valid([]byte(s)) {
		var v any
		return nil, json.Unmarshal([]byte(s), &v)
	}
	return json.RawMessage(s), nil
}

// encodeResult keeps JSON tool output as is and quotes anything else.
func encodeResult(content string) json.RawMessage {
	if content != "" && json.Valid([]byte(content)) {
		return json.RawMessage(content)
	}
	b, _ := json.Marshal(content)
	return b
}
