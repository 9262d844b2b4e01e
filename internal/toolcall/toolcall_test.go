package toolcall_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/MrWong99/flowexec/internal/mcp"
	"github.com/MrWong99/flowexec/internal/toolcall"
	"github.com/MrWong99/flowexec/pkg/apierr"
	"github.com/MrWong99/flowexec/pkg/provider/llm"
	"github.com/MrWong99/flowexec/pkg/types"
)

type fakeRegistry struct {
	mu      sync.Mutex
	outputs map[string]string
	errs    map[string]error
	failed  map[string]bool
	calls   []string
	args    []string
}

func (r *fakeRegistry) ExecuteTool(_ context.Context, name, args string) (*mcp.ToolResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, name)
	r.args = append(r.args, args)
	if err := r.errs[name]; err != nil {
		return nil, err
	}
	return &mcp.ToolResult{Content: r.outputs[name], IsError: r.failed[name]}, nil
}

// scriptedModel answers each call with the next completion in order.
type scriptedModel struct {
	answers []*llm.Completion
	seen    [][]types.Message
}

func (m *scriptedModel) call(_ context.Context, msgs []types.Message) (*llm.Completion, error) {
	m.seen = append(m.seen, msgs)
	if len(m.answers) == 0 {
		return nil, errors.New("no more answers")
	}
	c := m.answers[0]
	m.answers = m.answers[1:]
	return c, nil
}

var defs = []types.ToolDefinition{
	{Name: "weather", Description: "weather lookup"},
	{Name: "clock", Description: "current time"},
}

func TestRunWithoutToolCalls(t *testing.T) {
	t.Parallel()

	reg := &fakeRegistry{}
	model := &scriptedModel{answers: []*llm.Completion{
		{Content: "hello", Usage: llm.Tokens{Prompt: 3, Completion: 1, Total: 4}},
	}}
	msgs := []types.Message{{Role: types.RoleUser, Content: "hi"}}

	out, err := toolcall.Run(context.Background(), reg, defs, msgs, model.call)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Content != "hello" {
		t.Errorf("Content = %q, want hello", out.Content)
	}
	if out.State != toolcall.StateCompleted {
		t.Errorf("State = %v, want completed", out.State)
	}
	if out.Timing.Iterations != 0 {
		t.Errorf("Iterations = %d, want 0", out.Timing.Iterations)
	}
	if len(reg.calls) != 0 {
		t.Errorf("registry called %d times, want 0", len(reg.calls))
	}
	if len(out.Timing.TimeSegments) != 1 || out.Timing.TimeSegments[0].Type != "model" {
		t.Errorf("segments = %+v, want one model segment", out.Timing.TimeSegments)
	}
}

func TestRunSingleToolRound(t *testing.T) {
	t.Parallel()

	reg := &fakeRegistry{outputs: map[string]string{
		"weather": `{"temp":21}`,
		"clock":   "noon",
	}}
	model := &scriptedModel{answers: []*llm.Completion{
		{
			Content: "",
			ToolCalls: []types.ToolCall{
				{ID: "call_1", Name: "weather", Arguments: `{"city":"Berlin"}`},
				{ID: "call_2", Name: "clock", Arguments: ""},
			},
			Usage: llm.Tokens{Prompt: 10, Completion: 5, Total: 15},
		},
		{Content: "It is noon and 21 degrees.", Usage: llm.Tokens{Prompt: 30, Completion: 8, Total: 38}},
	}}
	msgs := []types.Message{{Role: types.RoleUser, Content: "weather?"}}

	out, err := toolcall.Run(context.Background(), reg, defs, msgs, model.call)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Content != "It is noon and 21 degrees." {
		t.Errorf("Content = %q", out.Content)
	}
	if out.Initial.Usage.Total != 15 {
		t.Errorf("Initial usage = %+v, want total 15", out.Initial.Usage)
	}
	if out.Timing.Iterations != 1 {
		t.Errorf("Iterations = %d, want 1", out.Timing.Iterations)
	}
	if got := strings.Join(reg.calls, ","); got != "weather,clock" {
		t.Errorf("registry calls = %s, want weather,clock", got)
	}
	if reg.args[1] != "{}" {
		t.Errorf("empty arguments forwarded as %q, want {}", reg.args[1])
	}

	if len(out.ToolResults) != 2 {
		t.Fatalf("ToolResults len = %d, want 2", len(out.ToolResults))
	}
	if string(out.ToolResults[0].Result) != `{"temp":21}` {
		t.Errorf("JSON result = %s, want raw object", out.ToolResults[0].Result)
	}
	if string(out.ToolResults[1].Result) != `"noon"` {
		t.Errorf("text result = %s, want quoted string", out.ToolResults[1].Result)
	}
	if string(out.ToolCalls[0].Arguments) != `{"city":"Berlin"}` {
		t.Errorf("ToolCalls[0].Arguments = %s", out.ToolCalls[0].Arguments)
	}

	if len(model.seen) != 2 {
		t.Fatalf("model calls = %d, want 2", len(model.seen))
	}
	follow := model.seen[1]
	if len(follow) != 4 {
		t.Fatalf("follow-up conversation len = %d, want 4", len(follow))
	}
	if follow[1].Role != types.RoleAssistant || len(follow[1].ToolCalls) != 2 {
		t.Errorf("follow[1] = %+v, want assistant with 2 tool calls", follow[1])
	}
	if follow[2].Role != types.RoleTool || follow[2].ToolCallID != "call_1" || follow[2].Content != `{"temp":21}` {
		t.Errorf("follow[2] = %+v, want tool message for call_1", follow[2])
	}
	if follow[3].ToolCallID != "call_2" {
		t.Errorf("follow[3].ToolCallID = %q, want call_2", follow[3].ToolCallID)
	}
	if len(msgs) != 1 {
		t.Errorf("caller conversation mutated: len = %d", len(msgs))
	}

	var kinds []string
	for _, s := range out.Timing.TimeSegments {
		kinds = append(kinds, s.Type+":"+s.Name)
	}
	if got := strings.Join(kinds, ","); got != "model:initial,tool:weather,tool:clock,model:follow-up" {
		t.Errorf("segments = %s", got)
	}
}

func TestRunCapsToolRounds(t *testing.T) {
	t.Parallel()

	again := []types.ToolCall{{ID: "c", Name: "clock", Arguments: "{}"}}
	reg := &fakeRegistry{outputs: map[string]string{"clock": `"noon"`}}
	model := &scriptedModel{answers: []*llm.Completion{
		{ToolCalls: again},
		{Content: "still wants tools", ToolCalls: again},
		{Content: "never reached"},
	}}

	out, err := toolcall.Run(context.Background(), reg, defs, nil, model.call)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(model.seen) != 1+toolcall.MaxToolIterations {
		t.Errorf("model calls = %d, want %d", len(model.seen), 1+toolcall.MaxToolIterations)
	}
	if out.Content != "still wants tools" {
		t.Errorf("Content = %q", out.Content)
	}
	if len(reg.calls) != 1 {
		t.Errorf("registry calls = %d, want 1", len(reg.calls))
	}
}

func TestExecuteToolsMalformedArgumentsRunsNothing(t *testing.T) {
	t.Parallel()

	reg := &fakeRegistry{}
	calls := []types.ToolCall{
		{ID: "a", Name: "weather", Arguments: `{"city":"Berlin"}`},
		{ID: "b", Name: "clock", Arguments: `{not json`},
	}
	_, err := toolcall.ExecuteTools(context.Background(), reg, defs, "", calls)
	var pe *apierr.ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v, want ParseError", err)
	}
	if len(reg.calls) != 0 {
		t.Errorf("registry calls = %d, want 0", len(reg.calls))
	}
}

func TestExecuteToolsErrors(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	tests := []struct {
		name string
		reg  *fakeRegistry
		call types.ToolCall
		is   error
	}{
		{
			name: "unknown tool",
			reg:  &fakeRegistry{},
			call: types.ToolCall{ID: "x", Name: "nope", Arguments: "{}"},
		},
		{
			name: "transport error",
			reg:  &fakeRegistry{errs: map[string]error{"clock": boom}},
			call: types.ToolCall{ID: "x", Name: "clock", Arguments: "{}"},
			is:   boom,
		},
		{
			name: "tool reported error",
			reg:  &fakeRegistry{outputs: map[string]string{"clock": "broken"}, failed: map[string]bool{"clock": true}},
			call: types.ToolCall{ID: "x", Name: "clock", Arguments: "{}"},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := toolcall.ExecuteTools(context.Background(), tc.reg, defs, "", []types.ToolCall{tc.call})
			if err == nil {
				t.Fatal("expected error")
			}
			if tc.is != nil && !errors.Is(err, tc.is) {
				t.Errorf("err = %v, want wrapping %v", err, tc.is)
			}
		})
	}
}

func TestRunModelError(t *testing.T) {
	t.Parallel()

	boom := errors.New("upstream down")
	_, err := toolcall.Run(context.Background(), &fakeRegistry{}, defs, nil,
		func(context.Context, []types.Message) (*llm.Completion, error) { return nil, boom })
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}
}

func TestTimingJSONUsesMilliseconds(t *testing.T) {
	t.Parallel()

	reg := &fakeRegistry{outputs: map[string]string{"clock": "1"}}
	model := &scriptedModel{answers: []*llm.Completion{
		{ToolCalls: []types.ToolCall{{ID: "c", Name: "clock", Arguments: "{}"}}},
		{Content: "done"},
	}}
	out, err := toolcall.Run(context.Background(), reg, defs, nil, model.call)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	data, err := json.Marshal(out.Timing)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	for _, key := range []string{"duration", "modelTime", "toolsTime", "iterations", "timeSegments"} {
		if _, ok := decoded[key]; !ok {
			t.Errorf("timing JSON missing %q: %s", key, data)
		}
	}
	if decoded["iterations"].(float64) != 1 {
		t.Errorf("iterations = %v, want 1", decoded["iterations"])
	}
}
