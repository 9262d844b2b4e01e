package llm_test

import (
	"encoding/json"
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/flowexec/pkg/apierr"
	"github.com/MrWong99/flowexec/pkg/provider/llm"
	"github.com/MrWong99/flowexec/pkg/types"
)

func TestParseProviderID(t *testing.T) {
	t.Parallel()

	for _, in := range []string{"kimi", "QWEN", " openai ", "anthropic"} {
		if _, err := llm.ParseProviderID(in); err != nil {
			t.Errorf("ParseProviderID(%q): %v", in, err)
		}
	}
	if _, err := llm.ParseProviderID("gemini"); err == nil {
		t.Error("ParseProviderID(gemini): expected error")
	}
}

func TestProvidersSorted(t *testing.T) {
	t.Parallel()

	got := llm.Providers()
	want := []llm.ProviderID{llm.ProviderAnthropic, llm.ProviderKimi, llm.ProviderOpenAI, llm.ProviderQwen}
	if len(got) != len(want) {
		t.Fatalf("Providers() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Providers()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestCapabilityTable(t *testing.T) {
	t.Parallel()

	for _, id := range llm.Providers() {
		c, ok := llm.Lookup(id)
		if !ok {
			t.Fatalf("Lookup(%q) missing", id)
		}
		if c.DefaultModel == "" || c.APIKeyEnv == "" {
			t.Errorf("%s: incomplete capability %+v", id, c)
		}
		if c.OpenAICompatible && !strings.HasPrefix(c.BaseURL, "https://") {
			t.Errorf("%s: OpenAI-compatible provider without base URL", id)
		}
	}
	if c, _ := llm.Lookup(llm.ProviderKimi); c.VisionModel != "" {
		t.Errorf("kimi VisionModel = %q, want none", c.VisionModel)
	}
}

func TestResolveModel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		model string
		want  llm.ProviderID
		ok    bool
	}{
		{"moonshot-v1-32k", llm.ProviderKimi, true},
		{"qwen-vl-plus", llm.ProviderQwen, true},
		{"Qwen-Max", llm.ProviderQwen, true},
		{"gpt-4o-mini", llm.ProviderOpenAI, true},
		{"claude-3-5-haiku-latest", llm.ProviderAnthropic, true},
		{"llama3", "", false},
	}
	for _, tc := range tests {
		c, ok := llm.ResolveModel(tc.model)
		if ok != tc.ok || c.ID != tc.want {
			t.Errorf("ResolveModel(%q) = %q, %v; want %q, %v", tc.model, c.ID, ok, tc.want, tc.ok)
		}
	}
}

func TestEnvAPIKey(t *testing.T) {
	t.Setenv("MOONSHOT_API_KEY", "sk-env")
	c, _ := llm.Lookup(llm.ProviderKimi)
	if got := c.EnvAPIKey(); got != "sk-env" {
		t.Errorf("EnvAPIKey() = %q, want sk-env", got)
	}
}

func TestCalculateCost(t *testing.T) {
	t.Parallel()

	c := llm.CalculateCost("gpt-4o", llm.Tokens{Prompt: 2_000_000, Completion: 500_000, Total: 2_500_000})
	if c == nil {
		t.Fatal("CalculateCost(gpt-4o) = nil")
	}
	if math.Abs(c.Input-5.0) > 1e-9 || math.Abs(c.Output-5.0) > 1e-9 || math.Abs(c.Total-10.0) > 1e-9 {
		t.Errorf("cost = %+v, want 5 + 5 = 10", c)
	}
	if c.Pricing.Input != 2.5 {
		t.Errorf("Pricing = %+v", c.Pricing)
	}
	if got := llm.CalculateCost("my-local-model", llm.Tokens{Prompt: 10}); got != nil {
		t.Errorf("unknown model cost = %+v, want nil", got)
	}
}

func TestApplyUsageControl(t *testing.T) {
	t.Parallel()

	tools := []types.ToolDefinition{{Name: "a"}, {Name: "b"}, {Name: "c"}}
	tests := []struct {
		name      string
		control   map[string]llm.UsageControl
		wantTools string
		want      llm.ToolChoice
	}{
		{"default auto", nil, "a,b,c", llm.ToolChoice{Mode: "auto"}},
		{"drop none", map[string]llm.UsageControl{"b": llm.UsageNone}, "a,c", llm.ToolChoice{Mode: "auto"}},
		{"first force wins", map[string]llm.UsageControl{"b": llm.UsageForce, "c": llm.UsageForce}, "a,b,c", llm.ToolChoice{Mode: "function", Name: "b"}},
		{"all none", map[string]llm.UsageControl{"a": llm.UsageNone, "b": llm.UsageNone, "c": llm.UsageNone}, "", llm.ToolChoice{}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, choice := llm.ApplyUsageControl(tools, tc.control)
			names := make([]string, len(got))
			for i, td := range got {
				names[i] = td.Name
			}
			if strings.Join(names, ",") != tc.wantTools {
				t.Errorf("tools = %v, want %s", names, tc.wantTools)
			}
			if choice != tc.want {
				t.Errorf("choice = %+v, want %+v", choice, tc.want)
			}
		})
	}

	if got, choice := llm.ApplyUsageControl(nil, nil); got != nil || choice.Mode != "" {
		t.Errorf("no tools: got %v, %+v", got, choice)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	neg := -0.1
	tests := []struct {
		name  string
		req   llm.Request
		field string
	}{
		{"bad role", llm.Request{Messages: []types.Message{{Role: "robot"}}}, "messages"},
		{"tool without id", llm.Request{Messages: []types.Message{{Role: "tool", Content: "x"}}}, "messages"},
		{"unnamed tool", llm.Request{Tools: []types.ToolDefinition{{Name: " "}}}, "tools"},
		{"duplicate tool", llm.Request{Tools: []types.ToolDefinition{{Name: "a"}, {Name: "a"}}}, "tools"},
		{"bad control", llm.Request{ToolUsageControl: map[string]llm.UsageControl{"a": "sometimes"}}, "toolUsageControl"},
		{"negative temperature", llm.Request{Temperature: &neg}, "temperature"},
		{"negative max tokens", llm.Request{MaxTokens: -1}, "maxTokens"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.req.Validate()
			var ve *apierr.ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("Validate() = %v, want ValidationError", err)
			}
			if ve.Field != tc.field {
				t.Errorf("Field = %q, want %q", ve.Field, tc.field)
			}
		})
	}

	zero := 0.0
	ok := llm.Request{
		Temperature: &zero,
		Messages: []types.Message{
			{Role: "user", Content: "hi"},
			{Role: "tool", Content: "{}", ToolCallID: "c1"},
		},
	}
	if err := ok.Validate(); err != nil {
		t.Errorf("Validate(valid) = %v", err)
	}
	if got := ok.TemperatureOrDefault(); got != 0 {
		t.Errorf("explicit zero temperature = %v", got)
	}
}

func TestDefaults(t *testing.T) {
	t.Parallel()

	var r llm.Request
	if r.TemperatureOrDefault() != 0.7 || r.MaxTokensOrDefault() != 4000 {
		t.Errorf("defaults = %v, %d", r.TemperatureOrDefault(), r.MaxTokensOrDefault())
	}
}

func TestBuildMessages(t *testing.T) {
	t.Parallel()

	msgs := llm.BuildMessages(llm.Request{
		SystemPrompt: "sys",
		Context:      "ctx",
		Messages:     []types.Message{{Role: "user", Content: "q"}, {Role: "assistant", Content: "a"}},
	})
	var got []string
	for _, m := range msgs {
		got = append(got, m.Role+":"+m.Content)
	}
	want := "system:sys,user:ctx,user:q,assistant:a"
	if strings.Join(got, ",") != want {
		t.Errorf("BuildMessages = %v, want %s", got, want)
	}

	if msgs := llm.BuildMessages(llm.Request{Messages: []types.Message{{Role: "user", Content: "q"}}}); len(msgs) != 1 {
		t.Errorf("without prompt/context len = %d, want 1", len(msgs))
	}
}

func TestResolveAPIKey(t *testing.T) {
	t.Parallel()

	if k, _ := llm.ResolveAPIKey(llm.Request{APIKey: "req"}, "cfg", llm.ProviderQwen); k != "req" {
		t.Errorf("request key not preferred: %q", k)
	}
	if k, _ := llm.ResolveAPIKey(llm.Request{}, "cfg", llm.ProviderQwen); k != "cfg" {
		t.Errorf("configured key not used: %q", k)
	}
	_, err := llm.ResolveAPIKey(llm.Request{}, "", llm.ProviderQwen)
	if apierr.HTTPStatus(err) != 400 {
		t.Errorf("missing key status = %d, want 400", apierr.HTTPStatus(err))
	}
}

func TestTimingJSON(t *testing.T) {
	t.Parallel()

	start := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	timing := llm.Timing{
		StartTime:  start,
		EndTime:    start.Add(1500 * time.Millisecond),
		Duration:   1500 * time.Millisecond,
		ModelTime:  1200 * time.Millisecond,
		ToolsTime:  300 * time.Millisecond,
		Iterations: 1,
		TimeSegments: []llm.TimeSegment{{
			Type: "tool", Name: "weather", StartTime: start, EndTime: start.Add(300 * time.Millisecond),
			Duration: 300 * time.Millisecond,
		}},
	}
	b, err := json.Marshal(timing)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	for key, want := range map[string]float64{"duration": 1500, "modelTime": 1200, "toolsTime": 300, "iterations": 1} {
		if m[key] != want {
			t.Errorf("%s = %v, want %v", key, m[key], want)
		}
	}
	seg := m["timeSegments"].([]any)[0].(map[string]any)
	if seg["duration"] != 300.0 || seg["name"] != "weather" {
		t.Errorf("segment = %v", seg)
	}

	empty, _ := json.Marshal(llm.Timing{})
	if !strings.Contains(string(empty), `"timeSegments":[]`) {
		t.Errorf("empty timing = %s, want empty timeSegments array", empty)
	}
}
