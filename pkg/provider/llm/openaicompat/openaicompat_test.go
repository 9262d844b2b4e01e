package openaicompat_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/MrWong99/flowexec/internal/mcp"
	"github.com/MrWong99/flowexec/pkg/apierr"
	"github.com/MrWong99/flowexec/pkg/provider/llm"
	"github.com/MrWong99/flowexec/pkg/provider/llm/openaicompat"
	"github.com/MrWong99/flowexec/pkg/types"
)

// fakeAPI answers chat/completions requests with scripted bodies and records
// what it received.
type fakeAPI struct {
	mu       sync.Mutex
	bodies   []map[string]any
	auth     []string
	replies  []string
	status   int
	sse      string
	requests int
}

func (f *fakeAPI) handler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
			http.NotFound(w, r)
			return
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}

		f.mu.Lock()
		f.requests++
		f.bodies = append(f.bodies, body)
		f.auth = append(f.auth, r.Header.Get("Authorization"))
		status := f.status
		var reply string
		if len(f.replies) > 0 {
			reply = f.replies[0]
			f.replies = f.replies[1:]
		}
		sse := f.sse
		f.mu.Unlock()

		if status != 0 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			_, _ = io.WriteString(w, `{"error":{"message":"invalid api key","type":"auth"}}`)
			return
		}
		if sse != "" {
			w.Header().Set("Content-Type", "text/event-stream")
			_, _ = io.WriteString(w, sse)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, reply)
	})
}

func (f *fakeAPI) body(i int) map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bodies[i]
}

func (f *fakeAPI) authAt(i int) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.auth[i]
}

func (f *fakeAPI) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests
}

func newServer(t *testing.T, f *fakeAPI) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(f.handler(t))
	t.Cleanup(srv.Close)
	return srv
}

func completion(content string, prompt, completionTokens int) string {
	b, _ := json.Marshal(map[string]any{
		"id":      "chatcmpl-1",
		"object":  "chat.completion",
		"created": 1,
		"model":   "moonshot-v1-8k",
		"choices": []any{map[string]any{
			"index":         0,
			"finish_reason": "stop",
			"message":       map[string]any{"role": "assistant", "content": content},
		}},
		"usage": map[string]any{
			"prompt_tokens":     prompt,
			"completion_tokens": completionTokens,
			"total_tokens":      prompt + completionTokens,
		},
	})
	return string(b)
}

func toolCallCompletion(id, name, args string) string {
	b, _ := json.Marshal(map[string]any{
		"id":      "chatcmpl-0",
		"object":  "chat.completion",
		"created": 1,
		"model":   "moonshot-v1-8k",
		"choices": []any{map[string]any{
			"index":         0,
			"finish_reason": "tool_calls",
			"message": map[string]any{
				"role":    "assistant",
				"content": "",
				"tool_calls": []any{map[string]any{
					"id":       id,
					"type":     "function",
					"function": map[string]any{"name": name, "arguments": args},
				}},
			},
		}},
		"usage": map[string]any{"prompt_tokens": 20, "completion_tokens": 4, "total_tokens": 24},
	})
	return string(b)
}

func newExecutor(t *testing.T, srv *httptest.Server, opts ...openaicompat.Option) *openaicompat.Executor {
	t.Helper()
	opts = append([]openaicompat.Option{
		openaicompat.WithAPIKey("test-key"),
		openaicompat.WithBaseURL(srv.URL),
	}, opts...)
	e, err := openaicompat.New(llm.ProviderKimi, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e
}

func TestCompleteAssemblesPayload(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{replies: []string{completion("Hi!", 1000, 500)}}
	srv := newServer(t, api)
	e := newExecutor(t, srv)

	resp, err := e.Complete(context.Background(), llm.Request{
		SystemPrompt: "be brief",
		Context:      "the user likes cats",
		Messages: []types.Message{
			{Role: types.RoleUser, Content: "hello"},
			{Role: types.RoleAssistant, Content: "hey"},
			{Role: types.RoleUser, Content: "how are you"},
		},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "Hi!" {
		t.Errorf("Content = %q, want Hi!", resp.Content)
	}
	if resp.Model != "moonshot-v1-8k" {
		t.Errorf("Model = %q, want moonshot-v1-8k", resp.Model)
	}
	if resp.Tokens != (llm.Tokens{Prompt: 1000, Completion: 500, Total: 1500}) {
		t.Errorf("Tokens = %+v", resp.Tokens)
	}
	if resp.Cost == nil {
		t.Fatal("Cost = nil, want priced model")
	}
	if want := 1500.0 / 1_000_000 * 1.70; math.Abs(resp.Cost.Total-want) > 1e-12 {
		t.Errorf("Cost.Total = %g, want %g", resp.Cost.Total, want)
	}

	body := api.body(0)
	if body["model"] != "moonshot-v1-8k" {
		t.Errorf("model = %v", body["model"])
	}
	if body["temperature"] != 0.7 {
		t.Errorf("temperature = %v, want 0.7", body["temperature"])
	}
	if body["max_tokens"] != float64(4000) {
		t.Errorf("max_tokens = %v, want 4000", body["max_tokens"])
	}
	if _, ok := body["tools"]; ok {
		t.Errorf("tools sent without any tool definitions")
	}
	msgs := body["messages"].([]any)
	wantRoles := []string{"system", "user", "user", "assistant", "user"}
	if len(msgs) != len(wantRoles) {
		t.Fatalf("messages len = %d, want %d", len(msgs), len(wantRoles))
	}
	for i, m := range msgs {
		if got := m.(map[string]any)["role"]; got != wantRoles[i] {
			t.Errorf("messages[%d].role = %v, want %s", i, got, wantRoles[i])
		}
	}
	if got := msgs[1].(map[string]any)["content"]; got != "the user likes cats" {
		t.Errorf("context message = %v", got)
	}
	if api.authAt(0) != "Bearer test-key" {
		t.Errorf("Authorization = %q", api.authAt(0))
	}
}

func TestCompleteExplicitZeroTemperature(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{replies: []string{completion("ok", 1, 1)}}
	e := newExecutor(t, newServer(t, api))
	zero := 0.0
	if _, err := e.Complete(context.Background(), llm.Request{
		Model:       "moonshot-v1-32k",
		Temperature: &zero,
		MaxTokens:   64,
		Messages:    []types.Message{{Role: types.RoleUser, Content: "x"}},
	}); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	body := api.body(0)
	if body["temperature"] != float64(0) {
		t.Errorf("temperature = %v, want 0", body["temperature"])
	}
	if body["max_tokens"] != float64(64) {
		t.Errorf("max_tokens = %v, want 64", body["max_tokens"])
	}
	if body["model"] != "moonshot-v1-32k" {
		t.Errorf("model = %v", body["model"])
	}
}

type registry struct {
	mu    sync.Mutex
	calls []string
}

func (r *registry) ExecuteTool(_ context.Context, name, args string) (*mcp.ToolResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, name+" "+args)
	return &mcp.ToolResult{Content: `{"forecast":"sunny"}`}, nil
}

func TestCompleteRunsOneToolRound(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{replies: []string{
		toolCallCompletion("call_1", "weather", `{"city":"Berlin"}`),
		completion("Sunny in Berlin.", 50, 6),
	}}
	reg := &registry{}
	e := newExecutor(t, newServer(t, api), openaicompat.WithRegistry(reg))

	resp, err := e.Complete(context.Background(), llm.Request{
		Messages: []types.Message{{Role: types.RoleUser, Content: "weather in Berlin?"}},
		Tools: []types.ToolDefinition{{
			Name:        "weather",
			Description: "forecast",
			Parameters:  map[string]any{"type": "object", "properties": map[string]any{"city": map[string]any{"type": "string"}}},
		}},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "Sunny in Berlin." {
		t.Errorf("Content = %q", resp.Content)
	}
	if resp.Tokens.Total != 24 {
		t.Errorf("Tokens.Total = %d, want initial usage 24", resp.Tokens.Total)
	}
	if resp.Timing.Iterations != 1 {
		t.Errorf("Iterations = %d, want 1", resp.Timing.Iterations)
	}
	if len(resp.ToolResults) != 1 || string(resp.ToolResults[0].Result) != `{"forecast":"sunny"}` {
		t.Errorf("ToolResults = %+v", resp.ToolResults)
	}
	if len(reg.calls) != 1 || reg.calls[0] != `weather {"city":"Berlin"}` {
		t.Errorf("registry calls = %v", reg.calls)
	}
	if api.count() != 2 {
		t.Fatalf("requests = %d, want 2", api.count())
	}

	if api.body(0)["tool_choice"] != "auto" {
		t.Errorf("tool_choice = %v, want auto", api.body(0)["tool_choice"])
	}
	follow := api.body(1)["messages"].([]any)
	last := follow[len(follow)-1].(map[string]any)
	if last["role"] != "tool" || last["tool_call_id"] != "call_1" || last["content"] != `{"forecast":"sunny"}` {
		t.Errorf("last follow-up message = %v", last)
	}
	asst := follow[len(follow)-2].(map[string]any)
	if asst["role"] != "assistant" || len(asst["tool_calls"].([]any)) != 1 {
		t.Errorf("assistant tool-call message = %v", asst)
	}
}

func TestCompleteUsageControl(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{replies: []string{completion("ok", 1, 1)}}
	e := newExecutor(t, newServer(t, api))
	_, err := e.Complete(context.Background(), llm.Request{
		Messages: []types.Message{{Role: types.RoleUser, Content: "x"}},
		Tools: []types.ToolDefinition{
			{Name: "a", Description: "a"},
			{Name: "b", Description: "b"},
			{Name: "c", Description: "c"},
		},
		ToolUsageControl: map[string]llm.UsageControl{"a": llm.UsageNone, "c": llm.UsageForce},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	body := api.body(0)
	tools := body["tools"].([]any)
	if len(tools) != 2 {
		t.Fatalf("tools len = %d, want 2", len(tools))
	}
	fn := tools[0].(map[string]any)["function"].(map[string]any)
	if fn["name"] != "b" {
		t.Errorf("tools[0] = %v, want b", fn["name"])
	}
	if _, ok := fn["parameters"]; !ok {
		t.Errorf("tool without parameters should get an empty object schema")
	}
	choice, ok := body["tool_choice"].(map[string]any)
	if !ok {
		t.Fatalf("tool_choice = %v, want object", body["tool_choice"])
	}
	if choice["function"].(map[string]any)["name"] != "c" {
		t.Errorf("tool_choice = %v, want function c", choice)
	}
}

func TestCompleteForwardsResponseFormat(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{replies: []string{completion(`{"a":1}`, 1, 1)}}
	e := newExecutor(t, newServer(t, api))
	_, err := e.Complete(context.Background(), llm.Request{
		Messages:       []types.Message{{Role: types.RoleUser, Content: "json please"}},
		ResponseFormat: json.RawMessage(`{"type":"json_object"}`),
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	rf, ok := api.body(0)["response_format"].(map[string]any)
	if !ok || rf["type"] != "json_object" {
		t.Errorf("response_format = %v", api.body(0)["response_format"])
	}
}

func TestCompleteUpstreamError(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{status: http.StatusUnauthorized}
	e := newExecutor(t, newServer(t, api))
	_, err := e.Complete(context.Background(), llm.Request{
		Messages: []types.Message{{Role: types.RoleUser, Content: "x"}},
	})
	var ue *apierr.UpstreamError
	if !errors.As(err, &ue) {
		t.Fatalf("err = %v, want UpstreamError", err)
	}
	if ue.Status != http.StatusUnauthorized || ue.Service != "kimi" {
		t.Errorf("UpstreamError = %+v", ue)
	}
	if api.count() != 1 {
		t.Errorf("requests = %d, want 1 (no SDK retries)", api.count())
	}
	if apierr.HTTPStatus(err) != http.StatusBadGateway {
		t.Errorf("HTTPStatus = %d, want 502", apierr.HTTPStatus(err))
	}
}

func TestMissingAPIKeyRejectedBeforeNetwork(t *testing.T) {
	t.Setenv("MOONSHOT_API_KEY", "")

	api := &fakeAPI{replies: []string{completion("x", 1, 1)}}
	srv := newServer(t, api)
	e, err := openaicompat.New(llm.ProviderKimi, openaicompat.WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = e.Complete(context.Background(), llm.Request{
		Messages: []types.Message{{Role: types.RoleUser, Content: "x"}},
	})
	var ve *apierr.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
	if api.count() != 0 {
		t.Errorf("requests = %d, want 0", api.count())
	}

	// A per-request key is enough.
	if _, err := e.Complete(context.Background(), llm.Request{
		APIKey:   "request-key",
		Messages: []types.Message{{Role: types.RoleUser, Content: "x"}},
	}); err != nil {
		t.Fatalf("Complete with request key: %v", err)
	}
	if api.authAt(0) != "Bearer request-key" {
		t.Errorf("Authorization = %q", api.authAt(0))
	}
}

func TestStream(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{sse: strings.Join([]string{
		`data: {"choices":[{"index":0,"delta":{"role":"assistant","content":"Hel"}}]}`,
		`data: {"choices":[{"index":0,"delta":{"content":"lo"}}]}`,
		`data: {"choices":[],"usage":{"prompt_tokens":4,"completion_tokens":2,"total_tokens":6}}`,
		`data: [DONE]`,
		``,
	}, "\n\n")}
	e := newExecutor(t, newServer(t, api))

	var (
		mu      sync.Mutex
		calls   int
		content string
		usage   *llm.Tokens
	)
	resp, s, err := llm.Execute(context.Background(), e, llm.Request{
		Stream:   true,
		Messages: []types.Message{{Role: types.RoleUser, Content: "hi"}},
		OnComplete: func(c string, u *llm.Tokens) {
			mu.Lock()
			defer mu.Unlock()
			calls++
			content, usage = c, u
		},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if resp != nil || s == nil {
		t.Fatalf("Execute returned response=%v stream=%v, want stream only", resp, s)
	}
	defer s.Stream.Close()

	got, err := io.ReadAll(s.Stream)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(got) != "Hello" {
		t.Errorf("stream = %q, want Hello", got)
	}
	mu.Lock()
	defer mu.Unlock()
	if calls != 1 || content != "Hello" || usage == nil || usage.Total != 6 {
		t.Errorf("callback calls=%d content=%q usage=%+v", calls, content, usage)
	}

	body := api.body(0)
	if body["stream"] != true {
		t.Errorf("stream = %v, want true", body["stream"])
	}
	if so, ok := body["stream_options"].(map[string]any); !ok || so["include_usage"] != true {
		t.Errorf("stream_options = %v", body["stream_options"])
	}
}

func TestNewRejectsNativeProviders(t *testing.T) {
	t.Parallel()

	if _, err := openaicompat.New(llm.ProviderAnthropic); err == nil {
		t.Error("expected error for a provider without an OpenAI-compatible API")
	}
	if _, err := openaicompat.New("nope"); err == nil {
		t.Error("expected error for unknown provider")
	}
}

func TestValidationFailsFast(t *testing.T) {
	t.Parallel()

	api := &fakeAPI{}
	e := newExecutor(t, newServer(t, api))
	_, err := e.Complete(context.Background(), llm.Request{
		Messages: []types.Message{{Role: "robot", Content: "beep"}},
	})
	var ve *apierr.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
	if api.count() != 0 {
		t.Errorf("requests = %d, want 0", api.count())
	}
}
