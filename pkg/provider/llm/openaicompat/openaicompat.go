// Package openaicompat provides an [llm.Executor] for every backend that
// speaks the OpenAI chat/completions wire format: Kimi (Moonshot), Qwen
// (DashScope compatible mode) and OpenAI itself.
//
// The backend is selected once through the capability table; nothing in the
// request or response path inspects model names.
package openaicompat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/packages/ssestream"
	"github.com/openai/openai-go/shared"

	"github.com/MrWong99/flowexec/internal/toolcall"
	"github.com/MrWong99/flowexec/pkg/apierr"
	"github.com/MrWong99/flowexec/pkg/provider/llm"
	"github.com/MrWong99/flowexec/pkg/provider/llm/stream"
	"github.com/MrWong99/flowexec/pkg/types"
)

// Executor implements [llm.Executor] against an OpenAI-compatible API.
type Executor struct {
	capability llm.Capability
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
	registry   toolcall.Registry
}

type config struct {
	apiKey     string
	baseURL    string
	model      string
	timeout    time.Duration
	httpClient *http.Client
	registry   toolcall.Registry
}

// Option is a functional option for [New].
type Option func(*config)

// WithAPIKey sets the key used when a request carries none. When unset the
// provider's environment variable is consulted.
func WithAPIKey(key string) Option {
	return func(c *config) { c.apiKey = key }
}

// WithBaseURL overrides the API root from the capability table.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithDefaultModel overrides the capability table's default model.
func WithDefaultModel(model string) Option {
	return func(c *config) { c.model = model }
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// WithHTTPClient sets the HTTP client. It takes precedence over [WithTimeout].
func WithHTTPClient(hc *http.Client) Option {
	return func(c *config) { c.httpClient = hc }
}

// WithRegistry sets the tool registry used to execute model tool calls.
// Without one, tool calls in a response are not executed.
func WithRegistry(r toolcall.Registry) Option {
	return func(c *config) { c.registry = r }
}

// New constructs an Executor for provider id.
func New(id llm.ProviderID, opts ...Option) (*Executor, error) {
	capability, ok := llm.Lookup(id)
	if !ok {
		return nil, fmt.Errorf("openaicompat: unknown provider %q", id)
	}
	if !capability.OpenAICompatible {
		return nil, fmt.Errorf("openaicompat: provider %q is not OpenAI compatible", id)
	}

	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}

	e := &Executor{
		capability: capability,
		apiKey:     cfg.apiKey,
		baseURL:    capability.BaseURL,
		model:      cfg.model,
		httpClient: cfg.httpClient,
		registry:   cfg.registry,
	}
	if e.apiKey == "" {
		e.apiKey = capability.EnvAPIKey()
	}
	if cfg.baseURL != "" {
		e.baseURL = cfg.baseURL
	}
	if e.model != "" {
		e.capability.DefaultModel = e.model
	}
	if e.httpClient == nil && cfg.timeout > 0 {
		e.httpClient = &http.Client{Timeout: cfg.timeout}
	}
	return e, nil
}

// Provider implements [llm.Executor].
func (e *Executor) Provider() llm.ProviderID { return e.capability.ID }

// client builds an SDK client for key. The SDK's own retries are disabled:
// upstream failures surface to the caller immediately.
func (e *Executor) client(key string) oai.Client {
	opts := []option.RequestOption{
		option.WithAPIKey(key),
		option.WithBaseURL(e.baseURL),
		option.WithMaxRetries(0),
	}
	if e.httpClient != nil {
		opts = append(opts, option.WithHTTPClient(e.httpClient))
	}
	return oai.NewClient(opts...)
}

// prepared holds everything derived from a request before the first call.
type prepared struct {
	client   oai.Client
	model    string
	messages []types.Message
	tools    []types.ToolDefinition
	choice   llm.ToolChoice
	extra    []option.RequestOption
}

func (e *Executor) prepare(ctx context.Context, req llm.Request) (*prepared, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	key, err := llm.ResolveAPIKey(req, e.apiKey, e.capability.ID)
	if err != nil {
		return nil, err
	}
	p := &prepared{
		client:   e.client(key),
		model:    llm.ModelOrDefault(req, e.capability),
		messages: llm.BuildMessages(req),
	}
	p.tools, p.choice = llm.ApplyUsageControl(req.Tools, req.ToolUsageControl)
	if len(req.ResponseFormat) > 0 {
		var rf any
		if err := json.Unmarshal(req.ResponseFormat, &rf); err != nil {
			return nil, apierr.Validation("responseFormat", "invalid JSON: %v", err)
		}
		p.extra = append(p.extra, option.WithJSONSet("response_format", rf))
	}

	slog.InfoContext(ctx, "preparing request",
		"provider", e.capability.ID,
		"model", p.model,
		"messages", len(p.messages),
		"tools", len(p.tools),
		"stream", req.Stream,
	)
	return p, nil
}

// Complete implements [llm.Executor].
func (e *Executor) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	start := time.Now()
	p, err := e.prepare(ctx, req)
	if err != nil {
		return nil, err
	}

	call := func(ctx context.Context, msgs []types.Message) (*llm.Completion, error) {
		params, err := buildParams(p, req, msgs)
		if err != nil {
			return nil, err
		}
		resp, err := p.client.Chat.Completions.New(ctx, params, p.extra...)
		if err != nil {
			return nil, e.upstream(err)
		}
		return toCompletion(resp)
	}

	ctx = types.WithWorkflowID(ctx, req.WorkflowID)
	out, err := toolcall.Run(ctx, e.registry, p.tools, p.messages, call)
	if err != nil {
		slog.ErrorContext(ctx, "provider request failed",
			"provider", e.capability.ID,
			"model", p.model,
			"duration_ms", time.Since(start).Milliseconds(),
			"err", err,
		)
		return nil, err
	}

	usage := out.Initial.Usage
	return &llm.Response{
		Content:     out.Content,
		Model:       p.model,
		Tokens:      usage,
		ToolCalls:   out.ToolCalls,
		ToolResults: out.ToolResults,
		Timing:      out.Timing,
		Cost:        llm.CalculateCost(p.model, usage),
	}, nil
}

// Stream implements [llm.Executor]. Usage is requested in the terminal chunk
// and handed to req.OnComplete.
func (e *Executor) Stream(ctx context.Context, req llm.Request) (*llm.StreamingExecution, error) {
	start := time.Now()
	p, err := e.prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	params, err := buildParams(p, req, p.messages)
	if err != nil {
		return nil, err
	}
	params.StreamOptions = oai.ChatCompletionStreamOptionsParam{IncludeUsage: param.NewOpt(true)}

	var raw *http.Response
	opts := append([]option.RequestOption{option.WithJSONSet("stream", true)}, p.extra...)
	if err := p.client.Post(ctx, "chat/completions", params, &raw, opts...); err != nil {
		err = e.upstream(err)
		slog.ErrorContext(ctx, "provider stream failed",
			"provider", e.capability.ID,
			"model", p.model,
			"duration_ms", time.Since(start).Milliseconds(),
			"err", err,
		)
		return nil, err
	}
	dec := ssestream.NewDecoder(raw)
	if dec == nil {
		return nil, apierr.Parse("stream response", errors.New("empty body"))
	}

	return &llm.StreamingExecution{
		Stream: stream.Bridge(dec, string(e.capability.ID), req.OnComplete),
		Model:  p.model,
		Timing: llm.Timing{StartTime: start},
	}, nil
}

// upstream converts SDK API errors into [apierr.UpstreamError].
func (e *Executor) upstream(err error) error {
	var apiErr *oai.Error
	if errors.As(err, &apiErr) {
		body := apiErr.Message
		if body == "" {
			body = apiErr.RawJSON()
		}
		return fmt.Errorf("openaicompat: %s chat completion: %w", e.capability.ID,
			&apierr.UpstreamError{Service: string(e.capability.ID), Status: apiErr.StatusCode, Body: body})
	}
	return fmt.Errorf("openaicompat: %s chat completion: %w", e.capability.ID, err)
}

func buildParams(p *prepared, req llm.Request, msgs []types.Message) (oai.ChatCompletionNewParams, error) {
	messages := make([]oai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		msg, err := convertMessage(m)
		if err != nil {
			return oai.ChatCompletionNewParams{}, err
		}
		messages = append(messages, msg)
	}

	params := oai.ChatCompletionNewParams{
		Model:       shared.ChatModel(p.model),
		Messages:    messages,
		Temperature: param.NewOpt(req.TemperatureOrDefault()),
		MaxTokens:   param.NewOpt(int64(req.MaxTokensOrDefault())),
	}

	for _, td := range p.tools {
		params.Tools = append(params.Tools, oai.ChatCompletionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:        td.Name,
				Description: param.NewOpt(td.Description),
				Parameters:  shared.FunctionParameters(toolParameters(td)),
			},
		})
	}
	switch p.choice.Mode {
	case "auto":
		params.ToolChoice = oai.ChatCompletionToolChoiceOptionUnionParam{OfAuto: param.NewOpt("auto")}
	case "function":
		params.ToolChoice = oai.ChatCompletionToolChoiceOptionUnionParam{
			OfChatCompletionNamedToolChoice: &oai.ChatCompletionNamedToolChoiceParam{
				Function: oai.ChatCompletionNamedToolChoiceFunctionParam{Name: p.choice.Name},
			},
		}
	}
	return params, nil
}

func toolParameters(td types.ToolDefinition) map[string]any {
	if td.Parameters == nil {
		return map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return td.Parameters
}

func toCompletion(resp *oai.ChatCompletion) (*llm.Completion, error) {
	if len(resp.Choices) == 0 {
		return nil, apierr.Parse("chat completion", errors.New("empty choices in response"))
	}
	choice := resp.Choices[0]
	c := &llm.Completion{
		Content: choice.Message.Content,
		Usage: llm.Tokens{
			Prompt:     int(resp.Usage.PromptTokens),
			Completion: int(resp.Usage.CompletionTokens),
			Total:      int(resp.Usage.TotalTokens),
		},
	}
	for _, tc := range choice.Message.ToolCalls {
		c.ToolCalls = append(c.ToolCalls, types.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return c, nil
}

func convertMessage(m types.Message) (oai.ChatCompletionMessageParamUnion, error) {
	switch m.Role {
	case types.RoleSystem:
		return oai.SystemMessage(m.Content), nil

	case types.RoleUser:
		return oai.UserMessage(m.Content), nil

	case types.RoleAssistant:
		asst := oai.ChatCompletionAssistantMessageParam{}
		if m.Content != "" {
			asst.Content.OfString = oai.String(m.Content)
		}
		if m.Name != "" {
			asst.Name = oai.String(m.Name)
		}
		for _, tc := range m.ToolCalls {
			asst.ToolCalls = append(asst.ToolCalls, oai.ChatCompletionMessageToolCallParam{
				ID: tc.ID,
				Function: oai.ChatCompletionMessageToolCallFunctionParam{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
		return oai.ChatCompletionMessageParamUnion{OfAssistant: &asst}, nil

	case types.RoleTool:
		return oai.ToolMessage(m.Content, m.ToolCallID), nil

	default:
		return oai.ChatCompletionMessageParamUnion{}, apierr.Validation("messages", "unknown message role %q", m.Role)
	}
}

var _ llm.Executor = (*Executor)(nil)

// Describe sends a single user turn made of an image and a prompt. An empty
// model selects the provider's vision model.
func (e *Executor) Describe(ctx context.Context, model, imageURL, prompt string, maxTokens int) (*llm.Completion, error) {
	key, err := llm.ResolveAPIKey(llm.Request{}, e.apiKey, e.capability.ID)
	if err != nil {
		return nil, err
	}
	if model == "" {
		model = e.capability.VisionModel
	}
	if model == "" {
		return nil, apierr.Validation("model", "provider %s has no vision model", e.capability.ID)
	}
	params := oai.ChatCompletionNewParams{
		Model: shared.ChatModel(model),
		Messages: []oai.ChatCompletionMessageParamUnion{
			oai.UserMessage([]oai.ChatCompletionContentPartUnionParam{
				oai.TextContentPart(prompt),
				oai.ImageContentPart(oai.ChatCompletionContentPartImageImageURLParam{URL: imageURL}),
			}),
		},
		MaxTokens: param.NewOpt(int64(maxTokens)),
	}
	client := e.client(key)
	resp, err := client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, e.upstream(err)
	}
	return toCompletion(resp)
}
