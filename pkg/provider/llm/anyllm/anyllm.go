// Package anyllm provides an [llm.Executor] for backends without an
// OpenAI-compatible endpoint, backed by github.com/mozilla-ai/any-llm-go.
//
// Anthropic is the backend listed in the capability table. The remaining
// any-llm-go backends (gemini, ollama, deepseek, mistral, groq, llamacpp,
// llamafile) are reachable through [NewBackend] with an explicit name.
package anyllm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	anyllmerrors "github.com/mozilla-ai/any-llm-go/errors"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/llamafile"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/MrWong99/flowexec/internal/toolcall"
	"github.com/MrWong99/flowexec/pkg/apierr"
	"github.com/MrWong99/flowexec/pkg/provider/llm"
	"github.com/MrWong99/flowexec/pkg/provider/llm/stream"
	"github.com/MrWong99/flowexec/pkg/types"
)

// BackendFactory builds an any-llm-go backend for one API key.
type BackendFactory func(apiKey string) (anyllmlib.Provider, error)

// Executor implements [llm.Executor] on top of an any-llm-go backend.
type Executor struct {
	capability llm.Capability
	apiKey     string
	factory    BackendFactory
	registry   toolcall.Registry
}

type config struct {
	apiKey   string
	baseURL  string
	model    string
	timeout  time.Duration
	factory  BackendFactory
	registry toolcall.Registry
}

// Option is a functional option for [New].
type Option func(*config)

// WithAPIKey sets the key used when a request carries none.
func WithAPIKey(key string) Option {
	return func(c *config) { c.apiKey = key }
}

// WithBaseURL points the backend at a different API root.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithDefaultModel overrides the capability table's default model.
func WithDefaultModel(model string) Option {
	return func(c *config) { c.model = model }
}

// WithTimeout sets a per-request HTTP timeout on the backend.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// WithBackendFactory replaces backend construction. Tests use it to inject a
// fake backend.
func WithBackendFactory(f BackendFactory) Option {
	return func(c *config) { c.factory = f }
}

// WithRegistry sets the tool registry used to execute model tool calls.
func WithRegistry(r toolcall.Registry) Option {
	return func(c *config) { c.registry = r }
}

// New constructs an Executor for provider id.
func New(id llm.ProviderID, opts ...Option) (*Executor, error) {
	capability, ok := llm.Lookup(id)
	if !ok {
		return nil, fmt.Errorf("anyllm: unknown provider %q", id)
	}
	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}
	if cfg.model != "" {
		capability.DefaultModel = cfg.model
	}

	e := &Executor{
		capability: capability,
		apiKey:     cfg.apiKey,
		factory:    cfg.factory,
		registry:   cfg.registry,
	}
	if e.apiKey == "" {
		e.apiKey = capability.EnvAPIKey()
	}
	if e.factory == nil {
		name := string(id)
		e.factory = func(key string) (anyllmlib.Provider, error) {
			libOpts := []anyllmlib.Option{anyllmlib.WithAPIKey(key)}
			if cfg.baseURL != "" {
				libOpts = append(libOpts, anyllmlib.WithBaseURL(cfg.baseURL))
			}
			if cfg.timeout > 0 {
				libOpts = append(libOpts, anyllmlib.WithHTTPClient(&http.Client{Timeout: cfg.timeout}))
			}
			return NewBackend(name, libOpts...)
		}
	}
	return e, nil
}

// NewBackend creates the any-llm-go backend registered under name.
func NewBackend(name string, opts ...anyllmlib.Option) (anyllmlib.Provider, error) {
	switch strings.ToLower(name) {
	case "openai":
		return anyllmoai.New(opts...)
	case "anthropic":
		return anthropic.New(opts...)
	case "gemini":
		return gemini.New(opts...)
	case "ollama":
		return ollama.New(opts...)
	case "deepseek":
		return deepseek.New(opts...)
	case "mistral":
		return mistral.New(opts...)
	case "groq":
		return groq.New(opts...)
	case "llamacpp":
		return llamacpp.New(opts...)
	case "llamafile":
		return llamafile.New(opts...)
	default:
		return nil, fmt.Errorf("anyllm: unsupported backend %q; supported: openai, anthropic, gemini, ollama, deepseek, mistral, groq, llamacpp, llamafile", name)
	}
}

// Provider implements [llm.Executor].
func (e *Executor) Provider() llm.ProviderID { return e.capability.ID }

func (e *Executor) backend(req llm.Request) (anyllmlib.Provider, string, error) {
	if err := req.Validate(); err != nil {
		return nil, "", err
	}
	key, err := llm.ResolveAPIKey(req, e.apiKey, e.capability.ID)
	if err != nil {
		return nil, "", err
	}
	b, err := e.factory(key)
	if err != nil {
		return nil, "", fmt.Errorf("anyllm: create %s backend: %w", e.capability.ID, err)
	}
	return b, llm.ModelOrDefault(req, e.capability), nil
}

// Complete implements [llm.Executor].
func (e *Executor) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	start := time.Now()
	b, model, err := e.backend(req)
	if err != nil {
		return nil, err
	}
	msgs := llm.BuildMessages(req)
	tools, choice := llm.ApplyUsageControl(req.Tools, req.ToolUsageControl)

	slog.InfoContext(ctx, "preparing request",
		"provider", e.capability.ID,
		"model", model,
		"messages", len(msgs),
		"tools", len(tools),
		"stream", false,
	)

	call := func(ctx context.Context, msgs []types.Message) (*llm.Completion, error) {
		resp, err := b.Completion(ctx, buildParams(model, req, msgs, tools, choice))
		if err != nil {
			return nil, e.upstream(err)
		}
		return toCompletion(resp)
	}
	ctx = types.WithWorkflowID(ctx, req.WorkflowID)
	out, err := toolcall.Run(ctx, e.registry, tools, msgs, call)
	if err != nil {
		slog.ErrorContext(ctx, "provider request failed",
			"provider", e.capability.ID,
			"model", model,
			"duration_ms", time.Since(start).Milliseconds(),
			"err", err,
		)
		return nil, err
	}
	usage := out.Initial.Usage
	return &llm.Response{
		Content:     out.Content,
		Model:       model,
		Tokens:      usage,
		ToolCalls:   out.ToolCalls,
		ToolResults: out.ToolResults,
		Timing:      out.Timing,
		Cost:        llm.CalculateCost(model, usage),
	}, nil
}

// Stream implements [llm.Executor].
func (e *Executor) Stream(ctx context.Context, req llm.Request) (*llm.StreamingExecution, error) {
	start := time.Now()
	b, model, err := e.backend(req)
	if err != nil {
		return nil, err
	}
	msgs := llm.BuildMessages(req)
	tools, choice := llm.ApplyUsageControl(req.Tools, req.ToolUsageControl)

	slog.InfoContext(ctx, "preparing request",
		"provider", e.capability.ID,
		"model", model,
		"messages", len(msgs),
		"tools", len(tools),
		"stream", true,
	)

	params := buildParams(model, req, msgs, tools, choice)
	params.Stream = true
	params.StreamOptions = &anyllmlib.StreamOptions{IncludeUsage: true}

	sctx, cancel := context.WithCancel(ctx)
	chunks, errs := b.CompletionStream(sctx, params)

	deltas := make(chan stream.Delta)
	upstreamErr := make(chan error, 1)
	go func() {
		defer close(deltas)
		for c := range chunks {
			d := stream.Delta{}
			if len(c.Choices) > 0 {
				d.Content = c.Choices[0].Delta.Content
			}
			if c.Usage != nil {
				d.Usage = &llm.Tokens{
					Prompt:     c.Usage.PromptTokens,
					Completion: c.Usage.CompletionTokens,
					Total:      c.Usage.TotalTokens,
				}
			}
			deltas <- d
		}
		if err := <-errs; err != nil {
			upstreamErr <- e.upstream(err)
		}
		close(upstreamErr)
	}()

	return &llm.StreamingExecution{
		Stream: stream.FromChannel(deltas, upstreamErr, cancel, req.OnComplete),
		Model:  model,
		Timing: llm.Timing{StartTime: start},
	}, nil
}

// upstream maps any-llm-go's normalized errors onto [apierr.UpstreamError].
func (e *Executor) upstream(err error) error {
	status := http.StatusBadGateway
	switch {
	case errors.Is(err, anyllmerrors.ErrAuthentication), errors.Is(err, anyllmerrors.ErrMissingAPIKey):
		status = http.StatusUnauthorized
	case errors.Is(err, anyllmerrors.ErrRateLimit):
		status = http.StatusTooManyRequests
	case errors.Is(err, anyllmerrors.ErrInvalidRequest), errors.Is(err, anyllmerrors.ErrContextLength),
		errors.Is(err, anyllmerrors.ErrUnsupportedParam):
		status = http.StatusBadRequest
	case errors.Is(err, anyllmerrors.ErrModelNotFound):
		status = http.StatusNotFound
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("anyllm: %s completion: %w", e.capability.ID, err)
	}
	return fmt.Errorf("anyllm: %s completion: %w", e.capability.ID,
		&apierr.UpstreamError{Service: string(e.capability.ID), Status: status, Body: err.Error()})
}

func buildParams(model string, req llm.Request, msgs []types.Message, tools []types.ToolDefinition, choice llm.ToolChoice) anyllmlib.CompletionParams {
	messages := make([]anyllmlib.Message, 0, len(msgs))
	for _, m := range msgs {
		messages = append(messages, convertMessage(m))
	}

	temp := req.TemperatureOrDefault()
	maxTokens := req.MaxTokensOrDefault()
	params := anyllmlib.CompletionParams{
		Model:       model,
		Messages:    messages,
		Temperature: &temp,
		MaxTokens:   &maxTokens,
	}

	for _, td := range tools {
		params.Tools = append(params.Tools, anyllmlib.Tool{
			Type: "function",
			Function: anyllmlib.Function{
				Name:        td.Name,
				Description: td.Description,
				Parameters:  td.Parameters,
			},
		})
	}
	switch choice.Mode {
	case "auto":
		params.ToolChoice = "auto"
	case "function":
		params.ToolChoice = anyllmlib.ToolChoice{
			Type:     "function",
			Function: &anyllmlib.ToolChoiceFunction{Name: choice.Name},
		}
	}
	return params
}

func toCompletion(resp *anyllmlib.ChatCompletion) (*llm.Completion, error) {
	if len(resp.Choices) == 0 {
		return nil, apierr.Parse("completion", errors.New("empty choices in response"))
	}
	choice := resp.Choices[0]
	c := &llm.Completion{Content: choice.Message.ContentString()}
	if resp.Usage != nil {
		c.Usage = llm.Tokens{
			Prompt:     resp.Usage.PromptTokens,
			Completion: resp.Usage.CompletionTokens,
			Total:      resp.Usage.TotalTokens,
		}
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

func convertMessage(m types.Message) anyllmlib.Message {
	msg := anyllmlib.Message{
		Role:       m.Role,
		Content:    m.Content,
		Name:       m.Name,
		ToolCallID: m.ToolCallID,
	}
	for _, tc := range m.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, anyllmlib.ToolCall{
			ID:   tc.ID,
			Type: "function",
			Function: anyllmlib.FunctionCall{
				Name:      tc.Name,
				Arguments: tc.Arguments,
			},
		})
	}
	return msg
}

// Describe sends a single user turn made of an image and a prompt. It is the
// vision entry point for backends reached through any-llm-go.
func (e *Executor) Describe(ctx context.Context, model, imageURL, prompt string, maxTokens int) (*llm.Completion, error) {
	b, resolved, err := e.backend(llm.Request{Model: model})
	if err != nil {
		return nil, err
	}
	params := anyllmlib.CompletionParams{
		Model: resolved,
		Messages: []anyllmlib.Message{{
			Role: anyllmlib.RoleUser,
			Content: []anyllmlib.ContentPart{
				{Type: "image_url", ImageURL: &anyllmlib.ImageURL{URL: imageURL}},
				{Type: "text", Text: prompt},
			},
		}},
		MaxTokens: &maxTokens,
	}
	resp, err := b.Completion(ctx, params)
	if err != nil {
		return nil, e.upstream(err)
	}
	return toCompletion(resp)
}

var _ llm.Executor = (*Executor)(nil)
