// Package visiontool exposes image understanding to models as the builtin
// "vision_analyze" tool.
//
// The model name picks the provider once through [llm.ResolveModel]; the
// matching [Describer] then sends the image and prompt as a single user turn.
package visiontool

import (
	"context"
	"fmt"
	"strings"

	"github.com/MrWong99/flowexec/internal/mcp/tools"
	"github.com/MrWong99/flowexec/pkg/apierr"
	"github.com/MrWong99/flowexec/pkg/provider/llm"
	"github.com/MrWong99/flowexec/pkg/types"
)

const (
	DefaultPrompt    = "Please analyze this image and describe what you see in detail."
	DefaultMaxTokens = 1000
)

// Describer answers a prompt about an image. The openaicompat and anyllm
// executors satisfy it.
type Describer interface {
	Describe(ctx context.Context, model, imageURL, prompt string, maxTokens int) (*llm.Completion, error)
}

// Args are the tool arguments.
type Args struct {
	ImageURL string `json:"imageUrl" jsonschema:"required,description=Publicly accessible image URL."`
	Prompt   string `json:"prompt,omitempty" jsonschema:"description=What to look for in the image."`
	Model    string `json:"model,omitempty" jsonschema:"description=Vision model such as qwen-vl-plus or gpt-4o or claude-3-5-sonnet-latest."`
}

// Usage mirrors the token accounting of the upstream answer.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Result is the tool output.
type Result struct {
	Content string `json:"content"`
	Model   string `json:"model"`
	Tokens  int    `json:"tokens"`
	Usage   Usage  `json:"usage"`
}

// Analyzer routes vision requests to the describer of the model's provider.
type Analyzer struct {
	describers   map[llm.ProviderID]Describer
	defaultModel string
}

// New returns an Analyzer. defaultModel is used when a call names none and
// must resolve to a provider in describers.
func New(describers map[llm.ProviderID]Describer, defaultModel string) (*Analyzer, error) {
	c, ok := llm.ResolveModel(defaultModel)
	if !ok {
		return nil, fmt.Errorf("visiontool: default model %q matches no provider", defaultModel)
	}
	if describers[c.ID] == nil {
		return nil, fmt.Errorf("visiontool: no describer for %s, the provider of %q", c.ID, defaultModel)
	}
	return &Analyzer{describers: describers, defaultModel: defaultModel}, nil
}

// Analyze describes the image in a.
func (a *Analyzer) Analyze(ctx context.Context, args Args) (*Result, error) {
	if strings.TrimSpace(args.ImageURL) == "" {
		return nil, apierr.Validation("imageUrl", "is required")
	}
	model := args.Model
	if model == "" {
		model = a.defaultModel
	}
	c, ok := llm.ResolveModel(model)
	if !ok {
		return nil, apierr.Validation("model", "%q is not a known vision model", model)
	}
	d := a.describers[c.ID]
	if d == nil {
		return nil, apierr.Validation("model", "provider %s is not configured", c.ID)
	}
	prompt := args.Prompt
	if prompt == "" {
		prompt = DefaultPrompt
	}

	out, err := d.Describe(ctx, model, args.ImageURL, prompt, DefaultMaxTokens)
	if err != nil {
		return nil, fmt.Errorf("vision_analyze: %w", err)
	}
	return &Result{
		Content: out.Content,
		Model:   model,
		Tokens:  out.Usage.Total,
		Usage: Usage{
			InputTokens:  out.Usage.Prompt,
			OutputTokens: out.Usage.Completion,
			TotalTokens:  out.Usage.Total,
		},
	}, nil
}

// NewTools returns the vision_analyze tool backed by a.
func NewTools(a *Analyzer) []tools.Tool {
	return []tools.Tool{{
		Definition: types.ToolDefinition{
			Name: "vision_analyze",
			Description: "Analyze an image with a vision model. Understands image content, extracts text, " +
				"identifies objects and gives detailed visual descriptions.",
			Parameters: tools.Schema[Args](),
		},
		Handler: func(ctx context.Context, raw string) (string, error) {
			args, err := tools.Decode[Args](raw)
			if err != nil {
				return "", fmt.Errorf("vision_analyze: %w", err)
			}
			res, err := a.Analyze(ctx, args)
			if err != nil {
				return "", err
			}
			return tools.Encode(res)
		},
	}}
}
