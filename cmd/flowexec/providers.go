package main

import (
	"os"
	"time"

	"github.com/MrWong99/flowexec/internal/config"
	"github.com/MrWong99/flowexec/internal/observe"
	"github.com/MrWong99/flowexec/internal/toolcall"
	"github.com/MrWong99/flowexec/pkg/provider/embeddings"
	"github.com/MrWong99/flowexec/pkg/provider/embeddings/dashscope"
	oaembed "github.com/MrWong99/flowexec/pkg/provider/embeddings/openai"
	"github.com/MrWong99/flowexec/pkg/provider/llm"
	"github.com/MrWong99/flowexec/pkg/provider/llm/anyllm"
	"github.com/MrWong99/flowexec/pkg/provider/llm/openaicompat"
)

// embeddingsTimeout bounds one embeddings round trip.
const embeddingsTimeout = 30 * time.Second

// registerBuiltinProviders wires the provider factories that ship with
// flowexec into reg. OpenAI-compatible providers go through the openai-go
// client; the rest through any-llm-go.
func registerBuiltinProviders(reg *config.Registry) {
	// ── LLM ───────────────────────────────────────────────────────────────────
	for _, id := range llm.Providers() {
		capability, _ := llm.Lookup(id)
		if capability.OpenAICompatible {
			reg.RegisterLLM(id, newOpenAICompat)
		} else {
			reg.RegisterLLM(id, newAnyLLM)
		}
	}

	// ── Embeddings ────────────────────────────────────────────────────────────
	reg.RegisterEmbeddings("dashscope", newDashScopeEmbeddings)
	reg.RegisterEmbeddings("openai", newOpenAIEmbeddings)
}

func newOpenAICompat(entry config.ProviderEntry, tools toolcall.Registry) (llm.Executor, error) {
	opts := []openaicompat.Option{
		openaicompat.WithHTTPClient(observe.HTTPClient(entry.Timeout)),
	}
	if entry.APIKey != "" {
		opts = append(opts, openaicompat.WithAPIKey(entry.APIKey))
	}
	if entry.BaseURL != "" {
		opts = append(opts, openaicompat.WithBaseURL(entry.BaseURL))
	}
	if entry.Model != "" {
		opts = append(opts, openaicompat.WithDefaultModel(entry.Model))
	}
	if tools != nil {
		opts = append(opts, openaicompat.WithRegistry(tools))
	}
	return openaicompat.New(entry.ID, opts...)
}

func newAnyLLM(entry config.ProviderEntry, tools toolcall.Registry) (llm.Executor, error) {
	var opts []anyllm.Option
	if entry.APIKey != "" {
		opts = append(opts, anyllm.WithAPIKey(entry.APIKey))
	}
	if entry.BaseURL != "" {
		opts = append(opts, anyllm.WithBaseURL(entry.BaseURL))
	}
	if entry.Model != "" {
		opts = append(opts, anyllm.WithDefaultModel(entry.Model))
	}
	if entry.Timeout > 0 {
		opts = append(opts, anyllm.WithTimeout(entry.Timeout))
	}
	if tools != nil {
		opts = append(opts, anyllm.WithRegistry(tools))
	}
	return anyllm.New(entry.ID, opts...)
}

// newDashScopeEmbeddings falls back to DASHSCOPE_API_KEY when the config
// carries no key.
func newDashScopeEmbeddings(cfg config.EmbeddingsConfig) (embeddings.Provider, error) {
	key := cfg.APIKey
	if key == "" {
		key = os.Getenv("DASHSCOPE_API_KEY")
	}
	opts := []dashscope.Option{
		dashscope.WithHTTPClient(observe.HTTPClient(embeddingsTimeout)),
		dashscope.WithRetry(cfg.Retry),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, dashscope.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Dimensions > 0 {
		opts = append(opts, dashscope.WithDimensions(cfg.Dimensions))
	}
	return dashscope.New(key, cfg.Model, opts...)
}

// newOpenAIEmbeddings falls back to OPENAI_API_KEY when the config carries no
// key. Retry settings do not apply; the openai-go client retries on its own.
func newOpenAIEmbeddings(cfg config.EmbeddingsConfig) (embeddings.Provider, error) {
	key := cfg.APIKey
	if key == "" {
		key = os.Getenv("OPENAI_API_KEY")
	}
	opts := []oaembed.Option{oaembed.WithHTTPClient(observe.HTTPClient(embeddingsTimeout))}
	if cfg.BaseURL != "" {
		opts = append(opts, oaembed.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Dimensions > 0 {
		opts = append(opts, oaembed.WithDimensions(cfg.Dimensions))
	}
	return oaembed.New(key, cfg.Model, opts...)
}
