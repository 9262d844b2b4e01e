package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/flowexec/internal/toolcall"
	"github.com/MrWong99/flowexec/pkg/provider/embeddings"
	"github.com/MrWong99/flowexec/pkg/provider/llm"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// LLMFactory builds an executor for one provider entry. tools serves the
// model's tool calls and may be nil.
type LLMFactory func(entry ProviderEntry, tools toolcall.Registry) (llm.Executor, error)

// EmbeddingsFactory builds an embeddings provider.
type EmbeddingsFactory func(cfg EmbeddingsConfig) (embeddings.Provider, error)

// Registry maps provider names to their constructor functions. It is safe for
// concurrent use.
type Registry struct {
	mu         sync.RWMutex
	llm        map[llm.ProviderID]LLMFactory
	embeddings map[string]EmbeddingsFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		llm:        make(map[llm.ProviderID]LLMFactory),
		embeddings: make(map[string]EmbeddingsFactory),
	}
}

// RegisterLLM registers an executor factory for provider id.
// Subsequent calls with the same id overwrite the previous registration.
func (r *Registry) RegisterLLM(id llm.ProviderID, factory LLMFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.llm[id] = factory
}

// RegisterEmbeddings registers an embeddings provider factory under name.
func (r *Registry) RegisterEmbeddings(name string, factory EmbeddingsFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.embeddings[name] = factory
}

// LLMProviders returns the registered provider ids in sorted order.
func (r *Registry) LLMProviders() []llm.ProviderID {
	r.mu.RLock()
	ids := make([]llm.ProviderID, 0, len(r.llm))
	for id := range r.llm {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	slices.Sort(ids)
	return ids
}

// CreateLLM instantiates an executor using the factory registered under entry.ID.
// Returns [ErrProviderNotRegistered] if no factory has been registered for it.
func (r *Registry) CreateLLM(entry ProviderEntry, tools toolcall.Registry) (llm.Executor, error) {
	r.mu.RLock()
	factory, ok := r.llm[entry.ID]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: llm/%q", ErrProviderNotRegistered, entry.ID)
	}
	return factory(entry, tools)
}

// CreateEmbeddings instantiates an embeddings provider using the factory
// registered under cfg.Provider.
func (r *Registry) CreateEmbeddings(cfg EmbeddingsConfig) (embeddings.Provider, error) {
	r.mu.RLock()
	factory, ok := r.embeddings[cfg.Provider]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: embeddings/%q", ErrProviderNotRegistered, cfg.Provider)
	}
	return factory(cfg)
}
