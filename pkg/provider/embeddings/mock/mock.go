// Package mock provides a test double for the embeddings.Provider interface.
//
// Example:
//
//	p := &mock.Provider{EmbedResult: []float32{0.1, 0.2, 0.3}}
//	vec, _ := p.Embed(ctx, "refund policy")
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/flowexec/pkg/provider/embeddings"
)

var _ embeddings.Provider = (*Provider)(nil)

// Provider is a mock implementation of embeddings.Provider.
// Zero values return empty vectors and nil errors.
type Provider struct {
	mu sync.Mutex

	// EmbedResult is returned by Embed and, once per input, by EmbedBatch.
	EmbedResult []float32

	// EmbedFunc, if set, takes precedence over EmbedResult and EmbedErr.
	EmbedFunc func(text string) ([]float32, error)

	// EmbedErr, if non-nil, is returned by Embed and EmbedBatch.
	EmbedErr error

	// DimensionsValue is returned by Dimensions.
	DimensionsValue int

	// ModelIDValue is returned by ModelID.
	ModelIDValue string

	// Texts records every text submitted, in order, across both methods.
	Texts []string
}

func (p *Provider) embedLocked(text string) ([]float32, error) {
	p.Texts = append(p.Texts, text)
	if p.EmbedFunc != nil {
		return p.EmbedFunc(text)
	}
	if p.EmbedErr != nil {
		return nil, p.EmbedErr
	}
	return p.EmbedResult, nil
}

// Embed records text and returns the configured vector.
func (p *Provider) Embed(_ context.Context, text string) ([]float32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.embedLocked(text)
}

// EmbedBatch embeds each text in turn. The first error aborts the batch.
func (p *Provider) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := p.embedLocked(t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// Dimensions returns DimensionsValue.
func (p *Provider) Dimensions() int { return p.DimensionsValue }

// ModelID returns ModelIDValue.
func (p *Provider) ModelID() string { return p.ModelIDValue }

// Calls returns how many texts have been embedded.
func (p *Provider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Texts)
}
