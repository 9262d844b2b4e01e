// Package openai provides an [embeddings.Provider] for the OpenAI embeddings
// endpoint and any server that mirrors it, built on the official openai-go
// client.
package openai

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"

	"github.com/MrWong99/flowexec/pkg/apierr"
	"github.com/MrWong99/flowexec/pkg/provider/embeddings"
)

// DefaultModel is used when no model is configured.
const DefaultModel = "text-embedding-3-small"

var _ embeddings.Provider = (*Provider)(nil)

// Provider calls POST /embeddings.
type Provider struct {
	client     oai.Client
	model      string
	dimensions int
}

type config struct {
	baseURL    string
	dimensions int
	httpClient *http.Client
}

// Option configures a [Provider].
type Option func(*config)

// WithBaseURL points the client at a different API root.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithDimensions asks the text-embedding-3 models for shortened vectors.
func WithDimensions(dims int) Option {
	return func(c *config) { c.dimensions = dims }
}

// WithHTTPClient injects the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *config) { c.httpClient = hc }
}

// New returns a Provider. An empty model selects [DefaultModel].
func New(apiKey, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai embeddings: apiKey must not be empty")
	}
	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.httpClient != nil {
		reqOpts = append(reqOpts, option.WithHTTPClient(cfg.httpClient))
	}

	return &Provider{
		client:     oai.NewClient(reqOpts...),
		model:      cmp.Or(model, DefaultModel),
		dimensions: cfg.dimensions,
	}, nil
}

// Embed implements embeddings.Provider.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := p.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch implements embeddings.Provider.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	for i, t := range texts {
		if strings.TrimSpace(t) == "" {
			return nil, wrap(apierr.Validation("input", "text %d is empty", i))
		}
	}

	params := oai.EmbeddingNewParams{
		Model: p.model,
		Input: oai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
	}
	if p.dimensions > 0 {
		params.Dimensions = param.NewOpt(int64(p.dimensions))
	}

	resp, err := p.client.Embeddings.New(ctx, params)
	if err != nil {
		return nil, wrap(upstream(err))
	}
	if len(resp.Data) != len(texts) {
		return nil, wrap(apierr.Parse("embedding response",
			fmt.Errorf("expected %d embeddings, got %d", len(texts), len(resp.Data))))
	}

	data := slices.Clone(resp.Data)
	slices.SortFunc(data, func(a, b oai.Embedding) int { return cmp.Compare(a.Index, b.Index) })
	out := make([][]float32, len(data))
	for i, e := range data {
		if int(e.Index) != i {
			return nil, wrap(apierr.Parse("embedding response", fmt.Errorf("unexpected index %d", e.Index)))
		}
		out[i] = toFloat32(e.Embedding)
	}
	return out, nil
}

// Dimensions implements embeddings.Provider. Without an explicit width the
// model's native width is reported, or 0 for unknown models.
func (p *Provider) Dimensions() int {
	if p.dimensions > 0 {
		return p.dimensions
	}
	return nativeDimensions[p.model]
}

// ModelID implements embeddings.Provider.
func (p *Provider) ModelID() string { return p.model }

var nativeDimensions = map[string]int{
	"text-embedding-3-small": 1536,
	"text-embedding-3-large": 3072,
	"text-embedding-ada-002": 1536,
}

func wrap(err error) error {
	return fmt.Errorf("openai embeddings: embedding generation failed: %w", err)
}

func upstream(err error) error {
	var apiErr *oai.Error
	if errors.As(err, &apiErr) {
		return &apierr.UpstreamError{Service: "OpenAI", Status: apiErr.StatusCode, Body: apiErr.Message}
	}
	return err
}

func toFloat32(in []float64) []float32 {
	out := make([]float32, len(in))
	for i, v := range in {
		out[i] = float32(v)
	}
	return out
}
