// Package dashscope provides an embeddings provider backed by Alibaba Cloud's
// DashScope text-embedding API.
//
// Every input is passed through [Sanitize] before it leaves the process, every
// request runs under an exponential backoff policy, and both response layouts
// the API is known to produce are accepted.
//
// Example usage:
//
//	p, err := dashscope.New(os.Getenv("DASHSCOPE_API_KEY"), "")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	vec, err := p.Embed(ctx, "What is the refund policy?")
package dashscope

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/MrWong99/flowexec/pkg/apierr"
	"github.com/MrWong99/flowexec/pkg/provider/embeddings"
)

const (
	// DefaultBaseURL is DashScope's OpenAI-compatible endpoint root.
	DefaultBaseURL = "https://dashscope.aliyuncs.com/compatible-mode/v1"

	// DefaultModel is the embedding model used when none is configured.
	DefaultModel = "text-embedding-v4"

	// maxErrorBody bounds how much of an error response is kept.
	maxErrorBody = 2048
)

var _ embeddings.Provider = (*Provider)(nil)

// Provider implements embeddings.Provider using DashScope.
type Provider struct {
	apiKey     string
	baseURL    string
	model      string
	dimensions int
	retry      RetryConfig
	httpClient *http.Client
}

type config struct {
	baseURL    string
	dimensions int
	retry      RetryConfig
	httpClient *http.Client
	timeout    time.Duration
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides DefaultBaseURL.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithDimensions records the expected vector length reported by Dimensions.
func WithDimensions(dims int) Option {
	return func(c *config) { c.dimensions = dims }
}

// WithRetry replaces DefaultRetryConfig.
func WithRetry(r RetryConfig) Option {
	return func(c *config) { c.retry = r }
}

// WithHTTPClient injects the HTTP client shared with the rest of the process.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *config) { c.httpClient = hc }
}

// WithTimeout sets a per-attempt HTTP timeout when no client is injected.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// New constructs a DashScope embeddings Provider. An empty model selects
// DefaultModel.
func New(apiKey, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("dashscope embeddings: apiKey must not be empty")
	}
	if model == "" {
		model = DefaultModel
	}

	cfg := &config{retry: DefaultRetryConfig()}
	for _, o := range opts {
		o(cfg)
	}
	if cfg.baseURL == "" {
		cfg.baseURL = DefaultBaseURL
	}
	if cfg.httpClient == nil {
		cfg.httpClient = &http.Client{Timeout: cfg.timeout}
	}

	return &Provider{
		apiKey:     apiKey,
		baseURL:    strings.TrimRight(cfg.baseURL, "/"),
		model:      model,
		dimensions: cfg.dimensions,
		retry:      cfg.retry,
		httpClient: cfg.httpClient,
	}, nil
}

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

// Embed implements embeddings.Provider.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := p.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch implements embeddings.Provider. Failures of any kind, including
// exhausted retries, are reported as a single "embedding generation failed"
// error that wraps the cause.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	inputs := make([]string, len(texts))
	for i, t := range texts {
		if truncated(t) {
			slog.Warn("dashscope embeddings: input too long, truncating",
				"chars", len([]rune(t)), "limit", MaxInputChars)
		}
		inputs[i] = Sanitize(t)
		if inputs[i] == "" {
			return nil, wrap(apierr.Validation("input", "text %d is empty after sanitization", i))
		}
	}

	body, err := json.Marshal(embedRequest{Model: p.model, Input: inputs})
	if err != nil {
		return nil, wrap(err)
	}

	vecs, err := withRetry(ctx, p.retry, func(ctx context.Context) ([][]float32, error) {
		return p.call(ctx, body)
	})
	if err != nil {
		slog.Error("dashscope embeddings: failed to generate embedding", "err", err)
		return nil, wrap(err)
	}
	if len(vecs) != len(texts) {
		return nil, wrap(apierr.Parse("embedding response",
			fmt.Errorf("expected %d embeddings, got %d", len(texts), len(vecs))))
	}
	return vecs, nil
}

func wrap(err error) error {
	return fmt.Errorf("dashscope embeddings: embedding generation failed: %w", err)
}

// call performs one full HTTP round trip.
func (p *Provider) call(ctx context.Context, body []byte) ([][]float32, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-DashScope-SSE", "disable")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &apierr.UpstreamError{
			Service: "DashScope",
			Status:  resp.StatusCode,
			Body:    strings.TrimSpace(string(msg)),
		}
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return parseEmbeddings(raw)
}

// Dimensions implements embeddings.Provider.
func (p *Provider) Dimensions() int { return p.dimensions }

// ModelID implements embeddings.Provider.
func (p *Provider) ModelID() string { return p.model }
