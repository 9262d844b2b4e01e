package search

import (
	"context"
	"fmt"
	"strings"

	"github.com/MrWong99/flowexec/pkg/apierr"
	"github.com/MrWong99/flowexec/pkg/provider/embeddings"
)

// Mode names the search flavour chosen for a request.
type Mode string

const (
	ModeTagOnly      Mode = "tag"
	ModeVectorOnly   Mode = "vector"
	ModeTagAndVector Mode = "tag+vector"
)

// Bounds applied to [Request.TopK].
const (
	DefaultTopK = 10
	MaxTopK     = 100
)

// Request is a knowledge search expressed in caller terms: free text plus
// optional tag filters.
type Request struct {
	KnowledgeBaseIDs []string          `json:"knowledgeBaseIds"`
	Query            string            `json:"query,omitempty"`
	TopK             int               `json:"topK"`
	Filters          map[string]string `json:"filters,omitempty"`
}

// Response carries the results and how they were obtained.
type Response struct {
	Results          []Result `json:"results"`
	Query            string   `json:"query,omitempty"`
	KnowledgeBaseIDs []string `json:"knowledgeBaseIds"`
	TopK             int      `json:"topK"`
	Mode             Mode     `json:"mode"`
	Strategy         Strategy `json:"strategy"`
}

// Searcher embeds query text and dispatches to the matching Executor mode.
type Searcher struct {
	exec        *Executor
	embedder    embeddings.Provider
	defaultTopK int
}

// SearcherOption configures a [Searcher].
type SearcherOption func(*Searcher)

// WithDefaultTopK replaces [DefaultTopK]. Values outside 1..MaxTopK are
// ignored.
func WithDefaultTopK(n int) SearcherOption {
	return func(s *Searcher) {
		if n >= 1 && n <= MaxTopK {
			s.defaultTopK = n
		}
	}
}

// NewSearcher returns a Searcher. embedder may be nil when only tag
// searches will be issued.
func NewSearcher(exec *Executor, embedder embeddings.Provider, opts ...SearcherOption) *Searcher {
	s := &Searcher{exec: exec, embedder: embedder, defaultTopK: DefaultTopK}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Search runs req. Filters alone give a tag-only search, a query alone a
// vector search, and both a tag-then-vector search. The distance threshold
// comes from [PlanStrategy]. A zero TopK means the configured default.
func (s *Searcher) Search(ctx context.Context, req Request) (*Response, error) {
	if req.TopK == 0 {
		req.TopK = s.defaultTopK
	}
	if req.TopK < 1 || req.TopK > MaxTopK {
		return nil, apierr.Validation("topK", "must be between 1 and %d, got %d", MaxTopK, req.TopK)
	}
	query := strings.TrimSpace(req.Query)
	hasFilters := len(req.Filters) > 0
	if query == "" && !hasFilters {
		return nil, apierr.Validation("query", "either a query or tag filters must be provided")
	}

	strategy := PlanStrategy(len(req.KnowledgeBaseIDs), req.TopK)
	p := Params{
		KnowledgeBaseIDs: req.KnowledgeBaseIDs,
		TopK:             req.TopK,
		Filters:          req.Filters,
	}
	if err := p.validate(); err != nil {
		return nil, err
	}

	if query != "" {
		if s.embedder == nil {
			return nil, fmt.Errorf("search: no embeddings provider configured")
		}
		vec, err := s.embedder.Embed(ctx, query)
		if err != nil {
			return nil, fmt.Errorf("search: %w", err)
		}
		p.QueryVector = FormatVector(vec)
		p.DistanceThreshold = strategy.DistanceThreshold
	}

	var (
		mode    Mode
		results []Result
		err     error
	)
	switch {
	case hasFilters && query != "":
		mode = ModeTagAndVector
		results, err = s.exec.TagAndVector(ctx, p)
	case hasFilters:
		mode = ModeTagOnly
		results, err = s.exec.TagOnly(ctx, p)
	default:
		mode = ModeVectorOnly
		results, err = s.exec.VectorOnly(ctx, p)
	}
	if err != nil {
		return nil, err
	}

	return &Response{
		Results:          results,
		Query:            query,
		KnowledgeBaseIDs: req.KnowledgeBaseIDs,
		TopK:             req.TopK,
		Mode:             mode,
		Strategy:         strategy,
	}, nil
}
