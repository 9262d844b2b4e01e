// Package search implements hybrid knowledge-base search: exact tag filtering,
// vector similarity ranking, and the two combined, over chunks stored in a
// vector-capable datastore.
//
// A search is planned by [PlanStrategy] from the number of knowledge bases and
// the requested result count, then executed by an [Executor] against a
// [Store]. [Searcher] sits on top and turns a free-text query into a vector
// through an embeddings provider before dispatching to the right mode.
package search

import (
	"context"
	"fmt"
	"strings"

	pgvector "github.com/pgvector/pgvector-go"

	"github.com/MrWong99/flowexec/pkg/apierr"
)

// Params is the input to every Executor entry point.
type Params struct {
	// KnowledgeBaseIDs lists the knowledge bases to search. Must be non-empty.
	KnowledgeBaseIDs []string `json:"knowledgeBaseIds"`

	// TopK caps the number of results. Must be positive.
	TopK int `json:"topK"`

	// Filters maps a tag key (tag1 … tag7) to a value. Several accepted
	// values are joined with [OrDelimiter].
	Filters map[string]string `json:"filters,omitempty"`

	// QueryVector is the query embedding in pgvector text form, e.g. "[0.1,0.2]".
	QueryVector string `json:"queryVector,omitempty"`

	// DistanceThreshold keeps only rows strictly closer than this value.
	DistanceThreshold float64 `json:"distanceThreshold,omitempty"`
}

// Result is one matching chunk. Distance is 0 when no similarity was computed.
type Result struct {
	ID              string  `json:"id"`
	Content         string  `json:"content"`
	DocumentID      string  `json:"documentId"`
	ChunkIndex      int     `json:"chunkIndex"`
	Tag1            *string `json:"tag1"`
	Tag2            *string `json:"tag2"`
	Tag3            *string `json:"tag3"`
	Tag4            *string `json:"tag4"`
	Tag5            *string `json:"tag5"`
	Tag6            *string `json:"tag6"`
	Tag7            *string `json:"tag7"`
	Distance        float64 `json:"distance"`
	KnowledgeBaseID string  `json:"knowledgeBaseId"`
}

// Tags returns pointers to the seven tag slots in order, so callers can scan
// into or iterate over them.
func (r *Result) Tags() [TagSlots]**string {
	return [TagSlots]**string{&r.Tag1, &r.Tag2, &r.Tag3, &r.Tag4, &r.Tag5, &r.Tag6, &r.Tag7}
}

// Tag returns the value of slot key ("tag1" … "tag7").
func (r *Result) Tag(key string) (*string, bool) {
	i, ok := TagIndex(key)
	if !ok {
		return nil, false
	}
	return *r.Tags()[i], true
}

// Chunk is a stored unit of document content together with its embedding.
type Chunk struct {
	Result
	Embedding []float32
	Enabled   bool
}

// Query is what an Executor asks a Store for. Fields that do not apply to a
// given Store method are ignored by it.
type Query struct {
	// KnowledgeBaseIDs restricts rows to these knowledge bases.
	KnowledgeBaseIDs []string

	// Filters are AND-ed tag predicates.
	Filters []TagFilter

	// IDs, when non-nil, restricts rows to exactly these chunk ids.
	IDs []string

	// Vector is the query embedding for similarity search.
	Vector []float32

	// Threshold keeps rows with distance < Threshold.
	Threshold float64

	// Limit caps the number of rows. Zero means no limit.
	Limit int
}

// Store is the datastore interface the executor needs. Implementations only
// ever consider enabled chunks.
type Store interface {
	// FilterChunks returns chunks of q.KnowledgeBaseIDs matching every filter,
	// up to q.Limit, each with Distance 0.
	FilterChunks(ctx context.Context, q Query) ([]Result, error)

	// FilterChunkIDs returns the ids of chunks of q.KnowledgeBaseIDs matching
	// every filter.
	FilterChunkIDs(ctx context.Context, q Query) ([]string, error)

	// NearestChunks returns chunks whose cosine distance to q.Vector is below
	// q.Threshold, in ascending distance order, up to q.Limit. When q.IDs is
	// non-nil only those chunks are considered; otherwise the search covers
	// q.KnowledgeBaseIDs.
	NearestChunks(ctx context.Context, q Query) ([]Result, error)
}

// ParseVector decodes the pgvector text form used in [Params.QueryVector].
func ParseVector(s string) ([]float32, error) {
	s = strings.Join(strings.Fields(s), "")
	if len(s) < 2 || s[0] != '[' || s[len(s)-1] != ']' {
		return nil, apierr.Validation("queryVector", "expected a bracketed vector like [0.1,0.2]")
	}
	var v pgvector.Vector
	if err := v.Parse(s); err != nil {
		return nil, apierr.Validation("queryVector", "malformed vector: %v", err)
	}
	if len(v.Slice()) == 0 {
		return nil, apierr.Validation("queryVector", "vector is empty")
	}
	return v.Slice(), nil
}

// FormatVector renders vec in pgvector text form.
func FormatVector(vec []float32) string {
	return pgvector.NewVector(vec).String()
}

func (p Params) validate() error {
	if len(p.KnowledgeBaseIDs) == 0 {
		return apierr.Validation("knowledgeBaseIds", "at least one knowledge base is required")
	}
	for i, id := range p.KnowledgeBaseIDs {
		if strings.TrimSpace(id) == "" {
			return apierr.Validation("knowledgeBaseIds", "entry %d is empty", i)
		}
	}
	if p.TopK <= 0 {
		return apierr.Validation("topK", "must be positive, got %d", p.TopK)
	}
	return nil
}

func (p Params) requireFilters(mode string) error {
	if len(p.Filters) == 0 {
		return apierr.Validation("filters", "tag filters are required for %s search", mode)
	}
	return nil
}

func (p Params) requireVector(mode string) ([]float32, error) {
	if p.QueryVector == "" || p.DistanceThreshold <= 0 {
		return nil, apierr.Validation("queryVector",
			"query vector and distance threshold are required for %s search", mode)
	}
	vec, err := ParseVector(p.QueryVector)
	if err != nil {
		return nil, fmt.Errorf("%s search: %w", mode, err)
	}
	return vec, nil
}
