// Package knowledgetool exposes hybrid knowledge-base search to models as
// the builtin "knowledge_search" tool.
package knowledgetool

import (
	"context"
	"fmt"
	"time"

	"github.com/MrWong99/flowexec/internal/mcp/tools"
	"github.com/MrWong99/flowexec/internal/observe"
	"github.com/MrWong99/flowexec/pkg/search"
	"github.com/MrWong99/flowexec/pkg/types"
)

// Searcher runs a knowledge search. [*search.Searcher] satisfies it.
type Searcher interface {
	Search(ctx context.Context, req search.Request) (*search.Response, error)
}

type searchArgs struct {
	KnowledgeBaseIDs []string          `json:"knowledgeBaseIds" jsonschema:"required,minItems=1,description=Knowledge bases to search."`
	Query            string            `json:"query,omitempty" jsonschema:"description=Free-text query ranked by vector similarity."`
	TopK             int               `json:"topK,omitempty" jsonschema:"minimum=1,maximum=100,description=Maximum number of chunks. Defaults to 10."`
	Filters          map[string]string `json:"filters,omitempty" jsonschema:"description=Exact tag filters keyed tag1 to tag7. Separate alternatives with |OR|."`
}

// hit is the model-facing view of a search result.
type hit struct {
	Content         string  `json:"content"`
	DocumentID      string  `json:"documentId"`
	KnowledgeBaseID string  `json:"knowledgeBaseId"`
	ChunkIndex      int     `json:"chunkIndex"`
	Distance        float64 `json:"distance,omitempty"`
}

type output struct {
	Mode    search.Mode `json:"mode"`
	Results []hit       `json:"results"`
}

func makeHandler(s Searcher, m *observe.Metrics) func(context.Context, string) (string, error) {
	return func(ctx context.Context, args string) (string, error) {
		a, err := tools.Decode[searchArgs](args)
		if err != nil {
			return "", fmt.Errorf("knowledge_search: %w", err)
		}

		start := time.Now()
		resp, err := s.Search(ctx, search.Request{
			KnowledgeBaseIDs: a.KnowledgeBaseIDs,
			Query:            a.Query,
			TopK:             a.TopK,
			Filters:          a.Filters,
		})
		if err != nil {
			return "", fmt.Errorf("knowledge_search: %w", err)
		}
		m.RecordSearch(ctx, string(resp.Mode), time.Since(start).Seconds(), len(resp.Results))

		out := output{Mode: resp.Mode, Results: make([]hit, len(resp.Results))}
		for i, r := range resp.Results {
			out.Results[i] = hit{
				Content:         r.Content,
				DocumentID:      r.DocumentID,
				KnowledgeBaseID: r.KnowledgeBaseID,
				ChunkIndex:      r.ChunkIndex,
				Distance:        r.Distance,
			}
		}
		return tools.Encode(out)
	}
}

// NewTools returns the knowledge_search tool. A nil m records on
// [observe.DefaultMetrics].
func NewTools(s Searcher, m *observe.Metrics) []tools.Tool {
	if m == nil {
		m = observe.DefaultMetrics()
	}
	return []tools.Tool{{
		Definition: types.ToolDefinition{
			Name: "knowledge_search",
			Description: "Search knowledge bases for relevant document chunks. Provide a query for semantic search, " +
				"tag filters for exact matching, or both to rank the tag matches by similarity.",
			Parameters: tools.Schema[searchArgs](),
		},
		Handler: makeHandler(s, m),
	}}
}
