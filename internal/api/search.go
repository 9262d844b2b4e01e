package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/MrWong99/flowexec/internal/observe"
	"github.com/MrWong99/flowexec/pkg/search"
)

// idList accepts a single id or a list of ids.
type idList []string

func (l *idList) UnmarshalJSON(b []byte) error {
	var one string
	if err := json.Unmarshal(b, &one); err == nil {
		if one == "" {
			*l = nil
		} else {
			*l = idList{one}
		}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return err
	}
	*l = many
	return nil
}

type searchRequest struct {
	KnowledgeBaseIDs idList            `json:"knowledgeBaseIds"`
	Query            string            `json:"query"`
	TopK             int               `json:"topK"`
	Filters          map[string]string `json:"filters"`
}

func (s *Server) searchKnowledge(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	start := time.Now()
	resp, err := s.searcher.Search(r.Context(), search.Request{
		KnowledgeBaseIDs: req.KnowledgeBaseIDs,
		Query:            req.Query,
		TopK:             req.TopK,
		Filters:          req.Filters,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	elapsed := time.Since(start)
	s.metrics.RecordSearch(r.Context(), string(resp.Mode), elapsed.Seconds(), len(resp.Results))
	observe.Logger(r.Context()).Info("knowledge search",
		"mode", resp.Mode,
		"knowledge_bases", len(resp.KnowledgeBaseIDs),
		"results", len(resp.Results),
		"duration_ms", elapsed.Milliseconds(),
	)
	writeData(w, http.StatusOK, resp)
}
