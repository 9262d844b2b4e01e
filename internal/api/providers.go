package api

import (
	"cmp"
	"errors"
	"io"
	"net/http"
	"slices"

	"github.com/go-chi/chi/v5"

	"github.com/MrWong99/flowexec/internal/observe"
	"github.com/MrWong99/flowexec/pkg/apierr"
	"github.com/MrWong99/flowexec/pkg/provider/llm"
)

// providerInfo describes a configured provider.
type providerInfo struct {
	ID           llm.ProviderID `json:"id"`
	Name         string         `json:"name"`
	DefaultModel string         `json:"defaultModel"`
	VisionModel  string         `json:"visionModel,omitempty"`
}

func (s *Server) listProviders(w http.ResponseWriter, _ *http.Request) {
	out := make([]providerInfo, 0, len(s.executors))
	for id := range s.executors {
		c, _ := llm.Lookup(id)
		out = append(out, providerInfo{ID: id, Name: c.Name, DefaultModel: c.DefaultModel, VisionModel: c.VisionModel})
	}
	slices.SortFunc(out, func(a, b providerInfo) int { return cmp.Compare(a.ID, b.ID) })
	writeData(w, http.StatusOK, out)
}

// executeProvider runs one provider request. Non-streaming requests answer
// with the enveloped response. Streaming requests answer with a text/plain
// body of content deltas, flushed as they arrive; errors before the first
// byte still use the envelope.
func (s *Server) executeProvider(w http.ResponseWriter, r *http.Request) {
	id, err := llm.ParseProviderID(chi.URLParam(r, "provider"))
	if err != nil {
		writeError(w, r, apierr.Validation("provider", "%v", err))
		return
	}
	exec, ok := s.executors[id]
	if !ok {
		writeError(w, r, apierr.NotFound("provider", string(id)))
		return
	}

	var req llm.Request
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	if !req.Stream {
		resp, err := exec.Complete(r.Context(), req)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeData(w, http.StatusOK, resp)
		return
	}

	log := observe.Logger(r.Context())
	req.OnComplete = func(content string, usage *llm.Tokens) {
		attrs := []any{"provider", id, "chars", len(content)}
		if usage != nil {
			attrs = append(attrs, "prompt_tokens", usage.Prompt, "completion_tokens", usage.Completion, "total_tokens", usage.Total)
		}
		log.Info("stream completed", attrs...)
	}
	st, err := exec.Stream(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	defer st.Stream.Close()

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	if st.Model != "" {
		w.Header().Set("X-Model", st.Model)
	}
	w.WriteHeader(http.StatusOK)

	rc := http.NewResponseController(w)
	buf := make([]byte, 4096)
	for {
		n, rerr := st.Stream.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				log.Warn("stream client gone", "provider", id, "err", werr)
				return
			}
			_ = rc.Flush()
		}
		if errors.Is(rerr, io.EOF) {
			return
		}
		if rerr != nil {
			log.Error("stream aborted", "provider", id, "err", rerr)
			return
		}
	}
}
