// Package api exposes the flowexec HTTP surface: workflow memories,
// knowledge search, provider execution and the tool catalogue.
//
// Every JSON reply uses the envelope
//
//	{"success": true, "data": ...}
//	{"success": false, "error": {"message": "..."}}
//
// with the status code chosen by [apierr.HTTPStatus].
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/MrWong99/flowexec/internal/health"
	"github.com/MrWong99/flowexec/internal/mcp"
	"github.com/MrWong99/flowexec/internal/observe"
	"github.com/MrWong99/flowexec/pkg/apierr"
	"github.com/MrWong99/flowexec/pkg/memory"
	"github.com/MrWong99/flowexec/pkg/provider/llm"
	"github.com/MrWong99/flowexec/pkg/search"
	"github.com/MrWong99/flowexec/pkg/types"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 4 << 20

// Searcher runs knowledge searches.
type Searcher interface {
	Search(ctx context.Context, req search.Request) (*search.Response, error)
}

// ToolCatalog lists the registered tools and their health.
type ToolCatalog interface {
	Tools() []types.ToolDefinition
	Health() []mcp.ToolHealth
}

// Deps are the collaborators of a [Server]. Nil members disable the routes
// that need them; those routes answer 503.
type Deps struct {
	Memories  memory.Store
	Searcher  Searcher
	Executors map[llm.ProviderID]llm.Executor
	Tools     ToolCatalog
	Metrics   *observe.Metrics
}

// Server holds the HTTP handlers.
type Server struct {
	memories  memory.Store
	searcher  Searcher
	executors map[llm.ProviderID]llm.Executor
	tools     ToolCatalog
	metrics   *observe.Metrics
}

// New returns a Server. A nil Metrics uses [observe.DefaultMetrics].
func New(d Deps) *Server {
	s := &Server{
		memories:  d.Memories,
		searcher:  d.Searcher,
		executors: d.Executors,
		tools:     d.Tools,
		metrics:   d.Metrics,
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	if s.executors == nil {
		s.executors = map[llm.ProviderID]llm.Executor{}
	}
	return s
}

// Routes mounts the /api endpoints on r.
func (s *Server) Routes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Route("/memory", func(r chi.Router) {
			r.Use(s.require(s.memories != nil, "memory store"))
			r.Get("/", s.listMemories)
			r.Post("/", s.addMemory)
			r.Get("/{id}", s.getMemory)
			r.Put("/{id}", s.updateMemory)
			r.Delete("/{id}", s.deleteMemory)
		})
		r.With(s.require(s.searcher != nil, "knowledge search")).
			Post("/knowledge/search", s.searchKnowledge)
		r.Get("/providers", s.listProviders)
		r.Post("/providers/{provider}/execute", s.executeProvider)
		r.With(s.require(s.tools != nil, "tool registry")).
			Get("/tools", s.listTools)
	})
}

// NewRouter assembles the complete handler: request ids, metrics and access
// logs, panic recovery, health probes, /metrics and the API. The result is
// wrapped in an otel server handler.
func NewRouter(s *Server, h *health.Handler, metrics http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(observe.Middleware(s.metrics))
	r.Use(middleware.Recoverer)

	if h != nil {
		h.Register(r)
	}
	if metrics != nil {
		r.Method(http.MethodGet, "/metrics", metrics)
	}
	s.Routes(r)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, apierr.NotFound("route", r.URL.Path))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, http.StatusMethodNotAllowed, envelope{Error: &errorBody{Message: "method not allowed"}})
	})
	return observe.Handler(r, "flowexec")
}

// require answers 503 for every request when ok is false.
func (s *Server) require(ok bool, what string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if ok {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			writeEnvelope(w, http.StatusServiceUnavailable, envelope{Error: &errorBody{Message: what + " is not configured"}})
		})
	}
}

type envelope struct {
	Success bool       `json:"success"`
	Data    any        `json:"data,omitempty"`
	Error   *errorBody `json:"error,omitempty"`
}

type errorBody struct {
	Message string `json:"message"`
}

func writeData(w http.ResponseWriter, status int, data any) {
	writeEnvelope(w, status, envelope{Success: true, Data: data})
}

// writeError maps err to its status. Server-side failures are logged.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := apierr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		observe.Logger(r.Context()).Error("request failed", "path", r.URL.Path, "status", status, "err", err)
	} else {
		observe.Logger(r.Context()).Warn("request rejected", "path", r.URL.Path, "status", status, "err", err)
	}
	writeEnvelope(w, status, envelope{Error: &errorBody{Message: err.Error()}})
}

func writeEnvelope(w http.ResponseWriter, status int, e envelope) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(e)
}

// decodeBody decodes the JSON request body into v. Malformed bodies are
// validation errors.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, io.EOF):
		return apierr.Validation("body", "request body is empty")
	default:
		return apierr.Validation("body", "invalid JSON: %v", err)
	}
}
