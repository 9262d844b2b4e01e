package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/MrWong99/flowexec/internal/observe"
	"github.com/MrWong99/flowexec/pkg/apierr"
	"github.com/MrWong99/flowexec/pkg/memory"
	"github.com/MrWong99/flowexec/pkg/types"
)

type addMemoryRequest struct {
	Key        string          `json:"key"`
	WorkflowID string          `json:"workflowId"`
	Type       memory.Type     `json:"type"`
	Data       json.RawMessage `json:"data"`
}

type updateMemoryRequest struct {
	Data       json.RawMessage `json:"data"`
	WorkflowID string          `json:"workflowId"`
}

type messageResponse struct {
	Message string `json:"message"`
}

func workflowIDParam(r *http.Request) (string, error) {
	id := strings.TrimSpace(r.URL.Query().Get("workflowId"))
	if id == "" {
		return "", apierr.Validation("workflowId", "parameter is required")
	}
	return id, nil
}

func (s *Server) listMemories(w http.ResponseWriter, r *http.Request) {
	workflowID, err := workflowIDParam(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	list, err := s.memories.List(r.Context(), workflowID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, list)
}

func (s *Server) addMemory(w http.ResponseWriter, r *http.Request) {
	var req addMemoryRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	m, err := s.memories.Add(r.Context(), memory.Memory{
		Key:        req.Key,
		WorkflowID: req.WorkflowID,
		Type:       req.Type,
		Data:       req.Data,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	observe.Logger(r.Context()).Info("memory added", "workflow_id", m.WorkflowID, "key", m.Key, "type", m.Type)
	writeData(w, http.StatusOK, m)
}

func (s *Server) getMemory(w http.ResponseWriter, r *http.Request) {
	workflowID, err := workflowIDParam(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	m, err := s.memories.Get(r.Context(), workflowID, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, m)
}

func (s *Server) deleteMemory(w http.ResponseWriter, r *http.Request) {
	workflowID, err := workflowIDParam(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	key := chi.URLParam(r, "id")
	if err := s.memories.Delete(r.Context(), workflowID, key); err != nil {
		writeError(w, r, err)
		return
	}
	observe.Logger(r.Context()).Info("memory deleted", "workflow_id", workflowID, "key", key)
	writeData(w, http.StatusOK, messageResponse{Message: "Memory deleted successfully"})
}

// updateMemory replaces the data of an existing memory. Agent memories
// accept exactly one message with a user, assistant or system role.
func (s *Server) updateMemory(w http.ResponseWriter, r *http.Request) {
	var req updateMemoryRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if len(req.Data) == 0 || string(req.Data) == "null" {
		writeError(w, r, apierr.Validation("data", "is required"))
		return
	}
	if strings.TrimSpace(req.WorkflowID) == "" {
		writeError(w, r, apierr.Validation("workflowId", "is required"))
		return
	}

	key := chi.URLParam(r, "id")
	existing, err := s.memories.Get(r.Context(), req.WorkflowID, key)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if existing.Type == memory.TypeAgent {
		if err := validateAgentMessage(req.Data); err != nil {
			writeError(w, r, err)
			return
		}
	}

	m, err := s.memories.Put(r.Context(), memory.Memory{
		Key:        key,
		WorkflowID: req.WorkflowID,
		Type:       existing.Type,
		Data:       req.Data,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	observe.Logger(r.Context()).Info("memory updated", "workflow_id", m.WorkflowID, "key", m.Key)
	writeData(w, http.StatusOK, m)
}

func validateAgentMessage(data json.RawMessage) error {
	var msg memory.Message
	if err := json.Unmarshal(data, &msg); err != nil || msg.Role == "" || msg.Content == "" {
		return apierr.Validation("data", "agent memory requires role and content")
	}
	switch msg.Role {
	case types.RoleUser, types.RoleAssistant, types.RoleSystem:
		return nil
	default:
		return apierr.Validation("data", "agent role must be user, assistant or system")
	}
}
