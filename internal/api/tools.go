package api

import (
	"net/http"

	"github.com/MrWong99/flowexec/internal/mcp"
	"github.com/MrWong99/flowexec/pkg/types"
)

type toolsResponse struct {
	Tools  []types.ToolDefinition `json:"tools"`
	Health []mcp.ToolHealth       `json:"health"`
}

func (s *Server) listTools(w http.ResponseWriter, _ *http.Request) {
	writeData(w, http.StatusOK, toolsResponse{Tools: s.tools.Tools(), Health: s.tools.Health()})
}
