package api

import (
	"net/http"

	"github.com/vizier-ai/vizier/internal/catalog"
)

// ToolsHandler serves the chart tool registry.
type ToolsHandler struct {
	catalog *catalog.Catalog
}

// NewToolsHandler creates a tools handler.
func NewToolsHandler(c *catalog.Catalog) *ToolsHandler {
	return &ToolsHandler{catalog: c}
}

// RegisterRoutes registers tool routes on the given mux.
func (h *ToolsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/tools", h.list)
}

// toolView is the wire shape of a tool; example datasets are omitted to keep
// the listing small.
type toolView struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	Engine         string         `json:"engine"`
	Description    string         `json:"description"`
	RequiredParams []string       `json:"requiredParams,omitempty"`
	Defaults       map[string]any `json:"defaults,omitempty"`
	HasExample     bool           `json:"hasExample"`
}

func (h *ToolsHandler) list(w http.ResponseWriter, _ *http.Request) {
	tools := h.catalog.Tools()
	views := make([]toolView, 0, len(tools))
	for _, t := range tools {
		views = append(views, toolView{
			ID:             t.ID,
			Name:           t.Name,
			Engine:         t.Engine,
			Description:    t.Description,
			RequiredParams: t.RequiredParams,
			Defaults:       t.Defaults,
			HasExample:     t.Example != nil,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"tools": views, "total": len(views)})
}
