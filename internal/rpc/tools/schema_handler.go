package tools

import (
	"encoding/json"
	"net/http"

	"github.com/animus-coder/agentstream/internal/tools"
)

type schemaView struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// SchemaHandler serves the schemas of the tools the sandbox offers to the model.
type SchemaHandler struct {
	Sandbox *tools.Sandbox
}

// ServeHTTP renders schemas.
func (h SchemaHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	views := []schemaView{}
	if h.Sandbox != nil {
		for _, s := range h.Sandbox.Schemas() {
			views = append(views, schemaView{Name: s.Name, Description: s.Description, Parameters: s.JSONSchema()})
		}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(views)
}
