package tools

// Tool names offered to the model.
const (
	ToolShell      = "shell"
	ToolApplyPatch = "apply_patch"
	ToolReadFile   = "read_file"
	ToolSearch     = "search"
)

// Schema describes a tool for JSON schema/tool-calling.
type Schema struct {
	Name        string        `json:"name"`
	Description string        `json:"description"`
	Parameters  []SchemaField `json:"parameters"`
}

// SchemaField describes a single parameter.
type SchemaField struct {
	Name        string   `json:"name"`
	Type        string   `json:"type"`
	Description string   `json:"description"`
	Required    bool     `json:"required"`
	Enum        []string `json:"enum,omitempty"`
}

// JSONSchema renders the parameters as a JSON Schema object for function-calling APIs.
func (s Schema) JSONSchema() map[string]any {
	props := make(map[string]any, len(s.Parameters))
	required := make([]string, 0, len(s.Parameters))
	for _, f := range s.Parameters {
		prop := map[string]any{"type": f.Type}
		if f.Description != "" {
			prop["description"] = f.Description
		}
		if f.Type == "array" {
			prop["items"] = map[string]any{"type": "string"}
		}
		if len(f.Enum) > 0 {
			prop["enum"] = f.Enum
		}
		props[f.Name] = prop
		if f.Required {
			required = append(required, f.Name)
		}
	}
	return map[string]any{
		"type":       "object",
		"properties": props,
		"required":   required,
	}
}

// Schemas lists the tools this sandbox can serve. Disabled tools are left out so the model
// is never offered something that would be refused.
func (s *Sandbox) Schemas() []Schema {
	var out []Schema
	if s.Terminal != nil && s.Terminal.AllowExecution {
		out = append(out, Schema{
			Name:        ToolShell,
			Description: "Run a command in the repository root. Output is truncated when long.",
			Parameters: []SchemaField{
				{Name: "command", Type: "array", Description: "argv, e.g. [\"go\", \"test\", \"./...\"]", Required: true},
			},
		})
	}
	if s.Git != nil && s.Git.AllowExec {
		out = append(out, Schema{
			Name:        ToolApplyPatch,
			Description: "Apply a unified diff (git apply format) to the repository",
			Parameters: []SchemaField{
				{Name: "patch", Type: "string", Description: "Unified diff with a/ and b/ prefixes", Required: true},
			},
		})
	}
	if s.FS != nil && s.FS.allowRead {
		out = append(out,
			Schema{
				Name:        ToolReadFile,
				Description: "Read a file relative to the repository root",
				Parameters: []SchemaField{
					{Name: "path", Type: "string", Description: "Relative file path", Required: true},
				},
			},
			Schema{
				Name:        ToolSearch,
				Description: "Find lines containing a literal pattern",
				Parameters: []SchemaField{
					{Name: "pattern", Type: "string", Required: true},
					{Name: "path", Type: "string", Description: "Directory to search, default repository root"},
					{Name: "limit", Type: "integer", Description: "Maximum matches, default 20"},
				},
			},
		)
	}
	return out
}

// Schema returns the schema for a given tool name if the sandbox serves it.
func (s *Sandbox) Schema(name string) (Schema, bool) {
	for _, sc := range s.Schemas() {
		if sc.Name == name {
			return sc, true
		}
	}
	return Schema{}, false
}
