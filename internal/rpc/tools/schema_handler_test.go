package tools

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/animus-coder/agentstream/internal/config"
	"github.com/animus-coder/agentstream/internal/tools"
)

func TestSchemaHandler(t *testing.T) {
	sb, err := tools.NewSandbox(t.TempDir(),
		config.SandboxConfig{Enabled: true},
		config.ToolsConfig{AllowExec: true, AllowFileRead: true},
		1024,
	)
	if err != nil {
		t.Fatalf("sandbox: %v", err)
	}
	h := SchemaHandler{Sandbox: sb}
	req := httptest.NewRequest(http.MethodGet, "/tools/schemas", nil)
	rr := httptest.NewRecorder()

	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var got []schemaView
	if err := json.Unmarshal(rr.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	names := map[string]bool{}
	for _, s := range got {
		names[s.Name] = true
		if s.Parameters["type"] != "object" {
			t.Fatalf("schema %s is not an object schema: %v", s.Name, s.Parameters)
		}
	}
	for _, want := range []string{tools.ToolShell, tools.ToolReadFile, tools.ToolSearch} {
		if !names[want] {
			t.Fatalf("missing tool %s in %v", want, names)
		}
	}
	if names[tools.ToolApplyPatch] {
		t.Fatalf("apply_patch offered although git is disabled")
	}
}

func TestSchemaHandlerRejectsPost(t *testing.T) {
	rr := httptest.NewRecorder()
	SchemaHandler{}.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/tools/schemas", nil))
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rr.Code)
	}
}
