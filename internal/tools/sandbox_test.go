package tools

import (
	"testing"
	"time"

	"github.com/animus-coder/agentstream/internal/config"
)

func TestSandboxRespectsAllowExec(t *testing.T) {
	sb, err := NewSandbox(t.TempDir(), config.SandboxConfig{
		Enabled:         true,
		AllowWrite:      true,
		AllowedCommands: []string{"echo"},
		TimeoutSeconds:  5,
	}, config.ToolsConfig{
		AllowExec:          true,
		AllowGit:           true,
		AllowFileRead:      true,
		ExecTimeoutSeconds: 2,
	}, 1024)
	if err != nil {
		t.Fatalf("sandbox build: %v", err)
	}
	if sb.Terminal == nil || !sb.Terminal.AllowExecution {
		t.Fatalf("expected terminal exec enabled")
	}
	if sb.Terminal.Timeout != 2*time.Second {
		t.Fatalf("expected the shorter timeout, got %s", sb.Terminal.Timeout)
	}
	if sb.Git.DryRunOnly {
		t.Fatalf("expected writes allowed")
	}
	if len(sb.Schemas()) != 4 {
		t.Fatalf("expected all tools offered, got %+v", sb.Schemas())
	}
}

func TestSandboxDisablesExecWhenConfigFalse(t *testing.T) {
	sb, err := NewSandbox(t.TempDir(), config.SandboxConfig{
		Enabled:        true,
		TimeoutSeconds: 5,
	}, config.ToolsConfig{
		AllowExec:     false,
		AllowFileRead: true,
	}, 0)
	if err != nil {
		t.Fatalf("sandbox build: %v", err)
	}
	if sb.Terminal.AllowExecution {
		t.Fatalf("expected terminal exec disabled")
	}
	if _, ok := sb.Schema(ToolShell); ok {
		t.Fatalf("shell must not be offered when exec is disabled")
	}
	if !sb.Git.DryRunOnly {
		t.Fatalf("expected dry-run only git without write permission")
	}
}

func TestSandboxAddsNetworkDeniesWhenDisabled(t *testing.T) {
	sb, err := NewSandbox(t.TempDir(), config.SandboxConfig{
		Enabled:        true,
		AllowNetwork:   false,
		DeniedCommands: []string{"curl"},
		TimeoutSeconds: 5,
	}, config.ToolsConfig{AllowExec: true}, 0)
	if err != nil {
		t.Fatalf("sandbox build: %v", err)
	}
	count := 0
	for _, d := range sb.Terminal.Denied {
		if d == "curl" {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("expected curl denied exactly once, got %d in %v", count, sb.Terminal.Denied)
	}
}
