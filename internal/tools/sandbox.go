package tools

import (
	"fmt"
	"time"

	"github.com/animus-coder/agentstream/internal/config"
)

// Sandbox bundles the tools an engine may use inside one working tree.
type Sandbox struct {
	FS       *Filesystem
	Terminal *Terminal
	Git      *GitTool
}

var defaultNetworkDenied = []string{
	"curl", "wget", "ping", "nc", "netcat", "telnet", "ssh", "scp", "sftp",
}

// NewSandbox builds filesystem, terminal and git tools rooted at baseDir respecting config flags.
func NewSandbox(baseDir string, sandboxCfg config.SandboxConfig, toolsCfg config.ToolsConfig, maxOutputBytes int) (*Sandbox, error) {
	fsTool, err := NewFilesystem(baseDir, toolsCfg.AllowFileRead, toolsCfg.MaxReadBytes)
	if err != nil {
		return nil, fmt.Errorf("build filesystem tool: %w", err)
	}

	denied := append([]string{}, sandboxCfg.DeniedCommands...)
	if !sandboxCfg.AllowNetwork {
		denied = append(denied, defaultNetworkDenied...)
	}

	timeout := time.Duration(sandboxCfg.TimeoutSeconds) * time.Second
	if exec := time.Duration(toolsCfg.ExecTimeoutSeconds) * time.Second; exec > 0 && (timeout == 0 || exec < timeout) {
		timeout = exec
	}

	term := &Terminal{
		WorkingDir:     fsTool.Root(),
		Allowed:        sandboxCfg.AllowedCommands,
		Denied:         dedupeStrings(denied),
		Timeout:        timeout,
		MaxOutputBytes: maxOutputBytes,
		AllowExecution: toolsCfg.AllowExec && sandboxCfg.Enabled,
	}

	git := &GitTool{
		WorkingDir: fsTool.Root(),
		AllowExec:  toolsCfg.AllowGit && sandboxCfg.Enabled,
		DryRunOnly: !sandboxCfg.AllowWrite,
	}

	return &Sandbox{
		FS:       fsTool,
		Terminal: term,
		Git:      git,
	}, nil
}

func dedupeStrings(values []string) []string {
	seen := make(map[string]struct{})
	out := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
