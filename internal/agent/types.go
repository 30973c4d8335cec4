package agent

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/animus-coder/agentstream/internal/rpc"
	"github.com/animus-coder/agentstream/internal/tools"
)

// toolKind groups tools by the review they need before running.
type toolKind int

const (
	kindRead toolKind = iota
	kindEdit
	kindExec
)

func kindOf(name string) toolKind {
	switch name {
	case tools.ToolApplyPatch:
		return kindEdit
	case tools.ToolShell:
		return kindExec
	default:
		return kindRead
	}
}

// needsApproval applies the approval policy: suggest reviews every change and command,
// auto-edit trusts patches, full-auto trusts everything. Reads are never reviewed.
func needsApproval(policy rpc.ApprovalPolicy, kind toolKind) bool {
	if kind == kindRead {
		return false
	}
	switch policy {
	case rpc.PolicyFullAuto:
		return false
	case rpc.PolicyAutoEdit:
		return kind == kindExec
	default:
		return true
	}
}

// toolCall is one tool invocation requested by the model, either through native function
// calling or through a fenced JSON block in the message text.
type toolCall struct {
	ID     string
	Name   string
	Args   json.RawMessage
	native bool
}

// textToolCall is the JSON shape of a tool call written into message text.
type textToolCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

// observation is what a tool call produced.
type observation struct {
	Output   string
	ExitCode *int
}

func (o observation) forModel() string {
	if o.ExitCode == nil {
		return o.Output
	}
	var b strings.Builder
	b.WriteString(o.Output)
	if o.Output != "" && !strings.HasSuffix(o.Output, "\n") {
		b.WriteString("\n")
	}
	b.WriteString("exit code: ")
	b.WriteString(strconv.Itoa(*o.ExitCode))
	return b.String()
}
