package agent

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/animus-coder/agentstream/internal/engine"
	"github.com/animus-coder/agentstream/internal/tools"
)

const basePrompt = `You are a coding agent working inside a git repository. Make the smallest change that
solves the task, check your work with the available tools, and explain briefly what you did.
Edit files only through apply_patch with unified diffs. A user may reject any command or patch;
when that happens, do not retry the same action, adapt instead.`

// buildSystemPrompt combines the fixed role, the operator instructions, the tool catalogue and
// an outline of the repository.
func buildSystemPrompt(instructions string, schemas []tools.Schema, layout string) string {
	var b strings.Builder
	b.WriteString(basePrompt)

	if s := strings.TrimSpace(instructions); s != "" {
		b.WriteString("\n\nInstructions:\n")
		b.WriteString(s)
	}

	if len(schemas) > 0 {
		b.WriteString("\n\nTools:\n")
		for _, s := range schemas {
			fmt.Fprintf(&b, "- %s: %s", s.Name, s.Description)
			if len(s.Parameters) > 0 {
				names := make([]string, 0, len(s.Parameters))
				for _, p := range s.Parameters {
					names = append(names, p.Name)
				}
				fmt.Fprintf(&b, " (args: %s)", strings.Join(names, ", "))
			}
			b.WriteString("\n")
		}
		b.WriteString("If function calling is unavailable, request a tool with a fenced block:\n")
		b.WriteString("```json\n{\"name\": \"shell\", \"args\": {\"command\": [\"ls\"]}}\n```\n")
		b.WriteString("Reply without any tool call once the task is complete.")
	}

	if s := strings.TrimSpace(layout); s != "" {
		b.WriteString("\n\nRepository layout:\n")
		b.WriteString(s)
	}
	return b.String()
}

// buildUserInput flattens the input items of one user message.
func buildUserInput(items []engine.InputItem) (string, []string) {
	var texts, images []string
	for _, it := range items {
		if t := strings.TrimSpace(it.Text); t != "" {
			texts = append(texts, t)
		}
		images = append(images, it.Images...)
	}
	return strings.Join(texts, "\n\n"), images
}

// extractToolCalls reads tool calls written as JSON into message text, either a single object
// or an array, optionally inside a fenced code block.
func extractToolCalls(content string) []toolCall {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}
	if start := strings.Index(content, "```"); start != -1 {
		body := content[start+3:]
		body = strings.TrimPrefix(body, "json")
		if end := strings.Index(body, "```"); end != -1 {
			content = strings.TrimSpace(body[:end])
		}
	}

	var parsed []textToolCall
	if strings.HasPrefix(content, "[") {
		if err := json.Unmarshal([]byte(content), &parsed); err != nil {
			return nil
		}
	} else {
		var single textToolCall
		if err := json.Unmarshal([]byte(content), &single); err != nil {
			return nil
		}
		parsed = []textToolCall{single}
	}

	calls := make([]toolCall, 0, len(parsed))
	for _, p := range parsed {
		if p.Name == "" {
			continue
		}
		args := p.Args
		if len(args) == 0 {
			args = json.RawMessage("{}")
		}
		calls = append(calls, toolCall{Name: p.Name, Args: args})
	}
	return calls
}

// hasDoneMarker reports an explicit completion marker in the text.
func hasDoneMarker(content string) bool {
	lower := strings.ToLower(content)
	return strings.Contains(lower, "[done]") || strings.Contains(lower, "<done>")
}

func truncateForPrompt(text string, limit int) string {
	if limit <= 0 || len(text) <= limit {
		return text
	}
	return text[:limit] + "\n... [truncated]"
}
