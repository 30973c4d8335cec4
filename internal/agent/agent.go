package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/animus-coder/agentstream/internal/config"
	"github.com/animus-coder/agentstream/internal/engine"
	"github.com/animus-coder/agentstream/internal/llm"
	"github.com/animus-coder/agentstream/internal/observability"
	"github.com/animus-coder/agentstream/internal/rpc"
	"github.com/animus-coder/agentstream/internal/semantic"
	"github.com/animus-coder/agentstream/internal/tools"
)

// Options carries the collaborators shared by every session's Agent.
type Options struct {
	Registry *llm.Registry
	Sandbox  *tools.Sandbox
	Config   config.AgentConfig
	Metrics  *observability.Metrics
	Logger   *zap.Logger
}

// Agent is the LLM-backed engine of one session. It keeps the conversation between runs
// and drives the model/tool loop of each run.
type Agent struct {
	sessionID string
	registry  *llm.Registry
	sandbox   *tools.Sandbox
	cfg       config.AgentConfig
	metrics   *observability.Metrics
	logger    *zap.Logger
	layout    string
	ranker    *semantic.Ranker

	mu           sync.Mutex
	history      []llm.ChatMessage
	lastResponse string
	terminated   bool
}

var _ engine.Engine = (*Agent)(nil)
var _ engine.Terminator = (*Agent)(nil)

// New creates the engine for one session.
func New(sessionID string, opts Options) (*Agent, error) {
	if opts.Registry == nil {
		return nil, errors.New("model registry is required")
	}
	if opts.Sandbox == nil {
		return nil, errors.New("sandbox is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Agent{
		sessionID: sessionID,
		registry:  opts.Registry,
		sandbox:   opts.Sandbox,
		cfg:       opts.Config,
		metrics:   opts.Metrics,
		logger:    logger.With(zap.String("session_id", sessionID)),
	}
	if opts.Config.DescribeLayout && opts.Sandbox.FS != nil {
		layout, err := opts.Sandbox.FS.DescribeStructure(".", opts.Config.LayoutMaxDepth, opts.Config.LayoutMaxEntries)
		if err != nil {
			a.logger.Debug("repository layout unavailable", zap.Error(err))
		}
		a.layout = layout
	}
	if opts.Config.RelevantFiles > 0 && opts.Sandbox.FS != nil {
		a.ranker = semantic.NewRanker(opts.Sandbox.FS, 0, 0)
	}
	return a, nil
}

// Run answers one user message. It loops model call → tool calls until the model stops asking
// for tools or the step budget is spent, then reports a response id that resumes this
// conversation.
func (a *Agent) Run(ctx context.Context, req engine.Request, events chan<- engine.Event) error {
	em := engine.NewEmitter(ctx, events)

	history, err := a.begin(req)
	if err != nil {
		return err
	}
	if len(history) == 1 {
		history[0].Content += a.relevantFiles(history[0].Content)
	}
	committed := len(history)
	defer func() { a.commit(history[:committed]) }()

	system := llm.ChatMessage{
		Role:    llm.RoleSystem,
		Content: buildSystemPrompt(req.Instructions, a.sandbox.Schemas(), a.layout),
	}
	specs := a.toolSpecs()
	policy := rpc.ApprovalPolicy(req.ApprovalPolicy)

	maxSteps := a.cfg.MaxSteps
	if maxSteps <= 0 {
		maxSteps = 1
	}
	for step := 1; step <= maxSteps; step++ {
		if err := em.Loading(true); err != nil {
			return err
		}
		resp, err := a.chat(ctx, req, append([]llm.ChatMessage{system}, history...), specs)
		if lerr := em.Loading(false); lerr != nil {
			return lerr
		}
		if err != nil {
			return err
		}

		msg := resp.Message
		msg.Role = llm.RoleAssistant
		for i := range msg.ToolCalls {
			if msg.ToolCalls[i].ID == "" {
				msg.ToolCalls[i].ID = newCallID()
			}
		}
		calls := callsFrom(msg)
		history = append(history, msg)

		if text := strings.TrimSpace(msg.Content); text != "" {
			if err := em.Item(engine.Item{ID: newItemID(), Type: engine.ItemMessage, Role: "assistant", Text: text}); err != nil {
				return err
			}
		}

		if len(calls) == 0 {
			committed = len(history)
			if resp.FinishReason == "length" && !hasDoneMarker(msg.Content) {
				history = append(history, llm.ChatMessage{Role: llm.RoleUser, Content: "Continue."})
				committed = len(history)
				continue
			}
			return a.finish(em)
		}

		for _, call := range calls {
			obs, err := a.execute(ctx, em, policy, call)
			if err != nil {
				return err
			}
			history = append(history, toolResult(call, obs, a.cfg.MaxOutputBytes))
		}
		committed = len(history)
	}

	a.logger.Info("run stopped at step limit", zap.Int("max_steps", maxSteps))
	if err := em.Item(engine.Item{
		ID:   newItemID(),
		Type: engine.ItemMessage,
		Role: "assistant",
		Text: fmt.Sprintf("Stopped after %d steps without finishing. Send another message to continue.", maxSteps),
	}); err != nil {
		return err
	}
	return a.finish(em)
}

// Terminate drops the conversation; the session is gone.
func (a *Agent) Terminate() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.terminated = true
	a.history = nil
	a.lastResponse = ""
}

// begin copies the conversation this run continues and appends the new user message. A
// resume token that does not name the last completed response starts a fresh conversation.
func (a *Agent) begin(req engine.Request) ([]llm.ChatMessage, error) {
	text, images := buildUserInput(req.Input)
	if text == "" && len(images) == 0 {
		return nil, errors.New("user message is empty")
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.terminated {
		return nil, errors.New("session terminated")
	}
	if req.ResumeToken != a.lastResponse {
		a.logger.Info("resume token does not match conversation, starting over",
			zap.String("resume_token", req.ResumeToken), zap.String("last_response", a.lastResponse))
		a.history = nil
	}

	history := make([]llm.ChatMessage, len(a.history), len(a.history)+8)
	copy(history, a.history)
	return append(history, llm.ChatMessage{Role: llm.RoleUser, Content: text, Images: images}), nil
}

// commit stores history, cut at a user message when it grows past the configured size so
// that tool results never lose the call they answer.
func (a *Agent) commit(history []llm.ChatMessage) {
	if limit := a.cfg.MaxHistory; limit > 0 && len(history) > limit {
		for i := len(history) - limit; i < len(history); i++ {
			if history[i].Role == llm.RoleUser {
				history = history[i:]
				break
			}
		}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.terminated {
		a.history = history
	}
}

// relevantFiles suggests files for the first message of a conversation.
func (a *Agent) relevantFiles(text string) string {
	if a.ranker == nil || text == "" {
		return ""
	}
	results, err := a.ranker.Rank(text, a.cfg.RelevantFiles)
	if err != nil || len(results) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("\n\nFiles that may be relevant:")
	for _, r := range results {
		fmt.Fprintf(&b, "\n- %s", r.Path)
		if r.Snippet != "" {
			fmt.Fprintf(&b, " (%s)", r.Snippet)
		}
	}
	return b.String()
}

func (a *Agent) finish(em *engine.Emitter) error {
	id := "resp_" + uuid.NewString()
	if err := em.ResponseID(id); err != nil {
		return err
	}
	a.mu.Lock()
	a.lastResponse = id
	a.mu.Unlock()
	return nil
}

// chat calls the requested model, then each configured fallback in order.
func (a *Agent) chat(ctx context.Context, req engine.Request, messages []llm.ChatMessage, specs []llm.ToolSpec) (llm.ChatResponse, error) {
	candidates := append([]string{req.Model}, a.cfg.FallbackModels...)
	tried := make(map[string]bool, len(candidates))
	var lastErr error

	for i, name := range candidates {
		providerHint := ""
		if i == 0 {
			providerHint = req.Provider
		}
		provider, route, err := a.registry.ResolveFor(providerHint, name)
		if err != nil {
			lastErr = err
			continue
		}
		key := route.Provider + "/" + route.Model
		if tried[key] {
			continue
		}
		tried[key] = true

		resp, err := provider.Chat(ctx, llm.ChatRequest{
			Model:       route.Model,
			Messages:    messages,
			Tools:       specs,
			MaxTokens:   pickMaxTokens(a.cfg.MaxTokens, route.MaxTokens),
			Temperature: pickTemperature(a.cfg.Temperature, route.Temperature),
		})
		if err == nil {
			a.metrics.RecordModelUsage(provider.Name(), route.Name)
			return resp, nil
		}
		if ctx.Err() != nil {
			return llm.ChatResponse{}, context.Cause(ctx)
		}
		a.metrics.RecordModelFailure(provider.Name(), route.Name)
		a.logger.Warn("model call failed", zap.String("provider", provider.Name()), zap.String("model", route.Name), zap.Error(err))
		lastErr = err
	}
	if lastErr == nil {
		lastErr = errors.New("no model available")
	}
	return llm.ChatResponse{}, fmt.Errorf("model call failed: %w", lastErr)
}

// execute runs one tool call, asking for review first when the policy requires it. Tool
// failures are reported to the model; only cancellation ends the run.
func (a *Agent) execute(ctx context.Context, em *engine.Emitter, policy rpc.ApprovalPolicy, call toolCall) (observation, error) {
	if err := em.Item(engine.Item{
		ID:        newItemID(),
		Type:      engine.ItemFunctionCall,
		Name:      call.Name,
		CallID:    call.ID,
		Arguments: string(call.Args),
	}); err != nil {
		return observation{}, err
	}

	obs, err := a.runTool(ctx, em, policy, call)
	if err != nil {
		return observation{}, err
	}
	obs.Output = truncateForPrompt(obs.Output, a.cfg.MaxOutputBytes)

	if err := em.Item(engine.Item{
		ID:       newItemID(),
		Type:     engine.ItemFunctionCallOutput,
		CallID:   call.ID,
		Output:   obs.Output,
		ExitCode: obs.ExitCode,
	}); err != nil {
		return observation{}, err
	}
	return obs, nil
}

func (a *Agent) runTool(ctx context.Context, em *engine.Emitter, policy rpc.ApprovalPolicy, call toolCall) (observation, error) {
	var args map[string]interface{}
	if err := json.Unmarshal(call.Args, &args); err != nil {
		return observation{Output: "error: arguments must be a JSON object"}, nil
	}
	if err := tools.ValidateCall(a.sandbox, call.Name, args); err != nil {
		return observation{Output: "error: " + err.Error()}, nil
	}

	if needsApproval(policy, kindOf(call.Name)) {
		command, patch := describeForReview(call.Name, args)
		review, err := em.Confirm(command, patch, fmt.Sprintf("the agent wants to run %s", call.Name))
		if err != nil {
			return observation{}, err
		}
		if review.Verdict != engine.Approved {
			out := "rejected by user"
			if review.Explanation != "" {
				out += ": " + review.Explanation
			}
			return observation{Output: out}, nil
		}
	}

	switch call.Name {
	case tools.ToolShell:
		res, err := a.sandbox.Terminal.Exec(ctx, stringSlice(args["command"]))
		if err != nil && ctx.Err() != nil {
			return observation{}, context.Cause(ctx)
		}
		code := res.ExitCode
		if err != nil {
			return observation{Output: "error: " + err.Error(), ExitCode: &code}, nil
		}
		return observation{Output: res.Combined(), ExitCode: &code}, nil
	case tools.ToolApplyPatch:
		patch, _ := args["patch"].(string)
		if _, err := a.sandbox.Git.ApplyPatch(ctx, patch, false); err != nil {
			if ctx.Err() != nil {
				return observation{}, context.Cause(ctx)
			}
			return observation{Output: "error: " + err.Error()}, nil
		}
		status, _ := a.sandbox.Git.Status(ctx)
		return observation{Output: "patch applied\n" + status}, nil
	case tools.ToolReadFile:
		path, _ := args["path"].(string)
		content, truncated, err := a.sandbox.FS.ReadFile(path)
		if err != nil {
			return observation{Output: "error: " + err.Error()}, nil
		}
		if truncated {
			content += "\n... [file truncated]"
		}
		return observation{Output: content}, nil
	case tools.ToolSearch:
		pattern, _ := args["pattern"].(string)
		root, _ := args["path"].(string)
		limit, _ := args["limit"].(float64)
		results, err := a.sandbox.FS.Search(root, pattern, int(limit))
		if err != nil {
			return observation{Output: "error: " + err.Error()}, nil
		}
		if len(results) == 0 {
			return observation{Output: "no matches"}, nil
		}
		var b strings.Builder
		for _, r := range results {
			fmt.Fprintf(&b, "%s:%d: %s\n", r.Path, r.Line, r.Snippet)
		}
		return observation{Output: b.String()}, nil
	default:
		return observation{Output: fmt.Sprintf("error: unknown tool %q", call.Name)}, nil
	}
}

func (a *Agent) toolSpecs() []llm.ToolSpec {
	schemas := a.sandbox.Schemas()
	out := make([]llm.ToolSpec, 0, len(schemas))
	for _, s := range schemas {
		out = append(out, llm.ToolSpec{Name: s.Name, Description: s.Description, Parameters: s.JSONSchema()})
	}
	return out
}

// callsFrom prefers native tool calls and falls back to JSON written into the text.
func callsFrom(msg llm.ChatMessage) []toolCall {
	if len(msg.ToolCalls) > 0 {
		calls := make([]toolCall, 0, len(msg.ToolCalls))
		for _, tc := range msg.ToolCalls {
			args := tc.Function.Arguments
			if len(args) == 0 {
				args = json.RawMessage("{}")
			}
			calls = append(calls, toolCall{ID: tc.ID, Name: tc.Function.Name, Args: args, native: true})
		}
		return calls
	}
	calls := extractToolCalls(msg.Content)
	for i := range calls {
		calls[i].ID = newCallID()
	}
	return calls
}

func toolResult(call toolCall, obs observation, limit int) llm.ChatMessage {
	content := truncateForPrompt(obs.forModel(), limit)
	if call.native {
		return llm.ChatMessage{Role: llm.RoleTool, ToolCallID: call.ID, Name: call.Name, Content: content}
	}
	return llm.ChatMessage{Role: llm.RoleUser, Content: fmt.Sprintf("Result of %s:\n%s", call.Name, content)}
}

func describeForReview(name string, args map[string]interface{}) ([]string, string) {
	switch name {
	case tools.ToolShell:
		return stringSlice(args["command"]), ""
	case tools.ToolApplyPatch:
		patch, _ := args["patch"].(string)
		return []string{tools.ToolApplyPatch}, patch
	default:
		return []string{name}, ""
	}
}

func stringSlice(v interface{}) []string {
	raw, _ := v.([]interface{})
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func newItemID() string {
	return "item_" + uuid.NewString()
}

func newCallID() string {
	return "call_" + uuid.NewString()
}

func pickTemperature(agentTemp float64, routeTemp float64) float64 {
	if routeTemp > 0 {
		return routeTemp
	}
	if agentTemp > 0 {
		return agentTemp
	}
	return 0.2
}

func pickMaxTokens(agentMax int, routeMax int) int {
	if routeMax > 0 {
		return routeMax
	}
	if agentMax > 0 {
		return agentMax
	}
	return 0
}
