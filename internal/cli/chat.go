package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/animus-coder/agentstream/internal/rpc"
	agentrpc "github.com/animus-coder/agentstream/internal/rpc/agent"
	"github.com/animus-coder/agentstream/internal/rpc/transport"
)

type chatOptions struct {
	addr        string
	path        string
	transport   string
	framing     string
	sessionID   string
	model       string
	policy      string
	autoApprove bool
}

// NewChatCmd opens a stream to the daemon. With a message argument it sends that message
// and leaves once the run completes; otherwise every stdin line is a message.
func NewChatCmd(opts *Options) *cobra.Command {
	co := &chatOptions{}

	cmd := &cobra.Command{
		Use:   "chat [message]",
		Short: "Chat with the agent over a live stream",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if co.addr == "" || co.framing == "" {
				cfg, err := loadConfig(opts)
				if err != nil {
					return err
				}
				if co.addr == "" {
					co.addr = cfg.Server.Addr
				}
				if co.framing == "" {
					co.framing = cfg.Server.Framing
				}
				if co.path == "" {
					co.path = cfg.Server.StreamPath
				}
			}
			if co.path == "" {
				co.path = agentrpc.DefaultStreamPath
			}
			if co.sessionID == "" {
				co.sessionID = "cli-" + uuid.NewString()
			}
			if co.policy != "" && !rpc.ApprovalPolicy(co.policy).Valid() {
				return fmt.Errorf("unknown approval policy %q", co.policy)
			}

			message := ""
			if len(args) == 1 {
				message = strings.TrimSpace(args[0])
				if message == "" {
					return fmt.Errorf("message cannot be empty")
				}
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			stream, err := co.dial(ctx)
			if err != nil {
				return fmt.Errorf("connect to daemon: %w", err)
			}
			defer stream.Close() //nolint:errcheck // best-effort

			s := &chatSession{
				opts:   co,
				stream: stream,
				out:    cmd.OutOrStdout(),
				once:   message != "",
			}
			return s.run(message, cmd.InOrStdin())
		},
	}

	cmd.Flags().StringVar(&co.addr, "addr", "", "Daemon address (default: server.addr from config)")
	cmd.Flags().StringVar(&co.path, "path", "", "Stream endpoint path (default: server.stream_path)")
	cmd.Flags().StringVar(&co.transport, "transport", "http", "Transport: http or connect")
	cmd.Flags().StringVar(&co.framing, "framing", "", "HTTP framing: delimited or length-prefixed (default: server.framing)")
	cmd.Flags().StringVar(&co.sessionID, "session", "", "Session id (default: random)")
	cmd.Flags().StringVar(&co.model, "model", "", "Model override for this session")
	cmd.Flags().StringVar(&co.policy, "policy", "", "Approval policy override: suggest, auto-edit or full-auto")
	cmd.Flags().BoolVarP(&co.autoApprove, "yes", "y", false, "Approve every command and patch without asking")
	return cmd
}

func (co *chatOptions) dial(ctx context.Context) (clientStream, error) {
	base := daemonURL(co.addr)
	switch strings.ToLower(co.transport) {
	case "connect":
		return dialConnect(ctx, base)
	case "", "http":
		framing, err := transport.ParseFraming(co.framing)
		if err != nil {
			return nil, err
		}
		return dialHTTP(ctx, base+co.path, framing)
	default:
		return nil, fmt.Errorf("unknown transport %q", co.transport)
	}
}

type chatSession struct {
	opts   *chatOptions
	stream clientStream
	out    io.Writer
	// once closes the stream after the first completed run.
	once bool

	pending *rpc.Frame
	busy    bool
	eof     bool
	closed  bool
	// backlog holds lines typed while a run was active and nothing was asked.
	backlog []string
}

type frameResult struct {
	frame rpc.Frame
	err   error
}

func (s *chatSession) run(message string, in io.Reader) error {
	done := make(chan struct{})
	defer close(done)

	frames := make(chan frameResult)
	go func() {
		for {
			f, err := s.stream.Receive()
			select {
			case frames <- frameResult{frame: f, err: err}:
			case <-done:
				return
			}
			if err != nil {
				return
			}
		}
	}()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-done:
				return
			}
		}
	}()

	if message != "" {
		if err := s.sendMessage(message); err != nil {
			return err
		}
	} else {
		fmt.Fprint(s.out, "> ")
	}

	for {
		select {
		case r := <-frames:
			if r.err != nil {
				if errors.Is(r.err, io.EOF) {
					return errors.New("stream ended without terminate")
				}
				return r.err
			}
			over, err := s.handle(r.frame)
			if err != nil || over {
				return err
			}
		case line, ok := <-lines:
			if !ok {
				lines = nil
				s.eof = true
				if s.pending != nil && len(s.backlog) == 0 {
					if err := s.answer(false, "no input"); err != nil {
						return err
					}
				}
				if !s.busy && !s.once {
					s.closeSend()
				}
				continue
			}
			if err := s.input(line); err != nil {
				return err
			}
		}
	}
}

// handle renders f and reports whether the conversation is over.
func (s *chatSession) handle(f rpc.Frame) (bool, error) {
	switch f.Type {
	case rpc.TypeTerminate:
		fmt.Fprintf(s.out, "[session ended: %s]\n", f.Reason)
		return true, nil
	case rpc.TypeCommandPrompt:
		renderPrompt(s.out, f)
		s.pending = &f
		if s.opts.autoApprove {
			fmt.Fprintln(s.out, "approved (--yes)")
			return false, s.answer(true, "")
		}
		fmt.Fprint(s.out, "Allow? [y/N] ")
		if len(s.backlog) > 0 {
			return false, s.input(s.popBacklog())
		}
		if s.eof {
			return false, s.answer(false, "no input")
		}
	case rpc.TypeStatus:
		fmt.Fprintf(s.out, "[%s]\n", f.Message)
		if f.Message == agentrpc.StatusCompleted || f.Message == agentrpc.StatusCancelled {
			s.busy = false
			return false, s.idle()
		}
	case rpc.TypeError:
		fmt.Fprintf(s.out, "[error %s] %s\n", f.Code, f.Message)
	case rpc.TypeItem:
		renderItem(s.out, f.Item)
	}
	return false, nil
}

// idle runs once no run is active: queued lines go out, otherwise the stream closes when
// there is nothing left to send.
func (s *chatSession) idle() error {
	for !s.busy && len(s.backlog) > 0 {
		if err := s.input(s.popBacklog()); err != nil {
			return err
		}
	}
	switch {
	case s.busy:
	case s.once || s.eof:
		s.closeSend()
	case !s.closed:
		fmt.Fprint(s.out, "> ")
	}
	return nil
}

func (s *chatSession) popBacklog() string {
	line := s.backlog[0]
	s.backlog = s.backlog[1:]
	return line
}

func (s *chatSession) input(line string) error {
	line = strings.TrimSpace(line)
	if line == "/cancel" {
		return s.stream.Send(rpc.Frame{Type: rpc.TypeCancel, SessionID: s.opts.sessionID})
	}
	if s.pending == nil && s.busy {
		s.backlog = append(s.backlog, line)
		return nil
	}
	if s.pending != nil {
		switch strings.ToLower(line) {
		case "y", "yes":
			return s.answer(true, "")
		case "", "n", "no":
			return s.answer(false, "")
		default:
			return s.answer(false, line)
		}
	}
	switch line {
	case "":
		return nil
	case "/quit", "/exit":
		s.closeSend()
		return nil
	}
	return s.sendMessage(line)
}

func (s *chatSession) sendMessage(text string) error {
	f := rpc.Frame{Type: rpc.TypeUserMessage, SessionID: s.opts.sessionID, Content: text}
	if s.opts.model != "" || s.opts.policy != "" {
		f.Config = &rpc.RunConfig{Model: s.opts.model, ApprovalPolicy: rpc.ApprovalPolicy(s.opts.policy)}
	}
	s.busy = true
	return s.stream.Send(f)
}

func (s *chatSession) answer(allow bool, explanation string) error {
	decision := rpc.DecisionDeny
	if allow {
		decision = rpc.DecisionAllow
	}
	f := rpc.Frame{
		Type:        rpc.TypeApprove,
		SessionID:   s.opts.sessionID,
		CommandID:   s.pending.CommandID,
		Decision:    decision,
		Explanation: explanation,
	}
	s.pending = nil
	return s.stream.Send(f)
}

func (s *chatSession) closeSend() {
	if s.closed {
		return
	}
	s.closed = true
	_ = s.stream.CloseSend()
}

// item is the subset of engine item fields the CLI shows.
type item struct {
	Type      string `json:"type"`
	Role      string `json:"role"`
	Text      string `json:"text"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
	Output    string `json:"output"`
	ExitCode  *int   `json:"exitCode"`
}

func renderItem(out io.Writer, raw json.RawMessage) {
	var it item
	if err := json.Unmarshal(raw, &it); err != nil {
		fmt.Fprintln(out, string(raw))
		return
	}
	switch it.Type {
	case "message":
		fmt.Fprintln(out, it.Text)
	case "function_call":
		fmt.Fprintf(out, "[call %s] %s\n", it.Name, it.Arguments)
	case "function_call_output":
		if it.ExitCode != nil {
			fmt.Fprintf(out, "[output exit=%d]\n%s\n", *it.ExitCode, strings.TrimRight(it.Output, "\n"))
			return
		}
		fmt.Fprintf(out, "[output]\n%s\n", strings.TrimRight(it.Output, "\n"))
	default:
		fmt.Fprintln(out, string(raw))
	}
}

func renderPrompt(out io.Writer, f rpc.Frame) {
	if f.Patch != "" {
		fmt.Fprintf(out, "The agent wants to apply a patch:\n%s\n", f.Patch)
		return
	}
	fmt.Fprintf(out, "The agent wants to run: %s\n", strings.Join(f.Command, " "))
}
