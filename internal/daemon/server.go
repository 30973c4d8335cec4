package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/animus-coder/agentstream/internal/agent"
	"github.com/animus-coder/agentstream/internal/approval"
	"github.com/animus-coder/agentstream/internal/config"
	"github.com/animus-coder/agentstream/internal/engine"
	"github.com/animus-coder/agentstream/internal/engine/scripted"
	"github.com/animus-coder/agentstream/internal/llm"
	"github.com/animus-coder/agentstream/internal/llm/configbuilder"
	"github.com/animus-coder/agentstream/internal/observability"
	"github.com/animus-coder/agentstream/internal/rpc"
	agentrpc "github.com/animus-coder/agentstream/internal/rpc/agent"
	toolrpc "github.com/animus-coder/agentstream/internal/rpc/tools"
	"github.com/animus-coder/agentstream/internal/session"
	"github.com/animus-coder/agentstream/internal/sink"
	"github.com/animus-coder/agentstream/internal/tools"
	"github.com/animus-coder/agentstream/internal/workspace"
)

const prepareTimeout = time.Minute

// Server hosts the agent stream endpoints plus health and metrics.
type Server struct {
	cfg       *config.Config
	logger    *zap.Logger
	metrics   *observability.Metrics
	sessions  *session.Registry
	queue     *approval.Queue
	workspace *workspace.Workspace
	sandbox   *tools.Sandbox
	models    *llm.Registry
	sink      *sink.Webhook
	stream    *agentrpc.StreamHandler
}

// NewServer clones the workspace and wires every component. It fails when the repository
// cannot be cloned or the model configuration cannot be built.
func NewServer(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		cfg:     cfg,
		logger:  logger,
		metrics: observability.NewMetrics(),
	}

	s.queue = approval.NewQueue(logger,
		approval.WithTimeout(cfg.Session.ConfirmTimeout),
		approval.WithObserver(s.metrics),
	)
	s.sessions = session.NewRegistry(logger,
		session.WithTTL(cfg.Session.TTL),
		session.WithObserver(s.metrics),
		session.WithOnDestroy(s.sessionDestroyed),
	)

	s.workspace = workspace.New(cfg.Workspace, logger)
	dir, err := s.workspace.Clone(ctx, cfg.Workspace.RepoURL)
	if err != nil {
		return nil, fmt.Errorf("prepare workspace: %w", err)
	}

	s.sandbox, err = s.newSandbox(dir)
	if err != nil {
		return nil, err
	}

	if cfg.Engine.Kind != config.EngineEcho {
		s.models, err = configbuilder.BuildRegistryFromConfig(cfg)
		if err != nil {
			return nil, fmt.Errorf("build model registry: %w", err)
		}
	}

	s.sink = sink.NewWebhook(cfg.Callback, s.metrics, logger)

	opts := agentrpc.HandlerOptions{
		Path:      cfg.Server.StreamPath,
		Registry:  s.sessions,
		Queue:     s.queue,
		NewEngine: s.newEngine,
		Defaults: session.Config{
			Model:          cfg.DefaultModel(),
			Instructions:   cfg.Agent.Instructions,
			ApprovalPolicy: rpc.ApprovalPolicy(cfg.Agent.ApprovalPolicy),
		},
		HeartbeatInterval: cfg.Server.HeartbeatInterval,
		CleanupWait:       cfg.Session.CleanupWait,
		Finalizer:         s.workspace,
		Metrics:           s.metrics,
		Logger:            logger,
	}
	if s.sink != nil {
		opts.Observer = s.sink
	}
	s.stream = agentrpc.NewStreamHandler(opts)

	logger.Info("daemon ready",
		zap.String("workspace", dir),
		zap.String("engine", cfg.Engine.Kind),
		zap.Int("tools", len(s.sandbox.Schemas())),
	)
	return s, nil
}

func (s *Server) newSandbox(dir string) (*tools.Sandbox, error) {
	sb, err := tools.NewSandbox(dir, s.cfg.Sandbox, s.cfg.Tools, s.cfg.Agent.MaxOutputBytes)
	if err != nil {
		return nil, fmt.Errorf("build sandbox: %w", err)
	}
	if s.cfg.Workspace.Token != "" {
		sb.Git.Secrets = []string{s.cfg.Workspace.Token}
	}
	return sb, nil
}

// newEngine builds the engine behind a new session, working in the session's own tree.
func (s *Server) newEngine(sessionID string, _ session.Config) (engine.Engine, error) {
	if s.cfg.Engine.Kind == config.EngineEcho {
		return scripted.Echo(), nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), prepareTimeout)
	defer cancel()
	dir, err := s.workspace.Prepare(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	sb, err := s.newSandbox(dir)
	if err == nil {
		var a *agent.Agent
		a, err = agent.New(sessionID, agent.Options{
			Registry: s.models,
			Sandbox:  sb,
			Config:   s.cfg.Agent,
			Metrics:  s.metrics,
			Logger:   s.logger,
		})
		if err == nil {
			return a, nil
		}
	}
	if rerr := s.workspace.Release(ctx, sessionID); rerr != nil {
		s.logger.Warn("release work tree", zap.String("session_id", sessionID), zap.Error(rerr))
	}
	return nil, err
}

// sessionDestroyed drops what a session held outside the registry.
func (s *Server) sessionDestroyed(sess *session.Session) {
	s.queue.ClearPrefix(approval.SessionPrefix(sess.ID), "session destroyed")

	ctx, cancel := context.WithTimeout(context.Background(), prepareTimeout)
	defer cancel()
	if err := s.workspace.Release(ctx, sess.ID); err != nil {
		s.logger.Warn("release work tree", zap.String("session_id", sess.ID), zap.Error(err))
	}
}

// Handler is the complete HTTP surface, h2c enabled so streams can run full duplex over
// cleartext HTTP/2.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.healthHandler)
	mux.HandleFunc("/metrics", s.metricsHandler)
	mux.Handle("/tools/schemas", toolrpc.SchemaHandler{Sandbox: s.sandbox})
	mux.Handle(s.stream.Path(), s.stream)
	if s.cfg.Server.ConnectEnabled {
		path, handler := agentrpc.NewConnectHandler(s.stream)
		mux.Handle(path, handler)
	}
	return h2c.NewHandler(mux, &http2.Server{})
}

// Run serves until ctx is cancelled, then ends open streams and shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	// Streams live as long as their request, so they get a context cancelled at shutdown.
	streamCtx, stopStreams := context.WithCancel(context.WithoutCancel(ctx))
	defer stopStreams()

	bg, stopBackground := context.WithCancel(ctx)
	defer stopBackground()
	go s.sessions.Run(bg)
	go s.sink.Run(bg)

	server := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return streamCtx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting agentstream daemon", zap.String("addr", ln.Addr().String()))
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down agentstream daemon")
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	}

	timeout := s.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	stopStreams()
	err := server.Shutdown(shutdownCtx)
	s.sessions.Close()
	if err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	return nil
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = fmt.Fprintf(w, `{"status":"ok","sessions":%d}`, s.sessions.Len())
}

func (s *Server) metricsHandler(w http.ResponseWriter, r *http.Request) {
	if !s.cfg.Server.MetricsEnabled {
		http.NotFound(w, r)
		return
	}

	promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{}).ServeHTTP(w, r)
}
