package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/animus-coder/agentstream/internal/approval"
	"github.com/animus-coder/agentstream/internal/engine"
	"github.com/animus-coder/agentstream/internal/observability"
	"github.com/animus-coder/agentstream/internal/rpc"
	"github.com/animus-coder/agentstream/internal/rpc/transport"
	"github.com/animus-coder/agentstream/internal/session"
)

// DefaultStreamPath is the HTTP endpoint of the frame stream.
const DefaultStreamPath = "/agent/stream"

const finalizeTimeout = 2 * time.Minute

// EngineFactory builds the engine handle owned by a new session.
type EngineFactory func(sessionID string, cfg session.Config) (engine.Engine, error)

// Finalizer runs once a bound stream closes, before the session is destroyed. A non-empty
// result is reported to the client as a status message.
type Finalizer interface {
	Finalize(ctx context.Context, sessionID string) (string, error)
}

// FrameObserver sees every outbound frame except heartbeats.
type FrameObserver interface {
	Observe(f rpc.Frame)
}

// Inbound is the read side of a stream.
type Inbound interface {
	Receive() (rpc.Frame, error)
}

// StreamHandler runs the control loop of every stream connection.
type StreamHandler struct {
	path        string
	registry    *session.Registry
	queue       *approval.Queue
	newEngine   EngineFactory
	defaults    session.Config
	heartbeat   time.Duration
	cleanupWait time.Duration
	finalizer   Finalizer
	observer    FrameObserver
	metrics     *observability.Metrics
	logger      *zap.Logger
}

// HandlerOptions carries the collaborators of a StreamHandler.
type HandlerOptions struct {
	Path              string
	Registry          *session.Registry
	Queue             *approval.Queue
	NewEngine         EngineFactory
	Defaults          session.Config
	HeartbeatInterval time.Duration
	CleanupWait       time.Duration
	Finalizer         Finalizer
	Observer          FrameObserver
	Metrics           *observability.Metrics
	Logger            *zap.Logger
}

// NewStreamHandler builds a handler. Registry, Queue and NewEngine are required.
func NewStreamHandler(opts HandlerOptions) *StreamHandler {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	path := opts.Path
	if path == "" {
		path = DefaultStreamPath
	}
	return &StreamHandler{
		path:        path,
		registry:    opts.Registry,
		queue:       opts.Queue,
		newEngine:   opts.NewEngine,
		defaults:    opts.Defaults,
		heartbeat:   opts.HeartbeatInterval,
		cleanupWait: opts.CleanupWait,
		finalizer:   opts.Finalizer,
		observer:    opts.Observer,
		metrics:     opts.Metrics,
		logger:      logger,
	}
}

// Path is the endpoint ServeHTTP answers on.
func (h *StreamHandler) Path() string { return h.path }

// ServeHTTP accepts a full-duplex POST whose body and response are frame streams in the
// framing named by the request Content-Type.
func (h *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != h.path {
		h.metrics.RecordTransportError("http", "not_found")
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodPost {
		h.metrics.RecordTransportError("http", "method_not_allowed")
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	framing, err := transport.FramingForContentType(r.Header.Get("Content-Type"))
	if err != nil {
		h.metrics.RecordTransportError("http", "unsupported_media_type")
		http.Error(w, err.Error(), http.StatusUnsupportedMediaType)
		return
	}

	rc := http.NewResponseController(w)
	// HTTP/1 needs this to keep reading the body after the response started; HTTP/2 is
	// always full duplex and reports ErrNotSupported.
	_ = rc.EnableFullDuplex()

	w.Header().Set("Content-Type", framing.ContentType())
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_ = rc.Flush()

	out := transport.NewWriter(transport.NewByteSink(w, framing), transport.WithFlusher(rc.Flush))
	go out.Run(r.Context()) //nolint:errcheck // surfaced through Close

	h.Serve(r.Context(), "http", transport.NewReader(r.Body, framing), out)
	if err := out.Close(); err != nil && !errors.Is(err, context.Canceled) {
		h.logger.Debug("stream writer stopped", zap.Error(err))
	}
}

// Serve runs the control loop until the inbound side ends. The caller owns out: it must
// have Run going and closes it after Serve returns. Serve always ends with exactly one
// terminate frame queued on out.
func (h *StreamHandler) Serve(ctx context.Context, transportName string, in Inbound, out *transport.Writer) {
	h.metrics.IncActiveStreams(transportName)
	defer h.metrics.DecActiveStreams(transportName)

	c := &conn{
		h:         h,
		ctx:       ctx,
		transport: transportName,
		out:       &observedSender{out: out, observer: h.observer, metrics: h.metrics},
		logger:    h.logger.With(zap.String("transport", transportName)),
	}
	stopHeartbeat := transport.StartHeartbeat(ctx, h.heartbeat, out)

	reason := "stream closed"
	for {
		f, err := in.Receive()
		if err != nil {
			reason = c.receiveFailed(err)
			break
		}
		if fatal := c.dispatch(f); fatal != "" {
			reason = fatal
			break
		}
	}

	stopHeartbeat()
	c.close(reason)
}

type conn struct {
	h         *StreamHandler
	ctx       context.Context
	transport string
	out       *observedSender
	logger    *zap.Logger

	sess    *session.Session
	wrapper *Wrapper
}

func (c *conn) sessionID() string {
	if c.sess == nil {
		return ""
	}
	return c.sess.ID
}

func (c *conn) sendError(code, message string) {
	if err := c.out.Send(c.ctx, rpc.ErrorFrame(c.sessionID(), code, message)); err != nil {
		c.logger.Debug("error frame not delivered", zap.String("code", code), zap.Error(err))
	}
}

// receiveFailed reports why the inbound side ended and returns the terminate reason.
func (c *conn) receiveFailed(err error) string {
	switch {
	case errors.Is(err, io.EOF):
		return "client closed stream"
	case c.ctx.Err() != nil:
		return "connection closed"
	}

	var malformed *rpc.MalformedFrameError
	if errors.As(err, &malformed) {
		c.h.metrics.RecordTransportError(c.transport, "malformed_frame")
		c.logger.Warn("malformed inbound frame", zap.String("reason", malformed.Reason), zap.ByteString("raw", truncate(malformed.Raw, 512)))
		c.sendError(rpc.CodeMalformedFrame, malformed.Error())
		return "malformed frame"
	}
	c.h.metrics.RecordTransportError(c.transport, "receive")
	c.logger.Warn("inbound stream failed", zap.Error(err))
	c.sendError(rpc.CodeTransportFailure, err.Error())
	return "transport failure"
}

// dispatch handles one inbound frame. A non-empty result ends the stream with that reason.
func (c *conn) dispatch(f rpc.Frame) (fatal string) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("frame handler panicked", zap.String("type", string(f.Type)), zap.Any("panic", r), zap.Stack("stack"))
			c.sendError(rpc.CodeInternal, fmt.Sprintf("internal error handling %s frame", f.Type))
			fatal = ""
		}
	}()

	if c.sess != nil {
		c.sess.Touch()
	}

	var err error
	switch f.Type {
	case rpc.TypeHeartbeat:
		return ""
	case rpc.TypeUserMessage:
		if c.sess == nil {
			if f.SessionID == "" {
				c.sendError(rpc.CodeMissingSession, "the first user_message must carry a sessionId")
				return "missing session id"
			}
			if err := c.bind(f.SessionID); err != nil {
				c.logger.Error("bind session", zap.String("session_id", f.SessionID), zap.Error(err))
				c.sendError(rpc.CodeAgentError, err.Error())
				return ""
			}
		} else if f.SessionID != "" && f.SessionID != c.sess.ID {
			c.mismatch(f)
			return ""
		}
		err = c.wrapper.HandleUserMessage(c.ctx, f)
	case rpc.TypeApprove, rpc.TypeCancel:
		if c.sess == nil {
			c.sendError(rpc.CodeNotInitialized, "session not initialized")
			return ""
		}
		if f.SessionID != c.sess.ID {
			c.mismatch(f)
			return ""
		}
		if f.Type == rpc.TypeApprove {
			err = c.wrapper.HandleApprove(c.ctx, f)
		} else {
			err = c.wrapper.HandleCancel(c.ctx, f)
		}
	default:
		c.sendError(rpc.CodeUnknownFrame, fmt.Sprintf("frame type %q is not accepted from clients", f.Type))
		return ""
	}

	if err != nil {
		c.logger.Warn("frame handling failed", zap.String("type", string(f.Type)), zap.Error(err))
		c.sendError(rpc.CodeInternal, err.Error())
	}
	return ""
}

func (c *conn) mismatch(f rpc.Frame) {
	c.h.metrics.RecordTransportError(c.transport, "session_mismatch")
	c.sendError(rpc.CodeSessionMismatch, fmt.Sprintf("frame for session %q on a stream bound to %q", f.SessionID, c.sess.ID))
}

func (c *conn) bind(id string) error {
	h := c.h
	sess, created, err := h.registry.Attach(id, h.defaults, func() (engine.Engine, error) {
		return h.newEngine(id, h.defaults)
	})
	if err != nil {
		return err
	}
	c.sess = sess
	c.logger = c.logger.With(zap.String("session_id", sess.ID))
	c.wrapper = NewWrapper(WrapperOptions{
		Session:     sess,
		Queue:       h.queue,
		Out:         c.out,
		Defaults:    h.defaults,
		Logger:      h.logger,
		Metrics:     h.metrics,
		CleanupWait: h.cleanupWait,
	})
	c.logger.Info("stream bound to session", zap.Bool("created", created))
	return c.out.Send(c.ctx, rpc.StatusFrame(sess.ID, fmt.Sprintf("session %s initialized", sess.ID)))
}

// close tears the stream down and queues the terminate frame.
func (c *conn) close(reason string) {
	if c.wrapper != nil {
		c.wrapper.Cleanup()
	}
	if c.sess != nil {
		if remaining := c.h.registry.Detach(c.sess); remaining > 0 {
			c.logger.Info("session still bound to other streams", zap.Int("streams", remaining))
		} else {
			c.finalize()
			c.h.registry.DestroyDetached(c.sess)
		}
	}
	c.logger.Info("stream closing", zap.String("reason", reason))
	// Nothing may follow terminate, not even output of a run that outlived Cleanup.
	if err := c.out.SendLast(rpc.TerminateFrame(c.sessionID(), reason)); err != nil {
		c.logger.Debug("terminate frame not delivered", zap.Error(err))
		c.out.out.CloseWrite()
	}
}

func (c *conn) finalize() {
	if c.h.finalizer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.ctx), finalizeTimeout)
	defer cancel()
	msg, err := c.h.finalizer.Finalize(ctx, c.sess.ID)
	if err != nil {
		c.logger.Error("finalize session", zap.Error(err))
		c.sendError(rpc.CodeInternal, "publishing results failed: "+err.Error())
		return
	}
	if msg != "" {
		if err := c.out.Send(c.ctx, rpc.StatusFrame(c.sess.ID, msg)); err != nil {
			c.logger.Debug("finalize status not delivered", zap.Error(err))
		}
	}
}

// observedSender tees outbound frames to the observer and the metrics.
type observedSender struct {
	out      *transport.Writer
	observer FrameObserver
	metrics  *observability.Metrics
}

func (s *observedSender) Send(ctx context.Context, f rpc.Frame) error {
	if err := s.out.Send(ctx, f); err != nil {
		return err
	}
	s.record(f)
	return nil
}

// SendLast queues f as the final frame of the stream.
func (s *observedSender) SendLast(f rpc.Frame) error {
	if err := s.out.WriteLast(f); err != nil {
		return err
	}
	s.record(f)
	return nil
}

func (s *observedSender) record(f rpc.Frame) {
	s.metrics.RecordFrame(string(f.Type))
	if s.observer != nil {
		s.observer.Observe(f)
	}
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
