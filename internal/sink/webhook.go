package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/animus-coder/agentstream/internal/config"
	"github.com/animus-coder/agentstream/internal/observability"
	"github.com/animus-coder/agentstream/internal/rpc"
	"github.com/animus-coder/agentstream/internal/version"
)

// Delivery is the body posted for every frame.
type Delivery struct {
	SessionID string    `json:"sessionId"`
	Frame     rpc.Frame `json:"frame"`
}

// Webhook forwards outbound frames to a callback URL. Delivery is best effort: frames are
// dropped when the queue is full and failures are only logged.
type Webhook struct {
	url     string
	client  *http.Client
	queue   chan Delivery
	metrics *observability.Metrics
	logger  *zap.Logger
}

// NewWebhook returns nil when no callback URL is configured.
func NewWebhook(cfg config.CallbackConfig, metrics *observability.Metrics, logger *zap.Logger) *Webhook {
	if cfg.URL == "" {
		return nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	size := cfg.QueueSize
	if size <= 0 {
		size = 256
	}
	return &Webhook{
		url:     cfg.URL,
		client:  &http.Client{Timeout: timeout},
		queue:   make(chan Delivery, size),
		metrics: metrics,
		logger:  logger.With(zap.String("component", "sink")),
	}
}

// Observe enqueues f without blocking the stream that produced it.
func (w *Webhook) Observe(f rpc.Frame) {
	if w == nil {
		return
	}
	select {
	case w.queue <- Delivery{SessionID: f.SessionID, Frame: f}:
	default:
		w.metrics.RecordSinkDrop()
		w.logger.Debug("callback queue full, frame dropped", zap.String("session_id", f.SessionID), zap.String("type", string(f.Type)))
	}
}

// Run delivers queued frames until ctx is done.
func (w *Webhook) Run(ctx context.Context) {
	if w == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case d := <-w.queue:
			if err := w.deliver(ctx, d); err != nil && ctx.Err() == nil {
				w.logger.Warn("callback delivery failed", zap.String("session_id", d.SessionID), zap.Error(err))
			}
		}
	}
}

func (w *Webhook) deliver(ctx context.Context, d Delivery) error {
	body, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal delivery: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())

	res, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("send: %w", err)
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 4096))
	if res.StatusCode >= 300 {
		return fmt.Errorf("callback status %d", res.StatusCode)
	}
	return nil
}
