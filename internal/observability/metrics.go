package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles Prometheus collectors for the stream daemon.
type Metrics struct {
	registry      *prometheus.Registry
	Runs          *prometheus.CounterVec
	RunDuration   *prometheus.HistogramVec
	ActiveStreams *prometheus.GaugeVec
	Sessions      prometheus.Gauge
	FramesSent    *prometheus.CounterVec
	Confirmations *prometheus.CounterVec
	TransportErrs *prometheus.CounterVec
	SinkDrops     prometheus.Counter
	ModelUsage    *prometheus.CounterVec
	ModelFailures *prometheus.CounterVec
}

// NewMetrics constructs a metrics registry with the daemon collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	runs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "agentstream_runs_total",
		Help: "Engine runs by outcome",
	}, []string{"outcome"})

	durs := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "agentstream_run_duration_seconds",
		Help:    "Engine run duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
	}, []string{"outcome"})

	active := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "agentstream_active_streams",
		Help: "Open streams by transport",
	}, []string{"transport"})

	sessions := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "agentstream_sessions",
		Help: "Live sessions in the registry",
	})

	frames := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "agentstream_frames_sent_total",
		Help: "Outbound frames by type",
	}, []string{"type"})

	confirmations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "agentstream_confirmations_total",
		Help: "Settled command confirmations by outcome",
	}, []string{"outcome"})

	trErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "agentstream_transport_errors_total",
		Help: "Transport-level errors by transport and reason",
	}, []string{"transport", "reason"})

	sinkDrops := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "agentstream_callback_dropped_total",
		Help: "Frames not delivered to the result callback",
	})

	modelUsage := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "agentstream_model_usage_total",
		Help: "Model calls by provider and model",
	}, []string{"provider", "model"})

	modelFailures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "agentstream_model_failures_total",
		Help: "Model call failures by provider and model",
	}, []string{"provider", "model"})

	reg.MustRegister(runs, durs, active, sessions, frames, confirmations, trErrors, sinkDrops, modelUsage, modelFailures)

	return &Metrics{
		registry:      reg,
		Runs:          runs,
		RunDuration:   durs,
		ActiveStreams: active,
		Sessions:      sessions,
		FramesSent:    frames,
		Confirmations: confirmations,
		TransportErrs: trErrors,
		SinkDrops:     sinkDrops,
		ModelUsage:    modelUsage,
		ModelFailures: modelFailures,
	}
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordRun records a finished run.
func (m *Metrics) RecordRun(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	if outcome == "" {
		outcome = "unknown"
	}
	m.Runs.WithLabelValues(outcome).Inc()
	m.RunDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// IncActiveStreams increments the open stream gauge.
func (m *Metrics) IncActiveStreams(transport string) {
	if m == nil {
		return
	}
	m.ActiveStreams.WithLabelValues(transport).Inc()
}

// DecActiveStreams decrements the open stream gauge.
func (m *Metrics) DecActiveStreams(transport string) {
	if m == nil {
		return
	}
	m.ActiveStreams.WithLabelValues(transport).Dec()
}

// SetActiveSessions implements session.Observer.
func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.Sessions.Set(float64(n))
}

// RecordFrame counts an outbound frame.
func (m *Metrics) RecordFrame(frameType string) {
	if m == nil {
		return
	}
	m.FramesSent.WithLabelValues(frameType).Inc()
}

// RecordConfirmation implements approval.Observer.
func (m *Metrics) RecordConfirmation(outcome string) {
	if m == nil {
		return
	}
	m.Confirmations.WithLabelValues(outcome).Inc()
}

// RecordTransportError records a transport-level error.
func (m *Metrics) RecordTransportError(transport, reason string) {
	if m == nil {
		return
	}
	if transport == "" {
		transport = "unknown"
	}
	if reason == "" {
		reason = "unknown"
	}
	m.TransportErrs.WithLabelValues(transport, reason).Inc()
}

// RecordSinkDrop counts a frame the result callback never received.
func (m *Metrics) RecordSinkDrop() {
	if m == nil {
		return
	}
	m.SinkDrops.Inc()
}

// RecordModelUsage increments the usage counter for a provider/model pair.
func (m *Metrics) RecordModelUsage(provider, model string) {
	if m == nil {
		return
	}
	if provider == "" {
		provider = "unknown"
	}
	if model == "" {
		model = "unknown"
	}
	m.ModelUsage.WithLabelValues(provider, model).Inc()
}

// RecordModelFailure increments the failure counter for a provider/model pair.
func (m *Metrics) RecordModelFailure(provider, model string) {
	if m == nil {
		return
	}
	if provider == "" {
		provider = "unknown"
	}
	if model == "" {
		model = "unknown"
	}
	m.ModelFailures.WithLabelValues(provider, model).Inc()
}
