package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	TaskEvents          *prometheus.CounterVec
	PendingTasks        prometheus.Gauge
	StepLatency         *prometheus.HistogramVec
	ApproverPrompts     *prometheus.CounterVec
	DeviceLinkOutcomes  *prometheus.CounterVec
	BridgeConnections   prometheus.Gauge
	BridgeFrames        *prometheus.CounterVec
	InteractionRequests *prometheus.CounterVec

	steps *stepWindow
}

// NewMetrics registers the instruments on reg, or on the default registry
// when reg is nil.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		TaskEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_events_total",
			Help:      "Task lifecycle events by event.",
		}, []string{"event"}),
		PendingTasks: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_tasks",
			Help:      "Task contexts currently held in memory.",
		}),
		StepLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pipeline_step_latency_ms",
			Help:      "Pipeline step latency in milliseconds by step and outcome.",
			Buckets:   []float64{50, 100, 250, 500, 1000, 2500, 5000, 15000, 30000, 60000, 120000},
		}, []string{"step", "outcome"}),
		ApproverPrompts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "approver_prompts_total",
			Help:      "Approver confirmation prompts by result.",
		}, []string{"result"}),
		DeviceLinkOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "device_link_outcomes_total",
			Help:      "Device authorization polls by terminal outcome.",
		}, []string{"outcome"}),
		BridgeConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "bridge_connections",
			Help:      "Connected chat bridge websockets.",
		}),
		BridgeFrames: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bridge_frames_total",
			Help:      "Bridge websocket frames by direction and type.",
		}, []string{"direction", "type"}),
		InteractionRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "interaction_requests_total",
			Help:      "Signed interaction webhook requests by result.",
		}, []string{"result"}),
		steps: newStepWindow(256),
	}
}

func (m *Metrics) TaskEvent(event string) {
	if m == nil {
		return
	}
	m.TaskEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.PendingTasks.Set(float64(n))
}

// ObserveStep records a pipeline step duration in both the histogram and the
// rolling window served by the stats endpoint.
func (m *Metrics) ObserveStep(step, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	ms := float64(d.Microseconds()) / 1000
	m.StepLatency.WithLabelValues(step, outcome).Observe(ms)
	m.steps.Observe(step, ms)
	if outcome != "ok" {
		m.steps.ObserveIndicator(step + "_" + outcome)
	}
}

// ObserveIndicator counts a notable pipeline event in the rolling window.
func (m *Metrics) ObserveIndicator(name string) {
	if m == nil {
		return
	}
	m.steps.ObserveIndicator(name)
}

func (m *Metrics) ApproverPrompt(result string) {
	if m == nil {
		return
	}
	m.ApproverPrompts.WithLabelValues(result).Inc()
}

func (m *Metrics) DeviceLinkOutcome(outcome string) {
	if m == nil {
		return
	}
	m.DeviceLinkOutcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) BridgeConnected(delta int) {
	if m == nil {
		return
	}
	m.BridgeConnections.Add(float64(delta))
}

func (m *Metrics) BridgeFrame(direction, frameType string) {
	if m == nil {
		return
	}
	m.BridgeFrames.WithLabelValues(direction, frameType).Inc()
}

func (m *Metrics) InteractionRequest(result string) {
	if m == nil {
		return
	}
	m.InteractionRequests.WithLabelValues(result).Inc()
}

// StepSnapshot returns rolling pipeline step statistics.
func (m *Metrics) StepSnapshot() StepSnapshot {
	if m == nil {
		return StepSnapshot{GeneratedAt: time.Now().UTC(), Stages: []StepStats{}}
	}
	return m.steps.Snapshot()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// HandlerFor serves the instruments registered on gatherer.
func HandlerFor(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
