package engine

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/roach88/provflow/internal/store"
)

// Metrics are the engine's Prometheus collectors. A nil *Metrics records
// nothing.
type Metrics struct {
	steps        *prometheus.CounterVec
	transitions  *prometheus.CounterVec
	retries      *prometheus.CounterVec
	stepDuration *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them with reg, if non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "provflow_steps_total",
			Help: "Process steps executed, by process type and result.",
		}, []string{"type", "result"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "provflow_transitions_total",
			Help: "Process state transitions, by new state.",
		}, []string{"state"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "provflow_retries_total",
			Help: "Transient remote errors scheduled for retry.",
		}, []string{"type"}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "provflow_step_duration_seconds",
			Help:    "Wall time spent in one step.",
			Buckets: prometheus.DefBuckets,
		}, []string{"type"}),
	}
	if reg != nil {
		reg.MustRegister(m.steps, m.transitions, m.retries, m.stepDuration)
	}
	return m
}

func typeLabel(k store.Kind) string {
	return strings.TrimPrefix(string(k), "process.")
}

func (m *Metrics) stepDone(k store.Kind, result string) {
	if m == nil {
		return
	}
	m.steps.WithLabelValues(typeLabel(k), result).Inc()
}

func (m *Metrics) transition(s store.ProcessState) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(string(s)).Inc()
}

func (m *Metrics) retried(k store.Kind) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(typeLabel(k)).Inc()
}

func (m *Metrics) observeStep(k store.Kind, d time.Duration) {
	if m == nil {
		return
	}
	m.stepDuration.WithLabelValues(typeLabel(k)).Observe(d.Seconds())
}
