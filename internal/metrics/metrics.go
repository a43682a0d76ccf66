// Package metrics exposes Prometheus collectors for node transitions, interrupts,
// and timeouts. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rendis/nodeflow/pkg/schema"
)

const namespace = "nodeflow"

// Transition outcomes.
const (
	OutcomeApplied = "applied"
	OutcomeStale   = "stale"
)

// Metrics groups the process collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	transitions      *prometheus.CounterVec
	interrupts       *prometheus.CounterVec
	timeoutsFired    *prometheus.CounterVec
	callbackFailures prometheus.Counter
	pendingTimeouts  prometheus.Gauge
	activeCallbacks  prometheus.Gauge
	droppedEvents    prometheus.Counter
}

// New creates the collectors and registers them, plus the Go runtime and
// process collectors, on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{registry: reg}

	m.transitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "node_transitions_total", Help: "Guarded status transitions by target status and outcome."},
		[]string{"target", "outcome"},
	)
	reg.MustRegister(m.transitions)

	m.interrupts = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "interrupts_total", Help: "Interrupts processed by type and final status."},
		[]string{"type", "status"},
	)
	reg.MustRegister(m.interrupts)

	m.timeoutsFired = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "timeouts_fired_total", Help: "Expired timeout instances dispatched to their callback, by tracker kind."},
		[]string{"tracker"},
	)
	reg.MustRegister(m.timeoutsFired)

	m.callbackFailures = prometheus.NewCounter(
		prometheus.CounterOpts{Namespace: namespace, Name: "timeout_callback_failures_total", Help: "Timeout callbacks that returned an error or panicked."},
	)
	reg.MustRegister(m.callbackFailures)

	m.pendingTimeouts = prometheus.NewGauge(
		prometheus.GaugeOpts{Namespace: namespace, Name: "timeouts_pending", Help: "Timeout instances currently tracked."},
	)
	reg.MustRegister(m.pendingTimeouts)

	m.activeCallbacks = prometheus.NewGauge(
		prometheus.GaugeOpts{Namespace: namespace, Name: "timeout_callbacks_active", Help: "Timeout callbacks currently running on the worker pool."},
	)
	reg.MustRegister(m.activeCallbacks)

	m.droppedEvents = prometheus.NewCounter(
		prometheus.CounterOpts{Namespace: namespace, Name: "stream_events_dropped_total", Help: "Node events dropped because a subscriber buffer was full."},
	)
	reg.MustRegister(m.droppedEvents)

	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) ObserveTransition(target schema.Status, applied bool) {
	if m == nil {
		return
	}
	outcome := OutcomeApplied
	if !applied {
		outcome = OutcomeStale
	}
	m.transitions.WithLabelValues(string(target), outcome).Inc()
}

func (m *Metrics) ObserveInterrupt(t schema.InterruptType, status schema.InterruptStatus) {
	if m == nil {
		return
	}
	m.interrupts.WithLabelValues(string(t), string(status)).Inc()
}

func (m *Metrics) ObserveTimeoutFired(tracker string) {
	if m == nil {
		return
	}
	m.timeoutsFired.WithLabelValues(tracker).Inc()
}

func (m *Metrics) ObserveCallbackFailure() {
	if m == nil {
		return
	}
	m.callbackFailures.Inc()
}

func (m *Metrics) SetPendingTimeouts(n int) {
	if m == nil {
		return
	}
	m.pendingTimeouts.Set(float64(n))
}

func (m *Metrics) SetActiveCallbacks(n int64) {
	if m == nil {
		return
	}
	m.activeCallbacks.Set(float64(n))
}

// AddDroppedEvents adds delta to the dropped stream events counter.
func (m *Metrics) AddDroppedEvents(delta int64) {
	if m == nil || delta <= 0 {
		return
	}
	m.droppedEvents.Add(float64(delta))
}
