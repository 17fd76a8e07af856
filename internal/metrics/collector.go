// Package metrics provides internal Prometheus metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Collector aggregates swarmlink metrics. A nil *Collector is safe to use:
// every method is a no-op.
type Collector struct {
	handoffsTotal    *prometheus.CounterVec
	handoffDuration  *prometheus.HistogramVec
	slaViolations    prometheus.Counter
	contextsStored   prometheus.Gauge
	contextBytes     prometheus.Gauge
	sessionsActive   prometheus.Gauge
	participants     prometheus.Gauge
	messagesRouted   *prometheus.CounterVec
	vetoesTotal      *prometheus.CounterVec
	backendFailovers *prometheus.CounterVec

	logger *zap.Logger
}

// NewCollector registers swarmlink collectors on the given registerer.
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := func(c prometheus.Collector) prometheus.Collector {
		reg.MustRegister(c)
		return c
	}

	c := &Collector{logger: logger.With(zap.String("component", "metrics"))}

	c.handoffsTotal = factory(prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handoffs_total",
			Help:      "Handoffs by terminal status.",
		},
		[]string{"status", "mode"},
	)).(*prometheus.CounterVec)

	c.handoffDuration = factory(prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handoff_duration_seconds",
			Help:      "End-to-end handoff latency.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"mode"},
	)).(*prometheus.HistogramVec)

	c.slaViolations = factory(prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handoff_sla_violations_total",
			Help:      "Handoffs exceeding the latency target.",
		},
	)).(prometheus.Counter)

	c.contextsStored = factory(prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "preserved_contexts",
			Help:      "Preserved contexts currently stored.",
		},
	)).(prometheus.Gauge)

	c.contextBytes = factory(prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "preserved_context_bytes",
			Help:      "Total size of preserved contexts.",
		},
	)).(prometheus.Gauge)

	c.sessionsActive = factory(prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Open swarm sessions.",
		},
	)).(prometheus.Gauge)

	c.participants = factory(prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_participants",
			Help:      "Participants across all sessions.",
		},
	)).(prometheus.Gauge)

	c.messagesRouted = factory(prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_messages_total",
			Help:      "Session messages routed by type.",
		},
		[]string{"type"},
	)).(*prometheus.CounterVec)

	c.vetoesTotal = factory(prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "vetoes_total",
			Help:      "Veto resolutions by outcome.",
		},
		[]string{"outcome"},
	)).(*prometheus.CounterVec)

	c.backendFailovers = factory(prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_failovers_total",
			Help:      "Local inference backend failovers.",
		},
		[]string{"from", "to"},
	)).(*prometheus.CounterVec)

	return c
}

// ObserveHandoff records a finished handoff.
func (c *Collector) ObserveHandoff(status, mode string, d time.Duration) {
	if c == nil {
		return
	}
	c.handoffsTotal.WithLabelValues(status, mode).Inc()
	c.handoffDuration.WithLabelValues(mode).Observe(d.Seconds())
}

// SLAViolation records a handoff exceeding the latency target.
func (c *Collector) SLAViolation() {
	if c == nil {
		return
	}
	c.slaViolations.Inc()
}

// SetContextStats updates preserved context gauges.
func (c *Collector) SetContextStats(count int, totalBytes int64) {
	if c == nil {
		return
	}
	c.contextsStored.Set(float64(count))
	c.contextBytes.Set(float64(totalBytes))
}

// SetSessions updates the active session gauge.
func (c *Collector) SetSessions(n int) {
	if c == nil {
		return
	}
	c.sessionsActive.Set(float64(n))
}

// SetParticipants updates the participant gauge.
func (c *Collector) SetParticipants(n int) {
	if c == nil {
		return
	}
	c.participants.Set(float64(n))
}

// MessageRouted counts one routed session message.
func (c *Collector) MessageRouted(messageType string) {
	if c == nil {
		return
	}
	c.messagesRouted.WithLabelValues(messageType).Inc()
}

// VetoResolved counts one veto resolution.
func (c *Collector) VetoResolved(upheld bool) {
	if c == nil {
		return
	}
	outcome := "rejected"
	if upheld {
		outcome = "upheld"
	}
	c.vetoesTotal.WithLabelValues(outcome).Inc()
}

// BackendFailover counts a switch between local inference backends.
func (c *Collector) BackendFailover(from, to string) {
	if c == nil {
		return
	}
	c.backendFailovers.WithLabelValues(from, to).Inc()
}
