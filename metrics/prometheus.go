package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus implements Collector with Prometheus metrics on a private registry.
type Prometheus struct {
	sessionsActive prometheus.Gauge
	sessionsTotal  prometheus.Counter
	sessionsClosed *prometheus.CounterVec

	commands        *prometheus.CounterVec
	commandDuration *prometheus.HistogramVec

	stateTransitions *prometheus.CounterVec
	outputBytes      *prometheus.CounterVec
	backlogEvicted   prometheus.Counter
	subscriberDrops  prometheus.Counter
	reapErrors       prometheus.Counter

	registry *prometheus.Registry
}

// NewPrometheus creates a collector whose metric names are prefixed with namespace ("procd" if empty).
func NewPrometheus(namespace string) *Prometheus {
	if namespace == "" {
		namespace = "procd"
	}

	p := &Prometheus{
		registry: prometheus.NewRegistry(),
	}

	p.sessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sessions_active",
		Help:      "Number of open client sessions",
	})
	p.sessionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sessions_total",
		Help:      "Total number of accepted client sessions",
	})
	p.sessionsClosed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_closed_total",
			Help:      "Total number of closed client sessions by reason",
		},
		[]string{"reason"},
	)

	p.commands = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Total number of handled commands",
		},
		[]string{"command", "status"},
	)
	p.commandDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "command_duration_seconds",
			Help:      "Duration of command handling",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"command"},
	)

	p.stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "process_state_transitions_total",
			Help:      "Total number of process state transitions",
		},
		[]string{"from_state", "to_state"},
	)
	p.outputBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "process_output_bytes_total",
			Help:      "Total bytes of process output",
		},
		[]string{"stream"},
	)
	p.backlogEvicted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "backlog_evicted_chunks_total",
		Help:      "Total number of output chunks evicted from full backlogs",
	})
	p.subscriberDrops = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "subscriber_drops_total",
		Help:      "Total number of sessions force-detached for falling behind",
	})
	p.reapErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reap_errors_total",
		Help:      "Total number of processes whose exit status could not be collected",
	})

	p.registry.MustRegister(
		p.sessionsActive,
		p.sessionsTotal,
		p.sessionsClosed,
		p.commands,
		p.commandDuration,
		p.stateTransitions,
		p.outputBytes,
		p.backlogEvicted,
		p.subscriberDrops,
		p.reapErrors,
	)

	return p
}

func (p *Prometheus) SessionOpened() {
	p.sessionsTotal.Inc()
	p.sessionsActive.Inc()
}

func (p *Prometheus) SessionClosed(reason string) {
	p.sessionsActive.Dec()
	p.sessionsClosed.WithLabelValues(reason).Inc()
}

func (p *Prometheus) CommandHandled(command, kind string, duration time.Duration) {
	status := kind
	if status == "" {
		status = "ok"
	}
	p.commands.WithLabelValues(command, status).Inc()
	p.commandDuration.WithLabelValues(command).Observe(duration.Seconds())
}

func (p *Prometheus) ProcessStateTransition(fromState, toState string) {
	p.stateTransitions.WithLabelValues(fromState, toState).Inc()
}

func (p *Prometheus) OutputBytes(stream string, n int) {
	p.outputBytes.WithLabelValues(stream).Add(float64(n))
}

func (p *Prometheus) BacklogEvicted(chunks int) {
	p.backlogEvicted.Add(float64(chunks))
}

func (p *Prometheus) SubscriberDropped() {
	p.subscriberDrops.Inc()
}

func (p *Prometheus) ReapError() {
	p.reapErrors.Inc()
}

// Registry returns the Prometheus registry holding the collector's metrics.
func (p *Prometheus) Registry() *prometheus.Registry {
	return p.registry
}

// Handler serves the collector's metrics in the Prometheus exposition format.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

var _ Collector = (*Prometheus)(nil)
