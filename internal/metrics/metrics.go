package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "execstream"

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	connectionPhase = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "phase",
			Help:      "Current connection phase (0 idle, 1 connecting, 2 open, 3 reconnecting, 4 closed).",
		},
	)
	phaseTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "phase_transitions_total",
			Help:      "Number of connection phase transitions.",
		}, []string{"from", "to"},
	)
	reconnectAttempts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "reconnect_attempts_total",
			Help:      "Number of automatic retries scheduled after an unclean close.",
		},
	)
	maxAttemptsReached = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "max_attempts_reached_total",
			Help:      "Number of times the retry budget was exhausted.",
		},
	)
	connectionCloses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "closes_total",
			Help:      "Number of connection closes by cleanliness.",
		}, []string{"clean"},
	)

	framesReceived = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "frames_received_total",
			Help:      "Raw frames accepted into the router buffer.",
		},
	)
	framesRouted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "frames_routed_total",
			Help:      "Envelopes dispatched to a handler, by kind.",
		}, []string{"kind"},
	)
	parseErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "parse_errors_total",
			Help:      "Malformed frames dropped.",
		},
	)
	unknownKinds = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "unknown_kinds_total",
			Help:      "Envelopes with no registered or fallback handler.",
		},
	)

	executionsTracked = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "execution",
			Name:      "tracked",
			Help:      "Executions currently in flight.",
		},
	)
	executionUpdates = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "execution",
			Name:      "updates_total",
			Help:      "Applied execution updates, by status.",
		}, []string{"status"},
	)
	staleUpdates = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "execution",
			Name:      "stale_updates_total",
			Help:      "Execution updates discarded as older than the stored record.",
		},
	)

	controlFrames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "subscription",
			Name:      "control_frames_total",
			Help:      "Subscription control frames sent, by action.",
		}, []string{"action"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		connectionPhase, phaseTransitions, reconnectAttempts, maxAttemptsReached, connectionCloses,
		framesReceived, framesRouted, parseErrors, unknownKinds,
		executionsTracked, executionUpdates, staleUpdates,
		controlFrames,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// Below are helpers used by internal packages. They no-op until Register succeeds.

func SetPhase(phase int) {
	if regOK.Load() {
		connectionPhase.Set(float64(phase))
	}
}

func RecordPhaseTransition(from, to string) {
	if regOK.Load() {
		phaseTransitions.WithLabelValues(from, to).Inc()
	}
}

func IncReconnectAttempt() {
	if regOK.Load() {
		reconnectAttempts.Inc()
	}
}

func IncMaxAttempts() {
	if regOK.Load() {
		maxAttemptsReached.Inc()
	}
}

func IncClose(clean bool) {
	if regOK.Load() {
		label := "false"
		if clean {
			label = "true"
		}
		connectionCloses.WithLabelValues(label).Inc()
	}
}

func IncFramesReceived() {
	if regOK.Load() {
		framesReceived.Inc()
	}
}

func IncFramesRouted(kind string) {
	if regOK.Load() {
		framesRouted.WithLabelValues(kind).Inc()
	}
}

func IncParseErrors() {
	if regOK.Load() {
		parseErrors.Inc()
	}
}

func IncUnknownKinds() {
	if regOK.Load() {
		unknownKinds.Inc()
	}
}

func SetExecutionsTracked(n int) {
	if regOK.Load() {
		executionsTracked.Set(float64(n))
	}
}

func IncExecutionUpdate(status string) {
	if regOK.Load() {
		executionUpdates.WithLabelValues(status).Inc()
	}
}

func IncStaleUpdates() {
	if regOK.Load() {
		staleUpdates.Inc()
	}
}

func IncControlFrame(action string) {
	if regOK.Load() {
		controlFrames.WithLabelValues(action).Inc()
	}
}
