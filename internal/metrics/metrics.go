package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	daemonStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kerneld",
			Subsystem: "daemon",
			Name:      "starts_total",
			Help:      "Number of accepted daemon starts.",
		}, []string{"engine"},
	)
	daemonRejects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kerneld",
			Subsystem: "daemon",
			Name:      "rejected_total",
			Help:      "Number of start requests refused before a kernel was acquired.",
		}, []string{"reason"},
	)
	daemonTerminals = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kerneld",
			Subsystem: "daemon",
			Name:      "terminal_total",
			Help:      "Number of daemons that reached a terminal state.",
		}, []string{"state", "reason"},
	)
	daemonRuntime = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "kerneld",
			Subsystem: "daemon",
			Name:      "runtime_seconds",
			Help:      "Wall-clock lifetime of daemons from start to terminal state.",
			Buckets:   []float64{1, 5, 30, 60, 300, 900, 1800, 3600, 7200},
		}, []string{"state"},
	)
	runningDaemons = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "kerneld",
			Subsystem: "daemon",
			Name:      "active",
			Help:      "Daemons currently running or stopping.",
		},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kerneld",
			Subsystem: "daemon",
			Name:      "state_transitions_total",
			Help:      "Number of state transitions between daemon states.",
		}, []string{"from", "to"},
	)
	teardownFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "kerneld",
			Subsystem: "daemon",
			Name:      "teardown_failures_total",
			Help:      "Kernel interrupt or shutdown calls that failed or timed out.",
		},
	)

	eventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kerneld",
			Subsystem: "events",
			Name:      "published_total",
			Help:      "Events handed to the pub/sub transport, by event type.",
		}, []string{"type"},
	)
	eventsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "kerneld",
			Subsystem: "events",
			Name:      "dropped_total",
			Help:      "Events dropped because a subscriber buffer was full.",
		},
	)
	gatewayConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "kerneld",
			Subsystem: "gateway",
			Name:      "connections",
			Help:      "Open realtime websocket connections.",
		},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		daemonStarts, daemonRejects, daemonTerminals, daemonRuntime, runningDaemons,
		stateTransitions, teardownFailures, eventsPublished, eventsDropped, gatewayConnections,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// If already registered, ignore (allows double Register with default registry)
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
// The caller is responsible for starting an HTTP server and wiring the route.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncStart(engine string) {
	if regOK.Load() {
		daemonStarts.WithLabelValues(engine).Inc()
		runningDaemons.Inc()
	}
}

func IncReject(reason string) {
	if regOK.Load() {
		daemonRejects.WithLabelValues(reason).Inc()
	}
}

// ObserveTerminal records a daemon leaving the active set.
func ObserveTerminal(state, reason string, seconds float64) {
	if regOK.Load() {
		daemonTerminals.WithLabelValues(state, reason).Inc()
		daemonRuntime.WithLabelValues(state).Observe(seconds)
		runningDaemons.Dec()
	}
}

func RecordStateTransition(from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(from, to).Inc()
	}
}

func IncTeardownFailure() {
	if regOK.Load() {
		teardownFailures.Inc()
	}
}

func IncPublished(eventType string) {
	if regOK.Load() {
		eventsPublished.WithLabelValues(eventType).Inc()
	}
}

func IncDropped() {
	if regOK.Load() {
		eventsDropped.Inc()
	}
}

func SetConnections(n int) {
	if regOK.Load() {
		gatewayConnections.Set(float64(n))
	}
}
