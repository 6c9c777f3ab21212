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

	framesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "archivebridge",
			Subsystem: "ipc",
			Name:      "frames_total",
			Help:      "Inbound frames by classified kind.",
		}, []string{"kind"},
	)
	framesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "archivebridge",
			Subsystem: "ipc",
			Name:      "frames_dropped_total",
			Help:      "Inbound frames discarded before they could be applied.",
		}, []string{"reason"},
	)
	commandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "archivebridge",
			Subsystem: "ipc",
			Name:      "commands_total",
			Help:      "Commands submitted to the worker by result.",
		}, []string{"command", "result"},
	)

	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "archivebridge",
			Subsystem: "job",
			Name:      "state_transitions_total",
			Help:      "Number of job state transitions.",
		}, []string{"from", "to"},
	)
	currentStates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "archivebridge",
			Subsystem: "job",
			Name:      "current_state",
			Help:      "Current state of jobs (1 = active state, 0 = inactive).",
		}, []string{"name", "state"},
	)

	workerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "archivebridge",
			Subsystem: "worker",
			Name:      "state",
			Help:      "Supervisor state of the worker process (1 = current).",
		}, []string{"state"},
	)
	connectionLosses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "archivebridge",
			Subsystem: "worker",
			Name:      "connection_losses_total",
			Help:      "Number of times the worker connection ended unexpectedly.",
		},
	)
)

var jobStates = []string{"created", "running", "stopped", "failed"}
var workerStates = []string{"idle", "starting", "ready", "failed", "stopped"}

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{framesTotal, framesDropped, commandsTotal, stateTransitions, currentStates, workerState, connectionLosses}
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

// HandlerFor serves metrics from a specific gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncFrame(kind string) {
	if regOK.Load() {
		framesTotal.WithLabelValues(kind).Inc()
	}
}

func IncDropped(reason string) {
	if regOK.Load() {
		framesDropped.WithLabelValues(reason).Inc()
	}
}

func IncCommand(command, result string) {
	if regOK.Load() {
		commandsTotal.WithLabelValues(command, result).Inc()
	}
}

func RecordStateTransition(from, to string) {
	if regOK.Load() {
		if from == "" {
			from = "none"
		}
		stateTransitions.WithLabelValues(from, to).Inc()
	}
}

// SetJobState marks state as the current one for name. A removed job ("deleted")
// has its series dropped.
func SetJobState(name, state string) {
	if !regOK.Load() {
		return
	}
	for _, s := range jobStates {
		if state == "deleted" {
			currentStates.DeleteLabelValues(name, s)
			continue
		}
		var v float64
		if s == state {
			v = 1
		}
		currentStates.WithLabelValues(name, s).Set(v)
	}
}

func SetWorkerState(state string) {
	if !regOK.Load() {
		return
	}
	for _, s := range workerStates {
		var v float64
		if s == state {
			v = 1
		}
		workerState.WithLabelValues(s).Set(v)
	}
}

func IncConnectionLoss() {
	if regOK.Load() {
		connectionLosses.Inc()
	}
}
