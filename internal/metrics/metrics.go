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

	gatewayStarts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "warden",
			Subsystem: "gateway",
			Name:      "starts_total",
			Help:      "Number of gateway processes spawned.",
		},
	)
	gatewayAttaches = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "warden",
			Subsystem: "gateway",
			Name:      "attaches_total",
			Help:      "Number of activations that attached to an existing gateway.",
		},
	)
	gatewayRestarts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "warden",
			Subsystem: "gateway",
			Name:      "restarts_total",
			Help:      "Number of automatic restarts after an unexpected exit.",
		},
	)
	gatewayCrashes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "warden",
			Subsystem: "gateway",
			Name:      "crashes_total",
			Help:      "Number of unexpected gateway exits (including launch failures).",
		},
	)
	gatewayGiveUps = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "warden",
			Subsystem: "gateway",
			Name:      "give_ups_total",
			Help:      "Number of times the crash policy stopped further retries.",
		},
	)
	sweepTerminations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "warden",
			Subsystem: "portguard",
			Name:      "terminations_total",
			Help:      "Listeners terminated by the port sweep, by signal.",
		}, []string{"signal"},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "warden",
			Subsystem: "supervisor",
			Name:      "state_transitions_total",
			Help:      "Supervisor status transitions.",
		}, []string{"from", "to"},
	)
	currentState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "warden",
			Subsystem: "supervisor",
			Name:      "current_state",
			Help:      "Current supervisor state (1 = active state, 0 = inactive).",
		}, []string{"state"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		gatewayStarts, gatewayAttaches, gatewayRestarts, gatewayCrashes,
		gatewayGiveUps, sweepTerminations, stateTransitions, currentState,
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

// Handler serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// Helpers below no-op until Register has been called.

func IncStart() {
	if regOK.Load() {
		gatewayStarts.Inc()
	}
}

func IncAttach() {
	if regOK.Load() {
		gatewayAttaches.Inc()
	}
}

func IncRestart() {
	if regOK.Load() {
		gatewayRestarts.Inc()
	}
}

func IncCrash() {
	if regOK.Load() {
		gatewayCrashes.Inc()
	}
}

func IncGiveUp() {
	if regOK.Load() {
		gatewayGiveUps.Inc()
	}
}

func IncSweepTermination(signal string) {
	if regOK.Load() {
		sweepTerminations.WithLabelValues(signal).Inc()
	}
}

func RecordStateTransition(from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(from, to).Inc()
	}
}

func SetCurrentState(state string, active bool) {
	if regOK.Load() {
		v := 0.0
		if active {
			v = 1.0
		}
		currentState.WithLabelValues(state).Set(v)
	}
}
