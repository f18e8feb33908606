package wizard

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// transitionsTotal counts step changes, forward and backward.
	transitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dsonboard_wizard_transitions_total",
			Help: "Total number of wizard step transitions",
		},
		[]string{"from", "to"},
	)

	// gateFailuresTotal counts advances that were refused, by reason.
	gateFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dsonboard_wizard_gate_failures_total",
			Help: "Total number of refused step advances",
		},
		[]string{"step", "reason"},
	)

	// savesTotal counts persisted data sources.
	savesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dsonboard_wizard_saves_total",
			Help: "Total number of saved data sources",
		},
		[]string{"type", "mode"},
	)
)
