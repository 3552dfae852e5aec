package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Counters for the engine's externally interesting events. Scraped via
// /metrics on the API server.
var (
	CheckIns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "classtrack_checkins_total",
		Help: "Successful student check-ins.",
	})

	CheckOuts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "classtrack_checkouts_total",
		Help: "Check-outs by mode.",
	}, []string{"mode"}) // manual | auto

	BathroomDenied = promauto.NewCounter(prometheus.CounterOpts{
		Name: "classtrack_bathroom_denied_total",
		Help: "Bathroom starts denied by the single-occupancy rule.",
	})

	SweepRuns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "classtrack_sweep_runs_total",
		Help: "Auto-checkout sweep executions.",
	})
)
