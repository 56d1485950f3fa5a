package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "signal_tracker"

var (
	PriceOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "price_outcomes_total", Help: "Price resolutions by source and outcome"},
		[]string{"source", "outcome"},
	)
	TrackedSignals = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Namespace: namespace, Name: "tracked_signals", Help: "Signals currently tracked"},
		[]string{"signal_type"},
	)
	Finalized = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "finalized_total", Help: "Tracked signals finalized by status"},
		[]string{"signal_type", "status"},
	)
	GateDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "gate_decisions_total", Help: "Pending signals promoted or dropped"},
		[]string{"decision"},
	)
	TradeEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "trade_events_total", Help: "Paper trade events by action"},
		[]string{"action"},
	)
	TaskRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "task_runs_total", Help: "Supervised task runs by result"},
		[]string{"task", "result"},
	)
	PersistenceErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "persistence_errors_total", Help: "Failed state saves and loads"},
		[]string{"op"},
	)
)

func init() {
	prometheus.MustRegister(PriceOutcomes, TrackedSignals, Finalized, GateDecisions, TradeEvents, TaskRuns, PersistenceErrors)
}

func Handler() http.Handler {
	return promhttp.Handler()
}
