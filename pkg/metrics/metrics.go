// Package metrics exposes Prometheus instrumentation for the gateway and
// budget layers.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the collectors the core updates. Construct once and share.
type Metrics struct {
	CostEventsTotal  *prometheus.CounterVec
	CallCostUSD      *prometheus.HistogramVec
	BudgetDenials    *prometheus.CounterVec
	UnknownPricing   prometheus.Counter
	TasksTotal       *prometheus.CounterVec
	RunsTotal        *prometheus.CounterVec
	StreamFallbacks  prometheus.Counter
	DuplicateAppends prometheus.Counter
}

// New creates and registers the collectors on reg. Pass
// prometheus.DefaultRegisterer in production, a private registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CostEventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "runcore_cost_events_total",
			Help: "Cost events appended to the ledger.",
		}, []string{"provider", "model", "phase", "pricing_source"}),
		CallCostUSD: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "runcore_call_cost_usd",
			Help:    "Resolved USD cost per gateway call.",
			Buckets: []float64{0.0001, 0.001, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"provider", "phase"}),
		BudgetDenials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "runcore_budget_denials_total",
			Help: "Preflight denials by kind (run, session).",
		}, []string{"kind"}),
		UnknownPricing: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "runcore_unknown_pricing_total",
			Help: "Calls whose pricing resolved to unknown.",
		}),
		TasksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "runcore_tasks_total",
			Help: "Executed tasks by terminal status.",
		}, []string{"status"}),
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "runcore_runs_total",
			Help: "Completed runs by terminal status.",
		}, []string{"status"}),
		StreamFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "runcore_stream_cost_fallbacks_total",
			Help: "Streaming calls whose cost was committed from the preflight estimate.",
		}),
		DuplicateAppends: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "runcore_ledger_duplicate_appends_total",
			Help: "Ledger appends suppressed by idempotency key.",
		}),
	}
	reg.MustRegister(
		m.CostEventsTotal, m.CallCostUSD, m.BudgetDenials, m.UnknownPricing,
		m.TasksTotal, m.RunsTotal, m.StreamFallbacks, m.DuplicateAppends,
	)
	return m
}

// NewNop creates unregistered collectors for callers that don't scrape.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}
