package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts what the scheduler does per cycle.
type Metrics struct {
	CyclesTotal          prometheus.Counter
	AutomationsEvaluated prometheus.Counter
	AutomationsSkipped   prometheus.Counter
	TriggersFired        prometheus.Counter
	CheckErrors          prometheus.Counter
	ReactionFailures     prometheus.Counter
	CycleDuration        prometheus.Histogram
}

// NewMetrics registers the engine's metrics with reg. A nil reg creates
// unregistered metrics, which is what tests want.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		CyclesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "engine_cycles_total",
			Help: "Number of completed evaluation cycles.",
		}),
		AutomationsEvaluated: factory.NewCounter(prometheus.CounterOpts{
			Name: "engine_automations_evaluated_total",
			Help: "Number of automation evaluations started.",
		}),
		AutomationsSkipped: factory.NewCounter(prometheus.CounterOpts{
			Name: "engine_automations_skipped_total",
			Help: "Number of automations skipped because a previous evaluation was still running.",
		}),
		TriggersFired: factory.NewCounter(prometheus.CounterOpts{
			Name: "engine_triggers_fired_total",
			Help: "Number of trigger evaluations that produced a payload.",
		}),
		CheckErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "engine_check_errors_total",
			Help: "Number of action checks that failed and were treated as no trigger.",
		}),
		ReactionFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "engine_reaction_failures_total",
			Help: "Number of reaction executions that failed.",
		}),
		CycleDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "engine_cycle_duration_seconds",
			Help:    "Wall time of one evaluation cycle.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}
