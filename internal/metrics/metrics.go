// Package metrics exposes the Prometheus collectors of the consensus engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "termconsensus"

// Metrics holds every collector. Construct one per registry.
type Metrics struct {
	// Submissions counts validation verdicts. Labels: status, reason.
	Submissions *prometheus.CounterVec
	// Evaluations counts local evaluations and observes their scores.
	Evaluations prometheus.Counter
	Scores      prometheus.Histogram
	// PeerEvaluations counts evaluations received from other validators.
	// Labels: result.
	PeerEvaluations *prometheus.CounterVec

	// ReviewSlots counts reviewer-slot transitions. Labels: change.
	ReviewSlots *prometheus.CounterVec
	// Reviews counts accepted and refused review results. Labels: kind, result.
	Reviews *prometheus.CounterVec

	// Aggregations counts per-submission aggregation outcomes. Labels: outcome.
	Aggregations *prometheus.CounterVec
	Outliers     prometheus.Counter

	// LogProposals counts log proposals by answer. Labels: status.
	LogProposals *prometheus.CounterVec

	Epoch            prometheus.Gauge
	BurnPercent      prometheus.Gauge
	FinalizeDuration prometheus.Histogram
	Validators       prometheus.Gauge

	// HTTPRequests counts API requests. Labels: route, code.
	HTTPRequests *prometheus.CounterVec
}

// New registers the collectors on reg. A nil reg uses the default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		Submissions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "admission",
			Name:      "submissions_total",
			Help:      "Submissions by validation verdict",
		}, []string{"status", "reason"}),
		Evaluations: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scoring",
			Name:      "evaluations_total",
			Help:      "Local benchmark evaluations",
		}),
		PeerEvaluations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scoring",
			Name:      "peer_evaluations_total",
			Help:      "Evaluations received from other validators",
		}, []string{"result"}),
		Scores: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scoring",
			Name:      "score",
			Help:      "Distribution of local benchmark scores",
			Buckets:   []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
		}),
		ReviewSlots: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "review",
			Name:      "slot_changes_total",
			Help:      "Reviewer slot transitions",
		}, []string{"change"}),
		Reviews: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "review",
			Name:      "results_total",
			Help:      "Review results received",
		}, []string{"kind", "result"}),
		Aggregations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "aggregate",
			Name:      "outcomes_total",
			Help:      "Cross-validator aggregation outcomes",
		}, []string{"outcome"}),
		Outliers: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "aggregate",
			Name:      "outliers_total",
			Help:      "Evaluations rejected as outliers",
		}),
		LogProposals: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "logs",
			Name:      "proposals_total",
			Help:      "Log proposals by resulting status",
		}, []string{"status"}),
		Epoch: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "epoch",
			Help:      "Current epoch",
		}),
		BurnPercent: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "decay",
			Name:      "burn_percent",
			Help:      "Burn percentage applied at the last finalization",
		}),
		FinalizeDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "epoch",
			Name:      "finalize_duration_seconds",
			Help:      "Time to finalize an epoch",
			Buckets:   prometheus.DefBuckets,
		}),
		Validators: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "mesh",
			Name:      "validators_online",
			Help:      "Validators currently online",
		}),
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "API requests by route and status code",
		}, []string{"route", "code"}),
	}
}
