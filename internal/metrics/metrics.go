// Package metrics exports routing counters in the Prometheus format.
package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/justinjstark/SmtpRouter/internal/smtpserver"
)

const namespace = "smtprouter"

// Metrics observes pipeline runs, failed steps and routing decisions.
type Metrics struct {
	runs          *prometheus.CounterVec
	runDuration   prometheus.Histogram
	stepFailures  *prometheus.CounterVec
	ruleMatches   *prometheus.CounterVec
	defaultRoutes prometheus.Counter
	unrouted      prometheus.Counter
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		runs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "pipeline",
				Name:      "runs_total",
				Help:      "Pipeline runs by result",
			},
			[]string{"result"},
		),
		runDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "pipeline",
				Name:      "run_duration_seconds",
				Help:      "Time spent running the pipeline for one message",
				Buckets:   prometheus.DefBuckets,
			},
		),
		stepFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "step",
				Name:      "failures_total",
				Help:      "Pipeline steps that aborted a run",
			},
			[]string{"step"},
		),
		ruleMatches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "reroute",
				Name:      "matches_total",
				Help:      "Reroute rule matches",
			},
			[]string{"rule"},
		),
		defaultRoutes: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "reroute",
				Name:      "default_total",
				Help:      "Messages sent to the default route",
			},
		),
		unrouted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "reroute",
				Name:      "unrouted_total",
				Help:      "Messages rejected because no route applied",
			},
		),
	}
	reg.MustRegister(m.runs, m.runDuration, m.stepFailures, m.ruleMatches, m.defaultRoutes, m.unrouted)
	return m
}

func (m *Metrics) StepFailed(step string, _ error) {
	m.stepFailures.WithLabelValues(step).Inc()
}

func (m *Metrics) RuleMatched(rule string) {
	m.ruleMatches.WithLabelValues(rule).Inc()
}

func (m *Metrics) DefaultRouteUsed() {
	m.defaultRoutes.Inc()
}

func (m *Metrics) NoRoute() {
	m.unrouted.Inc()
}

func (m *Metrics) RunCompleted(_ context.Context, o smtpserver.Outcome) {
	result := "ok"
	switch {
	case o.Err != nil && o.FailedStep() == "":
		result = "rejected"
	case o.Err != nil:
		result = "failed"
	}
	m.runs.WithLabelValues(result).Inc()
	if o.Duration > 0 {
		m.runDuration.Observe(o.Duration.Seconds())
	}
}
