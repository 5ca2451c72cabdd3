// Package metrics exposes prometheus instrumentation for the billing core.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/fx"
)

// Module provides the shared metrics recorder.
var Module = fx.Module("metrics",
	fx.Provide(New),
	fx.Provide(NewHTTP),
)

type Metrics struct {
	gateDecisions  *prometheus.CounterVec
	creditsCharged *prometheus.CounterVec
	webhookEvents  *prometheus.CounterVec
	jobRuns        *prometheus.CounterVec
	jobErrors      *prometheus.CounterVec
	jobDuration    *prometheus.HistogramVec
	discrepancies  prometheus.Counter
}

func New() *Metrics {
	return &Metrics{
		gateDecisions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "doodleops_gate_decisions_total",
			Help: "Cost gate stage outcomes per endpoint.",
		}, []string{"endpoint", "outcome"}),
		creditsCharged: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "doodleops_credits_charged_total",
			Help: "Credits charged per endpoint.",
		}, []string{"endpoint"}),
		webhookEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "doodleops_webhook_events_total",
			Help: "Processed payment webhook events by object type and outcome.",
		}, []string{"object_type", "outcome"}),
		jobRuns: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "doodleops_job_runs_total",
			Help: "Background job executions.",
		}, []string{"job"}),
		jobErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "doodleops_job_errors_total",
			Help: "Background job failures.",
		}, []string{"job"}),
		jobDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "doodleops_job_duration_seconds",
			Help:    "Background job wall time.",
			Buckets: prometheus.DefBuckets,
		}, []string{"job"}),
		discrepancies: promauto.NewCounter(prometheus.CounterOpts{
			Name: "doodleops_usage_discrepancies_total",
			Help: "Usage aggregates where SQL and the key-value store disagree.",
		}),
	}
}

func (m *Metrics) IncGateDecision(endpoint, outcome string) {
	if m == nil {
		return
	}
	m.gateDecisions.WithLabelValues(endpoint, outcome).Inc()
}

func (m *Metrics) AddCreditsCharged(endpoint string, credits int64) {
	if m == nil || credits <= 0 {
		return
	}
	m.creditsCharged.WithLabelValues(endpoint).Add(float64(credits))
}

func (m *Metrics) IncWebhookEvent(objectType, outcome string) {
	if m == nil {
		return
	}
	m.webhookEvents.WithLabelValues(objectType, outcome).Inc()
}

func (m *Metrics) IncJobRun(job string) {
	if m == nil {
		return
	}
	m.jobRuns.WithLabelValues(job).Inc()
}

func (m *Metrics) IncJobError(job string) {
	if m == nil {
		return
	}
	m.jobErrors.WithLabelValues(job).Inc()
}

func (m *Metrics) ObserveJobDuration(job string, d time.Duration) {
	if m == nil {
		return
	}
	m.jobDuration.WithLabelValues(job).Observe(d.Seconds())
}

func (m *Metrics) IncDiscrepancy() {
	if m == nil {
		return
	}
	m.discrepancies.Inc()
}
