// Package metrics exposes Prometheus collectors for runs, queries and rejected requests.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Kristopherlb/harmony-sub001/internal/errs"
	"github.com/Kristopherlb/harmony-sub001/internal/workflow"
)

const namespace = "harmony"

// Metrics implements workflow.Observer and sqlrunner.Observer.
type Metrics struct {
	started       *prometheus.CounterVec
	transitions   *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
	queries       *prometheus.CounterVec
	queryDuration *prometheus.HistogramVec
	rejected      *prometheus.CounterVec
}

// New registers every collector on reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		started: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_started_total",
			Help:      "Runs created, by action and risk level.",
		}, []string{"action", "risk"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "execution_transitions_total",
			Help:      "Ledger status changes, by target status.",
		}, []string{"status"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "execution_duration_seconds",
			Help:      "Time from run creation to a terminal status.",
			Buckets:   []float64{1, 5, 15, 60, 300, 900, 3600, 14400},
		}, []string{"status"}),
		queries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sql_queries_total",
			Help:      "Template query attempts, by template and outcome.",
		}, []string{"template", "outcome"}),
		queryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sql_query_duration_seconds",
			Help:      "Template query latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"template"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_rejected_total",
			Help:      "Console requests refused before reaching the engine or runner.",
		}, []string{"operation", "reason"}),
	}
	for _, c := range []prometheus.Collector{m.started, m.transitions, m.runDuration, m.queries, m.queryDuration, m.rejected} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Observe implements workflow.Observer.
func (m *Metrics) Observe(_ context.Context, exec workflow.Execution, from workflow.Status) {
	if from == "" {
		m.started.WithLabelValues(exec.ActionID, exec.RiskLevel.String()).Inc()
	}
	m.transitions.WithLabelValues(string(exec.Status)).Inc()
	if exec.Status.Terminal() {
		end := exec.UpdatedAt
		if exec.CompletedAt != nil {
			end = *exec.CompletedAt
		}
		m.runDuration.WithLabelValues(string(exec.Status)).Observe(end.Sub(exec.StartedAt).Seconds())
	}
}

// ObserveQuery implements sqlrunner.Observer.
func (m *Metrics) ObserveQuery(templateID string, elapsed time.Duration, err error) {
	m.queries.WithLabelValues(templateID, Outcome(err)).Inc()
	if err == nil {
		m.queryDuration.WithLabelValues(templateID).Observe(elapsed.Seconds())
	}
}

// Rejected counts a request refused by the console.
func (m *Metrics) Rejected(operation string, err error) {
	m.rejected.WithLabelValues(operation, Outcome(err)).Inc()
}

// Outcome classifies err into a low cardinality label.
func Outcome(err error) string {
	var (
		validation *errs.ValidationError
		permission *errs.PermissionError
		rate       *errs.RateLimitError
	)
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &validation):
		return "invalid"
	case errors.As(err, &permission):
		return "forbidden"
	case errors.As(err, &rate):
		return "rate_limited"
	case errors.Is(err, errs.ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}

// Handler serves the registry in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
