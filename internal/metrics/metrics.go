// Package metrics exports engine lifecycle events as Prometheus metrics.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/petrijr/chronicle/pkg/api"
)

// outcomeCompleted labels successful activity attempts; failed attempts are
// labelled with their api.FailureKind.
const outcomeCompleted = "completed"

// Observer is an api.Observer that records Prometheus metrics on its own
// registry.
type Observer struct {
	registry *prometheus.Registry

	workflowsStarted  *prometheus.CounterVec
	workflowsClosed   *prometheus.CounterVec
	workflowDuration  *prometheus.HistogramVec
	activitiesStarted *prometheus.CounterVec
	activityAttempts  *prometheus.CounterVec
	activityDuration  *prometheus.HistogramVec
	activityRetries   *prometheus.CounterVec
}

var _ api.Observer = (*Observer)(nil)

// NewObserver creates an Observer with a fresh registry that also carries
// the Go runtime and process collectors.
func NewObserver() *Observer {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Observer{
		registry: reg,
		workflowsStarted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chronicle_workflows_started_total",
			Help: "Workflow executions started.",
		}, []string{"workflow_type"}),
		workflowsClosed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chronicle_workflows_closed_total",
			Help: "Workflow executions closed, by final status.",
		}, []string{"workflow_type", "status"}),
		workflowDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "chronicle_workflow_duration_seconds",
			Help:    "Wall-clock time from start to close of an execution.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300, 1800},
		}, []string{"workflow_type", "status"}),
		activitiesStarted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chronicle_activity_attempts_started_total",
			Help: "Activity attempts started.",
		}, []string{"activity_type"}),
		activityAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chronicle_activity_attempts_total",
			Help: "Finished activity attempts, by outcome.",
		}, []string{"activity_type", "outcome"}),
		activityDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "chronicle_activity_duration_seconds",
			Help:    "Duration of a single activity attempt.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"activity_type"}),
		activityRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chronicle_activity_retries_total",
			Help: "Activity attempts scheduled after a retryable failure.",
		}, []string{"activity_type"}),
	}
}

// Registry exposes the underlying registry, e.g. for extra collectors.
func (o *Observer) Registry() *prometheus.Registry { return o.registry }

// Handler serves the registry in the Prometheus text format.
func (o *Observer) Handler() http.Handler {
	return promhttp.HandlerFor(o.registry, promhttp.HandlerOpts{Registry: o.registry})
}

func (o *Observer) OnWorkflowStarted(ctx context.Context, exec *api.WorkflowExecution) {
	o.workflowsStarted.WithLabelValues(exec.WorkflowType).Inc()
}

func (o *Observer) OnWorkflowClosed(ctx context.Context, exec *api.WorkflowExecution) {
	status := string(exec.Status)
	o.workflowsClosed.WithLabelValues(exec.WorkflowType, status).Inc()
	if !exec.StartedAt.IsZero() && exec.ClosedAt.After(exec.StartedAt) {
		o.workflowDuration.WithLabelValues(exec.WorkflowType, status).
			Observe(exec.ClosedAt.Sub(exec.StartedAt).Seconds())
	}
}

func (o *Observer) OnActivityStarted(ctx context.Context, inv api.ActivityInvocation) {
	o.activitiesStarted.WithLabelValues(inv.ActivityType).Inc()
}

func (o *Observer) OnActivityCompleted(ctx context.Context, inv api.ActivityInvocation, f *api.Failure, d time.Duration) {
	outcome := outcomeCompleted
	if f != nil {
		outcome = string(f.Kind)
	}
	o.activityAttempts.WithLabelValues(inv.ActivityType, outcome).Inc()
	o.activityDuration.WithLabelValues(inv.ActivityType).Observe(d.Seconds())
}

func (o *Observer) OnActivityRetry(ctx context.Context, inv api.ActivityInvocation, after time.Duration) {
	o.activityRetries.WithLabelValues(inv.ActivityType).Inc()
}
