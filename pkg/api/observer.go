package api

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Observer receives callbacks from the engine for logging and metrics.
//
// Implementations should be fast and non-blocking; heavy work should be done
// asynchronously so as not to delay task processing.
type Observer interface {
	// OnWorkflowStarted is called once when an execution is created.
	OnWorkflowStarted(ctx context.Context, exec *WorkflowExecution)

	// OnWorkflowClosed is called when an execution reaches a terminal status.
	// exec.Status and exec.Failure describe the outcome.
	OnWorkflowClosed(ctx context.Context, exec *WorkflowExecution)

	// OnActivityStarted is called before an activity attempt runs.
	OnActivityStarted(ctx context.Context, inv ActivityInvocation)

	// OnActivityCompleted is called after an activity attempt returns, for
	// both successes (failure == nil) and failures.
	OnActivityCompleted(ctx context.Context, inv ActivityInvocation, failure *Failure, duration time.Duration)

	// OnActivityRetry is called when a failed attempt is scheduled to run
	// again after the given delay.
	OnActivityRetry(ctx context.Context, inv ActivityInvocation, after time.Duration)
}

// NoopObserver is an Observer that does nothing.
// It is used as the default when no observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnWorkflowStarted(ctx context.Context, exec *WorkflowExecution) {}
func (NoopObserver) OnWorkflowClosed(ctx context.Context, exec *WorkflowExecution)  {}
func (NoopObserver) OnActivityStarted(ctx context.Context, inv ActivityInvocation) {}
func (NoopObserver) OnActivityCompleted(ctx context.Context, inv ActivityInvocation, f *Failure, d time.Duration) {
}
func (NoopObserver) OnActivityRetry(ctx context.Context, inv ActivityInvocation, after time.Duration) {
}

// CompositeObserver fans out events to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards events to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnWorkflowStarted(ctx context.Context, exec *WorkflowExecution) {
	for _, o := range c.observers {
		o.OnWorkflowStarted(ctx, exec)
	}
}

func (c *CompositeObserver) OnWorkflowClosed(ctx context.Context, exec *WorkflowExecution) {
	for _, o := range c.observers {
		o.OnWorkflowClosed(ctx, exec)
	}
}

func (c *CompositeObserver) OnActivityStarted(ctx context.Context, inv ActivityInvocation) {
	for _, o := range c.observers {
		o.OnActivityStarted(ctx, inv)
	}
}

func (c *CompositeObserver) OnActivityCompleted(ctx context.Context, inv ActivityInvocation, f *Failure, d time.Duration) {
	for _, o := range c.observers {
		o.OnActivityCompleted(ctx, inv, f, d)
	}
}

func (c *CompositeObserver) OnActivityRetry(ctx context.Context, inv ActivityInvocation, after time.Duration) {
	for _, o := range c.observers {
		o.OnActivityRetry(ctx, inv, after)
	}
}

// LoggingObserver writes structured logs using log/slog.
type LoggingObserver struct {
	Logger *slog.Logger
}

// NewLoggingObserver creates an Observer that logs workflow / activity
// lifecycle events using the provided slog.Logger. If logger is nil,
// slog.Default() is used.
func NewLoggingObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{Logger: logger}
}

func (o *LoggingObserver) OnWorkflowStarted(ctx context.Context, exec *WorkflowExecution) {
	o.Logger.InfoContext(ctx, "workflow_started",
		slog.String("workflow_type", exec.WorkflowType),
		slog.String("workflow_id", exec.Key.WorkflowID),
		slog.String("run_id", exec.Key.RunID),
	)
}

func (o *LoggingObserver) OnWorkflowClosed(ctx context.Context, exec *WorkflowExecution) {
	level := slog.LevelInfo
	if exec.Status != StatusCompleted {
		level = slog.LevelError
	}
	attrs := []any{
		slog.String("workflow_type", exec.WorkflowType),
		slog.String("workflow_id", exec.Key.WorkflowID),
		slog.String("run_id", exec.Key.RunID),
		slog.String("status", string(exec.Status)),
	}
	if exec.Failure != nil {
		attrs = append(attrs, slog.String("failure", exec.Failure.Error()))
	}
	o.Logger.Log(ctx, level, "workflow_closed", attrs...)
}

func (o *LoggingObserver) OnActivityStarted(ctx context.Context, inv ActivityInvocation) {
	o.Logger.DebugContext(ctx, "activity_started",
		slog.String("workflow_id", inv.Key.WorkflowID),
		slog.String("run_id", inv.Key.RunID),
		slog.String("activity_type", inv.ActivityType),
		slog.String("activity_id", inv.ActivityID),
		slog.Int("attempt", inv.Attempt),
	)
}

func (o *LoggingObserver) OnActivityCompleted(ctx context.Context, inv ActivityInvocation, f *Failure, d time.Duration) {
	level := slog.LevelDebug
	attrs := []any{
		slog.String("workflow_id", inv.Key.WorkflowID),
		slog.String("run_id", inv.Key.RunID),
		slog.String("activity_type", inv.ActivityType),
		slog.String("activity_id", inv.ActivityID),
		slog.Int("attempt", inv.Attempt),
		slog.Duration("duration", d),
	}
	if f != nil {
		level = slog.LevelWarn
		attrs = append(attrs, slog.String("kind", string(f.Kind)), slog.String("error", f.Message))
	}
	o.Logger.Log(ctx, level, "activity_completed", attrs...)
}

func (o *LoggingObserver) OnActivityRetry(ctx context.Context, inv ActivityInvocation, after time.Duration) {
	o.Logger.InfoContext(ctx, "activity_retry",
		slog.String("workflow_id", inv.Key.WorkflowID),
		slog.String("activity_type", inv.ActivityType),
		slog.String("activity_id", inv.ActivityID),
		slog.Int("next_attempt", inv.Attempt+1),
		slog.Duration("after", after),
	)
}

// BasicMetrics collects simple counters and aggregate activity durations.
// It implements Observer, and can be combined with LoggingObserver via
// NewCompositeObserver.
type BasicMetrics struct {
	NoopObserver

	workflowsStarted    atomic.Int64
	workflowsCompleted  atomic.Int64
	workflowsFailed     atomic.Int64
	activitiesCompleted atomic.Int64
	activitiesFailed    atomic.Int64
	activityRetries     atomic.Int64
	totalActivityTime   atomic.Int64 // nanoseconds
}

// BasicMetricsSnapshot is an immutable snapshot of BasicMetrics.
type BasicMetricsSnapshot struct {
	WorkflowsStarted   int64
	WorkflowsCompleted int64
	WorkflowsFailed    int64
	RunningWorkflows   int64

	ActivitiesCompleted int64
	ActivitiesFailed    int64
	ActivityRetries     int64
	AvgActivityDuration time.Duration
}

func (m *BasicMetrics) OnWorkflowStarted(ctx context.Context, exec *WorkflowExecution) {
	m.workflowsStarted.Add(1)
}

func (m *BasicMetrics) OnWorkflowClosed(ctx context.Context, exec *WorkflowExecution) {
	if exec.Status == StatusCompleted {
		m.workflowsCompleted.Add(1)
		return
	}
	m.workflowsFailed.Add(1)
}

func (m *BasicMetrics) OnActivityCompleted(ctx context.Context, inv ActivityInvocation, f *Failure, d time.Duration) {
	// Only successful attempts count towards the average duration.
	if f != nil {
		m.activitiesFailed.Add(1)
		return
	}
	m.activitiesCompleted.Add(1)
	m.totalActivityTime.Add(d.Nanoseconds())
}

func (m *BasicMetrics) OnActivityRetry(ctx context.Context, inv ActivityInvocation, after time.Duration) {
	m.activityRetries.Add(1)
}

// Snapshot returns a snapshot of the current metrics.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	started := m.workflowsStarted.Load()
	completed := m.workflowsCompleted.Load()
	failed := m.workflowsFailed.Load()
	acts := m.activitiesCompleted.Load()
	totalNs := m.totalActivityTime.Load()

	var avg time.Duration
	if acts > 0 {
		avg = time.Duration(totalNs / acts)
	}

	return BasicMetricsSnapshot{
		WorkflowsStarted:    started,
		WorkflowsCompleted:  completed,
		WorkflowsFailed:     failed,
		RunningWorkflows:    started - completed - failed,
		ActivitiesCompleted: acts,
		ActivitiesFailed:    m.activitiesFailed.Load(),
		ActivityRetries:     m.activityRetries.Load(),
		AvgActivityDuration: avg,
	}
}
