package api

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
)

// testObserver is a simple Observer implementation used to verify fan-out behavior.
type testObserver struct {
	mu sync.Mutex

	started   int
	closed    int
	actStarts int
	actDone   int
	retries   int

	lastClosed  *WorkflowExecution
	lastFailure *Failure
	lastAfter   time.Duration
}

func (o *testObserver) OnWorkflowStarted(ctx context.Context, exec *WorkflowExecution) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.started++
}

func (o *testObserver) OnWorkflowClosed(ctx context.Context, exec *WorkflowExecution) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed++
	o.lastClosed = exec
}

func (o *testObserver) OnActivityStarted(ctx context.Context, inv ActivityInvocation) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.actStarts++
}

func (o *testObserver) OnActivityCompleted(ctx context.Context, inv ActivityInvocation, f *Failure, d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.actDone++
	o.lastFailure = f
}

func (o *testObserver) OnActivityRetry(ctx context.Context, inv ActivityInvocation, after time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.retries++
	o.lastAfter = after
}

func sampleExecution(status Status) *WorkflowExecution {
	return &WorkflowExecution{
		Key:          ExecutionKey{WorkflowID: "wf-1", RunID: "run-1"},
		WorkflowType: "sync",
		Status:       status,
	}
}

func TestNewCompositeObserver_FiltersNil(t *testing.T) {
	if _, ok := NewCompositeObserver().(NoopObserver); !ok {
		t.Fatalf("expected NoopObserver for no observers")
	}
	if _, ok := NewCompositeObserver(nil, nil).(NoopObserver); !ok {
		t.Fatalf("expected NoopObserver when all observers are nil")
	}

	single := &testObserver{}
	if got := NewCompositeObserver(nil, single); got != single {
		t.Fatalf("expected single observer to be returned as-is")
	}
}

func TestCompositeObserver_FansOut(t *testing.T) {
	a, b := &testObserver{}, &testObserver{}
	obs := NewCompositeObserver(a, b)

	ctx := context.Background()
	exec := sampleExecution(StatusCompleted)
	inv := ActivityInvocation{Key: exec.Key, ActivityID: "activity-1", ActivityType: "sync", Attempt: 1}
	failure := &Failure{Kind: FailureTransient, Message: "boom"}

	obs.OnWorkflowStarted(ctx, exec)
	obs.OnActivityStarted(ctx, inv)
	obs.OnActivityCompleted(ctx, inv, failure, time.Millisecond)
	obs.OnActivityRetry(ctx, inv, 3*time.Second)
	obs.OnWorkflowClosed(ctx, exec)

	for name, o := range map[string]*testObserver{"a": a, "b": b} {
		if o.started != 1 || o.closed != 1 || o.actStarts != 1 || o.actDone != 1 || o.retries != 1 {
			t.Fatalf("observer %s: unexpected counts %+v", name, o)
		}
		if o.lastFailure != failure {
			t.Fatalf("observer %s: failure not forwarded", name)
		}
		if o.lastAfter != 3*time.Second {
			t.Fatalf("observer %s: expected retry delay 3s, got %v", name, o.lastAfter)
		}
	}
}

func TestLoggingObserver_WritesStructuredLogs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	obs := NewLoggingObserver(logger)

	ctx := context.Background()
	exec := sampleExecution(StatusFailed)
	exec.Failure = &Failure{Kind: FailureWorkflowCode, Message: "bug"}

	obs.OnWorkflowStarted(ctx, exec)
	obs.OnActivityRetry(ctx, ActivityInvocation{Key: exec.Key, ActivityID: "activity-1", ActivityType: "sync", Attempt: 1}, time.Second)
	obs.OnWorkflowClosed(ctx, exec)

	out := buf.String()
	for _, want := range []string{"workflow_started", "activity_retry", "next_attempt=2", "workflow_closed", "status=FAILED", "level=ERROR"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected log output to contain %q, got:\n%s", want, out)
		}
	}
}

func TestBasicMetrics_Snapshot(t *testing.T) {
	m := &BasicMetrics{}
	ctx := context.Background()
	inv := ActivityInvocation{ActivityID: "activity-1"}

	m.OnWorkflowStarted(ctx, sampleExecution(StatusRunning))
	m.OnWorkflowStarted(ctx, sampleExecution(StatusRunning))
	m.OnWorkflowStarted(ctx, sampleExecution(StatusRunning))
	m.OnWorkflowClosed(ctx, sampleExecution(StatusCompleted))
	m.OnWorkflowClosed(ctx, sampleExecution(StatusCancelled))

	m.OnActivityCompleted(ctx, inv, nil, 10*time.Millisecond)
	m.OnActivityCompleted(ctx, inv, nil, 30*time.Millisecond)
	m.OnActivityCompleted(ctx, inv, &Failure{Kind: FailureTimeout}, time.Second)
	m.OnActivityRetry(ctx, inv, time.Second)

	s := m.Snapshot()
	if s.WorkflowsStarted != 3 || s.WorkflowsCompleted != 1 || s.WorkflowsFailed != 1 || s.RunningWorkflows != 1 {
		t.Fatalf("unexpected workflow counters: %+v", s)
	}
	if s.ActivitiesCompleted != 2 || s.ActivitiesFailed != 1 || s.ActivityRetries != 1 {
		t.Fatalf("unexpected activity counters: %+v", s)
	}
	if s.AvgActivityDuration != 20*time.Millisecond {
		t.Fatalf("expected avg 20ms, got %v", s.AvgActivityDuration)
	}
}
