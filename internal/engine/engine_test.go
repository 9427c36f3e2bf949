package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/petrijr/chronicle/internal/persistence"
	"github.com/petrijr/chronicle/internal/taskqueue"
	"github.com/petrijr/chronicle/pkg/activity"
	"github.com/petrijr/chronicle/pkg/api"
	"github.com/petrijr/chronicle/pkg/worker"
	"github.com/petrijr/chronicle/pkg/workflow"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type testEnv struct {
	engine  *Engine
	store   *persistence.InMemoryStore
	queue   *taskqueue.InMemoryQueue
	metrics *api.BasicMetrics
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		store:   persistence.NewInMemoryStore(),
		queue:   taskqueue.NewInMemoryQueue(),
		metrics: &api.BasicMetrics{},
	}
	e, err := New(Config{
		Store:               env.store,
		Queue:               env.queue,
		Observer:            env.metrics,
		Logger:              discard,
		StorageRetryInitial: 5 * time.Millisecond,
		StorageRetryMax:     20 * time.Millisecond,
		StorageRetryTimeout: 5 * time.Second,
		ResultPollInterval:  10 * time.Millisecond,
	})
	require.NoError(t, err)
	require.NoError(t, e.Start())
	t.Cleanup(e.Stop)
	env.engine = e
	return env
}

func (env *testEnv) runWorker(t *testing.T) {
	t.Helper()
	w := worker.New(env.queue, env.engine, worker.Options{
		Visibility:      5 * time.Second,
		WorkflowPollers: 2,
		ActivityPollers: 4,
		ReleaseBackoff: api.RetryPolicy{
			InitialInterval: 5 * time.Millisecond,
			MaxInterval:     20 * time.Millisecond,
		},
		Logger: discard,
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func (env *testEnv) result(t *testing.T, workflowID string) (*api.WorkflowExecution, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	exec, err := env.engine.GetResult(ctx, workflowID)
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("workflow %s did not close in time", workflowID)
	}
	return exec, err
}

func (env *testEnv) start(t *testing.T, workflowType string, input any, opts api.StartOptions) api.ExecutionKey {
	t.Helper()
	key, err := env.engine.StartWorkflow(context.Background(), workflowType, input, opts)
	require.NoError(t, err)
	return key
}

func (env *testEnv) history(t *testing.T, key api.ExecutionKey) []api.Event {
	t.Helper()
	events, err := env.engine.History(context.Background(), key)
	require.NoError(t, err)
	return events
}

func decodeResult[T any](t *testing.T, exec *api.WorkflowExecution) T {
	t.Helper()
	var out T
	require.NoError(t, api.DecodePayload(exec.Result, &out))
	return out
}

func eventTypes(events []api.Event) []api.EventType {
	out := make([]api.EventType, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

func countEvents(events []api.Event, t api.EventType) int {
	n := 0
	for _, ev := range events {
		if ev.Type == t {
			n++
		}
	}
	return n
}

func fastRetry(maxAttempts int) *api.RetryPolicy {
	return &api.RetryPolicy{
		InitialInterval:   20 * time.Millisecond,
		BackoffMultiplier: 2,
		MaxInterval:       time.Second,
		MaxAttempts:       maxAttempts,
	}
}

func TestEngine_RunsSequentialActivities(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, activity.Register(env.engine.Activities(), "upper", func(ctx context.Context, s string) (string, error) {
		return strings.ToUpper(s), nil
	}))
	require.NoError(t, activity.Register(env.engine.Activities(), "exclaim", func(ctx context.Context, s string) (string, error) {
		return s + "!", nil
	}))
	require.NoError(t, workflow.Register(env.engine.Workflows(), "greet", func(ctx workflow.Context, name string) (string, error) {
		var a, b string
		if err := workflow.ExecuteActivity(ctx, "upper", "hello "+name, api.ActivityOptions{}).Get(&a); err != nil {
			return "", err
		}
		if err := workflow.ExecuteActivity(ctx, "exclaim", a, api.ActivityOptions{}).Get(&b); err != nil {
			return "", err
		}
		return b, nil
	}))
	env.runWorker(t)

	key := env.start(t, "greet", "ada", api.StartOptions{ID: "greet-1"})
	require.Equal(t, "greet-1", key.WorkflowID)
	require.NotEmpty(t, key.RunID)

	exec, err := env.result(t, "greet-1")
	require.NoError(t, err)
	require.Equal(t, api.StatusCompleted, exec.Status)
	require.Equal(t, "HELLO ADA!", decodeResult[string](t, exec))
	require.False(t, exec.ClosedAt.IsZero())

	events := env.history(t, key)
	require.Equal(t, []api.EventType{
		api.EventWorkflowStarted,
		api.EventActivityScheduled,
		api.EventActivityCompleted,
		api.EventActivityScheduled,
		api.EventActivityCompleted,
		api.EventWorkflowCompleted,
	}, eventTypes(events))
	for i, ev := range events {
		require.Equal(t, int64(i+1), ev.Seq)
	}
	require.Equal(t, exec.Cursor, events[len(events)-1].Seq)

	snap := env.metrics.Snapshot()
	require.Equal(t, int64(1), snap.WorkflowsStarted)
	require.Equal(t, int64(1), snap.WorkflowsCompleted)
	require.Equal(t, int64(2), snap.ActivitiesCompleted)
}

func TestEngine_RetriesTransientFailuresWithBackoff(t *testing.T) {
	env := newTestEnv(t)

	var (
		mu       sync.Mutex
		attempts []time.Time
	)
	require.NoError(t, activity.Register(env.engine.Activities(), "flaky", func(ctx context.Context, _ struct{}) (int, error) {
		info, _ := activity.InfoFromContext(ctx)
		mu.Lock()
		attempts = append(attempts, time.Now())
		mu.Unlock()
		if info.Attempt < 3 {
			return 0, errors.New("temporarily unavailable")
		}
		return info.Attempt, nil
	}))
	require.NoError(t, workflow.Register(env.engine.Workflows(), "retrying", func(ctx workflow.Context, _ struct{}) (int, error) {
		var attempt int
		err := workflow.ExecuteActivity(ctx, "flaky", struct{}{}, api.ActivityOptions{RetryPolicy: fastRetry(5)}).Get(&attempt)
		return attempt, err
	}))
	env.runWorker(t)

	key := env.start(t, "retrying", struct{}{}, api.StartOptions{})
	exec, err := env.result(t, key.WorkflowID)
	require.NoError(t, err)
	require.Equal(t, 3, decodeResult[int](t, exec))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, attempts, 3)
	require.GreaterOrEqual(t, attempts[1].Sub(attempts[0]), 20*time.Millisecond)
	require.GreaterOrEqual(t, attempts[2].Sub(attempts[1]), 40*time.Millisecond)

	// Intermediate attempts are not part of the history.
	events := env.history(t, key)
	require.Equal(t, 1, countEvents(events, api.EventActivityCompleted))
	require.Equal(t, 0, countEvents(events, api.EventActivityFailed))
	for _, ev := range events {
		if ev.Type == api.EventActivityCompleted {
			require.Equal(t, 3, ev.Attempt)
		}
	}

	snap := env.metrics.Snapshot()
	require.Equal(t, int64(2), snap.ActivityRetries)
	require.Equal(t, int64(2), snap.ActivitiesFailed)
}

func TestEngine_NonRetryableFailureStopsAtFirstAttempt(t *testing.T) {
	env := newTestEnv(t)

	var calls atomic.Int32
	require.NoError(t, activity.Register(env.engine.Activities(), "validate", func(ctx context.Context, _ struct{}) (struct{}, error) {
		calls.Add(1)
		return struct{}{}, api.NewNonRetryableError("ValidationError", "order has no lines")
	}))
	require.NoError(t, workflow.Register(env.engine.Workflows(), "order", func(ctx workflow.Context, _ struct{}) (struct{}, error) {
		err := workflow.ExecuteActivity(ctx, "validate", struct{}{}, api.ActivityOptions{RetryPolicy: fastRetry(5)}).Get(nil)
		return struct{}{}, err
	}))
	env.runWorker(t)

	key := env.start(t, "order", struct{}{}, api.StartOptions{})
	exec, err := env.result(t, key.WorkflowID)
	require.Equal(t, api.StatusFailed, exec.Status)

	var wfErr *api.WorkflowError
	require.ErrorAs(t, err, &wfErr)
	require.Equal(t, api.StatusFailed, wfErr.Status)
	require.Equal(t, api.FailureNonRetryable, wfErr.Failure.Kind)

	root := wfErr.Failure.Root()
	require.Equal(t, "ValidationError", root.Type)
	require.Equal(t, "validate", root.ActivityType)
	require.Equal(t, 1, root.Attempt)
	require.Equal(t, int32(1), calls.Load())
	require.Equal(t, int64(0), env.metrics.Snapshot().ActivityRetries)
}

func TestEngine_GivesUpAfterMaxAttempts(t *testing.T) {
	env := newTestEnv(t)

	var calls atomic.Int32
	require.NoError(t, activity.Register(env.engine.Activities(), "down", func(ctx context.Context, _ struct{}) (struct{}, error) {
		calls.Add(1)
		return struct{}{}, errors.New("connection refused")
	}))
	require.NoError(t, workflow.Register(env.engine.Workflows(), "caller", func(ctx workflow.Context, _ struct{}) (struct{}, error) {
		err := workflow.ExecuteActivity(ctx, "down", struct{}{}, api.ActivityOptions{RetryPolicy: fastRetry(3)}).Get(nil)
		return struct{}{}, err
	}))
	env.runWorker(t)

	key := env.start(t, "caller", struct{}{}, api.StartOptions{})
	_, err := env.result(t, key.WorkflowID)

	var wfErr *api.WorkflowError
	require.ErrorAs(t, err, &wfErr)
	require.Equal(t, api.FailureTransient, wfErr.Failure.Kind)
	require.Equal(t, 3, wfErr.Failure.Root().Attempt)
	require.Equal(t, int32(3), calls.Load())

	events := env.history(t, key)
	require.Equal(t, 1, countEvents(events, api.EventActivityFailed))
}

func TestEngine_ActivityTimeoutIsRetriedThenReported(t *testing.T) {
	env := newTestEnv(t)

	require.NoError(t, activity.Register(env.engine.Activities(), "hang", func(ctx context.Context, _ struct{}) (struct{}, error) {
		<-ctx.Done()
		return struct{}{}, ctx.Err()
	}))
	require.NoError(t, workflow.Register(env.engine.Workflows(), "hanging", func(ctx workflow.Context, _ struct{}) (struct{}, error) {
		err := workflow.ExecuteActivity(ctx, "hang", struct{}{}, api.ActivityOptions{
			StartToCloseTimeout: 30 * time.Millisecond,
			RetryPolicy:         fastRetry(2),
		}).Get(nil)
		return struct{}{}, err
	}))
	env.runWorker(t)

	key := env.start(t, "hanging", struct{}{}, api.StartOptions{})
	_, err := env.result(t, key.WorkflowID)

	var wfErr *api.WorkflowError
	require.ErrorAs(t, err, &wfErr)
	require.Equal(t, api.FailureTimeout, wfErr.Failure.Kind)
	require.Equal(t, 2, wfErr.Failure.Root().Attempt)
}

func TestEngine_ParallelActivitiesJoin(t *testing.T) {
	env := newTestEnv(t)

	const n = 6
	var running, peak atomic.Int32
	require.NoError(t, activity.Register(env.engine.Activities(), "square", func(ctx context.Context, x int) (int, error) {
		cur := running.Add(1)
		defer running.Add(-1)
		for {
			p := peak.Load()
			if cur <= p || peak.CompareAndSwap(p, cur) {
				break
			}
		}
		time.Sleep(50 * time.Millisecond)
		return x * x, nil
	}))
	require.NoError(t, workflow.Register(env.engine.Workflows(), "fanout", func(ctx workflow.Context, count int) (int, error) {
		futures := make([]*workflow.Future, count)
		for i := range futures {
			futures[i] = workflow.ExecuteActivity(ctx, "square", i+1, api.ActivityOptions{})
		}
		if err := workflow.AwaitAll(ctx, futures...); err != nil {
			return 0, err
		}
		sum := 0
		for _, f := range futures {
			var v int
			if err := f.Get(&v); err != nil {
				return 0, err
			}
			sum += v
		}
		return sum, nil
	}))
	env.runWorker(t)

	key := env.start(t, "fanout", n, api.StartOptions{})
	exec, err := env.result(t, key.WorkflowID)
	require.NoError(t, err)
	require.Equal(t, 1+4+9+16+25+36, decodeResult[int](t, exec))
	require.Greater(t, peak.Load(), int32(1), "activities should run concurrently")

	events := env.history(t, key)
	require.Equal(t, n, countEvents(events, api.EventActivityScheduled))
	require.Equal(t, n, countEvents(events, api.EventActivityCompleted))
	// All activities are scheduled by the first workflow task.
	for i := 1; i <= n; i++ {
		require.Equal(t, api.EventActivityScheduled, events[i].Type)
	}
}

func TestEngine_UnawaitedCallsAreRecordedBeforeClose(t *testing.T) {
	env := newTestEnv(t)
	var calls atomic.Int32
	require.NoError(t, activity.Register(env.engine.Activities(), "notify", func(ctx context.Context, msg string) (string, error) {
		calls.Add(1)
		return msg, nil
	}))
	require.NoError(t, workflow.Register(env.engine.Workflows(), "fire-and-return", func(ctx workflow.Context, msg string) (string, error) {
		workflow.ExecuteActivity(ctx, "notify", msg, api.ActivityOptions{})
		workflow.NewTimer(ctx, time.Hour)
		return msg, nil
	}))
	env.runWorker(t)

	key := env.start(t, "fire-and-return", "hello", api.StartOptions{})
	exec, err := env.result(t, key.WorkflowID)
	require.NoError(t, err)
	require.Equal(t, "hello", decodeResult[string](t, exec))

	events := env.history(t, key)
	require.Equal(t, []api.EventType{
		api.EventWorkflowStarted,
		api.EventActivityScheduled,
		api.EventTimerStarted,
		api.EventWorkflowCompleted,
	}, eventTypes(events))
	require.Equal(t, "notify", events[1].ActivityType)
	require.Equal(t, int32(0), calls.Load(), "calls of a closed run are not dispatched")
}

func TestEngine_WorkflowTasksOfOneExecutionNeverOverlap(t *testing.T) {
	env := newTestEnv(t)

	var inside, overlaps atomic.Int32
	require.NoError(t, activity.Register(env.engine.Activities(), "noop", func(ctx context.Context, i int) (int, error) {
		return i, nil
	}))
	require.NoError(t, workflow.Register(env.engine.Workflows(), "busy", func(ctx workflow.Context, count int) (int, error) {
		if inside.Add(1) > 1 {
			overlaps.Add(1)
		}
		defer inside.Add(-1)
		time.Sleep(5 * time.Millisecond)

		futures := make([]*workflow.Future, count)
		for i := range futures {
			futures[i] = workflow.ExecuteActivity(ctx, "noop", i, api.ActivityOptions{})
		}
		return count, workflow.AwaitAll(ctx, futures...)
	}))

	// Several engines and workers sharing one store and queue.
	for i := 0; i < 3; i++ {
		other, err := New(Config{
			Store:      env.store,
			Queue:      env.queue,
			Workflows:  env.engine.Workflows(),
			Activities: env.engine.Activities(),
			Logger:     discard,
		})
		require.NoError(t, err)
		require.NoError(t, other.Start())
		t.Cleanup(other.Stop)
		(&testEnv{engine: other, queue: env.queue}).runWorker(t)
	}

	key := env.start(t, "busy", 20, api.StartOptions{})
	_, err := env.result(t, key.WorkflowID)
	require.NoError(t, err)
	require.Zero(t, overlaps.Load())
}

func TestEngine_SignalsAreDeliveredInOrder(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, workflow.Register(env.engine.Workflows(), "approval", func(ctx workflow.Context, _ struct{}) ([]string, error) {
		var out []string
		for i := 0; i < 2; i++ {
			var who string
			if err := workflow.GetSignal(ctx, "approve").Get(&who); err != nil {
				return nil, err
			}
			out = append(out, who)
		}
		return out, nil
	}))
	env.runWorker(t)

	ctx := context.Background()
	key := env.start(t, "approval", struct{}{}, api.StartOptions{ID: "approval-1"})
	require.NoError(t, env.engine.SignalWorkflow(ctx, "approval-1", "approve", "alice"))
	require.NoError(t, env.engine.SignalWorkflow(ctx, "approval-1", "approve", "bob"))

	exec, err := env.result(t, "approval-1")
	require.NoError(t, err)
	require.Equal(t, []string{"alice", "bob"}, decodeResult[[]string](t, exec))
	require.Equal(t, 2, countEvents(env.history(t, key), api.EventSignalReceived))

	err = env.engine.SignalWorkflow(ctx, "approval-1", "approve", "carol")
	require.ErrorIs(t, err, api.ErrInvalidTransition)
	err = env.engine.SignalWorkflow(ctx, "missing", "approve", "carol")
	require.ErrorIs(t, err, api.ErrExecutionNotFound)
}

func TestEngine_CancelStopsInFlightActivity(t *testing.T) {
	env := newTestEnv(t)

	started := make(chan struct{})
	stopped := make(chan struct{})
	require.NoError(t, activity.Register(env.engine.Activities(), "long", func(ctx context.Context, _ struct{}) (struct{}, error) {
		close(started)
		<-ctx.Done()
		close(stopped)
		return struct{}{}, ctx.Err()
	}))
	require.NoError(t, workflow.Register(env.engine.Workflows(), "cancellable", func(ctx workflow.Context, _ struct{}) (struct{}, error) {
		err := workflow.ExecuteActivity(ctx, "long", struct{}{}, api.ActivityOptions{}).Get(nil)
		return struct{}{}, err
	}))
	env.runWorker(t)

	key := env.start(t, "cancellable", struct{}{}, api.StartOptions{})
	<-started
	require.NoError(t, env.engine.CancelWorkflow(context.Background(), key.WorkflowID))

	exec, err := env.result(t, key.WorkflowID)
	require.Equal(t, api.StatusCancelled, exec.Status)
	var wfErr *api.WorkflowError
	require.ErrorAs(t, err, &wfErr)
	require.Equal(t, api.FailureCancelled, wfErr.Failure.Kind)

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("in-flight activity was not cancelled")
	}

	events := env.history(t, key)
	require.Equal(t, api.EventWorkflowCancelled, events[len(events)-1].Type)
	require.Equal(t, 0, countEvents(events, api.EventActivityCompleted))
	require.Equal(t, 0, countEvents(events, api.EventActivityFailed))

	require.ErrorIs(t, env.engine.CancelWorkflow(context.Background(), key.WorkflowID), api.ErrInvalidTransition)
}

func TestEngine_TimerFiresAfterDuration(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, workflow.Register(env.engine.Workflows(), "sleeper", func(ctx workflow.Context, d time.Duration) (time.Duration, error) {
		if err := workflow.Sleep(ctx, d); err != nil {
			return 0, err
		}
		return d, nil
	}))
	env.runWorker(t)

	begin := time.Now()
	key := env.start(t, "sleeper", 100*time.Millisecond, api.StartOptions{})
	_, err := env.result(t, key.WorkflowID)
	require.NoError(t, err)
	require.GreaterOrEqual(t, time.Since(begin), 100*time.Millisecond)

	events := env.history(t, key)
	require.Equal(t, []api.EventType{
		api.EventWorkflowStarted,
		api.EventTimerStarted,
		api.EventTimerFired,
		api.EventWorkflowCompleted,
	}, eventTypes(events))
	require.False(t, events[1].FireAt.IsZero())
}

func TestEngine_ExecutionTimeoutClosesRun(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, workflow.Register(env.engine.Workflows(), "forever", func(ctx workflow.Context, _ struct{}) (struct{}, error) {
		return struct{}{}, workflow.Sleep(ctx, time.Hour)
	}))
	env.runWorker(t)

	key := env.start(t, "forever", struct{}{}, api.StartOptions{ExecutionTimeout: 100 * time.Millisecond})
	exec, err := env.result(t, key.WorkflowID)
	require.Equal(t, api.StatusTimedOut, exec.Status)
	var wfErr *api.WorkflowError
	require.ErrorAs(t, err, &wfErr)
	require.Equal(t, api.FailureTimeout, wfErr.Failure.Kind)
	require.Equal(t, "ExecutionTimeout", wfErr.Failure.Type)

	events := env.history(t, key)
	require.Equal(t, api.EventWorkflowTimedOut, events[len(events)-1].Type)
}

func TestEngine_StartWorkflowValidation(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, workflow.Register(env.engine.Workflows(), "quick", func(ctx workflow.Context, n int) (int, error) {
		return n * 2, nil
	}))
	ctx := context.Background()

	_, err := env.engine.StartWorkflow(ctx, "nope", nil, api.StartOptions{})
	require.ErrorIs(t, err, api.ErrUnknownWorkflowType)

	first := env.start(t, "quick", 1, api.StartOptions{ID: "quick-1"})
	_, err = env.engine.StartWorkflow(ctx, "quick", 2, api.StartOptions{ID: "quick-1"})
	require.ErrorIs(t, err, api.ErrExecutionAlreadyStarted)

	env.runWorker(t)
	exec, err := env.result(t, "quick-1")
	require.NoError(t, err)
	require.Equal(t, 2, decodeResult[int](t, exec))

	// The id is free again once the run is closed.
	second := env.start(t, "quick", 5, api.StartOptions{ID: "quick-1"})
	require.NotEqual(t, first.RunID, second.RunID)
	exec, err = env.result(t, "quick-1")
	require.NoError(t, err)
	require.Equal(t, second, exec.Key)
	require.Equal(t, 10, decodeResult[int](t, exec))

	all, err := env.engine.ListExecutions(ctx, api.ExecutionFilter{WorkflowID: "quick-1"})
	require.NoError(t, err)
	require.Len(t, all, 2)
}

func TestEngine_StorageOutageIsRetried(t *testing.T) {
	env := newTestEnv(t)

	var outage sync.Once
	require.NoError(t, activity.Register(env.engine.Activities(), "work", func(ctx context.Context, n int) (int, error) {
		// Take the store down while the result is being recorded.
		outage.Do(func() {
			env.store.SetUnavailable(true)
			time.AfterFunc(100*time.Millisecond, func() { env.store.SetUnavailable(false) })
		})
		return n + 1, nil
	}))
	require.NoError(t, workflow.Register(env.engine.Workflows(), "resilient", func(ctx workflow.Context, n int) (int, error) {
		var out int
		err := workflow.ExecuteActivity(ctx, "work", n, api.ActivityOptions{}).Get(&out)
		return out, err
	}))

	env.store.SetUnavailable(true)
	time.AfterFunc(100*time.Millisecond, func() { env.store.SetUnavailable(false) })
	key := env.start(t, "resilient", 41, api.StartOptions{})

	env.runWorker(t)
	exec, err := env.result(t, key.WorkflowID)
	require.NoError(t, err)
	require.Equal(t, 42, decodeResult[int](t, exec))
}

func TestEngine_StorageOutageSurfacesAfterTimeout(t *testing.T) {
	store := persistence.NewInMemoryStore()
	e, err := New(Config{
		Store:               store,
		Queue:               taskqueue.NewInMemoryQueue(),
		Logger:              discard,
		StorageRetryInitial: time.Millisecond,
		StorageRetryTimeout: 30 * time.Millisecond,
	})
	require.NoError(t, err)
	require.NoError(t, workflow.Register(e.Workflows(), "any", func(ctx workflow.Context, _ struct{}) (struct{}, error) {
		return struct{}{}, nil
	}))

	store.SetUnavailable(true)
	_, err = e.StartWorkflow(context.Background(), "any", struct{}{}, api.StartOptions{})
	require.ErrorIs(t, err, api.ErrStorageUnavailable)
}

func TestEngine_ProcessTaskRequiresStart(t *testing.T) {
	e, err := New(Config{
		Store:  persistence.NewInMemoryStore(),
		Queue:  taskqueue.NewInMemoryQueue(),
		Logger: discard,
	})
	require.NoError(t, err)

	task := &taskqueue.Task{Kind: taskqueue.KindWorkflow}
	require.ErrorIs(t, e.ProcessTask(context.Background(), task), ErrStopped)

	require.NoError(t, e.Start())
	e.Stop()
	require.ErrorIs(t, e.ProcessTask(context.Background(), task), ErrStopped)
	require.ErrorIs(t, e.Start(), ErrStopped)

	_, err = New(Config{Queue: taskqueue.NewInMemoryQueue()})
	require.Error(t, err)
}
