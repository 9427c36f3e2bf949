package engine

import (
	"context"
	"errors"

	"github.com/petrijr/chronicle/internal/taskqueue"
	"github.com/petrijr/chronicle/pkg/api"
)

// processActivityTask runs one attempt of an activity. A retryable failure
// enqueues the next attempt; a success or a final failure is recorded in the
// history and wakes the workflow.
func (e *Engine) processActivityTask(ctx context.Context, task *taskqueue.Task) error {
	exec, err := e.liveExecution(ctx, task)
	if err != nil || exec == nil {
		return err
	}

	t, err := taskqueue.DecodePayload[activityTask](task.Payload)
	if err != nil {
		e.logger.Error("dropping activity task with bad payload", "task_id", task.ID, "error", err)
		return nil
	}
	inv := api.ActivityInvocation{
		Key:          exec.Key,
		ActivityID:   t.ActivityID,
		ActivityType: t.ActivityType,
		Input:        t.Input,
		Attempt:      max(task.Attempt, 1),
		Options:      t.Options,
	}

	runCtx, release := e.trackActivity(ctx, inv)
	e.observer.OnActivityStarted(ctx, inv)
	out := e.executor.Execute(runCtx, inv)
	cancelled := release()
	e.observer.OnActivityCompleted(ctx, inv, out.Failure, out.Duration)

	if out.Failure != nil && out.Failure.Kind == api.FailureCancelled {
		if cancelled {
			// The execution closed; nothing waits for this outcome.
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		return ErrStopped
	}

	if out.Failure != nil {
		decision := api.NextAttempt(inv.Options.Policy(), inv.Attempt, out.Failure)
		if decision.Retry {
			if err := e.enqueueActivityTask(ctx, exec, t, inv.Attempt+1, e.cfg.Now().Add(decision.After)); err != nil {
				return err
			}
			e.observer.OnActivityRetry(ctx, inv, decision.After)
			return nil
		}
		e.logger.Info("activity failed permanently",
			"activity", inv.String(),
			"reason", decision.Reason,
			"error", out.Failure.Error(),
		)
	}

	ev := api.Event{
		Key:          exec.Key,
		DedupeKey:    api.ActivityResultDedupeKey(inv.ActivityID),
		ActivityID:   inv.ActivityID,
		ActivityType: inv.ActivityType,
		Attempt:      inv.Attempt,
	}
	if out.Failure == nil {
		ev.Type = api.EventActivityCompleted
		ev.Payload = out.Result
	} else {
		ev.Type = api.EventActivityFailed
		ev.Failure = out.Failure
	}
	_, err = e.appendEvent(ctx, ev)
	switch {
	case isNotFound(err):
		return nil
	case err != nil && !errors.Is(err, api.ErrDuplicateEvent):
		return err
	}
	return e.enqueueWorkflowTask(ctx, exec)
}

// trackActivity registers an in-flight attempt so that closing its execution
// or stopping the engine cancels it. release unregisters the attempt and
// reports whether it was cancelled because the execution closed.
func (e *Engine) trackActivity(ctx context.Context, inv api.ActivityInvocation) (context.Context, func() bool) {
	runCtx, cancel := context.WithCancel(ctx)
	id := inflightID(inv.Key, inv.ActivityID)
	a := &inflightActivity{cancel: cancel}

	e.mu.Lock()
	e.inflight[id] = a
	if e.stopped {
		cancel()
	}
	e.mu.Unlock()

	return runCtx, func() bool {
		e.mu.Lock()
		defer e.mu.Unlock()
		if e.inflight[id] == a {
			delete(e.inflight, id)
		}
		cancel()
		return a.cancelled
	}
}

// cancelActivities cancels in-flight attempts of the given activities of key
// running in this engine.
func (e *Engine) cancelActivities(key api.ExecutionKey, activityIDs []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, activityID := range activityIDs {
		if a, ok := e.inflight[inflightID(key, activityID)]; ok {
			a.cancelled = true
			a.cancel()
		}
	}
}

func inflightID(key api.ExecutionKey, activityID string) string {
	return key.String() + "/" + activityID
}

func isNotFound(err error) bool {
	return errors.Is(err, api.ErrExecutionNotFound)
}
