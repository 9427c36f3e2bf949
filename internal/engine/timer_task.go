package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/petrijr/chronicle/internal/taskqueue"
	"github.com/petrijr/chronicle/pkg/api"
)

func (e *Engine) processTimerTask(ctx context.Context, task *taskqueue.Task) error {
	exec, err := e.liveExecution(ctx, task)
	if err != nil || exec == nil {
		return err
	}
	t, err := taskqueue.DecodePayload[timerTask](task.Payload)
	if err != nil {
		e.logger.Error("dropping timer task with bad payload", "task_id", task.ID, "error", err)
		return nil
	}

	_, err = e.appendEvent(ctx, api.Event{
		Key:       exec.Key,
		Type:      api.EventTimerFired,
		DedupeKey: api.TimerFiredDedupeKey(t.TimerID),
		TimerID:   t.TimerID,
	})
	switch {
	case isNotFound(err):
		return nil
	case err != nil && !errors.Is(err, api.ErrDuplicateEvent):
		return err
	}
	return e.enqueueWorkflowTask(ctx, exec)
}

// processTimeoutTask records the execution timeout. The record itself is
// closed by the workflow task that follows.
func (e *Engine) processTimeoutTask(ctx context.Context, task *taskqueue.Task) error {
	exec, err := e.liveExecution(ctx, task)
	if err != nil || exec == nil {
		return err
	}

	_, err = e.appendEvent(ctx, api.Event{
		Key:       exec.Key,
		Type:      api.EventWorkflowTimedOut,
		DedupeKey: api.CloseDedupeKey(),
		Failure: &api.Failure{
			Kind:    api.FailureTimeout,
			Type:    "ExecutionTimeout",
			Message: fmt.Sprintf("execution timeout of %s exceeded", exec.ExecutionTimeout),
		},
	})
	switch {
	case isNotFound(err):
		return nil
	case err != nil && !errors.Is(err, api.ErrDuplicateEvent):
		return err
	}
	return e.enqueueWorkflowTask(ctx, exec)
}
