package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/petrijr/chronicle/internal/taskqueue"
	"github.com/petrijr/chronicle/pkg/api"
)

// activityTask is the payload of a taskqueue.KindActivity task. The attempt
// number travels in Task.Attempt.
type activityTask struct {
	ActivityID   string
	ActivityType string
	Input        []byte
	Options      api.ActivityOptions
}

// timerTask is the payload of a taskqueue.KindTimer task.
type timerTask struct {
	TimerID string
}

// ProcessTask handles one dequeued task. A nil error means the task is done
// and should be acked; an error means it should be released for another
// delivery.
func (e *Engine) ProcessTask(ctx context.Context, task *taskqueue.Task) error {
	if err := e.accepting(); err != nil {
		return err
	}
	switch task.Kind {
	case taskqueue.KindWorkflow:
		return e.processWorkflowTask(ctx, task)
	case taskqueue.KindActivity:
		return e.processActivityTask(ctx, task)
	case taskqueue.KindTimer:
		return e.processTimerTask(ctx, task)
	case taskqueue.KindTimeout:
		return e.processTimeoutTask(ctx, task)
	default:
		e.logger.Error("dropping task of unknown kind", "task_id", task.ID, "kind", task.Kind)
		return nil
	}
}

func (e *Engine) enqueue(ctx context.Context, task taskqueue.Task) error {
	if task.EnqueuedAt.IsZero() {
		task.EnqueuedAt = e.cfg.Now()
	}
	if err := e.queue.Enqueue(ctx, task); err != nil {
		return fmt.Errorf("enqueue %s task for %s: %w", task.Kind, task.Key, err)
	}
	return nil
}

// enqueueWorkflowTask schedules a replay of exec. Workflow tasks of one
// execution share an exclusive key: they never run concurrently and pending
// ones coalesce.
func (e *Engine) enqueueWorkflowTask(ctx context.Context, exec *api.WorkflowExecution) error {
	return e.enqueue(ctx, taskqueue.Task{
		Queue:        api.WorkflowQueue(exec.TaskQueue),
		Kind:         taskqueue.KindWorkflow,
		Key:          exec.Key,
		ExclusiveKey: exec.Key.String(),
	})
}

func (e *Engine) enqueueActivityTask(ctx context.Context, exec *api.WorkflowExecution, t activityTask, attempt int, notBefore time.Time) error {
	payload, err := taskqueue.EncodePayload(t)
	if err != nil {
		return err
	}
	return e.enqueue(ctx, taskqueue.Task{
		Queue:     api.ActivityQueue(exec.TaskQueue),
		Kind:      taskqueue.KindActivity,
		Key:       exec.Key,
		Payload:   payload,
		Attempt:   attempt,
		NotBefore: notBefore,
	})
}

func (e *Engine) enqueueTimerTask(ctx context.Context, exec *api.WorkflowExecution, timerID string, fireAt time.Time) error {
	payload, err := taskqueue.EncodePayload(timerTask{TimerID: timerID})
	if err != nil {
		return err
	}
	return e.enqueue(ctx, taskqueue.Task{
		Queue:        api.WorkflowQueue(exec.TaskQueue),
		Kind:         taskqueue.KindTimer,
		Key:          exec.Key,
		ExclusiveKey: "timer/" + exec.Key.String() + "/" + timerID,
		Payload:      payload,
		NotBefore:    fireAt,
	})
}

func (e *Engine) enqueueTimeoutTask(ctx context.Context, exec *api.WorkflowExecution, deadline time.Time) error {
	return e.enqueue(ctx, taskqueue.Task{
		Queue:        api.WorkflowQueue(exec.TaskQueue),
		Kind:         taskqueue.KindTimeout,
		Key:          exec.Key,
		ExclusiveKey: "timeout/" + exec.Key.String(),
		NotBefore:    deadline,
	})
}

// liveExecution loads the execution a task belongs to. It returns nil when
// the execution is gone or closed, in which case the task is obsolete.
func (e *Engine) liveExecution(ctx context.Context, task *taskqueue.Task) (*api.WorkflowExecution, error) {
	exec, err := e.Describe(ctx, task.Key)
	if err != nil {
		if isNotFound(err) {
			e.logger.Warn("dropping task for unknown execution", "task_id", task.ID, "kind", task.Kind, "execution", task.Key.String())
			return nil, nil
		}
		return nil, err
	}
	if exec.Status.Terminal() {
		return nil, nil
	}
	return exec, nil
}
