package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/petrijr/chronicle/internal/taskqueue"
	"github.com/petrijr/chronicle/pkg/api"
	"github.com/petrijr/chronicle/pkg/workflow"
)

// processWorkflowTask replays an execution and records the decisions of the
// new run. Only workflow tasks write the execution record, and workflow
// tasks of one execution never overlap, so the record has a single writer.
func (e *Engine) processWorkflowTask(ctx context.Context, task *taskqueue.Task) error {
	exec, err := e.liveExecution(ctx, task)
	if err != nil || exec == nil {
		return err
	}

	history, err := e.readHistory(ctx, exec.Key, 1)
	if err != nil {
		return err
	}
	if len(history) == 0 {
		e.logger.Warn("execution has no history, dropping workflow task", "execution", exec.Key.String())
		return nil
	}

	fn, err := e.cfg.Workflows.Lookup(exec.WorkflowType)
	if err != nil {
		return err
	}

	res := workflow.Replay(fn, history, workflow.ReplayOptions{
		Logger:     e.logger,
		AppliedSeq: exec.Cursor,
	})

	if res.Closed {
		return e.applyClose(ctx, exec, closingEvent(history), res.PendingActivities)
	}
	if d, ok := res.Closing(); ok {
		// Calls the run made before returning are still recorded, ahead of
		// the closing event, but never dispatched.
		pending := res.PendingActivities
		for _, other := range res.Decisions {
			if other.Kind.Closes() {
				continue
			}
			if _, err := e.applyDecision(ctx, exec, other, false); err != nil {
				return err
			}
			if other.Kind == workflow.DecisionScheduleActivity {
				pending = append(pending, other.ActivityID)
			}
		}
		return e.closeExecution(ctx, exec, d, pending)
	}

	cursor := res.LastSeq
	for _, d := range res.Decisions {
		seq, err := e.applyDecision(ctx, exec, d, true)
		if err != nil {
			return err
		}
		cursor = max(cursor, seq)
	}

	if err := e.recoverDispatch(ctx, exec, history, res.PendingActivities); err != nil {
		return err
	}

	if cursor == exec.Cursor {
		return nil
	}
	exec.Cursor = cursor
	err = e.updateExecution(ctx, exec)
	if errors.Is(err, api.ErrInvalidTransition) {
		// Closed concurrently by a stale delivery of this task.
		return nil
	}
	return err
}

// closingEvent returns the first closing event of a closed history.
func closingEvent(history []api.Event) api.Event {
	for _, ev := range history {
		if ev.Type.Closes() {
			return ev
		}
	}
	return history[len(history)-1]
}

// applyDecision records one non-closing decision and, when dispatch is set,
// enqueues its task. It returns the sequence of the recorded event.
func (e *Engine) applyDecision(ctx context.Context, exec *api.WorkflowExecution, d workflow.Decision, dispatch bool) (int64, error) {
	switch d.Kind {
	case workflow.DecisionScheduleActivity:
		opts := d.Options
		seq, err := e.appendEvent(ctx, api.Event{
			Key:          exec.Key,
			Type:         api.EventActivityScheduled,
			DedupeKey:    api.ActivityScheduledDedupeKey(d.ActivityID),
			ActivityID:   d.ActivityID,
			ActivityType: d.ActivityType,
			Attempt:      1,
			Options:      &opts,
			Payload:      d.Input,
		})
		if errors.Is(err, api.ErrDuplicateEvent) {
			return seq, nil
		}
		if err != nil || !dispatch {
			return seq, err
		}
		t := activityTask{
			ActivityID:   d.ActivityID,
			ActivityType: d.ActivityType,
			Input:        d.Input,
			Options:      d.Options,
		}
		return seq, e.enqueueActivityTask(ctx, exec, t, 1, e.cfg.Now())

	case workflow.DecisionStartTimer:
		fireAt := e.cfg.Now().Add(d.Duration)
		seq, err := e.appendEvent(ctx, api.Event{
			Key:       exec.Key,
			Type:      api.EventTimerStarted,
			DedupeKey: api.TimerStartedDedupeKey(d.TimerID),
			TimerID:   d.TimerID,
			FireAt:    fireAt,
		})
		if errors.Is(err, api.ErrDuplicateEvent) {
			return seq, nil
		}
		if err != nil || !dispatch {
			return seq, err
		}
		return seq, e.enqueueTimerTask(ctx, exec, d.TimerID, fireAt)
	}
	return 0, fmt.Errorf("unexpected decision %s", d.Kind)
}

// recoverDispatch re-enqueues tasks for activities and timers recorded after
// the execution cursor: a previous workflow task may have stopped between
// recording them and dispatching their tasks. Duplicate deliveries are
// harmless since outcomes are deduplicated.
func (e *Engine) recoverDispatch(ctx context.Context, exec *api.WorkflowExecution, history []api.Event, pending []string) error {
	waiting := make(map[string]bool, len(pending))
	for _, id := range pending {
		waiting[id] = true
	}
	fired := make(map[string]bool)
	for _, ev := range history {
		if ev.Type == api.EventTimerFired {
			fired[ev.TimerID] = true
		}
	}

	for _, ev := range history {
		if ev.Seq <= exec.Cursor {
			continue
		}
		switch {
		case ev.Type == api.EventActivityScheduled && waiting[ev.ActivityID]:
			var opts api.ActivityOptions
			if ev.Options != nil {
				opts = *ev.Options
			}
			t := activityTask{
				ActivityID:   ev.ActivityID,
				ActivityType: ev.ActivityType,
				Input:        ev.Payload,
				Options:      opts,
			}
			e.logger.Info("re-dispatching activity", "execution", exec.Key.String(), "activity_id", ev.ActivityID)
			if err := e.enqueueActivityTask(ctx, exec, t, 1, e.cfg.Now()); err != nil {
				return err
			}
		case ev.Type == api.EventTimerStarted && !fired[ev.TimerID]:
			e.logger.Info("re-dispatching timer", "execution", exec.Key.String(), "timer_id", ev.TimerID)
			if err := e.enqueueTimerTask(ctx, exec, ev.TimerID, ev.FireAt); err != nil {
				return err
			}
		}
	}
	return nil
}

// closeExecution records the closing decision and closes the record.
func (e *Engine) closeExecution(ctx context.Context, exec *api.WorkflowExecution, d workflow.Decision, pending []string) error {
	ev := api.Event{
		Key:       exec.Key,
		DedupeKey: api.CloseDedupeKey(),
		Failure:   d.Failure,
	}
	switch d.Kind {
	case workflow.DecisionCompleteWorkflow:
		ev.Type = api.EventWorkflowCompleted
		ev.Payload = d.Result
	case workflow.DecisionFailWorkflow:
		ev.Type = api.EventWorkflowFailed
	case workflow.DecisionCancelWorkflow:
		ev.Type = api.EventWorkflowCancelled
	default:
		return fmt.Errorf("unexpected closing decision %s", d.Kind)
	}
	ev.At = e.cfg.Now()

	seq, err := e.appendEvent(ctx, ev)
	switch {
	case errors.Is(err, api.ErrDuplicateEvent):
		// Another closing event won; the record follows the log.
		recorded, err := e.readHistory(ctx, exec.Key, seq)
		if err != nil {
			return err
		}
		if len(recorded) == 0 {
			return fmt.Errorf("closing event %d of %s is missing", seq, exec.Key)
		}
		ev = recorded[0]
	case err != nil:
		return err
	default:
		ev.Seq = seq
	}
	return e.applyClose(ctx, exec, ev, pending)
}

// applyClose moves the execution record to the status of the closing event
// ev and cancels in-flight attempts of pending activities.
func (e *Engine) applyClose(ctx context.Context, exec *api.WorkflowExecution, ev api.Event, pending []string) error {
	status, err := closeStatus(ctx, exec.Status, ev.Type)
	if err != nil {
		return err
	}

	closed := *exec
	closed.Status = status
	closed.ClosedAt = ev.At
	closed.Cursor = ev.Seq
	closed.Failure = ev.Failure
	if status == api.StatusCompleted {
		closed.Result = ev.Payload
	}

	err = e.updateExecution(ctx, &closed)
	if errors.Is(err, api.ErrInvalidTransition) {
		return nil
	}
	if err != nil {
		return err
	}

	e.cancelActivities(exec.Key, pending)
	e.logger.Info("workflow closed",
		"workflow_id", exec.Key.WorkflowID,
		"run_id", exec.Key.RunID,
		"status", status,
	)
	e.observer.OnWorkflowClosed(ctx, &closed)
	e.notifyClosed()
	return nil
}
