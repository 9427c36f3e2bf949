package engine

import (
	"context"
	"fmt"

	"github.com/qmuntal/stateless"

	"github.com/petrijr/chronicle/pkg/api"
)

type trigger string

const (
	triggerComplete trigger = "complete"
	triggerFail     trigger = "fail"
	triggerTimeout  trigger = "timeout"
	triggerCancel   trigger = "cancel"
)

// closeTriggers maps closing event types to lifecycle triggers.
var closeTriggers = map[api.EventType]trigger{
	api.EventWorkflowCompleted: triggerComplete,
	api.EventWorkflowFailed:    triggerFail,
	api.EventWorkflowTimedOut:  triggerTimeout,
	api.EventWorkflowCancelled: triggerCancel,
}

// newLifecycle returns the execution status machine positioned at current.
// Only a running execution may close; terminal states accept no trigger.
func newLifecycle(current api.Status) *stateless.StateMachine {
	sm := stateless.NewStateMachine(current)
	sm.Configure(api.StatusRunning).
		Permit(triggerComplete, api.StatusCompleted).
		Permit(triggerFail, api.StatusFailed).
		Permit(triggerTimeout, api.StatusTimedOut).
		Permit(triggerCancel, api.StatusCancelled)
	sm.Configure(api.StatusCompleted)
	sm.Configure(api.StatusFailed)
	sm.Configure(api.StatusTimedOut)
	sm.Configure(api.StatusCancelled)
	return sm
}

// closeStatus returns the status an execution in current reaches through
// the closing event type t.
func closeStatus(ctx context.Context, current api.Status, t api.EventType) (api.Status, error) {
	tr, ok := closeTriggers[t]
	if !ok {
		return current, fmt.Errorf("%w: %s does not close an execution", api.ErrInvalidTransition, t)
	}
	sm := newLifecycle(current)
	if err := sm.FireCtx(ctx, tr); err != nil {
		return current, fmt.Errorf("%w: %s on %s", api.ErrInvalidTransition, tr, current)
	}
	return sm.MustState().(api.Status), nil
}
