package api

import (
	"fmt"
	"time"
)

// Status represents the lifecycle state of a workflow execution.
type Status string

const (
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusTimedOut  Status = "TIMED_OUT"
	StatusCancelled Status = "CANCELLED"
)

// Terminal reports whether s is a final status. Once an execution leaves
// StatusRunning it never changes again.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimedOut, StatusCancelled:
		return true
	}
	return false
}

// ExecutionKey identifies one run of a workflow.
//
// WorkflowID is chosen by the caller (or generated) and may be reused after
// a previous run has closed. RunID is unique per invocation.
type ExecutionKey struct {
	WorkflowID string
	RunID      string
}

func (k ExecutionKey) String() string {
	return k.WorkflowID + "/" + k.RunID
}

// WorkflowExecution is the engine-owned record of a single workflow run.
type WorkflowExecution struct {
	Key          ExecutionKey
	WorkflowType string
	TaskQueue    string
	Status       Status

	// Cursor is the sequence number of the last history event applied by a
	// workflow task. Events after Cursor have not been observed by workflow
	// code yet.
	Cursor int64

	Input   []byte
	Result  []byte
	Failure *Failure

	StartedAt time.Time
	ClosedAt  time.Time

	// ExecutionTimeout bounds the whole run. Zero means no limit.
	ExecutionTimeout time.Duration
}

// Err returns nil for completed or still running executions, and a
// *WorkflowError describing the outcome otherwise.
func (e *WorkflowExecution) Err() error {
	if e == nil || !e.Status.Terminal() || e.Status == StatusCompleted {
		return nil
	}
	return &WorkflowError{Key: e.Key, Status: e.Status, Failure: e.Failure}
}

// ExecutionFilter selects executions in ListExecutions.
// Zero values mean "no filter" for that field.
type ExecutionFilter struct {
	WorkflowID   string
	WorkflowType string
	Status       Status
}

// Matches reports whether exec satisfies the filter.
func (f ExecutionFilter) Matches(exec *WorkflowExecution) bool {
	if f.WorkflowID != "" && exec.Key.WorkflowID != f.WorkflowID {
		return false
	}
	if f.WorkflowType != "" && exec.WorkflowType != f.WorkflowType {
		return false
	}
	if f.Status != "" && exec.Status != f.Status {
		return false
	}
	return true
}

// StartOptions control how a workflow execution is started.
type StartOptions struct {
	// ID is the workflow id. If empty, a random id is generated.
	ID string

	// TaskQueue selects the queues the execution's tasks are dispatched on.
	// Empty means DefaultTaskQueue.
	TaskQueue string

	// ExecutionTimeout bounds the wall-clock duration of the run. When it
	// elapses the execution is closed with StatusTimedOut.
	ExecutionTimeout time.Duration
}

// DefaultTaskQueue is used when no task queue is configured.
const DefaultTaskQueue = "default"

// WorkflowQueue returns the name of the queue carrying workflow tasks for
// the given task queue.
func WorkflowQueue(taskQueue string) string {
	if taskQueue == "" {
		taskQueue = DefaultTaskQueue
	}
	return taskQueue + "/workflow"
}

// ActivityQueue returns the name of the queue carrying activity tasks for
// the given task queue.
func ActivityQueue(taskQueue string) string {
	if taskQueue == "" {
		taskQueue = DefaultTaskQueue
	}
	return taskQueue + "/activity"
}

// DefaultStartToCloseTimeout applies to activities scheduled without an
// explicit timeout.
const DefaultStartToCloseTimeout = time.Minute

// ActivityOptions configure a single activity invocation.
type ActivityOptions struct {
	// StartToCloseTimeout bounds one attempt. Zero means
	// DefaultStartToCloseTimeout.
	StartToCloseTimeout time.Duration

	// RetryPolicy governs re-attempts. Nil means DefaultRetryPolicy.
	RetryPolicy *RetryPolicy
}

// Timeout returns the effective start-to-close timeout.
func (o ActivityOptions) Timeout() time.Duration {
	if o.StartToCloseTimeout <= 0 {
		return DefaultStartToCloseTimeout
	}
	return o.StartToCloseTimeout
}

// Policy returns the effective retry policy.
func (o ActivityOptions) Policy() RetryPolicy {
	if o.RetryPolicy == nil {
		return DefaultRetryPolicy()
	}
	return *o.RetryPolicy
}

// ActivityInvocation is one scheduled activity call of a workflow run.
//
// ActivityID is unique within the run. Attempt starts at 1 and increases by
// one for every retry.
type ActivityInvocation struct {
	Key          ExecutionKey
	ActivityID   string
	ActivityType string
	Input        []byte
	Attempt      int
	Options      ActivityOptions
}

func (inv ActivityInvocation) String() string {
	return fmt.Sprintf("%s %s(%s) attempt %d", inv.Key, inv.ActivityType, inv.ActivityID, inv.Attempt)
}
