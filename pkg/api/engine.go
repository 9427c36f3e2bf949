package api

import (
	"context"
)

// Client is the submission and query API of an engine.
type Client interface {
	// StartWorkflow creates a new execution of workflowType and schedules its
	// first workflow task. It returns the key of the new run.
	StartWorkflow(ctx context.Context, workflowType string, input any, opts StartOptions) (ExecutionKey, error)

	// SignalWorkflow delivers a named signal to the latest run of workflowID.
	SignalWorkflow(ctx context.Context, workflowID, signalName string, payload any) error

	// CancelWorkflow requests cancellation of the latest run of workflowID.
	// The run transitions to StatusCancelled on its next workflow task.
	CancelWorkflow(ctx context.Context, workflowID string) error

	// GetResult blocks until the latest run of workflowID is terminal or ctx
	// is done. For runs that did not complete, the returned error is a
	// *WorkflowError carrying the failure chain.
	GetResult(ctx context.Context, workflowID string) (*WorkflowExecution, error)

	// Describe returns the current state of an execution. An empty RunID
	// selects the latest run.
	Describe(ctx context.Context, key ExecutionKey) (*WorkflowExecution, error)

	// History returns the full event history of an execution.
	History(ctx context.Context, key ExecutionKey) ([]Event, error)

	// ListExecutions returns executions matching the filter.
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*WorkflowExecution, error)
}
