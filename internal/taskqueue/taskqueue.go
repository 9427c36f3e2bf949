package taskqueue

import (
	"context"
	"errors"
	"time"

	"github.com/petrijr/chronicle/pkg/api"
)

// Kind identifies what the worker should do with a task.
type Kind string

const (
	// KindWorkflow asks a worker to replay an execution and record its next
	// decisions.
	KindWorkflow Kind = "workflow"
	// KindActivity asks a worker to run one activity attempt.
	KindActivity Kind = "activity"
	// KindTimer fires a durable timer once NotBefore has passed.
	KindTimer Kind = "timer"
	// KindTimeout closes an execution whose execution timeout has passed.
	KindTimeout Kind = "timeout"
)

// ErrLeaseLost is returned by Ack, Nack and Extend when the caller's lease
// token no longer identifies the current delivery of the task: the lease
// expired and the task was handed to another worker, or the task is gone.
var ErrLeaseLost = errors.New("taskqueue: lease lost")

// Task represents a unit of work for the worker.
type Task struct {
	ID    string
	Queue string
	Kind  Kind
	Key   api.ExecutionKey

	// ExclusiveKey, when set, limits delivery to one live lease per key.
	// Enqueueing a task whose key matches a task that is still waiting
	// coalesces into the waiting one.
	ExclusiveKey string

	// Payload is kind specific and opaque to the queue.
	Payload []byte

	// Attempt is carried for activity tasks; the queue does not interpret it.
	Attempt int

	EnqueuedAt time.Time

	// NotBefore is the earliest time this task should be eligible
	// for processing. Zero value means "immediately" (i.e., at enqueue time).
	NotBefore time.Time

	// Set on delivery.
	LeaseToken     string
	LeaseOwner     string
	LeaseExpiresAt time.Time
	Deliveries     int
}

// Queue is a durable task queue with visibility-timeout leases.
//
// A dequeued task stays invisible until its lease expires; if it is neither
// acked nor nacked by then it is delivered again with a new lease token.
// Delivery is at least once.
type Queue interface {
	// Enqueue adds a task to the named queue. An empty ID is assigned.
	Enqueue(ctx context.Context, t Task) error

	// Dequeue leases the next eligible task of queue for owner, blocking
	// until one is available or the context is cancelled. Eligible tasks are
	// served in NotBefore order, then in enqueue order.
	Dequeue(ctx context.Context, queue, owner string, visibility time.Duration) (*Task, error)

	// Ack removes a completed task.
	Ack(ctx context.Context, taskID, leaseToken string) error

	// Nack releases the lease and makes the task eligible again at notBefore.
	Nack(ctx context.Context, taskID, leaseToken string, notBefore time.Time) error

	// Extend pushes the lease expiry visibility into the future.
	Extend(ctx context.Context, taskID, leaseToken string, visibility time.Duration) (time.Time, error)

	// Len returns the approximate number of tasks in queue, leased or not.
	Len(queue string) int
}
