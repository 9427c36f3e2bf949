// Package chronicle provides a durable workflow execution engine for Go.
//
// Workflows are ordinary Go functions. Every decision they make and every
// outcome they observe is recorded in an append-only event log, so a run
// survives process crashes: after a restart the function is replayed
// against its history and continues from where it left off.
//
// # Core Concepts
//
//  1. Client
//  2. Workflow functions
//  3. Activities
//  4. Worker
//  5. LocalRunner
//
// # Client
//
// A Client starts, signals and cancels workflow runs, waits for their
// results, and reads their state and history. It runs on a Store (event log
// plus execution records) and a Queue (workflow and activity tasks):
//
//   - In-memory (non-durable, best for tests)
//   - SQLite (embedded durability, store and queue)
//   - Postgres (store and queue)
//   - MongoDB (store and queue)
//   - Redis (store only; pair with a SQLite, Postgres or MongoDB queue)
//
// Any number of clients in any number of processes may share a backend.
//
// # Workflow functions
//
// A workflow is registered with RegisterWorkflow and has the shape
//
//	func(ctx chronicle.Context, input In) (Out, error)
//
// Workflow code must be deterministic: it talks to the outside world only
// through ExecuteActivity, NewTimer, Sleep and GetSignal, and reads time
// with workflow.Now. Futures returned by these helpers are awaited with Get,
// Select or AwaitAll.
//
// # Activities
//
// Activities are the side-effecting steps of a workflow, registered with
// RegisterActivity:
//
//	func(ctx context.Context, input In) (Out, error)
//
// Each invocation carries ActivityOptions: a start-to-close timeout and a
// RetryPolicy (see Retry for a builder). Failed attempts are retried with
// exponential backoff unless the error is non-retryable or attempts run
// out; the final outcome reaches the workflow as an *ActivityError.
// Activities run at least once and should be idempotent.
//
// # Worker
//
// A Worker polls the workflow and activity queues of one task queue name,
// holds a lease on every task it processes and extends it while the task
// runs. Workers scale horizontally; tasks of a crashed worker are
// redelivered when their lease expires.
//
// # LocalRunner
//
// LocalRunner bundles an in-memory Client and a Worker into a single,
// process-local helper useful for development and unit testing. It is not
// crash-durable.
//
// For runnable programs, see the /examples directory and cmd/chronicle.
package chronicle
