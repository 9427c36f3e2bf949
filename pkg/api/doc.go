// Package api contains the shared building blocks of the chronicle workflow
// engine: execution identity and status, the event history model, the
// failure taxonomy, retry policies, and the Observer hooks.
//
// Most users interact with the higher-level chronicle package, which
// re-exports selected types and helpers from this package. The api package
// is intended for custom integrations, storage backends, or contributors
// extending the engine itself.
//
// # Executions and Events
//
// Every workflow invocation is a WorkflowExecution identified by an
// ExecutionKey (workflow id + run id). Everything that happens to an
// execution is recorded as an Event in its append-only history. Events are
// strictly ordered by a gap-free sequence number and are never modified.
// Replaying the events of an execution from the beginning reconstructs the
// exact decisions the workflow made.
//
// # Failures
//
// Failures are classified into a small set of kinds (see FailureKind):
//
//   - TransientError: retried according to the RetryPolicy
//   - NonRetryableError: surfaced to workflow code after the first attempt
//   - Timeout: a start-to-close deadline elapsed; retried like a transient error
//   - Cancelled: the execution was cancelled
//   - WorkflowCodeError: a bug in workflow logic; fails the execution
//
// Infrastructure problems are reported as ErrStorageUnavailable and are
// never converted into workflow failures.
//
// # Observability
//
// The Observer interface is used by the engine and workers to report
// workflow and activity lifecycle events. LoggingObserver writes structured
// logs with log/slog; BasicMetrics keeps in-process counters.
package api
