// Package worker provides the background worker that drives chronicle
// executions forward.
//
// A worker polls the workflow and activity queues of one task queue,
// leases tasks and hands them to a Processor (normally the engine). While a
// task is being processed the worker keeps its lease alive by extending it
// periodically, and immediately whenever an activity calls
// activity.RecordHeartbeat. If the lease is lost the task context is
// cancelled, since another worker now owns the task.
//
// When the processor succeeds the task is acked. When it fails the task is
// released with a delay that grows with the number of deliveries. On
// shutdown, tasks in progress are released without delay so another
// worker can pick them up.
//
// Workers are stateless: any number of them, in any number of processes,
// may serve the same queues.
//
// # Usage
//
//	w := worker.New(queue, eng, worker.Options{TaskQueue: "orders"})
//	go w.Run(ctx)
//
// ProcessOne handles a single task and is useful in tests that step an
// execution forward deterministically.
package worker
