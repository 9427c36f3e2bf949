// Package workflow is the deterministic workflow runner and the API that
// workflow code is written against.
//
// A workflow is an ordinary function. Every time the engine processes a
// workflow task, the function is executed again from the top against the
// execution's event history. Calls such as ExecuteActivity and NewTimer
// return a Future; if the history already holds the outcome the future is
// ready, otherwise the runner records a decision (schedule the activity,
// start the timer) and the future stays pending. Calling Get on a pending
// future returns ErrSuspended, which workflow code should return unchanged.
//
// Because the history decides every outcome, workflow code must be
// deterministic: use Now instead of time.Now, do I/O only in activities, and
// do not start goroutines.
//
//	func Greet(ctx workflow.Context, name string) (string, error) {
//		var greeting string
//		err := workflow.ExecuteActivity(ctx, "Greet", name, api.ActivityOptions{}).Get(&greeting)
//		return greeting, err
//	}
package workflow
