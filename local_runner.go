package chronicle

import (
	"context"
	"errors"
	"sync"

	"github.com/petrijr/chronicle/pkg/api"
	"github.com/petrijr/chronicle/pkg/worker"
)

// LocalRunner bundles an in-memory Client and a Worker to provide a simple
// "local runner" for development, tests and single-process deployments.
//
// Typical usage:
//
//	runner := chronicle.NewLocalRunner(chronicle.Options{})
//	_ = chronicle.RegisterWorkflow(runner.Client, "greet", greet)
//	_ = chronicle.RegisterActivity(runner.Client, "hello", hello)
//
//	_ = runner.StartWorkers(ctx)
//	defer runner.Stop()
//
//	key, _ := runner.Client.Start(ctx, "greet", "ada", chronicle.StartOptions{})
//	exec, err := runner.Client.GetResult(ctx, key.WorkflowID)
type LocalRunner struct {
	// Client is the in-memory client used by this runner.
	Client *Client

	// Worker processes the client's tasks.
	Worker *worker.Worker

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// NewLocalRunner constructs a LocalRunner backed by an in-memory store and
// queue, and a Worker with default options.
func NewLocalRunner(opts Options) *LocalRunner {
	return NewLocalRunnerWithWorker(opts, WorkerOptions{})
}

// NewLocalRunnerWithWorker is NewLocalRunner with explicit worker options.
func NewLocalRunnerWithWorker(opts Options, wopts WorkerOptions) *LocalRunner {
	c := NewInMemory(opts)
	return &LocalRunner{
		Client: c,
		Worker: c.NewWorker(wopts),
	}
}

// StartWorkers runs the Worker in the background until Stop is called or
// ctx is cancelled.
//
// If StartWorkers is called more than once without Stop, it returns an error.
func (r *LocalRunner) StartWorkers(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return errors.New("chronicle: LocalRunner already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	r.running = true

	go func(done chan struct{}) {
		defer close(done)
		if err := r.Worker.Run(ctx); err != nil {
			r.Client.engine.Logger().Error("local runner worker stopped", "error", err)
		}
	}(r.done)

	return nil
}

// Stop cancels the worker and waits for it to release its tasks. The
// Client stays usable for queries.
func (r *LocalRunner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	cancel, done := r.cancel, r.done
	r.running = false
	r.cancel = nil
	r.mu.Unlock()

	cancel()
	<-done
}

// Run starts workflowType and waits for its result. Workers must be running.
func (r *LocalRunner) Run(ctx context.Context, workflowType string, input any, out any) (*WorkflowExecution, error) {
	key, err := r.Client.Start(ctx, workflowType, input, StartOptions{})
	if err != nil {
		return nil, err
	}
	exec, err := r.Client.GetResult(ctx, key.WorkflowID)
	if err != nil {
		return exec, err
	}
	return exec, api.DecodePayload(exec.Result, out)
}
