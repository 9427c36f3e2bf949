package worker

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/petrijr/chronicle/internal/taskqueue"
	"github.com/petrijr/chronicle/pkg/activity"
	"github.com/petrijr/chronicle/pkg/api"
)

// Processor handles a dequeued task. A nil error acks the task; any other
// error releases it for another delivery.
type Processor interface {
	ProcessTask(ctx context.Context, task *taskqueue.Task) error
}

// Options configure a Worker. Zero values select the defaults.
type Options struct {
	// TaskQueue is the logical queue to poll; both its workflow and activity
	// queues are served.
	TaskQueue string

	// Identity is recorded as the lease owner. Defaults to host:uuid.
	Identity string

	// WorkflowPollers and ActivityPollers set the number of concurrent
	// consumers per queue. Defaults: 1 and 4.
	WorkflowPollers int
	ActivityPollers int

	// Visibility is the lease duration. Defaults to 30s.
	Visibility time.Duration

	// HeartbeatInterval is how often a held lease is extended. Defaults to a
	// third of Visibility.
	HeartbeatInterval time.Duration

	// ReleaseBackoff delays the redelivery of a task whose processing
	// failed, by delivery count. Defaults to 100ms doubling up to 10s.
	ReleaseBackoff api.RetryPolicy

	Logger *slog.Logger
}

func (o *Options) setDefaults() {
	if o.TaskQueue == "" {
		o.TaskQueue = api.DefaultTaskQueue
	}
	if o.Identity == "" {
		host, _ := os.Hostname()
		o.Identity = host + ":" + uuid.NewString()[:8]
	}
	if o.WorkflowPollers <= 0 {
		o.WorkflowPollers = 1
	}
	if o.ActivityPollers <= 0 {
		o.ActivityPollers = 4
	}
	if o.Visibility <= 0 {
		o.Visibility = 30 * time.Second
	}
	if o.HeartbeatInterval <= 0 || o.HeartbeatInterval >= o.Visibility {
		o.HeartbeatInterval = o.Visibility / 3
	}
	if o.ReleaseBackoff.InitialInterval <= 0 {
		o.ReleaseBackoff = api.RetryPolicy{
			InitialInterval:   100 * time.Millisecond,
			BackoffMultiplier: 2,
			MaxInterval:       10 * time.Second,
		}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Worker pulls tasks from a Queue and hands them to a Processor, holding
// the task lease for as long as the processor runs.
type Worker struct {
	queue     taskqueue.Queue
	processor Processor
	opts      Options
	logger    *slog.Logger
}

// New creates a new Worker.
func New(queue taskqueue.Queue, processor Processor, opts Options) *Worker {
	opts.setDefaults()
	return &Worker{
		queue:     queue,
		processor: processor,
		opts:      opts,
		logger:    opts.Logger.With("worker", opts.Identity, "task_queue", opts.TaskQueue),
	}
}

// Identity returns the lease owner name of this worker.
func (w *Worker) Identity() string { return w.opts.Identity }

// Run polls until ctx is cancelled. Tasks in progress at that point are
// released back to the queue. Run returns nil on cancellation.
func (w *Worker) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.opts.WorkflowPollers; i++ {
		g.Go(func() error { return w.poll(ctx, api.WorkflowQueue(w.opts.TaskQueue)) })
	}
	for i := 0; i < w.opts.ActivityPollers; i++ {
		g.Go(func() error { return w.poll(ctx, api.ActivityQueue(w.opts.TaskQueue)) })
	}
	w.logger.Info("worker started",
		"workflow_pollers", w.opts.WorkflowPollers,
		"activity_pollers", w.opts.ActivityPollers,
	)
	err := g.Wait()
	w.logger.Info("worker stopped")
	return err
}

func (w *Worker) poll(ctx context.Context, queue string) error {
	for {
		_, err := w.ProcessOne(ctx, queue)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil && !errors.Is(err, errProcessing) {
			w.logger.Error("dequeue failed", "queue", queue, "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(w.opts.ReleaseBackoff.InitialInterval):
			}
		}
	}
}

// errProcessing wraps processor errors returned by ProcessOne.
var errProcessing = errors.New("task processing failed")

// ProcessOne pulls a single task from queue and processes it.
// Returns (processed, error):
//   - processed == false: no task was obtained; err is the dequeue error.
//   - processed == true: a task was handled; a non-nil err wraps the
//     processor error and the task was released for redelivery.
func (w *Worker) ProcessOne(ctx context.Context, queue string) (bool, error) {
	task, err := w.queue.Dequeue(ctx, queue, w.opts.Identity, w.opts.Visibility)
	if err != nil {
		return false, err
	}
	if task == nil {
		return false, nil
	}
	return true, w.handle(ctx, task)
}

func (w *Worker) handle(ctx context.Context, task *taskqueue.Task) error {
	log := w.logger.With("task_id", task.ID, "kind", task.Kind, "execution", task.Key.String())

	taskCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	beat := make(chan struct{}, 1)
	taskCtx = activity.WithHeartbeat(taskCtx, func() {
		select {
		case beat <- struct{}{}:
		default:
		}
	})

	keeperDone := make(chan struct{})
	go func() {
		defer close(keeperDone)
		w.keepLease(taskCtx, cancel, task, beat, log)
	}()

	procErr := w.processor.ProcessTask(taskCtx, task)
	cancel()
	<-keeperDone

	// The poll context may be gone during shutdown; settle the task anyway.
	settleCtx, settleCancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer settleCancel()

	if procErr == nil {
		if err := w.queue.Ack(settleCtx, task.ID, task.LeaseToken); err != nil {
			log.Warn("ack failed", "error", err)
		}
		return nil
	}

	delay := w.opts.ReleaseBackoff.Backoff(task.Deliveries)
	if ctx.Err() != nil {
		delay = 0
	}
	log.Warn("task failed, releasing", "error", procErr, "deliveries", task.Deliveries, "retry_in", delay)
	if err := w.queue.Nack(settleCtx, task.ID, task.LeaseToken, time.Now().Add(delay)); err != nil {
		log.Warn("nack failed", "error", err)
	}
	return errors.Join(errProcessing, procErr)
}

// keepLease extends the task lease every heartbeat interval, and right away
// when the processor records a heartbeat. Losing the lease cancels the task.
func (w *Worker) keepLease(ctx context.Context, cancel context.CancelFunc, task *taskqueue.Task, beat <-chan struct{}, log *slog.Logger) {
	ticker := time.NewTicker(w.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-beat:
		}
		_, err := w.queue.Extend(ctx, task.ID, task.LeaseToken, w.opts.Visibility)
		switch {
		case errors.Is(err, taskqueue.ErrLeaseLost):
			log.Warn("lease lost, abandoning task")
			cancel()
			return
		case err != nil && ctx.Err() == nil:
			log.Warn("lease extension failed", "error", err)
		}
	}
}
