package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/chronicle/internal/persistence"
	"github.com/petrijr/chronicle/internal/taskqueue"
	"github.com/petrijr/chronicle/pkg/activity"
	"github.com/petrijr/chronicle/pkg/api"
	"github.com/petrijr/chronicle/pkg/workflow"
)

// ErrStopped is returned by ProcessTask after Stop. Workers nack the task so
// that another process picks it up.
var ErrStopped = errors.New("engine stopped")

// Config describes how to construct an Engine.
type Config struct {
	Store persistence.Store
	Queue taskqueue.Queue

	Workflows  *workflow.Registry
	Activities *activity.Registry

	Observer api.Observer
	Logger   *slog.Logger

	// StorageRetryInitial and StorageRetryMax shape the exponential backoff
	// applied while the store reports api.ErrStorageUnavailable.
	// StorageRetryTimeout bounds the total time spent retrying one call.
	StorageRetryInitial time.Duration
	StorageRetryMax     time.Duration
	StorageRetryTimeout time.Duration

	// ResultPollInterval is how often GetResult re-reads an execution
	// closed by another process.
	ResultPollInterval time.Duration

	// Now is the clock; it defaults to time.Now.
	Now func() time.Time
}

func (c *Config) setDefaults() {
	if c.Workflows == nil {
		c.Workflows = workflow.NewRegistry()
	}
	if c.Activities == nil {
		c.Activities = activity.NewRegistry()
	}
	if c.Observer == nil {
		c.Observer = api.NoopObserver{}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.StorageRetryInitial <= 0 {
		c.StorageRetryInitial = 10 * time.Millisecond
	}
	if c.StorageRetryMax <= 0 {
		c.StorageRetryMax = time.Second
	}
	if c.StorageRetryTimeout <= 0 {
		c.StorageRetryTimeout = 30 * time.Second
	}
	if c.ResultPollInterval <= 0 {
		c.ResultPollInterval = 50 * time.Millisecond
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Engine drives workflow executions: it records client requests in the
// event log, and turns queued tasks into replays, activity attempts and
// timer firings.
//
// All execution state lives in the Store and the Queue; any number of
// engines may share them.
type Engine struct {
	cfg      Config
	store    persistence.Store
	queue    taskqueue.Queue
	executor *activity.Executor
	observer api.Observer
	logger   *slog.Logger

	mu       sync.Mutex
	started  bool
	stopped  bool
	inflight map[string]*inflightActivity

	// closed is replaced every time this engine closes an execution, waking
	// GetResult callers in the same process.
	closedMu sync.Mutex
	closed   chan struct{}
}

type inflightActivity struct {
	cancel    context.CancelFunc
	cancelled bool
}

var _ api.Client = (*Engine)(nil)

// New creates an Engine. Store and Queue are required.
func New(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, errors.New("engine: store is required")
	}
	if cfg.Queue == nil {
		return nil, errors.New("engine: queue is required")
	}
	cfg.setDefaults()
	return &Engine{
		cfg:      cfg,
		store:    cfg.Store,
		queue:    cfg.Queue,
		executor: activity.NewExecutor(cfg.Activities),
		observer: cfg.Observer,
		logger:   cfg.Logger,
		inflight: make(map[string]*inflightActivity),
		closed:   make(chan struct{}),
	}, nil
}

// Workflows returns the workflow registry.
func (e *Engine) Workflows() *workflow.Registry { return e.cfg.Workflows }

// Activities returns the activity registry.
func (e *Engine) Activities() *activity.Registry { return e.cfg.Activities }

// Queue returns the task queue the engine dispatches on.
func (e *Engine) Queue() taskqueue.Queue { return e.queue }

// Logger returns the engine logger.
func (e *Engine) Logger() *slog.Logger { return e.logger }

// Start marks the engine as accepting tasks. Client calls work without
// Start; ProcessTask does not.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return ErrStopped
	}
	e.started = true
	e.logger.Info("engine started",
		"workflows", e.cfg.Workflows.Names(),
		"activities", e.cfg.Activities.Names(),
	)
	return nil
}

// Stop cancels every in-flight activity attempt. The attempts are not
// recorded; their tasks are released to the queue by the worker.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return
	}
	e.stopped = true
	for _, a := range e.inflight {
		a.cancel()
	}
	e.logger.Info("engine stopped", "inflight_activities", len(e.inflight))
}

func (e *Engine) accepting() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped || !e.started {
		return ErrStopped
	}
	return nil
}

func (e *Engine) StartWorkflow(ctx context.Context, workflowType string, input any, opts api.StartOptions) (api.ExecutionKey, error) {
	if _, err := e.cfg.Workflows.Lookup(workflowType); err != nil {
		return api.ExecutionKey{}, err
	}
	payload, err := api.EncodePayload(input)
	if err != nil {
		return api.ExecutionKey{}, fmt.Errorf("encode workflow input: %w", err)
	}

	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	taskQueue := opts.TaskQueue
	if taskQueue == "" {
		taskQueue = api.DefaultTaskQueue
	}
	now := e.cfg.Now()
	exec := &api.WorkflowExecution{
		Key:              api.ExecutionKey{WorkflowID: id, RunID: uuid.NewString()},
		WorkflowType:     workflowType,
		TaskQueue:        taskQueue,
		Status:           api.StatusRunning,
		Input:            payload,
		StartedAt:        now,
		ExecutionTimeout: opts.ExecutionTimeout,
	}

	err = e.withStorage(ctx, func(ctx context.Context) error {
		return e.store.CreateExecution(ctx, exec)
	})
	if err != nil {
		return api.ExecutionKey{}, err
	}

	_, err = e.appendEvent(ctx, api.Event{
		Key:              exec.Key,
		Type:             api.EventWorkflowStarted,
		At:               now,
		DedupeKey:        api.StartedDedupeKey(),
		WorkflowType:     workflowType,
		TaskQueue:        taskQueue,
		ExecutionTimeout: opts.ExecutionTimeout,
		Payload:          payload,
	})
	if err != nil {
		return api.ExecutionKey{}, err
	}

	if err := e.enqueueWorkflowTask(ctx, exec); err != nil {
		return api.ExecutionKey{}, err
	}
	if opts.ExecutionTimeout > 0 {
		if err := e.enqueueTimeoutTask(ctx, exec, now.Add(opts.ExecutionTimeout)); err != nil {
			return api.ExecutionKey{}, err
		}
	}

	e.observer.OnWorkflowStarted(ctx, exec)
	return exec.Key, nil
}

func (e *Engine) SignalWorkflow(ctx context.Context, workflowID, signalName string, payload any) error {
	if signalName == "" {
		return errors.New("signal name is required")
	}
	data, err := api.EncodePayload(payload)
	if err != nil {
		return fmt.Errorf("encode signal payload: %w", err)
	}
	exec, err := e.running(ctx, workflowID)
	if err != nil {
		return err
	}
	_, err = e.appendEvent(ctx, api.Event{
		Key:        exec.Key,
		Type:       api.EventSignalReceived,
		SignalName: signalName,
		Payload:    data,
	})
	if err != nil {
		return err
	}
	return e.enqueueWorkflowTask(ctx, exec)
}

func (e *Engine) CancelWorkflow(ctx context.Context, workflowID string) error {
	exec, err := e.running(ctx, workflowID)
	if err != nil {
		return err
	}
	_, err = e.appendEvent(ctx, api.Event{
		Key:       exec.Key,
		Type:      api.EventWorkflowCancelRequested,
		DedupeKey: api.CancelRequestedDedupeKey(),
	})
	if err != nil && !errors.Is(err, api.ErrDuplicateEvent) {
		return err
	}
	return e.enqueueWorkflowTask(ctx, exec)
}

// running returns the latest run of workflowID, or ErrInvalidTransition if
// it is already closed.
func (e *Engine) running(ctx context.Context, workflowID string) (*api.WorkflowExecution, error) {
	exec, err := e.Describe(ctx, api.ExecutionKey{WorkflowID: workflowID})
	if err != nil {
		return nil, err
	}
	if exec.Status.Terminal() {
		return nil, fmt.Errorf("%w: %s is %s", api.ErrInvalidTransition, exec.Key, exec.Status)
	}
	return exec, nil
}

func (e *Engine) GetResult(ctx context.Context, workflowID string) (*api.WorkflowExecution, error) {
	ticker := time.NewTicker(e.cfg.ResultPollInterval)
	defer ticker.Stop()

	for {
		wake := e.closedSignal()
		exec, err := e.Describe(ctx, api.ExecutionKey{WorkflowID: workflowID})
		if err != nil {
			return nil, err
		}
		if exec.Status.Terminal() {
			return exec, exec.Err()
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wake:
		case <-ticker.C:
		}
	}
}

func (e *Engine) Describe(ctx context.Context, key api.ExecutionKey) (*api.WorkflowExecution, error) {
	var exec *api.WorkflowExecution
	err := e.withStorage(ctx, func(ctx context.Context) error {
		var err error
		exec, err = e.store.GetExecution(ctx, key)
		return err
	})
	return exec, err
}

func (e *Engine) History(ctx context.Context, key api.ExecutionKey) ([]api.Event, error) {
	if key.RunID == "" {
		exec, err := e.Describe(ctx, key)
		if err != nil {
			return nil, err
		}
		key = exec.Key
	}
	return e.readHistory(ctx, key, 1)
}

func (e *Engine) ListExecutions(ctx context.Context, filter api.ExecutionFilter) ([]*api.WorkflowExecution, error) {
	var out []*api.WorkflowExecution
	err := e.withStorage(ctx, func(ctx context.Context) error {
		var err error
		out, err = e.store.ListExecutions(ctx, filter)
		return err
	})
	return out, err
}

func (e *Engine) closedSignal() <-chan struct{} {
	e.closedMu.Lock()
	defer e.closedMu.Unlock()
	return e.closed
}

func (e *Engine) notifyClosed() {
	e.closedMu.Lock()
	defer e.closedMu.Unlock()
	close(e.closed)
	e.closed = make(chan struct{})
}
