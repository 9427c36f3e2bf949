package chronicle

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/petrijr/chronicle/internal/engine"
	"github.com/petrijr/chronicle/internal/persistence"
	"github.com/petrijr/chronicle/internal/taskqueue"
	"github.com/petrijr/chronicle/pkg/activity"
	"github.com/petrijr/chronicle/pkg/api"
	"github.com/petrijr/chronicle/pkg/worker"
	"github.com/petrijr/chronicle/pkg/workflow"
)

// Re-export key types so users don't need to dig into pkg/api.

type (
	Status             = api.Status
	ExecutionKey       = api.ExecutionKey
	WorkflowExecution  = api.WorkflowExecution
	ExecutionFilter    = api.ExecutionFilter
	Event              = api.Event
	StartOptions       = api.StartOptions
	ActivityOptions    = api.ActivityOptions
	RetryPolicy        = api.RetryPolicy
	Failure            = api.Failure
	ActivityError      = api.ActivityError
	WorkflowError      = api.WorkflowError
	Observer           = api.Observer
	NoopObserver       = api.NoopObserver
	ActivityInvocation = api.ActivityInvocation
	BasicMetrics       = api.BasicMetrics

	// Context is the deterministic context handed to workflow code.
	Context = workflow.Context
	Future  = workflow.Future

	// Store and Queue are the storage contracts a Client runs on.
	Store = persistence.Store
	Queue = taskqueue.Queue

	WorkerOptions = worker.Options
)

const (
	StatusRunning   = api.StatusRunning
	StatusCompleted = api.StatusCompleted
	StatusFailed    = api.StatusFailed
	StatusTimedOut  = api.StatusTimedOut
	StatusCancelled = api.StatusCancelled
)

// Workflow code helpers.

var (
	ExecuteActivity = workflow.ExecuteActivity
	NewTimer        = workflow.NewTimer
	Sleep           = workflow.Sleep
	GetSignal       = workflow.GetSignal
	Select          = workflow.Select
	AwaitAll        = workflow.AwaitAll
	GetLogger       = workflow.GetLogger

	NewApplicationError  = api.NewApplicationError
	NewNonRetryableError = api.NewNonRetryableError
	NewLoggingObserver   = api.NewLoggingObserver
	NewCompositeObserver = api.NewCompositeObserver
)

// Store and queue constructors. They wrap the internal packages so callers
// never import them directly.

func NewInMemoryStore() Store { return persistence.NewInMemoryStore() }

func NewInMemoryQueue() Queue { return taskqueue.NewInMemoryQueue() }

// NewSQLiteStore creates the store schema in db. The caller imports a SQLite
// driver such as modernc.org/sqlite.
func NewSQLiteStore(db *sql.DB) (Store, error) { return persistence.NewSQLiteStore(db) }

func NewSQLiteQueue(db *sql.DB) (Queue, error) { return taskqueue.NewSQLiteQueue(db) }

func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool) (Store, error) {
	return persistence.NewPostgresStore(ctx, pool)
}

func NewPostgresQueue(ctx context.Context, pool *pgxpool.Pool) (Queue, error) {
	return taskqueue.NewPostgresQueue(ctx, pool)
}

// NewRedisStore keeps events and executions under keyPrefix. Redis has no
// task queue; pair it with a SQLite or Postgres queue.
func NewRedisStore(client *redis.Client, keyPrefix string) Store {
	return persistence.NewRedisStore(client, keyPrefix)
}

// NewMongoStore keeps events and executions in database.
func NewMongoStore(ctx context.Context, client *mongo.Client, database string) (Store, error) {
	return persistence.NewMongoStore(ctx, client, database)
}

func NewMongoQueue(ctx context.Context, client *mongo.Client, database string) (Queue, error) {
	return taskqueue.NewMongoQueue(ctx, client, database)
}

// Options configure a Client.
type Options struct {
	Observer Observer
	Logger   *slog.Logger
}

// Client submits workflows and runs workers over one Store and Queue.
// Several Clients in different processes may share the same backends.
type Client struct {
	engine *engine.Engine
}

// New creates a Client. Register workflows and activities before starting
// workers.
func New(store Store, queue Queue, opts Options) (*Client, error) {
	if store == nil || queue == nil {
		return nil, errors.New("chronicle: store and queue are required")
	}
	eng, err := engine.New(engine.Config{
		Store:    store,
		Queue:    queue,
		Observer: opts.Observer,
		Logger:   opts.Logger,
	})
	if err != nil {
		return nil, err
	}
	if err := eng.Start(); err != nil {
		return nil, err
	}
	return &Client{engine: eng}, nil
}

// NewInMemory returns a Client on an in-memory store and queue.
func NewInMemory(opts Options) *Client {
	c, err := New(NewInMemoryStore(), NewInMemoryQueue(), opts)
	if err != nil {
		panic(err) // unreachable: both backends are non-nil
	}
	return c
}

// RegisterWorkflow adds a typed workflow function under name.
func RegisterWorkflow[In, Out any](c *Client, name string, fn func(ctx Context, input In) (Out, error)) error {
	return workflow.Register(c.engine.Workflows(), name, fn)
}

// RegisterActivity adds a typed activity handler under name.
func RegisterActivity[In, Out any](c *Client, name string, fn func(ctx context.Context, input In) (Out, error)) error {
	return activity.Register(c.engine.Activities(), name, fn)
}

// NewWorker returns a worker processing this client's tasks.
func (c *Client) NewWorker(opts WorkerOptions) *worker.Worker {
	if opts.Logger == nil {
		opts.Logger = c.engine.Logger()
	}
	return worker.New(c.engine.Queue(), c.engine, opts)
}

// Close cancels in-flight activities; their tasks are released for
// redelivery. Workers of a closed client stop processing tasks.
func (c *Client) Close() { c.engine.Stop() }

// Start begins a new execution of workflowType.
func (c *Client) Start(ctx context.Context, workflowType string, input any, opts StartOptions) (ExecutionKey, error) {
	return c.engine.StartWorkflow(ctx, workflowType, input, opts)
}

// Signal delivers a named signal to the latest run of workflowID.
func (c *Client) Signal(ctx context.Context, workflowID, name string, payload any) error {
	return c.engine.SignalWorkflow(ctx, workflowID, name, payload)
}

// Cancel requests cancellation of the latest run of workflowID.
func (c *Client) Cancel(ctx context.Context, workflowID string) error {
	return c.engine.CancelWorkflow(ctx, workflowID)
}

// GetResult blocks until the latest run of workflowID closes. Runs that did
// not complete return a *WorkflowError.
func (c *Client) GetResult(ctx context.Context, workflowID string) (*WorkflowExecution, error) {
	return c.engine.GetResult(ctx, workflowID)
}

// Result waits for workflowID and decodes its result into out.
func (c *Client) Result(ctx context.Context, workflowID string, out any) error {
	exec, err := c.engine.GetResult(ctx, workflowID)
	if err != nil {
		return err
	}
	return api.DecodePayload(exec.Result, out)
}

func (c *Client) Describe(ctx context.Context, key ExecutionKey) (*WorkflowExecution, error) {
	return c.engine.Describe(ctx, key)
}

func (c *Client) History(ctx context.Context, key ExecutionKey) ([]Event, error) {
	return c.engine.History(ctx, key)
}

func (c *Client) List(ctx context.Context, filter ExecutionFilter) ([]*WorkflowExecution, error) {
	return c.engine.ListExecutions(ctx, filter)
}

// API exposes the client as an api.Client, e.g. for the HTTP surface.
func (c *Client) API() api.Client { return c.engine }
