// Package pipeline implements the sheets sync workflow: fetch spreadsheet
// rows, map them to products, and push every product to a sink in
// parallel.
package pipeline

import (
	"errors"
	"fmt"
	"time"

	"github.com/petrijr/chronicle/pkg/activity"
	"github.com/petrijr/chronicle/pkg/api"
	"github.com/petrijr/chronicle/pkg/workflow"
)

const (
	WorkflowType = "sheets-sync"
	TaskQueue    = "sheets-sync"

	ActivityFetch = "sheets-sync.fetch-rows"
	ActivityMap   = "sheets-sync.map-and-validate"
	ActivitySync  = "sheets-sync.sync-product"
)

// SkippedMessage is the result message of a run that found no rows.
const SkippedMessage = "sync skipped: no data found"

// Policy decides the outcome of a run in which some products failed to sync.
type Policy string

const (
	// ContinueOnFailure completes the run and lists failed products in the
	// report.
	ContinueOnFailure Policy = "continue"

	// FailOnAnyFailure fails the run with the failure of the first product,
	// in input order, that could not be synced.
	FailOnAnyFailure Policy = "fail"
)

// Input starts a sync run. An empty Policy means FailOnAnyFailure.
type Input struct {
	Policy Policy `json:"policy,omitempty"`
}

// ItemFailure is a product that could not be synced.
type ItemFailure struct {
	Title   string          `json:"title"`
	Error   string          `json:"error"`
	Kind    api.FailureKind `json:"kind,omitempty"`
	Attempt int             `json:"attempt,omitempty"`
}

// Report is the result of a sync run.
type Report struct {
	Message string        `json:"message"`
	Synced  []string      `json:"synced,omitempty"`
	Failed  []ItemFailure `json:"failed,omitempty"`
}

// Options tune the activity timeouts and the per-product retry policy.
type Options struct {
	FetchTimeout time.Duration
	MapTimeout   time.Duration
	SyncTimeout  time.Duration
	SyncRetry    api.RetryPolicy
}

// DefaultOptions: fetch 2m, map 30s, sync 1m retried up to 3 attempts
// starting at 3s.
func DefaultOptions() Options {
	return Options{
		FetchTimeout: 2 * time.Minute,
		MapTimeout:   30 * time.Second,
		SyncTimeout:  time.Minute,
		SyncRetry: api.RetryPolicy{
			InitialInterval:   3 * time.Second,
			BackoffMultiplier: 2,
			MaxAttempts:       3,
		},
	}
}

// Register adds the workflow and its activities to the registries.
func Register(workflows *workflow.Registry, activities *activity.Registry, acts *Activities, opts Options) error {
	err := errors.Join(
		activity.Register(activities, ActivityFetch, acts.FetchRows),
		activity.Register(activities, ActivityMap, acts.MapAndValidate),
		activity.Register(activities, ActivitySync, acts.SyncProduct),
		workflow.Register(workflows, WorkflowType, Workflow(opts)),
	)
	if err != nil {
		return fmt.Errorf("register %s: %w", WorkflowType, err)
	}
	return nil
}

// Workflow returns the sync workflow function for the given options.
func Workflow(opts Options) func(ctx workflow.Context, in Input) (Report, error) {
	return func(ctx workflow.Context, in Input) (Report, error) {
		logger := workflow.GetLogger(ctx)

		var rows []Row
		err := workflow.ExecuteActivity(ctx, ActivityFetch, struct{}{}, api.ActivityOptions{
			StartToCloseTimeout: opts.FetchTimeout,
		}).Get(&rows)
		if err != nil {
			return Report{}, err
		}
		if len(rows) == 0 {
			return Report{Message: SkippedMessage}, nil
		}

		var products []Product
		err = workflow.ExecuteActivity(ctx, ActivityMap, rows, api.ActivityOptions{
			StartToCloseTimeout: opts.MapTimeout,
		}).Get(&products)
		if err != nil {
			return Report{}, err
		}

		retry := opts.SyncRetry
		futures := make([]*workflow.Future, len(products))
		for i, p := range products {
			futures[i] = workflow.ExecuteActivity(ctx, ActivitySync, p, api.ActivityOptions{
				StartToCloseTimeout: opts.SyncTimeout,
				RetryPolicy:         &retry,
			})
		}
		joinErr := workflow.AwaitAll(ctx, futures...)
		if joinErr != nil && (errors.Is(joinErr, workflow.ErrSuspended) || in.Policy != ContinueOnFailure) {
			return Report{}, joinErr
		}

		var report Report
		for i, f := range futures {
			var synced string
			if err := f.Get(&synced); err != nil {
				report.Failed = append(report.Failed, itemFailure(products[i].Title, err))
				continue
			}
			report.Synced = append(report.Synced, synced)
		}
		report.Message = fmt.Sprintf("sync complete: synced %d of %d products", len(report.Synced), len(products))
		logger.Info("sync finished", "synced", len(report.Synced), "failed", len(report.Failed))
		return report, nil
	}
}

func itemFailure(title string, err error) ItemFailure {
	item := ItemFailure{Title: title, Error: err.Error()}
	var actErr *api.ActivityError
	if errors.As(err, &actErr) {
		item.Kind = actErr.Failure.Kind
		item.Attempt = actErr.Failure.Attempt
	}
	return item
}
