package activity

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/petrijr/chronicle/pkg/api"
)

// Outcome is the classified result of one attempt.
type Outcome struct {
	Result   []byte
	Failure  *api.Failure
	Duration time.Duration
}

// Executor runs single activity attempts.
type Executor struct {
	registry *Registry
}

// NewExecutor creates an Executor over registry.
func NewExecutor(registry *Registry) *Executor {
	return &Executor{registry: registry}
}

type handlerResult struct {
	out      []byte
	err      error
	panicked bool
}

// Execute runs one attempt of inv. It returns when the handler returns,
// when the start-to-close timeout expires or when ctx is cancelled; in the
// latter two cases the handler's context is cancelled and the call is
// abandoned without waiting for it.
func (e *Executor) Execute(ctx context.Context, inv api.ActivityInvocation) Outcome {
	start := time.Now()
	outcome := e.execute(ctx, inv)
	outcome.Duration = time.Since(start)
	if f := outcome.Failure; f != nil {
		f.ActivityID = inv.ActivityID
		f.ActivityType = inv.ActivityType
		f.Attempt = inv.Attempt
	}
	return outcome
}

func (e *Executor) execute(ctx context.Context, inv api.ActivityInvocation) Outcome {
	def, err := e.registry.lookup(inv.ActivityType)
	if err != nil {
		return Outcome{Failure: &api.Failure{
			Kind:    api.FailureNonRetryable,
			Type:    "UnknownActivityType",
			Message: err.Error(),
		}}
	}

	runCtx, cancel := context.WithTimeout(ctx, inv.Options.Timeout())
	defer cancel()

	deadline, _ := runCtx.Deadline()
	runCtx = context.WithValue(runCtx, infoKey{}, Info{
		Key:          inv.Key,
		ActivityID:   inv.ActivityID,
		ActivityType: inv.ActivityType,
		Attempt:      inv.Attempt,
		Deadline:     deadline,
	})

	done := make(chan handlerResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- handlerResult{
					err:      fmt.Errorf("activity panic: %v\n%s", r, debug.Stack()),
					panicked: true,
				}
			}
		}()
		out, err := def.handler(runCtx, inv.Input)
		done <- handlerResult{out: out, err: err}
	}()

	select {
	case res := <-done:
		if res.err == nil {
			return Outcome{Result: res.out}
		}
		return Outcome{Failure: classify(ctx, def, res)}
	case <-runCtx.Done():
		if ctx.Err() != nil {
			return Outcome{Failure: &api.Failure{Kind: api.FailureCancelled, Type: "Cancelled", Message: ctx.Err().Error()}}
		}
		return Outcome{Failure: &api.Failure{
			Kind:    api.FailureTimeout,
			Type:    "StartToCloseTimeout",
			Message: fmt.Sprintf("activity exceeded start-to-close timeout of %s", inv.Options.Timeout()),
		}}
	}
}

func classify(parent context.Context, def *definition, res handlerResult) *api.Failure {
	if res.panicked {
		return &api.Failure{Kind: api.FailureTransient, Type: "PanicError", Message: res.err.Error()}
	}
	err := res.err

	var kind api.FailureKind
	if def.classifier != nil {
		kind = def.classifier(err)
	}
	var existing *api.Failure
	if errors.As(err, &existing) && kind == "" {
		kind = existing.Kind
	}
	if kind == "" {
		switch {
		case errors.Is(err, api.ErrNonRetryable):
			kind = api.FailureNonRetryable
		case parent.Err() != nil && errors.Is(err, context.Canceled):
			kind = api.FailureCancelled
		case errors.Is(err, context.DeadlineExceeded):
			kind = api.FailureTimeout
		default:
			kind = api.FailureTransient
		}
	}
	if existing != nil {
		// The handler may share the value; Execute stamps the copy.
		f := *existing
		f.Kind = kind
		return &f
	}
	return api.FailureFromError(kind, err)
}
